package device

import (
	"fmt"
	"log"
	"time"

	"github.com/google/gousb"

	"github.com/hwsecurity-go/hwsecurity/transport/ccid"
	"github.com/hwsecurity-go/hwsecurity/transport/u2fhid"
)

// USB interface class codes used to classify an attached device, spec §4.7:
// CCID readers advertise class 0x0B; FIDO U2F authenticators are plain HID
// (class 0x03) with a FIDO usage page (0xF1D0) in their report descriptor.
// Walking the report descriptor needs an extra control transfer this
// discoverer does not issue; class 0x03 interfaces are treated as
// candidate U2F HID devices and handed to u2fhid.Open, whose own INIT
// handshake is the authoritative check — a plain non-FIDO HID device simply
// fails that handshake and is skipped.
const (
	classCCID = 0x0B
	classHID  = 0x03
)

// UsbDiscoverer polls gousb's device list on an interval and attaches any
// CCID or HID-class interface not already in the registry, the USB half of
// the spec's "poll attached devices, filter by interface class" discovery
// loop (NFC instead uses a tag-discovered event, see NfcDiscoverer).
type UsbDiscoverer struct {
	Manager     *Manager
	PollInterval time.Duration
	ReadTimeout  time.Duration
}

func (d *UsbDiscoverer) withDefaults() *UsbDiscoverer {
	out := *d
	if out.PollInterval == 0 {
		out.PollInterval = time.Second
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 3 * time.Second
	}
	return &out
}

// Run polls until stop is closed, attaching newly seen devices and leaving
// already-managed ones alone; a USB device's eventual unplug is detected by
// its own transport returning a transport error on the next transceive, not
// by this loop, per the spec's USB/NFC liveness split.
func (d *UsbDiscoverer) Run(stop <-chan struct{}) {
	d = d.withDefaults()
	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.scanOnce(); err != nil {
				log.Printf("device: usb scan error: %v", err)
			}
		}
	}
}

func (d *UsbDiscoverer) scanOnce() error {
	ctx := gousb.NewContext()
	defer ctx.Close()

	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return candidateClass(desc) != KindUnknown
	})
	if err != nil {
		return fmt.Errorf("enumerate usb devices: %w", err)
	}

	for _, dev := range devices {
		kind := candidateClass(dev.Desc)
		serial, _ := dev.SerialNumber()
		id := USBIdentity(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product), serial)
		dev.Close()

		if _, ok := d.Manager.Get(id); ok {
			continue
		}
		d.attachOne(id, kind, uint16(dev.Desc.Vendor), uint16(dev.Desc.Product))
	}
	return nil
}

func (d *UsbDiscoverer) attachOne(id Identity, kind Kind, vid, pid uint16) {
	switch kind {
	case KindUSBCCID:
		t, err := ccid.Open(ccid.Options{VendorID: gousb.ID(vid), ProductID: gousb.ID(pid), ReadTimeout: d.ReadTimeout})
		if err != nil {
			log.Printf("device: candidate ccid reader %s did not open: %v", id, err)
			return
		}
		d.Manager.AttachUSB(id, KindUSBCCID, t)
	case KindUSBU2FHID:
		t, err := u2fhid.Open(u2fhid.Options{VendorID: gousb.ID(vid), ProductID: gousb.ID(pid), ReadTimeout: d.ReadTimeout})
		if err != nil {
			log.Printf("device: candidate u2f hid device %s did not open: %v", id, err)
			return
		}
		d.Manager.AttachUSB(id, KindUSBU2FHID, t)
	}
}

// candidateClass inspects the device's first configuration's interfaces for
// a CCID or HID class code, preferring CCID if a device oddly advertises
// both.
func candidateClass(desc *gousb.DeviceDesc) Kind {
	sawHID := false
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				switch alt.Class {
				case gousb.Class(classCCID):
					return KindUSBCCID
				case gousb.Class(classHID):
					sawHID = true
				}
			}
		}
	}
	if sawHID {
		return KindUSBU2FHID
	}
	return KindUnknown
}
