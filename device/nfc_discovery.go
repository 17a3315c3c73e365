package device

import (
	"log"
	"time"

	"github.com/hwsecurity-go/hwsecurity/nfctransport"
)

// NfcDiscoverer repeatedly polls one NFC reader for a tag entering the
// field and attaches it: on a tag-discovered event it instantiates an
// ISO-DEP transport and spawns a liveness monitor. clausecker/nfc has no
// native discovery callback, so this polls InitiatorListPassiveTargets on
// an interval instead.
//
// Once a tag is attached, its Transceiver becomes the live transport the
// rest of the stack issues APDUs through and the liveness monitor pings;
// this loop stops polling that same reader connection until the token is
// lost, then reopens the reader (Release closed the prior connection) and
// resumes looking for the next tag.
type NfcDiscoverer struct {
	Manager      *Manager
	Connstring   string
	PollInterval time.Duration
}

func (d *NfcDiscoverer) withDefaults() *NfcDiscoverer {
	out := *d
	if out.PollInterval == 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	return &out
}

// Run polls until stop is closed.
func (d *NfcDiscoverer) Run(stop <-chan struct{}) error {
	d = d.withDefaults()

	var (
		t          *nfctransport.Transceiver
		attachedID Identity
		hasToken   bool
	)
	defer func() {
		if t != nil && !hasToken {
			t.Release()
		}
	}()

	ticker := time.NewTicker(d.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			if hasToken {
				if _, ok := d.Manager.Get(attachedID); ok {
					continue
				}
				hasToken = false
				t = nil
			}
			if t == nil {
				var err error
				t, err = nfctransport.Open(d.Connstring)
				if err != nil {
					log.Printf("device: nfc reader open error: %v", err)
					t = nil
					continue
				}
			}
			id, attached := d.pollOnce(t)
			if attached {
				attachedID = id
				hasToken = true
			}
		}
	}
}

func (d *NfcDiscoverer) pollOnce(t *nfctransport.Transceiver) (Identity, bool) {
	found, err := t.Poll()
	if err != nil {
		log.Printf("device: nfc poll error: %v", err)
		return "", false
	}
	if !found {
		return "", false
	}

	id := NFCIdentity(t.UID())
	if _, ok := d.Manager.Get(id); ok {
		return "", false
	}
	d.Manager.AttachNFC(id, t)
	return id, true
}
