// Package nfctransport implements the ISO-DEP leg of transport.Transceiver
// over github.com/clausecker/nfc/v2, carrying ISO 7816-4 APDUs to an
// OpenPGP applet selected over ISO-DEP.
package nfctransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/clausecker/nfc/v2"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/transport"
)

// maxRxBytes bounds the reply buffer passed to InitiatorTransceiveBytes;
// OpenPGP extended-length responses fit comfortably under this.
const maxRxBytes = 64 * 1024

// Transceiver carries APDUs to a token presented as an ISO14443-4A NFC
// tag.
type Transceiver struct {
	transport.Released

	mu     sync.Mutex
	device nfc.Device
	target nfc.ISO14443aTarget
}

// Open connects to the named NFC device (e.g. "pn532_uart:/dev/ttyUSB0",
// a libnfc connection string) and activates it as an initiator.
func Open(connstring string) (*Transceiver, error) {
	device, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("open nfc device %q: %w", connstring, err)
	}
	if err := device.InitiatorInit(); err != nil {
		device.Close()
		return nil, fmt.Errorf("initiator init: %w", err)
	}
	return &Transceiver{device: device}, nil
}

// Poll lists ISO14443A passive targets and selects the first one exposing
// the ISO14443-4 ("Type 4") bit in SAK, the bit an OpenPGP applet carrier
// tag sets.
func (t *Transceiver) Poll() (found bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	modulation := nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}
	targets, err := t.device.InitiatorListPassiveTargets(modulation)
	if err != nil {
		return false, fmt.Errorf("list passive targets: %w", err)
	}
	for _, target := range targets {
		iso, ok := target.(*nfc.ISO14443aTarget)
		if !ok {
			continue
		}
		if iso.Sak&0x20 == 0 {
			continue
		}
		t.target = *iso
		return true, nil
	}
	return false, nil
}

// UID returns the last-polled tag's UID bytes.
func (t *Transceiver) UID() []byte {
	return append([]byte{}, t.target.UID[:t.target.UIDLen]...)
}

// Transceive exchanges one APDU over ISO-DEP. ctx is honored on a
// best-effort basis: InitiatorTransceiveBytes has no native cancellation,
// so a cancelled context only prevents starting a new exchange.
func (t *Transceiver) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportTimeout, Cause: err}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rx := make([]byte, maxRxBytes)
	n, err := t.device.InitiatorTransceiveBytes(cmd, rx, 0)
	if err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("nfc transceive: %w", err)}
	}
	return rx[:n], nil
}

func (t *Transceiver) SupportsExtendedLength() bool { return true }

func (t *Transceiver) Kind() transport.Kind { return transport.KindNFC }

// Ping re-polls for the same tag, since ISO-DEP has no dedicated
// keep-alive command; disappearance during polling surfaces as an error
// the device manager's liveness monitor treats as token-lost.
func (t *Transceiver) Ping(ctx context.Context) error {
	found, err := t.Poll()
	if err != nil {
		return err
	}
	if !found {
		return &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("tag no longer in field")}
	}
	return nil
}

func (t *Transceiver) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Check() != nil {
		return nil
	}
	t.MarkReleased()
	return t.device.Close()
}
