// Package transport defines the abstraction the OpenPGP applet layer talks
// to regardless of which physical link (CCID/USB, PC/SC, U2F HID, NFC
// ISO-DEP) carries the bytes.
package transport

import (
	"context"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

// Kind identifies which concrete transport backs a Transceiver.
type Kind int

const (
	KindUnknown Kind = iota
	KindCCID
	KindPCSC
	KindU2FHID
	KindNFC
)

func (k Kind) String() string {
	switch k {
	case KindCCID:
		return "ccid"
	case KindPCSC:
		return "pcsc"
	case KindU2FHID:
		return "u2f-hid"
	case KindNFC:
		return "nfc"
	default:
		return "unknown"
	}
}

// Transceiver is a single-command-at-a-time link to a token. Exactly one
// Transceive call executes at a time per instance; implementations guard
// that with their own mutex rather than requiring callers to serialize.
type Transceiver interface {
	// Transceive sends one fully-encoded command (APDU bytes for CCID/
	// PC/SC/NFC, or a raw message for U2F HID) and returns the matching
	// reply. ctx governs the whole exchange, including any protocol-level
	// retransmission.
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)

	// SupportsExtendedLength reports whether the link can carry APDUs
	// with Lc/Le beyond the short-form 255/256 byte limit, so apdu.Command
	// construction upstream knows whether extended form will actually
	// reach the card.
	SupportsExtendedLength() bool

	// Kind identifies the concrete backend.
	Kind() Kind

	// Ping performs the cheapest possible round trip the backend
	// supports, used by the device manager's active liveness check.
	Ping(ctx context.Context) error

	// Release tears the transport down. Any Transceive/Ping call after
	// Release returns taxonomy.ErrTransportReleased.
	Release() error
}

// Released is embeddable by concrete transports to provide the
// once-released, always-released bookkeeping uniformly.
type Released struct {
	released bool
}

// Check returns taxonomy.ErrTransportReleased if MarkReleased was already
// called.
func (r *Released) Check() error {
	if r.released {
		return taxonomy.ErrTransportReleased
	}
	return nil
}

// MarkReleased records that the transport has been torn down. It is
// idempotent.
func (r *Released) MarkReleased() {
	r.released = true
}
