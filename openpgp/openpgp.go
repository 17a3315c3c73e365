// Package openpgp implements the applet-level session logic for talking to
// an OpenPGP card application (AID D276 0001 2401 xx): SELECT, capability
// discovery, PIN verification/management, key import/generation, and
// fingerprint computation, layered on top of apdu.Transmit and any
// transport.Transceiver.
package openpgp

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hwsecurity-go/hwsecurity/apdu"
	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/tlv"
	"github.com/hwsecurity-go/hwsecurity/transport"
)

// Instruction bytes used across this package, ISO 7816-4 / OpenPGP card
// application v3.4 section 7.2.
const (
	insSelect              = 0xA4
	insGetData             = 0xCA
	insVerify              = 0x20
	insChangeReferenceData = 0x24
	insResetRetryCounter   = 0x2C
	insGenerateAsymmetric  = 0x47
	insPutData             = 0xDA
	insPutDataOdd          = 0xDB
	insTerminateDF         = 0xE6
	insActivateFile        = 0x44
	insGetChallenge        = 0x84
)

// KeyType identifies one of the OpenPGP card's three key slots.
type KeyType int

const (
	SignatureKey KeyType = iota
	DecryptionKey
	AuthenticationKey
)

func (k KeyType) String() string {
	switch k {
	case SignatureKey:
		return "signature"
	case DecryptionKey:
		return "decryption"
	case AuthenticationKey:
		return "authentication"
	default:
		return fmt.Sprintf("keytype(%d)", int(k))
	}
}

// crtTag returns the Control Reference Template tag GENERATE ASYMMETRIC
// KEY PAIR uses to address this slot (0xB6/0xB8/0xA4).
func (k KeyType) crtTag() uint32 {
	switch k {
	case SignatureKey:
		return 0xB6
	case DecryptionKey:
		return 0xB8
	case AuthenticationKey:
		return 0xA4
	default:
		return 0
	}
}

// aidPrefix is the RID + application byte common to every OpenPGP card,
// ISO 7816-5 registered as D2 76 00 01 24 01.
var aidPrefix = []byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01}

// PasswordRef identifies which verification object a VERIFY/CHANGE
// REFERENCE DATA/RESET RETRY COUNTER command targets.
type PasswordRef byte

const (
	PW1 PasswordRef = 0x81 // user PIN, used for most card-not-present operations
	PW1Sign PasswordRef = 0x82 // user PIN, signing-specific verification slot
	PW3 PasswordRef = 0x83 // admin PIN
)

// Connection is an open session with an OpenPGP applet over one
// transport. It caches the parsed Application Related Data (tag 0x6E)
// after Select and tracks whether each PIN has been verified this
// session, matching the card's own session-scoped verification state.
// capabilities is an atomic.Pointer rather than a plain field: Refresh
// may run concurrently with a reader calling Capabilities() from another
// goroutine (e.g. a status poller), and each snapshot it holds is
// immutable once published, so a swap can never hand out a torn read.
type Connection struct {
	transport transport.Transceiver

	capabilities atomic.Pointer[Capabilities]

	pw1Verified bool
	pw3Verified bool
}

// Open selects the OpenPGP applet and reads its Application Related Data.
func Open(t transport.Transceiver) (*Connection, error) {
	c := &Connection{transport: t}
	if err := c.selectApplet(); err != nil {
		return nil, err
	}
	caps, err := c.readCapabilities()
	if err != nil {
		return nil, err
	}
	c.capabilities.Store(caps)
	return c, nil
}

func (c *Connection) selectApplet() error {
	cmd := apdu.Command{CLA: 0x00, INS: insSelect, P1: 0x04, P2: 0x00, Data: aidPrefix}
	resp, err := c.transmit(cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		if resp.SW() == 0x6A82 {
			return &taxonomy.Error{Kind: taxonomy.ErrAppletNotPresent, SW: resp.SW()}
		}
		return resp.CheckStatus()
	}
	return nil
}

// transmit is the single choke point every command in this package routes
// through, so apdu.Transmit's chaining always runs against this
// connection's transport.
func (c *Connection) transmit(cmd apdu.Command) (apdu.Response, error) {
	return apdu.Transmit(transceiverAdapter{c.transport}, cmd)
}

// transmitChained routes cmd through apdu.TransmitChained, splitting
// command data into multiple chained APDUs (CLA bit 0x10) whenever the
// payload would not fit in one command the link can carry: either because
// the transport has no extended-length support, or because the card
// itself only advertised a short max command length in its Application
// Related Data (tag 0x00C0). Commands that fit in a single APDU are
// unaffected.
func (c *Connection) transmitChained(cmd apdu.Command) (apdu.Response, error) {
	return apdu.TransmitChained(transceiverAdapter{c.transport}, cmd, c.maxCommandChunk())
}

// maxCommandChunk returns the largest single-command data payload this
// connection may send before outgoing chaining is required, or 0 to mean
// "no chunking needed" (extended length is available end to end).
// Extended-length encoding only actually reaches the card when both the
// transport and the card itself (DO 0x00C0 flag bit 0x01) agree to it,
// per §4.5 point 3; if either side lacks it, every command on this
// connection is capped at the short-form 255-byte Lc regardless of what
// Command.Encode alone would have chosen.
func (c *Connection) maxCommandChunk() int {
	caps := c.capabilities.Load()
	if c.transport.SupportsExtendedLength() && caps != nil && caps.ExtendedCapabilities.SupportsExtendedLengthAPDU {
		if caps.MaxCommandLength > 0 {
			return caps.MaxCommandLength
		}
		return 0
	}
	return 255
}

// transceiverAdapter adapts a context-aware transport.Transceiver to the
// simpler apdu.Transceiver interface, using context.Background for calls
// that originate from the applet layer's own synchronous API. Calls made
// through it cannot be cancelled.
type transceiverAdapter struct {
	t transport.Transceiver
}

func (a transceiverAdapter) Transceive(cmd []byte) ([]byte, error) {
	return a.t.Transceive(context.Background(), cmd)
}

// Capabilities returns the parsed Application Related Data from the last
// Select/Refresh. The returned snapshot is immutable; callers must not
// mutate it, and a concurrent Refresh will publish a new snapshot rather
// than modifying this one in place.
func (c *Connection) Capabilities() *Capabilities { return c.capabilities.Load() }

// Refresh re-reads Application Related Data, e.g. after an operation that
// changes key attributes or PIN retry counters.
func (c *Connection) Refresh() error {
	caps, err := c.readCapabilities()
	if err != nil {
		return err
	}
	c.capabilities.Store(caps)
	return nil
}

func (c *Connection) readCapabilities() (*Capabilities, error) {
	cmd := apdu.Command{CLA: 0x00, INS: insGetData, P1: 0x00, P2: 0x6E, Ne: 65536}
	resp, err := c.transmit(cmd)
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, resp.CheckStatus()
	}
	nodes, err := tlv.ParseAll(resp.Data)
	if err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrCapabilityParse, Cause: err}
	}
	return parseCapabilities(nodes)
}

// Close releases the underlying transport. It does not send TERMINATE DF;
// callers that want to wipe the applet use Connection.ResetAndWipe.
func (c *Connection) Close() error {
	return c.transport.Release()
}
