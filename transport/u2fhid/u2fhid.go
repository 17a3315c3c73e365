// Package u2fhid implements the FIDO U2F HID transport framing: 64-byte
// HID reports split into an init packet (carrying CID/CMD/BCNT) and
// continuation packets, exchanged directly over a USB interrupt endpoint
// with gousb rather than through an OS HID driver.
package u2fhid

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/transport"
)

// generateNonce produces the 8-byte random nonce CTAPHID_INIT sends to
// detect a crossed or stale reply; a package variable so tests can
// substitute a fixed sequence instead of depending on crypto/rand.
var generateNonce = func() ([]byte, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

const (
	reportSize  = 64
	initHdrSize = 7 // CID(4) + CMD(1) + BCNTH(1) + BCNTL(1)... see packet layout below
	contHdrSize = 5 // CID(4) + SEQ(1)

	cidBroadcast uint32 = 0xFFFFFFFF

	cmdPing    = 0x80 | 0x01
	cmdMsg     = 0x80 | 0x03
	cmdInit    = 0x80 | 0x06
	cmdWink    = 0x80 | 0x08
	cmdError   = 0x80 | 0x3F
	cmdKeepAlive = 0x80 | 0x3B
)

// Options configures which device to open.
type Options struct {
	VendorID, ProductID gousb.ID
	ReadTimeout         time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}
	return o
}

// Transceiver is a U2F authenticator reached over raw USB HID interrupt
// transfer, with no OS HID driver involved.
type Transceiver struct {
	transport.Released

	mu sync.Mutex

	opts Options

	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	cid uint32
}

// Open claims the HID interface and allocates a channel ID via the
// broadcast INIT handshake (CTAPHID_INIT with an 8-byte nonce).
func Open(opts Options) (*Transceiver, error) {
	opts = opts.withDefaults()

	ctx := gousb.NewContext()
	device, err := ctx.OpenDeviceWithVIDPID(opts.VendorID, opts.ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open u2f hid device: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("u2f hid device not found (vid=%s pid=%s)", opts.VendorID, opts.ProductID)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("select u2f hid config: %w", err)
	}
	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim u2f hid interface: %w", err)
	}
	epOut, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("open u2f hid out endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(0x81)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("open u2f hid in endpoint: %w", err)
	}

	t := &Transceiver{opts: opts, ctx: ctx, device: device, config: config, intf: intf, epOut: epOut, epIn: epIn, cid: cidBroadcast}

	cid, err := t.init()
	if err != nil {
		t.Release()
		return nil, err
	}
	t.cid = cid
	return t, nil
}

// init performs the CTAPHID_INIT broadcast handshake and returns the
// allocated channel ID.
func (t *Transceiver) init() (uint32, error) {
	nonce, err := generateNonce()
	if err != nil {
		return 0, &taxonomy.Error{Kind: taxonomy.ErrU2fHidBadInit, Cause: fmt.Errorf("generate init nonce: %w", err)}
	}
	reply, err := t.exchangeOnChannel(context.Background(), cidBroadcast, cmdInit, nonce)
	if err != nil {
		return 0, err
	}
	if len(reply) < 17 {
		return 0, &taxonomy.Error{Kind: taxonomy.ErrU2fHidBadInit, Cause: fmt.Errorf("init reply too short: %d byte(s)", len(reply))}
	}
	for i := 0; i < 8; i++ {
		if reply[i] != nonce[i] {
			return 0, &taxonomy.Error{Kind: taxonomy.ErrU2fHidBadInit, Cause: fmt.Errorf("nonce mismatch in init reply")}
		}
	}
	return binary.BigEndian.Uint32(reply[8:12]), nil
}

// Transceive sends cmd (CMD_MSG) on the allocated channel and returns the
// reassembled reply payload.
func (t *Transceiver) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exchangeOnChannel(ctx, t.cid, cmdMsg, cmd)
}

func (t *Transceiver) SupportsExtendedLength() bool { return true }

func (t *Transceiver) Kind() transport.Kind { return transport.KindU2FHID }

// Ping sends CTAPHID_PING, the protocol's dedicated liveness command.
func (t *Transceiver) Ping(ctx context.Context) error {
	if err := t.Check(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.exchangeOnChannel(ctx, t.cid, cmdPing, []byte("ping"))
	return err
}

func (t *Transceiver) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Check() != nil {
		return nil
	}
	t.MarkReleased()
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}

// exchangeOnChannel sends one framed message split across init+continuation
// packets and reassembles the reply, following keep-alive frames the
// authenticator may send while the user presence check is pending.
func (t *Transceiver) exchangeOnChannel(ctx context.Context, cid uint32, cmd byte, payload []byte) ([]byte, error) {
	packets := splitPackets(cid, cmd, payload)
	for _, p := range packets {
		if _, err := t.epOut.Write(p); err != nil {
			return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("u2f hid write: %w", err)}
		}
	}

	for {
		buf := make([]byte, reportSize)
		n, err := t.epIn.ReadContext(ctx, buf)
		if err != nil {
			return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("u2f hid read: %w", err)}
		}
		if n < initHdrSize {
			return nil, &taxonomy.Error{Kind: taxonomy.ErrU2fHidBadInit, Cause: fmt.Errorf("init packet too short: %d byte(s)", n)}
		}
		gotCID := binary.BigEndian.Uint32(buf[0:4])
		if gotCID != cid {
			continue // frame for a different channel; ignore and keep reading
		}
		gotCmd := buf[4]
		if gotCmd == cmdKeepAlive {
			continue
		}
		if gotCmd == cmdError {
			return nil, taxonomy.NewU2fHidError(buf[7])
		}
		bcnt := int(binary.BigEndian.Uint16(buf[5:7]))
		data := make([]byte, 0, bcnt)
		data = append(data, buf[7:min(n, 7+bcnt)]...)

		seq := byte(0)
		for len(data) < bcnt {
			cbuf := make([]byte, reportSize)
			n, err := t.epIn.ReadContext(ctx, cbuf)
			if err != nil {
				return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("u2f hid cont read: %w", err)}
			}
			if n < contHdrSize {
				return nil, &taxonomy.Error{Kind: taxonomy.ErrU2fHidBadInit, Cause: fmt.Errorf("cont packet too short: %d byte(s)", n)}
			}
			if binary.BigEndian.Uint32(cbuf[0:4]) != cid {
				continue
			}
			if cbuf[4] != seq {
				return nil, &taxonomy.Error{Kind: taxonomy.ErrU2fHidBadInit, Cause: fmt.Errorf("sequence mismatch: got %d want %d", cbuf[4], seq)}
			}
			remaining := bcnt - len(data)
			take := min(n-contHdrSize, remaining)
			data = append(data, cbuf[contHdrSize:contHdrSize+take]...)
			seq++
		}
		return data, nil
	}
}

// splitPackets frames payload into one 64-byte init packet and as many
// continuation packets as needed.
func splitPackets(cid uint32, cmd byte, payload []byte) [][]byte {
	var packets [][]byte

	init := make([]byte, reportSize)
	binary.BigEndian.PutUint32(init[0:4], cid)
	init[4] = cmd
	binary.BigEndian.PutUint16(init[5:7], uint16(len(payload)))
	n := copy(init[7:], payload)
	packets = append(packets, init)
	payload = payload[n:]

	seq := byte(0)
	for len(payload) > 0 {
		cont := make([]byte, reportSize)
		binary.BigEndian.PutUint32(cont[0:4], cid)
		cont[4] = seq
		n := copy(cont[contHdrSize:], payload)
		packets = append(packets, cont)
		payload = payload[n:]
		seq++
	}

	return packets
}
