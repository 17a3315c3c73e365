// Package ccid implements a USB CCID class-driver transceiver over raw bulk
// endpoints, opening the device directly with gousb instead of going
// through a kernel CCID driver. It speaks PC_to_RDR_IccPowerOn/_XfrBlock/
// _GetParameters/_IccPowerOff and their RDR_to_PC replies
// against any CCID reader's VID/PID.
package ccid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/transport"
)

// Message type codes, USB CCID class spec revision 1.1 section 6.
const (
	msgPCToRDRIccPowerOn    = 0x62
	msgPCToRDRIccPowerOff   = 0x63
	msgPCToRDRXfrBlock      = 0x6F
	msgPCToRDRGetParameters = 0x6C
	msgPCToRDRSetParameters = 0x61

	msgRDRToPCDataBlock  = 0x80
	msgRDRToPCSlotStatus = 0x81
	msgRDRToPCParameters = 0x82
)

// Exchange-level bits of the CCID class descriptor's dwFeatures field (USB
// CCID class spec rev 1.1 section 5.1), telling us whether the reader
// itself performs APDU-level chaining or only raw TPDU/character framing.
const (
	ExchangeLevelCharacter    = 0x00000000
	ExchangeLevelTPDU         = 0x00010000
	ExchangeLevelShortAPDU    = 0x00020000
	ExchangeLevelExtendedAPDU = 0x00040000
)

const (
	ccidClassDescriptorType = 0x21 // bDescriptorType for the CCID functional descriptor
	ccidClassDescriptorLen  = 54
	ccidFeaturesOffset      = 40 // dwFeatures, 4 bytes little-endian
	descGetDescriptor       = 0x06
	descTypeConfiguration   = 0x02
)

// Extended-APDU data-block level parameter carried in wLevelParameter of
// PC_to_RDR_XfrBlock, meaningful only when the reader advertises
// ExchangeLevelExtendedAPDU: it tags each block of a multi-block transfer.
const (
	blockLevelSingle       = 0x00
	blockLevelFirst        = 0x01
	blockLevelLast         = 0x02
	blockLevelMiddle       = 0x03
	blockLevelContinuation = 0x10
)

// Options configures which reader to open and how long to wait for it.
type Options struct {
	VendorID, ProductID gousb.ID
	SlotIndex           byte
	ReadTimeout         time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout == 0 {
		o.ReadTimeout = 3 * time.Second
	}
	return o
}

// Transceiver is a CCID reader reached over direct USB bulk transfer.
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

	seq           byte
	exchangeLevel uint32
	lastATR       []byte
}

// Open claims the reader's bulk interface and powers on the slot.
func Open(opts Options) (*Transceiver, error) {
	opts = opts.withDefaults()

	ctx := gousb.NewContext()
	device, err := ctx.OpenDeviceWithVIDPID(opts.VendorID, opts.ProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open ccid reader: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("ccid reader not found (vid=%s pid=%s)", opts.VendorID, opts.ProductID)
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("select ccid config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim ccid interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("open ccid out endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(0x81)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("open ccid in endpoint: %w", err)
	}

	t := &Transceiver{
		opts:   opts,
		ctx:    ctx,
		device: device,
		config: config,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
	}

	t.exchangeLevel = t.readExchangeLevel()

	atr, err := t.powerOn()
	if err != nil {
		t.Release()
		return nil, err
	}
	t.lastATR = atr
	return t, nil
}

// ATR returns the card's answer-to-reset captured at power-on.
func (t *Transceiver) ATR() []byte { return t.lastATR }

func (t *Transceiver) powerOn() ([]byte, error) {
	msg := t.header(msgPCToRDRIccPowerOn, 0, []byte{0x00, 0x00, 0x00})
	reply, err := t.rawExchange(msg)
	if err != nil {
		return nil, err
	}
	return t.dataFromDataBlock(reply)
}

// Transceive sends one TPDU/APDU-level payload wrapped in PC_to_RDR_
// XfrBlock and returns the card's data, unwrapping RDR_to_PC_DataBlock. On
// an extended-APDU-level reader, it also drives the level-parameter
// continuation loop before unwrapping the final block.
func (t *Transceiver) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := t.Check(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := t.header(msgPCToRDRXfrBlock, blockLevelSingle, cmd)
	reply, err := t.rawExchangeCtx(ctx, msg)
	if err != nil {
		return nil, err
	}
	if t.exchangeLevel == ExchangeLevelExtendedAPDU {
		reply, err = t.awaitContinuation(ctx, reply)
		if err != nil {
			return nil, err
		}
	}
	return t.dataFromDataBlock(reply)
}

// awaitContinuation implements the CCID class spec's extended-APDU
// data-block level parameter continuation: while the reader's
// bChainParameter (reply byte 9) reports blockLevelContinuation, it is
// still assembling the card's response and wants to be polled again with
// an empty XfrBlock at level blockLevelContinuation, until it answers
// blockLevelSingle or blockLevelLast. The payloads of all blocks are joined
// and returned as a single RDR_to_PC_DataBlock reply.
func (t *Transceiver) awaitContinuation(ctx context.Context, reply []byte) ([]byte, error) {
	var data []byte
	for len(reply) > 9 && reply[9] != blockLevelSingle && reply[9] != blockLevelLast {
		part, err := t.dataFromDataBlock(reply)
		if err != nil {
			return nil, err
		}
		data = append(data, part...)
		msg := t.header(msgPCToRDRXfrBlock, blockLevelContinuation, nil)
		next, err := t.rawExchangeCtx(ctx, msg)
		if err != nil {
			return nil, err
		}
		reply = next
	}
	last, err := t.dataFromDataBlock(reply)
	if err != nil {
		return nil, err
	}
	data = append(data, last...)
	out := append(append([]byte{}, reply[:10]...), data...)
	out[1], out[2], out[3], out[4] = byte(len(data)), byte(len(data)>>8), byte(len(data)>>16), byte(len(data)>>24)
	return out, nil
}

func (t *Transceiver) SupportsExtendedLength() bool {
	return t.exchangeLevel == ExchangeLevelExtendedAPDU
}

// readExchangeLevel fetches the full USB configuration descriptor over a
// standard control transfer and scans it for the CCID functional descriptor
// appended after the CCID interface descriptor, extracting the
// exchange-level bits of dwFeatures.
// Readers that don't answer, or whose descriptor is shorter than expected,
// are treated as character-level only, the safest (least capable)
// assumption.
func (t *Transceiver) readExchangeLevel() uint32 {
	buf := make([]byte, 512)
	n, err := t.device.Control(0x80, descGetDescriptor, uint16(descTypeConfiguration)<<8, 0, buf)
	if err != nil {
		return ExchangeLevelCharacter
	}
	buf = buf[:n]

	for i := 0; i+2 <= len(buf); {
		length := int(buf[i])
		if length < 2 || i+length > len(buf) {
			break
		}
		descType := buf[i+1]
		if descType == ccidClassDescriptorType && length >= ccidClassDescriptorLen {
			features := uint32(buf[i+ccidFeaturesOffset]) |
				uint32(buf[i+ccidFeaturesOffset+1])<<8 |
				uint32(buf[i+ccidFeaturesOffset+2])<<16 |
				uint32(buf[i+ccidFeaturesOffset+3])<<24
			return features & (ExchangeLevelTPDU | ExchangeLevelShortAPDU | ExchangeLevelExtendedAPDU)
		}
		i += length
	}
	return ExchangeLevelCharacter
}

func (t *Transceiver) Kind() transport.Kind { return transport.KindCCID }

// Ping issues PC_to_RDR_GetParameters, a round trip with no payload, as
// the device manager's active liveness probe.
func (t *Transceiver) Ping(ctx context.Context) error {
	if err := t.Check(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	msg := t.header(msgPCToRDRGetParameters, 0, nil)
	_, err := t.rawExchangeCtx(ctx, msg)
	return err
}

func (t *Transceiver) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Check() != nil {
		return nil
	}
	t.MarkReleased()

	_ = t.rawFireAndForget(t.header(msgPCToRDRIccPowerOff, 0, nil))

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

// header builds the 10-byte CCID bulk-out message header followed by
// payload, bumping and recording bSeq the way the class spec requires so
// the matching RDR_to_PC reply can be correlated.
func (t *Transceiver) header(msgType byte, param uint16, payload []byte) []byte {
	seq := t.seq
	t.seq++

	out := make([]byte, 10, 10+len(payload))
	out[0] = msgType
	out[1] = byte(len(payload))
	out[2] = byte(len(payload) >> 8)
	out[3] = byte(len(payload) >> 16)
	out[4] = byte(len(payload) >> 24)
	out[5] = t.opts.SlotIndex
	out[6] = seq
	out[7] = byte(param)
	out[8] = byte(param >> 8)
	out[9] = 0x00
	return append(out, payload...)
}

func (t *Transceiver) rawExchange(msg []byte) ([]byte, error) {
	return t.rawExchangeCtx(context.Background(), msg)
}

// rawExchangeCtx writes msg and reads the matching RDR_to_PC reply,
// verifying the class spec's requirement that bSeq (byte 6) is echoed back
// unchanged so a reply can never be mistaken for the answer to a different
// outstanding command.
func (t *Transceiver) rawExchangeCtx(ctx context.Context, msg []byte) ([]byte, error) {
	wantSeq := msg[6]

	if _, err := t.epOut.Write(msg); err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("ccid bulk out: %w", err)}
	}

	readCtx, cancel := context.WithTimeout(ctx, t.opts.ReadTimeout)
	defer cancel()
	buf := make([]byte, 10+65536)
	n, err := t.epIn.ReadContext(readCtx, buf)
	if err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrTransportIO, Cause: fmt.Errorf("ccid bulk in: %w", err)}
	}
	if n < 10 {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrCcidBadResponse, Cause: fmt.Errorf("reply too short: %d byte(s)", n)}
	}
	if gotSeq := buf[6]; gotSeq != wantSeq {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrCcidSeqMismatch, Cause: fmt.Errorf("bSeq %#02x, want %#02x", gotSeq, wantSeq)}
	}
	return buf[:n], nil
}

func (t *Transceiver) rawFireAndForget(msg []byte) error {
	_, err := t.epOut.Write(msg)
	return err
}

// dataFromDataBlock validates an RDR_to_PC_DataBlock/SlotStatus reply and
// extracts its payload, surfacing a hardware error via bmICCStatus/bError
// when the slot reports one.
func (t *Transceiver) dataFromDataBlock(reply []byte) ([]byte, error) {
	msgType := reply[0]
	length := uint32(reply[1]) | uint32(reply[2])<<8 | uint32(reply[3])<<16 | uint32(reply[4])<<24
	iccStatus := reply[7] & 0x03
	cmdStatus := (reply[7] >> 6) & 0x03
	errorCode := reply[8]

	if cmdStatus != 0 {
		return nil, taxonomy.NewCcidHwError(iccStatus, errorCode)
	}
	if msgType != msgRDRToPCDataBlock && msgType != msgRDRToPCSlotStatus && msgType != msgRDRToPCParameters {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrCcidBadResponse, Cause: fmt.Errorf("unexpected message type %#02x", msgType)}
	}
	if 10+int(length) > len(reply) {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrCcidBadResponse, Cause: fmt.Errorf("declared length %d exceeds reply size", length)}
	}
	return reply[10 : 10+length], nil
}
