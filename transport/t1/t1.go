// Package t1 implements the ISO 7816-3 T=1 block protocol on top of a raw
// byte-exchange primitive (typically a CCID PC_to_RDR_XfrBlock/RDR_to_PC_
// DataBlock pair). It is a pure state machine: callers supply the bytes to
// exchange and T=1 takes care of NAD/PCB/LEN/EDC framing, chaining long
// APDUs, IFSD negotiation and WTX handling.
package t1

import (
	"context"
	"fmt"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

// PCB block type bits, ISO 7816-3 table 4.
const (
	pcbIBlockMask   = 0x80
	pcbIBlockN      = 0x40
	pcbIBlockMore   = 0x20
	pcbRBlockMask   = 0xC0
	pcbRBlockValue  = 0x80
	pcbRBlockN      = 0x10
	pcbSBlockMask   = 0xC0
	pcbSBlockValue  = 0xC0
)

// S-block request/response codes, ISO 7816-3 table 6.
const (
	sResync       = 0x00
	sIFS          = 0x01
	sAbort        = 0x02
	sWTX          = 0x03
	sResponseBit  = 0x20
)

const maxRetransmits = 3

// RawExchanger is the byte-level primitive T=1 is built on: send one
// block's bytes and receive the reply block's bytes, with no framing
// knowledge of its own.
type RawExchanger interface {
	Exchange(ctx context.Context, block []byte) ([]byte, error)
}

// Protocol drives the T=1 block exchange for one card. It is not safe for
// concurrent use; the transport layer wrapping it serializes access with
// its own mutex per spec's single-writer-per-transport model.
type Protocol struct {
	raw RawExchanger

	nad      byte
	ifsc     int // information field size, card, as given to New; Transceive does not consult it
	ifsd     int // information field size, device; Transceive splits outgoing APDUs at this size
	sendSeq  byte // our N(S), toggles 0/1
	recvSeq  byte // expected card N(S), toggles 0/1
}

// New builds a Protocol using the ATR-derived defaults for IFSC (or 32 if
// the ATR did not specify one, the ISO 7816-3 default) and an initial IFSD
// of 254. New sends nothing; NegotiateIFSD announces a different IFSD to
// the card with an S(IFS request).
func New(raw RawExchanger, nad byte, ifsc int) *Protocol {
	if ifsc <= 0 {
		ifsc = 32
	}
	return &Protocol{raw: raw, nad: nad, ifsc: ifsc, ifsd: 254}
}

// NegotiateIFSD sends an S(IFS request) for the device's receive buffer
// size and waits for the card's S(IFS response) confirming it.
func (p *Protocol) NegotiateIFSD(ctx context.Context, ifsd int) error {
	block := p.buildSBlock(sIFS, []byte{byte(ifsd)})
	reply, err := p.exchangeWithRetransmit(ctx, block)
	if err != nil {
		return err
	}
	pcb := reply[1]
	if pcb&pcbSBlockMask != pcbSBlockValue || pcb&0x3F != sIFS|sResponseBit {
		return &taxonomy.Error{Kind: taxonomy.ErrT1Protocol, Cause: fmt.Errorf("unexpected reply to IFS request: pcb=%#02x", pcb)}
	}
	p.ifsd = ifsd
	return nil
}

// Transceive sends one full APDU, chaining it into multiple I-blocks if it
// exceeds ifsd, and reassembles a chained response from the card into one
// APDU.
func (p *Protocol) Transceive(ctx context.Context, apdu []byte) ([]byte, error) {
	chunks := chunk(apdu, p.ifsd)
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	var reply []byte
	for i, c := range chunks {
		more := i != len(chunks)-1
		block := p.buildIBlock(c, more)
		raw, err := p.exchangeWithRetransmit(ctx, block)
		if err != nil {
			return nil, err
		}
		p.sendSeq ^= 1

		data, needMore, err := p.handleReply(ctx, raw)
		if err != nil {
			return nil, err
		}
		if !more {
			reply = data
			for needMore {
				var next []byte
				next, needMore, err = p.receiveChained(ctx)
				if err != nil {
					return nil, err
				}
				reply = append(reply, next...)
			}
		}
	}
	return reply, nil
}

// handleReply processes one received block once we have finished sending
// our own chain: an I-block with a chaining bit set means more I-blocks
// follow from the card (needMore=true, data is that block's INF), an
// I-block with the bit clear is the final one, and an R-block acking our
// own chaining simply has no data yet.
func (p *Protocol) handleReply(ctx context.Context, raw []byte) (data []byte, needMore bool, err error) {
	pcb := raw[1]
	switch {
	case pcb&pcbIBlockMask == 0:
		// I-block.
		inf := extractINF(raw)
		more := pcb&pcbIBlockMore != 0
		p.recvSeq ^= 1
		return inf, more, nil
	case pcb&pcbRBlockMask == pcbRBlockValue:
		// R-block: card is acking a chained I-block we sent; wait for the
		// card's actual response by receiving again was already folded
		// into the caller's loop via Transceive's chunk loop, so here it
		// simply means "no data yet, not done".
		return nil, false, nil
	case pcb&pcbSBlockMask == pcbSBlockValue:
		return p.handleSBlock(ctx, raw)
	default:
		return nil, false, &taxonomy.Error{Kind: taxonomy.ErrT1Framing, Cause: fmt.Errorf("unrecognized pcb %#02x", pcb)}
	}
}

// receiveChained asks for the next I-block of a chained card response by
// sending an R-block acknowledging the sequence number we just got.
func (p *Protocol) receiveChained(ctx context.Context) ([]byte, bool, error) {
	block := p.buildRBlock(p.recvSeq, false)
	raw, err := p.exchangeWithRetransmit(ctx, block)
	if err != nil {
		return nil, false, err
	}
	return p.handleReply(ctx, raw)
}

// handleSBlock answers protocol-level S-blocks the card can send
// unsolicited between our requests: WTX (extend the response timer) gets
// echoed back, RESYNC/ABORT are not expected mid-transaction and surface
// as protocol errors.
func (p *Protocol) handleSBlock(ctx context.Context, raw []byte) ([]byte, bool, error) {
	pcb := raw[1]
	code := pcb & 0x1F
	switch code &^ sResponseBit {
	case sWTX:
		inf := extractINF(raw)
		echo := p.buildSBlock(sWTX|sResponseBit, inf)
		next, err := p.exchangeWithRetransmit(ctx, echo)
		if err != nil {
			return nil, false, err
		}
		return p.handleReply(ctx, next)
	default:
		return nil, false, &taxonomy.Error{Kind: taxonomy.ErrT1Protocol, Cause: fmt.Errorf("unexpected s-block code %#02x", code)}
	}
}

// exchangeWithRetransmit sends block and retries on EDC mismatch or
// framing errors up to maxRetransmits times, the behavior ISO 7816-3
// mandates for a detected transmission error before giving up.
func (p *Protocol) exchangeWithRetransmit(ctx context.Context, block []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetransmits; attempt++ {
		raw, err := p.raw.Exchange(ctx, block)
		if err != nil {
			lastErr = err
			continue
		}
		if err := checkEDC(raw); err != nil {
			lastErr = err
			continue
		}
		if len(raw) < 3 {
			lastErr = &taxonomy.Error{Kind: taxonomy.ErrT1Framing, Cause: fmt.Errorf("block too short: %d byte(s)", len(raw))}
			continue
		}
		return raw, nil
	}
	return nil, &taxonomy.Error{Kind: taxonomy.ErrT1RetransmitExhausted, Cause: lastErr}
}

func (p *Protocol) buildIBlock(inf []byte, more bool) []byte {
	pcb := byte(0)
	if p.sendSeq == 1 {
		pcb |= pcbIBlockN
	}
	if more {
		pcb |= pcbIBlockMore
	}
	return p.assemble(pcb, inf)
}

func (p *Protocol) buildRBlock(expectedN byte, errorAck bool) []byte {
	pcb := byte(pcbRBlockValue)
	if expectedN == 1 {
		pcb |= pcbRBlockN
	}
	if errorAck {
		pcb |= 0x01
	}
	return p.assemble(pcb, nil)
}

func (p *Protocol) buildSBlock(code byte, inf []byte) []byte {
	pcb := byte(pcbSBlockValue) | (code & 0x3F)
	return p.assemble(pcb, inf)
}

func (p *Protocol) assemble(pcb byte, inf []byte) []byte {
	block := make([]byte, 0, 3+len(inf)+1)
	block = append(block, p.nad, pcb, byte(len(inf)))
	block = append(block, inf...)
	block = append(block, computeLRC(block))
	return block
}

func extractINF(block []byte) []byte {
	length := int(block[2])
	if 3+length > len(block)-1 {
		return nil
	}
	return append([]byte{}, block[3:3+length]...)
}

func checkEDC(block []byte) error {
	if len(block) < 4 {
		return &taxonomy.Error{Kind: taxonomy.ErrT1Framing, Cause: fmt.Errorf("block too short for edc: %d byte(s)", len(block))}
	}
	length := int(block[2])
	if 3+length+1 != len(block) {
		return &taxonomy.Error{Kind: taxonomy.ErrT1Framing, Cause: fmt.Errorf("len field %d inconsistent with block size %d", length, len(block))}
	}
	want := block[len(block)-1]
	got := computeLRC(block[:len(block)-1])
	if want != got {
		return &taxonomy.Error{Kind: taxonomy.ErrT1BadEdc, Cause: fmt.Errorf("lrc %#02x, computed %#02x", want, got)}
	}
	return nil
}

// computeLRC XORs every byte, the default EDC the card negotiates via TA2
// unless CRC-16 was selected, which no OpenPGP token in the field uses.
func computeLRC(data []byte) byte {
	var lrc byte
	for _, b := range data {
		lrc ^= b
	}
	return lrc
}

// chunk splits apdu into pieces no larger than ifsd bytes, the device's
// negotiated information field size.
func chunk(apdu []byte, ifsd int) [][]byte {
	if ifsd <= 0 {
		ifsd = 254
	}
	var out [][]byte
	for len(apdu) > ifsd {
		out = append(out, apdu[:ifsd])
		apdu = apdu[ifsd:]
	}
	if len(apdu) > 0 || len(out) == 0 {
		out = append(out, apdu)
	}
	return out
}
