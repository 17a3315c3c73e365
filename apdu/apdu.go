// Package apdu implements ISO 7816-4 command/response APDU encoding and
// decoding, choosing between short and extended length forms as needed, plus
// status-word chaining helpers (GET RESPONSE continuation, Le retry) usable
// against any applet.
package apdu

import (
	"fmt"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

const (
	maxShortLc = 255
	maxShortLe = 256
	maxExtLe   = 65536
)

// Command is one command APDU: CLA/INS/P1/P2 header, optional Data, and Ne,
// the number of bytes expected in the response (0 means none expected).
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Ne               int
}

// Encode renders the command to its wire bytes, selecting the short or
// extended length form based on the case rules in ISO 7816-3: extended
// form is used whenever the data exceeds 255 bytes or the expected
// response exceeds 256 bytes, matching the iso7816 package's isExtended
// rule.
func (c Command) Encode() []byte {
	nc := len(c.Data)
	ne := c.Ne
	extended := nc > maxShortLc || ne > maxShortLe

	out := make([]byte, 0, 4+6+nc)
	out = append(out, c.CLA, c.INS, c.P1, c.P2)

	if nc > 0 {
		if !extended {
			out = append(out, byte(nc))
		} else {
			out = append(out, 0x00, byte(nc>>8), byte(nc))
		}
		out = append(out, c.Data...)
	}

	if ne > 0 {
		if !extended {
			if ne == maxShortLe {
				out = append(out, 0x00)
			} else {
				out = append(out, byte(ne))
			}
		} else {
			if nc == 0 {
				out = append(out, 0x00)
			}
			if ne == maxExtLe {
				out = append(out, 0x00, 0x00)
			} else {
				out = append(out, byte(ne>>8), byte(ne))
			}
		}
	}

	return out
}

// WithLe returns a copy of c with Ne replaced, used when re-issuing a
// command after a 6Cxx "wrong Le" status word with the length the card
// reported.
func (c Command) WithLe(ne int) Command {
	c.Ne = ne
	return c
}

// Response is a decoded response APDU: Data is everything before the
// trailing two status-word bytes.
type Response struct {
	Data     []byte
	SW1, SW2 byte
}

// SW returns the status word as a single 16-bit value, e.g. 0x9000.
func (r Response) SW() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// IsSuccess reports whether SW is exactly 0x9000. Status words of the form
// 61xx/6Cxx are not success on their own; the caller chains GetResponse or
// retries with the corrected Le first.
func (r Response) IsSuccess() bool {
	return r.SW1 == 0x90 && r.SW2 == 0x00
}

// HasMoreData reports a 61xx status word: SW2 more bytes are available via
// GET RESPONSE.
func (r Response) HasMoreData() bool {
	return r.SW1 == 0x61
}

// NeedsRetry reports a 6Cxx status word: the command must be re-sent with
// Le set to SW2.
func (r Response) NeedsRetry() bool {
	return r.SW1 == 0x6C
}

// Decode parses raw response bytes into a Response. raw must contain at
// least the two trailing status-word bytes.
func Decode(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, &taxonomy.Error{Kind: taxonomy.ErrApduMalformed,
			Cause: fmt.Errorf("response too short: %d byte(s)", len(raw))}
	}
	split := len(raw) - 2
	return Response{
		Data: raw[:split],
		SW1:  raw[split],
		SW2:  raw[split+1],
	}, nil
}

// CheckStatus returns a *taxonomy.Error for any status word that is not
// itself success, more-data, or needs-retry (the three a caller is
// expected to branch on directly); r.SW() is always preserved on the
// returned error so callers can still recover it through errors.As.
func (r Response) CheckStatus() error {
	if r.IsSuccess() || r.HasMoreData() || r.NeedsRetry() {
		return nil
	}
	sw := r.SW()
	if kind, ok := taxonomy.FromStatusWord(sw); ok {
		if kind == taxonomy.ErrPinIncorrect {
			return taxonomy.NewPinIncorrect(sw, taxonomy.RetriesFromSW(sw))
		}
		return taxonomy.WithSW(kind, sw)
	}
	return taxonomy.WithSW(taxonomy.ErrApduStatus, sw)
}

// Transceiver is the minimal interface apdu.Transmit needs from a
// transport: send one command's bytes and receive one response's bytes.
type Transceiver interface {
	Transceive(cmd []byte) ([]byte, error)
}

// Transmit encodes cmd, sends it through t, decodes the reply, and
// transparently chains a GET RESPONSE (INS 0xC0) when the card returns
// 61xx, or re-issues the same command with the corrected Le when it
// returns 6Cxx, independent of applet or transport.
func Transmit(t Transceiver, cmd Command) (Response, error) {
	raw, err := t.Transceive(cmd.Encode())
	if err != nil {
		return Response{}, err
	}
	resp, err := Decode(raw)
	if err != nil {
		return Response{}, err
	}

	if resp.NeedsRetry() {
		return Transmit(t, cmd.WithLe(int(resp.SW2)))
	}

	if resp.HasMoreData() {
		return chainGetResponse(t, resp)
	}

	return resp, nil
}

// chainGetResponse repeatedly issues GET RESPONSE while the card keeps
// answering 61xx, accumulating Data across the chain.
func chainGetResponse(t Transceiver, first Response) (Response, error) {
	data := append([]byte{}, first.Data...)
	resp := first

	for resp.HasMoreData() {
		getResp := Command{CLA: 0x00, INS: 0xC0, Ne: int(resp.SW2)}
		raw, err := t.Transceive(getResp.Encode())
		if err != nil {
			return Response{}, err
		}
		next, err := Decode(raw)
		if err != nil {
			return Response{}, err
		}
		data = append(data, next.Data...)
		resp = next
	}

	resp.Data = data
	return resp, nil
}

// chainCommandMask is CLA bit 0x10 (command chaining), set on every command
// APDU except the last one in a chain, ISO 7816-4 section 5.1.1.1.
const chainCommandMask = 0x10

// TransmitChained behaves like Transmit but splits cmd.Data across multiple
// command APDUs when it exceeds maxChunk bytes, the way a reader that only
// supports short APDUs forces an applet-layer command to be chained: every
// chunk but the last is sent with CLA|=0x10 and must itself come back as
// plain 9000 (the card accepts a chunk but has nothing to say until the
// chain completes); the last chunk is sent through the ordinary Transmit
// path so a 61xx/6Cxx response on the final chunk still chains/retries as
// usual. maxChunk<=0 disables chunking (equivalent to Transmit).
func TransmitChained(t Transceiver, cmd Command, maxChunk int) (Response, error) {
	if maxChunk <= 0 || len(cmd.Data) <= maxChunk {
		return Transmit(t, cmd)
	}

	data := cmd.Data
	for len(data) > maxChunk {
		chunk := data[:maxChunk]
		data = data[maxChunk:]

		part := cmd
		part.CLA |= chainCommandMask
		part.Data = chunk
		part.Ne = 0

		raw, err := t.Transceive(part.Encode())
		if err != nil {
			return Response{}, err
		}
		resp, err := Decode(raw)
		if err != nil {
			return Response{}, err
		}
		if !resp.IsSuccess() {
			return Response{}, resp.CheckStatus()
		}
	}

	last := cmd
	last.Data = data
	return Transmit(t, last)
}
