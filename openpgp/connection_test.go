package openpgp

import (
	"context"
	"errors"
	"testing"

	"github.com/hwsecurity-go/hwsecurity/apdu"
	"github.com/hwsecurity-go/hwsecurity/secret"
	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/tlv"
	"github.com/hwsecurity-go/hwsecurity/transport"
)

// scriptedTransport replays one raw reply per Transceive call and records
// every command it was sent, standing in for a real transport.Transceiver
// in these applet-layer tests.
type scriptedTransport struct {
	replies [][]byte
	sent    [][]byte
	call    int
}

func (s *scriptedTransport) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	s.sent = append(s.sent, append([]byte{}, cmd...))
	r := s.replies[s.call]
	s.call++
	return r, nil
}

func (s *scriptedTransport) SupportsExtendedLength() bool  { return true }
func (s *scriptedTransport) Kind() transport.Kind          { return transport.KindCCID }
func (s *scriptedTransport) Ping(ctx context.Context) error { return nil }
func (s *scriptedTransport) Release() error                { return nil }

func okResponse() []byte { return []byte{0x90, 0x00} }

func applicationRelatedDataOK(t *testing.T) []byte {
	t.Helper()
	return append(buildApplicationRelatedData(t), 0x90, 0x00)
}

func TestOpen_Success(t *testing.T) {
	st := &scriptedTransport{replies: [][]byte{okResponse(), applicationRelatedDataOK(t)}}
	conn, err := Open(st)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if conn.Capabilities() == nil {
		t.Fatal("Capabilities() = nil")
	}
	if len(st.sent) != 2 {
		t.Fatalf("sent %d command(s), want 2", len(st.sent))
	}
	if st.sent[0][1] != insSelect {
		t.Errorf("first command INS = %#x, want SELECT", st.sent[0][1])
	}
}

func TestOpen_AppletNotPresent(t *testing.T) {
	st := &scriptedTransport{replies: [][]byte{{0x6A, 0x82}}}
	_, err := Open(st)
	if !errors.Is(err, taxonomy.ErrAppletNotPresent) {
		t.Fatalf("Open() error = %v, want ErrAppletNotPresent", err)
	}
}

func TestConnection_Verify(t *testing.T) {
	st := &scriptedTransport{replies: [][]byte{okResponse(), applicationRelatedDataOK(t), okResponse()}}
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}

	pin := secret.FromString("123456")
	if err := conn.Verify(PW1, pin); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !conn.pw1Verified {
		t.Error("pw1Verified = false after successful Verify")
	}
}

func TestConnection_Verify_WrongPIN(t *testing.T) {
	st := &scriptedTransport{replies: [][]byte{okResponse(), applicationRelatedDataOK(t), {0x63, 0xC2}}}
	conn, err := Open(st)
	if err != nil {
		t.Fatal(err)
	}

	pin := secret.FromString("000000")
	err = conn.Verify(PW1, pin)
	if !errors.Is(err, taxonomy.ErrPinIncorrect) {
		t.Fatalf("Verify() error = %v, want ErrPinIncorrect", err)
	}
	var tErr *taxonomy.Error
	if errors.As(err, &tErr) {
		if detail, ok := tErr.Cause.(taxonomy.PinRetriesDetail); ok {
			if detail.Remaining != 2 {
				t.Errorf("Remaining = %d, want 2", detail.Remaining)
			}
		}
	}
}

func TestTransceiverAdapter_UsesUnderlyingTransport(t *testing.T) {
	st := &scriptedTransport{replies: [][]byte{{0x90, 0x00}}}
	a := transceiverAdapter{st}
	resp, err := apdu.Transmit(a, apdu.Command{CLA: 0x00, INS: 0xB0})
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if !resp.IsSuccess() {
		t.Error("expected success response")
	}
}

func TestFindRecursive_SmokeWithinCapabilitiesFlow(t *testing.T) {
	// Sanity check that the tlv package the openpgp layer depends on
	// round-trips the same data used by buildApplicationRelatedData.
	data := buildApplicationRelatedData(t)
	nodes, err := tlv.ParseAll(data)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tlv.FindRecursive(nodes, 0x4F); !ok {
		t.Fatal("expected to find AID tag 0x4F")
	}
}
