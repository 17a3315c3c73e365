package u2fhid

import (
	"encoding/binary"
	"testing"
)

func TestSplitPackets_SinglePacket(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	packets := splitPackets(0x11223344, cmdMsg, payload)
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1", len(packets))
	}
	p := packets[0]
	if len(p) != reportSize {
		t.Fatalf("len(packet) = %d, want %d", len(p), reportSize)
	}
	if got := binary.BigEndian.Uint32(p[0:4]); got != 0x11223344 {
		t.Errorf("cid = %#x, want 11223344", got)
	}
	if p[4] != cmdMsg {
		t.Errorf("cmd = %#x, want %#x", p[4], cmdMsg)
	}
	if bcnt := binary.BigEndian.Uint16(p[5:7]); bcnt != uint16(len(payload)) {
		t.Errorf("bcnt = %d, want %d", bcnt, len(payload))
	}
}

func TestSplitPackets_Continuation(t *testing.T) {
	payload := make([]byte, 150) // forces at least one continuation packet
	for i := range payload {
		payload[i] = byte(i)
	}
	packets := splitPackets(0xAABBCCDD, cmdMsg, payload)
	if len(packets) < 2 {
		t.Fatalf("len(packets) = %d, want >= 2", len(packets))
	}
	cont := packets[1]
	if binary.BigEndian.Uint32(cont[0:4]) != 0xAABBCCDD {
		t.Errorf("continuation cid mismatch")
	}
	if cont[4] != 0x00 {
		t.Errorf("continuation seq = %d, want 0", cont[4])
	}

	// reassembled bytes must match the original payload in order
	var out []byte
	out = append(out, packets[0][7:]...)
	for _, c := range packets[1:] {
		out = append(out, c[contHdrSize:]...)
	}
	out = out[:len(payload)]
	for i, b := range payload {
		if out[i] != b {
			t.Fatalf("byte %d = %#x, want %#x", i, out[i], b)
		}
	}
}
