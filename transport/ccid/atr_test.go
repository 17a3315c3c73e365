package ccid

import "testing"

func TestDecodeATR(t *testing.T) {
	// 3B 8D 01 80 ... TA1=... no, construct a simple synthetic T=1 ATR:
	// TS=3B, T0=0x80 (no historical bytes, TD1 present),
	// TD1=0x01 (protocol T=1, no further interface bytes), TCK.
	atr := []byte{0x3B, 0x80, 0x01, 0x00}
	info, err := DecodeATR(atr)
	if err != nil {
		t.Fatalf("DecodeATR() error = %v", err)
	}
	if !info.SupportsT1() {
		t.Errorf("SupportsT1() = false, want true for protocol list %v", info.Protocols)
	}
	if got := info.IFSC(); got != 32 {
		t.Errorf("IFSC() = %d, want default 32", got)
	}
}

func TestDecodeATR_TooShort(t *testing.T) {
	if _, err := DecodeATR([]byte{0x3B}); err == nil {
		t.Fatal("DecodeATR() error = nil, want error for 1-byte input")
	}
}

func TestDecodeATR_WithFiDi(t *testing.T) {
	// TS=3B, T0=0x90 (TA1 and TD1 indicated, 0 historical bytes), TA1=0x96 (Fi index 9=512, Di index 6=32); the ATR ends before the TD1 byte.
	atr := []byte{0x3B, 0x90, 0x96}
	info, err := DecodeATR(atr)
	if err != nil {
		t.Fatalf("DecodeATR() error = %v", err)
	}
	if info.Fi != 512 || info.Di != 32 {
		t.Errorf("Fi=%d Di=%d, want Fi=512 Di=32", info.Fi, info.Di)
	}
}
