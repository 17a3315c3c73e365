package openpgp

import (
	"crypto/sha1"
	"encoding/hex"
	"testing"
)

func TestPublicKeyMaterial_Fingerprint_RSA(t *testing.T) {
	// A small synthetic "modulus" is enough to exercise the framing; this
	// is not a real key, only a fixed vector to check Fingerprint is
	// deterministic and matches a hand-computed digest over the same
	// packet bytes.
	n, _ := hex.DecodeString("00C1")
	e, _ := hex.DecodeString("010001")

	k := PublicKeyMaterial{
		CreatedAt: 1700000000,
		Algorithm: 1, // RSA (Encrypt or Sign)
		MPIs:      [][]byte{n, e},
	}

	fp1, err := k.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	fp2, err := k.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("Fingerprint() not deterministic: %x != %x", fp1, fp2)
	}
	var zero [20]byte
	if fp1 == zero {
		t.Error("Fingerprint() returned all-zero digest")
	}

	// 0x99, length 0x000E, version 4, time 0x6553F100, algorithm 1,
	// MPI n = 0008 C1, MPI e = 0011 010001.
	packet, _ := hex.DecodeString("99000E046553F100010008C10011010001")
	if want := sha1.Sum(packet); fp1 != want {
		t.Errorf("Fingerprint() = %x, want %x", fp1, want)
	}
}

func TestEncodeMPI(t *testing.T) {
	tests := []struct {
		name      string
		raw       []byte
		wantBits  int
		wantBytes int
	}{
		{"single byte no leading zero", []byte{0x01}, 1, 1},
		{"leading zero stripped", []byte{0x00, 0xFF}, 8, 1},
		{"two bytes top bit set", []byte{0x80, 0x01}, 16, 2},
		{"all zero collapses to single zero byte", []byte{0x00, 0x00}, 0, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := encodeMPI(tc.raw)
			gotBits := int(out[0])<<8 | int(out[1])
			if gotBits != tc.wantBits {
				t.Errorf("bit length = %d, want %d", gotBits, tc.wantBits)
			}
			if len(out)-2 != tc.wantBytes {
				t.Errorf("payload length = %d, want %d", len(out)-2, tc.wantBytes)
			}
		})
	}
}
