package openpgp

import (
	"bytes"
	"testing"

	"github.com/hwsecurity-go/hwsecurity/tlv"
)

func buildApplicationRelatedData(t *testing.T) []byte {
	t.Helper()

	aid := append([]byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01, 0x03, 0x04, 0x00, 0x06}, 0x00, 0x01, 0x02, 0x03, 0x00, 0x00)
	aidTLV, err := tlv.Encode(0x4F, aid)
	if err != nil {
		t.Fatal(err)
	}

	extCap := []byte{0x20, 0x00, 0x00, 0x00, 0x00}
	extTLV, err := tlv.Encode(0xC0, extCap)
	if err != nil {
		t.Fatal(err)
	}

	pwStatus := []byte{0x01, 0x7F, 0x7F, 0x03, 0x03, 0x03, 0x03}
	pwTLV, err := tlv.Encode(0xC4, pwStatus)
	if err != nil {
		t.Fatal(err)
	}

	fingerprints := bytes.Repeat([]byte{0xAB}, 60)
	fpTLV, err := tlv.Encode(0xC5, fingerprints)
	if err != nil {
		t.Fatal(err)
	}

	discretionary := append(append(append([]byte{}, extTLV...), pwTLV...), fpTLV...)
	discTLV, err := tlv.Encode(0x73, discretionary)
	if err != nil {
		t.Fatal(err)
	}

	return append(aidTLV, discTLV...)
}

func TestParseCapabilities(t *testing.T) {
	data := buildApplicationRelatedData(t)
	nodes, err := tlv.ParseAll(data)
	if err != nil {
		t.Fatal(err)
	}

	caps, err := parseCapabilities(nodes)
	if err != nil {
		t.Fatalf("parseCapabilities() error = %v", err)
	}

	if caps.Version != [2]byte{0x03, 0x04} {
		t.Errorf("Version = %x, want 0304", caps.Version)
	}
	if caps.Manufacturer != [2]byte{0x00, 0x06} {
		t.Errorf("Manufacturer = %x, want 0006", caps.Manufacturer)
	}
	if caps.Serial != [4]byte{0x00, 0x01, 0x02, 0x03} {
		t.Errorf("Serial = %x, want 00010203", caps.Serial)
	}
	if !caps.ExtendedCapabilities.SupportsKeyImport {
		t.Error("SupportsKeyImport = false, want true (flag bit 0x20 set)")
	}
	if caps.ExtendedCapabilities.SupportsSecureMessaging {
		t.Error("SupportsSecureMessaging = true, want false")
	}
	if caps.PWStatus.PW1RetriesRemaining != 3 {
		t.Errorf("PW1RetriesRemaining = %d, want 3", caps.PWStatus.PW1RetriesRemaining)
	}
	for i, fp := range caps.Fingerprints {
		for _, b := range fp {
			if b != 0xAB {
				t.Fatalf("Fingerprints[%d] not all 0xAB: %x", i, fp)
			}
		}
	}
}

// TestParseCapabilities_S1 reproduces the spec's S1 end-to-end scenario:
// algorithm attrs 01 0800 0011 03 (RSA-2048, e=17 bits, import format 3)
// on the ENCRYPT (decryption) slot with an all-zero fingerprint, which
// must report has_encrypt_key=false.
func TestParseCapabilities_S1(t *testing.T) {
	aid := append([]byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01, 0x03, 0x04, 0x00, 0x06}, 0x00, 0x01, 0x02, 0x03, 0x00, 0x00)
	aidTLV, err := tlv.Encode(0x4F, aid)
	if err != nil {
		t.Fatal(err)
	}

	algoAttrs := []byte{0x01, 0x08, 0x00, 0x00, 0x11, 0x03}
	c2TLV, err := tlv.Encode(0xC2, algoAttrs)
	if err != nil {
		t.Fatal(err)
	}

	fingerprints := make([]byte, 60) // all-zero: no key generated yet
	fpTLV, err := tlv.Encode(0xC5, fingerprints)
	if err != nil {
		t.Fatal(err)
	}

	discretionary := append(append([]byte{}, c2TLV...), fpTLV...)
	discTLV, err := tlv.Encode(0x73, discretionary)
	if err != nil {
		t.Fatal(err)
	}

	data := append(aidTLV, discTLV...)
	nodes, err := tlv.ParseAll(data)
	if err != nil {
		t.Fatal(err)
	}
	caps, err := parseCapabilities(nodes)
	if err != nil {
		t.Fatalf("parseCapabilities() error = %v", err)
	}

	if caps.HasKey[DecryptionKey] {
		t.Error("HasKey[DecryptionKey] = true, want false for an all-zero fingerprint")
	}
	attrs, ok := caps.AlgorithmAttrs[DecryptionKey].(RSAAttrs)
	if !ok {
		t.Fatalf("AlgorithmAttrs[DecryptionKey] = %#v, want RSAAttrs", caps.AlgorithmAttrs[DecryptionKey])
	}
	if attrs.ModulusBits != 2048 || attrs.ExponentBits != 17 || attrs.ImportFormat != 3 {
		t.Errorf("RSAAttrs = %+v, want {2048 17 3}", attrs)
	}
}

// buildApplicationRelatedDataWithFingerprintAt builds Application Related
// Data whose Fingerprints[kt] slot is exactly fp and whose other two slots
// are all-zero, for tests that check ChangeKey/SetupPaired confirm the
// fingerprint of the specific slot they just touched rather than any slot.
func buildApplicationRelatedDataWithFingerprintAt(t *testing.T, kt KeyType, fp [20]byte) []byte {
	t.Helper()
	aid := append([]byte{0xD2, 0x76, 0x00, 0x01, 0x24, 0x01, 0x03, 0x04, 0x00, 0x06}, 0x00, 0x01, 0x02, 0x03, 0x00, 0x00)
	aidTLV, err := tlv.Encode(0x4F, aid)
	if err != nil {
		t.Fatal(err)
	}

	fingerprints := make([]byte, 60)
	copy(fingerprints[int(kt)*20:int(kt)*20+20], fp[:])
	fpTLV, err := tlv.Encode(0xC5, fingerprints)
	if err != nil {
		t.Fatal(err)
	}

	discTLV, err := tlv.Encode(0x73, fpTLV)
	if err != nil {
		t.Fatal(err)
	}

	return append(aidTLV, discTLV...)
}

func TestParseCapabilities_MissingAID(t *testing.T) {
	node, err := tlv.Encode(0xC4, []byte{0x01})
	if err != nil {
		t.Fatal(err)
	}
	nodes, err := tlv.ParseAll(node)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := parseCapabilities(nodes); err == nil {
		t.Fatal("parseCapabilities() error = nil, want error for missing AID")
	}
}
