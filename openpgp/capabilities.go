package openpgp

import (
	"fmt"

	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/tlv"
)

// Capabilities is the immutable parsed form of Application Related Data
// (tag 0x6E), covering the application identifier and the
// extended-capability flags the card advertises under the
// Discretionary Data Objects (tag 0x73). A Capabilities value is never
// mutated after parseCapabilities returns it; Connection.Refresh swaps in
// a whole new value rather than updating one in place, so a caller that
// captured a pointer before a destructive admin op always holds a
// consistent (if stale) snapshot instead of observing a torn read.
type Capabilities struct {
	AID              []byte // full 16-byte application identifier
	Version          [2]byte
	Manufacturer     [2]byte
	Serial           [4]byte
	ExtendedCapabilities ExtendedCapabilities
	MaxCommandLength int
	MaxResponseLength int
	PWStatus         PWStatus
	AlgorithmAttrs   [3]AlgoAttrs // indexed by KeyType
	Fingerprints     [3][20]byte  // indexed by KeyType
	HasKey           [3]bool      // indexed by KeyType; true iff Fingerprints[k] is not all-zero
}

// AlgoAttrs is the key-format record a card reports for one key slot via
// DO 0x00C1 (signature), 0x00C2 (decryption) or 0x00C3 (authentication),
// OpenPGP card application v3.4 section 4.4.3.
type AlgoAttrs interface {
	isAlgoAttrs()
}

// RSAAttrs is the RSA algorithm attributes record: modulus and public
// exponent bit lengths plus the import format the card expects from
// Connection.ImportKey (0=standard, 1=standard+modulus, 2=CRT,
// 3=CRT+modulus).
type RSAAttrs struct {
	ModulusBits  int
	ExponentBits int
	ImportFormat int
}

func (RSAAttrs) isAlgoAttrs() {}

// ECAttrs is the EC (ECDH/ECDSA) algorithm attributes record.
type ECAttrs struct {
	CurveOID   []byte
	WithPubkey bool // card includes the public point alongside the private key on generation
}

func (ECAttrs) isAlgoAttrs() {}

// EdDSAAttrs is the EdDSA (Ed25519/Ed448) algorithm attributes record.
type EdDSAAttrs struct {
	CurveOID []byte
}

func (EdDSAAttrs) isAlgoAttrs() {}

// Algorithm ID byte, first byte of DO 0x00C1/C2/C3, OpenPGP card
// application v3.4 section 4.4.3.1 (RFC 4880 section 9.1 plus the card
// spec's EC/EdDSA extensions).
const (
	algoIDRSA   = 0x01
	algoIDECDH  = 0x12
	algoIDECDSA = 0x13
	algoIDEdDSA = 0x16
)

// parseAlgoAttrs decodes one DO 0x00C1/C2/C3 value into the key-format
// record it describes.
func parseAlgoAttrs(data []byte) (AlgoAttrs, bool) {
	if len(data) < 1 {
		return nil, false
	}
	switch data[0] {
	case algoIDRSA:
		if len(data) < 6 {
			return nil, false
		}
		return RSAAttrs{
			ModulusBits:  int(data[1])<<8 | int(data[2]),
			ExponentBits: int(data[3])<<8 | int(data[4]),
			ImportFormat: int(data[5]),
		}, true
	case algoIDECDH, algoIDECDSA:
		oid := data[1:]
		withPubkey := false
		if len(oid) > 0 && oid[len(oid)-1] == 0xFF {
			withPubkey = true
			oid = oid[:len(oid)-1]
		}
		return ECAttrs{CurveOID: append([]byte{}, oid...), WithPubkey: withPubkey}, true
	case algoIDEdDSA:
		return EdDSAAttrs{CurveOID: append([]byte{}, data[1:]...)}, true
	default:
		return nil, false
	}
}

// ExtendedCapabilities decodes the extended capability flag byte and
// following fields (tag 0xC0), OpenPGP card application v3.4 section 4.4.3.3.
type ExtendedCapabilities struct {
	SupportsSecureMessaging bool
	SupportsGetChallenge    bool
	SupportsKeyImport       bool
	SupportsPWStatusChange  bool
	SupportsPrivateDO       bool
	SupportsAlgorithmAttrsChange bool
	SupportsKDF             bool
	// SupportsExtendedLengthAPDU is flag bit 0x01: the card itself is
	// willing to receive/answer extended-length APDUs. maxCommandChunk
	// additionally requires the transport to support it (§4.5); this
	// field alone is what S3 in the spec's testable-properties section
	// calls "DO-C0 byte 0 has bit 0x01 set".
	SupportsExtendedLengthAPDU bool
	MaxGetChallengeLength      int
	MaxCardholderCertLength    int
	maxCommandLength           int
	maxResponseLength          int
}

// PWStatus decodes the PW Status Bytes data object (tag 0xC4).
type PWStatus struct {
	ValidityMode        byte
	PW1MaxLength         int
	RCMaxLength          int
	PW3MaxLength         int
	PW1RetriesRemaining  int
	RCRetriesRemaining   int
	PW3RetriesRemaining  int
}

// parseCapabilities builds a Capabilities from the children of the
// top-level Application Related Data TLV.
func parseCapabilities(nodes []tlv.Node) (*Capabilities, error) {
	c := &Capabilities{}

	aid, ok := tlv.FindRecursive(nodes, 0x4F)
	if !ok || len(aid.Value) < 16 {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrCapabilityParse, Cause: fmt.Errorf("missing or short AID (tag 4F)")}
	}
	c.AID = append([]byte{}, aid.Value...)
	copy(c.Version[:], aid.Value[6:8])
	copy(c.Manufacturer[:], aid.Value[8:10])
	copy(c.Serial[:], aid.Value[10:14])

	if ext, ok := tlv.FindRecursive(nodes, 0xC0); ok {
		c.ExtendedCapabilities = parseExtendedCapabilities(ext.Value)
		c.MaxCommandLength = c.ExtendedCapabilities.maxCommandLength
		c.MaxResponseLength = c.ExtendedCapabilities.maxResponseLength
	}

	if pw, ok := tlv.FindRecursive(nodes, 0xC4); ok {
		c.PWStatus = parsePWStatus(pw.Value)
	}

	for i, tag := range [3]uint32{0xC1, 0xC2, 0xC3} {
		if attrs, ok := tlv.FindRecursive(nodes, tag); ok {
			if parsed, ok := parseAlgoAttrs(attrs.Value); ok {
				c.AlgorithmAttrs[i] = parsed
			}
		}
	}

	if fp, ok := tlv.FindRecursive(nodes, 0xC5); ok && len(fp.Value) >= 60 {
		var zero [20]byte
		for i := 0; i < 3; i++ {
			copy(c.Fingerprints[i][:], fp.Value[i*20:i*20+20])
			c.HasKey[i] = c.Fingerprints[i] != zero
		}
	}

	return c, nil
}

// parseExtendedCapabilities walks the extended-capabilities byte string: a
// leading flag byte followed by fixed-position length/algorithm fields.
func parseExtendedCapabilities(data []byte) ExtendedCapabilities {
	var e ExtendedCapabilities
	if len(data) < 1 {
		return e
	}
	flags := data[0]
	e.SupportsSecureMessaging = flags&0x80 != 0
	e.SupportsGetChallenge = flags&0x40 != 0
	e.SupportsKeyImport = flags&0x20 != 0
	e.SupportsPWStatusChange = flags&0x10 != 0
	e.SupportsPrivateDO = flags&0x08 != 0
	e.SupportsAlgorithmAttrsChange = flags&0x04 != 0
	e.SupportsKDF = flags&0x02 != 0
	e.SupportsExtendedLengthAPDU = flags&0x01 != 0

	if len(data) >= 3 {
		e.MaxGetChallengeLength = int(data[1])<<8 | int(data[2])
	}
	if len(data) >= 5 {
		e.MaxCardholderCertLength = int(data[3])<<8 | int(data[4])
	}
	if len(data) >= 7 {
		e.maxCommandLength = int(data[5])<<8 | int(data[6])
	}
	if len(data) >= 9 {
		e.maxResponseLength = int(data[7])<<8 | int(data[8])
	}
	return e
}

func parsePWStatus(data []byte) PWStatus {
	var s PWStatus
	if len(data) < 7 {
		return s
	}
	s.ValidityMode = data[0]
	s.PW1MaxLength = int(data[1])
	s.RCMaxLength = int(data[2])
	s.PW3MaxLength = int(data[3])
	s.PW1RetriesRemaining = int(data[4])
	s.RCRetriesRemaining = int(data[5])
	s.PW3RetriesRemaining = int(data[6])
	return s
}
