package openpgp

import (
	"fmt"
	"time"

	"github.com/hwsecurity-go/hwsecurity/apdu"
	"github.com/hwsecurity-go/hwsecurity/taxonomy"
	"github.com/hwsecurity-go/hwsecurity/tlv"
)

// KeyFormat is implemented by the key-material shapes this package
// describes. ImportKey accepts only RSAFormat and rejects the others;
// GenerateKey takes no KeyFormat at all.
type KeyFormat interface {
	isKeyFormat()
}

// RSAFormat describes an RSA key pair being imported via PUT DATA with an
// extended header list (tags 0x4D/0x7F48/0x5F48), OpenPGP card
// application v3.4 section 4.4.3.9.
type RSAFormat struct {
	ModulusBits int
	Exponent    []byte
	Modulus     []byte
	PrimeP      []byte
	PrimeQ      []byte
	CoeffPQ     []byte // q^-1 mod p, CRT coefficient
	ExponentD1  []byte // d mod (p-1)
	ExponentD2  []byte // d mod (q-1)
}

func (RSAFormat) isKeyFormat() {}

// ECFormat describes an elliptic-curve key pair by its curve OID. ImportKey
// rejects it, and GenerateKey takes only a KeyType, so no operation of
// this package selects a curve from it.
type ECFormat struct {
	CurveOID []byte
}

func (ECFormat) isKeyFormat() {}

// EdDSAFormat describes an Ed25519/Ed448 key by its curve OID; like
// ECFormat it is rejected by ImportKey and not taken by GenerateKey.
type EdDSAFormat struct {
	CurveOID []byte
}

func (EdDSAFormat) isKeyFormat() {}

// GenerateKey performs GENERATE ASYMMETRIC KEY PAIR (P1=0x80) for the
// given slot and returns the raw public-key template TLV (tag 0x7F49) the
// card replies with; the caller derives the fingerprint from it via
// PublicKeyMaterial.
func (c *Connection) GenerateKey(kt KeyType) (tlv.Node, error) {
	if !c.pw3Verified {
		return tlv.Node{}, &taxonomy.Error{Kind: taxonomy.ErrSecurityNotSatisfied}
	}
	crt, err := tlv.Encode(kt.crtTag(), nil)
	if err != nil {
		return tlv.Node{}, err
	}
	cmd := apdu.Command{CLA: 0x00, INS: insGenerateAsymmetric, P1: 0x80, P2: 0x00, Data: crt, Ne: 65536}
	resp, err := c.transmit(cmd)
	if err != nil {
		return tlv.Node{}, err
	}
	if !resp.IsSuccess() {
		return tlv.Node{}, resp.CheckStatus()
	}
	node, _, err := tlv.ParseSingle(resp.Data, true)
	if err != nil {
		return tlv.Node{}, &taxonomy.Error{Kind: taxonomy.ErrWrongData, Cause: err}
	}
	return node, nil
}

// ImportKey performs PUT DATA with the extended header list format
// (OpenPGP card application v3.4 section 4.4.3.9) to inject externally
// generated key material into the given slot. Only RSAFormat is
// supported; other formats return ErrUnsupportedKeyFormat.
func (c *Connection) ImportKey(kt KeyType, key KeyFormat) error {
	if !c.pw3Verified {
		return &taxonomy.Error{Kind: taxonomy.ErrSecurityNotSatisfied}
	}
	rsa, ok := key.(RSAFormat)
	if !ok {
		return &taxonomy.Error{Kind: taxonomy.ErrUnsupportedKeyFormat, Cause: fmt.Errorf("%T", key)}
	}

	crt, err := tlv.Encode(kt.crtTag(), nil)
	if err != nil {
		return err
	}

	// 7F48 (Cardholder private key template): lengths of each component
	// in the fixed CRT order (e, p, q, pq, dp1, dq1, n), followed by 5F48
	// holding the concatenated raw component bytes in the same order.
	components := [][]byte{rsa.Exponent, rsa.PrimeP, rsa.PrimeQ, rsa.CoeffPQ, rsa.ExponentD1, rsa.ExponentD2, rsa.Modulus}
	header := make([]byte, 0, len(components)*2)
	data := make([]byte, 0)
	for _, comp := range components {
		header = append(header, byte(len(comp)>>8), byte(len(comp)))
		data = append(data, comp...)
	}

	template7F48, err := tlv.Encode(0x7F48, header)
	if err != nil {
		return err
	}
	value5F48, err := tlv.Encode(0x5F48, data)
	if err != nil {
		return err
	}

	extendedHeader := append(append(append([]byte{}, crt...), template7F48...), value5F48...)
	body, err := tlv.Encode(0x4D, extendedHeader)
	if err != nil {
		return err
	}

	cmd := apdu.Command{CLA: 0x00, INS: insPutDataOdd, P1: 0x3F, P2: 0xFF, Data: body}
	resp, err := c.transmitChained(cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		if resp.SW() == 0x6A80 {
			return &taxonomy.Error{Kind: taxonomy.ErrKeyImportRejected, SW: resp.SW()}
		}
		return resp.CheckStatus()
	}
	return nil
}

// generationTimeTag is the DO 0x00CE/CF/D0 (generation time for SIGN/
// DECRYPT/AUTH respectively) this slot's creation timestamp is written to,
// OpenPGP card application v3.4 section 4.4.3.7.
func (k KeyType) generationTimeTag() uint16 {
	switch k {
	case SignatureKey:
		return 0x00CE
	case DecryptionKey:
		return 0x00CF
	case AuthenticationKey:
		return 0x00D0
	default:
		return 0
	}
}

// writeGenerationTime performs PUT DATA (even form, INS 0xDA) on this
// slot's generation-time DO with a 4-byte big-endian Unix timestamp.
func (c *Connection) writeGenerationTime(kt KeyType, createdAt time.Time) error {
	tag := kt.generationTimeTag()
	ts := createdAt.Unix()
	data := []byte{byte(ts >> 24), byte(ts >> 16), byte(ts >> 8), byte(ts)}
	cmd := apdu.Command{CLA: 0x00, INS: 0xDA, P1: byte(tag >> 8), P2: byte(tag), Data: data}
	resp, err := c.transmit(cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.CheckStatus()
	}
	return nil
}

// ChangeKey is the composed "change key" operation of §4.6.1: it imports
// host-generated RSA key material into slot kt with ImportKey, writes the
// shared creation timestamp to the slot's generation-time DO, refreshes
// capabilities so the card's own view of the fingerprint is current, and
// confirms that the card's fingerprint for kt matches the one computed
// independently from (createdAt, n, e). A mismatch means the card stored
// something other than what was sent and is reported as
// taxonomy.ErrKeyImportRejected rather than silently returning the card's
// value, since a caller that trusts the return value to update its own
// PairedKey record must not be handed a fingerprint for a key it didn't
// actually import.
func (c *Connection) ChangeKey(kt KeyType, rsa RSAFormat, createdAt time.Time) ([20]byte, error) {
	if err := c.ImportKey(kt, rsa); err != nil {
		return [20]byte{}, err
	}
	if err := c.writeGenerationTime(kt, createdAt); err != nil {
		return [20]byte{}, err
	}

	want, err := PublicKeyMaterial{
		CreatedAt: createdAt.Unix(),
		Algorithm: 1, // RSA (Encrypt or Sign), RFC 4880 section 9.1
		MPIs:      [][]byte{rsa.Modulus, rsa.Exponent},
	}.Fingerprint()
	if err != nil {
		return [20]byte{}, err
	}

	if err := c.Refresh(); err != nil {
		return [20]byte{}, err
	}
	got := c.Capabilities().Fingerprints[kt]
	if got != want {
		return [20]byte{}, &taxonomy.Error{Kind: taxonomy.ErrKeyImportRejected,
			Cause: fmt.Errorf("card fingerprint %x does not match the imported key material", got)}
	}
	return got, nil
}

// PublicKey is the parsed reply to GENERATE ASYMMETRIC KEY PAIR in read
// mode (P1=0x81) or generation mode (P1=0x80), holding whichever of
// Modulus/Exponent (RSA) or ECPoint (EC/EdDSA) the card's outer 0x7F49
// template carried.
type PublicKey struct {
	Modulus  []byte // tag 0x81
	Exponent []byte // tag 0x82
	ECPoint  []byte // tag 0x86, uncompressed EC point
}

// ParsePublicKey extracts the public-key components from a GENERATE
// ASYMMETRIC KEY PAIR reply's outer 0x7F49 template (§4.6.5).
func ParsePublicKey(template tlv.Node) (PublicKey, error) {
	if template.Tag != 0x7F49 {
		return PublicKey{}, &taxonomy.Error{Kind: taxonomy.ErrWrongData,
			Cause: fmt.Errorf("tag %#x, want 0x7F49", template.Tag)}
	}
	children, err := tlv.ParseAll(template.Value)
	if err != nil {
		return PublicKey{}, &taxonomy.Error{Kind: taxonomy.ErrWrongData, Cause: err}
	}
	var pub PublicKey
	for _, n := range children {
		switch n.Tag {
		case 0x81:
			pub.Modulus = append([]byte{}, n.Value...)
		case 0x82:
			pub.Exponent = append([]byte{}, n.Value...)
		case 0x86:
			pub.ECPoint = append([]byte{}, n.Value...)
		}
	}
	return pub, nil
}

// PublicKey performs GENERATE ASYMMETRIC KEY PAIR in read mode (P1=0x81),
// retrieving the already-generated public key for kt without generating a
// new one, and parses it into a PublicKey.
func (c *Connection) PublicKey(kt KeyType) (PublicKey, error) {
	crt, err := tlv.Encode(kt.crtTag(), nil)
	if err != nil {
		return PublicKey{}, err
	}
	cmd := apdu.Command{CLA: 0x00, INS: insGenerateAsymmetric, P1: 0x81, P2: 0x00, Data: crt, Ne: 65536}
	resp, err := c.transmit(cmd)
	if err != nil {
		return PublicKey{}, err
	}
	if !resp.IsSuccess() {
		return PublicKey{}, resp.CheckStatus()
	}
	node, _, err := tlv.ParseSingle(resp.Data, true)
	if err != nil {
		return PublicKey{}, &taxonomy.Error{Kind: taxonomy.ErrWrongData, Cause: err}
	}
	return ParsePublicKey(node)
}
