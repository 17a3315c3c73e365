package openpgp

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"math/big"
	"time"

	"github.com/hwsecurity-go/hwsecurity/secret"
	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

// defaultPW1 and defaultPW3 are the OpenPGP card application's factory
// PINs, OpenPGP card application v3.4 section 4.2: restored by TERMINATE
// DF/ACTIVATE FILE and assumed by SetupPaired whenever it needs to
// authenticate a freshly reset (or never personalized) card.
var (
	defaultPW1 = secret.FromString("123456")
	defaultPW3 = secret.FromString("12345678")
)

// generateRSAKey is the host-side key generation primitive SetupPaired
// uses; it is a package variable rather than a direct crypto/rsa call so
// tests can substitute a deterministic generator instead of paying for a
// real 2048-bit keygen (or needing to predict its output to script a fake
// card's replies).
// now is likewise a package variable so tests can pin the creation
// timestamp ChangeKey stamps into the card's generation-time DO and
// folds into the fingerprint it confirms, instead of needing to predict
// time.Now()'s value to script a matching fake-card reply.
var now = time.Now

var generateRSAKey = func(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	key.Precompute()
	return key, nil
}

// rsaFormatFromKey converts a host-generated RSA private key into the
// component layout Connection.ImportKey/ChangeKey send to the card
// (§4.6.1): e, p, q, u=CRT coefficient, dP, dQ, n, each as an unsigned
// big-endian integer with no extra leading zero byte.
func rsaFormatFromKey(key *rsa.PrivateKey) RSAFormat {
	p := key.Primes[0]
	q := key.Primes[1]
	return RSAFormat{
		ModulusBits: key.N.BitLen(),
		Exponent:    big.NewInt(int64(key.E)).Bytes(),
		Modulus:     key.N.Bytes(),
		PrimeP:      p.Bytes(),
		PrimeQ:      q.Bytes(),
		CoeffPQ:     key.Precomputed.Qinv.Bytes(),
		ExponentD1:  key.Precomputed.Dp.Bytes(),
		ExponentD2:  key.Precomputed.Dq.Bytes(),
	}
}

// KeySlot is one generated-and-confirmed key within a PairedKey: the
// fingerprint the card reported after import, and the public components
// (n/e) needed to reconstruct an OpenPGP/SSH public key packet without
// talking to the card again.
type KeySlot struct {
	Fingerprint [20]byte
	PublicKey   PublicKey
}

// PairedKey is the durable record a caller persists after SetupPaired:
// the card identity (AID, which embeds manufacturer and serial) plus
// every key slot that was personalized, so a later session can detect the
// card was swapped or reset without re-deriving fingerprints from
// scratch. Sign and Auth are nil when SetupPaired was called with
// encryptionOnly=true, matching the data model's "sign_fp?, sign_pub?,
// auth_fp?, auth_pub?" optional fields.
type PairedKey struct {
	AID      []byte
	Encrypt  KeySlot
	Sign     *KeySlot
	Auth     *KeySlot
	PairedAt time.Time
}

// Matches reports whether the connection's current capabilities still
// show this record's encryption-key fingerprint on the same card AID,
// the check a caller makes before trusting a cached PairedKey instead of
// re-deriving it.
func (p PairedKey) Matches(c *Connection) bool {
	caps := c.Capabilities()
	if caps == nil {
		return false
	}
	return string(caps.AID) == string(p.AID) &&
		caps.Fingerprints[DecryptionKey] == p.Encrypt.Fingerprint
}

// SetupPaired drives the full pairing flow of §4.6.4: put the card (back)
// into its default-PIN state if it is not already safely there, generate
// host-side RSA-2048 key material, import it into ENC and (unless
// encryptionOnly) SIGN and AUTH with a shared timestamp, then replace the
// default PINs with newPW1/newPW3 and return the resulting PairedKey.
//
// Any failure after the default PW3 has been verified (whether or not
// step 2's TERMINATE+ACTIVATE ran first) is reported as
// taxonomy.ErrPairingAborted wrapping the underlying cause; a failure of
// the reset itself, or of the PW3 verification right after it, is
// returned unwrapped. Card state after a PairingAborted error
// is undefined — ENC may have imported successfully while SIGN failed, or
// a PIN change may have landed while the other did not — callers should
// not assume any slot or PIN is still at a known value and should prefer
// ResetAndWipe followed by a fresh SetupPaired over trying to resume.
func (c *Connection) SetupPaired(newPW1, newPW3 *secret.Bytes, encryptionOnly bool) (PairedKey, error) {
	needsReset := c.Capabilities().HasKey[DecryptionKey]
	if !needsReset {
		if err := c.Verify(PW3, defaultPW3); err != nil {
			needsReset = true
		}
	}
	if needsReset {
		if err := c.ResetAndWipe(); err != nil {
			return PairedKey{}, err
		}
		if err := c.Verify(PW3, defaultPW3); err != nil {
			return PairedKey{}, err
		}
	}

	createdAt := now()

	encKey, err := generateRSAKey(2048)
	if err != nil {
		return PairedKey{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("generate encryption key: %w", err)}
	}
	encFP, err := c.ChangeKey(DecryptionKey, rsaFormatFromKey(encKey), createdAt)
	if err != nil {
		return PairedKey{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("import encryption key: %w", err)}
	}
	encPub, err := c.PublicKey(DecryptionKey)
	if err != nil {
		return PairedKey{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("read back encryption public key: %w", err)}
	}

	result := PairedKey{
		AID:      append([]byte{}, c.Capabilities().AID...),
		Encrypt:  KeySlot{Fingerprint: encFP, PublicKey: encPub},
		PairedAt: createdAt,
	}

	if !encryptionOnly {
		signSlot, err := c.setupAdditionalSlot(SignatureKey, createdAt)
		if err != nil {
			return PairedKey{}, err
		}
		result.Sign = signSlot

		authSlot, err := c.setupAdditionalSlot(AuthenticationKey, createdAt)
		if err != nil {
			return PairedKey{}, err
		}
		result.Auth = authSlot
	}

	if err := c.ModifyPin(PW1, defaultPW1, newPW1); err != nil {
		return PairedKey{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("change pw1: %w", err)}
	}
	if err := c.ModifyPin(PW3, defaultPW3, newPW3); err != nil {
		return PairedKey{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("change pw3: %w", err)}
	}

	if err := c.Refresh(); err != nil {
		return PairedKey{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("refresh capabilities: %w", err)}
	}

	result.AID = append([]byte{}, c.Capabilities().AID...)
	return result, nil
}

func (c *Connection) setupAdditionalSlot(kt KeyType, createdAt time.Time) (*KeySlot, error) {
	key, err := generateRSAKey(2048)
	if err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("generate %s key: %w", kt, err)}
	}
	fp, err := c.ChangeKey(kt, rsaFormatFromKey(key), createdAt)
	if err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("import %s key: %w", kt, err)}
	}
	pub, err := c.PublicKey(kt)
	if err != nil {
		return nil, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("read back %s public key: %w", kt, err)}
	}
	return &KeySlot{Fingerprint: fp, PublicKey: pub}, nil
}

// GenerateAndConfirmKey drives a card-side GENERATE ASYMMETRIC KEY PAIR
// for kt and confirms the resulting fingerprint, a lighter-weight
// alternative to SetupPaired for callers that want the card itself (not
// the host) to produce the private key material and only need the
// fingerprint, not PIN or default-state management. PW3 must already be
// verified on this connection. Any failure after GenerateKey succeeds is
// reported as taxonomy.ErrPairingAborted for the same reason SetupPaired
// uses it: the card may now hold a freshly generated, unconfirmed key.
func (c *Connection) GenerateAndConfirmKey(kt KeyType) (KeySlot, error) {
	if _, err := c.GenerateKey(kt); err != nil {
		return KeySlot{}, err
	}

	if err := c.Refresh(); err != nil {
		return KeySlot{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("refresh capabilities: %w", err)}
	}

	fp := c.Capabilities().Fingerprints[kt]
	var zero [20]byte
	if fp == zero {
		return KeySlot{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("card reported an all-zero fingerprint after generation")}
	}

	pub, err := c.PublicKey(kt)
	if err != nil {
		return KeySlot{}, &taxonomy.Error{Kind: taxonomy.ErrPairingAborted, Cause: fmt.Errorf("read back public key: %w", err)}
	}

	return KeySlot{Fingerprint: fp, PublicKey: pub}, nil
}
