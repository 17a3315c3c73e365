package openpgp

import (
	"github.com/hwsecurity-go/hwsecurity/apdu"
	"github.com/hwsecurity-go/hwsecurity/secret"
	"github.com/hwsecurity-go/hwsecurity/taxonomy"
)

// Verify performs VERIFY for the given password reference. On success the
// connection remembers that the reference is verified for the remainder
// of the session, mirroring the card's own session-scoped PW1/PW3 state.
// pin is released by the caller's own Release(); Verify does not take
// ownership.
func (c *Connection) Verify(ref PasswordRef, pin *secret.Bytes) error {
	cmd := apdu.Command{CLA: 0x00, INS: insVerify, P1: 0x00, P2: byte(ref), Data: pin.Bytes()}
	resp, err := c.transmit(cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.CheckStatus()
	}
	c.markVerified(ref, true)
	return nil
}

// VerifiedRetries issues VERIFY with no data, the standard way to query
// remaining attempts without risking a failed attempt; the card replies
// 63Cx with the retry count even though no comparison happens for an
// empty data field, or 9000 if the reference is already verified and
// needs no further attempts this session.
func (c *Connection) VerifiedRetries(ref PasswordRef) (remaining int, verified bool, err error) {
	cmd := apdu.Command{CLA: 0x00, INS: insVerify, P1: 0x00, P2: byte(ref)}
	resp, err := c.transmit(cmd)
	if err != nil {
		return 0, false, err
	}
	if resp.IsSuccess() {
		return 0, true, nil
	}
	if resp.SW()&0xFFF0 == 0x63C0 {
		return taxonomy.RetriesFromSW(resp.SW()), false, nil
	}
	return 0, false, resp.CheckStatus()
}

func (c *Connection) markVerified(ref PasswordRef, verified bool) {
	switch ref {
	case PW1, PW1Sign:
		c.pw1Verified = verified
	case PW3:
		c.pw3Verified = verified
	}
}

// ModifyPin performs CHANGE REFERENCE DATA: the card receives the old PIN
// immediately followed by the new PIN concatenated in one data field,
// exactly as OpenPGP card application v3.4 section 7.2.2 specifies.
func (c *Connection) ModifyPin(ref PasswordRef, oldPIN, newPIN *secret.Bytes) error {
	data := append(append([]byte{}, oldPIN.Bytes()...), newPIN.Bytes()...)
	cmd := apdu.Command{CLA: 0x00, INS: insChangeReferenceData, P1: 0x00, P2: byte(ref), Data: data}
	resp, err := c.transmit(cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.CheckStatus()
	}
	c.markVerified(ref, false)
	return nil
}

// ResetRetryCounter performs RESET RETRY COUNTER using the Resetting Code
// (P1=0x02): rc is the card's admin-set unblocking code and newPIN
// replaces PW1 if the card accepts it.
func (c *Connection) ResetRetryCounter(rc, newPIN *secret.Bytes) error {
	data := append(append([]byte{}, rc.Bytes()...), newPIN.Bytes()...)
	cmd := apdu.Command{CLA: 0x00, INS: insResetRetryCounter, P1: 0x02, P2: byte(PW1), Data: data}
	resp, err := c.transmit(cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.CheckStatus()
	}
	c.markVerified(PW1, false)
	return nil
}

// ResetRetryCounterWithAdmin performs RESET RETRY COUNTER using PW3
// verification instead of a Resetting Code (P1=0x01); PW3 must already be
// verified on this connection.
func (c *Connection) ResetRetryCounterWithAdmin(newPIN *secret.Bytes) error {
	if !c.pw3Verified {
		return &taxonomy.Error{Kind: taxonomy.ErrSecurityNotSatisfied}
	}
	cmd := apdu.Command{CLA: 0x00, INS: insResetRetryCounter, P1: 0x01, P2: byte(PW1), Data: newPIN.Bytes()}
	resp, err := c.transmit(cmd)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.CheckStatus()
	}
	c.markVerified(PW1, false)
	return nil
}
