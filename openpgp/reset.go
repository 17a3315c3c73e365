package openpgp

import (
	"github.com/hwsecurity-go/hwsecurity/apdu"
)

// ResetAndWipe performs TERMINATE DF followed by ACTIVATE FILE, the
// standard way to factory-reset an OpenPGP applet once PW3 (or both PW1
// and PW3) are blocked beyond recovery: TERMINATE DF is accepted without
// verification once the retry counters are exhausted, and ACTIVATE FILE
// brings the applet back to its initial, unpersonalized state.
func (c *Connection) ResetAndWipe() error {
	terminate := apdu.Command{CLA: 0x00, INS: insTerminateDF, P1: 0x00, P2: 0x00}
	resp, err := c.transmit(terminate)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.CheckStatus()
	}

	activate := apdu.Command{CLA: 0x00, INS: insActivateFile, P1: 0x00, P2: 0x00}
	resp, err = c.transmit(activate)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.CheckStatus()
	}

	c.pw1Verified = false
	c.pw3Verified = false
	return c.Refresh()
}
