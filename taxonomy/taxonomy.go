// Package taxonomy collects the error kinds returned across the transport,
// protocol and applet layers so callers can branch with errors.Is instead of
// matching on message text.
package taxonomy

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra data. Kind-specific
// data (a status word, a retry count, a wrapped cause) travels on Error
// below; errors.Is still matches because Error.Unwrap reaches the sentinel.
var (
	ErrTransportReleased = errors.New("transport: released")
	ErrTransportBusy     = errors.New("transport: busy")
	ErrTransportTimeout  = errors.New("transport: timeout")
	ErrTransportIO       = errors.New("transport: i/o error")

	ErrCcidBadResponse  = errors.New("ccid: unexpected response message")
	ErrCcidSeqMismatch  = errors.New("ccid: sequence number mismatch")
	ErrCcidHwError      = errors.New("ccid: slot hardware error")

	ErrT1Framing             = errors.New("t=1: malformed block")
	ErrT1BadEdc              = errors.New("t=1: edc check failed")
	ErrT1RetransmitExhausted = errors.New("t=1: retransmission limit reached")
	ErrT1Protocol            = errors.New("t=1: protocol violation")

	ErrU2fHidError        = errors.New("u2f-hid: device reported error")
	ErrU2fHidChannelBusy  = errors.New("u2f-hid: channel busy")
	ErrU2fHidBadInit      = errors.New("u2f-hid: malformed init packet")

	ErrApduMalformed = errors.New("apdu: malformed")
	ErrApduStatus    = errors.New("apdu: non-success status word")

	ErrAppletNotPresent     = errors.New("openpgp: applet not present")
	ErrPinIncorrect         = errors.New("openpgp: pin incorrect")
	ErrPinBlocked           = errors.New("openpgp: pin blocked")
	ErrSecurityNotSatisfied = errors.New("openpgp: security status not satisfied")
	ErrConditionsNotSatisfied = errors.New("openpgp: conditions of use not satisfied")
	ErrWrongData            = errors.New("openpgp: wrong data")
	ErrRefNotFound          = errors.New("openpgp: referenced data not found")

	ErrTlvTruncated  = errors.New("tlv: truncated encoding")
	ErrTlvBadLength  = errors.New("tlv: bad length encoding")
	ErrTlvTagTooLong = errors.New("tlv: tag number too long")

	ErrUnsupportedKeyFormat = errors.New("openpgp: unsupported key format")
	ErrKeyImportRejected    = errors.New("openpgp: key import rejected by card")
	ErrCapabilityParse      = errors.New("openpgp: could not parse application related data")
	ErrPairingAborted       = errors.New("device: pairing aborted")
)

// Error carries the sentinel Kind plus, where relevant, the status word that
// produced it and the underlying cause. It unwraps to Kind so errors.Is(err,
// taxonomy.ErrPinIncorrect) works regardless of SW/Cause.
type Error struct {
	Kind  error
	SW    uint16
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.SW != 0 && e.Cause != nil:
		return fmt.Sprintf("%s (sw=%04X): %v", e.Kind, e.SW, e.Cause)
	case e.SW != 0:
		return fmt.Sprintf("%s (sw=%04X)", e.Kind, e.SW)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() error { return e.Kind }

// WithSW returns an *Error of the given kind carrying the status word that
// produced it.
func WithSW(kind error, sw uint16) *Error {
	return &Error{Kind: kind, SW: sw}
}

// Wrap returns an *Error of the given kind carrying an underlying cause.
func Wrap(kind error, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// CcidHwErrorDetail reports a CCID slot hardware error together with the
// bmICCStatus/bError values from the RDR_to_PC_SlotStatus or data-block
// message, since the class spec defines those per the failing command.
type CcidHwErrorDetail struct {
	ICCStatus byte
	ErrorCode byte
}

func (d CcidHwErrorDetail) Error() string {
	return fmt.Sprintf("iccstatus=%#02x error=%#02x", d.ICCStatus, d.ErrorCode)
}

// NewCcidHwError builds the *Error for a slot hardware failure.
func NewCcidHwError(iccStatus, errorCode byte) *Error {
	return &Error{Kind: ErrCcidHwError, Cause: CcidHwErrorDetail{ICCStatus: iccStatus, ErrorCode: errorCode}}
}

// U2fHidErrorDetail carries the single-byte error code from a HID
// CMD_ERROR frame (see the FIDO U2F HID protocol specification's error
// code table).
type U2fHidErrorDetail struct{ Code byte }

func (d U2fHidErrorDetail) Error() string {
	if s, ok := u2fHidErrorNames[d.Code]; ok {
		return s
	}
	return fmt.Sprintf("unknown error code %#02x", d.Code)
}

var u2fHidErrorNames = map[byte]string{
	0x01: "invalid command",
	0x02: "invalid parameter",
	0x03: "invalid message length",
	0x04: "invalid message sequencing",
	0x05: "message has timed out",
	0x06: "channel busy",
	0x0A: "command requires channel lock",
	0x0B: "sync command failed",
	0x7F: "other unspecified error",
}

// NewU2fHidError builds the *Error for a CMD_ERROR frame.
func NewU2fHidError(code byte) *Error {
	kind := ErrU2fHidError
	if code == 0x06 {
		kind = ErrU2fHidChannelBusy
	}
	return &Error{Kind: kind, Cause: U2fHidErrorDetail{Code: code}}
}

// PinRetriesDetail records the retry counter returned alongside a PIN
// verification failure, taken from the low nibble of SW=63Cx.
type PinRetriesDetail struct{ Remaining int }

func (d PinRetriesDetail) Error() string {
	return fmt.Sprintf("%d attempt(s) remaining", d.Remaining)
}

// NewPinIncorrect builds the *Error for a 63Cx "wrong PIN, N retries left"
// status word.
func NewPinIncorrect(sw uint16, remaining int) *Error {
	return &Error{Kind: ErrPinIncorrect, SW: sw, Cause: PinRetriesDetail{Remaining: remaining}}
}

// FromStatusWord maps an ISO 7816-4 status word to the taxonomy error it
// represents, as a typed sentinel rather than a string. ok is false for
// status words with no dedicated kind (ApduStatus should be used for
// those, carrying the raw SW).
func FromStatusWord(sw uint16) (kind error, ok bool) {
	switch {
	case sw == 0x6982:
		return ErrSecurityNotSatisfied, true
	case sw == 0x6985:
		return ErrConditionsNotSatisfied, true
	case sw == 0x6A80 || sw == 0x6A87:
		return ErrWrongData, true
	case sw == 0x6A88 || sw == 0x6A83:
		return ErrRefNotFound, true
	case sw&0xFFF0 == 0x63C0:
		return ErrPinIncorrect, true
	case sw == 0x6983:
		return ErrPinBlocked, true
	default:
		return nil, false
	}
}

// RetriesFromSW extracts the remaining-attempts counter from a 63Cx status
// word. It does not check the form of sw: for any other status word it
// returns the low nibble all the same, so callers gate with
// FromStatusWord/errors.Is first.
func RetriesFromSW(sw uint16) int {
	return int(sw & 0x000F)
}

// Describe renders a human-readable status word description.
func Describe(sw uint16) string {
	switch {
	case sw == 0x9000:
		return "success"
	case sw&0xFF00 == 0x6100:
		return fmt.Sprintf("success, %d byte(s) available via GET RESPONSE", sw&0x00FF)
	case sw&0xFF00 == 0x6C00:
		return fmt.Sprintf("wrong Le, exact length is %d", sw&0x00FF)
	case sw&0xFFF0 == 0x63C0:
		return fmt.Sprintf("verification failed, %d attempt(s) remaining", sw&0x000F)
	case sw == 0x6982:
		return "security status not satisfied"
	case sw == 0x6983:
		return "authentication method blocked"
	case sw == 0x6985:
		return "conditions of use not satisfied"
	case sw == 0x6A80:
		return "incorrect parameters in data field"
	case sw == 0x6A88:
		return "referenced data not found"
	case sw == 0x6A82:
		return "file/application not found"
	case sw == 0x6E00:
		return "class not supported"
	case sw == 0x6D00:
		return "instruction not supported"
	default:
		return fmt.Sprintf("sw=%04X", sw)
	}
}
