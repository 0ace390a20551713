// Package gwerr defines the error taxonomy shared by every layer of the
// diagnostic protocol engine. Errors never cross the client boundary as
// exceptions; they are always a *gwerr.Error carrying a category, an
// optional NRC, and a human-readable message.
package gwerr

import "fmt"

// Category buckets every failure the core can produce into the groups
// described for the client boundary and the session manager's recovery
// policy.
type Category string

const (
	CategoryDevice      Category = "device"       // adapter not present, driver missing, lost handle
	CategoryFraming     Category = "framing"       // bad checksum, incomplete frame, inter-byte gap
	CategoryProtocol    Category = "protocol"      // unexpected service id, echo corruption
	CategoryNegative    Category = "negative"      // 0x7F + NRC from the ECU
	CategoryTimeout     Category = "timeout"       // no bytes arrived at all
	CategoryIsoTp       Category = "isotp"         // sequence, overflow, flow-control timeout
	CategoryConcurrency Category = "concurrency"   // lease refused, transport not open
)

// NRC categories from the negative-response taxonomy (spec §4.5).
type NRCCategory string

const (
	NRCFatal           NRCCategory = "fatal"
	NRCRetryNow        NRCCategory = "retry-now"
	NRCFatalSemantic   NRCCategory = "fatal-semantic"
	NRCResetSession    NRCCategory = "reset-session"
	NRCNeedsUnlock     NRCCategory = "needs-unlock"
	NRCLockedOut       NRCCategory = "locked-out"
	NRCBackoff         NRCCategory = "backoff"
	NRCContinueWaiting NRCCategory = "continue-waiting"
	NRCWrongSession    NRCCategory = "wrong-session"
	NRCFatalUnknown    NRCCategory = "fatal-unknown"
)

// Error is the single error type returned across every core API.
type Error struct {
	Category Category
	NRC      *byte
	NRCCat   NRCCategory
	Message  string
	Wrapped  error
}

func (e *Error) Error() string {
	if e.NRC != nil {
		return fmt.Sprintf("%s: %s (nrc=0x%02X %s)", e.Category, e.Message, *e.NRC, e.NRCCat)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func New(cat Category, msg string) *Error {
	return &Error{Category: cat, Message: msg}
}

func Wrap(cat Category, msg string, err error) *Error {
	return &Error{Category: cat, Message: msg, Wrapped: err}
}

func Negative(nrc byte, nrcCat NRCCategory, msg string) *Error {
	n := nrc
	return &Error{Category: CategoryNegative, NRC: &n, NRCCat: nrcCat, Message: msg}
}

// Named sentinels used throughout the transport and link layer. Compared
// against the Category/Message pair via the Is helper below, since the
// concrete *Error values carry call-specific messages.
var (
	ErrDeviceUnavailable = New(CategoryDevice, "device unavailable")
	ErrDeviceBusy        = New(CategoryDevice, "device busy")
	ErrDriverError       = New(CategoryDevice, "driver error")
	ErrCapabilityMissing = New(CategoryDevice, "capability missing")

	ErrMessageTooLong    = New(CategoryFraming, "message too long")
	ErrFramingError      = New(CategoryFraming, "framing error")
	ErrResponseIncomplete = New(CategoryFraming, "response incomplete")

	ErrProtocolMismatch = New(CategoryProtocol, "protocol mismatch")

	ErrInitTimeout       = New(CategoryTimeout, "init timeout")
	ErrInitProtocolError = New(CategoryProtocol, "init protocol error")
	ErrInitFailed        = New(CategoryDevice, "init failed")

	ErrIsoTpOverflow      = New(CategoryIsoTp, "isotp overflow")
	ErrIsoTpSequenceError = New(CategoryIsoTp, "isotp sequence error")
	ErrIsoTpTimeout       = New(CategoryIsoTp, "isotp flow control timeout")

	ErrLeaseRefused = New(CategoryConcurrency, "transport not open")
)

// nrcCategories is the taxonomy from spec §4.5. Unlisted codes map to
// NRCFatalUnknown.
var nrcCategories = map[byte]NRCCategory{
	0x10: NRCFatal,
	0x11: NRCFatal,
	0x12: NRCFatal,
	0x13: NRCFatal,
	0x21: NRCRetryNow,
	0x22: NRCFatalSemantic,
	0x24: NRCResetSession,
	0x31: NRCFatalSemantic,
	0x33: NRCNeedsUnlock,
	0x35: NRCNeedsUnlock,
	0x36: NRCLockedOut,
	0x37: NRCBackoff,
	0x78: NRCContinueWaiting,
	0x7F: NRCWrongSession,
}

// NRCCategoryOf classifies a negative response code per the §4.5 table.
func NRCCategoryOf(nrc byte) NRCCategory {
	if cat, ok := nrcCategories[nrc]; ok {
		return cat
	}
	return NRCFatalUnknown
}

// NegativeResponse builds the *Error for a 0x7F response carrying the
// given NRC; the original service id is not recorded.
func NegativeResponse(nrc byte) *Error {
	return Negative(nrc, NRCCategoryOf(nrc), nrcMessage(nrc))
}

func nrcMessage(nrc byte) string {
	if msg, ok := nrcMessages[nrc]; ok {
		return msg
	}
	return "negative response"
}

var nrcMessages = map[byte]string{
	0x10: "general reject",
	0x11: "service not supported",
	0x12: "sub-function not supported",
	0x13: "incorrect length",
	0x21: "busy, repeat request",
	0x22: "conditions not correct",
	0x24: "request sequence error",
	0x31: "request out of range",
	0x33: "security access denied",
	0x35: "invalid key",
	0x36: "exceeded number of attempts",
	0x37: "required time delay not expired",
	0x78: "response pending",
	0x7F: "service not supported in active session",
}

// Is reports whether err is a *Error with the same category and message as
// the sentinel. It lets call sites use gwerr.Is(err, gwerr.ErrInitTimeout)
// even though each occurrence carries its own wrapped cause; *Error has no
// Is method, so the standard errors.Is compares by identity only.
func Is(err error, sentinel *Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Category == sentinel.Category && e.Message == sentinel.Message
}
