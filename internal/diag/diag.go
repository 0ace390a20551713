// Package diag implements the KWP2000/UDS diagnostic service layer: request
// encoding, positive/negative response decoding, and DTC interpretation.
// It is transport-agnostic — it drives whatever Requester the session
// manager hands it, whether that is a K-Line Link or an ISO-TP channel.
package diag

import (
	"fmt"

	"github.com/bmwdiag/gateway/internal/gwerr"
)

// Requester is the minimum contract the service layer needs from whichever
// link carries the bytes: send one service+payload request, get back the
// response service id and its data, or an error (already classified by the
// lower layer, including *gwerr.Error for negative responses).
type Requester interface {
	Request(service byte, payload []byte) (respService byte, data []byte, err error)
}

// Diagnostic session types, per ISO 14230-3 §5.2.
const (
	SessionDefault      byte = 0x81
	SessionProgramming  byte = 0x85
	SessionExtended     byte = 0x89
)

// ECU reset types, per ISO 14230-3 §5.3.
const (
	ResetHard byte = 0x01
	ResetSoft byte = 0x02
)

// StartDiagnosticSession sends service 0x10 and returns the session type
// the ECU echoed back.
func StartDiagnosticSession(r Requester, sessionType byte) (byte, error) {
	svc, data, err := r.Request(0x10, []byte{sessionType})
	if err != nil {
		return 0, err
	}
	if svc != 0x50 || len(data) < 1 {
		return 0, gwerr.ErrProtocolMismatch
	}
	return data[0], nil
}

// ECUReset sends service 0x11.
func ECUReset(r Requester, resetType byte) error {
	svc, _, err := r.Request(0x11, []byte{resetType})
	if err != nil {
		return err
	}
	if svc != 0x51 {
		return gwerr.ErrProtocolMismatch
	}
	return nil
}

// ClearDiagnosticInformation sends service 0x14 for the given 3-byte group
// of DTCs (0xFFFFFF clears all).
func ClearDiagnosticInformation(r Requester, group [3]byte) error {
	svc, _, err := r.Request(0x14, group[:])
	if err != nil {
		return err
	}
	if svc != 0x54 {
		return gwerr.ErrProtocolMismatch
	}
	return nil
}

// SecurityAccessRequestSeed sends service 0x27 with the given (odd) access
// level and returns the seed bytes the ECU supplies.
func SecurityAccessRequestSeed(r Requester, level byte) ([]byte, error) {
	svc, data, err := r.Request(0x27, []byte{level})
	if err != nil {
		return nil, err
	}
	if svc != 0x67 || len(data) < 1 || data[0] != level {
		return nil, gwerr.ErrProtocolMismatch
	}
	return data[1:], nil
}

// SecurityAccessSendKey sends service 0x27 with level+1 and the computed
// key. An all-zero seed is a documented short circuit some BMW ECUs use to
// mean "security already unlocked" — callers that see a zero-length or
// all-zero seed from SecurityAccessRequestSeed should skip the key exchange
// entirely rather than calling this with a bogus key.
func SecurityAccessSendKey(r Requester, level byte, key []byte) error {
	payload := append([]byte{level + 1}, key...)
	svc, data, err := r.Request(0x27, payload)
	if err != nil {
		return err
	}
	if svc != 0x67 || len(data) < 1 || data[0] != level+1 {
		return gwerr.ErrProtocolMismatch
	}
	return nil
}

// SeedIsAllZero reports whether a requested seed is the all-zero short
// circuit meaning the ECU is already unlocked at this level.
func SeedIsAllZero(seed []byte) bool {
	if len(seed) == 0 {
		return false
	}
	for _, b := range seed {
		if b != 0 {
			return false
		}
	}
	return true
}

// ReadDataByLocalID sends service 0x21 for a one-byte local identifier.
func ReadDataByLocalID(r Requester, localID byte) ([]byte, error) {
	svc, data, err := r.Request(0x21, []byte{localID})
	if err != nil {
		return nil, err
	}
	if svc != 0x61 || len(data) < 1 || data[0] != localID {
		return nil, gwerr.ErrProtocolMismatch
	}
	return data[1:], nil
}

// ReadDataByCommonID sends service 0x22 for a two-byte common/data
// identifier.
func ReadDataByCommonID(r Requester, did uint16) ([]byte, error) {
	svc, data, err := r.Request(0x22, []byte{byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if svc != 0x62 || len(data) < 2 {
		return nil, gwerr.ErrProtocolMismatch
	}
	got := uint16(data[0])<<8 | uint16(data[1])
	if got != did {
		return nil, gwerr.ErrProtocolMismatch
	}
	return data[2:], nil
}

// ReadLiveData sends service 0x01 (the OBD-II "current data" mode the E60's
// DME/DDE also answers on, alongside the KWP2000 service set) for one PID.
func ReadLiveData(r Requester, pid byte) ([]byte, error) {
	svc, data, err := r.Request(0x01, []byte{pid})
	if err != nil {
		return nil, err
	}
	if svc != 0x41 || len(data) < 1 || data[0] != pid {
		return nil, gwerr.ErrProtocolMismatch
	}
	return data[1:], nil
}

// DTCStatus is the status byte attached to each DTC record by service 0x18.
type DTCStatus byte

const (
	StatusTestFailed               DTCStatus = 0x01
	StatusTestFailedThisCycle      DTCStatus = 0x02
	StatusPending                  DTCStatus = 0x04
	StatusConfirmed                DTCStatus = 0x08
	StatusTestNotCompletedSinceClear DTCStatus = 0x10
	StatusFailedSinceClear         DTCStatus = 0x20
	StatusTestNotCompletedThisCycle DTCStatus = 0x40
	StatusWarningIndicatorRequested DTCStatus = 0x80
)

// Flags decodes the individual status bits preserved alongside the raw
// status byte, per spec §3's DTC status flag list.
func (s DTCStatus) Flags() map[string]bool {
	return map[string]bool{
		"test_failed":                    s&StatusTestFailed != 0,
		"test_failed_this_cycle":         s&StatusTestFailedThisCycle != 0,
		"pending":                        s&StatusPending != 0,
		"confirmed":                      s&StatusConfirmed != 0,
		"test_not_completed_since_clear": s&StatusTestNotCompletedSinceClear != 0,
		"failed_since_clear":             s&StatusFailedSinceClear != 0,
		"test_not_completed_this_cycle":  s&StatusTestNotCompletedThisCycle != 0,
		"warning_indicator_requested":    s&StatusWarningIndicatorRequested != 0,
	}
}

// DTC is one decoded trouble code record.
type DTC struct {
	Code   string
	Status DTCStatus
}

var dtcPrefix = [4]byte{'P', 'C', 'B', 'U'}

// DecodeDTC turns a (high, low) code pair into the familiar "P0301"-style
// string: the top 2 bits of the high byte select the P/C/B/U system
// prefix, and the remaining 14 bits are rendered as 4 hex digits.
func DecodeDTC(hi, lo byte) string {
	prefix := dtcPrefix[hi>>6]
	value := (uint16(hi&0x3F) << 8) | uint16(lo)
	return fmt.Sprintf("%c%04X", prefix, value)
}

// ReadDTCByStatus sends service 0x18 with the given status mask and returns
// every matching DTC record.
func ReadDTCByStatus(r Requester, statusMask byte) ([]DTC, error) {
	svc, data, err := r.Request(0x18, []byte{0x02, statusMask, 0xFF})
	if err != nil {
		return nil, err
	}
	if svc != 0x58 {
		return nil, gwerr.ErrProtocolMismatch
	}
	return decodeDTCRecords(data)
}

// reportDTCByStatusMask is the ReadDTCInformation sub-function this gateway
// drives; it is the 0x19 equivalent of 0x18's status mask and returns the
// same three-byte-per-record shape.
const reportDTCByStatusMask byte = 0x02

// ReadStatusOfDTC sends the UDS ReadDTCInformation service (0x19) with
// sub-function reportDTCByStatusMask, the primary DTC read path per spec
// §3. The request is "19 02 MM": sub-function byte followed by the status
// mask, not "19 MM" alone.
func ReadStatusOfDTC(r Requester, statusMask byte) ([]DTC, error) {
	svc, data, err := r.Request(0x19, []byte{reportDTCByStatusMask, statusMask})
	if err != nil {
		return nil, err
	}
	if svc != 0x59 {
		return nil, gwerr.ErrProtocolMismatch
	}
	if len(data) < 1 || data[0] != reportDTCByStatusMask {
		return nil, gwerr.ErrProtocolMismatch
	}
	return decodeDTCRecords(data[1:])
}

func decodeDTCRecords(data []byte) ([]DTC, error) {
	if len(data) < 1 {
		return nil, nil
	}
	data = data[1:] // skip the leading availability/count byte
	var out []DTC
	for i := 0; i+2 < len(data); i += 3 {
		out = append(out, DTC{
			Code:   DecodeDTC(data[i], data[i+1]),
			Status: DTCStatus(data[i+2]),
		})
	}
	return out, nil
}

// Routine control sub-functions, per ISO 14230-3 §5.18.
const (
	RoutineStart           byte = 0x01
	RoutineStop            byte = 0x02
	RoutineRequestResults  byte = 0x03
)

// Local-identifier routines the DPF regeneration flow exercises on the DDE.
const (
	RoutineDPFForceRegen uint16 = 0x0203
	RoutineDPFAshLoad    uint16 = 0x0204
)

// RoutineControl sends service 0x31 with the given sub-function and
// 2-byte routine identifier, plus any routine-specific option bytes.
func RoutineControl(r Requester, subFunction byte, routineID uint16, options []byte) ([]byte, error) {
	payload := append([]byte{subFunction, byte(routineID >> 8), byte(routineID)}, options...)
	svc, data, err := r.Request(0x31, payload)
	if err != nil {
		return nil, err
	}
	if svc != 0x71 || len(data) < 3 {
		return nil, gwerr.ErrProtocolMismatch
	}
	return data[3:], nil
}

// StartDPFRegeneration kicks off forced DPF regeneration via RoutineControl
// on the DDE. Callers poll RoutineControl(RoutineRequestResults, ...) for
// completion status.
func StartDPFRegeneration(r Requester) error {
	_, err := RoutineControl(r, RoutineStart, RoutineDPFForceRegen, nil)
	return err
}

// DPFAshLoadPercent reads the current soot/ash load reported by the
// RoutineDPFAshLoad routine's result bytes, assuming the first result byte is a
// direct percentage (0-100) as this DDE generation reports it.
func DPFAshLoadPercent(r Requester) (byte, error) {
	result, err := RoutineControl(r, RoutineRequestResults, RoutineDPFAshLoad, nil)
	if err != nil {
		return 0, err
	}
	if len(result) < 1 {
		return 0, gwerr.ErrProtocolMismatch
	}
	return result[0], nil
}
