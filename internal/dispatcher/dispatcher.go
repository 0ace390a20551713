// Package dispatcher implements the command dispatcher boundary of spec
// §4.7: it composes ensure_init ∘ ensure_session ∘ service-call under an
// exclusive bus lease, and exposes the client operation set from spec §6.
package dispatcher

import (
	"sync"
	"time"

	"github.com/bmwdiag/gateway/internal/catalog"
	"github.com/bmwdiag/gateway/internal/diag"
	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/kline"
	"github.com/bmwdiag/gateway/internal/session"
	"github.com/bmwdiag/gateway/internal/timing"
	"github.com/bmwdiag/gateway/internal/transport"
)

// Result is the envelope every client-facing call returns: either a
// decoded domain value in Data, or a categorized Err. Latency is measured
// from lease acquisition to release.
type Result struct {
	Data    interface{}
	Err     error
	Latency time.Duration
}

// Dispatcher owns the bus lease and the session manager for one open
// transport. A single dispatcher goroutine is expected to call its
// methods; KeepaliveTick is safe to call from a separate low-priority
// goroutine since it only ever acquires the same lease.
type Dispatcher struct {
	lease   sync.Mutex
	clock   *timing.Clock
	sess    *session.Manager
	port    transport.Port
	cat     *catalog.Catalog
}

// New builds a Dispatcher over an already-open transport. cat may be nil,
// in which case ecu_selector resolution (ConnectECU, catalog-decoded
// ReadDID/ReadPID values) is unavailable and callers must address ECUs by
// their raw byte address, as the teacher's elmobd-derived clients did.
func New(port transport.Port, clock *timing.Clock, testerAddress byte, cat *catalog.Catalog) *Dispatcher {
	return &Dispatcher{
		clock: clock,
		sess:  session.NewManager(port, clock, testerAddress),
		port:  port,
		cat:   cat,
	}
}

// call acquires the lease, runs fn, and releases the lease on every exit
// path, timing the whole exchange for the result's latency_us field.
func (d *Dispatcher) call(fn func() (interface{}, error)) Result {
	d.lease.Lock()
	defer d.lease.Unlock()
	start := d.clock.Now()
	data, err := fn()
	return Result{Data: data, Err: err, Latency: d.clock.Now().Sub(start)}
}

// InitECU drives ensure_init for ecu with the requested variant.
func (d *Dispatcher) InitECU(ecu byte, variant session.InitVariant) Result {
	return d.call(func() (interface{}, error) {
		rec, err := d.sess.EnsureInit(ecu, variant)
		if err != nil {
			return nil, err
		}
		return rec.ProtocolVariant, nil
	})
}

// StartSession drives ensure_session for ecu.
func (d *Dispatcher) StartSession(ecu, sessionType byte) Result {
	return d.call(func() (interface{}, error) {
		if _, err := d.sess.EnsureInit(ecu, session.VariantAuto); err != nil {
			return nil, err
		}
		if err := d.sess.EnsureSession(ecu, sessionType); err != nil {
			return nil, err
		}
		return sessionType, nil
	})
}

// TesterPresent issues a non-suppressed TesterPresent for ecu on client
// request (the background keep-alive tick always suppresses).
func (d *Dispatcher) TesterPresent(ecu byte) Result {
	return d.call(func() (interface{}, error) {
		if err := d.sess.TesterPresent(ecu, false); err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		return true, nil
	})
}

// SecurityAccess drives ensure_unlocked for ecu at the given level, using
// computeKey to turn a non-zero seed into a key (ECU-proprietary, supplied
// by the caller per spec §9).
func (d *Dispatcher) SecurityAccess(ecu, level byte, computeKey func([]byte) []byte) Result {
	return d.call(func() (interface{}, error) {
		if _, err := d.sess.EnsureInit(ecu, session.VariantAuto); err != nil {
			return nil, err
		}
		if err := d.sess.EnsureUnlocked(ecu, level, computeKey); err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		return true, nil
	})
}

// ReadDTCs reads the full DTC table for ecu, trying the primary UDS
// ReadDTCInformation service (0x19) first and falling back to the legacy
// KWP ReadDTCByStatus service (0x18) for ECUs that reject 0x19, per spec §3.
func (d *Dispatcher) ReadDTCs(ecu byte) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		dtcs, err := diag.ReadStatusOfDTC(req, 0xFF)
		if err != nil {
			if ge, ok := err.(*gwerr.Error); ok && ge.Category == gwerr.CategoryNegative {
				dtcs, err = diag.ReadDTCByStatus(req, 0xFF)
			}
			if err != nil {
				return nil, err
			}
		}
		d.sess.Touch(ecu)
		return dtcs, nil
	})
}

// ClearDTCs clears every DTC group on ecu.
func (d *Dispatcher) ClearDTCs(ecu byte) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		if err := diag.ClearDiagnosticInformation(req, [3]byte{0xFF, 0xFF, 0xFF}); err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		return true, nil
	})
}

// DecodedValue is what read_did/read_pid return per spec §6: the raw
// response bytes plus, when the catalog carries a formula for this
// identifier, the evaluated engineering value and its unit.
type DecodedValue struct {
	Raw   []byte  `json:"raw"`
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
	Name  string  `json:"name,omitempty"`
}

func (d *Dispatcher) decode(params []catalog.Parameter, id uint16, raw []byte) DecodedValue {
	dv := DecodedValue{Raw: raw}
	if d.cat == nil {
		return dv
	}
	for _, p := range params {
		if p.ID != id {
			continue
		}
		if v, err := catalog.Evaluate(p.Formula, raw); err == nil {
			dv.Value = v
			dv.Unit = p.Unit
			dv.Name = p.Name
		}
		return dv
	}
	return dv
}

// ReadDID reads one data identifier from ecu, decoding it through the
// catalog's DID formula table when one is loaded and matches.
func (d *Dispatcher) ReadDID(ecu byte, did uint16) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		data, err := diag.ReadDataByCommonID(req, did)
		if err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		if d.cat == nil {
			return data, nil
		}
		return d.decode(d.cat.DIDs, did, data), nil
	})
}

// ReadDIDs is the vector form of ReadDID: it stops at the first error.
func (d *Dispatcher) ReadDIDs(ecu byte, dids []uint16) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		out := make(map[uint16]interface{}, len(dids))
		for _, did := range dids {
			data, err := diag.ReadDataByCommonID(req, did)
			if err != nil {
				return nil, err
			}
			if d.cat == nil {
				out[did] = data
			} else {
				out[did] = d.decode(d.cat.DIDs, did, data)
			}
		}
		d.sess.Touch(ecu)
		return out, nil
	})
}

// ReadPID reads one OBD-II mode-01 PID from ecu, decoding it through the
// catalog's PID formula table when one is loaded and matches (e.g.
// spec §6's "0x45*100/255≈27.06%" throttle-position example).
func (d *Dispatcher) ReadPID(ecu byte, pid byte) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		data, err := diag.ReadLiveData(req, pid)
		if err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		if d.cat == nil {
			return data, nil
		}
		return d.decode(d.cat.PIDs, uint16(pid), data), nil
	})
}

// RoutineControl runs a RoutineControl exchange against ecu, with a
// specialization table for the DPF routines (spec §4.5/[ADD] 4.5).
func (d *Dispatcher) RoutineControl(ecu byte, subFunction byte, routineID uint16, data []byte) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		result, err := diag.RoutineControl(req, subFunction, routineID, data)
		if err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		return result, nil
	})
}

// StartDPFRegeneration is the named DPF specialization of RoutineControl.
func (d *Dispatcher) StartDPFRegeneration(ecu byte) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		if err := diag.StartDPFRegeneration(req); err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		return true, nil
	})
}

// DPFStatus reads the current DPF ash-load specialization result.
func (d *Dispatcher) DPFStatus(ecu byte) Result {
	return d.call(func() (interface{}, error) {
		req, err := d.ensure(ecu)
		if err != nil {
			return nil, err
		}
		pct, err := diag.DPFAshLoadPercent(req)
		if err != nil {
			return nil, err
		}
		d.sess.Touch(ecu)
		return pct, nil
	})
}

// Status reports the cached session record for ecu, for the client
// boundary's status() operation. ok is false if ecu has no live session.
func (d *Dispatcher) Status(ecu byte) (session.Record, bool) {
	d.lease.Lock()
	defer d.lease.Unlock()
	return d.sess.Record(ecu)
}

// DetectProtocol resolves an ecu_selector against the catalog and reports
// which transport answered: "can" if the ECU's session runs over D-CAN,
// "kline" if it runs over K-Line, per spec §6's
// detect_protocol(ecu_selector) -> {kline | can}. With no session open
// yet, only a catalog entry whose transport is "can" is initialized over
// D-CAN; every other entry is initialized over K-Line (fast, then slow).
// A failed init is returned as an error.
func (d *Dispatcher) DetectProtocol(selector string) Result {
	return d.call(func() (interface{}, error) {
		ecuDesc, err := d.lookupECU(selector)
		if err != nil {
			return nil, err
		}
		rec, err := d.resolveAndInit(ecuDesc, session.VariantAuto)
		if err != nil {
			return nil, err
		}
		if rec.ProtocolVariant == kline.VariantDCAN {
			return "can", nil
		}
		return "kline", nil
	})
}

// ConnectECU resolves an ecu_selector against the loaded catalog and
// ensures the session the caller asked for (K-Line fast/slow/auto or the
// D-CAN path), returning the resolved low-level address and the protocol
// variant that answered, per spec §6's connect(adapter_selector,
// transport_mode).
func (d *Dispatcher) ConnectECU(selector string, mode session.InitVariant) Result {
	return d.call(func() (interface{}, error) {
		ecuDesc, err := d.lookupECU(selector)
		if err != nil {
			return nil, err
		}
		rec, err := d.resolveAndInit(ecuDesc, mode)
		if err != nil {
			return nil, err
		}
		return struct {
			Address  byte                  `json:"address"`
			Protocol kline.ProtocolVariant `json:"protocol_variant"`
		}{rec.ECU, rec.ProtocolVariant}, nil
	})
}

func (d *Dispatcher) lookupECU(selector string) (catalog.ECU, error) {
	if d.cat == nil {
		return catalog.ECU{}, gwerr.New(gwerr.CategoryDevice, "no catalog loaded")
	}
	ecuDesc, ok := d.cat.ECUByCode(selector)
	if !ok {
		return catalog.ECU{}, gwerr.New(gwerr.CategoryProtocol, "unknown ecu selector "+selector)
	}
	return ecuDesc, nil
}

// ecuKey picks the byte address a resolved ECU's session is keyed under:
// its K-Line address when it has one, else the low byte of its CAN
// transmit id. Every other Manager/Dispatcher call addresses the ECU by
// this key once connected.
func ecuKey(ecuDesc catalog.ECU) byte {
	if ecuDesc.KLineAddr != nil {
		return *ecuDesc.KLineAddr
	}
	if ecuDesc.CANTxID != nil {
		return byte(*ecuDesc.CANTxID)
	}
	return 0
}

// resolveAndInit drives EnsureInit or EnsureInitCAN according to mode and
// the catalog descriptor's declared transport. mode == VariantDCAN forces
// the CAN path; any other mode on a catalog entry whose transport is
// "can" also takes the CAN path, since such an ECU has no K-Line address
// to fast/slow-init against.
func (d *Dispatcher) resolveAndInit(ecuDesc catalog.ECU, mode session.InitVariant) (*session.Record, error) {
	wantCAN := mode == session.VariantDCAN || ecuDesc.Transport == "can"
	if wantCAN {
		if ecuDesc.CANTxID == nil || ecuDesc.CANRxID == nil {
			return nil, gwerr.New(gwerr.CategoryDevice, "ecu "+ecuDesc.ShortCode+" has no CAN arbitration ids")
		}
		return d.sess.EnsureInitCAN(ecuKey(ecuDesc), *ecuDesc.CANTxID, *ecuDesc.CANRxID)
	}
	if ecuDesc.KLineAddr == nil {
		return nil, gwerr.New(gwerr.CategoryDevice, "ecu "+ecuDesc.ShortCode+" has no K-Line address")
	}
	return d.sess.EnsureInit(*ecuDesc.KLineAddr, mode)
}

// Disconnect drops the session of every listed ecu with StopCommunication
// and closes the transport.
func (d *Dispatcher) Disconnect(ecus []byte) Result {
	return d.call(func() (interface{}, error) {
		for _, ecu := range ecus {
			d.sess.Drop(ecu)
		}
		return true, d.port.Close()
	})
}

// KeepaliveTick requests the same lease as every other call, so it is
// never preempted mid-exchange and never preempts one, per spec §5.
func (d *Dispatcher) KeepaliveTick() {
	d.lease.Lock()
	defer d.lease.Unlock()
	d.sess.KeepaliveTick(d.clock.Now())
}

func (d *Dispatcher) ensure(ecu byte) (diag.Requester, error) {
	if _, err := d.sess.EnsureInit(ecu, session.VariantAuto); err != nil {
		return nil, err
	}
	return d.sess.Requester(ecu)
}

