// Package session implements the per-ECU session manager of spec §4.6: it
// owns initialization, diagnostic-session-type, and security-level state
// for every ECU currently reachable on one open transport, and decides when
// re-initialization or a keep-alive tick is needed.
package session

import (
	"sync"
	"time"

	"github.com/bmwdiag/gateway/internal/diag"
	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/isotp"
	"github.com/bmwdiag/gateway/internal/kline"
	"github.com/bmwdiag/gateway/internal/timing"
	"github.com/bmwdiag/gateway/internal/transport"
)

// InitVariant selects which initialization path init_ecu should attempt.
type InitVariant string

const (
	VariantFast InitVariant = "fast"
	VariantSlow InitVariant = "slow"
	VariantDCAN InitVariant = "dcan"
	VariantAuto InitVariant = "auto"
)

const p3max = 2000 * time.Millisecond

// controlLink is the session-control surface both transports' link types
// expose: keep-alive, explicit disconnect, and which variant produced the
// session. kline.Link satisfies this directly; canLink below mirrors it
// for the D-CAN/ISO-TP path.
type controlLink interface {
	TesterPresent(suppress bool) error
	StopCommunication() error
	ProtocolVariant() kline.ProtocolVariant
}

// canLink adapts an isotp.Segmenter to controlLink. CAN has no
// half-duplex echo or P3min pacing to manage, so these are thinner than
// their K-Line counterparts, but the TesterPresent suppression rule is
// the same UDS-level convention on both transports.
type canLink struct {
	seg *isotp.Segmenter
}

func (c *canLink) TesterPresent(suppress bool) error {
	sub := byte(0x00)
	if !suppress {
		sub = 0x80
	}
	req := diag.IsoTpRequester{Seg: c.seg}
	_, _, err := req.Request(0x3E, []byte{sub})
	if suppress {
		if ge, ok := err.(*gwerr.Error); ok && ge.Category == gwerr.CategoryTimeout {
			return nil
		}
	}
	return err
}

func (c *canLink) StopCommunication() error {
	req := diag.IsoTpRequester{Seg: c.seg}
	svc, _, err := req.Request(0x82, nil)
	if err != nil {
		return err
	}
	if svc != 0xC2 {
		return gwerr.ErrProtocolMismatch
	}
	return nil
}

func (c *canLink) ProtocolVariant() kline.ProtocolVariant { return kline.VariantDCAN }

// Record is the state tracked for one ECU address: diagnostic session
// type, security level, last exchange time, key bytes, and protocol
// variant, per spec §4.6.
type Record struct {
	ECU             byte
	SessionType     byte
	SecurityLevel   byte
	LastExchange    time.Time
	KeyBytes        [2]byte
	ProtocolVariant kline.ProtocolVariant

	link             controlLink
	requester        diag.Requester
	reinit           func() (*Record, error)
	missedKeepAlives int
}

// Manager owns one transport and the SessionRecord table for every ECU
// initialized on it.
type Manager struct {
	mu     sync.Mutex
	port   transport.Port
	clock  *timing.Clock
	source byte
	records map[byte]*Record
}

func NewManager(port transport.Port, clock *timing.Clock, source byte) *Manager {
	return &Manager{port: port, clock: clock, source: source, records: make(map[byte]*Record)}
}

// EnsureInit returns a live link for ecu, initializing it if no valid
// record exists. Fast init falls back to slow init on failure, per §4.6.
func (m *Manager) EnsureInit(ecu byte, preferred InitVariant) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[ecu]; ok {
		return rec, nil
	}

	link := kline.NewLink(m.port, m.clock, m.source, ecu)
	var err error
	switch preferred {
	case VariantSlow:
		err = link.SlowInit()
	case VariantFast, VariantAuto:
		err = link.FastInit()
		if err != nil {
			err = link.SlowInit()
		}
	default:
		err = link.FastInit()
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.CategoryDevice, "init failed", err)
	}

	rec := &Record{
		ECU:             ecu,
		SessionType:     diag.SessionDefault,
		LastExchange:    m.clock.Now(),
		KeyBytes:        link.KeyBytes(),
		ProtocolVariant: link.ProtocolVariant(),
		link:            link,
		requester:       diag.KlineRequester{Link: link},
	}
	rec.reinit = func() (*Record, error) { return m.EnsureInit(ecu, preferred) }
	m.records[ecu] = rec
	return rec, nil
}

// EnsureInitCAN behaves like EnsureInit but over the opaque ISO-TP byte
// pipe described in spec §9's D-CAN open question, addressed by CAN
// arbitration ids (txID tester-to-ECU, rxID ECU-to-tester) instead of a
// K-Line byte address. The record is still keyed by the logical ecu byte
// the catalog assigns, so every other Manager/Dispatcher method works
// unmodified regardless of which transport initialized the session.
func (m *Manager) EnsureInitCAN(ecu byte, txID, rxID uint32) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[ecu]; ok {
		return rec, nil
	}

	bus, err := transport.OpenDCANBus(m.port)
	if err != nil {
		return nil, err
	}
	seg := isotp.NewSegmenter(bus, m.clock, txID, rxID)
	link := &canLink{seg: seg}

	rec := &Record{
		ECU:             ecu,
		SessionType:     diag.SessionDefault,
		LastExchange:    m.clock.Now(),
		ProtocolVariant: kline.VariantDCAN,
		link:            link,
		requester:       diag.IsoTpRequester{Seg: seg},
	}
	rec.reinit = func() (*Record, error) { return m.EnsureInitCAN(ecu, txID, rxID) }
	m.records[ecu] = rec
	return rec, nil
}

// EnsureSession issues DiagnosticSessionControl if the cached session type
// differs from required. NRC 0x24 (sequence error) forces re-init and one
// retry.
func (m *Manager) EnsureSession(ecu byte, required byte) error {
	m.mu.Lock()
	rec, ok := m.records[ecu]
	m.mu.Unlock()
	if !ok {
		return gwerr.New(gwerr.CategoryProtocol, "ecu not initialized")
	}
	if rec.SessionType == required {
		return nil
	}

	got, err := diag.StartDiagnosticSession(rec.requester, required)
	if err != nil {
		if ge, ok := err.(*gwerr.Error); ok && ge.NRCCat == gwerr.NRCResetSession {
			reinit := rec.reinit
			m.mu.Lock()
			delete(m.records, ecu)
			m.mu.Unlock()
			if reinit == nil {
				if _, err := m.EnsureInit(ecu, VariantAuto); err != nil {
					return err
				}
			} else if _, err := reinit(); err != nil {
				return err
			}
			return m.EnsureSession(ecu, required)
		}
		return err
	}
	rec.SessionType = got
	rec.LastExchange = m.clock.Now()
	return nil
}

// EnsureUnlocked runs SecurityAccess if the cached level is below
// required, caching success.
func (m *Manager) EnsureUnlocked(ecu byte, required byte, computeKey func(seed []byte) []byte) error {
	m.mu.Lock()
	rec, ok := m.records[ecu]
	m.mu.Unlock()
	if !ok {
		return gwerr.New(gwerr.CategoryProtocol, "ecu not initialized")
	}
	if rec.SecurityLevel >= required {
		return nil
	}

	seed, err := diag.SecurityAccessRequestSeed(rec.requester, required)
	if err != nil {
		return err
	}
	if diag.SeedIsAllZero(seed) {
		rec.SecurityLevel = required
		return nil
	}
	key := computeKey(seed)
	if err := diag.SecurityAccessSendKey(rec.requester, required, key); err != nil {
		return err
	}
	rec.SecurityLevel = required
	rec.LastExchange = m.clock.Now()
	return nil
}

// Requester returns the diag.Requester for an already-initialized ecu.
func (m *Manager) Requester(ecu byte) (diag.Requester, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ecu]
	if !ok {
		return nil, gwerr.New(gwerr.CategoryProtocol, "ecu not initialized")
	}
	return rec.requester, nil
}

// TesterPresent issues an explicit keep-alive for ecu, with the positive
// response suppressed or not as suppress says, transport-agnostically: it drives whichever controlLink
// produced the session, K-Line or CAN.
func (m *Manager) TesterPresent(ecu byte, suppress bool) error {
	m.mu.Lock()
	rec, ok := m.records[ecu]
	m.mu.Unlock()
	if !ok {
		return gwerr.New(gwerr.CategoryProtocol, "ecu not initialized")
	}
	return rec.link.TesterPresent(suppress)
}

// Touch records a successful exchange time for ecu, called by the
// dispatcher after every service call so KeepaliveTick's aging check is
// accurate.
func (m *Manager) Touch(ecu byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[ecu]; ok {
		rec.LastExchange = m.clock.Now()
		rec.missedKeepAlives = 0
	}
}

// KeepaliveTick issues a suppressed TesterPresent for every session whose
// last exchange is older than P3max/2. Two consecutive failures mark the
// session Lost by dropping its record, forcing re-init on the next request.
func (m *Manager) KeepaliveTick(now time.Time) {
	m.mu.Lock()
	stale := make([]*Record, 0)
	for _, rec := range m.records {
		if now.Sub(rec.LastExchange) >= p3max/2 {
			stale = append(stale, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range stale {
		err := rec.link.TesterPresent(true)
		m.mu.Lock()
		if err != nil {
			rec.missedKeepAlives++
			if rec.missedKeepAlives >= 2 {
				delete(m.records, rec.ECU)
			}
		} else {
			rec.missedKeepAlives = 0
			rec.LastExchange = m.clock.Now()
		}
		m.mu.Unlock()
	}
}

// Drop explicitly closes a session: StopCommunication, then forget the
// record regardless of whether the ECU acknowledged it.
func (m *Manager) Drop(ecu byte) error {
	m.mu.Lock()
	rec, ok := m.records[ecu]
	delete(m.records, ecu)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return rec.link.StopCommunication()
}

// Record returns a snapshot of ecu's current state for status reporting.
func (m *Manager) Record(ecu byte) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ecu]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
