package simulator

import (
	"math/rand"
	"time"

	"github.com/bmwdiag/gateway/internal/kline"
)

// simulatedECU is the logical address the simulator answers as and the
// source address of every frame; testerAddr is the target address stamped
// into every frame, matching the tester
// address used by internal/dispatcher.
const (
	simulatedECU = 0x12
	testerAddr   = 0xF1
)

// SimulatedData represents the current state of our simulated ECU.
type SimulatedData struct {
	RPM         float64
	Speed       float64
	Temperature float64
	DTCs        [][2]byte // raw (hi, lo) DTC bytes, per diag.DecodeDTC
}

// testDTCs are raw (hi, lo) byte pairs decoding to plausible BMW diesel
// P-codes (see diag.DecodeDTC): P0087, P0088, P0191, P0401, P0234.
var testDTCs = [][2]byte{
	{0x00, 0x87},
	{0x00, 0x88},
	{0x01, 0x91},
	{0x04, 0x01},
	{0x02, 0x34},
}

// Simulator pushes synthetic KWP2000 response frames onto a DataWriter at a
// fixed interval, standing in for an ECU that never sees an actual request.
// This gives capture/replay and detect_protocol something to exercise
// offline without real hardware attached.
type Simulator struct {
	data     SimulatedData
	writer   DataWriter
	interval time.Duration
	done     chan struct{}
	tick     int
}

// DataWriter interface allows different transport implementations
type DataWriter interface {
	Write([]byte) (int, error)
	Close() error
}

// NewSimulator creates a new simulator instance
func NewSimulator(writer DataWriter, interval time.Duration) *Simulator {
	return &Simulator{
		data: SimulatedData{
			RPM:         800,
			Speed:       0,
			Temperature: 85,
		},
		writer:   writer,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the simulation loop
func (s *Simulator) Start() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateData()
			msg, err := s.nextFrame()
			if err != nil {
				continue
			}
			if _, err := s.writer.Write(msg); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Stop halts the simulation
func (s *Simulator) Stop() {
	close(s.done)
	s.writer.Close()
}

func (s *Simulator) updateData() {
	s.data.RPM = 800 + rand.Float64()*2200      // RPM between 800-3000
	s.data.Speed = rand.Float64() * 120         // Speed between 0-120
	s.data.Temperature = 80 + rand.Float64()*15 // Temp between 80-95

	if rand.Float64() < 0.05 && len(s.data.DTCs) < 2 {
		candidate := testDTCs[rand.Intn(len(testDTCs))]
		if !containsDTC(s.data.DTCs, candidate) {
			s.data.DTCs = append(s.data.DTCs, candidate)
		}
	}
}

// nextFrame rotates through a live-data reply (service 0x01, PIDs 0x0C/0x0D/0x05)
// and, once a DTC has been injected, a ReadDTCByStatus reply (service 0x18).
func (s *Simulator) nextFrame() ([]byte, error) {
	s.tick++
	if len(s.data.DTCs) > 0 && s.tick%4 == 0 {
		return s.dtcFrame()
	}
	return s.liveDataFrame()
}

func (s *Simulator) liveDataFrame() ([]byte, error) {
	var payload []byte
	switch s.tick % 3 {
	case 0: // RPM, PID 0x0C, OBD2 scaling RPM*4 big-endian
		rpm := uint16(s.data.RPM * 4)
		payload = []byte{0x41, 0x0C, byte(rpm >> 8), byte(rpm)}
	case 1: // Speed, PID 0x0D
		payload = []byte{0x41, 0x0D, byte(s.data.Speed)}
	case 2: // Coolant temp, PID 0x05, OBD2 scaling Temp+40
		payload = []byte{0x41, 0x05, byte(s.data.Temperature + 40)}
	}
	return kline.Encode(simulatedECU, testerAddr, payload)
}

func (s *Simulator) dtcFrame() ([]byte, error) {
	payload := []byte{0x58, byte(len(s.data.DTCs))}
	for _, dtc := range s.data.DTCs {
		payload = append(payload, dtc[0], dtc[1], 0x08) // confirmed status
	}
	return kline.Encode(simulatedECU, testerAddr, payload)
}

func containsDTC(slice [][2]byte, item [2]byte) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
