package capture

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"
)

// LoadSession reads a session previously written by Session.Save.
func LoadSession(filename string) (*Session, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file: %w", err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// Replayer replays a captured session's frames against a handler, honoring
// the original inter-frame timing scaled by Speed.
type Replayer struct {
	Session      *Session
	Speed        float64
	CurrentFrame int
}

// ReplayHandler receives each frame as it is replayed.
type ReplayHandler func(frame Frame)

func NewReplayer(session *Session) *Replayer {
	return &Replayer{Session: session, Speed: 1.0}
}

func (r *Replayer) SetSpeed(speed float64) {
	if speed <= 0 {
		log.Printf("capture: invalid replay speed %v, using 1.0", speed)
		r.Speed = 1.0
		return
	}
	r.Speed = speed
}

// Play walks the session's frames in order, sleeping between them so the
// original timing is preserved (scaled by Speed), and invokes handler for
// each one.
func (r *Replayer) Play(handler ReplayHandler) error {
	if len(r.Session.Frames) == 0 {
		return fmt.Errorf("no frames to replay")
	}

	start := time.Now()
	sessionStart := r.Session.Frames[0].Timestamp

	for i, frame := range r.Session.Frames {
		r.CurrentFrame = i

		targetDelay := frame.Timestamp.Sub(sessionStart)
		adjustedDelay := time.Duration(float64(targetDelay) / r.Speed)
		actualDelay := time.Since(start)
		if actualDelay < adjustedDelay {
			time.Sleep(adjustedDelay - actualDelay)
		}

		handler(frame)
	}
	return nil
}

func (r *Replayer) GetProgress() float64 {
	if len(r.Session.Frames) == 0 {
		return 0
	}
	return float64(r.CurrentFrame) / float64(len(r.Session.Frames))
}
