package diag

import (
	"time"

	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/isotp"
	"github.com/bmwdiag/gateway/internal/kline"
)

// KlineRequester adapts a kline.Link to the Requester interface.
type KlineRequester struct {
	Link *kline.Link
}

func (k KlineRequester) Request(service byte, payload []byte) (byte, []byte, error) {
	frame, err := k.Link.SendRequest(service, payload)
	if err != nil {
		return 0, nil, err
	}
	return frame.Service, frame.Rest, nil
}

// IsoTpRequester adapts an isotp.Segmenter carrying UDS service frames to
// the Requester interface. Unlike KlineRequester it has no P3min pacing —
// CAN has no half-duplex turnaround to respect — but it applies the same
// NRC 0x78 (response pending) retry-with-extended-deadline rule.
type IsoTpRequester struct {
	Seg *isotp.Segmenter
}

func (t IsoTpRequester) Request(service byte, payload []byte) (byte, []byte, error) {
	req := append([]byte{service}, payload...)
	if err := t.Seg.Send(req); err != nil {
		return 0, nil, err
	}
	ceiling := time.Now().Add(5000 * time.Millisecond)
	for {
		resp, err := t.Seg.Receive()
		if err != nil {
			return 0, nil, err
		}
		if len(resp) == 0 {
			return 0, nil, gwerr.ErrProtocolMismatch
		}
		if resp[0] == 0x7F {
			if len(resp) < 3 {
				return 0, nil, gwerr.ErrProtocolMismatch
			}
			nrc := resp[2]
			if nrc == 0x78 {
				if time.Now().After(ceiling) {
					return 0, nil, gwerr.New(gwerr.CategoryTimeout, "response-pending ceiling exceeded")
				}
				continue
			}
			return resp[0], resp[1:], gwerr.NegativeResponse(nrc)
		}
		if resp[0] != service+0x40 {
			return 0, nil, gwerr.ErrProtocolMismatch
		}
		return resp[0], resp[1:], nil
	}
}
