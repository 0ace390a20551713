// Package wsapi is the concrete transport for the client boundary of
// spec.md §6: a gorilla/mux-routed HTTP server upgrading to
// gorilla/websocket connections at /ws, carrying JSON command/response
// objects shaped {ok, data?, error?, latency_us?}.
package wsapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bmwdiag/gateway/internal/dispatcher"
	"github.com/bmwdiag/gateway/internal/gwerr"
	"github.com/bmwdiag/gateway/internal/session"
	"github.com/bmwdiag/gateway/internal/transport"
)

// Command is one client request, shaped per spec.md §6's operation set.
// ECU addresses an already-connected session by its low-level byte
// address; ECUSelector names a catalog short code ("DDE", "EGS") and is
// what connect/detect_protocol resolve against.
type Command struct {
	Op          string          `json:"op"`
	ECU         byte            `json:"ecu,omitempty"`
	ECUSelector string          `json:"ecu_selector,omitempty"`
	Arg         json.RawMessage `json:"arg,omitempty"`
}

// ErrorInfo is the error shape embedded in Response.
type ErrorInfo struct {
	Category string `json:"category"`
	NRC      *byte  `json:"nrc,omitempty"`
	Message  string `json:"message"`
}

// Response is the envelope every command produces.
type Response struct {
	OK        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	LatencyUS int64       `json:"latency_us,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires one Dispatcher to the websocket command channel.
type Server struct {
	disp   *dispatcher.Dispatcher
	router *mux.Router
}

func New(disp *dispatcher.Dispatcher) *Server {
	s := &Server{disp: disp, router: mux.NewRouter()}
	s.router.HandleFunc("/adapters", s.handleListAdapters).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebsocket)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(transport.ListAdapters())
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsapi: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		resp := s.dispatch(cmd)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cmd Command) Response {
	switch cmd.Op {
	case "list_adapters":
		return ok(transport.ListAdapters(), 0)
	case "init_ecu":
		var arg struct {
			Variant session.InitVariant `json:"variant"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		if arg.Variant == "" {
			arg.Variant = session.VariantAuto
		}
		return toResponse(s.disp.InitECU(cmd.ECU, arg.Variant))
	case "connect":
		var arg struct {
			TransportMode session.InitVariant `json:"transport_mode"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		if arg.TransportMode == "" {
			arg.TransportMode = session.VariantAuto
		}
		return toResponse(s.disp.ConnectECU(cmd.ECUSelector, arg.TransportMode))
	case "detect_protocol":
		return toResponse(s.disp.DetectProtocol(cmd.ECUSelector))
	case "start_session":
		var arg struct {
			SessionType byte `json:"session_type"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		return toResponse(s.disp.StartSession(cmd.ECU, arg.SessionType))
	case "tester_present":
		return toResponse(s.disp.TesterPresent(cmd.ECU))
	case "read_dtcs":
		return toResponse(s.disp.ReadDTCs(cmd.ECU))
	case "clear_dtcs":
		return toResponse(s.disp.ClearDTCs(cmd.ECU))
	case "read_did":
		var arg struct {
			DID uint16 `json:"did"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		return toResponse(s.disp.ReadDID(cmd.ECU, arg.DID))
	case "read_dids":
		var arg struct {
			DIDs []uint16 `json:"dids"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		return toResponse(s.disp.ReadDIDs(cmd.ECU, arg.DIDs))
	case "read_pid":
		var arg struct {
			PID byte `json:"pid"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		return toResponse(s.disp.ReadPID(cmd.ECU, arg.PID))
	case "routine_control":
		var arg struct {
			SubFunction byte   `json:"sub_function"`
			RoutineID   uint16 `json:"routine_id"`
			Data        []byte `json:"data"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		return toResponse(s.disp.RoutineControl(cmd.ECU, arg.SubFunction, arg.RoutineID, arg.Data))
	case "status":
		rec, found := s.disp.Status(cmd.ECU)
		if !found {
			return Response{OK: true, Data: map[string]interface{}{"connected": false}}
		}
		return Response{OK: true, Data: map[string]interface{}{
			"connected":        true,
			"session_type":     rec.SessionType,
			"security_level":   rec.SecurityLevel,
			"protocol_variant": rec.ProtocolVariant,
			"last_exchange":    rec.LastExchange,
		}}
	case "disconnect":
		var arg struct {
			ECUs []byte `json:"ecus"`
		}
		_ = json.Unmarshal(cmd.Arg, &arg)
		return toResponse(s.disp.Disconnect(arg.ECUs))
	default:
		return Response{OK: false, Error: &ErrorInfo{Category: "protocol", Message: "unknown operation: " + cmd.Op}}
	}
}

func ok(data interface{}, latency time.Duration) Response {
	return Response{OK: true, Data: data, LatencyUS: latency.Microseconds()}
}

func toResponse(r dispatcher.Result) Response {
	if r.Err == nil {
		return Response{OK: true, Data: r.Data, LatencyUS: r.Latency.Microseconds()}
	}
	ge, ok := r.Err.(*gwerr.Error)
	if !ok {
		return Response{OK: false, Error: &ErrorInfo{Category: "unknown", Message: r.Err.Error()}, LatencyUS: r.Latency.Microseconds()}
	}
	return Response{
		OK:        false,
		Error:     &ErrorInfo{Category: string(ge.Category), NRC: ge.NRC, Message: ge.Message},
		LatencyUS: r.Latency.Microseconds(),
	}
}
