package routes

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/petervdpas/goopcall/internal/call"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients (no Origin) and pages served from
// the API's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

type peerRequest struct {
	PeerID string `json:"peer_id"`
}

// RegisterCall registers the call control API.
func RegisterCall(mux *http.ServeMux, calls Calls, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	// GET /api/call/status
	handleGet(mux, "/api/call/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.Status())
	})

	// POST /api/call/start {"peer_id": "..."}: rings the peer and prepares the call.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req peerRequest) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		role, err := calls.StartCall(r.Context(), req.PeerID)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "ringing", "peer_id": req.PeerID, "role": role})
	})

	// POST /api/call/confirm: starts the prepared outgoing call.
	handlePost(mux, "/api/call/confirm", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Confirm(); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "started"})
	})

	// POST /api/call/accept {"peer_id": "..."}
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, req peerRequest) {
		if req.PeerID == "" {
			http.Error(w, "missing peer_id", http.StatusBadRequest)
			return
		}
		role, err := calls.AcceptIncoming(r.Context(), req.PeerID)
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": "accepted", "peer_id": req.PeerID, "role": role})
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.RejectIncoming(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/hangup: always succeeds, even when idle.
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		calls.HangUp()
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	handlePost(mux, "/api/call/toggle-mute", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleMute()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		off, err := calls.ToggleVideo()
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"video_off": off})
	})

	// GET /api/call/events: SSE stream of controller events. The first event
	// is the current status so a client never starts blind.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := calls.Subscribe()
		defer cancel()

		_ = writeSSE(w, "status", calls.Status())
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSSE(w, string(evt.Kind), evt); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: the same event stream over a websocket, which also
	// accepts commands: {"action":"start","peer_id":"..."}.
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("HTTP: websocket upgrade: %v", err)
			return
		}
		serveCallSocket(r.Context(), conn, calls, pingInterval)
	})
}

// wsFrame is every message the server writes on /api/call/ws.
type wsFrame struct {
	Type   string       `json:"type"` // status|result|<event kind>
	Status *call.Status `json:"status,omitempty"`
	Event  *call.Event  `json:"event,omitempty"`
	Action string       `json:"action,omitempty"`
	OK     bool         `json:"ok,omitempty"`
	Result any          `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type wsCommand struct {
	Action string `json:"action"`
	PeerID string `json:"peer_id"`
}

const wsWriteWait = 10 * time.Second

func serveCallSocket(ctx context.Context, conn *websocket.Conn, calls Calls, pingInterval time.Duration) {
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	defer conn.Close()

	events, cancel := calls.Subscribe()
	defer cancel()

	send := make(chan wsFrame, 32)

	// Reader: commands in, results out through the writer.
	go func() {
		defer stop()
		pongWait := 2 * pingInterval
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("HTTP: websocket read: %v", err)
				}
				return
			}
			var cmd wsCommand
			frame := wsFrame{Type: "result", Error: "invalid JSON"}
			if err := json.Unmarshal(data, &cmd); err == nil {
				frame = runCommand(ctx, calls, cmd)
			}
			select {
			case send <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	st := calls.Status()
	if writeFrame(conn, wsFrame{Type: "status", Status: &st}) != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if writeFrame(conn, wsFrame{Type: string(evt.Kind), Event: &evt}) != nil {
				return
			}
		case frame := <-send:
			if writeFrame(conn, frame) != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, f wsFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(f)
}

func runCommand(ctx context.Context, calls Calls, cmd wsCommand) wsFrame {
	out := wsFrame{Type: "result", Action: cmd.Action}
	var (
		result any
		err    error
	)
	switch cmd.Action {
	case "start":
		result, err = calls.StartCall(ctx, cmd.PeerID)
	case "confirm":
		err = calls.Confirm()
	case "accept":
		result, err = calls.AcceptIncoming(ctx, cmd.PeerID)
	case "reject":
		err = calls.RejectIncoming(ctx)
	case "hangup":
		calls.HangUp()
	case "toggle-mute":
		result, err = calls.ToggleMute()
	case "toggle-video":
		result, err = calls.ToggleVideo()
	case "status":
		result = calls.Status()
	default:
		out.Error = "unknown action"
		return out
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.OK = true
	out.Result = result
	return out
}
