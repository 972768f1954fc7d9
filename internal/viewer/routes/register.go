// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the call controller as seen by the HTTP surface. *call.Manager
// implements it.
type Calls interface {
	StartCall(ctx context.Context, peerID string) (call.Role, error)
	Confirm() error
	AcceptIncoming(ctx context.Context, callerID string) (call.Role, error)
	RejectIncoming(ctx context.Context) error
	HangUp()
	ToggleMute() (bool, error)
	ToggleVideo() (bool, error)
	Status() call.Status
	Subscribe() (<-chan call.Event, func())
}

// SelfInfo describes the local participant for GET /api/self.
type SelfInfo struct {
	ID             string   `json:"id"`
	Label          string   `json:"label"`
	Transport      string   `json:"transport"`
	Addrs          []string `json:"addrs,omitempty"`
	ConnectedPeers int      `json:"connected_peers"`
	Uptime         string   `json:"uptime"`
}

type Deps struct {
	Calls Calls
	Self  func() SelfInfo
	Peers *state.PeerTable
	Logs  Logs
	DB    *storage.DB

	// PingInterval keeps websocket clients alive. Zero means 30s.
	PingInterval time.Duration
}

func Register(mux *http.ServeMux, d Deps) {
	if d.Logs != nil {
		handleGet(mux, "/api/logs", d.Logs.ServeLogsJSON)
		handleGet(mux, "/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	registerSelfRoutes(mux, d)
	registerPeerRoutes(mux, d)
	registerHistoryRoutes(mux, d)
	if d.Calls != nil {
		RegisterCall(mux, d.Calls, d.PingInterval)
	}
}
