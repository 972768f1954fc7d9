package viewer

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

type Viewer struct {
	Calls routes.Calls
	Self  func() routes.SelfInfo
	Peers *state.PeerTable
	Logs  *LogBuffer
	DB    *storage.DB // call history and peer cache

	// JWTSecret protects every route when set.
	JWTSecret string
}

// Handler builds the HTTP API.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		Calls: v.Calls,
		Self:  v.Self,
		Peers: v.Peers,
		DB:    v.DB,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	var selfID func() string
	if v.Self != nil {
		selfID = func() string { return v.Self().ID }
	}
	return noCache(requireToken(v.JWTSecret, selfID, mux))
}

// Start serves the API on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	log.Printf("HTTP: listening on http://%s", ln.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
