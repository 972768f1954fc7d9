package routes

import (
	"log"
	"net/http"

	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
)

type peersResponse struct {
	Online []state.SeenPeer `json:"online"`
	// Known lists cached peers that are not currently announcing.
	Known []storage.CachedPeer `json:"known,omitempty"`
}

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	if d.Peers == nil {
		return
	}

	// GET /api/peers
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		resp := peersResponse{Online: d.Peers.List()}
		if resp.Online == nil {
			resp.Online = []state.SeenPeer{}
		}
		if d.DB != nil {
			cached, err := d.DB.ListCachedPeers()
			if err != nil {
				log.Printf("HTTP: list cached peers: %v", err)
			}
			live := make(map[string]bool, len(resp.Online))
			for _, p := range resp.Online {
				live[p.ID] = true
			}
			for _, p := range cached {
				if !live[p.PeerID] {
					resp.Known = append(resp.Known, p)
				}
			}
		}
		writeJSON(w, resp)
	})

	// GET /api/peers/stream: SSE of presence changes.
	handleGet(mux, "/api/peers/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := d.Peers.Subscribe()
		defer d.Peers.Unsubscribe(ch)

		_ = writeSSE(w, "snapshot", d.Peers.List())
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSSE(w, evt.Type, evt); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
