package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
)

const defaultHistoryLimit = 100

func registerHistoryRoutes(mux *http.ServeMux, d Deps) {
	if d.DB == nil {
		return
	}

	// GET /api/call/history?peer=<id>&limit=<n>
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		calls, err := d.DB.ListCalls(r.URL.Query().Get("peer"), queryInt(r, "limit", defaultHistoryLimit))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if calls == nil {
			calls = []call.CallRecord{}
		}
		writeJSON(w, calls)
	})

	// POST /api/call/history/clear, loopback only.
	handlePost(mux, "/api/call/history/clear", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		n, err := d.DB.DeleteCalls()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]int64{"deleted": n})
	})
}
