package routes

import (
	"net/http"
)

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	if d.Self == nil {
		return
	}
	// GET /api/self
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, d.Self())
	})
}
