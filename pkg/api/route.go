package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// chiRoutePattern returns the matched route pattern ("/labs/{user}") for
// metrics labeling, falling back to the raw path when chi hasn't matched
// yet (e.g. a 404 with no route).
func chiRoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
