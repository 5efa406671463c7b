package admin

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/pushwatch/telemetry"
)

// NewRouter builds the admin API. /metrics is left unauthenticated for scrapers.
func NewRouter(h *Handlers, secret string) http.Handler {
	r := chi.NewRouter()

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/status", h.handleStatus)
		r.Get("/subscriptions", h.handleSubscriptions)
		r.Get("/relays", h.handleRelays)

		r.Route("/pushes", func(r chi.Router) {
			r.Get("/", h.handleListPushes)
			r.Get("/{seq}", h.withSeq(h.handleGetPush))
			r.Get("/{seq}/batch", h.withSeq(h.handleGetPushBatch))
		})
	})

	return r
}

// withSeq extracts and validates the {seq} URL parameter
func (h *Handlers) withSeq(fn func(http.ResponseWriter, *http.Request, uint64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
		if err != nil || seq == 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid push sequence")
			return
		}
		fn(w, r, seq)
	}
}
