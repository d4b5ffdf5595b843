package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hiplawrussia-stack/FolliCore/pkg/types"
)

// NewStatusMux builds the status router: liveness, readiness, startup,
// status, metrics, and model management. It stays responsive through load,
// drain, and failure so probes always get an answer.
func NewStatusMux(svc Service, opts Options) http.Handler {
	bindLifecycleGauges(svc)
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(timingMiddleware(opts.Logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.HealthResponse{
			Status:        "ok",
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Version:       opts.Version,
			UptimeSeconds: svc.Uptime().Seconds(),
		})
	})

	// Readiness is the AND over every configured model. 503 carries the
	// per-model detail so an operator can see which load is still pending.
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		rs := svc.ReadyStatus()
		status := http.StatusOK
		if !rs.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, rs)
	})

	// Startup succeeds once every model has been ready at least once and
	// stays succeeded from then on. Kubernetes startup probes key off this.
	r.Get("/startupz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Started() {
			writeJSON(w, http.StatusOK, map[string]bool{"started": true})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"started": false})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status(opts.Version))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		models := svc.ModelStatuses()
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models, Count: len(models)})
	})

	r.Get("/v1/models/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		for _, m := range svc.ModelStatuses() {
			if m.ModelID == id {
				writeJSON(w, http.StatusOK, m)
				return
			}
		}
		writeJSONError(w, r, http.StatusNotFound, "model not found: "+id)
	})

	r.Post("/v1/models/{id}/reload", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := svc.Reload(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		for _, m := range svc.ModelStatuses() {
			if m.ModelID == id {
				writeJSON(w, http.StatusOK, m)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"model_id": id, "state": "ready"})
	})

	return r
}
