package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wkf/trade-engine/internal/metrics"
)

// Pinger reports store reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter builds the ops and reporting router of one process. svc and hub
// may be nil: the ingestion process serves only /health and /metrics, and
// only a consumer process has a live feed.
func NewRouter(process string, st Pinger, svc *Service, hub *WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for dashboards reading the reporting API.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "degraded", "process": process, "error": err.Error()})
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "process": process})
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if hub != nil {
			// Live lifecycle feed.
			r.Get("/ws", hub.HandleWS)
		}
		if svc == nil {
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/events", svc.ListEvents)
			r.Get("/events/{eventID}", svc.GetEvent)

			r.Get("/positions", svc.ListPositions)
			r.Get("/positions/{positionID}/trades", svc.ListTrades)

			r.Get("/runs", svc.ListRuns)
			r.Get("/performance", svc.GetPerformance)
		})
	})
	return r
}

// NewServer wraps h in an http.Server with the ops timeouts.
func NewServer(port string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:        ":" + port,
		Handler:     h,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
}
