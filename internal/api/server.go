// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scanproof/scanproof-go/internal/core"
	"github.com/scanproof/scanproof-go/internal/store"
)

// Server holds the dependencies for our API.
type Server struct {
	app   *core.App
	store *store.Store
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	return &Server{
		app:   app,
		store: app.Store(),
	}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics
	r.Use(middleware.Timeout(60 * time.Second))

	// Verification pipeline routes. Intake returns as soon as the upload is
	// stored; the analysis itself runs out of band.
	r.Post("/api/receipts/scan", s.handleScanReceipt)
	r.Get("/api/receipts/{jobID}", s.handleGetReceipt)
	r.Get("/api/receipts/{jobID}/sidecar", s.handleGetReceiptSidecar)
	r.Post("/api/receipts/{jobID}/anchor", s.handleAnchorReceipt)

	// Admin job triggers
	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/jobs/status", s.handleGetAdminJobsStatus)
		r.Post("/jobs/run", s.handleRunAdminJob)
	})

	r.Get("/api/version", s.handleGetVersion)

	// WebSocket route: clients subscribe to per-job progress groups here.
	r.Get("/ws/receipts/progress", func(w http.ResponseWriter, r *http.Request) {
		s.app.WsHub().ServeWs(w, r)
	})

	// Stored receipt images, fetched by the analyzer.
	uploadsDir := http.Dir(s.app.Config().Uploads.Path)
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(uploadsDir)))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.app.DB().Ping(); err != nil {
			RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
			return
		}
		counts, err := s.store.CountJobs()
		if err != nil {
			RespondWithError(w, http.StatusServiceUnavailable, "Database query failed")
			return
		}
		RespondWithJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": counts})
	})

	return r
}
