package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/teranos/codeload/logger"
)

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/resources/{key}/status", s.HandleResourceStatus)
		r.Post("/resources/{key}/load", s.HandleRequestLoad)

		r.Get("/jobs", s.HandleListJobs)
		r.Get("/jobs/{id}", s.HandleJob)
		r.Get("/jobs/{id}/stream", s.HandleJobStream)

		r.Get("/sources", s.HandleListSources)
		r.Post("/sources/{id}/activate", s.HandleSetSourceActive(true))
		r.Post("/sources/{id}/deactivate", s.HandleSetSourceActive(false))

		r.Get("/cache/stats", s.HandleCacheStats)
		r.Get("/budget", s.HandleBudget)
		r.Get("/demand/top", s.HandleTopDemand)
	})

	return r
}

// corsMiddleware adds CORS headers for allowed origins, the same origins
// accepted for websocket upgrades
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request at debug level with its status and duration
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(started).Milliseconds(),
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
		)
	})
}
