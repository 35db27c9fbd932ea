package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func NewRouter(apiHandler *APIHandler, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)
		r.Post("/ask", apiHandler.AskHandler)
		r.Get("/sections/{section}", apiHandler.SectionHandler)
		r.Delete("/cache", apiHandler.ClearCacheHandler)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.UserIdentityMiddleware)

			r.Route("/sessions/{sessionID}", func(r chi.Router) {
				r.Post("/messages", apiHandler.PostMessageHandler)
				r.Get("/history", apiHandler.HistoryHandler)
				r.Post("/complete", apiHandler.CompleteSessionHandler)
				r.Get("/stats", apiHandler.StatsHandler)
			})
		})
	})

	return r
}

// RequestLogger logs one line per request with zap.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
