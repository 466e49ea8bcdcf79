// Package web is the HTTP enrollment boundary.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facegate/internal/credstore"
	"github.com/andresmejia3/facegate/internal/logging"
)

// UserStore is the part of the credential store the API exposes.
type UserStore interface {
	Enroll(ctx context.Context, username string, image []byte) (credstore.Outcome, error)
	List() ([]credstore.EnrolledUser, error)
	ImagePath(username string) (string, error)
}

// Server represents the web server
type Server struct {
	store      UserStore
	log        logging.Logger
	maxUpload  int64
	router     *chi.Mux
	httpServer *http.Server
}

// NewServer creates a new web server
func NewServer(store UserStore, addr string, maxUpload int64, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	r := chi.NewRouter()
	s := &Server{store: store, log: log, maxUpload: maxUpload, router: r}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(2 * time.Minute))

	r.Get("/api/v1/health", s.health)
	r.Route("/api/v1/users", func(r chi.Router) {
		r.Get("/", s.listUsers)
		r.Post("/", s.enrollUser)
		r.Get("/{username}/image", s.userImage)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // detection on large uploads is slow
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.log.Info(context.Background(), "starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down web server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
	})
}
