// Package web serves the stored reports, summaries and scheduler status as
// read-only JSON, plus the prometheus endpoint.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dhcgn/dmarc-inbox/runner"
	"github.com/dhcgn/dmarc-inbox/state"
	"github.com/dhcgn/dmarc-inbox/store"
)

const shutdownTimeout = 10 * time.Second

// StatusSource reports the ingestion state. *runner.Scheduler implements it.
type StatusSource interface {
	Status() runner.Status
	Failures() []state.Failure
}

type Options struct {
	Addr     string
	Username string
	Password string
}

type Server struct {
	opts    Options
	store   *store.Store
	status  StatusSource
	metrics http.Handler
	logger  *slog.Logger
	router  chi.Router
}

// NewServer wires the routes. status and metrics may be nil; their endpoints
// then answer 503.
func NewServer(opts Options, st *store.Store, status StatusSource, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		opts:    opts,
		store:   st,
		status:  status,
		metrics: metrics,
		logger:  logger.With("component", "web"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.opts.Username != "" {
			r.Use(middleware.BasicAuth("dmarc-inbox", map[string]string{s.opts.Username: s.opts.Password}))
		}

		r.Route("/api", func(r chi.Router) {
			r.Get("/reports", s.handleListReports)
			r.Get("/reports/{org}/{id}", s.handleGetReport)
			r.Get("/domains", s.handleListDomains)
			r.Get("/domains/{domain}", s.handleGetDomain)
			r.Get("/summary", s.handleSummary)
			r.Get("/status", s.handleStatus)
			r.Get("/failures", s.handleFailures)
		})

		r.Get("/metrics", s.handleMetrics)
	})

	s.router = r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.opts.Addr, "auth", s.opts.Username != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func requestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				level := slog.LevelDebug
				if status >= 500 {
					level = slog.LevelError
				} else if status >= 400 {
					level = slog.LevelWarn
				}
				logger.Log(r.Context(), level, "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", status,
					"duration", time.Since(start),
					"bytes", ww.BytesWritten(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
