// Package exporter serves the rendered exposition text over HTTP.
package exporter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mqtt-tools/mqtt-topic-exporter/internal/config"
	"github.com/mqtt-tools/mqtt-topic-exporter/internal/telemetry"
	"github.com/mqtt-tools/mqtt-topic-exporter/pkg/utils"
)

const (
	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Renderer produces one exposition block. Implemented by the metric
// transformers.
type Renderer interface {
	Render() string
}

// Server is the pull side of the bridge: each scrape concatenates the
// renderers' output in registration order.
type Server struct {
	l           *slog.Logger
	server      *http.Server
	metricsPath string
	renderers   []Renderer
}

// NewServer builds the HTTP server for the given exporter configuration.
func NewServer(l *slog.Logger, conf config.Exporter, renderers []Renderer) *Server {
	s := &Server{
		l:           l.With(slog.String("component", "http-server")),
		metricsPath: conf.MetricsPath,
		renderers:   renderers,
	}

	mw := &middleware{l: s.l}

	r := chi.NewRouter()
	r.Use(mw.requestLogger)
	r.Use(mw.recoverer)

	r.Get(conf.MetricsPath, s.handleMetrics)
	r.Get("/", s.handleIndex)
	r.Get("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/-/telemetry", telemetry.Handler())
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Not Found", http.StatusNotFound)
	})

	addr := net.JoinHostPort(conf.BindAddress, strconv.Itoa(conf.Port))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	srv.SetKeepAlivesEnabled(true)

	s.server = srv

	return s
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	for _, r := range s.renderers {
		if _, err := io.WriteString(w, r.Render()); err != nil {
			s.l.Error("failed to write metrics response", utils.ErrAttr(err))

			return
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")

	_, _ = io.WriteString(w, s.metricsPath)
}

// StartOnBackground serves until shutdown; an unexpected listen failure
// cancels the process context.
func (s *Server) StartOnBackground(cancel context.CancelFunc) {
	go func() {
		s.l.Info("starting", slog.String("addr", s.server.Addr))

		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("failed", utils.ErrAttr(err))
			cancel()
		}
	}()
}

// ShutdownWithDefaultTimeout drains in-flight requests.
func (s *Server) ShutdownWithDefaultTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.server.Shutdown(ctx)
}
