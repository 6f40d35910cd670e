// Package server exposes the monitor over a local HTTP API
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/mrcode/nightscout-monitor/internal/app"
	"github.com/mrcode/nightscout-monitor/internal/icon"
	"github.com/mrcode/nightscout-monitor/internal/models"
	"github.com/mrcode/nightscout-monitor/internal/nightscout"
	"github.com/mrcode/nightscout-monitor/internal/scheduler"
)

const maxBodyBytes = 64 << 10

// Monitor is the application surface served over HTTP
type Monitor interface {
	ViewModel() app.ViewModel
	SetConfiguration(ctx context.Context, conn models.Connection) error
	ResetConfiguration(ctx context.Context) error
	SetTimeRange(ctx context.Context, hours int) error
	RefreshNow(ctx context.Context) error
	TestConnection(ctx context.Context, conn models.Connection) (*models.ServerStatus, error)
}

// Config holds listener settings
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type Server struct {
	monitor  Monitor
	icons    *icon.Renderer
	gatherer prometheus.Gatherer
	logger   logrus.FieldLogger
	config   Config
}

func NewServer(monitor Monitor, icons *icon.Renderer, gatherer prometheus.Gatherer, logger logrus.FieldLogger, config Config) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		monitor:  monitor,
		icons:    icons,
		gatherer: gatherer,
		logger:   logger,
		config:   config,
	}
}

// Routes builds the router
func (srv *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chiMiddleware.Recoverer)
	router.Use(chiMiddleware.StripSlashes)
	router.Use(RequestID)
	router.Use(LogMiddleware(srv.logger))

	router.Get("/livez", srv.LivezHandler)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(srv.gatherer, promhttp.HandlerOpts{}))

	router.Route("/api", func(r chi.Router) {
		r.Get("/status", srv.StatusHandler)
		r.Get("/icon.png", srv.IconHandler(icon.FormatPNG))
		r.Get("/icon.ico", srv.IconHandler(icon.FormatICO))

		// commands with a body must be JSON, so browsers preflight cross-origin calls
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Put("/connection", srv.SetConnectionHandler)
			r.Delete("/connection", srv.ResetConnectionHandler)
			r.Post("/connection/test", srv.TestConnectionHandler)
			r.Put("/range", srv.SetRangeHandler)
			r.Post("/refresh", srv.RefreshHandler)
		})
	})

	return router
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (srv *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              srv.config.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		srv.logger.WithField("addr", srv.config.Addr).Info("HTTP server listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), srv.config.ShutdownTimeout)
	defer cancel()

	srv.logger.Info("Shutting down HTTP server")
	return httpServer.Shutdown(shutdownCtx)
}

func (srv *Server) LivezHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

func (srv *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, r, http.StatusOK, srv.monitor.ViewModel())
}

func (srv *Server) SetConnectionHandler(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if !srv.decode(w, r, &conn) {
		return
	}

	if err := srv.monitor.SetConfiguration(r.Context(), conn); err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, srv.monitor.ViewModel())
}

func (srv *Server) ResetConnectionHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.monitor.ResetConfiguration(r.Context()); err != nil {
		srv.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) TestConnectionHandler(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if !srv.decode(w, r, &conn) {
		return
	}

	status, err := srv.monitor.TestConnection(r.Context(), conn)
	if err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, status)
}

type rangeRequest struct {
	Hours int `json:"hours"`
}

func (srv *Server) SetRangeHandler(w http.ResponseWriter, r *http.Request) {
	var req rangeRequest
	if !srv.decode(w, r, &req) {
		return
	}

	if err := srv.monitor.SetTimeRange(r.Context(), req.Hours); err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusOK, req)
}

func (srv *Server) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	if err := srv.monitor.RefreshNow(r.Context()); err != nil {
		srv.writeError(w, r, err)
		return
	}
	srv.writeJSON(w, r, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (srv *Server) IconHandler(format string) http.HandlerFunc {
	contentType := "image/png"
	if format == icon.FormatICO {
		contentType = "image/x-icon"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		vm := srv.monitor.ViewModel()
		badge := icon.Badge{
			Text:  vm.ValueText,
			Level: vm.Level,
			Trend: vm.Trend,
			Stale: vm.Stale,
		}

		var (
			data []byte
			err  error
		)
		if format == icon.FormatICO {
			data, err = srv.icons.ICO(badge)
		} else {
			data, err = srv.icons.PNG(badge)
		}
		if err != nil {
			srv.writeError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(data)
	}
}

func (srv *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		srv.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return false
	}
	return true
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (srv *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *models.ValidationError
		httpErr       *nightscout.HTTPError
		transportErr  *nightscout.TransportError
		decodeErr     *nightscout.DecodeError
	)

	status := http.StatusInternalServerError
	resp := errorResponse{Error: err.Error()}

	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
		resp.Field = validationErr.Field
	case errors.Is(err, app.ErrNotConfigured):
		status = http.StatusConflict
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
	case errors.As(err, &httpErr), errors.As(err, &transportErr), errors.As(err, &decodeErr):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		srv.logger.WithError(err).WithField("request_id", RequestIDFrom(r.Context())).Error("Request error")
	}
	srv.writeJSON(w, r, status, resp)
}

func (srv *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		srv.logger.WithError(err).WithField("path", r.URL.Path).Error("failed to write response JSON")
	}
}
