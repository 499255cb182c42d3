// Package api serves locations over HTTP and websocket
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/markus-lassfolk/geolocd/pkg"
	"github.com/markus-lassfolk/geolocd/pkg/history"
	"github.com/markus-lassfolk/geolocd/pkg/locate"
	"github.com/markus-lassfolk/geolocd/pkg/logx"
)

// Config holds API server configuration
type Config struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port" validate:"min=1,max=65535"`
	AuthKey  string `json:"auth_key"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`

	// DefaultAccuracy applies when a request names no accuracy
	DefaultAccuracy pkg.AccuracyLevel `json:"default_accuracy"`
	// MaxWait caps the wait query parameter
	MaxWait time.Duration `json:"max_wait"`
}

// Locator is the coordinator surface used by the API
type Locator interface {
	Location(level pkg.AccuracyLevel) (pkg.Location, bool)
	Connect(ctx context.Context, level pkg.AccuracyLevel, opts locate.ClientOptions) (*locate.Client, error)
	Sources(netAvailable bool) []locate.SourceStatus
	AvailableAccuracy(netAvailable bool) pkg.AccuracyLevel
	ClientCount() int
}

// History lists recorded locations
type History interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// LocationResponse is returned by the location endpoint
type LocationResponse struct {
	AccuracyLevel string       `json:"accuracy_level"`
	Location      pkg.Location `json:"location"`
}

// Server provides the HTTP API
type Server struct {
	config  Config
	logger  *logx.Logger
	locator Locator
	history History
	hub     *Hub
	metrics http.Handler
	online  func() bool
	version string
	started time.Time

	server *http.Server
}

// Options wires optional collaborators into the server
type Options struct {
	History History
	Hub     *Hub
	Metrics http.Handler
	Version string

	// Online reports network availability; nil means always online
	Online func() bool
}

// NewServer creates a server. Start must be called to listen.
func NewServer(config Config, locator Locator, opts Options, logger *logx.Logger) *Server {
	if config.Port == 0 {
		config.Port = 8082
	}
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	if config.DefaultAccuracy == pkg.AccuracyNone {
		config.DefaultAccuracy = pkg.AccuracyCity
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 30 * time.Second
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	return &Server{
		config:  config,
		logger:  logger,
		locator: locator,
		history: opts.History,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		online:  opts.Online,
		version: opts.Version,
		started: time.Now(),
	}
}

// Handler returns the API router
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/location", s.handleLocation).Methods(http.MethodGet)
	api.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.authMiddleware(s.metrics)).Methods(http.MethodGet)
	}
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

// Start listens in the background
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("API server is disabled")
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting API server", "address", addr, "tls", s.config.CertFile != "")

	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = s.server.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping API server")
	return s.server.Shutdown(ctx)
}

// authMiddleware requires the auth key, in the auth query parameter or the
// X-API-Key header, when one is configured
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.URL.Query().Get("auth")
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if key != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accuracyParam(r *http.Request) (pkg.AccuracyLevel, error) {
	raw := r.URL.Query().Get("accuracy")
	if raw == "" {
		return s.config.DefaultAccuracy, nil
	}
	level, err := pkg.ParseAccuracyLevel(raw)
	if err != nil {
		return pkg.AccuracyNone, err
	}
	if !locate.ValidTier(level) {
		return pkg.AccuracyNone, fmt.Errorf("%w: %s", locate.ErrUnknownTier, raw)
	}
	return level, nil
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	level, err := s.accuracyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if loc, ok := s.locator.Location(level); ok {
		writeJSON(w, http.StatusOK, LocationResponse{AccuracyLevel: level.String(), Location: loc})
		return
	}

	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a number of seconds")
			return
		}
		wait = time.Duration(secs) * time.Second
		if wait > s.config.MaxWait {
			wait = s.config.MaxWait
		}
	}
	if wait == 0 {
		writeError(w, http.StatusServiceUnavailable, "no location available")
		return
	}

	loc, err := s.waitForLocation(r.Context(), level, wait)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, LocationResponse{AccuracyLevel: level.String(), Location: loc})
}

// waitForLocation runs a temporary session until its first location
func (s *Server) waitForLocation(ctx context.Context, level pkg.AccuracyLevel, wait time.Duration) (pkg.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	client, err := s.locator.Connect(ctx, level, locate.ClientOptions{})
	if err != nil {
		return pkg.Location{}, err
	}
	defer client.Close()

	got := make(chan pkg.Location, 1)
	unsubscribe := client.Subscribe(func(l pkg.Location) {
		select {
		case got <- l:
		default:
		}
	})
	defer unsubscribe()
	if l, ok := client.Location(); ok {
		return l, nil
	}

	select {
	case l := <-got:
		return l, nil
	case <-ctx.Done():
		return pkg.Location{}, errors.New("no location available")
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	online := s.online()
	sources := s.locator.Sources(online)
	if sources == nil {
		sources = []locate.SourceStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"available_accuracy": s.locator.AvailableAccuracy(online).String(),
		"network_available":  online,
		"clients":            s.locator.ClientCount(),
		"sources":            sources,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 10000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
			return
		}
		limit = n
	}
	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to read history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read history")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "streaming is disabled")
		return
	}
	level, err := s.accuracyParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.hub.ServeWS(w, r, level)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"service":        "geolocd",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
