// Package api serves the HTTPS control API for stream sessions: starting
// and closing streams, driving playback, and reading buffered media and
// captions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zsiec/livefeed/internal/captions"
	"github.com/zsiec/livefeed/internal/certs"
	"github.com/zsiec/livefeed/internal/fmp4"
	"github.com/zsiec/livefeed/internal/stream"
)

// Controller is the stream manager surface the API drives.
type Controller interface {
	InitStream(req stream.Request) (stream.Info, error)
	CloseStream(id string) error
	Info(id string) (stream.Info, error)
	List() []stream.Info
	Seek(id string, t float64) error
	Pause(id string) error
	Resume(id string) error
	Snapshot(id string) ([]byte, error)
	Captions(id string) ([]captions.Line, error)
}

// RequestRecorder observes completed HTTP requests.
type RequestRecorder interface {
	RecordHTTPRequest(method, route string, status int, d time.Duration)
}

// maxBodySize bounds JSON request bodies.
const maxBodySize = 64 << 10

// ServerConfig holds the configuration for the API Server.
type ServerConfig struct {
	Addr       string
	Cert       *certs.CertInfo
	Controller Controller
	// Recorder, if set, is told about every request.
	Recorder RequestRecorder
	Log      *slog.Logger
}

// Server is the HTTPS control API.
type Server struct {
	config ServerConfig
	log    *slog.Logger
}

// NewServer creates a Server. It returns an error if required fields are
// missing.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Controller == nil {
		return nil, errors.New("api: Controller is required")
	}
	if config.Log == nil {
		config.Log = slog.Default()
	}
	return &Server{
		config: config,
		log:    config.Log.With("component", "api"),
	}, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/streams", s.handleInitStream)
	mux.HandleFunc("OPTIONS /api/streams", s.handleOptions)
	mux.HandleFunc("GET /api/streams/{id}", s.handleGetStream)
	mux.HandleFunc("DELETE /api/streams/{id}", s.handleCloseStream)
	mux.HandleFunc("OPTIONS /api/streams/{id}", s.handleOptions)
	mux.HandleFunc("POST /api/streams/{id}/seek", s.handleSeek)
	mux.HandleFunc("POST /api/streams/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/streams/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /api/streams/{id}/window.mp4", s.handleWindow)
	mux.HandleFunc("GET /api/streams/{id}/captions", s.handleCaptions)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
}

// Handler returns the API's http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(s.recordMiddleware(mux))
}

// Start serves HTTPS until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		TLSConfig:         s.config.Cert.TLSConfig(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown", "error", err)
		}
	})
	defer stop()

	s.log.Info("HTTPS API server listening", "addr", s.config.Addr)
	err := srv.ListenAndServeTLS("", "")
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("API server: %w", err)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) recordMiddleware(next *http.ServeMux) http.Handler {
	if s.config.Recorder == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		// The mux records the matched pattern on r.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.config.Recorder.RecordHTTPRequest(r.Method, route, sw.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeStreamError maps manager errors to HTTP statuses.
func writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrStreamNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, stream.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, stream.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, fmp4.ErrNoInit):
		writeError(w, http.StatusConflict, "no media buffered yet")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	resp := s.config.Controller.List()
	if resp == nil {
		resp = make([]stream.Info, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

// SECURITY: stream initialisation dials arbitrary addresses. Expose the API
// to operators and internal networks only.
func (s *Server) handleInitStream(w http.ResponseWriter, r *http.Request) {
	var req stream.Request
	if !decodeBody(w, r, &req) {
		return
	}
	info, err := s.config.Controller.InitStream(req)
	if err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	info, err := s.config.Controller.Info(r.PathValue("id"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCloseStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Controller.CloseStream(id); err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed", "id": id})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Time *float64 `json:"time"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Time == nil || *req.Time < 0 {
		writeError(w, http.StatusBadRequest, "time must be a non-negative number of seconds")
		return
	}
	id := r.PathValue("id")
	if err := s.config.Controller.Seek(id, *req.Time); err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "seeking", "id": id, "time": *req.Time})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Controller.Pause(id); err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused", "id": id})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Controller.Resume(id); err != nil {
		writeStreamError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "playing", "id": id})
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	data, err := s.config.Controller.Snapshot(r.PathValue("id"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.log.Debug("write window", "error", err)
	}
}

func (s *Server) handleCaptions(w http.ResponseWriter, r *http.Request) {
	lines, err := s.config.Controller.Captions(r.PathValue("id"))
	if err != nil {
		writeStreamError(w, err)
		return
	}
	if lines == nil {
		lines = make([]captions.Line, 0)
	}
	writeJSON(w, http.StatusOK, lines)
}

type certHashResponse struct {
	Hash     string    `json:"hash"`
	Addr     string    `json:"addr"`
	NotAfter time.Time `json:"notAfter"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:     s.config.Cert.FingerprintBase64(),
		Addr:     s.config.Addr,
		NotAfter: s.config.Cert.NotAfter,
	})
}
