package executor

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/types"
	"github.com/emberhive/hive/pkg/version"
)

const defaultExecuteTimeout = 300 * time.Second

// Config tunes the slave server.
type Config struct {
	Addr  string
	Token string

	// MaxConcurrent bounds simultaneous /execute requests. Default 1;
	// excess requests get 503 with a retry hint.
	MaxConcurrent int

	// UploadRoots is the directory allowlist for /upload targets. Empty
	// means uploads are rejected outright.
	UploadRoots []string
}

// Server is the slave-side HTTP surface.
type Server struct {
	cfg      Config
	ver      *version.Probe
	backends []Backend
	sem      chan struct{}
	http     *http.Server
}

// NewServer wires the endpoint handlers over the given backend tiers,
// ordered most to least preferred.
func NewServer(cfg Config, ver *version.Probe, backends []Backend) *Server {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	s := &Server{
		cfg:      cfg,
		ver:      ver,
		backends: backends,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the route table; exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /execute", s.requireAuth(s.handleExecute))
	mux.HandleFunc("POST /upload", s.requireAuth(s.handleUpload))
	return mux
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	logger := log.WithComponent("executor")
	logger.Info().Str("addr", s.cfg.Addr).Msg("slave server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requireAuth checks the bearer token. Failures return a bare 401; the
// response body never confirms or denies anything about the token.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.cfg.Token == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	methods := make(map[string]bool, len(s.backends))
	for _, b := range s.backends {
		methods[b.Name()] = b.Available()
	}
	writeJSON(w, http.StatusOK, types.HealthReport{
		Status:  "healthy",
		Version: version.Version,
		Commit:  s.ver.Commit(),
		Branch:  s.ver.Branch(),
		Methods: methods,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.VersionReport{
		Commit:  s.ver.Commit(),
		Version: version.Version,
		Branch:  s.ver.Branch(),
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	default:
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "executor busy",
		})
		return
	}

	var req types.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "command is required"})
		return
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultExecuteTimeout
	}

	backend := s.pickBackend()
	if backend == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "no backend available"})
		return
	}

	logger := log.WithComponent("executor")
	logger.Info().Str("method", backend.Name()).Int("timeout_s", int(timeout/time.Second)).Msg("executing command")
	result := backend.Run(r.Context(), req.Command, req.WorkingDir, timeout)
	logger.Info().
		Str("method", result.Method).
		Bool("success", result.Success).
		Int("exit_code", result.ExitCode).
		Msg("command finished")
	writeJSON(w, http.StatusOK, result)
}

// pickBackend walks the tier order and returns the first live backend.
// An unavailable preferred tier degrades silently to the next.
func (s *Server) pickBackend() Backend {
	for _, b := range s.backends {
		if b.Available() {
			return b
		}
	}
	return nil
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req types.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}

	path, err := s.resolveUploadPath(req.Path)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid base64 content"})
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	logger := log.WithComponent("executor")
	logger.Info().Str("path", path).Int("bytes", len(content)).Msg("file uploaded")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"path":    path,
		"bytes":   len(content),
	})
}

// resolveUploadPath cleans the requested path and enforces the root
// allowlist. Relative paths and traversal out of every root are rejected.
func (s *Server) resolveUploadPath(raw string) (string, error) {
	if !filepath.IsAbs(raw) {
		return "", errPathOutsideRoots
	}
	path := filepath.Clean(raw)
	for _, root := range s.cfg.UploadRoots {
		root = filepath.Clean(root)
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			return path, nil
		}
	}
	return "", errPathOutsideRoots
}

var errPathOutsideRoots = errors.New("path outside allowed roots")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("executor")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}
