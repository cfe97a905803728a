// Package server serves the backup agent over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/d4rkfella/s3-backup-agent/internal/agent"
	"github.com/d4rkfella/s3-backup-agent/internal/backup"
	"github.com/d4rkfella/s3-backup-agent/internal/metrics"
	"github.com/d4rkfella/s3-backup-agent/internal/util"
)

// MetadataHeader carries the JSON backup record of an uploaded archive.
const MetadataHeader = "X-Backup-Metadata"

const shutdownTimeout = 10 * time.Second

// Maintenance is implemented by *backup.Store.
type Maintenance interface {
	ValidateAccess(ctx context.Context) error
	FindOrphans(ctx context.Context) (backup.OrphanReport, error)
}

// Options configures a Server.
type Options struct {
	Addr string
	// APIToken enables bearer authentication on /api/v1 when set.
	APIToken string
	// SecureDelete overwrites downloaded archives before they are removed.
	SecureDelete bool
}

// Server exposes a BackupAgent under /api/v1.
type Server struct {
	agent        agent.BackupAgent
	maintenance  Maintenance
	addr         string
	apiToken     string
	secureDelete bool
	router       *mux.Router
}

// New creates a Server.
func New(a agent.BackupAgent, m Maintenance, opts Options) *Server {
	s := &Server{
		agent:        a,
		maintenance:  m,
		addr:         opts.Addr,
		apiToken:     opts.APIToken,
		secureDelete: opts.SecureDelete,
	}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Str("component", "server").Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("component", "server").Msg("Error shutting down HTTP server")
		}
	}()

	log.Info().Str("component", "server").Str("addr", s.addr).Bool("auth", s.apiToken != "").Msg("Starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	if s.apiToken != "" {
		v1.Use(s.authMiddleware)
	}
	v1.HandleFunc("/backups", s.handleListBackups).Methods(http.MethodGet)
	v1.HandleFunc("/backups", s.handleUploadBackup).Methods(http.MethodPost)
	v1.HandleFunc("/backups/{id}", s.handleGetBackup).Methods(http.MethodGet)
	v1.HandleFunc("/backups/{id}", s.handleDeleteBackup).Methods(http.MethodDelete)
	v1.HandleFunc("/backups/{id}/download", s.handleDownloadBackup).Methods(http.MethodGet)
	v1.HandleFunc("/orphans", s.handleOrphans).Methods(http.MethodGet)
	v1.HandleFunc("/agent", s.handleAgentInfo).Methods(http.MethodGet)

	return router
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.maintenance.ValidateAccess(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgentInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]string{"domain": agent.Domain}
	if named, ok := s.agent.(interface {
		Name() string
		UniqueID() string
	}); ok {
		info["name"] = named.Name()
		info["unique_id"] = named.UniqueID()
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.agent.ListBackups(r.Context())
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.agent.GetBackup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUploadBackup(w http.ResponseWriter, r *http.Request) {
	raw := r.Header.Get(MetadataHeader)
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, MetadataHeader+" header is required")
		return
	}
	b, err := backup.ParseAgentBackup([]byte(raw))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid backup metadata: %v", err))
		return
	}
	if _, err := b.Time(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid backup metadata: %v", err))
		return
	}
	if err := backup.ValidateID(b.BackupID); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid backup metadata: %v", err))
		return
	}

	opened := false
	open := func(ctx context.Context) (io.ReadCloser, error) {
		if opened {
			return nil, errors.New("request body already consumed")
		}
		opened = true
		return r.Body, nil
	}
	if err := s.agent.UploadBackup(r.Context(), open, b); err != nil {
		s.writeAgentError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	path, err := s.agent.DownloadBackup(r.Context(), id)
	if err != nil {
		s.writeAgentError(w, err)
		return
	}
	defer backup.RemoveDownload(path, s.secureDelete)

	f, err := os.Open(path)
	if err != nil {
		log.Error().Err(err).Str("component", "server").Str("path", util.SanitizePath(path)).Msg("Failed to open downloaded archive")
		s.writeError(w, http.StatusInternalServerError, "Failed to open downloaded archive")
		return
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to stat downloaded archive")
		return
	}

	name := backup.DownloadedFilename(path)
	w.Header().Set("Content-Type", "application/x-tar")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	if err != nil {
		log.Warn().Err(err).Str("component", "server").Str("backup_id", id).Int64("bytes_sent", n).Msg("Archive download interrupted")
		return
	}
	log.Debug().Str("component", "server").Str("backup_id", id).Str("size", humanize.IBytes(uint64(n))).Msg("Archive sent")
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.DeleteBackup(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeAgentError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	report, err := s.maintenance.FindOrphans(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		log.Debug().
			Str("component", "server").
			Str("method", r.Method).
			Str("route", route).
			Str("remote", r.RemoteAddr).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiToken)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

// statusFor maps agent and storage errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrBackupNotFound), errors.Is(err, backup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeAgentError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status != http.StatusNotFound {
		log.Error().Err(err).Str("component", "server").Msg("Backup agent operation failed")
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("Error encoding JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
