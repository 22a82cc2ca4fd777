// Package api serves the operator HTTP surface: health checks, Prometheus
// metrics, the inbound webhook, the ingestion log and a live outcome stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.io/infrasutra/listrelay/internal/auth"
	"github.io/infrasutra/listrelay/internal/inbound"
	"github.io/infrasutra/listrelay/internal/ingest"
	"github.io/infrasutra/listrelay/internal/sse"
	"github.io/infrasutra/listrelay/internal/store"
)

const defaultMaxBodyBytes = 25 << 20

type Pipeline interface {
	Receive(ctx context.Context, email *inbound.Email) (ingest.Outcome, error)
}

type Store interface {
	Ping(ctx context.Context) error
	SiteByHost(ctx context.Context, domain string) (store.Site, error)
	ListIngestions(ctx context.Context, siteID int64, disposition, sort string, offset, limit int32) ([]store.Ingestion, int32, error)
}

type Options struct {
	CORSOrigins  []string
	MaxBodyBytes int64
	Gatherer     prometheus.Gatherer
}

type Server struct {
	store    Store
	pipeline Pipeline
	auth     *auth.Manager
	hub      *sse.Hub
	logger   *slog.Logger
	maxBody  int64
	handler  http.Handler
	now      func() time.Time
}

func NewServer(st Store, pipeline Pipeline, authManager *auth.Manager, hub *sse.Hub, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		store:    st,
		pipeline: pipeline,
		auth:     authManager,
		hub:      hub,
		logger:   logger,
		maxBody:  opts.MaxBodyBytes,
		now:      time.Now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.requireToken)
	api.HandleFunc("/inbound", s.handleInbound).Methods(http.MethodPost)
	api.HandleFunc("/ingestions", s.handleIngestions).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	s.handler = c.Handler(r)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type contextKey string

const subjectKey contextKey = "subject"

// requireToken accepts a bearer token, or an access_token query parameter
// for EventSource clients that cannot set headers.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		} else {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing token")
			return
		}
		subject, err := s.auth.Parse(token, s.now())
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func subjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey).(string)
	return subject
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondText(w, http.StatusOK, "ok")
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		s.respondText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	s.respondText(w, http.StatusOK, "ready")
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) respondText(w http.ResponseWriter, status int, payload string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(payload))
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
