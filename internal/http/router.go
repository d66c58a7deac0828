// Package httpx exposes the operator API of the release daemon.
package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericreilly999/inventory-release/internal/domain"
	"github.com/ericreilly999/inventory-release/internal/environment"
	"github.com/ericreilly999/inventory-release/internal/migration"
	"github.com/ericreilly999/inventory-release/internal/pipeline"
	"github.com/ericreilly999/inventory-release/internal/ws"
)

const healthCheckTimeout = 2 * time.Second

// Releases is the pipeline surface used by handlers.
type Releases interface {
	Start(ctx context.Context, envName, ver, triggeredBy string) (domain.Release, error)
	Rollback(ctx context.Context, envName, ver, triggeredBy string) (domain.Release, error)
	Cancel(ctx context.Context, releaseID string) error
	Seed(ctx context.Context, releaseID, triggeredBy string) (migration.SeedRun, error)
	Report(ctx context.Context, releaseID string) (pipeline.Report, error)
	ReportByVersion(ctx context.Context, envName, ver string) (pipeline.Report, error)
	History(ctx context.Context, envName string, limit int) ([]domain.Release, error)
}

// Catalogue lists environments and services.
type Catalogue interface {
	Environments() []environment.Environment
	Services() []environment.Service
}

// Streams registers websocket subscribers.
type Streams interface {
	Register(environment string, client ws.Subscriber)
	Unregister(environment string, client ws.Subscriber)
}

// Options configures the router.
type Options struct {
	JWTSecret     string
	WebhookSecret string
	// WebhookEnvironment is the only environment tag events may release to.
	WebhookEnvironment string
	HistoryLimit       int
	DBHealth           func(context.Context) error
	Registerer         prometheus.Registerer
	Gatherer           prometheus.Gatherer
}

// Router wires HTTP endpoints to the pipeline.
type Router struct {
	mux       *mux.Router
	logger    *slog.Logger
	releases  Releases
	catalogue Catalogue
	streams   Streams
	opts      Options
	upgrader  websocket.Upgrader

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	triggers           *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, releases Releases, catalogue Catalogue, streams Streams, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 50
	}
	if opts.WebhookEnvironment == "" {
		opts.WebhookEnvironment = string(environment.Staging)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		mux:       mux.NewRouter(),
		logger:    logger.With("component", "http"),
		releases:  releases,
		catalogue: catalogue,
		streams:   streams,
		opts:      opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) })
	r.mux.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { r.methodNotAllowed(w) })

	r.mux.Handle("/metrics", promhttp.HandlerFor(r.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.route("/healthz", r.handleHealthz, http.MethodGet)
	r.route("/webhooks/tag", r.handleTagWebhook, http.MethodPost)

	r.route("/environments", r.requireAuth(r.handleEnvironments), http.MethodGet)
	r.route("/environments/{env}/releases", r.requireEnv(r.handleStartRelease), http.MethodPost)
	r.route("/environments/{env}/releases", r.requireEnv(r.handleHistory), http.MethodGet)
	r.route("/environments/{env}/releases/{version}", r.requireEnv(r.handleReleaseByVersion), http.MethodGet)
	r.route("/environments/{env}/rollbacks", r.requireEnv(r.handleRollback), http.MethodPost)
	r.route("/releases/{id}", r.requireAuth(r.handleRelease), http.MethodGet)
	r.route("/releases/{id}/cancel", r.requireAuth(r.handleCancel), http.MethodPost)
	r.route("/releases/{id}/seed", r.requireAuth(r.handleSeed), http.MethodPost)
	r.route("/ws/releases", r.requireAuth(r.handleReleasesWS), http.MethodGet)
}

func (r *Router) route(path string, h http.HandlerFunc, methods ...string) {
	r.mux.HandleFunc(path, r.audit(path, h)).Methods(methods...)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.opts.DBHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.opts.DBHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		duration := time.Since(start)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		r.recordRequestMetrics(req.Method, route, status, duration)
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		actor := "anonymous"
		if claims, ok := claimsFromContext(ctx); ok {
			actor = claims.Operator
		} else if strings.HasPrefix(req.URL.Path, "/webhooks/") {
			actor = "webhook"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		if ip := strings.TrimSpace(strings.Split(forwarded, ",")[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
