// Package gateway serves the agent over HTTP: A2A JSON-RPC on POST / with SSE
// streaming, the same methods over a WebSocket, the agent card, and a small
// REST API for schedules and contexts.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
	"github.com/brycewcole/capsule-agents-sub000/internal/bus"
	"github.com/brycewcole/capsule-agents-sub000/internal/config"
	"github.com/brycewcole/capsule-agents-sub000/internal/cron"
	"github.com/brycewcole/capsule-agents-sub000/internal/engine"
	otelPkg "github.com/brycewcole/capsule-agents-sub000/internal/otel"
	"github.com/brycewcole/capsule-agents-sub000/internal/persistence"
	"github.com/brycewcole/capsule-agents-sub000/internal/shared"
	"github.com/brycewcole/capsule-agents-sub000/internal/tools"
)

// Agent is the turn surface the gateway drives.
type Agent interface {
	SendMessageStream(ctx context.Context, req engine.SendRequest) (<-chan engine.Event, error)
	GetTask(ctx context.Context, id string, historyLength *int) (*a2a.Task, error)
	CancelTask(ctx context.Context, id string) (*a2a.Task, error)
}

// Schedules is the schedule admin surface.
type Schedules interface {
	Create(ctx context.Context, sc persistence.Schedule) (persistence.Schedule, error)
	Update(ctx context.Context, sc persistence.Schedule) (persistence.Schedule, error)
	Delete(ctx context.Context, id string) error
	Toggle(ctx context.Context, id string, enabled bool) (persistence.Schedule, error)
	Execute(ctx context.Context, id string) (engine.Result, error)
}

var _ Schedules = (*cron.Scheduler)(nil)

// TaskLister lists the tasks of a context.
type TaskLister interface {
	ListTasks(ctx context.Context, contextID string) ([]a2a.Task, error)
}

type Config struct {
	Agent     Agent
	Store     *persistence.Store
	Schedules Schedules
	Tasks     TaskLister
	Bus       *bus.Bus

	Card config.AgentConfig
	// Model is the configured model name; saved overrides take precedence.
	Model     string
	Tools     []string
	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig
	// AllowOrigins is the CORS allow-list; empty allows any origin.
	AllowOrigins []string
	// MaxBodyBytes caps request bodies; zero means defaultMaxBody.
	MaxBodyBytes int64

	// ConfigFingerprint is the hash of the active config, reported by /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	// Snapshot backs GET /api/metrics; nil serves an empty object.
	Snapshot func(context.Context) (map[string]float64, error)
}

const defaultMaxBody = 10 << 20

type Server struct {
	cfg        Config
	logger     *slog.Logger
	tracer     trace.Tracer
	auth       *AuthMiddleware
	limiter    *RateLimitMiddleware
	sendSchema *jsonschema.Schema
	startedAt  time.Time
}

// New builds a Server. It fails only if the embedded params schema does not compile.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	schema, err := compileSendSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		tracer:     tracer,
		auth:       NewAuthMiddleware(cfg.Auth),
		limiter:    NewRateLimitMiddleware(cfg.RateLimit),
		sendSchema: schema,
		startedAt:  time.Now(),
	}, nil
}

// StartEviction drops idle rate-limit buckets until ctx ends.
func (s *Server) StartEviction(ctx context.Context) {
	if s.cfg.RateLimit.Enabled {
		s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestContext)
	r.Use(NewCORS(s.cfg.AllowOrigins).Wrap)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/.well-known/agent.json", s.handleAgentCard)
	r.Get("/.well-known/agent-card.json", s.handleAgentCard)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Wrap)
		r.Use(s.auth.Wrap)
		r.Use(middleware.RequestSize(s.cfg.MaxBodyBytes))

		r.Post("/", s.handleJSONRPC)
		r.Get("/ws", s.handleWS)

		r.Route("/api", func(r chi.Router) {
			r.Get("/schedules", s.handleListSchedules)
			r.Post("/schedules", s.handleCreateSchedule)
			r.Get("/schedules/{id}", s.handleGetSchedule)
			r.Put("/schedules/{id}", s.handleUpdateSchedule)
			r.Delete("/schedules/{id}", s.handleDeleteSchedule)
			r.Post("/schedules/{id}/toggle", s.handleToggleSchedule)
			r.Post("/schedules/{id}/run", s.handleRunSchedule)

			r.Get("/contexts", s.handleListContexts)
			r.Post("/contexts", s.handleCreateContext)
			r.Get("/contexts/{id}", s.handleGetContext)
			r.Put("/contexts/{id}/metadata", s.handleUpdateContextMetadata)
			r.Delete("/contexts/{id}", s.handleDeleteContext)
			r.Get("/contexts/{id}/tasks", s.handleContextTasks)

			r.Get("/agent", s.handleGetAgent)
			r.Put("/agent", s.handleUpdateAgent)

			r.Get("/metrics", s.handleMetrics)
		})
	})
	return r
}

// requestContext carries trace id and agent hop headers into the request
// context and records request duration.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := strings.TrimSpace(r.Header.Get(shared.HeaderTraceID))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		if hop, err := strconv.Atoi(r.Header.Get(tools.HeaderAgentHop)); err == nil && hop > 0 {
			ctx = shared.WithAgentHop(ctx, hop)
		}
		w.Header().Set(shared.HeaderTraceID, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otelPkg.AttrRPCMethod.String(r.Method+" "+routePattern(r))))
		}
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListContexts(r.Context(), 1); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"config_hash":    s.cfg.ConfigFingerprint,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
