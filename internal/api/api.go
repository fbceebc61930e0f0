// Package api exposes tasks, flows and streaming generation over HTTP and
// hosts the websocket endpoint of the notification hub.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/trace"

	"github.com/raphaelgruber/flowhub/internal/flow"
	"github.com/raphaelgruber/flowhub/internal/hub"
	"github.com/raphaelgruber/flowhub/internal/llm"
	"github.com/raphaelgruber/flowhub/internal/metrics"
	"github.com/raphaelgruber/flowhub/internal/periodic"
	"github.com/raphaelgruber/flowhub/internal/store"
	"github.com/raphaelgruber/flowhub/internal/stream"
	"github.com/raphaelgruber/flowhub/internal/task"
)

// Deps are the services the API serves. Nil optional services disable
// their routes' functionality with 503.
type Deps struct {
	Tasks  *task.Manager
	Flows  store.FlowStore
	Engine *flow.Engine
	Bridge *stream.Bridge
	Hub    *hub.Hub

	// Optional.
	Periodic *periodic.Driver
	Board    *periodic.Board
	LLM      func(ctx context.Context, model string) (*llm.Model, error)
	Metrics  *metrics.Collector

	Tokens      Tokens
	ServiceName string
	Logger      *slog.Logger
}

// API holds the HTTP handlers.
type API struct {
	Deps
	tokens Tokens
	logger *slog.Logger

	mu    sync.RWMutex
	kinds map[string]Kind
}

// New creates the API with the builtin task kinds registered.
func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ServiceName == "" {
		d.ServiceName = "flowhub"
	}
	a := &API{
		Deps:   d,
		tokens: d.Tokens,
		logger: d.Logger,
		kinds:  make(map[string]Kind),
	}
	a.registerBuiltinKinds()
	return a
}

// Router returns the HTTP handler.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otelchi.Middleware(a.ServiceName, otelchi.WithChiRoutes(r)))
	r.Use(a.accessLog)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	if a.Metrics != nil {
		r.Handle("/metrics", a.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(a.authenticate)

		r.Get("/ws", a.serveWS)
		r.Get("/api/stats", a.stats)

		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", a.listTasks)
			r.Post("/", a.createTask)
			r.Get("/{id}", a.getTask)
			r.Post("/{id}/cancel", a.cancelTask)
		})

		r.Route("/api/nodes", func(r chi.Router) {
			r.Get("/", a.listNodes)
			r.Post("/", a.createNode)
			r.Post("/generate", a.generateNode)
			r.Post("/test", a.testNode)
			r.Get("/{id}", a.getNode)
			r.Put("/{id}", a.updateNode)
			r.Delete("/{id}", a.deleteNode)
			r.Post("/{name}/install", a.installNode)
		})

		r.Route("/api/flows", func(r chi.Router) {
			r.Get("/", a.listFlows)
			r.Post("/", a.createFlow)
			r.Post("/execute", a.executeGraph)
			r.Get("/{id}", a.getFlow)
			r.Put("/{id}", a.updateFlow)
			r.Delete("/{id}", a.deleteFlow)
			r.Post("/{id}/execute", a.executeFlow)
		})

		r.Post("/api/generate/stream", a.generateStream)

		r.Get("/api/board", a.board)
		r.Route("/api/periodic", func(r chi.Router) {
			r.Get("/", a.periodicSettings)
			r.With(a.requireAdmin).Post("/refresh", a.refreshPeriodic)
			r.With(a.requireAdmin).Post("/{job}/run", a.runPeriodic)
		})
	})
	return r
}

// accessLog logs one line per request. The wrapped writer keeps the
// Flusher and Hijacker of the original for streaming and websockets.
func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			ww.Header().Set("traceparent", "00-"+sc.TraceID().String()+"-"+sc.SpanID().String()+"-01")
		}
		next.ServeHTTP(ww, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		}
		if ww.Status() >= 500 {
			a.logger.Warn("http request", attrs...)
		} else {
			a.logger.Debug("http request", attrs...)
		}
	})
}

func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	a.Hub.ServeWS(w, r, p.UserID, p.Admin)
}

type statsResponse struct {
	Workers     int              `json:"workers"`
	Connections int              `json:"connections"`
	Metrics     metrics.Snapshot `json:"metrics"`
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Workers: a.Tasks.Workers()}
	if a.Hub != nil {
		resp.Connections = a.Hub.Count()
	}
	if a.Metrics != nil {
		resp.Metrics = a.Metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}
