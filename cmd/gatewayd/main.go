// Command gatewayd wires the Routing & Failover Engine into an HTTP
// process: config hot-reload, health persistence, the trace bus, the
// orchestrator, and the inbound chat-completions/models/metrics
// surface. Everything outside this surface (gateway-key auth, admin
// UI, log-retention sweeper) is an external collaborator the process
// does not implement.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymux/gateway/internal/classifier"
	"github.com/relaymux/gateway/internal/config"
	"github.com/relaymux/gateway/internal/health"
	"github.com/relaymux/gateway/internal/observability"
	"github.com/relaymux/gateway/internal/orchestrator"
	"github.com/relaymux/gateway/internal/trace"
	"github.com/relaymux/gateway/internal/upstream"
	llmerrors "github.com/relaymux/gateway/pkg/errors"
	"github.com/relaymux/gateway/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration snapshot")
	flag.Parse()

	logger := newLogger()

	mgr, err := config.NewManager(*configPath, logger.Slog())
	if err != nil {
		logger.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		logger.Warn("configuration hot-reload disabled", "error", err)
	}

	cfg := mgr.Get()
	healthStore := health.NewStore(cfg.StatsFile, cfg.Health.DecayRate, logger.Slog())
	mgr.OnChange(func(next *config.Config) {
		healthStore.Reconcile(allConfiguredModels(next))
	})

	bus := trace.NewBus()
	httpClient := newHTTPClient()
	caller := upstream.New(httpClient)
	cl := classifier.New(httpClient)
	persistor := orchestrator.NoopPersistor{}
	orch := orchestrator.New(cl, healthStore, caller, bus, persistor)

	srv := &server{mgr: mgr, health: healthStore, bus: bus, orch: orch, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", srv.handleChatCompletions)
	mux.HandleFunc("/v1/models", srv.handleModels)
	mux.HandleFunc("/v1/trace/stream", srv.handleTraceStream)
	mux.HandleFunc("/healthz", srv.handleHealthz)

	handler := observability.RequestIDMiddleware(mux)

	apiAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	apiServer := &http.Server{
		Addr:              apiAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsAddr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
	metricsServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "addr", apiAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server stopped", "error", err)
		}
	}()
	if cfg.Metrics.Enabled {
		go func() {
			logger.Info("metrics listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	_ = mgr.Close()
}

func newLogger() *observability.Logger {
	return observability.NewLogger(observability.LoggerConfig{
		Level:      slog.LevelInfo,
		JSONFormat: true,
	}, observability.NewRedactor())
}

// newHTTPClient builds the one process-wide pool used for every
// upstream and router-model call. It has no blanket client timeout:
// the per-attempt generation budget is a context deadline, and the TTFT
// budget is a ResponseHeaderTimeout on a clone of this transport.
func newHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func allConfiguredModels(cfg *config.Config) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, tier := range [][]string{cfg.Models.T1, cfg.Models.T2, cfg.Models.T3} {
		for _, m := range tier {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

type server struct {
	mgr    *config.Manager
	health *health.Store
	bus    *trace.Bus
	orch   *orchestrator.Orchestrator
	logger *observability.Logger
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, llmerrors.NewInvalidRequestError("", "", "malformed request body: "+err.Error()))
		return
	}

	traceID := uuid.NewString()
	resp, err := s.orch.Handle(r.Context(), s.mgr.Get(), &req, traceID)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Trace-ID", traceID)
	_ = json.NewEncoder(w).Encode(resp)
}

// modelListEntry mirrors spec §6's `/v1/models` shape.
type modelListEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	cfg := s.mgr.Get()
	now := time.Now().Unix()
	data := make([]modelListEntry, 0, len(cfg.Models.T1)+len(cfg.Models.T2)+len(cfg.Models.T3))
	seen := map[string]struct{}{}
	for _, tier := range [][]string{cfg.Models.T1, cfg.Models.T2, cfg.Models.T3} {
		for _, m := range tier {
			if m == "" {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			data = append(data, modelListEntry{ID: m, Object: "model", Created: now, OwnedBy: "gateway"})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// handleTraceStream exposes the live TraceBus as a connected
// subscriber over SSE: replay of the last 1 000 lines followed by
// every new line until the client disconnects.
func (s *server) handleTraceStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	sub := s.bus.Subscribe(256)
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"config":       s.mgr.Status(),
		"model_health": s.health.AllStats(),
	})
}

func writeError(w http.ResponseWriter, err error) {
	llmErr, ok := err.(*llmerrors.LLMError)
	if !ok {
		llmErr = llmerrors.NewInternalError("", "", err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(llmErr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": llmErr.Message,
			"type":    llmErr.Type,
			"code":    llmErr.StatusCode,
		},
	})
}
