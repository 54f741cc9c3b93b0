// Command orchestrator runs the orchestrator core service: it opens every
// adapter port (bus, kv, store, definition cache), wires the domain
// components (C5-C12) around them, starts the scheduler and the dispatcher's
// persistent result subscription, serves /health and /v1/aggregator/snapshot
// (a /metrics route is mounted only if InitMetrics returns an http.Handler,
// which its OTLP push setup never does), and drains everything in reverse order on SIGINT/SIGTERM. External-facing
// surfaces (HTTP/gRPC APIs for submitting workflows) are out of scope per
// the spec — this binary is the orchestrator core process only.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/orchestrator-core/internal/aggregator"
	"github.com/swarmguard/orchestrator-core/internal/bus"
	"github.com/swarmguard/orchestrator-core/internal/cache"
	"github.com/swarmguard/orchestrator-core/internal/config"
	"github.com/swarmguard/orchestrator-core/internal/definitions"
	"github.com/swarmguard/orchestrator-core/internal/dispatch"
	"github.com/swarmguard/orchestrator-core/internal/envelope"
	"github.com/swarmguard/orchestrator-core/internal/fsm"
	"github.com/swarmguard/orchestrator-core/internal/jobexec"
	"github.com/swarmguard/orchestrator-core/internal/kv"
	"github.com/swarmguard/orchestrator-core/internal/pipeline"
	"github.com/swarmguard/orchestrator-core/internal/resilience"
	"github.com/swarmguard/orchestrator-core/internal/scheduler"
	"github.com/swarmguard/orchestrator-core/internal/store"
	"github.com/swarmguard/orchestrator-core/internal/telemetry"
	"github.com/swarmguard/orchestrator-core/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := telemetry.InitLogging(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := telemetry.InitTracer(ctx, cfg.ServiceName)
	shutdownMetrics, promHandler, _ := telemetry.InitMetrics(ctx, cfg.ServiceName)
	meter := otel.GetMeterProvider().Meter("orchestrator-core")

	defCache, err := cache.Open(cfg.DefinitionCachePath, meter)
	if err != nil {
		logger.Error("open definition cache failed", "error", err)
		return
	}

	st, err := store.Open(ctx, cfg.DatabaseURL, meter)
	if err != nil {
		logger.Error("open store failed", "error", err)
		return
	}

	kvPort, err := kv.NewRedisPort(cfg.RedisAddr, cfg.RedisDB, meter)
	if err != nil {
		logger.Error("open kv port failed", "error", err)
		return
	}

	natsBus, err := bus.Dial(cfg.NATSURL, meter)
	if err != nil {
		logger.Error("open bus failed", "error", err)
		return
	}

	defsEngine := definitions.NewEngine(defCache)
	fsmReg := fsm.NewRegistry(defsEngine, meter)
	envBuilder := envelope.NewBuilder()
	dispatchLimiter := resilience.NewHybridRateLimiter(64, 200, 256, 5*time.Millisecond)
	dispatcher := dispatch.NewDispatcher(natsBus, meter, dispatch.WithRateLimiter(dispatchLimiter))

	wfService := workflow.NewService(
		st.Workflows(), kvPort, natsBus, dispatcher, fsmReg, defsEngine, envBuilder,
		cfg.LockTTL, cfg.DedupTTL, meter,
	)

	if err := dispatcher.Subscribe(ctx, wfService.HandleResult); err != nil {
		logger.Error("subscribe to results failed", "error", err)
		return
	}

	jobExecutor := jobexec.NewExecutor(st.Jobs(), natsBus, dispatcher, wfService, meter)
	sched := scheduler.NewScheduler(st.Jobs(), st.EventHandlers(), natsBus, jobExecutor, meter)

	agg := aggregator.NewAggregator(natsBus, kvPort, meter)

	pipelineRegistry := pipeline.NewActionRegistry()
	registerBuiltinActions(pipelineRegistry)
	pipelineExec := pipeline.NewExecutor(st.Pipelines(), pipelineRegistry, meter)
	jobExecutor.RegisterFunction("run_pipeline", runPipelineFunction(pipelineExec))
	if err := pipelineExec.ResumeAll(ctx); err != nil {
		logger.Warn("resume paused pipelines failed", "error", err)
	}

	if err := jobExecutor.Start(ctx); err != nil {
		logger.Error("start job executor failed", "error", err)
		return
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error("start scheduler failed", "error", err)
		return
	}
	if err := agg.Start(ctx); err != nil {
		logger.Error("start aggregator failed", "error", err)
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/aggregator/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agg.Snapshot())
	})
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	logger.Info("orchestrator-core started", "http_addr", cfg.HTTPAddr)
	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = sched.Stop(shutdownCtx)
	if err := dispatcher.Disconnect(); err != nil {
		logger.Warn("dispatcher disconnect failed", "error", err)
	}
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	if err := kvPort.Close(); err != nil {
		logger.Warn("kv close failed", "error", err)
	}
	st.Close()
	if err := defCache.Close(); err != nil {
		logger.Warn("definition cache close failed", "error", err)
	}
	logger.Info("shutdown complete")
}
