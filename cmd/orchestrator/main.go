package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MichaelAyles/AgentTool-sub003/internal/app/migrate"
	httpx "github.com/MichaelAyles/AgentTool-sub003/internal/http"
	"github.com/MichaelAyles/AgentTool-sub003/internal/metrics"
	"github.com/MichaelAyles/AgentTool-sub003/internal/ratelimit"
	"github.com/MichaelAyles/AgentTool-sub003/internal/repository/postgres"
	sandboxpkg "github.com/MichaelAyles/AgentTool-sub003/internal/sandbox"
	"github.com/MichaelAyles/AgentTool-sub003/internal/sandbox/docker"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/isolation"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/lifecycle"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/orchestrator"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/process"
	"github.com/MichaelAyles/AgentTool-sub003/internal/service/riskmonitor"
	"github.com/MichaelAyles/AgentTool-sub003/internal/ws"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/config"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/logger"
)

func main() {
	cfg := config.LoadOrchestratorConfig()
	log := logger.New("orchestrator", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool, cfg.EnvSealKey)
	reg := metrics.New()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker daemon unreachable", "error", err)
		os.Exit(1)
	}

	engine := isolation.New(dockerClient, repo, reg, log)

	machine := process.NewMachine(log, nil)
	janitor := lifecycle.NewJanitor(machine, engine, log)
	sampler := sandboxpkg.NewUsageSampler(engine)
	manager := lifecycle.New(machine, janitor, nil, sampler, log, cfg)
	manager.SetMetrics(reg)
	machine.Observe(manager.ObserveTransition)

	limiter := ratelimit.NewMemory()
	if addr := strings.TrimSpace(cfg.RiskRedisAddr); addr != "" {
		redisLimiter, err := ratelimit.NewRedis(addr, cfg.RiskRedisPass, cfg.RiskRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	monitor := riskmonitor.New(manager, limiter, repo, repo, reg, log, cfg)
	manager.SetNotifier(monitor)
	engine.SetViolationSink(monitor)

	hub := ws.NewHub()
	defer hub.Close()
	monitor.SetSink(hub)

	orch := orchestrator.New(engine, repo, repo, reg, log, cfg)

	go manager.Run(ctx)
	go engine.Run(ctx, cfg.ContainerMonitorInterval)
	go orch.Run(ctx)
	go monitor.Run(ctx)

	router := httpx.NewRouter(log, manager, orch, engine, monitor, repo, repo, hub, limiter, reg, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("orchestrator server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("orchestrator server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
