// Package main runs the AgentDock gateway: the control-plane process that
// owns the REST and WebSocket API, the worker containers, the cron task
// scheduler, the messaging-platform bridge and the embedded MCP tool
// server that in-container agents call back into.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdock/agentdock/internal/bus"
	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/common/tracing"
	"github.com/agentdock/agentdock/internal/container"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/events"
	eventbus "github.com/agentdock/agentdock/internal/events/bus"
	gatewayhttp "github.com/agentdock/agentdock/internal/gateway/http"
	"github.com/agentdock/agentdock/internal/gateway/websocket"
	"github.com/agentdock/agentdock/internal/health"
	"github.com/agentdock/agentdock/internal/mcpserver"
	"github.com/agentdock/agentdock/internal/objectstore"
	"github.com/agentdock/agentdock/internal/platform"
	"github.com/agentdock/agentdock/internal/scheduler"
	sessionservice "github.com/agentdock/agentdock/internal/session/service"
	sessionstore "github.com/agentdock/agentdock/internal/session/store"
	taskservice "github.com/agentdock/agentdock/internal/task/service"
	taskstore "github.com/agentdock/agentdock/internal/task/store"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting AgentDock gateway",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
	)

	// 3. Tracing (no-op until an endpoint is set)
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint != "" {
		tracing.SetEndpoint(cfg.Tracing.Endpoint)
		log.Info("Tracing enabled", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ============================================
	// EVENT BUS (domain events)
	// ============================================
	evts, err := events.Connect(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	if evts.Distributed() {
		log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// ============================================
	// LIVE-STATE BUS (session streams, queues, TTL state)
	// ============================================
	var busClient bus.Client
	if cfg.Redis.URL != "" {
		busClient, err = bus.NewRedisClient(ctx, cfg.Redis.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		log.Info("Connected to Redis")
	} else {
		// Single-node mode: workers must run with the same process to
		// share it, so this is only useful for development and tests.
		busClient = bus.NewMemoryClient(log)
		log.Info("Using in-process live-state bus")
	}
	defer busClient.Close()

	// ============================================
	// DOCKER
	// ============================================
	// Sessions are worker containers; without a daemon the gateway
	// cannot do its job, so this is a hard failure rather than the
	// usual degrade-and-warn.
	containers, err := container.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer containers.Close()
	if err := containers.Ping(ctx); err != nil {
		log.Fatal("Docker daemon not reachable", zap.Error(err))
	}
	log.Info("Connected to Docker daemon", zap.String("host", cfg.Docker.Host))

	// ============================================
	// DATABASE & STORES
	// ============================================
	pool, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err),
			zap.String("driver", cfg.Database.Driver))
	}
	defer pool.Close()
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	sessionStore, err := sessionstore.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	taskStore, err := taskstore.New(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize task store", zap.Error(err))
	}
	interactionStore, err := platform.NewStore(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize interaction store", zap.Error(err))
	}

	// ============================================
	// SESSION SERVICE
	// ============================================
	sessions := sessionservice.New(sessionStore, busClient, containers, evts, cfg, log)
	go sessions.RunMonitor(ctx)
	log.Info("Session service initialized",
		zap.Int("max_spawn_depth", cfg.Session.MaxSpawnDepth),
		zap.Int("max_total_instances", cfg.Session.MaxTotalInstance),
	)

	// ============================================
	// TASKS & SCHEDULER
	// ============================================
	tasks := taskservice.New(taskStore, sessions, busClient, evts, cfg, log)

	sched := scheduler.New(tasks, evts, cfg, log)
	sched.Start()
	if armed, err := sched.ReloadAll(ctx); err != nil {
		log.Error("Failed to arm schedules", zap.Error(err))
	} else {
		log.Info("Task scheduler started", zap.Int("schedules", armed))
	}

	if cfg.Tasks.SeedFile != "" {
		if created, err := tasks.SeedFromFile(ctx, cfg.Tasks.SeedFile); err != nil {
			log.Error("Task seeding failed", zap.Error(err),
				zap.String("file", cfg.Tasks.SeedFile))
		} else if created > 0 {
			log.Info("Seeded task definitions", zap.Int("created", created))
		}
	}

	// ============================================
	// PLATFORM BRIDGE & NOTIFICATIONS
	// ============================================
	var poster platform.Poster
	if cfg.Discord.Enabled {
		poster = platform.NewBotPoster(cfg.Discord, log)
		log.Info("Discord bridge enabled", zap.String("channel", cfg.Discord.Channel))
	}
	bridge := platform.NewService(interactionStore, sessionStore, busClient, poster, evts, log)

	if cfg.Notify.Enabled {
		notifier := platform.NewNotifier(cfg.Notify, log)
		if err := notifier.SubscribeEvents(evts); err != nil {
			log.Error("Failed to subscribe push notifier", zap.Error(err))
		} else {
			log.Info("Push notifications enabled")
		}
	}

	subscribeScheduleAudit(evts, log)

	// ============================================
	// OBJECT STORAGE (snapshots & artifacts)
	// ============================================
	objects, err := objectstore.New(cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize object storage", zap.Error(err))
	}
	if objects.Enabled() {
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Fatal("Failed to prepare storage bucket", zap.Error(err))
		}
		log.Info("Object storage enabled", zap.String("bucket", cfg.Storage.Bucket))
	}

	// ============================================
	// HEALTH
	// ============================================
	agg := health.New()
	agg.Register("bus", busClient.Ping)
	agg.Register("database", func(ctx context.Context) error {
		return pool.Writer().PingContext(ctx)
	})
	agg.Register("docker", containers.Ping)
	agg.Register("nats", evts.HealthProbe())
	if objects.Enabled() {
		agg.Register("storage", objects.Ping)
	} else {
		agg.Register("storage", nil)
	}

	// ============================================
	// HTTP SERVER (REST + WebSocket bridges)
	// ============================================
	tokens := gatewayhttp.NewTokenManager(cfg.Auth)
	streamWS := websocket.NewStreamHandler(sessions, busClient, tokens, log)
	vncWS := websocket.NewVNCHandler(sessions, containers, tokens, log)

	router := gatewayhttp.NewRouter(gatewayhttp.Deps{
		Config:    cfg,
		Logger:    log,
		Tokens:    tokens,
		Sessions:  sessions,
		Tasks:     tasks,
		Scheduler: sched,
		Bridge:    bridge,
		Health:    agg,
		Objects:   objects,
		Stream:    streamWS.Handle,
		VNC:       vncWS.Handle,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Gateway API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// ============================================
	// MCP TOOL SERVER (agents call back in here)
	// ============================================
	var mcpSrv *mcpserver.Server
	if cfg.MCP.Enabled {
		toolset := mcpserver.NewToolset(sessions, bridge, log)
		mcpSrv = mcpserver.New(cfg.MCP.Port, toolset, log)
		if err := mcpSrv.Start(ctx); err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		log.Info("MCP tool server listening", zap.Int("port", mcpSrv.Port()))
	}

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop taking requests first, then wind the services down behind
	// them. Worker containers keep running: sessions survive gateway
	// restarts.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if mcpSrv != nil {
		if err := mcpSrv.Stop(shutdownCtx); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("Scheduler stop error", zap.Error(err))
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Error("Task service shutdown error", zap.Error(err))
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		log.Error("Session service shutdown error", zap.Error(err))
	}
	evts.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Gateway stopped")
}

// subscribeScheduleAudit mirrors every schedule change into the log as a
// structured audit record, alongside the history rows the scheduler
// already persists.
func subscribeScheduleAudit(evts eventbus.EventBus, log *logger.Logger) {
	audit := log.WithFields(zap.String("component", "schedule-audit"))
	_, err := evts.Subscribe(events.ScheduleChanged, func(ctx context.Context, event *eventbus.Event) error {
		audit.Info("Task schedule changed",
			zap.Any("task_id", event.Data["task_id"]),
			zap.Any("task_name", event.Data["task_name"]),
			zap.Any("action", event.Data["action"]),
			zap.Any("triggered_by", event.Data["triggered_by"]),
			zap.Any("schedule_before", event.Data["schedule_before"]),
			zap.Any("schedule_after", event.Data["schedule_after"]),
		)
		return nil
	})
	if err != nil {
		log.Error("Failed to subscribe schedule audit log", zap.Error(err))
	}
}
