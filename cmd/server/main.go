package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"groupchat/internal/auth"
	"groupchat/internal/config"
	"groupchat/internal/database"
	"groupchat/internal/fanout"
	"groupchat/internal/handlers"
	"groupchat/internal/membership"
	"groupchat/internal/notify"
	"groupchat/internal/presence"
	"groupchat/internal/realtime"
	"groupchat/internal/services"
	"groupchat/internal/suspension"
	"groupchat/internal/typing"
	"groupchat/pkg/logger"

	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Realtime core
	rt := cfg.Realtime
	members := membership.NewIndex(db)
	registry := presence.NewRegistry(rt.AwayTTL)
	engine := fanout.NewEngine(db, members, registry, rt.MaxBodyLength)
	typingCoord := typing.NewCoordinator(members, engine, rt.TypingTTL)

	notifier, closeNotifier := openNotifier(ctx, cfg, db)
	defer closeNotifier()
	ledger := suspension.NewLedger(db, notifier)

	// Initialize services
	authService := auth.NewService(db, cfg)
	roomService := services.NewRoomService(db, members)

	supervisor := realtime.NewSupervisor(authService, ledger, registry, members, engine, typingCoord, realtime.Options{
		SendBuffer:        rt.SendBuffer,
		EvictGrace:        rt.EvictGrace,
		RateLimitBurst:    rt.RateLimitBurst,
		RateLimitInterval: rt.RateLimitInterval,
	})
	ledger.SetEvictor(supervisor)

	if err := ledger.Load(ctx); err != nil {
		logger.Fatal("Failed to load suspensions: %v", err)
	}
	go ledger.Run(ctx, rt.SweepInterval)
	go supervisor.Run(ctx, rt.SweepInterval)

	// Initialize handlers
	router := handlers.Router{
		Auth:  handlers.NewAuthHandlers(authService),
		Rooms: handlers.NewRoomHandlers(roomService, members, registry),
		WebSocket: handlers.NewWebSocketHandlers(authService, ledger, roomService, supervisor, db, handlers.WebSocketOptions{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			TrustProxy:     cfg.Server.TrustProxy,
			MaxMessageSize: rt.MaxMessageSize,
		}),
		Admin:          handlers.NewAdminHandlers(ledger, supervisor, registry, members),
		Resolver:       authService,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	printAPIEndpoints()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	supervisor.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error: %v", err)
	}
	logger.Info("Server stopped")
}

func openDatabase(ctx context.Context, cfg *config.Config) (database.Database, error) {
	if cfg.Database.UseMemory() {
		logger.Warn("Using in-memory store; data is lost on restart")
		return database.NewMemoryDB(), nil
	}

	db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openNotifier(ctx context.Context, cfg *config.Config, users notify.UserLookup) (suspension.Notifier, func()) {
	if !cfg.Redis.Enabled() {
		logger.Info("REDIS_ADDR not set; suspension notices are only logged")
		return notify.NewLogSink(users), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis at %s not reachable yet: %v", cfg.Redis.Addr, err)
	}
	return notify.NewRedisSink(rdb, cfg.Redis.NoticeList, users), func() { rdb.Close() }
}

func printAPIEndpoints() {
	logger.Info("🔗 API endpoints:")
	logger.Info("   POST /login")
	logger.Info("   POST /register")
	logger.Info("   GET  /rooms")
	logger.Info("   POST /rooms")
	logger.Info("   GET  /rooms/{id}/members")
	logger.Info("   GET  /rooms/{id}/active")
	logger.Info("   POST /rooms/{id}/invite")
	logger.Info("   POST /rooms/{id}/join")
	logger.Info("   DELETE /rooms/{id}/leave")
	logger.Info("   DELETE /rooms/{id}")
	logger.Info("🛡️  Staff endpoints:")
	logger.Info("   GET  /admin/suspensions")
	logger.Info("   POST /admin/suspensions")
	logger.Info("   DELETE /admin/suspensions/users/{id}")
	logger.Info("   DELETE /admin/suspensions/addresses/{addr}")
	logger.Info("   POST /admin/users/{id}/evict")
	logger.Info("   GET  /admin/presence")
	logger.Info("   POST /admin/rooms/{id}/invalidate")
}
