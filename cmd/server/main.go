package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"snippet-sync/internal/auth"
	"snippet-sync/internal/broadcast"
	"snippet-sync/internal/config"
	"snippet-sync/internal/database"
	"snippet-sync/internal/handlers"
	"snippet-sync/internal/jobs"
	"snippet-sync/internal/services"
	"snippet-sync/internal/state"
	"snippet-sync/internal/websocket"
	"snippet-sync/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

// instanceTTL is how long a process may miss heartbeats before other
// processes prune its members.
const instanceTTL = 30 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.NewPostgresDB(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database: %v", err)
	}
	defer db.Close()

	instanceID := uuid.NewString()
	hub := websocket.NewHub(instanceID)

	// Initialize shared state and the broadcast bus
	var (
		store  state.Store
		pinger handlers.Pinger
		bus    broadcast.Bus
		rdb    *redis.Client
	)
	if cfg.Redis.InMemory() {
		logger.Warn("[State] REDIS_URL=%s: in-process state, no cross-process fan-out", config.MemoryURL)
		store = state.NewMemoryStore()
	} else {
		opts, err := cfg.Redis.Options()
		if err != nil {
			logger.Fatal("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		redisStore := state.NewRedisStore(rdb)
		if err := redisStore.Ping(ctx); err != nil {
			// Redis may come back; state calls degrade until it does.
			logger.Error("[State] Redis not reachable at startup: %v", err)
		} else {
			logger.Info("[State] Redis connection established")
		}
		store = redisStore
		pinger = redisStore
		bus = broadcast.NewRedisBus(ctx, rdb, instanceID, hub.Dispatch)
		hub.AttachBus(bus)
	}

	// Initialize services
	presence := state.NewPresence(store, instanceID)
	cache := state.NewCache(store)
	roomService := services.NewRoomService(presence, cache, hub)
	verifier := auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.AuthTimeout)

	go presence.KeepAlive(ctx, instanceTTL)

	reconciler := jobs.NewReconciler(store, db, jobs.Options{
		Interval:       cfg.Realtime.ReconcileInterval,
		Concurrency:    cfg.Realtime.ReconcileConcurrency,
		StoreTimeout:   cfg.Database.StoreTimeout,
		PresencePruned: roomService.BroadcastMembers,
	})
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconciler.Run(ctx)
	}()

	// Initialize handlers
	wsHandlers := handlers.NewWebSocketHandlers(verifier, roomService, hub, websocket.Options{
		EditDebounce:   cfg.Realtime.EditDebounce,
		CursorThrottle: cfg.Realtime.CursorThrottle,
		OpTimeout:      cfg.Database.StoreTimeout,
	}, cfg.Server.AllowedOrigin)
	healthHandlers := handlers.NewHealthHandlers(pinger)

	// Setup routes
	router := setupRouter(wsHandlers, healthHandlers)

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(cfg.Server.AllowedOrigin, router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	logger.Info("🚀 Server started on http://localhost%s (instance %s)", cfg.Server.Port, instanceID)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	logger.Info("⏱  edit debounce %v, cursor throttle %v, reconcile every %v",
		cfg.Realtime.EditDebounce, cfg.Realtime.CursorThrottle, cfg.Realtime.ReconcileInterval)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Server shutting down...")

	cancel()
	<-reconcileDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown: %v", err)
	}

	if bus != nil {
		bus.Close()
	}
	if rdb != nil {
		rdb.Close()
	}
	logger.Info("Server stopped")
}

func setupRouter(wsHandlers *handlers.WebSocketHandlers, healthHandlers *handlers.HealthHandlers) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/health", healthHandlers.Health).Methods(http.MethodGet)

	// WebSocket route
	router.HandleFunc("/ws", wsHandlers.HandleWebSocket).Methods(http.MethodGet)

	return router
}

func corsMiddleware(allowedOrigin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
