package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yanyu/chat-core/internal/api"
	"github.com/yanyu/chat-core/internal/chat"
	"github.com/yanyu/chat-core/internal/config"
	"github.com/yanyu/chat-core/internal/friends"
	"github.com/yanyu/chat-core/internal/gateway"
	"github.com/yanyu/chat-core/internal/identity"
	"github.com/yanyu/chat-core/internal/live"
	"github.com/yanyu/chat-core/internal/message"
	"github.com/yanyu/chat-core/internal/messaging"
	"github.com/yanyu/chat-core/internal/metrics"
	"github.com/yanyu/chat-core/internal/notify"
	"github.com/yanyu/chat-core/internal/ratelimit"
	"github.com/yanyu/chat-core/internal/session"
	"github.com/yanyu/chat-core/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	rdb := sessionStore.Client()

	// --- Message store ---
	var (
		baseStore message.Store
		db        *sql.DB
	)
	switch cfg.StoreBackend {
	case config.StoreMemory:
		baseStore = message.NewMemoryStore(nil)
	case config.StoreRedis:
		baseStore = message.NewRedisStore(rdb)
	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		db, err = message.OpenPostgres(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		baseStore = message.NewPostgresStore(db)
	}

	// Every write is announced on NATS so views on any server refresh.
	feed := live.NewNATSFeed(natsClient)
	store := live.NewNotifyingStore(baseStore, feed)
	engine := live.NewEngine(store, feed)

	// --- Notifications ---
	var (
		dispatcher notify.Dispatcher
		queue      *notify.QueueDispatcher
	)
	switch cfg.NotifyMode {
	case config.NotifyQueue:
		queue = notify.NewQueueDispatcher(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		dispatcher = queue
	case config.NotifyDirect:
		dispatcher = notify.NewHTTPDispatcher(cfg.Push)
	}

	friendDir := friends.NewRedisDirectory(rdb)
	deps := chat.Deps{
		Store:      store,
		Engine:     engine,
		Dispatcher: dispatcher,
		Directory:  notify.NewRedisDirectory(rdb),
		Trial:      cfg.Trial,
	}
	if cfg.RequireFriends {
		deps.Friends = friendDir
	}
	svc := chat.NewService(deps)

	log.Printf("YanYu chat server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.Server.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  store_backend:   %s", cfg.StoreBackend)
	log.Printf("  notify_mode:     %s", cfg.NotifyMode)
	log.Printf("  trial:           warn=%ds lock=%ds", cfg.Trial.WarningThreshold, cfg.Trial.LockThreshold)
	log.Printf("  require_friends: %v", cfg.RequireFriends)

	// --- WebSocket + HTTP ---
	msgDispatcher := ws.NewMessageDispatcher()
	server := ws.NewServer(cfg.Server, sessionStore, msgDispatcher.Dispatch)
	limiter := ratelimit.NewLimiter(rdb)
	server.SetConnectLimiter(limiter)

	opts := gateway.Options{Limiter: limiter, Sessions: sessionStore}
	if cfg.JWTSecret != "" {
		verifier := identity.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
		server.SetVerifier(verifier)
		opts.Verifier = verifier
		server.Handle("/api/", api.NewRouter(&api.Handler{
			Store:    store,
			Friends:  friendDir,
			Verifier: verifier,
		}, cfg.CORSOrigin))
	} else {
		log.Printf("JWT_SECRET not set: connections stay signed out and /api is disabled")
	}

	gw := gateway.New(gateway.DefaultConfig(), svc, server, opts)
	gw.Register(msgDispatcher)
	server.SetOnConnect(func(c *ws.Connection) {
		gw.Connect(c.ID, c.Participant)
	})
	server.SetOnDisconnect(gw.Disconnect)
	server.Handle("/metrics", metrics.Handler())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		svc.Close()
		if queue != nil {
			_ = queue.Close()
		}
		natsClient.Close()
		if db != nil {
			_ = db.Close()
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
