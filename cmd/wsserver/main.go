package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sation/messenger/internal/auth"
	"github.com/sation/messenger/internal/broadcast"
	"github.com/sation/messenger/internal/chat"
	"github.com/sation/messenger/internal/httpapi"
	"github.com/sation/messenger/internal/membership"
	"github.com/sation/messenger/internal/messaging"
	"github.com/sation/messenger/internal/metrics"
	"github.com/sation/messenger/internal/ratelimit"
	"github.com/sation/messenger/internal/session"
	"github.com/sation/messenger/internal/store"
	"github.com/sation/messenger/internal/ws"
)

func main() {
	config, err := loadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	serverName := config.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "ws-1"
	}
	if config.JWTSecret == auth.DefaultTokenConfig().Secret {
		log.Printf("WARNING: JWT_SECRET not set, using the development secret")
	}

	// --- Store ---
	var (
		db      store.Store
		closeDB func() error
	)
	if config.DatabaseURL == "" {
		log.Printf("DATABASE_URL not set, using the in-memory store")
		db = store.NewMemory()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		sqlDB, err := store.OpenPostgres(ctx, config.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to Postgres: %v", err)
		}
		if config.AutoMigrate {
			if err := store.Migrate(sqlDB); err != nil {
				log.Fatalf("failed to migrate: %v", err)
			}
		}
		db = store.NewPostgres(sqlDB)
		closeDB = sqlDB.Close
	}

	// --- Redis ---
	sessionStore, err := session.NewStore(config.RedisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(sessionStore.Client())

	// --- Core ---
	locks := &broadcast.Locks{}
	registry := session.NewRegistry(db, sessionStore)
	metrics.TrackSessions(registry.Count)
	outboxes := broadcast.NewOutboxes(nil, config.OutboxSize)
	members := membership.NewManager(db, registry, locks)
	broadcaster := broadcast.New(locks, members, registry, outboxes)
	chats := chat.NewService(db, members, broadcaster)
	accounts := auth.NewService(db, auth.NewJWT(config.token()))

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	if config.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = config.NATSURL
		natsConfig.Name = serverName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broadcaster.SetRelay(natsClient, serverName+"-"+uuid.NewString())
		if err := natsClient.SubscribeEvents(func(data []byte) {
			broadcaster.HandleRemote(context.Background(), data)
		}); err != nil {
			log.Fatalf("failed to subscribe to relayed events: %v", err)
		}
	}

	log.Printf("Messenger server starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  worker_pool:     %d", config.WorkerPoolSize)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  read_timeout:    %s", config.ReadTimeout)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  redis_addr:      %s", config.RedisAddr)
	log.Printf("  nats_url:        %s", config.NATSURL)
	log.Printf("  server_name:     %s", serverName)

	dispatcher := ws.NewMessageDispatcher()
	dispatcher.SetErrorCoder(httpapi.ErrorCode)
	(&handlers{chats: chats, limiter: limiter, timeout: config.RequestTimeout}).register(dispatcher)

	server := ws.NewServer(config.server(), accounts, dispatcher.Dispatch)
	outboxes.SetSender(server)

	server.SetAdmit(func(r *http.Request) bool {
		ok, _ := limiter.Allow(r.Context(), ratelimit.ClientIP(r), ratelimit.RuleConnect)
		return ok
	})
	server.SetOnConnect(func(conn *ws.Connection) error {
		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		defer cancel()
		outboxes.Open(conn.ID)
		if err := registry.Attach(ctx, conn.ID, conn.UserID); err != nil {
			outboxes.Close(conn.ID)
			return err
		}
		return nil
	})
	server.SetOnAlive(func(conn *ws.Connection) {
		ctx, cancel := context.WithTimeout(context.Background(), config.RequestTimeout)
		defer cancel()
		registry.Touch(ctx, conn.ID)
	})
	server.SetOnDisconnect(func(connID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		registry.Detach(ctx, connID)
		outboxes.Close(connID)
	})

	server.Handle("/metrics", metrics.Handler())
	httpapi.NewHandler(accounts, chats, sessionStore, limiter).Register(server.Handle)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			if err := natsClient.UnsubscribeEvents(); err != nil {
				log.Printf("nats unsubscribe error: %v", err)
			}
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		outboxes.CloseAll()
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		if closeDB != nil {
			if err := closeDB(); err != nil {
				log.Printf("database close error: %v", err)
			}
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
