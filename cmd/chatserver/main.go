package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/artlounge/chat-app/internal/api"
	"github.com/artlounge/chat-app/internal/auth"
	"github.com/artlounge/chat-app/internal/block"
	"github.com/artlounge/chat-app/internal/broadcast"
	"github.com/artlounge/chat-app/internal/config"
	"github.com/artlounge/chat-app/internal/logging"
	"github.com/artlounge/chat-app/internal/messaging"
	"github.com/artlounge/chat-app/internal/ratelimit"
	"github.com/artlounge/chat-app/internal/relay"
	"github.com/artlounge/chat-app/internal/room"
	"github.com/artlounge/chat-app/internal/store"
	"github.com/artlounge/chat-app/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
		Output: os.Stderr,
	})
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store ---
	var (
		base store.Store
		pg   *store.Postgres
	)
	if cfg.Database.Memory {
		log.Warn().Msg("using in-memory store, data is lost on restart")
		base = store.NewMemory()
	} else {
		pg, err = store.OpenPostgres(ctx, store.PostgresConfig{
			URL:          cfg.Database.URL,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			ConnMaxIdle:  cfg.Database.ConnMaxIdle,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Postgres")
		}
		if cfg.Database.MigrateOnStart {
			if err := pg.Migrate(); err != nil {
				log.Fatal().Err(err).Msg("migrations failed")
			}
		}
		base = pg
	}
	st := store.WithBreaker(base, store.DefaultBreakerSettings())

	// --- Redis ---
	// Rate limits and block checks are optional; nil interfaces disable them.
	var (
		redisClient *redis.Client
		sendLimiter relay.Limiter
		joinLimiter room.Limiter
		sendBlocks  relay.BlockChecker
		joinBlocks  room.BlockChecker
	)
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Limits fail open; the server still runs without Redis.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, limits will fail open")
		}
		limiter := ratelimit.NewLimiter(redisClient)
		blocks := block.NewStore(redisClient)
		sendLimiter, joinLimiter = limiter, limiter
		sendBlocks, joinBlocks = blocks, blocks
	}

	// --- Broadcast ---
	// Declare the manager early so the bus handler can capture it.
	var mgr *room.Manager
	deliver := func(ev broadcast.Event) { mgr.Deliver(ev) }

	var (
		bus        broadcast.Bus
		natsClient *messaging.NATSClient
	)
	switch cfg.Broadcast.Mode {
	case config.BroadcastNATS:
		natsClient, err = messaging.NewNATSClient(messaging.NATSConfig{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			ReconnectWait: cfg.NATS.ReconnectWait,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		bus = broadcast.NewNATS(natsClient, deliver)
	default:
		bus = broadcast.NewLocal(deliver)
	}

	// --- Core ---
	mgr = room.NewManager(room.Config{
		BlockOnCreate: cfg.Chat.BlocksOnCreate(),
		JoinRule:      ratelimit.RuleJoin.WithLimit(cfg.Chat.JoinLimit, cfg.Chat.JoinWindow),
		HistoryLimit:  cfg.Chat.HistoryLimit,
		StoreTimeout:  cfg.Chat.StoreTimeout,
	}, st, bus, nil, joinLimiter, joinBlocks)

	rl := relay.New(relay.Config{
		MaxContentBytes: cfg.Chat.MaxContentBytes,
		MaxContentChars: cfg.Chat.MaxContentChars,
		BlockOnSend:     cfg.Chat.BlocksOnSend(),
		SendRule:        ratelimit.RuleSend.WithLimit(cfg.Chat.SendLimit, cfg.Chat.SendWindow),
		StoreTimeout:    cfg.Chat.StoreTimeout,
		HistoryLimit:    cfg.Chat.HistoryLimit,
	}, st, bus, sendLimiter, sendBlocks)

	tokens, err := auth.NewTokenManager(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("token manager")
	}
	authn := auth.NewAuthenticator(tokens, cfg.Auth.QueryParam, cfg.Auth.CookieName)

	// --- HTTP + WebSocket ---
	apiCfg := api.DefaultConfig()
	apiCfg.RateLimit = cfg.Server.HTTPRateLimit
	apiCfg.RateWindow = cfg.Server.HTTPRateWindow
	httpAPI := api.NewHandler(apiCfg, mgr, rl, authn).Router()

	serverCfg := ws.DefaultServerConfig()
	serverCfg.ListenAddr = cfg.Server.ListenAddr
	serverCfg.WorkerPoolSize = cfg.Server.WorkerPoolSize
	serverCfg.MaxConnections = cfg.Server.MaxConnections
	serverCfg.ReadTimeout = cfg.Server.ReadTimeout
	serverCfg.WriteTimeout = cfg.Server.WriteTimeout
	serverCfg.HandshakeTimeout = cfg.Server.HandshakeTimeout
	serverCfg.SendQueueSize = cfg.Server.SendQueueSize
	serverCfg.Heartbeat = ws.HeartbeatConfig{
		Interval: cfg.Server.HeartbeatInterval,
		Timeout:  cfg.Server.HeartbeatTimeout,
	}

	server, err := ws.NewServer(serverCfg, authn, ws.NewDispatcher(mgr, rl, authn), httpAPI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create server")
	}
	// Redis is left out of /health: limits fail open without it.
	if pg != nil {
		server.RegisterCheck("postgres", pg.Ping)
	}
	if natsClient != nil {
		server.RegisterCheck("nats", func(context.Context) error {
			if !natsClient.Connected() {
				return errors.New("not connected")
			}
			return nil
		})
	}

	log.Info().
		Str("listen_addr", serverCfg.ListenAddr).
		Str("server_name", cfg.Server.Name).
		Int("worker_pool", serverCfg.WorkerPoolSize).
		Int("max_connections", serverCfg.MaxConnections).
		Str("broadcast", cfg.Broadcast.Mode).
		Str("block_policy", cfg.Chat.BlockPolicy).
		Bool("memory_store", cfg.Database.Memory).
		Bool("redis", cfg.Redis.Enabled).
		Msg("chat server starting")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	if err := bus.Close(); err != nil {
		log.Warn().Err(err).Msg("bus close")
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
	log.Info().Msg("stopped")
}
