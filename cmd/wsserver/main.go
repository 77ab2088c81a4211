// Command wsserver runs the chat relay: the WebSocket endpoint, the HTTP API
// and the metrics endpoint on one listener.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/duet/chat-relay/internal/api"
	"github.com/duet/chat-relay/internal/chat"
	"github.com/duet/chat-relay/internal/config"
	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/messaging"
	"github.com/duet/chat-relay/internal/moderation"
	"github.com/duet/chat-relay/internal/ratelimit"
	"github.com/duet/chat-relay/internal/recovery"
	"github.com/duet/chat-relay/internal/registry"
	"github.com/duet/chat-relay/internal/relay"
	"github.com/duet/chat-relay/internal/session"
	"github.com/duet/chat-relay/internal/store"
	"github.com/duet/chat-relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "wsserver"})
	log := logging.L()

	ctx := context.Background()

	// --- Store ---
	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open store")
	}

	// --- Redis (optional) ---
	var (
		resume  session.ResumeStore
		limiter chat.Limiter
		mutes   chat.MuteChecker
	)
	if cfg.RedisAddr != "" {
		rdb, err := session.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect to Redis")
		}
		resume = session.NewRedisStore(rdb, cfg.ServerName)
		limiter = ratelimit.NewLimiter(rdb)
		mutes = moderation.NewOffenses(rdb)
	} else {
		resume = session.NewMemoryStore()
		limiter = ratelimit.NewLocalLimiter()
	}

	// --- NATS (optional) ---
	var (
		natsClient *messaging.NATSClient
		publisher  relay.Publisher
	)
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "chat-relay-" + cfg.ServerName
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("connect to NATS")
		}
		publisher = natsClient
	}

	// --- Relay core ---
	reg := registry.New(st)
	svc := chat.NewService(chat.Options{
		Registry:    reg,
		Relay:       relay.New(st, reg, publisher),
		Recovery:    recovery.New(st, reg),
		Resume:      resume,
		Limiter:     limiter,
		Mutes:       mutes,
		GraceWindow: cfg.GraceWindow,
	})

	dispatcher := ws.NewMessageDispatcher()
	svc.Register(dispatcher)

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	server, err := ws.NewServer(serverConfig, dispatcher.Dispatch)
	if err != nil {
		log.Fatal().Err(err).Msg("create server")
	}
	svc.Bind(server)
	server.Mount(api.NewRouter(logging.For("api"), st, cfg.ClientURL))

	logStartup(log, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Shutdown parks every live session, so the resume store must still be
	// open.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown")
	}
	if natsClient != nil {
		natsClient.Close()
	}
	if err := resume.Close(); err != nil {
		log.Warn().Err(err).Msg("resume store close")
	}
	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
	log.Info().Msg("stopped")
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.DriverBadger {
		bs, err := store.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, err
		}
		return bs, nil
	}
	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func logStartup(log zerolog.Logger, cfg config.Config) {
	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Dur("read_timeout", cfg.ReadTimeout).
		Dur("write_timeout", cfg.WriteTimeout).
		Dur("grace_window", cfg.GraceWindow).
		Str("store", cfg.StoreDriver).
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("client_url", cfg.ClientURL).
		Str("server_name", cfg.ServerName).
		Msg("chat relay starting")
}
