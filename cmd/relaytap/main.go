// Command relaytap subscribes to the relay's NATS message events, runs each
// message through the content filter and publishes a flag for every hit.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/duet/chat-relay/internal/config"
	"github.com/duet/chat-relay/internal/logging"
	"github.com/duet/chat-relay/internal/messaging"
	"github.com/duet/chat-relay/internal/moderation"
	"github.com/duet/chat-relay/internal/session"
)

func main() {
	cfg, err := config.LoadTap()
	if err != nil {
		l := logging.L()
		l.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "relaytap"})
	log := logging.L()

	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "chat-relaytap"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("connect to NATS")
	}

	filter := moderation.NewFilter()
	if len(cfg.BlockedTerms) > 0 {
		filter = moderation.NewFilterWithTerms(cfg.BlockedTerms)
	}
	// Offense counting shares the relay's Redis so mutes reach the server.
	var offenses moderation.OffenseRecorder
	if cfg.RedisAddr != "" {
		rdb, err := session.Dial(context.Background(), cfg.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect to Redis")
		}
		defer rdb.Close()
		offenses = moderation.NewOffenses(rdb)
	}
	tap := moderation.NewTap(filter, natsClient, offenses)

	if err := natsClient.SubscribeRoomMessages(cfg.Queue, func(subject string, data []byte) {
		tap.Handle(subject, data)
	}); err != nil {
		log.Fatal().Err(err).Msg("subscribe to room messages")
	}

	log.Info().
		Str("nats_url", cfg.NATSURL).
		Str("queue", cfg.Queue).
		Bool("mutes", offenses != nil).
		Str("subject", messaging.SubjectRoom+".>").
		Msg("relay tap running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()
}
