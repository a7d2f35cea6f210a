package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/deepface/attendance-kiosk/internal/archive"
	"github.com/deepface/attendance-kiosk/internal/config"
	"github.com/deepface/attendance-kiosk/internal/logging"
	"github.com/deepface/attendance-kiosk/internal/queue"
	"github.com/deepface/attendance-kiosk/internal/store"
)

// Worker drains attendance.recorded messages into the Postgres archive.
func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.Production())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.QueueBackend != "redis" {
		log.Fatal().Str("queue_backend", cfg.QueueBackend).Msg("worker needs QUEUE_BACKEND=redis to share the kiosk's queue")
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()

	repo := archive.NewRepository(db.Client)
	if err := repo.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("archive migration failed")
	}
	if last, err := repo.Recent(ctx, "", 1); err != nil {
		log.Warn().Err(err).Msg("read archive head failed")
	} else if len(last) > 0 {
		log.Info().Str("entry", last[0].ID).Time("recorded_at", last[0].Timestamp).Msg("resuming after last archived entry")
	}

	rdb := store.NewRedis(cfg.RedisAddr)
	defer rdb.Close()
	if !rdb.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, consumer will retry")
	}
	q := queue.NewRedisQueue(rdb.Client, cfg.QueueKey)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("queue consume init failed")
	}

	log.Info().Str("key", cfg.QueueKey).Msg("worker started, waiting for messages")
	var archived, skipped int
	for msg := range messages {
		entry, err := archive.Decode(msg)
		if err != nil {
			if !errors.Is(err, archive.ErrUnsupportedMessage) {
				log.Warn().Err(err).Str("message", msg.ID).Msg("dropping message")
			}
			skipped++
			continue
		}
		inserted, err := repo.Insert(ctx, entry)
		if err != nil {
			log.Error().Err(err).Str("entry", entry.ID).Msg("archive insert failed")
			continue
		}
		if !inserted {
			log.Debug().Str("entry", entry.ID).Msg("entry already archived")
			continue
		}
		archived++
		log.Info().Str("entry", entry.ID).Str("nim", entry.NIM).Msg("entry archived")
	}

	log.Info().Int("archived", archived).Int("skipped", skipped).Msg("worker stopped")
}
