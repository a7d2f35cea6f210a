package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/deepface/attendance-kiosk/internal/attendance"
	"github.com/deepface/attendance-kiosk/internal/camera"
	"github.com/deepface/attendance-kiosk/internal/capture"
	"github.com/deepface/attendance-kiosk/internal/config"
	"github.com/deepface/attendance-kiosk/internal/connectivity"
	"github.com/deepface/attendance-kiosk/internal/faceclient"
	"github.com/deepface/attendance-kiosk/internal/handler"
	"github.com/deepface/attendance-kiosk/internal/httpmiddleware"
	"github.com/deepface/attendance-kiosk/internal/kiosk"
	"github.com/deepface/attendance-kiosk/internal/logging"
	"github.com/deepface/attendance-kiosk/internal/logstore"
	"github.com/deepface/attendance-kiosk/internal/queue"
	"github.com/deepface/attendance-kiosk/internal/registration"
	"github.com/deepface/attendance-kiosk/internal/store"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.Production())

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("kiosk failed")
	}
}

func run(cfg config.App) error {
	ctx := context.Background()

	var rdb *store.Redis
	if cfg.LogBackend == "redis" || cfg.QueueBackend == "redis" {
		rdb = store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		if !rdb.Healthy(ctx) {
			log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable")
		}
	}

	persister, closePersister, err := newPersister(cfg, rdb)
	if err != nil {
		return err
	}
	defer closePersister()

	logs := logstore.New(persister, cfg.LogRetention)
	entries, err := logs.Load(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("backend", cfg.LogBackend).Int("entries", len(entries)).Msg("attendance log loaded")

	device, err := camera.ParseSource(cfg.CameraSource, cfg.CameraPoll)
	if err != nil {
		return err
	}
	capturer := capture.Capturer{Quality: cfg.CaptureQuality, MaxDim: cfg.CaptureMaxDim, Mirror: cfg.CaptureMirror}

	model, err := attendance.ParseModel(cfg.DefaultModel)
	if err != nil {
		return fmt.Errorf("DEFAULT_MODEL: %w", err)
	}

	face := faceclient.New(cfg.APIURL, cfg.APITimeout)
	if err := face.Health(ctx); err != nil {
		log.Warn().Err(err).Str("url", cfg.APIURL).Msg("recognition service not available yet")
	} else {
		log.Info().Str("url", cfg.APIURL).Msg("recognition service connected")
	}

	status := connectivity.NewStatus()
	scanner := attendance.NewSession(face, logs, status, capturer)
	switch cfg.QueueBackend {
	case "memory":
		// In-process consumers only; useful for local development.
		q := queue.NewInMemory(64)
		scanner.WithPublisher(q)
		go drain(ctx, q)
	case "redis":
		scanner.WithPublisher(queue.NewRedisQueue(rdb.Client, cfg.QueueKey))
	case "none", "":
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	app := kiosk.New(kiosk.Options{
		Camera:   camera.NewManager(device, "attendance"),
		Scanner:  scanner,
		Capturer: capturer,
		Wizard:   registration.NewWizard(camera.NewManager(device, "register"), capturer, face),
		Log:      logs,
		Stats:    face,
		Status:   status,
	})
	defer app.Close()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/api/attendance/preview"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).
		Exempt(pollPaths...).Middleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handler.New(app, face, handler.Operator{
		PIN:        cfg.OperatorPIN,
		Issuer:     cfg.JWTIssuer,
		SigningKey: cfg.JWTSigningKey,
		TTL:        cfg.OperatorTTL,
	}, model).Routes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      gzhttp.GzipHandler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.APITimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("camera", cfg.CameraSource).Msg("kiosk listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errc:
		return err
	}
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("kiosk exited")
	return nil
}

// pollPaths are read-only endpoints a front-end polls continuously.
var pollPaths = []string{"/healthz", "/metrics", "/api/status", "/api/attendance/preview", "/api/register/preview"}

func newPersister(cfg config.App, rdb *store.Redis) (logstore.Persister, func(), error) {
	switch cfg.LogBackend {
	case "file", "":
		return logstore.FilePersister{Path: cfg.LogPath}, func() {}, nil
	case "sqlite":
		db, err := store.NewSQLite(cfg.LogPath)
		if err != nil {
			return nil, nil, err
		}
		return logstore.SQLitePersister{DB: db, Name: cfg.LogRecord}, closeDB(db), nil
	case "redis":
		return logstore.RedisPersister{Client: rdb.Client, Key: cfg.LogRecord}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown LOG_BACKEND %q", cfg.LogBackend)
}

func closeDB(db *sql.DB) func() {
	return func() {
		if err := db.Close(); err != nil {
			log.Warn().Err(err).Msg("close log database")
		}
	}
}

// drain consumes the in-memory queue so publishes never block.
func drain(ctx context.Context, q queue.Queue) {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return
	}
	for msg := range msgs {
		log.Debug().Str("id", msg.ID).Str("type", msg.Type).Msg("attendance event")
	}
}
