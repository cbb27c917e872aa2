package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callbridge/internal/archive"
	"callbridge/internal/auth"
	"callbridge/internal/broadcast"
	"callbridge/internal/calls"
	"callbridge/internal/config"
	"callbridge/internal/convai"
	"callbridge/internal/relay"
	"callbridge/internal/reporting"
	"callbridge/internal/telephony"
	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/gin-gonic/gin"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	var archiveRepo archive.Repository = archive.NewMemoryRepo()
	if cfg.ArchiveEnabled() {
		db, err := utils.OpenPostgres(rootCtx, utils.PostgresConfig{DSN: cfg.PostgresDSN()})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()

		pg := archive.NewPostgresRepo(db)
		if err := pg.EnsureSchema(rootCtx); err != nil {
			log.Error("archive schema failed", "err", err)
			os.Exit(1)
		}
		archiveRepo = pg
	} else {
		log.Warn("DB_HOST not set; call archive kept in memory")
	}
	archiveSvc := archive.NewService(archiveRepo)

	var limiter relay.Limiter
	if cfg.SessionCapEnabled() {
		rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		limiter = relay.NewRedisLimiter(rdb, cfg.Relay.MaxSessions)
	}

	callSvc := calls.NewService(calls.NewStore(), calls.Options{
		Retention:   cfg.Calls.Retention,
		HistorySize: cfg.Calls.HistorySize,
		Archiver:    archiveSvc,
		Logger:      log,
	})
	hub := broadcast.NewHub(broadcast.SnapshotFunc(func() []calls.CallRecord {
		return callSvc.ListActive(context.Background())
	}), cfg.Monitor.Buffer, log)
	callSvc.SetPublisher(hub)

	supervisor := relay.NewSupervisor(callSvc,
		convai.NewElevenLabsClient(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.AgentID, cfg.ElevenLabs.BaseURL),
		relay.SupervisorOptions{
			Relay: relay.Config{
				WriteTimeout: cfg.Relay.WriteTimeout,
				StartTimeout: cfg.Relay.StartTimeout,
			},
			Limiter: limiter,
			Logger:  log,
		})

	twilio := telephony.NewTwilioProvider(telephony.TwilioOptions{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		FromNumber: cfg.Twilio.FromNumber,
		BaseURL:    cfg.Twilio.APIBaseURL,
	})

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		cfg:        cfg,
		auth:       authManager,
		calls:      callSvc,
		hub:        hub,
		supervisor: supervisor,
		placer:     twilio,
		reporting:  reporting.NewService(archiveSvc),
	})

	// No WriteTimeout: media and monitor sockets outlive any fixed deadline.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "stream_url", cfg.StreamURL())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Hijacked websockets are not tracked by the http server; end the relays
	// first so their calls are finalized.
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		log.Error("relay shutdown failed", "err", err, "active", supervisor.Active())
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
