package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"riskguard/internal/alert"
	"riskguard/internal/api"
	"riskguard/internal/audit"
	"riskguard/internal/config"
	"riskguard/internal/delivery"
	"riskguard/internal/engine"
	"riskguard/internal/geocode"
	"riskguard/internal/ingest"
	"riskguard/internal/logging"
	"riskguard/internal/maintenance"
	"riskguard/internal/metrics"
	"riskguard/internal/model"
	"riskguard/internal/notify"
	"riskguard/internal/platform"
	"riskguard/internal/ratelimit"
	"riskguard/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON config file (default $RISKGUARD_CONFIG)")
	sealFile := flag.String("seal", "", "seal this file with $RISKGUARD_SEAL_KEY into <file>.sealed and exit")
	flag.Parse()

	_ = godotenv.Load()

	if *sealFile != "" {
		if err := sealToFile(*sealFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	path := *configPath
	if path == "" {
		path = os.Getenv("RISKGUARD_CONFIG")
	}
	if err := run(config.ResolvePath(path)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func sealerFromEnv() (*platform.SoftwareSealer, error) {
	key := os.Getenv("RISKGUARD_SEAL_KEY")
	if key == "" {
		return nil, nil
	}
	return platform.NewSoftwareSealer([]byte(key), platform.DefaultKeyParams())
}

func sealToFile(path string) error {
	sealer, err := sealerFromEnv()
	if err != nil {
		return err
	}
	if sealer == nil {
		return errors.New("RISKGUARD_SEAL_KEY is not set")
	}
	plain, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sealed, err := sealer.SealBytes(plain)
	if err != nil {
		return err
	}
	return os.WriteFile(path+".sealed", sealed, 0o600)
}

func run(path string) error {
	var manager *config.Manager
	if path != "" {
		m, err := config.NewManager(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		manager = m
	} else {
		manager = config.NewStaticManager(config.DefaultConfig())
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("riskguard starting", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	ring := audit.NewRing(cfg.Alert.AuditLimit, store, logger)
	limiter := ratelimit.New(cfg.RateLimit.Settings(), m, logger)

	var host platform.Capabilities
	sealer, err := sealerFromEnv()
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}
	if sealer != nil {
		host = platform.NewHeadless(sealer)
	} else if cfg.Alert.CredentialsFile != "" || cfg.Alert.Capture.Driver == "platform" {
		return errors.New("RISKGUARD_SEAL_KEY is required for sealed credentials and platform capture")
	}

	sender, closeSender := buildSender(cfg, logger)
	defer closeSender()

	policy := alert.NewPolicy(alert.Settings{
		Threshold:      cfg.Alert.Threshold,
		Cooldown:       cfg.Alert.Cooldown,
		CaptureEnabled: cfg.Alert.CaptureEnabled,
	}, alert.Options{
		Sender:      sender,
		Capturer:    buildCapturer(cfg, host, m, logger),
		Credentials: delivery.NewConfigCredentials(cfg.Alert.Recipient, cfg.Alert.CredentialsFile, host, logger),
		Sink:        store,
		Audit:       ring,
		Metrics:     m,
		Logger:      logger,
	})

	hub := notify.NewHub()
	if rc := cfg.Notify.Redis; rc.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		defer rdb.Close()
		pub := notify.NewRedisPublisher(rdb, rc.Channel, logger)
		pub.Start(ctx)
		pub.Attach(hub)
		logger.Info("redis score publisher enabled", "addr", rc.Addr, "channel", rc.Channel)
	}

	opts := engine.Options{
		Store:   store,
		Limiter: limiter,
		Alerts:  policy,
		Hub:     hub,
		Audit:   ring,
		Metrics: m,
		Logger:  logger,
	}
	if cfg.Geocode.Enabled {
		opts.Geocoder = geocode.New(cfg.Geocode.URL, cfg.Geocode.Timeout)
	}
	eng := engine.New(cfg, opts)
	if err := eng.Restore(ctx); err != nil {
		logger.Warn("restore failed, starting from empty state", "err", err)
	}

	signals := make(chan model.Signal, cfg.Ingest.ChannelBuffer)
	eng.Start(ctx, signals)
	ingest.StartREST(ctx, manager, signals, m, logger)
	ingest.StartKafka(ctx, manager, signals, m, logger)

	runner := maintenance.New(cfg.Maintenance, store, eng, m, logger)
	runner.Start(ctx)

	if cfg.API.Enabled {
		api.Start(ctx, cfg.API.Addr, api.Options{
			Config:     manager.Get,
			ConfigPath: path,
			Engine:     eng,
			Audit:      ring,
			Alerts:     policy,
			Metrics:    m,
			Logger:     logger,
			Version:    version,
		})
	}

	if path != "" {
		go manager.Watch(3*time.Second, func(next *config.Config) {
			logger.Info("config reloaded", "path", path)
			eng.UpdateConfig(next)
			runner.UpdateConfig(next.Maintenance)
		}, func(err error) {
			logger.Warn("config reload failed", "err", err)
		}, ctx.Done())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	eng.Wait()
	return nil
}

func buildSender(cfg *config.Config, logger *slog.Logger) (alert.Sender, func()) {
	d := cfg.Alert.Delivery
	if d.Driver == "kafka" {
		s := delivery.NewKafkaSender(d.Brokers, d.Topic, d.Attempts, logger)
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("close alert writer", "err", err)
			}
		}
	}
	return delivery.LogSender{Logger: logger}, func() {}
}

func buildCapturer(cfg *config.Config, host platform.Capabilities, m *metrics.Metrics, logger *slog.Logger) alert.Capturer {
	c := cfg.Alert.Capture
	var next alert.Capturer = delivery.LogCapturer{Logger: logger}
	if c.Driver == "platform" && host != nil {
		next = delivery.NewPlatformCapturer(host, c.CaptureDir, logger)
	}
	return delivery.NewBreakerCapturer(next, c.MaxFailures, c.OpenTimeout, m, logger)
}
