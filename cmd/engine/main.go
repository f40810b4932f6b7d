// Command engine runs one automated trading job against Binance USDⓈ-M
// futures: a strategy over a set of symbols, with the operator status
// API on the side.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/api"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/engine"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/store"
	"futures-trading-engine/internal/vault"
)

func main() {
	sampleConfig := flag.String("generate-config", "", "write a sample config file to the given path and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			boot := logging.New(logging.Config{})
			boot.Fatal().Err(err).Msg("could not write sample config")
		}
		return
	}

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	boot := logging.New(logging.Config{Level: "info"})
	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("configuration invalid")
	}

	logger := logging.New(cfg.Logging)
	logging.SetGlobal(logger)

	jobID := cfg.Job.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(jobID)
	bus.AddSink(events.NewLogSink(logger))
	ring := events.NewRing(512)
	bus.AddSink(ring)

	var redisSink *events.RedisSink
	if cfg.Redis.Enabled {
		redisSink, err = events.NewRedisSink(cfg.Redis, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis event sink unavailable")
		}
		bus.AddSink(redisSink)
	}

	apiKey, secretKey := cfg.Binance.APIKey, cfg.Binance.SecretKey
	if cfg.Vault.Enabled {
		vc, err := vault.NewClient(cfg.Vault)
		if err != nil {
			logger.Fatal().Err(err).Msg("vault client setup failed")
		}
		vctx, vcancel := context.WithTimeout(ctx, 10*time.Second)
		if err := vc.Health(vctx); err != nil {
			vcancel()
			logger.Fatal().Err(err).Msg("vault unavailable")
		}
		creds, err := vc.Credentials(vctx)
		vcancel()
		if err != nil {
			logger.Fatal().Err(err).Msg("could not read exchange credentials from vault")
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
		logger.Info().Str("mount", cfg.Vault.MountPath).Msg("exchange credentials loaded from vault")
	}
	if apiKey == "" || secretKey == "" {
		logger.Fatal().Msg("no exchange credentials available")
	}

	client := binance.NewClient(apiKey, secretKey, cfg.Binance.Testnet, logger)
	if cfg.Binance.BaseURL != "" {
		client.SetBaseURL(cfg.Binance.BaseURL)
	}
	if cfg.Binance.WSBaseURL != "" {
		client.SetWSBaseURL(cfg.Binance.WSBaseURL)
	}

	var st store.Store = store.NewMemory()
	if cfg.Database.Enabled {
		pg, err := store.NewPostgres(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres store unavailable")
		}
		st = store.NewTee(st, pg)
	}

	extra := make([]engine.Stream, 0, len(cfg.Job.ExtraStreams))
	for _, xs := range cfg.Job.ExtraStreams {
		extra = append(extra, engine.Stream{Symbol: xs.Symbol, Interval: xs.Interval})
	}

	eng, err := engine.New(ctx, engine.Config{
		JobID:        jobID,
		Strategy:     cfg.Job.Strategy,
		Symbols:      cfg.Job.Symbols,
		ExtraStreams: extra,
		Risk:         cfg.Job.Risk,
		SeedBars:     cfg.Job.SeedBars,
	}, engine.Deps{
		Client: client,
		Bus:    bus,
		Store:  st,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("engine setup failed")
	}

	var srv *api.Server
	if cfg.Server.Enabled {
		srv = api.NewServer(api.Config{
			Host:            cfg.Server.Host,
			Port:            cfg.Server.Port,
			AllowedOrigins:  cfg.Server.AllowedOrigins,
			JWTSecret:       cfg.Auth.JWTSecret,
			TokenTTL:        cfg.Auth.TokenTTL,
			Username:        cfg.Auth.Username,
			PasswordHash:    cfg.Auth.PasswordHash,
			ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
			ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeout) * time.Second,
		}, api.Deps{
			Engine: eng,
			Events: ring,
			Store:  st,
			Logger: logger,
		})
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error().Err(err).Msg("status API stopped")
			}
		}()
	}

	if err := eng.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("engine start failed")
		eng.Stop()
		shutdownSinks(st, bus, redisSink)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	eng.Stop()

	if srv != nil {
		shCtx, shCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Warn().Err(err).Msg("status API shutdown failed")
		}
		shCancel()
	}

	shutdownSinks(st, bus, redisSink)
	logger.Info().Msg("bye")
}

func shutdownSinks(st store.Store, bus *events.Bus, redisSink *events.RedisSink) {
	bus.Close()
	if redisSink != nil {
		redisSink.Close()
	}
	st.Close()
}
