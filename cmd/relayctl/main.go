package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/autocore/internal/admin"
	"github.com/danmuck/autocore/internal/bootstrap"
	"github.com/danmuck/autocore/internal/config"
	"github.com/danmuck/autocore/internal/logging"
	"github.com/danmuck/autocore/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "relay config path (defaults apply when empty)")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg := config.DefaultRelayConfig()
	if *configPath != "" {
		loaded, err := config.LoadRelayConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load relay config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded relay config")
	}
	if level, ok := logging.ParseLevel(cfg.LogLevel); ok && os.Getenv("AUTOCORE_LOG_LEVEL") == "" {
		zerolog.SetGlobalLevel(level)
	}

	brokerCfg, err := cfg.BrokerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid relay config")
	}
	opts, err := cfg.BootstrapOptions()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid relay config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := bootstrap.Initialize(ctx, cfg.Name, brokerCfg, opts)
	switch {
	case handle == nil:
		log.Fatal().Err(err).Msg("relay initialization failed")
	case errors.Is(err, relay.ErrBind):
		log.Warn().Err(err).Msg("relay running with partial listeners")
	}
	defer handle.Close()

	if !handle.Owner() {
		log.Info().Str("addr", handle.Addr).Msg("relay already served by another process; exiting")
		return
	}

	if cfg.AdminAddr != "" {
		srv := admin.New(cfg.Name, cfg.AdminAddr, handle.Broker, cfg.CorsOrigins)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				log.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("relay shutting down")
}
