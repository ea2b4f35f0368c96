package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/config"
	"github.com/loraflux/loraflux-ns/internal/gateway"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("load config failed")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	opts := []nats.Option{
		nats.Name("loraflux-gateway-bridge"),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password))
	}
	nc, err := nats.Connect(cfg.NATS.URL, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("connect nats failed")
	}
	defer nc.Close()

	bridge, err := gateway.NewSemtechBridge(cfg.Gateway.UDPBind, nc, cfg.Gateway.RegionID)
	if err != nil {
		log.Fatal().Err(err).Msg("create semtech bridge failed")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Info().Str("addr", cfg.Monitoring.Bind).Msg("metrics listening")
		if err := http.ListenAndServe(cfg.Monitoring.Bind, mux); err != nil {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().
		Str("udp_bind", cfg.Gateway.UDPBind).
		Str("region", cfg.Gateway.RegionID).
		Msg("gateway-bridge started")

	if err := bridge.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("semtech bridge stopped")
	}

	log.Info().Msg("gateway-bridge stopped")
}
