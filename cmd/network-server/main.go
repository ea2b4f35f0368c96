package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/api"
	"github.com/loraflux/loraflux-ns/internal/config"
	"github.com/loraflux/loraflux-ns/internal/gateway"
	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/network"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/band"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
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
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("network-server exited")
	}
}

func run(cfg *config.Config) error {
	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer store.Close()

	rs := storage.NewRedisStoreWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))
	defer rs.Close()

	nc, err := connectNATS(cfg.NATS)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer nc.Close()

	regions, err := buildRegions(cfg.Network.Regions)
	if err != nil {
		return err
	}
	for id := range regions {
		gateway.RegisterBackend(id, gateway.NewNATSBackend(nc, id))
	}

	netCfg, err := networkConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fanout := integration.NewFanout(store)
	ns := network.NewServer(netCfg, regions, store, rs, fanout)

	apiServer := api.NewServer(cfg, store, rs, nc)
	go func() {
		if err := apiServer.ListenAndServe(); err != nil {
			log.Error().Err(err).Msg("api server failed")
			cancel()
		}
	}()

	go eventLogJanitor(ctx, store, cfg.Network.EventLogRetention)

	log.Info().
		Str("net_id", cfg.Network.NetID).
		Int("regions", len(regions)).
		Msg("network-server started")

	err = ns.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if serr := apiServer.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("api shutdown failed")
	}

	log.Info().Msg("network-server stopped")
	return err
}

// eventLogJanitor purges event rows past the retention window once an
// hour.
func eventLogJanitor(ctx context.Context, store storage.Store, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteEventLogsBefore(ctx, time.Now().Add(-retention))
			if err != nil {
				log.Error().Err(err).Msg("event log purge failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("event log purge")
			}
		}
	}
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	return nats.Connect(cfg.URL, opts...)
}

// buildRegions instantiates a band per region config and registers its
// extra channels.
func buildRegions(configs []config.RegionConfig) (map[string]*network.Region, error) {
	regions := make(map[string]*network.Region, len(configs))
	for i := range configs {
		rc := &configs[i]

		dt := lorawan.DwellTimeNoLimit
		if rc.DwellTime400ms {
			dt = lorawan.DwellTime400ms
		}
		b, err := band.GetConfig(band.Name(rc.Band), rc.RepeaterCompatible, dt)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", rc.ID, err)
		}

		region := &network.Region{
			ID:                      rc.ID,
			Band:                    b,
			RX1Delay:                rc.RX1Delay,
			RX1DROffset:             rc.RX1DROffset,
			RX2DR:                   rc.RX2DR,
			RX2Frequency:            rc.RX2Frequency,
			RX2PreferOnRX1DRLt:      rc.RX2PreferOnRX1DRLt,
			RX2PreferOnLinkBudget:   rc.RX2PreferOnLinkBudget,
			DownlinkTXPower:         rc.DownlinkTXPower,
			ClassBPingSlotDR:        rc.ClassBPingSlotDR,
			ClassBPingSlotFrequency: rc.ClassBPingSlotFrequency,
			MinDR:                   rc.MinDR,
			MaxDR:                   rc.MaxDR,
			UplinkDwellTime400ms:    rc.UplinkDwellTime400ms,
			DownlinkDwellTime400ms:  rc.DownlinkDwellTime400ms,
			UplinkMaxEIRPIndex:      rc.UplinkMaxEIRPIndex,
		}
		for _, c := range rc.ExtraChannels {
			region.ExtraChannels = append(region.ExtraChannels, network.ExtraChannel{
				Frequency: c.Frequency,
				MinDR:     c.MinDR,
				MaxDR:     c.MaxDR,
			})
		}
		if err := region.Setup(); err != nil {
			return nil, fmt.Errorf("region %s: %w", rc.ID, err)
		}
		regions[rc.ID] = region
	}
	return regions, nil
}

func networkConfig(cfg *config.Config) (network.Config, error) {
	var netID lorawan.NetID
	b, err := hex.DecodeString(cfg.Network.NetID)
	if err != nil || len(b) != 3 {
		return network.Config{}, fmt.Errorf("invalid net_id %q", cfg.Network.NetID)
	}
	copy(netID[:], b)

	return network.Config{
		NetID:                  netID,
		DeduplicationWindow:    cfg.Network.DeduplicationWindow,
		DownlinkDataDelay:      cfg.Network.DownlinkDataDelay,
		DeviceSessionTTL:       cfg.Network.DeviceSessionTTL,
		ClassALockDuration:     cfg.Network.ClassALockDuration,
		ClassCLockDuration:     cfg.Network.ClassCLockDuration,
		SchedulerInterval:      cfg.Scheduler.Interval,
		SchedulerBatchSize:     cfg.Scheduler.BatchSize,
		InstallationMargin:     cfg.Network.InstallationMargin,
		GatewayPreferMinMargin: cfg.Network.GatewayPreferMinMargin,
		GatewayMinMarginSNR:    cfg.Network.GatewayMinMarginSNR,
		RejoinRequestEnabled:   cfg.Network.RejoinRequestEnabled,
		RejoinRequestMaxCountN: cfg.Network.RejoinRequestMaxCountN,
		RejoinRequestMaxTimeN:  cfg.Network.RejoinRequestMaxTimeN,
	}, nil
}
