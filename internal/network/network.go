// Package network implements the LoRaWAN network-server core: uplink
// deduplication, the data and join pipelines, Class-A downlink assembly,
// the Class-B/C scheduler and the MAC-command state machines.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/gateway"
	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/band"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// Pipeline sentinels. ErrAbort terminates a pipeline for an expected
// reason (roaming frame, disabled device); it is logged at warn and
// reported to the transport as success.
var (
	ErrAbort      = errors.New("pipeline abort")
	ErrInvalidMIC = storage.ErrInvalidMIC
	ErrNotAllowed = errors.New("not allowed")
)

// Config carries the network-server tunables. Zero values are replaced
// by the defaults in SetDefaults.
type Config struct {
	NetID lorawan.NetID

	DeduplicationWindow time.Duration
	DownlinkDataDelay   time.Duration
	DeviceSessionTTL    time.Duration

	ClassALockDuration time.Duration
	ClassCLockDuration time.Duration

	SchedulerInterval  time.Duration
	SchedulerBatchSize int

	// InstallationMargin is the SNR margin the ADR engine subtracts to
	// account for link variance.
	InstallationMargin float64

	// GatewayPreferMinMargin selects the downlink gateway with the
	// lowest positive SNR margin instead of the strongest RSSI, keeping
	// strong gateways free for devices at range.
	GatewayPreferMinMargin bool
	GatewayMinMarginSNR    float64

	// RejoinRequestEnabled and friends configure RejoinParamSetupReq
	// for LoRaWAN 1.1 devices.
	RejoinRequestEnabled   bool
	RejoinRequestMaxCountN int
	RejoinRequestMaxTimeN  int
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.DeduplicationWindow == 0 {
		c.DeduplicationWindow = 200 * time.Millisecond
	}
	if c.DownlinkDataDelay == 0 {
		c.DownlinkDataDelay = 100 * time.Millisecond
	}
	if c.DeviceSessionTTL == 0 {
		c.DeviceSessionTTL = 31 * 24 * time.Hour
	}
	if c.ClassALockDuration == 0 {
		c.ClassALockDuration = 5 * time.Second
	}
	if c.ClassCLockDuration == 0 {
		c.ClassCLockDuration = 5 * time.Second
	}
	if c.SchedulerInterval == 0 {
		c.SchedulerInterval = time.Second
	}
	if c.SchedulerBatchSize == 0 {
		c.SchedulerBatchSize = 100
	}
	if c.InstallationMargin == 0 {
		c.InstallationMargin = 10
	}
	if c.GatewayMinMarginSNR == 0 {
		c.GatewayMinMarginSNR = 5
	}
}

// ExtraChannel is a user-defined uplink channel the NS announces through
// the CFList and NewChannelReq.
type ExtraChannel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// Region binds a region-config id to its band and the NS-side downlink
// parameters for that region.
type Region struct {
	ID   string
	Band band.Band

	RX1Delay     uint8
	RX1DROffset  uint8
	RX2DR        uint8
	RX2Frequency uint32

	// RX2PreferOnRX1DRLt prefers the RX2 window when the RX1 data rate
	// would drop below this index and the device already uses the
	// configured RX2 parameters.
	RX2PreferOnRX1DRLt    int
	RX2PreferOnLinkBudget bool

	// DownlinkTXPower overrides the band's per-frequency default when
	// not negative.
	DownlinkTXPower int

	ExtraChannels []ExtraChannel

	ClassBPingSlotDR        int
	ClassBPingSlotFrequency uint32

	MinDR int
	MaxDR int

	// TXParamSetup targets for dwell-time regions.
	UplinkDwellTime400ms   bool
	DownlinkDwellTime400ms bool
	UplinkMaxEIRPIndex     int
}

// Setup registers the extra channels with the band. Must run once
// before the region serves traffic.
func (r *Region) Setup() error {
	for _, c := range r.ExtraChannels {
		if err := r.Band.AddChannel(c.Frequency, c.MinDR, c.MaxDR); err != nil {
			return fmt.Errorf("add channel %d: %w", c.Frequency, err)
		}
	}
	return nil
}

// deviceCache is the Redis-backed runtime state the pipelines share:
// dedup sets, session cache, per-device locks and in-flight downlink
// frames. *storage.RedisStore implements it.
type deviceCache interface {
	AddUplinkToDedupSet(ctx context.Context, fingerprint string, frame []byte, ttl time.Duration) (bool, error)
	GetDedupSet(ctx context.Context, fingerprint string) ([][]byte, error)
	AcquireDeviceLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) (bool, error)
	AddDevAddrDevEUI(ctx context.Context, devAddr lorawan.DevAddr, devEUI lorawan.EUI64, ttl time.Duration) error
	RemoveDevAddrDevEUI(ctx context.Context, devAddr lorawan.DevAddr, devEUI lorawan.EUI64) error
	SaveDeviceSession(ctx context.Context, devEUI lorawan.EUI64, session *models.DeviceSession, ttl time.Duration) error
	SaveDeviceGatewayRXInfo(ctx context.Context, devEUI lorawan.EUI64, rxInfo []models.UplinkRXInfo, ttl time.Duration) error
	GetDeviceGatewayRXInfo(ctx context.Context, devEUI lorawan.EUI64) ([]models.UplinkRXInfo, error)
	SaveDownlinkFrame(ctx context.Context, record *models.DownlinkFrameRecord, ttl time.Duration) error
	GetDownlinkFrame(ctx context.Context, downlinkID uint32) (*models.DownlinkFrameRecord, error)
	DeleteDownlinkFrame(ctx context.Context, downlinkID uint32) error
}

// Server drives all pipelines against a set of gateway backends.
type Server struct {
	cfg     Config
	regions map[string]*Region

	store  storage.Store
	rs     deviceCache
	fanout *integration.Fanout

	wg sync.WaitGroup
}

// NewServer wires the pipelines. The regions map is keyed by region
// config id and must match the registered gateway backends.
func NewServer(cfg Config, regions map[string]*Region, store storage.Store, rs *storage.RedisStore, fanout *integration.Fanout) *Server {
	cfg.SetDefaults()
	return &Server{
		cfg:     cfg,
		regions: regions,
		store:   store,
		rs:      rs,
		fanout:  fanout,
	}
}

func (s *Server) region(id string) (*Region, error) {
	r, ok := s.regions[id]
	if !ok {
		return nil, fmt.Errorf("region %q is not configured", id)
	}
	return r, nil
}

// Start consumes every registered gateway backend and runs the
// Class-B/C scheduler until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	for id, backend := range gateway.Backends() {
		s.wg.Add(1)
		go func(id string, b gateway.Backend) {
			defer s.wg.Done()
			s.consumeBackend(ctx, id, b)
		}(id, backend)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.schedulerLoop(ctx)
	}()

	<-ctx.Done()
	s.wg.Wait()
	return nil
}

func (s *Server) consumeBackend(ctx context.Context, regionConfigID string, b gateway.Backend) {
	log.Info().Str("region_config_id", regionConfigID).Msg("network: consuming gateway backend")

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-b.UplinkFrames():
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.collectUplinkFrame(ctx, frame); err != nil {
					log.Error().Err(err).Str("region_config_id", regionConfigID).Msg("network: uplink collect error")
				}
			}()
		case txAck := <-b.TXAcks():
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleTXAck(ctx, txAck); err != nil {
					log.Error().Err(err).Uint32("downlink_id", txAck.DownlinkID).Msg("network: tx-ack error")
				}
			}()
		case stats := <-b.GatewayStats():
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleGatewayStats(ctx, regionConfigID, stats); err != nil {
					log.Error().Err(err).Str("gateway_id", stats.GatewayID.String()).Msg("network: gateway stats error")
				}
			}()
		}
	}
}

// handleGatewayStats records a gateway statistics report.
func (s *Server) handleGatewayStats(ctx context.Context, regionConfigID string, stats models.GatewayStats) error {
	metrics.GatewayStatsReceived.WithLabelValues(regionConfigID).Inc()

	if err := s.store.UpdateGatewaySeen(ctx, stats.GatewayID, stats.Time); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Str("gateway_id", stats.GatewayID.String()).Msg("network: stats from unknown gateway")
			return nil
		}
		return fmt.Errorf("update gateway seen: %w", err)
	}

	if err := s.store.CreateGatewayStats(ctx, &stats); err != nil {
		return fmt.Errorf("create gateway stats: %w", err)
	}
	return nil
}
