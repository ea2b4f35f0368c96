package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// NATS subject layout. Uplink traffic is grouped per region so one NS
// instance can subscribe for the regions it serves; downlinks address a
// single gateway.
const (
	uplinkSubjectTemplate   = "gateway.%s.rx"
	downlinkSubjectTemplate = "gateway.%s.tx"
	txAckSubjectTemplate    = "gateway.%s.ack"
	statsSubjectTemplate    = "gateway.%s.stats"
)

// NATSBackend bridges one region's gateway traffic over NATS. Bridges
// such as the Semtech UDP one publish uplinks, acks and stats on the
// region subjects and subscribe for per-gateway downlinks.
type NATSBackend struct {
	nc             *nats.Conn
	regionConfigID string
	subs           []*nats.Subscription

	uplinkFrames chan models.UplinkFrame
	txAcks       chan models.TXAck
	gatewayStats chan models.GatewayStats
}

// NewNATSBackend creates a backend for one region on an existing
// connection.
func NewNATSBackend(nc *nats.Conn, regionConfigID string) *NATSBackend {
	return &NATSBackend{
		nc:             nc,
		regionConfigID: regionConfigID,
		uplinkFrames:   make(chan models.UplinkFrame, 64),
		txAcks:         make(chan models.TXAck, 64),
		gatewayStats:   make(chan models.GatewayStats, 16),
	}
}

// Start subscribes to the region subjects and blocks until ctx is
// cancelled, then unsubscribes.
func (b *NATSBackend) Start(ctx context.Context) error {
	subjects := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{fmt.Sprintf(uplinkSubjectTemplate, b.regionConfigID), b.handleUplinkFrame},
		{fmt.Sprintf(txAckSubjectTemplate, b.regionConfigID), b.handleTXAck},
		{fmt.Sprintf(statsSubjectTemplate, b.regionConfigID), b.handleStats},
	}

	for _, s := range subjects {
		sub, err := b.nc.Subscribe(s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		b.subs = append(b.subs, sub)

		log.Info().
			Str("region", b.regionConfigID).
			Str("subject", s.subject).
			Msg("gateway: subscribed")
	}

	<-ctx.Done()

	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("gateway: unsubscribe failed")
		}
	}

	return ctx.Err()
}

// SendDownlinkFrame publishes a frame on the gateway's downlink subject.
func (b *NATSBackend) SendDownlinkFrame(ctx context.Context, frame models.DownlinkFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal downlink frame: %w", err)
	}

	subject := fmt.Sprintf(downlinkSubjectTemplate, frame.GatewayID)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish downlink frame: %w", err)
	}

	log.Debug().
		Str("gateway_id", frame.GatewayID.String()).
		Uint32("downlink_id", frame.DownlinkID).
		Int("items", len(frame.Items)).
		Msg("gateway: downlink frame published")

	return nil
}

// UplinkFrames returns the stream of received uplinks.
func (b *NATSBackend) UplinkFrames() <-chan models.UplinkFrame {
	return b.uplinkFrames
}

// TXAcks returns the stream of transmission acknowledgements.
func (b *NATSBackend) TXAcks() <-chan models.TXAck {
	return b.txAcks
}

// GatewayStats returns the stream of gateway stats reports.
func (b *NATSBackend) GatewayStats() <-chan models.GatewayStats {
	return b.gatewayStats
}

// Close drains the connection reference. The connection itself is owned
// by the caller and shared between backends.
func (b *NATSBackend) Close() error {
	return nil
}

func (b *NATSBackend) handleUplinkFrame(msg *nats.Msg) {
	var frame models.UplinkFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("gateway: unmarshal uplink frame failed")
		return
	}
	frame.RegionConfigID = b.regionConfigID

	select {
	case b.uplinkFrames <- frame:
	default:
		log.Warn().
			Str("region", b.regionConfigID).
			Str("gateway_id", frame.RXInfo.GatewayID.String()).
			Msg("gateway: uplink channel full, frame dropped")
	}
}

func (b *NATSBackend) handleTXAck(msg *nats.Msg) {
	var ack models.TXAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("gateway: unmarshal tx-ack failed")
		return
	}

	select {
	case b.txAcks <- ack:
	default:
		log.Warn().
			Str("region", b.regionConfigID).
			Uint32("downlink_id", ack.DownlinkID).
			Msg("gateway: tx-ack channel full, ack dropped")
	}
}

func (b *NATSBackend) handleStats(msg *nats.Msg) {
	var stats models.GatewayStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("gateway: unmarshal stats failed")
		return
	}

	select {
	case b.gatewayStats <- stats:
	default:
		log.Warn().
			Str("region", b.regionConfigID).
			Str("gateway_id", stats.GatewayID.String()).
			Msg("gateway: stats channel full, report dropped")
	}
}
