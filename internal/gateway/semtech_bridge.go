package gateway

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// semtechGateway is the bridge-side state of one packet forwarder. The
// pull address and token come from the latest PULL_DATA; downlinks are
// impossible until the first one arrives.
type semtechGateway struct {
	pushAddr *net.UDPAddr
	pullAddr *net.UDPAddr
	lastSeen time.Time
}

// pendingDownlink tracks a PULL_RESP awaiting its TX_ACK so the ack can
// be matched back and the next item tried on a scheduling error.
type pendingDownlink struct {
	frame     models.DownlinkFrame
	itemIndex int
	sentAt    time.Time
}

// SemtechBridge terminates the Semtech UDP packet-forwarder protocol
// and translates it to the NATS gateway subjects. It keeps no database
// state; gateway bookkeeping is the network server's job.
type SemtechBridge struct {
	conn           *net.UDPConn
	nc             *nats.Conn
	regionConfigID string

	mu       sync.RWMutex
	gateways map[lorawan.EUI64]*semtechGateway

	downMu    sync.Mutex
	pending   map[uint16]*pendingDownlink
	lastToken uint16
}

// NewSemtechBridge binds the UDP listener.
func NewSemtechBridge(bindAddr string, nc *nats.Conn, regionConfigID string) (*SemtechBridge, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	return &SemtechBridge{
		conn:           conn,
		nc:             nc,
		regionConfigID: regionConfigID,
		gateways:       make(map[lorawan.EUI64]*semtechGateway),
		pending:        make(map[uint16]*pendingDownlink),
	}, nil
}

// Start runs the bridge until ctx is cancelled.
func (b *SemtechBridge) Start(ctx context.Context) error {
	log.Info().
		Str("addr", b.conn.LocalAddr().String()).
		Str("region", b.regionConfigID).
		Msg("semtech: udp listener started")

	sub, err := b.nc.Subscribe("gateway.*.tx", b.handleDownlinkMsg)
	if err != nil {
		return fmt.Errorf("subscribe downlink subject: %w", err)
	}

	go b.cleanupLoop(ctx)

	// closing the conn unblocks the read loop
	go func() {
		<-ctx.Done()
		b.conn.Close()
	}()

	buf := make([]byte, 65507)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				sub.Unsubscribe()
				return ctx.Err()
			}
			log.Error().Err(err).Msg("semtech: udp read failed")
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		go b.handlePacket(pkt, addr)
	}
}

func (b *SemtechBridge) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	if data[0] != semtechProtocolVersion {
		log.Warn().
			Uint8("version", data[0]).
			Str("addr", addr.String()).
			Msg("semtech: unsupported protocol version")
		return
	}

	token := binary.BigEndian.Uint16(data[1:3])

	switch data[3] {
	case pktPushData:
		b.handlePushData(data, addr, token)
	case pktPullData:
		b.handlePullData(data, addr, token)
	case pktTXACK:
		b.handleTXAck(data, token)
	default:
		log.Warn().
			Uint8("type", data[3]).
			Str("addr", addr.String()).
			Msg("semtech: unknown packet type")
	}
}

func (b *SemtechBridge) handlePushData(data []byte, addr *net.UDPAddr, token uint16) {
	gatewayID, ok := gatewayIDFromPacket(data)
	if !ok {
		return
	}

	gw := b.touchGateway(gatewayID)
	gw.pushAddr = addr

	b.writeACK(addr, token, pktPushACK)

	if len(data) <= 12 {
		return
	}

	var payload pushDataPayload
	if err := json.Unmarshal(data[12:], &payload); err != nil {
		log.Error().Err(err).
			Str("gateway_id", gatewayID.String()).
			Msg("semtech: decode push data failed")
		return
	}

	for _, p := range payload.RXPK {
		if p.CRCStat == -1 {
			continue
		}
		b.publishUplink(gatewayID, p)
	}
	if payload.Stat != nil {
		b.publishStats(gatewayID, *payload.Stat)
	}
}

func (b *SemtechBridge) handlePullData(data []byte, addr *net.UDPAddr, token uint16) {
	gatewayID, ok := gatewayIDFromPacket(data)
	if !ok {
		return
	}

	gw := b.touchGateway(gatewayID)
	gw.pullAddr = addr

	b.writeACK(addr, token, pktPullACK)

	log.Debug().
		Str("gateway_id", gatewayID.String()).
		Str("addr", addr.String()).
		Msg("semtech: pull address refreshed")
}

func (b *SemtechBridge) handleTXAck(data []byte, token uint16) {
	gatewayID, ok := gatewayIDFromPacket(data)
	if !ok {
		return
	}

	b.downMu.Lock()
	pd, ok := b.pending[token]
	delete(b.pending, token)
	b.downMu.Unlock()
	if !ok {
		log.Warn().
			Str("gateway_id", gatewayID.String()).
			Uint16("token", token).
			Msg("semtech: tx-ack for unknown token")
		return
	}

	var payload txAckPayload
	if len(data) > 12 {
		if err := json.Unmarshal(data[12:], &payload); err != nil {
			log.Error().Err(err).Msg("semtech: decode tx-ack failed")
		}
	}

	ackError := payload.TXPKAck.Error
	if ackError == "NONE" {
		ackError = ""
	}

	// a scheduling error falls through to the next item (RX2 after RX1)
	if ackError != "" && pd.itemIndex+1 < len(pd.frame.Items) {
		log.Info().
			Str("gateway_id", gatewayID.String()).
			Str("error", ackError).
			Int("item", pd.itemIndex).
			Msg("semtech: item rejected, trying next")
		b.sendItem(pd.frame, pd.itemIndex+1)
		return
	}

	b.publishTXAck(models.TXAck{
		DownlinkID: pd.frame.DownlinkID,
		GatewayID:  pd.frame.GatewayID,
		Error:      ackError,
		ItemIndex:  pd.itemIndex,
	})
}

func (b *SemtechBridge) handleDownlinkMsg(msg *nats.Msg) {
	var frame models.DownlinkFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		log.Error().Err(err).Str("subject", msg.Subject).Msg("semtech: decode downlink frame failed")
		return
	}
	if len(frame.Items) == 0 {
		return
	}

	if err := b.sendItem(frame, 0); err != nil {
		log.Error().Err(err).
			Str("gateway_id", frame.GatewayID.String()).
			Uint32("downlink_id", frame.DownlinkID).
			Msg("semtech: downlink dispatch failed")
		b.publishTXAck(models.TXAck{
			DownlinkID: frame.DownlinkID,
			GatewayID:  frame.GatewayID,
			Error:      "GATEWAY_UNREACHABLE",
		})
	}
}

// sendItem sends one item of a frame as a PULL_RESP and records it
// under a fresh token for the TX_ACK.
func (b *SemtechBridge) sendItem(frame models.DownlinkFrame, itemIndex int) error {
	b.mu.RLock()
	gw, ok := b.gateways[frame.GatewayID]
	b.mu.RUnlock()
	if !ok || gw.pullAddr == nil {
		return errors.New("gateway has no pull address")
	}

	pkt, err := buildTXPacket(frame.Items[itemIndex])
	if err != nil {
		return err
	}

	body, err := json.Marshal(struct {
		TXPK txPacket `json:"txpk"`
	}{pkt})
	if err != nil {
		return err
	}

	b.downMu.Lock()
	b.lastToken++
	token := b.lastToken
	b.pending[token] = &pendingDownlink{
		frame:     frame,
		itemIndex: itemIndex,
		sentAt:    time.Now(),
	}
	b.downMu.Unlock()

	resp := make([]byte, 4, 4+len(body))
	resp[0] = semtechProtocolVersion
	binary.BigEndian.PutUint16(resp[1:3], token)
	resp[3] = pktPullResp
	resp = append(resp, body...)

	if _, err := b.conn.WriteToUDP(resp, gw.pullAddr); err != nil {
		return fmt.Errorf("write pull resp: %w", err)
	}

	log.Debug().
		Str("gateway_id", frame.GatewayID.String()).
		Uint32("downlink_id", frame.DownlinkID).
		Int("item", itemIndex).
		Uint16("token", token).
		Msg("semtech: pull resp sent")

	return nil
}

func (b *SemtechBridge) publishUplink(gatewayID lorawan.EUI64, p rxPacket) {
	frame, err := p.uplinkFrame(gatewayID, rand.Uint32())
	if err != nil {
		log.Error().Err(err).
			Str("gateway_id", gatewayID.String()).
			Msg("semtech: convert rxpk failed")
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	subject := fmt.Sprintf(uplinkSubjectTemplate, b.regionConfigID)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("semtech: publish uplink failed")
		return
	}

	log.Info().
		Str("gateway_id", gatewayID.String()).
		Uint32("frequency", frame.TXInfo.Frequency).
		Int32("rssi", frame.RXInfo.RSSI).
		Float64("snr", frame.RXInfo.LoRaSNR).
		Int("size", len(frame.PHYPayload)).
		Msg("semtech: uplink received")
}

func (b *SemtechBridge) publishStats(gatewayID lorawan.EUI64, p statPacket) {
	stats := p.gatewayStats(gatewayID)
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	subject := fmt.Sprintf(statsSubjectTemplate, b.regionConfigID)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("semtech: publish stats failed")
	}
}

func (b *SemtechBridge) publishTXAck(ack models.TXAck) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	subject := fmt.Sprintf(txAckSubjectTemplate, b.regionConfigID)
	if err := b.nc.Publish(subject, data); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("semtech: publish tx-ack failed")
	}
}

func (b *SemtechBridge) touchGateway(gatewayID lorawan.EUI64) *semtechGateway {
	b.mu.Lock()
	defer b.mu.Unlock()

	gw, ok := b.gateways[gatewayID]
	if !ok {
		gw = &semtechGateway{}
		b.gateways[gatewayID] = gw
		log.Info().Str("gateway_id", gatewayID.String()).Msg("semtech: gateway connected")
	}
	gw.lastSeen = time.Now()
	return gw
}

func (b *SemtechBridge) writeACK(addr *net.UDPAddr, token uint16, pktType byte) {
	ack := make([]byte, 4)
	ack[0] = semtechProtocolVersion
	binary.BigEndian.PutUint16(ack[1:3], token)
	ack[3] = pktType
	if _, err := b.conn.WriteToUDP(ack, addr); err != nil {
		log.Error().Err(err).Str("addr", addr.String()).Msg("semtech: write ack failed")
	}
}

// cleanupLoop drops gateways not seen for 5 minutes and pending
// downlinks whose TX_ACK never came.
func (b *SemtechBridge) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()

			b.mu.Lock()
			for id, gw := range b.gateways {
				if now.Sub(gw.lastSeen) > 5*time.Minute {
					delete(b.gateways, id)
					log.Info().Str("gateway_id", id.String()).Msg("semtech: gateway timed out")
				}
			}
			b.mu.Unlock()

			b.downMu.Lock()
			for token, pd := range b.pending {
				if now.Sub(pd.sentAt) > time.Minute {
					delete(b.pending, token)
				}
			}
			b.downMu.Unlock()
		}
	}
}

func gatewayIDFromPacket(data []byte) (lorawan.EUI64, bool) {
	var id lorawan.EUI64
	if len(data) < 12 {
		return id, false
	}
	copy(id[:], data[4:12])
	return id, true
}
