package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// handleTXAck resolves a gateway transmission acknowledgement against
// the stored downlink frame. A positive ack arms the pending state of a
// confirmed queue item or removes an unconfirmed one; a negative ack is
// surfaced to the application.
func (s *Server) handleTXAck(ctx context.Context, ack models.TXAck) error {
	record, err := s.rs.GetDownlinkFrame(ctx, ack.DownlinkID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn().Uint32("downlink_id", ack.DownlinkID).Msg("network: tx-ack for unknown downlink")
			return nil
		}
		return fmt.Errorf("get downlink frame: %w", err)
	}
	if err := s.rs.DeleteDownlinkFrame(ctx, ack.DownlinkID); err != nil {
		log.Error().Err(err).Msg("network: delete downlink frame")
	}

	device, err := s.store.GetDevice(ctx, record.DevEUI)
	if err != nil {
		return fmt.Errorf("get device: %w", err)
	}
	region, err := s.region(device.Session.RegionConfigID)
	if err != nil {
		return err
	}
	dctx, err := s.loadDeviceContext(ctx, region, device)
	if err != nil {
		return err
	}

	if ack.Error != "" {
		metrics.DownlinkErrors.WithLabelValues(ack.Error).Inc()
		s.logDeviceEvent(ctx, dctx, models.EventLevelError, models.LogCodeDownlinkGateway,
			"gateway rejected the downlink frame", models.Variables{
				"downlink_id": ack.DownlinkID,
				"gateway_id":  ack.GatewayID.String(),
				"error":       ack.Error,
			})
		return nil
	}

	if record.QueueItemID != nil {
		if err := s.resolveQueueItem(ctx, dctx, record.QueueItemID); err != nil {
			return err
		}
	}

	s.fanout.HandleTxAckEvent(ctx, device.ApplicationID, integration.TxAckEvent{
		Time:       time.Now(),
		DeviceInfo: dctx.info(),
		DownlinkID: ack.DownlinkID,
		FCntDown:   downlinkFCnt(record),
		GatewayID:  ack.GatewayID,
	})
	return nil
}

// resolveQueueItem advances the queue item the transmitted frame
// carried: confirmed items wait for the device ack under a class
// timeout, unconfirmed items are done.
func (s *Server) resolveQueueItem(ctx context.Context, dctx *deviceContext, queueItemID *uuid.UUID) error {
	items, err := s.store.ListDeviceQueue(ctx, dctx.device.DevEUI)
	if err != nil {
		return fmt.Errorf("list device queue: %w", err)
	}

	var item *models.DeviceQueueItem
	for _, qi := range items {
		if qi.ID == *queueItemID {
			item = qi
			break
		}
	}
	if item == nil {
		return nil
	}

	if !item.Confirmed {
		if err := s.store.DeleteDeviceQueueItem(ctx, item.ID); err != nil {
			return fmt.Errorf("delete queue item: %w", err)
		}
		return nil
	}

	timeout := dctx.profile.ClassCTimeout
	if dctx.device.EnabledClass == models.DeviceClassB {
		timeout = dctx.profile.ClassBTimeout
	}
	if timeout <= 0 {
		timeout = 60
	}

	timeoutAfter := time.Now().Add(time.Duration(timeout) * time.Second)
	item.IsPending = true
	item.TimeoutAfter = &timeoutAfter
	if err := s.store.UpdateDeviceQueueItem(ctx, item); err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	return nil
}

// downlinkFCnt reads the frame counter back out of the dispatched
// frame.
func downlinkFCnt(record *models.DownlinkFrameRecord) uint32 {
	if len(record.Frame.Items) == 0 {
		return 0
	}
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(record.Frame.Items[0].PHYPayload); err != nil {
		return 0
	}
	if macPL, ok := phy.MACPayload.(*lorawan.MACPayload); ok {
		return macPL.FHDR.FCnt
	}
	return 0
}
