package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/classb"
)

// schedulerLoop claims batches of Class-B and Class-C devices on a
// fixed tick and fans the per-device scheduling out. The claim bumps
// scheduler_run_after, so concurrent instances never pick up the same
// device twice within a lease.
func (s *Server) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scheduleBatch(ctx)
		}
	}
}

func (s *Server) scheduleBatch(ctx context.Context) {
	devices, err := s.store.ClaimClassBCDevices(ctx, s.cfg.SchedulerInterval, s.cfg.SchedulerBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("network: claim scheduler batch")
		return
	}
	metrics.SchedulerBatchSize.Observe(float64(len(devices)))

	var wg sync.WaitGroup
	for _, device := range devices {
		wg.Add(1)
		go func(device *models.Device) {
			defer wg.Done()
			if err := s.scheduleDeviceDownlink(ctx, device); err != nil {
				log.Error().Err(err).
					Str("dev_eui", device.DevEUI.String()).
					Msg("network: schedule device downlink")
			}
		}(device)
	}
	wg.Wait()
}

// scheduleDeviceDownlink sends the next queued downlink of one claimed
// device: immediately on RX2 for Class-C, in the next ping slot for
// Class-B.
func (s *Server) scheduleDeviceDownlink(ctx context.Context, device *models.Device) error {
	session := device.Session
	if session == nil {
		return nil
	}

	region, err := s.region(session.RegionConfigID)
	if err != nil {
		return err
	}
	dctx, err := s.loadDeviceContext(ctx, region, device)
	if err != nil {
		return err
	}

	// Only queue items drive B/C scheduling; MAC-state changes ride the
	// device's own uplinks.
	if _, err := s.store.GetNextDeviceQueueItem(ctx, device.DevEUI); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("peek device queue: %w", err)
	}

	rxInfoSet, err := s.rs.GetDeviceGatewayRXInfo(ctx, device.DevEUI)
	if err != nil {
		return fmt.Errorf("get device gateway rx-info: %w", err)
	}
	if len(rxInfoSet) == 0 {
		// No gateway has heard the device yet; nothing can reach it.
		return nil
	}

	down := &downlinkContext{deviceContext: dctx}

	var item models.DownlinkFrameItem
	lockTTL := s.cfg.ClassCLockDuration

	switch device.EnabledClass {
	case models.DeviceClassC:
		txInfo, err := s.downlinkTXInfo(region, session.RX2Frequency, int(session.RX2DR))
		if err != nil {
			return err
		}
		txInfo.Timing = models.DownlinkTiming{Immediately: true}
		item = models.DownlinkFrameItem{TXInfo: txInfo}

	case models.DeviceClassB:
		// The slot must be far enough out for the gateway to stage the
		// frame.
		after := classb.TimeToGPSEpoch(time.Now().Add(time.Second))
		slot, _, err := classb.GetNextPingSlotAfter(after, session.DevAddr, session.PingSlotNb)
		if err != nil {
			return fmt.Errorf("next ping slot: %w", err)
		}

		frequency := session.PingSlotFrequency
		if frequency == 0 {
			frequency, err = region.Band.GetPingSlotFrequency(session.DevAddr, classb.GetBeaconStartForTime(slot))
			if err != nil {
				return fmt.Errorf("ping-slot frequency: %w", err)
			}
		}
		dr := session.PingSlotDR
		if dr == 0 {
			dr = region.ClassBPingSlotDR
		}

		txInfo, err := s.downlinkTXInfo(region, frequency, dr)
		if err != nil {
			return err
		}
		txInfo.Timing = models.DownlinkTiming{GPSEpoch: &slot}
		item = models.DownlinkFrameItem{TXInfo: txInfo}

		// The device is occupied until the slot passed; gate the next
		// scheduler pass on it.
		runAfter := classb.GPSEpochToTime(slot)
		device.SchedulerRunAfter = &runAfter
		if err := s.store.UpdateDevice(ctx, device); err != nil {
			return fmt.Errorf("update scheduler gate: %w", err)
		}
		if until := time.Until(runAfter); until > lockTTL {
			lockTTL = until
		}

	default:
		return nil
	}

	// The lock keeps the Class-A path from answering an uplink while
	// this transmission is in flight.
	locked, err := s.rs.AcquireDeviceLock(ctx, device.DevEUI, lockTTL)
	if err != nil {
		return fmt.Errorf("acquire device lock: %w", err)
	}
	if !locked {
		return nil
	}

	rx, err := s.selectDownlinkGateway(ctx, dctx, rxInfoSet, session.DR)
	if err != nil {
		return err
	}
	item.TXInfo.Board = rx.Board
	item.TXInfo.Antenna = rx.Antenna

	items := []models.DownlinkFrameItem{item}
	maxPayload, err := s.maxPayloadForItems(dctx, items)
	if err != nil {
		return err
	}

	return s.sendDataDownlink(ctx, down, rx.GatewayID, items, maxPayload, string(device.EnabledClass))
}
