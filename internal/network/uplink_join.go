package network

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/gateway"
	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// handleJoinRequest runs the OTAA activation pipeline: root-key MIC
// validation, DevNonce replay protection, session-key derivation and
// the join-accept answer in the join receive windows.
func (s *Server) handleJoinRequest(ctx context.Context, frameSet *models.UplinkFrameSet, phy *lorawan.PHYPayload) error {
	jrPL, ok := phy.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		return fmt.Errorf("MACPayload of unexpected type %T", phy.MACPayload)
	}

	region, err := s.region(frameSet.RegionConfigID)
	if err != nil {
		return err
	}

	device, err := s.store.GetDevice(ctx, jrPL.DevEUI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.UplinkDropped.WithLabelValues("unknown_device").Inc()
			log.Warn().Str("dev_eui", jrPL.DevEUI.String()).Msg("network: join-request for unknown device")
			return nil
		}
		return fmt.Errorf("get device: %w", err)
	}

	dctx, err := s.loadDeviceContext(ctx, region, device)
	if err != nil {
		return err
	}

	if device.IsDisabled {
		log.Warn().Str("dev_eui", device.DevEUI.String()).Msg("network: join-request from disabled device")
		return nil
	}
	if !dctx.profile.SupportsOTAA {
		s.logDeviceEvent(ctx, dctx, models.EventLevelError, models.LogCodeOTAA,
			"join-request received but the device profile does not support OTAA", nil)
		return nil
	}

	frameSet.RXInfoSet, err = s.filterRXInfoSet(ctx, dctx, frameSet.RXInfoSet)
	if err != nil {
		return err
	}
	if len(frameSet.RXInfoSet) == 0 {
		metrics.UplinkDropped.WithLabelValues("no_rx_info").Inc()
		log.Warn().Str("dev_eui", device.DevEUI.String()).Msg("network: no gateways left after RX filtering")
		return nil
	}

	keys, err := s.store.GetDeviceKeys(ctx, device.DevEUI)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logDeviceEvent(ctx, dctx, models.EventLevelError, models.LogCodeOTAA,
				"join-request received but no root keys are provisioned", nil)
			return nil
		}
		return fmt.Errorf("get device keys: %w", err)
	}

	micOK, err := phy.ValidateUplinkJoinMIC(keys.NwkKey)
	if err != nil {
		return fmt.Errorf("validate join MIC: %w", err)
	}
	if !micOK {
		metrics.UplinkDropped.WithLabelValues("invalid_mic").Inc()
		s.logDeviceEvent(ctx, dctx, models.EventLevelWarning, models.LogCodeUplinkMIC,
			"join-request MIC does not validate against the NwkKey", nil)
		return nil
	}

	if err := s.store.ValidateAndStoreDevNonce(ctx, device.DevEUI, jrPL.DevNonce); err != nil {
		if errors.Is(err, storage.ErrDevNonceReused) {
			s.logDeviceEvent(ctx, dctx, models.EventLevelError, models.LogCodeOTAA,
				"DevNonce has already been used", models.Variables{"dev_nonce": uint16(jrPL.DevNonce)})
			return nil
		}
		return fmt.Errorf("validate DevNonce: %w", err)
	}

	joinNonce := lorawan.JoinNonce(keys.JoinNonce)
	keys.JoinNonce++
	if err := s.store.SetDeviceKeys(ctx, keys); err != nil {
		return fmt.Errorf("increment join nonce: %w", err)
	}

	var devAddr lorawan.DevAddr
	if _, err := crand.Read(devAddr[:]); err != nil {
		return fmt.Errorf("random DevAddr: %w", err)
	}
	devAddr.SetAddrPrefix(s.cfg.NetID)

	session, err := s.newOTAASession(dctx, jrPL, devAddr, joinNonce, keys)
	if err != nil {
		return err
	}
	session.RegionConfigID = frameSet.RegionConfigID

	if err := s.activateDevice(ctx, dctx, session, devAddr); err != nil {
		return err
	}

	if err := s.sendJoinAccept(ctx, dctx, frameSet, jrPL, devAddr, joinNonce, keys); err != nil {
		return err
	}

	metrics.DeviceJoins.Inc()
	s.fanout.HandleJoinEvent(ctx, device.ApplicationID, integration.JoinEvent{
		DeduplicationID: uuid.New(),
		Time:            frameSet.ReceivedAt,
		DeviceInfo:      dctx.info(),
		DevAddr:         devAddr,
		RXInfo:          frameSet.RXInfoSet,
	})
	return nil
}

// newOTAASession derives the session keys and seeds the MAC state with
// the region defaults.
func (s *Server) newOTAASession(dctx *deviceContext, jrPL *lorawan.JoinRequestPayload, devAddr lorawan.DevAddr, joinNonce lorawan.JoinNonce, keys *models.DeviceKeys) (*models.DeviceSession, error) {
	region := dctx.region
	is11 := dctx.profile.MACVersion == "1.1.0"

	session := &models.DeviceSession{
		DevAddr:    devAddr,
		DevEUI:     dctx.device.DevEUI,
		JoinEUI:    jrPL.JoinEUI,
		MACVersion: dctx.profile.MACVersion,

		SkipFCntCheck: dctx.device.SkipFCntCheck,

		RX1Delay:     region.RX1Delay,
		RX1DROffset:  region.RX1DROffset,
		RX2DR:        region.RX2DR,
		RX2Frequency: region.RX2Frequency,

		EnabledUplinkChannels: region.Band.GetEnabledUplinkChannelIndices(),

		NbTrans: 1,

		PingSlotNb:        dctx.profile.ClassBPingSlotNb,
		PingSlotDR:        dctx.profile.ClassBPingSlotDR,
		PingSlotFrequency: dctx.profile.ClassBPingSlotFreq,
	}

	for _, c := range region.ExtraChannels {
		idx, err := region.Band.GetUplinkChannelIndex(c.Frequency, false)
		if err != nil {
			continue
		}
		if session.ExtraUplinkChannels == nil {
			session.ExtraUplinkChannels = map[int]models.ExtraUplinkChannel{}
		}
		session.ExtraUplinkChannels[idx] = models.ExtraUplinkChannel{
			Frequency: c.Frequency,
			MinDR:     c.MinDR,
			MaxDR:     c.MaxDR,
		}
	}

	if is11 {
		fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey, err := lorawan.DeriveSessionKeys11(keys.NwkKey, keys.AppKey, joinNonce, jrPL.JoinEUI, jrPL.DevNonce)
		if err != nil {
			return nil, fmt.Errorf("derive session keys: %w", err)
		}
		session.FNwkSIntKey = fNwkSIntKey
		session.SNwkSIntKey = sNwkSIntKey
		session.NwkSEncKey = nwkSEncKey
		session.AppSKey = &models.KeyEnvelope{AESKey: appSKey[:]}
	} else {
		nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(keys.NwkKey, joinNonce, s.cfg.NetID, jrPL.DevNonce)
		if err != nil {
			return nil, fmt.Errorf("derive session keys: %w", err)
		}
		session.FNwkSIntKey = nwkSKey
		session.SNwkSIntKey = nwkSKey
		session.NwkSEncKey = nwkSKey
		session.AppSKey = &models.KeyEnvelope{AESKey: appSKey[:]}
	}

	return session, nil
}

// activateDevice commits the new session and address mapping, resets
// the enabled class and flushes the stale queue.
func (s *Server) activateDevice(ctx context.Context, dctx *deviceContext, session *models.DeviceSession, devAddr lorawan.DevAddr) error {
	device := dctx.device

	if device.DevAddr != nil {
		if err := s.rs.RemoveDevAddrDevEUI(ctx, *device.DevAddr, device.DevEUI); err != nil {
			log.Error().Err(err).Msg("network: remove stale DevAddr mapping")
		}
	}

	device.DevAddr = &devAddr
	device.SecondaryDevAddr = nil
	device.EnabledClass = models.DeviceClassA
	if dctx.profile.SupportsClassC {
		device.EnabledClass = models.DeviceClassC
	}

	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	dctx.session = session
	if err := s.saveSession(ctx, dctx); err != nil {
		return err
	}
	if err := s.rs.AddDevAddrDevEUI(ctx, devAddr, device.DevEUI, s.cfg.DeviceSessionTTL); err != nil {
		log.Error().Err(err).Msg("network: add DevAddr mapping")
	}

	// Queued items belong to the previous session and are no longer
	// deliverable, their frame counters and keys are gone.
	if err := s.store.FlushDeviceQueue(ctx, device.DevEUI); err != nil {
		return fmt.Errorf("flush device queue: %w", err)
	}
	return nil
}

// sendJoinAccept assembles, signs and encrypts the join-accept and
// transmits it in the JoinAcceptDelay1/2 windows.
func (s *Server) sendJoinAccept(ctx context.Context, dctx *deviceContext, frameSet *models.UplinkFrameSet, jrPL *lorawan.JoinRequestPayload, devAddr lorawan.DevAddr, joinNonce lorawan.JoinNonce, keys *models.DeviceKeys) error {
	region := dctx.region
	is11 := dctx.profile.MACVersion == "1.1.0"

	payload := &lorawan.JoinAcceptPayload{
		JoinNonce: joinNonce,
		HomeNetID: s.cfg.NetID,
		DevAddr:   devAddr,
		DLSettings: lorawan.DLSettings{
			OptNeg:      is11,
			RX1DROffset: region.RX1DROffset,
			RX2DataRate: region.RX2DR,
		},
		RXDelay: region.RX1Delay,
		CFList:  region.Band.GetCFList(dctx.profile.MACVersion),
	}
	phy, err := buildJoinAccept(payload, is11, dctx.device.DevEUI, jrPL.JoinEUI, jrPL.DevNonce, keys.NwkKey)
	if err != nil {
		return err
	}
	phyBytes, err := phy.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal join-accept: %w", err)
	}

	rx, err := s.selectDownlinkGateway(ctx, dctx, frameSet.RXInfoSet, frameSet.DR)
	if err != nil {
		return err
	}

	defaults := region.Band.GetDefaults()

	rx1DR, err := region.Band.GetRX1DataRateIndex(frameSet.DR, int(region.RX1DROffset))
	if err != nil {
		return fmt.Errorf("rx1 data rate: %w", err)
	}
	rx1Freq, err := region.Band.GetRX1FrequencyForUplinkFrequency(frameSet.TXInfo.Frequency)
	if err != nil {
		return fmt.Errorf("rx1 frequency: %w", err)
	}
	rx1, err := s.downlinkTXInfo(region, rx1Freq, rx1DR)
	if err != nil {
		return err
	}
	rx1Delay := defaults.JoinAcceptDelay1
	rx1.Timing = models.DownlinkTiming{Delay: &rx1Delay}
	rx1.Board = rx.Board
	rx1.Antenna = rx.Antenna
	rx1.Context = rx.Context

	rx2, err := s.downlinkTXInfo(region, region.RX2Frequency, int(region.RX2DR))
	if err != nil {
		return err
	}
	rx2Delay := defaults.JoinAcceptDelay2
	rx2.Timing = models.DownlinkTiming{Delay: &rx2Delay}
	rx2.Board = rx.Board
	rx2.Antenna = rx.Antenna
	rx2.Context = rx.Context

	frame := models.DownlinkFrame{
		DownlinkID: rand.Uint32(),
		GatewayID:  rx.GatewayID,
		Items: []models.DownlinkFrameItem{
			{PHYPayload: phyBytes, TXInfo: rx1},
			{PHYPayload: phyBytes, TXInfo: rx2},
		},
	}

	if err := s.rs.SaveDownlinkFrame(ctx, &models.DownlinkFrameRecord{
		DownlinkID: frame.DownlinkID,
		DevEUI:     dctx.device.DevEUI,
		NwkSEncKey: dctx.session.NwkSEncKey,
		Frame:      frame,
	}, downlinkFrameTTL); err != nil {
		return fmt.Errorf("save downlink frame: %w", err)
	}

	backend, err := gateway.GetBackend(frameSet.RegionConfigID)
	if err != nil {
		return err
	}
	if err := backend.SendDownlinkFrame(ctx, frame); err != nil {
		metrics.DownlinkErrors.WithLabelValues("send").Inc()
		return fmt.Errorf("send join-accept: %w", err)
	}
	metrics.DownlinkFrames.WithLabelValues(frameSet.RegionConfigID, "A").Inc()

	// Give the device time to process the accept before anything else is
	// scheduled for it.
	runAfter := time.Now().Add(defaults.JoinAcceptDelay2)
	dctx.device.SchedulerRunAfter = &runAfter
	if err := s.store.UpdateDevice(ctx, dctx.device); err != nil {
		log.Error().Err(err).Msg("network: update device scheduler gate")
	}
	return nil
}

// buildJoinAccept signs and encrypts the join-accept payload. LoRaWAN
// 1.0.x uses the NwkKey for both; 1.1 signs with the JSIntKey and
// encrypts with the JSEncKey derived from it.
func buildJoinAccept(payload *lorawan.JoinAcceptPayload, is11 bool, devEUI, joinEUI lorawan.EUI64, devNonce lorawan.DevNonce, nwkKey lorawan.AES128Key) (*lorawan.PHYPayload, error) {
	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWANR1},
		MACPayload: payload,
	}

	micKey, encKey := nwkKey, nwkKey
	if is11 {
		var err error
		if micKey, err = lorawan.DeriveJSIntKey(nwkKey, devEUI); err != nil {
			return nil, fmt.Errorf("derive JSIntKey: %w", err)
		}
		if encKey, err = lorawan.DeriveJSEncKey(nwkKey, devEUI); err != nil {
			return nil, fmt.Errorf("derive JSEncKey: %w", err)
		}
	}

	if err := phy.SetDownlinkJoinMIC(lorawan.JoinRequestType, joinEUI, devNonce, micKey); err != nil {
		return nil, fmt.Errorf("set join-accept MIC: %w", err)
	}
	if err := phy.EncryptJoinAcceptPayload(encKey); err != nil {
		return nil, fmt.Errorf("encrypt join-accept: %w", err)
	}
	return phy, nil
}
