package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/adr"
	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/classb"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// requiredSNRForSF is the demodulation floor per spreading factor.
var requiredSNRForSF = map[int]float64{
	6:  -5,
	7:  -7.5,
	8:  -10,
	9:  -12.5,
	10: -15,
	11: -17.5,
	12: -20,
}

func (s *Server) requiredSNR(region *Region, dr int) float64 {
	d, err := region.Band.GetDataRate(dr)
	if err != nil {
		return 0
	}
	if snr, ok := requiredSNRForSF[d.SpreadFactor]; ok {
		return snr
	}
	return 0
}

// handleUplinkMACCommands answers every MAC request and indication the
// device sent and applies acknowledged pending blocks to the session.
// Decoding errors of single commands never drop the frame.
func (s *Server) handleUplinkMACCommands(ctx context.Context, dctx *deviceContext, frameSet *models.UplinkFrameSet, cmds []*lorawan.MACCommand) ([]lorawan.MACCommand, bool) {
	var responses []lorawan.MACCommand
	var mustSend bool

	for _, cmd := range cmds {
		resp, send, err := s.handleUplinkMACCommand(ctx, dctx, frameSet, cmd)
		if err != nil {
			log.Warn().Err(err).
				Str("dev_eui", dctx.device.DevEUI.String()).
				Str("cid", cmd.CID.String()).
				Msg("network: MAC command handling failed, continuing")
			continue
		}
		responses = append(responses, resp...)
		mustSend = mustSend || send
	}

	return responses, mustSend
}

func (s *Server) handleUplinkMACCommand(ctx context.Context, dctx *deviceContext, frameSet *models.UplinkFrameSet, cmd *lorawan.MACCommand) ([]lorawan.MACCommand, bool, error) {
	session := dctx.session

	switch cmd.CID {
	case lorawan.LinkADRAns:
		pl, ok := cmd.Payload.(*lorawan.LinkADRAnsPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected LinkADRAns payload %T", cmd.Payload)
		}
		return nil, false, s.applyLinkADRAns(ctx, dctx, pl)

	case lorawan.RXParamSetupAns:
		pl, ok := cmd.Payload.(*lorawan.RXParamSetupAnsPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected RXParamSetupAns payload %T", cmd.Payload)
		}
		pending, err := s.takePendingMACCommand(ctx, dctx, lorawan.RXParamSetupReq)
		if err != nil || pending == nil {
			return nil, false, err
		}
		if pl.ChannelACK && pl.RX2DataRateACK && pl.RX1DROffsetACK {
			if req, ok := pending.Payload.(*lorawan.RXParamSetupReqPayload); ok {
				session.RX1DROffset = req.DLSettings.RX1DROffset
				session.RX2DR = req.DLSettings.RX2DataRate
				session.RX2Frequency = req.Frequency
			}
		}
		return nil, false, nil

	case lorawan.RXTimingSetupAns:
		pending, err := s.takePendingMACCommand(ctx, dctx, lorawan.RXTimingSetupReq)
		if err != nil || pending == nil {
			return nil, false, err
		}
		if req, ok := pending.Payload.(*lorawan.RXTimingSetupReqPayload); ok {
			session.RX1Delay = req.Delay
		}
		return nil, false, nil

	case lorawan.NewChannelAns:
		pl, ok := cmd.Payload.(*lorawan.NewChannelAnsPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected NewChannelAns payload %T", cmd.Payload)
		}
		block, err := s.getPendingBlock(ctx, dctx, lorawan.NewChannelReq)
		if err != nil || block == nil {
			return nil, false, err
		}
		if pl.ChannelFrequencyOK && pl.DataRateRangeOK {
			if session.ExtraUplinkChannels == nil {
				session.ExtraUplinkChannels = map[int]models.ExtraUplinkChannel{}
			}
			for _, pc := range block.Commands {
				if req, ok := pc.Payload.(*lorawan.NewChannelReqPayload); ok {
					session.ExtraUplinkChannels[int(req.ChIndex)] = models.ExtraUplinkChannel{
						Frequency: req.Freq,
						MinDR:     int(req.MinDR),
						MaxDR:     int(req.MaxDR),
					}
					session.EnabledUplinkChannels = appendUnique(session.EnabledUplinkChannels, int(req.ChIndex))
				}
			}
		}
		return nil, false, s.store.DeletePendingMACCommand(ctx, dctx.device.DevEUI, lorawan.NewChannelReq)

	case lorawan.PingSlotChannelAns:
		pl, ok := cmd.Payload.(*lorawan.PingSlotChannelAnsPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected PingSlotChannelAns payload %T", cmd.Payload)
		}
		pending, err := s.takePendingMACCommand(ctx, dctx, lorawan.PingSlotChannelReq)
		if err != nil || pending == nil {
			return nil, false, err
		}
		if pl.ChannelFrequencyOK && pl.DataRateOK {
			if req, ok := pending.Payload.(*lorawan.PingSlotChannelReqPayload); ok {
				session.PingSlotDR = int(req.DR)
				session.PingSlotFrequency = req.Frequency
			}
		}
		return nil, false, nil

	case lorawan.RejoinParamSetupAns:
		pending, err := s.takePendingMACCommand(ctx, dctx, lorawan.RejoinParamSetupReq)
		if err != nil || pending == nil {
			return nil, false, err
		}
		if req, ok := pending.Payload.(*lorawan.RejoinParamSetupReqPayload); ok {
			session.RejoinRequestEnabled = true
			session.RejoinRequestMaxCountN = int(req.MaxCountN)
			session.RejoinRequestMaxTimeN = int(req.MaxTimeN)
		}
		return nil, false, nil

	case lorawan.TXParamSetupAns:
		pending, err := s.takePendingMACCommand(ctx, dctx, lorawan.TXParamSetupReq)
		if err != nil || pending == nil {
			return nil, false, err
		}
		if req, ok := pending.Payload.(*lorawan.TXParamSetupReqPayload); ok {
			session.UplinkDwellTime400ms = req.UplinkDwellTime == lorawan.DwellTime400ms
			session.DownlinkDwellTime400ms = req.DownlinkDwellTime == lorawan.DwellTime400ms
			session.UplinkMaxEIRPIndex = int(req.MaxEIRP)
		}
		return nil, false, nil

	case lorawan.DevStatusAns:
		pl, ok := cmd.Payload.(*lorawan.DevStatusAnsPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected DevStatusAns payload %T", cmd.Payload)
		}
		s.handleDevStatusAns(ctx, dctx, pl)
		return nil, false, nil

	case lorawan.LinkCheckReq:
		margin := maxSNR(frameSet.RXInfoSet) - s.requiredSNR(dctx.region, frameSet.DR)
		if margin < 0 {
			margin = 0
		}
		return []lorawan.MACCommand{{
			CID: lorawan.LinkCheckAns,
			Payload: &lorawan.LinkCheckAnsPayload{
				Margin: uint8(margin),
				GwCnt:  uint8(len(frameSet.RXInfoSet)),
			},
		}}, true, nil

	case lorawan.DeviceTimeReq:
		return []lorawan.MACCommand{{
			CID: lorawan.DeviceTimeAns,
			Payload: &lorawan.DeviceTimeAnsPayload{
				TimeSinceGPSEpoch: classb.TimeToGPSEpoch(frameSet.ReceivedAt),
			},
		}}, true, nil

	case lorawan.RekeyInd:
		pl, ok := cmd.Payload.(*lorawan.RekeyIndPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected RekeyInd payload %T", cmd.Payload)
		}
		minor := pl.DevLoRaWANVersion.Minor
		if minor > 1 {
			minor = 1
		}
		return []lorawan.MACCommand{{
			CID:     lorawan.RekeyConf,
			Payload: &lorawan.RekeyConfPayload{ServLoRaWANVersion: lorawan.Version{Minor: minor}},
		}}, true, nil

	case lorawan.ResetInd:
		pl, ok := cmd.Payload.(*lorawan.ResetIndPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected ResetInd payload %T", cmd.Payload)
		}
		minor := pl.DevLoRaWANVersion.Minor
		if minor > 1 {
			minor = 1
		}
		return []lorawan.MACCommand{{
			CID:     lorawan.ResetConf,
			Payload: &lorawan.ResetConfPayload{ServLoRaWANVersion: lorawan.Version{Minor: minor}},
		}}, true, nil

	case lorawan.DeviceModeInd:
		pl, ok := cmd.Payload.(*lorawan.DeviceModeIndPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected DeviceModeInd payload %T", cmd.Payload)
		}
		class := models.DeviceClassA
		if pl.Class == lorawan.DeviceModeClassC {
			class = models.DeviceClassC
		}
		dctx.device.EnabledClass = class
		if err := s.store.UpdateDevice(ctx, dctx.device); err != nil {
			return nil, false, fmt.Errorf("update device class: %w", err)
		}
		return []lorawan.MACCommand{{
			CID:     lorawan.DeviceModeConf,
			Payload: &lorawan.DeviceModeConfPayload{Class: pl.Class},
		}}, true, nil

	case lorawan.PingSlotInfoReq:
		pl, ok := cmd.Payload.(*lorawan.PingSlotInfoReqPayload)
		if !ok {
			return nil, false, fmt.Errorf("unexpected PingSlotInfoReq payload %T", cmd.Payload)
		}
		session.PingSlotNb = 1 << (7 - pl.Periodicity)
		return []lorawan.MACCommand{{CID: lorawan.PingSlotInfoAns}}, true, nil

	default:
		log.Debug().
			Str("cid", cmd.CID.String()).
			Str("dev_eui", dctx.device.DevEUI.String()).
			Msg("network: unhandled uplink MAC command")
		return nil, false, nil
	}
}

// applyLinkADRAns applies a fully acknowledged LinkADRReq set to the
// session. A rejected or partially acknowledged set keeps the device
// state untouched and the request pending, so a later downlink can
// retransmit it.
func (s *Server) applyLinkADRAns(ctx context.Context, dctx *deviceContext, pl *lorawan.LinkADRAnsPayload) error {
	block, err := s.getPendingBlock(ctx, dctx, lorawan.LinkADRReq)
	if err != nil {
		return err
	}
	if block == nil {
		log.Warn().Str("dev_eui", dctx.device.DevEUI.String()).Msg("network: LinkADRAns without pending request")
		return nil
	}

	if !pl.ChannelMaskACK || !pl.DataRateACK || !pl.PowerACK {
		log.Warn().
			Str("dev_eui", dctx.device.DevEUI.String()).
			Bool("channel_mask_ack", pl.ChannelMaskACK).
			Bool("data_rate_ack", pl.DataRateACK).
			Bool("power_ack", pl.PowerACK).
			Msg("network: device rejected LinkADRReq, keeping request pending")
		return nil
	}

	var payloads []lorawan.LinkADRReqPayload
	for _, pc := range block.Commands {
		if req, ok := pc.Payload.(*lorawan.LinkADRReqPayload); ok {
			payloads = append(payloads, *req)
		}
	}
	if len(payloads) > 0 {
		chans, err := dctx.region.Band.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(dctx.session.EnabledUplinkChannels, payloads)
		if err != nil {
			return fmt.Errorf("apply channel mask: %w", err)
		}
		dctx.session.EnabledUplinkChannels = chans

		last := payloads[len(payloads)-1]
		dctx.session.DR = int(last.DataRate)
		dctx.session.TXPowerIndex = int(last.TXPower)
		dctx.session.NbTrans = last.Redundancy.NbRep
	}

	return s.store.DeletePendingMACCommand(ctx, dctx.device.DevEUI, lorawan.LinkADRReq)
}

// handleDevStatusAns records the device's battery and margin report.
func (s *Server) handleDevStatusAns(ctx context.Context, dctx *deviceContext, pl *lorawan.DevStatusAnsPayload) {
	var batteryLevel *float64
	external := pl.Battery == 0
	unavailable := pl.Battery == 255
	if !external && !unavailable {
		level := float64(pl.Battery) / 254 * 100
		batteryLevel = &level
	}

	if err := s.store.UpdateDeviceStatus(ctx, dctx.device.DevEUI, int(pl.Margin), batteryLevel); err != nil {
		log.Error().Err(err).Msg("network: update device status")
	}

	event := integration.StatusEvent{
		Time:                    time.Now(),
		DeviceInfo:              dctx.info(),
		Margin:                  int(pl.Margin),
		ExternalPowerSource:     external,
		BatteryLevelUnavailable: unavailable,
	}
	if batteryLevel != nil {
		event.BatteryLevel = *batteryLevel
	}
	s.fanout.HandleStatusEvent(ctx, dctx.device.ApplicationID, event)
}

// getPendingBlock returns the pending block for a CID, or nil when none
// is stored.
func (s *Server) getPendingBlock(ctx context.Context, dctx *deviceContext, cid lorawan.CID) (*models.MACCommandBlock, error) {
	block, err := s.store.GetPendingMACCommand(ctx, dctx.device.DevEUI, cid)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pending MAC command: %w", err)
	}
	return block, nil
}

// takePendingMACCommand pops the single pending command for a CID.
func (s *Server) takePendingMACCommand(ctx context.Context, dctx *deviceContext, cid lorawan.CID) (*lorawan.MACCommand, error) {
	block, err := s.getPendingBlock(ctx, dctx, cid)
	if err != nil || block == nil {
		return nil, err
	}
	if err := s.store.DeletePendingMACCommand(ctx, dctx.device.DevEUI, cid); err != nil {
		return nil, fmt.Errorf("delete pending MAC command: %w", err)
	}
	if len(block.Commands) == 0 {
		return nil, nil
	}
	return &block.Commands[0], nil
}

func appendUnique(values []int, v int) []int {
	for _, x := range values {
		if x == v {
			return values
		}
	}
	return append(values, v)
}

// requestMACCommands computes the command blocks the server wants to
// send on the next downlink, in a fixed order. Every emitted block is
// saved as the pending state for its CID until the device acks it.
func (s *Server) requestMACCommands(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	var out []lorawan.MACCommand

	for _, build := range []func(context.Context, *deviceContext) []lorawan.MACCommand{
		s.requestCustomChannels,
		s.requestChannelMaskAndADR,
		s.requestDevStatus,
		s.requestRejoinParams,
		s.requestPingSlotChannel,
		s.requestRXParams,
		s.requestRXTiming,
		s.requestTXParams,
	} {
		cmds := build(ctx, dctx)
		if len(cmds) == 0 {
			continue
		}
		if err := s.savePendingBlock(ctx, dctx, cmds); err != nil {
			log.Error().Err(err).Msg("network: save pending MAC command")
			continue
		}
		out = append(out, cmds...)
	}

	return out
}

func (s *Server) savePendingBlock(ctx context.Context, dctx *deviceContext, cmds []lorawan.MACCommand) error {
	return s.store.SetPendingMACCommand(ctx, &models.MACCommandBlock{
		DevEUI:   dctx.device.DevEUI,
		CID:      cmds[0].CID,
		Commands: cmds,
	})
}

// requestCustomChannels diffs the region's extra channels against the
// device's; each missing or stale channel yields a NewChannelReq.
// Removals are covered by the channel-mask reconfiguration.
func (s *Server) requestCustomChannels(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	var out []lorawan.MACCommand

	for _, c := range dctx.region.ExtraChannels {
		idx, err := dctx.region.Band.GetUplinkChannelIndex(c.Frequency, false)
		if err != nil {
			continue
		}
		current, ok := dctx.session.ExtraUplinkChannels[idx]
		if ok && current.Frequency == c.Frequency && current.MinDR == c.MinDR && current.MaxDR == c.MaxDR {
			continue
		}
		out = append(out, lorawan.MACCommand{
			CID: lorawan.NewChannelReq,
			Payload: &lorawan.NewChannelReqPayload{
				ChIndex: uint8(idx),
				Freq:    c.Frequency,
				MinDR:   uint8(c.MinDR),
				MaxDR:   uint8(c.MaxDR),
			},
		})
	}
	return out
}

// requestChannelMaskAndADR reconciles the device's enabled channels with
// the region's and folds an ADR parameter change into the same
// LinkADRReq set: the last payload carries DR, TX power and NbTrans.
func (s *Server) requestChannelMaskAndADR(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	session := dctx.session

	payloads := dctx.region.Band.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(session.EnabledUplinkChannels)

	newDR := session.DR
	newTXPower := session.TXPowerIndex
	newNbTrans := int(session.NbTrans)

	if session.ADR {
		maxTXPower := session.MaxSupportedTXPowerIndex
		if maxTXPower == 0 {
			maxTXPower = dctx.region.Band.MaxTXPowerIndex()
		}
		resp, err := adr.Get(dctx.profile.ADRAlgorithmID).Handle(ctx, &adr.Request{
			RegionName:         dctx.region.Band.Name(),
			MACVersion:         session.MACVersion,
			RegParamsRevision:  dctx.profile.RegParamsRevision,
			ADR:                session.ADR,
			DR:                 session.DR,
			TXPowerIndex:       session.TXPowerIndex,
			NbTrans:            int(session.NbTrans),
			MaxTXPowerIndex:    maxTXPower,
			RequiredSNRForDR:   s.requiredSNR(dctx.region, session.DR),
			InstallationMargin: s.cfg.InstallationMargin,
			MinDR:              dctx.region.MinDR,
			MaxDR:              dctx.region.MaxDR,
			UplinkHistory:      session.UplinkADRHistory,
		})
		if err != nil {
			log.Error().Err(err).Msg("network: adr handle")
		} else {
			newDR, newTXPower, newNbTrans = resp.DR, resp.TXPowerIndex, resp.NbTrans
		}
	}

	adrChanged := newDR != session.DR || newTXPower != session.TXPowerIndex || newNbTrans != int(session.NbTrans)
	if len(payloads) == 0 && !adrChanged {
		return nil
	}

	if len(payloads) == 0 {
		// No mask change needed; regenerate the full mask so the request
		// is self-contained.
		payloads = dctx.region.Band.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(nil)
		if len(payloads) == 0 {
			return nil
		}
	}

	last := &payloads[len(payloads)-1]
	last.DataRate = uint8(newDR)
	last.TXPower = uint8(newTXPower)
	last.Redundancy.NbRep = uint8(newNbTrans)

	out := make([]lorawan.MACCommand, 0, len(payloads))
	for i := range payloads {
		pl := payloads[i]
		out = append(out, lorawan.MACCommand{CID: lorawan.LinkADRReq, Payload: &pl})
	}
	return out
}

// requestDevStatus polls the device's battery and margin at the
// profile's interval.
func (s *Server) requestDevStatus(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	interval := dctx.profile.DeviceStatusReqInterval
	if interval <= 0 {
		return nil
	}

	due := dctx.session.LastDevStatusRequested.Add(24 * time.Hour / time.Duration(interval))
	if time.Now().Before(due) {
		return nil
	}

	dctx.session.LastDevStatusRequested = time.Now()
	return []lorawan.MACCommand{{CID: lorawan.DevStatusReq}}
}

// requestRejoinParams configures the periodic rejoin-request of a
// LoRaWAN 1.1 device.
func (s *Server) requestRejoinParams(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	if !s.cfg.RejoinRequestEnabled || dctx.session.GetMACVersion() != lorawan.LoRaWAN1_1 {
		return nil
	}
	if dctx.session.RejoinRequestEnabled &&
		dctx.session.RejoinRequestMaxCountN == s.cfg.RejoinRequestMaxCountN &&
		dctx.session.RejoinRequestMaxTimeN == s.cfg.RejoinRequestMaxTimeN {
		return nil
	}

	return []lorawan.MACCommand{{
		CID: lorawan.RejoinParamSetupReq,
		Payload: &lorawan.RejoinParamSetupReqPayload{
			MaxCountN: uint8(s.cfg.RejoinRequestMaxCountN),
			MaxTimeN:  uint8(s.cfg.RejoinRequestMaxTimeN),
		},
	}}
}

// requestPingSlotChannel aligns a Class-B device's ping-slot parameters
// with the region configuration.
func (s *Server) requestPingSlotChannel(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	if !dctx.profile.SupportsClassB {
		return nil
	}
	if dctx.session.PingSlotDR == dctx.region.ClassBPingSlotDR &&
		dctx.session.PingSlotFrequency == dctx.region.ClassBPingSlotFrequency {
		return nil
	}

	return []lorawan.MACCommand{{
		CID: lorawan.PingSlotChannelReq,
		Payload: &lorawan.PingSlotChannelReqPayload{
			Frequency: dctx.region.ClassBPingSlotFrequency,
			DR:        uint8(dctx.region.ClassBPingSlotDR),
		},
	}}
}

func (s *Server) requestRXParams(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	if dctx.session.RX2Frequency == dctx.region.RX2Frequency &&
		dctx.session.RX2DR == dctx.region.RX2DR &&
		dctx.session.RX1DROffset == dctx.region.RX1DROffset {
		return nil
	}

	return []lorawan.MACCommand{{
		CID: lorawan.RXParamSetupReq,
		Payload: &lorawan.RXParamSetupReqPayload{
			Frequency: dctx.region.RX2Frequency,
			DLSettings: lorawan.DLSettings{
				RX2DataRate: dctx.region.RX2DR,
				RX1DROffset: dctx.region.RX1DROffset,
			},
		},
	}}
}

func (s *Server) requestRXTiming(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	if dctx.session.RX1Delay == dctx.region.RX1Delay {
		return nil
	}
	return []lorawan.MACCommand{{
		CID:     lorawan.RXTimingSetupReq,
		Payload: &lorawan.RXTimingSetupReqPayload{Delay: dctx.region.RX1Delay},
	}}
}

func (s *Server) requestTXParams(ctx context.Context, dctx *deviceContext) []lorawan.MACCommand {
	if !dctx.region.Band.ImplementsTXParamSetup(dctx.session.MACVersion) {
		return nil
	}
	if dctx.session.UplinkDwellTime400ms == dctx.region.UplinkDwellTime400ms &&
		dctx.session.DownlinkDwellTime400ms == dctx.region.DownlinkDwellTime400ms &&
		dctx.session.UplinkMaxEIRPIndex == dctx.region.UplinkMaxEIRPIndex {
		return nil
	}

	dwell := func(v bool) lorawan.DwellTime {
		if v {
			return lorawan.DwellTime400ms
		}
		return lorawan.DwellTimeNoLimit
	}
	return []lorawan.MACCommand{{
		CID: lorawan.TXParamSetupReq,
		Payload: &lorawan.TXParamSetupReqPayload{
			UplinkDwellTime:   dwell(dctx.region.UplinkDwellTime400ms),
			DownlinkDwellTime: dwell(dctx.region.DownlinkDwellTime400ms),
			MaxEIRP:           uint8(dctx.region.UplinkMaxEIRPIndex),
		},
	}}
}
