package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// handleDataUplink runs the data-frame pipeline on a deduplicated
// uplink. ErrAbort terminates the flow for expected reasons and is
// swallowed by the caller.
func (s *Server) handleDataUplink(ctx context.Context, frameSet *models.UplinkFrameSet, phy *lorawan.PHYPayload) error {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return fmt.Errorf("MACPayload of unexpected type %T", phy.MACPayload)
	}

	region, err := s.region(frameSet.RegionConfigID)
	if err != nil {
		return err
	}

	// Frames addressed to another network are roaming traffic, which is
	// out of scope for this server.
	if !macPL.FHDR.DevAddr.IsNetID(s.cfg.NetID) {
		metrics.UplinkDropped.WithLabelValues("foreign_net_id").Inc()
		log.Warn().
			Str("dev_addr", macPL.FHDR.DevAddr.String()).
			Msg("network: uplink DevAddr does not match NetID, ignoring roaming frame")
		return nil
	}

	txCh, err := region.Band.GetUplinkChannelIndex(frameSet.TXInfo.Frequency, true)
	if err != nil {
		txCh, err = region.Band.GetUplinkChannelIndex(frameSet.TXInfo.Frequency, false)
		if err != nil {
			metrics.UplinkDropped.WithLabelValues("unknown_channel").Inc()
			log.Warn().Uint32("frequency", frameSet.TXInfo.Frequency).Msg("network: uplink on unknown channel")
			return nil
		}
	}

	status, err := s.store.GetDeviceForPHYPayload(ctx, frameSet.RegionConfigID, phy, frameSet.DR, txCh, s.cfg.ClassALockDuration)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			metrics.UplinkDropped.WithLabelValues("unknown_device").Inc()
			log.Warn().Str("dev_addr", macPL.FHDR.DevAddr.String()).Msg("network: uplink for unknown DevAddr")
			return nil
		case errors.Is(err, storage.ErrInvalidMIC):
			metrics.UplinkDropped.WithLabelValues("invalid_mic").Inc()
			s.logUnknownDeviceUplink(ctx, macPL.FHDR.DevAddr)
			return nil
		default:
			return fmt.Errorf("get device for PHYPayload: %w", err)
		}
	}

	dctx, err := s.loadDeviceContext(ctx, region, status.Device)
	if err != nil {
		return err
	}
	dctx.session = status.Session

	if dctx.device.IsDisabled {
		// The fcnt increment already committed; undo it so the device
		// accepts the next frame after a re-enable.
		if status.PreIncrementSession != nil {
			if err := s.store.UpdateDeviceSession(ctx, dctx.device.DevEUI, status.PreIncrementSession); err != nil {
				return fmt.Errorf("restore session of disabled device: %w", err)
			}
		}
		log.Warn().Str("dev_eui", dctx.device.DevEUI.String()).Msg("network: uplink from disabled device")
		return nil
	}

	if status.Kind != storage.ValidationOK && !dctx.session.SkipFCntCheck {
		code := models.LogCodeUplinkFCntReset
		description := "uplink frame-counter went backwards, device re-activation required"
		if status.Kind == storage.ValidationRetransmission {
			code = models.LogCodeUplinkFCntRetransmission
			description = "uplink is a retransmission of the previous frame"
		}
		s.logDeviceEvent(ctx, dctx, models.EventLevelWarning, code, description, models.Variables{
			"expected_f_cnt": dctx.session.FCntUp,
			"received_f_cnt": status.FullFCntUp,
		})
		return nil
	}

	macPL.FHDR.FCnt = status.FullFCntUp

	frameSet.RXInfoSet, err = s.filterRXInfoSet(ctx, dctx, frameSet.RXInfoSet)
	if err != nil {
		return err
	}
	if len(frameSet.RXInfoSet) == 0 {
		metrics.UplinkDropped.WithLabelValues("no_rx_info").Inc()
		log.Warn().Str("dev_eui", dctx.device.DevEUI.String()).Msg("network: no gateways left after RX filtering")
		return nil
	}

	e2eEncrypted := dctx.session.IsE2EEncrypted()
	s.decryptDataUplink(dctx, phy, macPL, e2eEncrypted)

	// ADR flag and data-rate bookkeeping. A DR change invalidates the
	// collected link observations.
	dctx.session.ADR = macPL.FHDR.FCtrl.ADR
	if frameSet.DR != dctx.session.DR {
		dctx.session.TXPowerIndex = 0
		dctx.session.ResetADRHistory()
		dctx.session.DR = frameSet.DR
	}

	if dctx.profile.SupportsClassB {
		class := models.DeviceClassA
		if macPL.FHDR.FCtrl.ClassB {
			class = models.DeviceClassB
		}
		if dctx.device.EnabledClass != class {
			dctx.device.EnabledClass = class
			if err := s.store.UpdateDevice(ctx, dctx.device); err != nil {
				return fmt.Errorf("update device class: %w", err)
			}
		}
	}

	// An ADRAckReq means the device stopped hearing us; reset the
	// channel configuration so the downlink path resends it.
	if macPL.FHDR.FCtrl.ADRACKReq {
		dctx.session.EnabledUplinkChannels = region.Band.GetStandardUplinkChannelIndices()
		dctx.session.ExtraUplinkChannels = nil
	}

	macResponses, mustSendDownlink := s.handleUplinkMACCommands(ctx, dctx, frameSet, uplinkMACCommands(macPL))

	if err := s.rs.SaveDeviceGatewayRXInfo(ctx, dctx.device.DevEUI, frameSet.RXInfoSet, s.cfg.DeviceSessionTTL); err != nil {
		return fmt.Errorf("save device gateway rx-info: %w", err)
	}

	dctx.session.AppendUplinkADRHistory(models.UplinkADRHistory{
		FCnt:         status.FullFCntUp,
		MaxSNR:       maxSNR(frameSet.RXInfoSet),
		MaxRSSI:      maxRSSI(frameSet.RXInfoSet),
		TXPowerIndex: dctx.session.TXPowerIndex,
		GatewayCount: len(frameSet.RXInfoSet),
	})

	object := s.emitUplinkEvent(ctx, dctx, frameSet, phy, macPL, e2eEncrypted)
	if object != nil {
		s.recordMeasurements(ctx, dctx, object)
	}

	dctx.session.FCntUp = status.FullFCntUp + 1
	dctx.session.RegionConfigID = frameSet.RegionConfigID
	if err := s.saveSession(ctx, dctx); err != nil {
		return err
	}
	if err := s.store.UpdateDeviceSeen(ctx, dctx.device.DevEUI, frameSet.ReceivedAt); err != nil {
		log.Error().Err(err).Msg("network: update device seen")
	}

	if macPL.FHDR.FCtrl.ACK {
		s.handleDownlinkACK(ctx, dctx)
	}

	s.saveDeviceMetrics(ctx, dctx, frameSet)

	// Hold the device lock over the receive windows so the Class-B/C
	// scheduler does not transmit while the device listens for the
	// Class-A answer.
	locked, err := s.rs.AcquireDeviceLock(ctx, dctx.device.DevEUI, s.cfg.ClassALockDuration)
	if err != nil {
		return fmt.Errorf("acquire device lock: %w", err)
	}
	if !locked {
		log.Debug().Str("dev_eui", dctx.device.DevEUI.String()).Msg("network: device locked, skipping class-a downlink")
		return nil
	}

	// Give all gateways time to buffer their copy before answering.
	select {
	case <-time.After(s.cfg.DownlinkDataDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	down := &downlinkContext{
		deviceContext: dctx,
		uplink:        frameSet,
		macResponses:  macResponses,
		mustAck:       phy.MHDR.MType == lorawan.ConfirmedDataUp,
		mustSend:      macPL.FHDR.FCtrl.ADRACKReq || mustSendDownlink,
	}
	if err := s.scheduleClassADownlink(ctx, down); err != nil {
		return fmt.Errorf("class-a downlink: %w", err)
	}
	return nil
}

// logUnknownDeviceUplink records a MIC failure that could not be tied to
// any device.
func (s *Server) logUnknownDeviceUplink(ctx context.Context, devAddr lorawan.DevAddr) {
	event := &models.EventLog{
		Type:        models.EventTypeLog,
		Level:       models.EventLevelWarning,
		Code:        models.LogCodeUplinkMIC,
		Description: "uplink MIC does not validate against any device session",
		Details:     models.Variables{"dev_addr": devAddr.String()},
	}
	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Msg("network: create event log")
	}
}

// filterRXInfoSet drops receptions by gateways the device must not see:
// private gateways of other tenants and gateways outside the device
// profile's region.
func (s *Server) filterRXInfoSet(ctx context.Context, dctx *deviceContext, rxInfoSet []models.UplinkRXInfo) ([]models.UplinkRXInfo, error) {
	ids := make([]lorawan.EUI64, 0, len(rxInfoSet))
	for _, rx := range rxInfoSet {
		ids = append(ids, rx.GatewayID)
	}

	gateways, err := s.store.GetGatewaysForIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get gateways: %w", err)
	}

	tenants := map[string]*models.Tenant{}
	var out []models.UplinkRXInfo
	for _, rx := range rxInfoSet {
		gw, ok := gateways[rx.GatewayID]
		if !ok {
			continue
		}
		if dctx.profile.Region != "" && dctx.region.Band.Name() != dctx.profile.Region {
			continue
		}
		if gw.TenantID != dctx.tenant.ID {
			owner, ok := tenants[gw.TenantID.String()]
			if !ok {
				owner, err = s.store.GetTenant(ctx, gw.TenantID)
				if err != nil {
					return nil, fmt.Errorf("get gateway tenant: %w", err)
				}
				tenants[gw.TenantID.String()] = owner
			}
			if owner.PrivateGatewaysUp {
				continue
			}
		}
		out = append(out, rx)
	}
	return out, nil
}

// decryptDataUplink decodes the FOpts and decrypts the FRMPayload with
// the key the port dictates. MAC decode errors must not drop the frame;
// the affected section is cleared instead.
func (s *Server) decryptDataUplink(dctx *deviceContext, phy *lorawan.PHYPayload, macPL *lorawan.MACPayload, e2eEncrypted bool) {
	if len(macPL.FHDR.FOpts) > 0 {
		var err error
		if dctx.session.GetMACVersion() == lorawan.LoRaWAN1_1 {
			err = phy.DecryptFOpts(dctx.session.NwkSEncKey)
		} else {
			err = phy.DecodeFOptsToMACCommands()
		}
		if err != nil {
			log.Warn().Err(err).Str("dev_eui", dctx.device.DevEUI.String()).Msg("network: decode FOpts")
			macPL.FHDR.FOpts = nil
		}
	}

	if macPL.FPort == nil || len(macPL.FRMPayload) == 0 {
		return
	}

	switch {
	case *macPL.FPort == 0 || *macPL.FPort == 226:
		if err := phy.DecryptFRMPayload(dctx.session.NwkSEncKey); err != nil {
			log.Warn().Err(err).Str("dev_eui", dctx.device.DevEUI.String()).Msg("network: decrypt MAC FRMPayload")
			macPL.FRMPayload = nil
		}
	case !e2eEncrypted:
		var appSKey lorawan.AES128Key
		copy(appSKey[:], dctx.session.AppSKey.AESKey)
		if err := phy.DecryptFRMPayload(appSKey); err != nil {
			log.Warn().Err(err).Str("dev_eui", dctx.device.DevEUI.String()).Msg("network: decrypt FRMPayload")
			macPL.FRMPayload = nil
		}
	}
}

// uplinkMACCommands collects the decoded MAC commands from the FOpts
// and, for port 0, the FRMPayload.
func uplinkMACCommands(macPL *lorawan.MACPayload) []*lorawan.MACCommand {
	var cmds []*lorawan.MACCommand
	for _, p := range macPL.FHDR.FOpts {
		if cmd, ok := p.(*lorawan.MACCommand); ok {
			cmds = append(cmds, cmd)
		}
	}
	if macPL.FPort != nil && *macPL.FPort == 0 {
		for _, p := range macPL.FRMPayload {
			if cmd, ok := p.(*lorawan.MACCommand); ok {
				cmds = append(cmds, cmd)
			}
		}
	}
	return cmds
}

// emitUplinkEvent runs the payload codec and fans the uplink out to the
// application's integrations. It returns the decoded object, nil on
// codec failure or end-to-end encrypted sessions.
func (s *Server) emitUplinkEvent(ctx context.Context, dctx *deviceContext, frameSet *models.UplinkFrameSet, phy *lorawan.PHYPayload, macPL *lorawan.MACPayload, e2eEncrypted bool) map[string]interface{} {
	if macPL.FPort == nil || *macPL.FPort == 0 {
		return nil
	}

	var data []byte
	if len(macPL.FRMPayload) > 0 {
		if dp, ok := macPL.FRMPayload[0].(*lorawan.DataPayload); ok {
			data = dp.Bytes
		}
	}

	var object map[string]interface{}
	if !e2eEncrypted && dctx.profile.PayloadDecoderScript != "" {
		var err error
		object, err = integration.DecodeUplink(dctx.profile.PayloadDecoderScript, *macPL.FPort, data)
		if err != nil {
			s.logDeviceEvent(ctx, dctx, models.EventLevelError, models.LogCodeUplinkCodec,
				fmt.Sprintf("payload codec failed: %s", err), nil)
		}
	}

	var jsContext *integration.JoinServerContext
	if e2eEncrypted {
		jsContext = &integration.JoinServerContext{
			SessionKeyID: dctx.session.JSSessionKeyID,
			AppSKey:      dctx.session.AppSKey,
		}
	}

	s.fanout.HandleUplinkEvent(ctx, dctx.device.ApplicationID, integration.UplinkEvent{
		Time:              frameSet.ReceivedAt,
		DeviceInfo:        dctx.info(),
		DevAddr:           macPL.FHDR.DevAddr,
		ADR:               macPL.FHDR.FCtrl.ADR,
		DR:                frameSet.DR,
		FCnt:              macPL.FHDR.FCnt,
		FPort:             *macPL.FPort,
		Confirmed:         phy.MHDR.MType == lorawan.ConfirmedDataUp,
		Data:              data,
		Object:            object,
		JoinServerContext: jsContext,
		RXInfo:            frameSet.RXInfoSet,
		TXInfo:            frameSet.TXInfo,
	})
	return object
}

// recordMeasurements folds the decoded payload's leaf fields into the
// per-device measurement rollup according to the profile's measurement
// schema. Fields missing from the schema are added with kind UNKNOWN
// when the profile opts into auto-detection; UNKNOWN fields record
// nothing until the operator assigns them a kind.
func (s *Server) recordMeasurements(ctx context.Context, dctx *deviceContext, object map[string]interface{}) {
	flat := map[string]interface{}{}
	flattenObject("", object, flat)
	if len(flat) == 0 {
		return
	}

	if dctx.device.Variables == nil {
		dctx.device.Variables = models.Variables{}
	}
	rollup, _ := dctx.device.Variables["measurements"].(map[string]interface{})
	if rollup == nil {
		rollup = map[string]interface{}{}
	}

	profileChanged := false
	for name, value := range flat {
		kind, ok := dctx.profile.Measurements[name].(string)
		if !ok {
			if dctx.profile.AutoDetectMeasurements {
				if dctx.profile.Measurements == nil {
					dctx.profile.Measurements = models.Variables{}
				}
				dctx.profile.Measurements[name] = models.MeasurementKindUnknown
				profileChanged = true
			}
			continue
		}

		switch kind {
		case models.MeasurementKindCounter:
			if n, ok := measurementValue(value); ok {
				rollup[name] = map[string]interface{}{"last": n}
			}
		case models.MeasurementKindAbsolute:
			if n, ok := measurementValue(value); ok {
				entry, _ := rollup[name].(map[string]interface{})
				sum, _ := entry["sum"].(float64)
				rollup[name] = map[string]interface{}{"sum": sum + n}
			}
		case models.MeasurementKindGauge:
			if n, ok := measurementValue(value); ok {
				entry, _ := rollup[name].(map[string]interface{})
				sum, _ := entry["sum"].(float64)
				count, _ := entry["count"].(float64)
				rollup[name] = map[string]interface{}{
					"sum":   sum + n,
					"count": count + 1,
					"last":  n,
				}
			}
		case models.MeasurementKindString:
			switch v := value.(type) {
			case string:
				rollup[name] = map[string]interface{}{"last": v}
			case bool:
				rollup[name] = map[string]interface{}{"last": fmt.Sprintf("%t", v)}
			}
		}
	}

	dctx.device.Variables["measurements"] = rollup

	if profileChanged {
		if err := s.store.UpdateDeviceProfile(ctx, dctx.profile); err != nil {
			log.Error().Err(err).Msg("network: save auto-detected measurements")
		}
	}
}

// flattenObject walks nested maps, joining keys with an underscore the
// way the time-series sinks name their points.
func flattenObject(prefix string, obj map[string]interface{}, out map[string]interface{}) {
	for k, v := range obj {
		name := k
		if prefix != "" {
			name = prefix + "_" + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenObject(name, nested, out)
			continue
		}
		out[name] = v
	}
}

func measurementValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// handleDownlinkACK resolves the pending queue item acknowledged by the
// uplink's ACK bit.
func (s *Server) handleDownlinkACK(ctx context.Context, dctx *deviceContext) {
	item, err := s.store.GetPendingDeviceQueueItem(ctx, dctx.device.DevEUI)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Msg("network: get pending queue item")
		}
		return
	}

	if err := s.store.DeleteDeviceQueueItem(ctx, item.ID); err != nil {
		log.Error().Err(err).Msg("network: delete acked queue item")
		return
	}

	var fCntDown uint32
	if item.FCntDown != nil {
		fCntDown = uint32(*item.FCntDown)
	}
	s.fanout.HandleAckEvent(ctx, dctx.device.ApplicationID, integration.AckEvent{
		Time:         time.Now(),
		DeviceInfo:   dctx.info(),
		QueueItemID:  item.ID,
		Acknowledged: true,
		FCntDown:     fCntDown,
	})
}

// saveSession persists the session to the device row and refreshes the
// Redis cache.
func (s *Server) saveSession(ctx context.Context, dctx *deviceContext) error {
	if err := s.store.UpdateDeviceSession(ctx, dctx.device.DevEUI, dctx.session); err != nil {
		return fmt.Errorf("update device session: %w", err)
	}
	if err := s.rs.SaveDeviceSession(ctx, dctx.device.DevEUI, dctx.session, s.cfg.DeviceSessionTTL); err != nil {
		log.Error().Err(err).Msg("network: cache device session")
	}
	return nil
}

// saveDeviceMetrics folds the reception into the per-device rollup kept
// on the device row.
func (s *Server) saveDeviceMetrics(ctx context.Context, dctx *deviceContext, frameSet *models.UplinkFrameSet) {
	if dctx.device.Variables == nil {
		dctx.device.Variables = models.Variables{}
	}

	rollup, _ := dctx.device.Variables["metrics"].(map[string]interface{})
	if rollup == nil {
		rollup = map[string]interface{}{}
	}

	add := func(key string, delta float64) {
		current, _ := rollup[key].(float64)
		rollup[key] = current + delta
	}

	add("rx_count", 1)
	add("gw_rssi_sum", float64(maxRSSI(frameSet.RXInfoSet)))
	add("gw_snr_sum", maxSNR(frameSet.RXInfoSet))
	add(fmt.Sprintf("rx_freq_%d", frameSet.TXInfo.Frequency), 1)
	add(fmt.Sprintf("rx_dr_%d", frameSet.DR), 1)

	dctx.device.Variables["metrics"] = rollup
	if err := s.store.UpdateDevice(ctx, dctx.device); err != nil {
		log.Error().Err(err).Msg("network: save device metrics")
	}
}
