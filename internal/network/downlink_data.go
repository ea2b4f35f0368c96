package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
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

// maxFOptsLen is the FOpts capacity of the frame header; a MAC-command
// set that does not fit moves to the FRMPayload on port 0.
const maxFOptsLen = 15

// downlinkFrameTTL bounds how long a dispatched frame stays resolvable
// for its tx-ack.
const downlinkFrameTTL = 5 * time.Minute

// downlinkContext carries one downlink opportunity through assembly.
// For Class-A it is derived from the uplink that opened the receive
// windows; the scheduler builds it without an uplink.
type downlinkContext struct {
	*deviceContext

	uplink       *models.UplinkFrameSet
	macResponses []lorawan.MACCommand

	// mustAck acknowledges a confirmed uplink; mustSend forces a frame
	// even with an empty queue (MAC answers, ADRAckReq).
	mustAck  bool
	mustSend bool
}

// scheduleClassADownlink assembles and sends the Class-A answer in the
// device's RX1/RX2 windows.
func (s *Server) scheduleClassADownlink(ctx context.Context, dctx *downlinkContext) error {
	rx, err := s.selectDownlinkGateway(ctx, dctx.deviceContext, dctx.uplink.RXInfoSet, dctx.uplink.DR)
	if err != nil {
		return err
	}

	items, err := s.classAItems(dctx, rx)
	if err != nil {
		return err
	}

	maxPayload, err := s.maxPayloadForItems(dctx.deviceContext, items)
	if err != nil {
		return err
	}

	return s.sendDataDownlink(ctx, dctx, rx.GatewayID, items, maxPayload, "A")
}

// selectDownlinkGateway picks the gateway that answers, skipping private
// gateways of other tenants. The default is the strongest RSSI; with
// min-margin selection the weakest gateway that still clears the SNR
// margin wins, keeping strong gateways free for devices at range.
func (s *Server) selectDownlinkGateway(ctx context.Context, dctx *deviceContext, rxInfoSet []models.UplinkRXInfo, uplinkDR int) (*models.UplinkRXInfo, error) {
	gateways, err := s.store.GetGatewaysForIDs(ctx, gatewayIDs(rxInfoSet))
	if err != nil {
		return nil, fmt.Errorf("get gateways: %w", err)
	}

	tenants := map[string]*models.Tenant{}
	var candidates []models.UplinkRXInfo
	for _, rx := range rxInfoSet {
		gw, ok := gateways[rx.GatewayID]
		if !ok {
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
			if owner.PrivateGatewaysDown {
				continue
			}
		}
		candidates = append(candidates, rx)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no gateway available for downlink")
	}

	if s.cfg.GatewayPreferMinMargin {
		required := s.requiredSNR(dctx.region, uplinkDR)
		best := -1
		bestMargin := 0.0
		for i, rx := range candidates {
			margin := rx.LoRaSNR - required
			if margin < s.cfg.GatewayMinMarginSNR {
				continue
			}
			if best == -1 || margin < bestMargin {
				best = i
				bestMargin = margin
			}
		}
		if best != -1 {
			return &candidates[best], nil
		}
	}

	best := 0
	for i, rx := range candidates {
		if rx.RSSI > candidates[best].RSSI {
			best = i
		}
	}
	return &candidates[best], nil
}

func gatewayIDs(rxInfoSet []models.UplinkRXInfo) []lorawan.EUI64 {
	ids := make([]lorawan.EUI64, 0, len(rxInfoSet))
	for _, rx := range rxInfoSet {
		ids = append(ids, rx.GatewayID)
	}
	return ids
}

// classAItems builds the RX1 and RX2 transmission candidates. When the
// region prefers RX2 and the device already uses the configured RX2
// parameters, only the RX2 window is offered.
func (s *Server) classAItems(dctx *downlinkContext, rx *models.UplinkRXInfo) ([]models.DownlinkFrameItem, error) {
	region := dctx.region
	session := dctx.session
	defaults := region.Band.GetDefaults()

	rx1Delay := defaults.ReceiveDelay1
	if session.RX1Delay > 0 {
		rx1Delay = time.Duration(session.RX1Delay) * time.Second
	}

	rx1DR, err := region.Band.GetRX1DataRateIndex(dctx.uplink.DR, int(session.RX1DROffset))
	if err != nil {
		return nil, fmt.Errorf("rx1 data rate: %w", err)
	}
	rx1Freq, err := region.Band.GetRX1FrequencyForUplinkFrequency(dctx.uplink.TXInfo.Frequency)
	if err != nil {
		return nil, fmt.Errorf("rx1 frequency: %w", err)
	}

	rx1, err := s.downlinkTXInfo(region, rx1Freq, rx1DR)
	if err != nil {
		return nil, err
	}
	rx1.Timing = models.DownlinkTiming{Delay: &rx1Delay}
	rx1.Board = rx.Board
	rx1.Antenna = rx.Antenna
	rx1.Context = rx.Context

	rx2Delay := rx1Delay + time.Second
	rx2, err := s.downlinkTXInfo(region, session.RX2Frequency, int(session.RX2DR))
	if err != nil {
		return nil, err
	}
	rx2.Timing = models.DownlinkTiming{Delay: &rx2Delay}
	rx2.Board = rx.Board
	rx2.Antenna = rx.Antenna
	rx2.Context = rx.Context

	if s.preferRX2(dctx, rx1DR, rx1, rx2) {
		return []models.DownlinkFrameItem{{TXInfo: rx2}}, nil
	}
	return []models.DownlinkFrameItem{{TXInfo: rx1}, {TXInfo: rx2}}, nil
}

// preferRX2 applies the region's RX2 preference rules. They only apply
// once the device has accepted the configured RX2 parameters; before
// that RX1 remains the reliable window.
func (s *Server) preferRX2(dctx *downlinkContext, rx1DR int, rx1, rx2 models.DownlinkTXInfo) bool {
	region := dctx.region
	session := dctx.session

	if session.RX2Frequency != region.RX2Frequency || session.RX2DR != region.RX2DR {
		return false
	}

	if rx1DR < region.RX2PreferOnRX1DRLt {
		return true
	}

	if region.RX2PreferOnLinkBudget {
		rx1Budget := float64(rx1.Power) - s.requiredSNR(region, rx1DR)
		rx2Budget := float64(rx2.Power) - s.requiredSNR(region, int(session.RX2DR))
		return rx2Budget > rx1Budget
	}

	return false
}

// downlinkTXInfo renders the radio parameters for one window.
func (s *Server) downlinkTXInfo(region *Region, frequency uint32, dr int) (models.DownlinkTXInfo, error) {
	d, err := region.Band.GetDataRate(dr)
	if err != nil {
		return models.DownlinkTXInfo{}, fmt.Errorf("downlink data rate %d: %w", dr, err)
	}

	txInfo := models.DownlinkTXInfo{Frequency: frequency}

	if region.DownlinkTXPower >= 0 {
		txInfo.Power = region.DownlinkTXPower
	} else {
		txInfo.Power = region.Band.GetDownlinkTXPower(frequency)
	}

	switch d.Modulation {
	case band.FSKModulation:
		txInfo.Modulation.FSK = &models.FSKModulationInfo{Datarate: d.BitRate}
	default:
		txInfo.Modulation.LoRa = &models.LoRaModulationInfo{
			Bandwidth:             d.Bandwidth * 1000,
			SpreadingFactor:       d.SpreadFactor,
			CodeRate:              "4/5",
			PolarizationInversion: true,
		}
	}
	return txInfo, nil
}

// maxPayloadForItems returns the payload budget of the window the
// device is expected to use, which is the first offered item.
func (s *Server) maxPayloadForItems(dctx *deviceContext, items []models.DownlinkFrameItem) (int, error) {
	dr, err := s.itemDataRate(dctx.region, items[0].TXInfo)
	if err != nil {
		return 0, err
	}
	mps, err := dctx.region.Band.GetMaxPayloadSizeForDataRateIndex(dctx.profile.MACVersion, dctx.profile.RegParamsRevision, dr)
	if err != nil {
		return 0, fmt.Errorf("max payload size: %w", err)
	}
	return mps.N, nil
}

func (s *Server) itemDataRate(region *Region, txInfo models.DownlinkTXInfo) (int, error) {
	return region.Band.GetDataRateIndex(false, bandDataRate(txInfo.Modulation))
}

// sendDataDownlink runs the shared tail of every data downlink: queue
// item selection, MAC-command assembly, frame construction, dispatch
// and counter bookkeeping.
func (s *Server) sendDataDownlink(ctx context.Context, dctx *downlinkContext, gatewayID lorawan.EUI64, items []models.DownlinkFrameItem, maxPayload int, class string) error {
	session := dctx.session
	is11 := session.GetMACVersion() == lorawan.LoRaWAN1_1

	macCommands := append([]lorawan.MACCommand{}, dctx.macResponses...)
	macCommands = append(macCommands, s.requestMACCommands(ctx, dctx.deviceContext)...)

	macBytes := 0
	for i := range macCommands {
		b, err := macCommands[i].MarshalBinary()
		if err != nil {
			return fmt.Errorf("marshal MAC command: %w", err)
		}
		macBytes += len(b)
	}
	macInFRMPayload := macBytes > maxFOptsLen

	var item *models.DeviceQueueItem
	if !macInFRMPayload {
		item = s.nextQueueItem(ctx, dctx, maxPayload, macBytes)
	}

	fPending := false
	if item == nil {
		pending, _ := s.store.GetNextDeviceQueueItem(ctx, dctx.device.DevEUI)
		fPending = displacedQueueItem(pending, macInFRMPayload, macBytes, maxPayload)
	}

	if item == nil && len(macCommands) == 0 && !dctx.mustAck && !dctx.mustSend {
		return nil
	}

	fCnt := session.NFCntDown
	if item != nil && is11 {
		fCnt = session.AFCntDown
	}
	if item != nil && item.FCntDown != nil {
		fCnt = uint32(*item.FCntDown)
	}

	phy, err := assembleDataFrame(session, macCommands, macInFRMPayload, item, dctx.mustAck, fPending, fCnt)
	if err != nil {
		return err
	}
	macPL := phy.MACPayload.(*lorawan.MACPayload)

	phyBytes, err := phy.MarshalBinary()
	if err != nil {
		return fmt.Errorf("marshal downlink PHYPayload: %w", err)
	}
	for i := range items {
		items[i].PHYPayload = phyBytes
	}

	frame := models.DownlinkFrame{
		DownlinkID: rand.Uint32(),
		GatewayID:  gatewayID,
		Items:      items,
	}

	record := &models.DownlinkFrameRecord{
		DownlinkID:     frame.DownlinkID,
		DevEUI:         dctx.device.DevEUI,
		EncryptedFOpts: is11 && len(macPL.FHDR.FOpts) > 0,
		NwkSEncKey:     session.NwkSEncKey,
		Frame:          frame,
	}
	if item != nil {
		record.QueueItemID = &item.ID
	}
	if err := s.rs.SaveDownlinkFrame(ctx, record, downlinkFrameTTL); err != nil {
		return fmt.Errorf("save downlink frame: %w", err)
	}

	if item != nil && item.FCntDown == nil {
		fCnt64 := int64(fCnt)
		item.FCntDown = &fCnt64
		if err := s.store.UpdateDeviceQueueItem(ctx, item); err != nil {
			return fmt.Errorf("update queue item: %w", err)
		}
	}

	backend, err := gateway.GetBackend(dctx.session.RegionConfigID)
	if err != nil {
		return err
	}
	if err := backend.SendDownlinkFrame(ctx, frame); err != nil {
		metrics.DownlinkErrors.WithLabelValues("send").Inc()
		return fmt.Errorf("send downlink frame: %w", err)
	}
	metrics.DownlinkFrames.WithLabelValues(dctx.session.RegionConfigID, class).Inc()

	if phy.MHDR.MType == lorawan.ConfirmedDataDown {
		session.ConfFCnt = fCnt
	}
	if item != nil && is11 {
		session.AFCntDown = fCnt + 1
	} else {
		session.NFCntDown = fCnt + 1
	}
	return s.saveSession(ctx, dctx.deviceContext)
}

// displacedQueueItem reports whether a waiting queue item could not ride
// this frame: the MAC commands either overflowed into the FRMPayload or
// left the item no room in the window. The FPending bit is set exactly
// in that case.
func displacedQueueItem(pending *models.DeviceQueueItem, macInFRMPayload bool, macBytes, maxPayload int) bool {
	if pending == nil {
		return false
	}
	return macInFRMPayload || len(pending.Data)+macBytes > maxPayload
}

// assembleDataFrame builds, encrypts and signs the downlink frame. A
// MAC-command set beyond the FOpts capacity moves to the FRMPayload on
// port 0, displacing any application payload.
func assembleDataFrame(session *models.DeviceSession, macCommands []lorawan.MACCommand, macInFRMPayload bool, item *models.DeviceQueueItem, mustAck, fPending bool, fCnt uint32) (*lorawan.PHYPayload, error) {
	is11 := session.GetMACVersion() == lorawan.LoRaWAN1_1
	e2eEncrypted := session.IsE2EEncrypted()

	mType := lorawan.UnconfirmedDataDown
	if item != nil && item.Confirmed {
		mType = lorawan.ConfirmedDataDown
	}

	phy := &lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: mType, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: session.DevAddr,
				FCtrl: lorawan.FCtrl{
					ADR:      session.ADR,
					ACK:      mustAck,
					FPending: fPending,
				},
				FCnt: fCnt,
			},
		},
	}
	macPL := phy.MACPayload.(*lorawan.MACPayload)

	switch {
	case macInFRMPayload:
		fPort := uint8(0)
		macPL.FPort = &fPort
		for i := range macCommands {
			macPL.FRMPayload = append(macPL.FRMPayload, &macCommands[i])
		}
		if err := phy.EncryptFRMPayload(session.NwkSEncKey); err != nil {
			return nil, fmt.Errorf("encrypt MAC FRMPayload: %w", err)
		}
	default:
		for i := range macCommands {
			macPL.FHDR.FOpts = append(macPL.FHDR.FOpts, &macCommands[i])
		}
		if item != nil {
			fPort := item.FPort
			macPL.FPort = &fPort
			macPL.FRMPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: item.Data}}
			if !item.IsEncrypted && !e2eEncrypted {
				var appSKey lorawan.AES128Key
				copy(appSKey[:], session.AppSKey.AESKey)
				if err := phy.EncryptFRMPayload(appSKey); err != nil {
					return nil, fmt.Errorf("encrypt FRMPayload: %w", err)
				}
			}
		}
		if is11 && len(macPL.FHDR.FOpts) > 0 {
			if err := phy.EncryptFOpts(session.NwkSEncKey); err != nil {
				return nil, fmt.Errorf("encrypt FOpts: %w", err)
			}
		}
	}

	var confFCnt uint32
	if mustAck {
		confFCnt = session.FCntUp - 1
	}
	if err := phy.SetDownlinkDataMIC(session.GetMACVersion(), confFCnt, session.SNwkSIntKey); err != nil {
		return nil, fmt.Errorf("set downlink MIC: %w", err)
	}
	return phy, nil
}

// nextQueueItem pops the next sendable queue item. Expired pending
// items fail with a negative ack; items that can never fit the window
// are dropped with an event so the queue does not wedge.
func (s *Server) nextQueueItem(ctx context.Context, dctx *downlinkContext, maxPayload, macBytes int) *models.DeviceQueueItem {
	for {
		item, err := s.store.GetNextDeviceQueueItem(ctx, dctx.device.DevEUI)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				log.Error().Err(err).Msg("network: get next queue item")
			}
			return nil
		}

		if item.IsPending && item.TimeoutAfter != nil && item.TimeoutAfter.Before(time.Now()) {
			if err := s.store.DeleteDeviceQueueItem(ctx, item.ID); err != nil {
				log.Error().Err(err).Msg("network: delete expired queue item")
				return nil
			}
			var fCntDown uint32
			if item.FCntDown != nil {
				fCntDown = uint32(*item.FCntDown)
			}
			s.fanout.HandleAckEvent(ctx, dctx.device.ApplicationID, integration.AckEvent{
				Time:         time.Now(),
				DeviceInfo:   dctx.info(),
				QueueItemID:  item.ID,
				Acknowledged: false,
				FCntDown:     fCntDown,
			})
			continue
		}

		if len(item.Data) > maxPayload {
			if err := s.store.DeleteDeviceQueueItem(ctx, item.ID); err != nil {
				log.Error().Err(err).Msg("network: delete oversized queue item")
				return nil
			}
			s.logDeviceEvent(ctx, dctx.deviceContext, models.EventLevelError, models.LogCodeDownlinkPayloadSize,
				"downlink payload exceeds the maximum payload size for the data rate", models.Variables{
					"queue_item_id":    item.ID.String(),
					"payload_size":     len(item.Data),
					"max_payload_size": maxPayload,
				})
			continue
		}

		// The item fits the window in principle but not next to the MAC
		// commands of this frame; leave it queued.
		if len(item.Data)+macBytes > maxPayload {
			return nil
		}
		return item
	}
}
