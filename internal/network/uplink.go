package network

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/metrics"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// deviceContext bundles the entities both uplink pipelines and the
// downlink assembly operate on.
type deviceContext struct {
	region      *Region
	device      *models.Device
	session     *models.DeviceSession
	profile     *models.DeviceProfile
	application *models.Application
	tenant      *models.Tenant
}

// info renders the integration-event device header.
func (d *deviceContext) info() integration.DeviceInfo {
	info := integration.DeviceInfo{
		DeviceName: d.device.Name,
		DevEUI:     d.device.DevEUI,
		Tags:       map[string]string{},
	}
	if d.application != nil {
		info.ApplicationID = d.application.ID
		info.ApplicationName = d.application.Name
	}
	if d.tenant != nil {
		info.TenantID = d.tenant.ID
		info.TenantName = d.tenant.Name
	}
	for k, v := range d.device.Tags {
		if s, ok := v.(string); ok {
			info.Tags[k] = s
		}
	}
	return info
}

// loadDeviceContext resolves the profile, application and tenant for a
// device.
func (s *Server) loadDeviceContext(ctx context.Context, region *Region, device *models.Device) (*deviceContext, error) {
	profile, err := s.store.GetDeviceProfile(ctx, device.DeviceProfileID)
	if err != nil {
		return nil, fmt.Errorf("get device profile: %w", err)
	}
	application, err := s.store.GetApplication(ctx, device.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	tenant, err := s.store.GetTenant(ctx, application.TenantID)
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	return &deviceContext{
		region:      region,
		device:      device,
		session:     device.Session,
		profile:     profile,
		application: application,
		tenant:      tenant,
	}, nil
}

// logDeviceEvent persists an event-log row and fans the same event out
// to the application's integrations. Failures are logged only; events
// never fail a pipeline.
func (s *Server) logDeviceEvent(ctx context.Context, dctx *deviceContext, level models.EventLevel, code, description string, details models.Variables) {
	event := &models.EventLog{
		DevEUI:      &dctx.device.DevEUI,
		Type:        models.EventTypeLog,
		Level:       level,
		Code:        code,
		Description: description,
		Details:     details,
	}
	if dctx.application != nil {
		event.ApplicationID = &dctx.application.ID
	}
	if dctx.tenant != nil {
		event.TenantID = &dctx.tenant.ID
	}

	if err := s.store.CreateEventLog(ctx, event); err != nil {
		log.Error().Err(err).Str("code", code).Msg("network: create event log")
	}

	logCtx := map[string]string{}
	for k, v := range details {
		logCtx[k] = fmt.Sprintf("%v", v)
	}
	s.fanout.HandleLogEvent(ctx, dctx.device.ApplicationID, integration.LogEvent{
		Time:        time.Now(),
		DeviceInfo:  dctx.info(),
		Level:       string(level),
		Code:        code,
		Description: description,
		Context:     logCtx,
	})
}

// handleUplinkFrameSet dispatches a deduplicated uplink by message type.
func (s *Server) handleUplinkFrameSet(ctx context.Context, frameSet *models.UplinkFrameSet) error {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frameSet.PHYPayload); err != nil {
		metrics.UplinkDropped.WithLabelValues("malformed_phy").Inc()
		log.Warn().Err(err).Msg("network: malformed uplink PHYPayload")
		return nil
	}

	metrics.UplinkFrames.WithLabelValues(frameSet.RegionConfigID, phy.MHDR.MType.String()).Inc()

	switch phy.MHDR.MType {
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		return s.handleDataUplink(ctx, frameSet, &phy)
	case lorawan.JoinRequest:
		return s.handleJoinRequest(ctx, frameSet, &phy)
	case lorawan.RejoinRequest:
		log.Warn().Msg("network: rejoin-request handling is not implemented")
		return nil
	default:
		metrics.UplinkDropped.WithLabelValues("unexpected_m_type").Inc()
		log.Warn().Str("m_type", phy.MHDR.MType.String()).Msg("network: unexpected uplink message type")
		return nil
	}
}

// maxSNR and maxRSSI report the strongest reception of the set.
func maxSNR(rxInfoSet []models.UplinkRXInfo) float64 {
	var best float64
	for i, rx := range rxInfoSet {
		if i == 0 || rx.LoRaSNR > best {
			best = rx.LoRaSNR
		}
	}
	return best
}

func maxRSSI(rxInfoSet []models.UplinkRXInfo) int32 {
	var best int32
	for i, rx := range rxInfoSet {
		if i == 0 || rx.RSSI > best {
			best = rx.RSSI
		}
	}
	return best
}
