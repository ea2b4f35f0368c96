package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
)

func (s *Server) handleListGateways(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantScope(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	gateways, total, err := s.store.ListGateways(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.respondStoreError(w, err, "gateways")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"gateways": gateways,
		"total":    total,
	})
}

type gatewayRequest struct {
	Name           string           `json:"name" validate:"required"`
	Description    string           `json:"description"`
	RegionConfigID string           `json:"regionConfigId"`
	Location       *models.Location `json:"location"`
	Model          string           `json:"model"`
	MinFrequency   uint32           `json:"minFrequency"`
	MaxFrequency   uint32           `json:"maxFrequency"`
	Tags           models.Variables `json:"tags"`
	Metadata       models.Variables `json:"metadata"`
}

func (req *gatewayRequest) apply(gw *models.Gateway) {
	gw.Name = req.Name
	gw.Description = req.Description
	gw.RegionConfigID = req.RegionConfigID
	gw.Location = req.Location
	gw.Model = req.Model
	gw.MinFrequency = req.MinFrequency
	gw.MaxFrequency = req.MaxFrequency
	if req.Tags != nil {
		gw.Tags = req.Tags
	}
	if req.Metadata != nil {
		gw.Metadata = req.Metadata
	}
}

func (s *Server) handleCreateGateway(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantScope(w, r)
	if !ok {
		return
	}

	var req struct {
		gatewayRequest
		GatewayID string `json:"gatewayId" validate:"required,len=16,hexadecimal"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	gatewayID, err := parseEUI64(req.GatewayID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gatewayId")
		return
	}

	if req.RegionConfigID != "" {
		if _, err := s.regionConfig(req.RegionConfigID); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	gw := &models.Gateway{
		TenantModel: models.TenantModel{TenantID: tenantID},
		GatewayID:   gatewayID,
	}
	req.apply(gw)

	if err := s.store.CreateGateway(r.Context(), gw); err != nil {
		s.respondStoreError(w, err, "gateway")
		return
	}
	s.respondJSON(w, http.StatusCreated, gw)
}

func (s *Server) gatewayFromURL(w http.ResponseWriter, r *http.Request) (*models.Gateway, bool) {
	gatewayID, err := parseEUI64(chi.URLParam(r, "gateway_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return nil, false
	}

	gw, err := s.store.GetGateway(r.Context(), gatewayID)
	if err != nil {
		s.respondStoreError(w, err, "gateway")
		return nil, false
	}
	return gw, true
}

func (s *Server) handleGetGateway(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFromURL(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, gw)
}

func (s *Server) handleUpdateGateway(w http.ResponseWriter, r *http.Request) {
	gw, ok := s.gatewayFromURL(w, r)
	if !ok {
		return
	}

	var req gatewayRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if req.RegionConfigID != "" {
		if _, err := s.regionConfig(req.RegionConfigID); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	req.apply(gw)
	if err := s.store.UpdateGateway(r.Context(), gw); err != nil {
		s.respondStoreError(w, err, "gateway")
		return
	}
	s.respondJSON(w, http.StatusOK, gw)
}

func (s *Server) handleDeleteGateway(w http.ResponseWriter, r *http.Request) {
	gatewayID, err := parseEUI64(chi.URLParam(r, "gateway_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
		return
	}

	if err := s.store.DeleteGateway(r.Context(), gatewayID); err != nil {
		s.respondStoreError(w, err, "gateway")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeviceProfiles(w http.ResponseWriter, r *http.Request) {
	var tenantID *uuid.UUID
	if tid := r.URL.Query().Get("tenant_id"); tid != "" {
		id, err := uuid.Parse(tid)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid tenant_id")
			return
		}
		tenantID = &id
	}

	limit, offset := pagination(r)
	profiles, total, err := s.store.ListDeviceProfiles(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.respondStoreError(w, err, "device profiles")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"deviceProfiles": profiles,
		"total":          total,
	})
}

type deviceProfileRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`

	Region            string `json:"region" validate:"required"`
	MACVersion        string `json:"macVersion" validate:"required,oneof=1.0.0 1.0.1 1.0.2 1.0.3 1.0.4 1.1.0"`
	RegParamsRevision string `json:"regParamsRevision"`
	SupportsOTAA      bool   `json:"supportsOTAA"`
	Supports32BitFCnt bool   `json:"supports32BitFCnt"`

	ADRAlgorithmID string `json:"adrAlgorithmId"`

	SupportsClassB     bool   `json:"supportsClassB"`
	ClassBTimeout      int    `json:"classBTimeout"`
	ClassBPingSlotNb   int    `json:"classBPingSlotNb"`
	ClassBPingSlotDR   int    `json:"classBPingSlotDR"`
	ClassBPingSlotFreq uint32 `json:"classBPingSlotFreq"`

	SupportsClassC bool `json:"supportsClassC"`
	ClassCTimeout  int  `json:"classCTimeout"`

	UplinkInterval          int  `json:"uplinkInterval"`
	DeviceStatusReqInterval int  `json:"deviceStatusReqInterval"`
	FlushQueueOnActivate    bool `json:"flushQueueOnActivate"`

	PayloadCodec         string `json:"payloadCodec" validate:"omitempty,oneof=NONE CAYENNE_LPP JS"`
	PayloadDecoderScript string `json:"payloadDecoderScript"`
	PayloadEncoderScript string `json:"payloadEncoderScript"`

	Measurements           models.Variables `json:"measurements"`
	AutoDetectMeasurements bool             `json:"autoDetectMeasurements"`
}

func (req *deviceProfileRequest) apply(p *models.DeviceProfile) {
	p.Name = req.Name
	p.Description = req.Description
	p.Region = req.Region
	p.MACVersion = req.MACVersion
	p.RegParamsRevision = req.RegParamsRevision
	p.SupportsOTAA = req.SupportsOTAA
	p.Supports32BitFCnt = req.Supports32BitFCnt
	p.ADRAlgorithmID = req.ADRAlgorithmID
	p.SupportsClassB = req.SupportsClassB
	p.ClassBTimeout = req.ClassBTimeout
	p.ClassBPingSlotNb = req.ClassBPingSlotNb
	p.ClassBPingSlotDR = req.ClassBPingSlotDR
	p.ClassBPingSlotFreq = req.ClassBPingSlotFreq
	p.SupportsClassC = req.SupportsClassC
	p.ClassCTimeout = req.ClassCTimeout
	p.UplinkInterval = req.UplinkInterval
	p.DeviceStatusReqInterval = req.DeviceStatusReqInterval
	p.FlushQueueOnActivate = req.FlushQueueOnActivate
	p.PayloadCodec = req.PayloadCodec
	p.PayloadDecoderScript = req.PayloadDecoderScript
	p.PayloadEncoderScript = req.PayloadEncoderScript
	if req.Measurements != nil {
		p.Measurements = req.Measurements
	}
	p.AutoDetectMeasurements = req.AutoDetectMeasurements
}

func (s *Server) handleCreateDeviceProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		deviceProfileRequest
		TenantID *uuid.UUID `json:"tenantId"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if _, err := s.regionConfig(req.Region); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile := &models.DeviceProfile{TenantID: req.TenantID}
	req.apply(profile)

	if err := s.store.CreateDeviceProfile(r.Context(), profile); err != nil {
		s.respondStoreError(w, err, "device profile")
		return
	}
	s.respondJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleGetDeviceProfile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device profile id")
		return
	}

	profile, err := s.store.GetDeviceProfile(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "device profile")
		return
	}
	s.respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleUpdateDeviceProfile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device profile id")
		return
	}

	var req deviceProfileRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if _, err := s.regionConfig(req.Region); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	profile, err := s.store.GetDeviceProfile(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "device profile")
		return
	}

	req.apply(profile)
	if err := s.store.UpdateDeviceProfile(r.Context(), profile); err != nil {
		s.respondStoreError(w, err, "device profile")
		return
	}
	s.respondJSON(w, http.StatusOK, profile)
}

func (s *Server) handleDeleteDeviceProfile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid device profile id")
		return
	}

	if err := s.store.DeleteDeviceProfile(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "device profile")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	filters, ok := s.eventFilters(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondStoreError(w, err, "events")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

func (s *Server) eventFilters(w http.ResponseWriter, r *http.Request) (storage.EventLogFilters, bool) {
	var filters storage.EventLogFilters
	q := r.URL.Query()

	if tid := q.Get("tenant_id"); tid != "" {
		id, err := uuid.Parse(tid)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid tenant_id")
			return filters, false
		}
		filters.TenantID = &id
	}
	if aid := q.Get("application_id"); aid != "" {
		id, err := uuid.Parse(aid)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid application_id")
			return filters, false
		}
		filters.ApplicationID = &id
	}
	if eui := q.Get("dev_eui"); eui != "" {
		devEUI, err := parseEUI64(eui)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
			return filters, false
		}
		filters.DevEUI = &devEUI
	}
	if gid := q.Get("gateway_id"); gid != "" {
		gatewayID, err := parseEUI64(gid)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid gateway_id")
			return filters, false
		}
		filters.GatewayID = &gatewayID
	}
	if t := q.Get("type"); t != "" {
		et := models.EventType(t)
		filters.Type = &et
	}
	if l := q.Get("level"); l != "" {
		el := models.EventLevel(l)
		filters.Level = &el
	}
	if st := q.Get("start_time"); st != "" {
		ts, err := time.Parse(time.RFC3339, st)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid start_time")
			return filters, false
		}
		filters.StartTime = &ts
	}
	if et := q.Get("end_time"); et != "" {
		ts, err := time.Parse(time.RFC3339, et)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid end_time")
			return filters, false
		}
		filters.EndTime = &ts
	}

	// Non-admin users only see their own tenant's events.
	claims := claimsFrom(r.Context())
	if claims != nil && !claims.IsAdmin {
		filters.TenantID = claims.TenantID
	}

	return filters, true
}
