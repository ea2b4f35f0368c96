package api

import (
	"encoding/hex"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/config"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/band"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	appID, err := uuid.Parse(r.URL.Query().Get("application_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "application_id is required")
		return
	}

	limit, offset := pagination(r)
	devices, total, err := s.store.ListDevices(r.Context(), appID, limit, offset)
	if err != nil {
		s.respondStoreError(w, err, "devices")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   total,
	})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DevEUI          string    `json:"devEUI" validate:"required,len=16,hexadecimal"`
		JoinEUI         string    `json:"joinEUI" validate:"omitempty,len=16,hexadecimal"`
		Name            string    `json:"name" validate:"required"`
		Description     string    `json:"description"`
		ApplicationID   uuid.UUID `json:"applicationId" validate:"required"`
		DeviceProfileID uuid.UUID `json:"deviceProfileId" validate:"required"`
		SkipFCntCheck   bool      `json:"skipFCntCheck"`

		// OTAA root keys; NwkKey doubles as AppKey for 1.0.x devices.
		NwkKey string `json:"nwkKey" validate:"omitempty,len=32,hexadecimal"`
		AppKey string `json:"appKey" validate:"omitempty,len=32,hexadecimal"`

		Variables models.Variables `json:"variables"`
		Tags      models.Variables `json:"tags"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	devEUI, err := parseEUI64(req.DevEUI)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devEUI")
		return
	}

	app, err := s.store.GetApplication(r.Context(), req.ApplicationID)
	if err != nil {
		s.respondStoreError(w, err, "application")
		return
	}

	device := &models.Device{
		TenantModel:     models.TenantModel{TenantID: app.TenantID},
		DevEUI:          devEUI,
		Name:            req.Name,
		Description:     req.Description,
		ApplicationID:   req.ApplicationID,
		DeviceProfileID: req.DeviceProfileID,
		SkipFCntCheck:   req.SkipFCntCheck,
		EnabledClass:    models.DeviceClassA,
		Variables:       req.Variables,
		Tags:            req.Tags,
	}

	if req.JoinEUI != "" {
		joinEUI, err := parseEUI64(req.JoinEUI)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid joinEUI")
			return
		}
		device.JoinEUI = &joinEUI
	}

	if err := s.store.CreateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, "device")
		return
	}

	if req.NwkKey != "" {
		keys := &models.DeviceKeys{DevEUI: devEUI}
		if keys.NwkKey, err = parseAES128Key(req.NwkKey); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid nwkKey")
			return
		}
		keys.AppKey = keys.NwkKey
		if req.AppKey != "" {
			if keys.AppKey, err = parseAES128Key(req.AppKey); err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid appKey")
				return
			}
		}
		if err := s.store.SetDeviceKeys(r.Context(), keys); err != nil {
			s.store.DeleteDevice(r.Context(), devEUI)
			s.respondStoreError(w, err, "device keys")
			return
		}
	}

	s.respondJSON(w, http.StatusCreated, device)
}

func (s *Server) deviceFromURL(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return nil, false
	}

	device, err := s.store.GetDevice(r.Context(), devEUI)
	if err != nil {
		s.respondStoreError(w, err, "device")
		return nil, false
	}
	return device, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := s.deviceFromURL(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := s.deviceFromURL(w, r)
	if !ok {
		return
	}

	var req struct {
		Name          string           `json:"name" validate:"required"`
		Description   string           `json:"description"`
		IsDisabled    bool             `json:"isDisabled"`
		SkipFCntCheck bool             `json:"skipFCntCheck"`
		Variables     models.Variables `json:"variables"`
		Tags          models.Variables `json:"tags"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	device.Name = req.Name
	device.Description = req.Description
	device.IsDisabled = req.IsDisabled
	device.SkipFCntCheck = req.SkipFCntCheck
	if req.Variables != nil {
		device.Variables = req.Variables
	}
	if req.Tags != nil {
		device.Tags = req.Tags
	}

	if err := s.store.UpdateDevice(r.Context(), device); err != nil {
		s.respondStoreError(w, err, "device")
		return
	}
	s.respondJSON(w, http.StatusOK, device)
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}

	if err := s.store.DeleteDevice(r.Context(), devEUI); err != nil {
		s.respondStoreError(w, err, "device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateDevice performs an ABP activation: the session is
// seeded from the device profile's region with the supplied address and
// keys, bypassing the join procedure.
func (s *Server) handleActivateDevice(w http.ResponseWriter, r *http.Request) {
	device, ok := s.deviceFromURL(w, r)
	if !ok {
		return
	}

	var req struct {
		DevAddr     string `json:"devAddr" validate:"required,len=8,hexadecimal"`
		AppSKey     string `json:"appSKey" validate:"required,len=32,hexadecimal"`
		NwkSEncKey  string `json:"nwkSEncKey" validate:"required,len=32,hexadecimal"`
		SNwkSIntKey string `json:"sNwkSIntKey" validate:"omitempty,len=32,hexadecimal"`
		FNwkSIntKey string `json:"fNwkSIntKey" validate:"omitempty,len=32,hexadecimal"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	devAddr, err := parseDevAddr(req.DevAddr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid devAddr")
		return
	}

	profile, err := s.store.GetDeviceProfile(r.Context(), device.DeviceProfileID)
	if err != nil {
		s.respondStoreError(w, err, "device profile")
		return
	}

	session, err := s.newABPSession(device, profile, devAddr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if session.NwkSEncKey, err = parseAES128Key(req.NwkSEncKey); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid nwkSEncKey")
		return
	}
	// For 1.0.x the three network keys are the same key.
	session.SNwkSIntKey = session.NwkSEncKey
	session.FNwkSIntKey = session.NwkSEncKey
	if req.SNwkSIntKey != "" {
		if session.SNwkSIntKey, err = parseAES128Key(req.SNwkSIntKey); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid sNwkSIntKey")
			return
		}
	}
	if req.FNwkSIntKey != "" {
		if session.FNwkSIntKey, err = parseAES128Key(req.FNwkSIntKey); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid fNwkSIntKey")
			return
		}
	}
	appSKey, err := parseAES128Key(req.AppSKey)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid appSKey")
		return
	}
	session.AppSKey = &models.KeyEnvelope{AESKey: appSKey[:]}

	ctx := r.Context()
	if device.DevAddr != nil && s.rs != nil {
		s.rs.RemoveDevAddrDevEUI(ctx, *device.DevAddr, device.DevEUI)
	}

	device.DevAddr = &devAddr
	device.SecondaryDevAddr = nil
	device.Session = session
	if profile.SupportsClassC {
		device.EnabledClass = models.DeviceClassC
	}

	if err := s.store.UpdateDevice(ctx, device); err != nil {
		s.respondStoreError(w, err, "device")
		return
	}
	if s.rs != nil {
		ttl := s.cfg.Network.DeviceSessionTTL
		s.rs.SaveDeviceSession(ctx, device.DevEUI, session, ttl)
		s.rs.AddDevAddrDevEUI(ctx, devAddr, device.DevEUI, ttl)
	}
	if profile.FlushQueueOnActivate {
		s.store.FlushDeviceQueue(ctx, device.DevEUI)
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devAddr": devAddr,
	})
}

func (s *Server) newABPSession(device *models.Device, profile *models.DeviceProfile, devAddr lorawan.DevAddr) (*models.DeviceSession, error) {
	region, err := s.regionConfig(profile.Region)
	if err != nil {
		return nil, err
	}

	b, err := band.GetConfig(band.Name(region.Band), region.RepeaterCompatible, dwellTime(region))
	if err != nil {
		return nil, err
	}

	session := &models.DeviceSession{
		RegionConfigID:        region.ID,
		DevAddr:               devAddr,
		DevEUI:                device.DevEUI,
		MACVersion:            profile.MACVersion,
		RX1Delay:              region.RX1Delay,
		RX1DROffset:           region.RX1DROffset,
		RX2DR:                 region.RX2DR,
		RX2Frequency:          region.RX2Frequency,
		EnabledUplinkChannels: b.GetEnabledUplinkChannelIndices(),
		NbTrans:               1,
		SkipFCntCheck:         device.SkipFCntCheck,
		PingSlotNb:            profile.ClassBPingSlotNb,
		PingSlotDR:            profile.ClassBPingSlotDR,
		PingSlotFrequency:     profile.ClassBPingSlotFreq,
		UplinkDwellTime400ms:  region.UplinkDwellTime400ms,
	}
	if device.JoinEUI != nil {
		session.JoinEUI = *device.JoinEUI
	}
	return session, nil
}

func (s *Server) regionConfig(id string) (*config.RegionConfig, error) {
	for i := range s.cfg.Network.Regions {
		if s.cfg.Network.Regions[i].ID == id {
			return &s.cfg.Network.Regions[i], nil
		}
	}
	return nil, &regionError{id: id}
}

type regionError struct{ id string }

func (e *regionError) Error() string {
	return "region " + e.id + " is not configured"
}

func dwellTime(r *config.RegionConfig) lorawan.DwellTime {
	if r.DwellTime400ms {
		return lorawan.DwellTime400ms
	}
	return lorawan.DwellTimeNoLimit
}

func (s *Server) handleGetDeviceKeys(w http.ResponseWriter, r *http.Request) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}

	keys, err := s.store.GetDeviceKeys(r.Context(), devEUI)
	if err != nil {
		s.respondStoreError(w, err, "device keys")
		return
	}
	s.respondJSON(w, http.StatusOK, keys)
}

func (s *Server) handleSetDeviceKeys(w http.ResponseWriter, r *http.Request) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}

	var req struct {
		NwkKey string `json:"nwkKey" validate:"required,len=32,hexadecimal"`
		AppKey string `json:"appKey" validate:"omitempty,len=32,hexadecimal"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	keys := &models.DeviceKeys{DevEUI: devEUI}
	if keys.NwkKey, err = parseAES128Key(req.NwkKey); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid nwkKey")
		return
	}
	keys.AppKey = keys.NwkKey
	if req.AppKey != "" {
		if keys.AppKey, err = parseAES128Key(req.AppKey); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid appKey")
			return
		}
	}

	if err := s.store.SetDeviceKeys(r.Context(), keys); err != nil {
		s.respondStoreError(w, err, "device keys")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeviceQueue(w http.ResponseWriter, r *http.Request) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}

	items, err := s.store.ListDeviceQueue(r.Context(), devEUI)
	if err != nil {
		s.respondStoreError(w, err, "device queue")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": len(items),
	})
}

func (s *Server) handleEnqueueDownlink(w http.ResponseWriter, r *http.Request) {
	device, ok := s.deviceFromURL(w, r)
	if !ok {
		return
	}

	var req struct {
		FPort     uint8  `json:"fPort" validate:"required,min=1,max=223"`
		Data      string `json:"data" validate:"required,hexadecimal"`
		Confirmed bool   `json:"confirmed"`

		// IsEncrypted marks a payload already encrypted against
		// fCntDown by the sender.
		IsEncrypted bool   `json:"isEncrypted"`
		FCntDown    *int64 `json:"fCntDown"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	data, err := hex.DecodeString(req.Data)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid hex data")
		return
	}
	if len(data) > 242 {
		s.respondError(w, http.StatusBadRequest, "data exceeds 242 bytes")
		return
	}
	if req.IsEncrypted && req.FCntDown == nil {
		s.respondError(w, http.StatusBadRequest, "fCntDown is required for encrypted payloads")
		return
	}

	item := &models.DeviceQueueItem{
		DevEUI:      device.DevEUI,
		FPort:       req.FPort,
		Data:        data,
		Confirmed:   req.Confirmed,
		IsEncrypted: req.IsEncrypted,
		FCntDown:    req.FCntDown,
	}
	if err := s.store.CreateDeviceQueueItem(r.Context(), item); err != nil {
		s.respondStoreError(w, err, "queue item")
		return
	}

	s.respondJSON(w, http.StatusCreated, item)
}

func (s *Server) handleFlushDeviceQueue(w http.ResponseWriter, r *http.Request) {
	devEUI, err := parseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid dev_eui")
		return
	}

	if err := s.store.FlushDeviceQueue(r.Context(), devEUI); err != nil {
		s.respondStoreError(w, err, "device queue")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
