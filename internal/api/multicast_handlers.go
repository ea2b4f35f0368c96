package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

type multicastGroupRequest struct {
	Name      string                    `json:"name" validate:"required"`
	Region    string                    `json:"region" validate:"required"`
	GroupType models.MulticastGroupType `json:"groupType" validate:"required,oneof=B C"`

	MCAddr string `json:"mcAddr" validate:"required,len=8,hexadecimal"`

	// MCKey derives both session keys per the multicast key scheme;
	// explicit session keys win when both are given.
	MCKey     string `json:"mcKey" validate:"omitempty,len=32,hexadecimal"`
	MCNwkSKey string `json:"mcNwkSKey" validate:"omitempty,len=32,hexadecimal"`
	MCAppSKey string `json:"mcAppSKey" validate:"omitempty,len=32,hexadecimal"`

	DR                   int    `json:"dr" validate:"min=0,max=15"`
	Frequency            uint32 `json:"frequency"`
	ClassBPingSlotNb     int    `json:"classBPingSlotNb"`
	ClassCSchedulingType string `json:"classCSchedulingType" validate:"omitempty,oneof=DELAY GPS_TIME"`
}

// apply copies the request onto the group. The MCAddr and key material
// must already be validated by the caller.
func (s *Server) applyMulticastRequest(w http.ResponseWriter, req *multicastGroupRequest, mg *models.MulticastGroup) bool {
	mcAddr, err := parseDevAddr(req.MCAddr)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mcAddr")
		return false
	}

	if _, err := s.regionConfig(req.Region); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}

	var nwkSKey, appSKey lorawan.AES128Key
	switch {
	case req.MCNwkSKey != "" && req.MCAppSKey != "":
		if nwkSKey, err = parseAES128Key(req.MCNwkSKey); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid mcNwkSKey")
			return false
		}
		if appSKey, err = parseAES128Key(req.MCAppSKey); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid mcAppSKey")
			return false
		}
	case req.MCKey != "":
		mcKey, err := parseAES128Key(req.MCKey)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid mcKey")
			return false
		}
		if nwkSKey, err = lorawan.GetMcNetSKey(mcKey, mcAddr); err != nil {
			s.respondError(w, http.StatusInternalServerError, "key derivation failed")
			return false
		}
		if appSKey, err = lorawan.GetMcAppSKey(mcKey, mcAddr); err != nil {
			s.respondError(w, http.StatusInternalServerError, "key derivation failed")
			return false
		}
	default:
		s.respondError(w, http.StatusBadRequest, "either mcKey or both session keys are required")
		return false
	}

	mg.Name = req.Name
	mg.Region = req.Region
	mg.GroupType = req.GroupType
	mg.MCAddr = mcAddr
	mg.MCNwkSKey = nwkSKey
	mg.MCAppSKey = appSKey
	mg.DR = req.DR
	mg.Frequency = req.Frequency
	mg.ClassBPingSlotNb = req.ClassBPingSlotNb
	mg.ClassCSchedulingType = req.ClassCSchedulingType
	return true
}

func (s *Server) handleCreateMulticastGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		multicastGroupRequest
		ApplicationID uuid.UUID `json:"applicationId" validate:"required"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if _, err := s.store.GetApplication(r.Context(), req.ApplicationID); err != nil {
		s.respondStoreError(w, err, "application")
		return
	}

	mg := &models.MulticastGroup{ApplicationID: req.ApplicationID}
	if !s.applyMulticastRequest(w, &req.multicastGroupRequest, mg) {
		return
	}

	if err := s.store.CreateMulticastGroup(r.Context(), mg); err != nil {
		s.respondStoreError(w, err, "multicast group")
		return
	}
	s.respondJSON(w, http.StatusCreated, mg)
}

func (s *Server) handleGetMulticastGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multicast group id")
		return
	}

	mg, err := s.store.GetMulticastGroup(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "multicast group")
		return
	}
	s.respondJSON(w, http.StatusOK, mg)
}

func (s *Server) handleUpdateMulticastGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multicast group id")
		return
	}

	var req multicastGroupRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	mg, err := s.store.GetMulticastGroup(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "multicast group")
		return
	}

	if !s.applyMulticastRequest(w, &req, mg) {
		return
	}
	if err := s.store.UpdateMulticastGroup(r.Context(), mg); err != nil {
		s.respondStoreError(w, err, "multicast group")
		return
	}
	s.respondJSON(w, http.StatusOK, mg)
}

func (s *Server) handleDeleteMulticastGroup(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid multicast group id")
		return
	}

	if err := s.store.DeleteMulticastGroup(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "multicast group")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
