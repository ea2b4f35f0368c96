package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
)

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantScope(w, r)
	if !ok {
		return
	}

	limit, offset := pagination(r)
	apps, total, err := s.store.ListApplications(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.respondStoreError(w, err, "applications")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"applications": apps,
		"total":        total,
	})
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.tenantScope(w, r)
	if !ok {
		return
	}

	var req struct {
		Name        string `json:"name" validate:"required,min=3,max=100"`
		Description string `json:"description"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	app := &models.Application{
		TenantModel: models.TenantModel{TenantID: tenantID},
		Name:        req.Name,
		Description: req.Description,
	}

	if err := s.store.CreateApplication(r.Context(), app); err != nil {
		s.respondStoreError(w, err, "application")
		return
	}
	s.respondJSON(w, http.StatusCreated, app)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	app, err := s.store.GetApplication(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "application")
		return
	}
	s.respondJSON(w, http.StatusOK, app)
}

func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	var req struct {
		Name        string `json:"name" validate:"required,min=3,max=100"`
		Description string `json:"description"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	app, err := s.store.GetApplication(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "application")
		return
	}

	app.Name = req.Name
	app.Description = req.Description

	if err := s.store.UpdateApplication(r.Context(), app); err != nil {
		s.respondStoreError(w, err, "application")
		return
	}
	s.respondJSON(w, http.StatusOK, app)
}

func (s *Server) handleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	if err := s.store.DeleteApplication(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "application")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type integrationRequest struct {
	Kind      models.IntegrationKind `json:"kind" validate:"required,oneof=HTTP MQTT KAFKA NATS INFLUXDB"`
	Settings  models.Variables       `json:"settings" validate:"required"`
	IsEnabled bool                   `json:"isEnabled"`
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	appID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	integrations, err := s.store.GetIntegrationsForApplication(r.Context(), appID)
	if err != nil {
		s.respondStoreError(w, err, "integrations")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"integrations": integrations,
		"total":        len(integrations),
	})
}

func (s *Server) handleCreateIntegration(w http.ResponseWriter, r *http.Request) {
	appID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid application id")
		return
	}

	var req integrationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	// The application must exist; a dangling integration would never
	// fire.
	if _, err := s.store.GetApplication(r.Context(), appID); err != nil {
		s.respondStoreError(w, err, "application")
		return
	}

	integ := &models.Integration{
		ApplicationID: appID,
		Kind:          req.Kind,
		Settings:      req.Settings,
		IsEnabled:     req.IsEnabled,
	}
	if err := s.store.CreateIntegration(r.Context(), integ); err != nil {
		s.respondStoreError(w, err, "integration")
		return
	}
	s.respondJSON(w, http.StatusCreated, integ)
}

func (s *Server) handleUpdateIntegration(w http.ResponseWriter, r *http.Request) {
	appID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid application id")
		return
	}
	integrationID, err := uuid.Parse(chi.URLParam(r, "integration_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid integration id")
		return
	}

	var req integrationRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	integrations, err := s.store.GetIntegrationsForApplication(r.Context(), appID)
	if err != nil {
		s.respondStoreError(w, err, "integrations")
		return
	}

	var integ *models.Integration
	for _, i := range integrations {
		if i.ID == integrationID {
			integ = i
			break
		}
	}
	if integ == nil {
		s.respondError(w, http.StatusNotFound, "integration not found")
		return
	}

	integ.Kind = req.Kind
	integ.Settings = req.Settings
	integ.IsEnabled = req.IsEnabled

	if err := s.store.UpdateIntegration(r.Context(), integ); err != nil {
		s.respondStoreError(w, err, "integration")
		return
	}
	s.respondJSON(w, http.StatusOK, integ)
}

func (s *Server) handleDeleteIntegration(w http.ResponseWriter, r *http.Request) {
	integrationID, err := uuid.Parse(chi.URLParam(r, "integration_id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid integration id")
		return
	}

	if err := s.store.DeleteIntegration(r.Context(), integrationID); err != nil {
		s.respondStoreError(w, err, "integration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
