package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/crypto"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"name":   s.cfg.Server.Name,
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || !s.auth.VerifyPassword(req.Password, user.PasswordHash) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !user.IsActive {
		s.respondError(w, http.StatusForbidden, "account is disabled")
		return
	}

	s.respondTokenPair(w, user)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token" validate:"required"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	userID, err := s.auth.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	// Reload so revoked users and changed roles take effect.
	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil || !user.IsActive {
		s.respondError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	s.respondTokenPair(w, user)
}

func (s *Server) respondTokenPair(w http.ResponseWriter, user *models.User) {
	access, refresh, err := s.auth.GenerateTokenPair(user)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate tokens")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    int(s.cfg.JWT.AccessTokenTTL.Seconds()),
		"token_type":    "Bearer",
	})
}

func (s *Server) handleGetCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		s.respondError(w, http.StatusUnauthorized, "missing claims")
		return
	}

	user, err := s.store.GetUser(r.Context(), claims.UserID)
	if err != nil {
		s.respondStoreError(w, err, "user")
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
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
	users, total, err := s.store.ListUsers(r.Context(), tenantID, limit, offset)
	if err != nil {
		s.respondStoreError(w, err, "users")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
		"total": total,
	})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email     string     `json:"email" validate:"required,email"`
		Password  string     `json:"password" validate:"required,min=8"`
		Username  string     `json:"username"`
		FirstName string     `json:"firstName"`
		LastName  string     `json:"lastName"`
		TenantID  *uuid.UUID `json:"tenantId"`
		IsAdmin   bool       `json:"isAdmin"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	if req.Username == "" {
		req.Username = req.Email
	}

	user := &models.User{
		Email:        req.Email,
		Username:     req.Username,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PasswordHash: hash,
		TenantID:     req.TenantID,
		IsAdmin:      req.IsAdmin,
		IsActive:     true,
		Settings:     models.Variables{},
	}

	if err := s.store.CreateUser(r.Context(), user); err != nil {
		s.respondStoreError(w, err, "user")
		return
	}
	s.respondJSON(w, http.StatusCreated, user)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "user")
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	var req struct {
		Email     string `json:"email" validate:"required,email"`
		Password  string `json:"password" validate:"omitempty,min=8"`
		Username  string `json:"username"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		IsActive  bool   `json:"isActive"`
		IsAdmin   bool   `json:"isAdmin"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	user, err := s.store.GetUser(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "user")
		return
	}

	user.Email = req.Email
	user.IsActive = req.IsActive
	user.IsAdmin = req.IsAdmin
	if req.Username != "" {
		user.Username = req.Username
	}
	if req.FirstName != "" {
		user.FirstName = req.FirstName
	}
	if req.LastName != "" {
		user.LastName = req.LastName
	}
	if req.Password != "" {
		hash, err := crypto.HashPassword(req.Password)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to hash password")
			return
		}
		user.PasswordHash = hash
	}

	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.respondStoreError(w, err, "user")
		return
	}
	s.respondJSON(w, http.StatusOK, user)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := s.store.DeleteUser(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	tenants, total, err := s.store.ListTenants(r.Context(), limit, offset)
	if err != nil {
		s.respondStoreError(w, err, "tenants")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tenants": tenants,
		"total":   total,
	})
}

type tenantRequest struct {
	Name                string `json:"name" validate:"required,min=3,max=100"`
	Description         string `json:"description"`
	MaxDeviceCount      int    `json:"maxDeviceCount" validate:"min=0"`
	MaxGatewayCount     int    `json:"maxGatewayCount" validate:"min=0"`
	CanHaveGateways     bool   `json:"canHaveGateways"`
	PrivateGatewaysUp   bool   `json:"privateGatewaysUp"`
	PrivateGatewaysDown bool   `json:"privateGatewaysDown"`
}

func (req *tenantRequest) apply(t *models.Tenant) {
	t.Name = req.Name
	t.Description = req.Description
	t.MaxDeviceCount = req.MaxDeviceCount
	t.MaxGatewayCount = req.MaxGatewayCount
	t.CanHaveGateways = req.CanHaveGateways || req.MaxGatewayCount > 0
	t.PrivateGatewaysUp = req.PrivateGatewaysUp
	t.PrivateGatewaysDown = req.PrivateGatewaysDown
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	tenant := &models.Tenant{IsActive: true}
	req.apply(tenant)

	if err := s.store.CreateTenant(r.Context(), tenant); err != nil {
		s.respondStoreError(w, err, "tenant")
		return
	}
	s.respondJSON(w, http.StatusCreated, tenant)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	tenant, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "tenant")
		return
	}
	s.respondJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	var req tenantRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	tenant, err := s.store.GetTenant(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err, "tenant")
		return
	}

	req.apply(tenant)
	if err := s.store.UpdateTenant(r.Context(), tenant); err != nil {
		s.respondStoreError(w, err, "tenant")
		return
	}
	s.respondJSON(w, http.StatusOK, tenant)
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid tenant id")
		return
	}

	if err := s.store.DeleteTenant(r.Context(), id); err != nil {
		s.respondStoreError(w, err, "tenant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
