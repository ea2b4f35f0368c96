package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("api: marshal response failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps storage sentinels onto HTTP statuses. what
// names the entity for the 404/409 messages.
func (s *Server) respondStoreError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, storage.ErrDuplicateKey):
		s.respondError(w, http.StatusConflict, what+" already exists")
	case errors.Is(err, storage.ErrInvalidData):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Str("entity", what).Msg("api: storage error")
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeAndValidate decodes the JSON body into req and runs the tag
// validation. A false return means the response was already written.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// pagination reads limit/offset with a default page size of 20.
func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// tenantScope resolves the tenant a request operates on: admins may
// select any tenant via the tenant_id query parameter, other users are
// locked to their own.
func (s *Server) tenantScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims := claimsFrom(r.Context())
	if claims == nil {
		s.respondError(w, http.StatusUnauthorized, "missing claims")
		return uuid.Nil, false
	}

	if claims.IsAdmin {
		if tid := r.URL.Query().Get("tenant_id"); tid != "" {
			id, err := uuid.Parse(tid)
			if err != nil {
				s.respondError(w, http.StatusBadRequest, "invalid tenant_id")
				return uuid.Nil, false
			}
			return id, true
		}
	}
	if claims.TenantID != nil {
		return *claims.TenantID, true
	}

	s.respondError(w, http.StatusBadRequest, "tenant_id is required")
	return uuid.Nil, false
}

func parseEUI64(s string) (lorawan.EUI64, error) {
	var eui lorawan.EUI64
	if len(s) != 16 {
		return eui, fmt.Errorf("expected 16 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return eui, err
	}
	copy(eui[:], b)
	return eui, nil
}

func parseDevAddr(s string) (lorawan.DevAddr, error) {
	var addr lorawan.DevAddr
	if len(s) != 8 {
		return addr, fmt.Errorf("expected 8 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return addr, err
	}
	copy(addr[:], b)
	return addr, nil
}

func parseAES128Key(s string) (lorawan.AES128Key, error) {
	var key lorawan.AES128Key
	if len(s) != 32 {
		return key, fmt.Errorf("expected 32 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	copy(key[:], b)
	return key, nil
}
