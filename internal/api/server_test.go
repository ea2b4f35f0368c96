package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/auth"
	"github.com/loraflux/loraflux-ns/internal/config"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/internal/validation"
	"github.com/loraflux/loraflux-ns/pkg/crypto"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// stubStore overrides the calls the tested handlers make; everything
// else panics through the embedded nil interface.
type stubStore struct {
	storage.Store

	users   map[string]*models.User
	tenants map[uuid.UUID]*models.Tenant
	devices map[lorawan.EUI64]*models.Device
	queue   []*models.DeviceQueueItem
}

func newStubStore() *stubStore {
	return &stubStore{
		users:   map[string]*models.User{},
		tenants: map[uuid.UUID]*models.Tenant{},
		devices: map[lorawan.EUI64]*models.Device{},
	}
}

func (s *stubStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, ok := s.users[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func (s *stubStore) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *stubStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	s.tenants[tenant.ID] = tenant
	return nil
}

func (s *stubStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (s *stubStore) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (*models.Device, error) {
	d, ok := s.devices[devEUI]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return d, nil
}

func (s *stubStore) CreateDeviceQueueItem(ctx context.Context, item *models.DeviceQueueItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	s.queue = append(s.queue, item)
	return nil
}

func testAPIServer(t *testing.T, store *stubStore) *Server {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.JWT.Secret = "test-secret"

	return &Server{
		cfg:       cfg,
		store:     store,
		auth:      auth.NewManager(cfg.JWT),
		validator: validation.New(),
	}
}

func adminToken(t *testing.T, s *Server, store *stubStore) string {
	t.Helper()

	hash, err := crypto.HashPassword("hunter22hunter22")
	require.NoError(t, err)
	store.users["admin@example.com"] = &models.User{
		ID:           uuid.New(),
		Email:        "admin@example.com",
		PasswordHash: hash,
		IsAdmin:      true,
		IsActive:     true,
	}

	access, _, err := s.auth.GenerateTokenPair(store.users["admin@example.com"])
	require.NoError(t, err)
	return access
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	assert := require.New(t)
	s := testAPIServer(t, newStubStore())

	w := doJSON(t, s.routes(), http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(http.StatusOK, w.Code)

	var resp map[string]interface{}
	assert.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal("ok", resp["status"])
}

func TestLogin(t *testing.T) {
	assert := require.New(t)
	store := newStubStore()
	s := testAPIServer(t, store)

	hash, err := crypto.HashPassword("correct horse battery")
	assert.NoError(err)
	store.users["user@example.com"] = &models.User{
		ID:           uuid.New(),
		Email:        "user@example.com",
		PasswordHash: hash,
		IsActive:     true,
	}

	t.Run("valid credentials", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "user@example.com",
			"password": "correct horse battery",
		})
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.NotEmpty(t, resp["access_token"])
		require.NotEmpty(t, resp["refresh_token"])
		require.Equal(t, "Bearer", resp["token_type"])
	})

	t.Run("wrong password", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "user@example.com",
			"password": "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "nobody@example.com",
			"password": "whatever1",
		})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("disabled account", func(t *testing.T) {
		store.users["user@example.com"].IsActive = false
		defer func() { store.users["user@example.com"].IsActive = true }()

		w := doJSON(t, s.routes(), http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    "user@example.com",
			"password": "correct horse battery",
		})
		require.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestAuthMiddleware(t *testing.T) {
	assert := require.New(t)
	store := newStubStore()
	s := testAPIServer(t, store)
	token := adminToken(t, s, store)

	t.Run("missing token", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodGet, "/api/v1/users/me", "", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("bearer header", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodGet, "/api/v1/users/me", token, nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("token query parameter", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodGet, "/api/v1/users/me?token="+token, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodGet, "/api/v1/users/me", "not-a-token", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})

	assert.NotEmpty(token)
}

func TestTenantHandlers(t *testing.T) {
	store := newStubStore()
	s := testAPIServer(t, store)
	token := adminToken(t, s, store)

	t.Run("create", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, "/api/v1/tenants", token, map[string]interface{}{
			"name":            "acme",
			"maxGatewayCount": 5,
		})
		require.Equal(t, http.StatusCreated, w.Code)

		var tenant models.Tenant
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tenant))
		require.Equal(t, "acme", tenant.Name)
		require.True(t, tenant.IsActive)
		// A gateway budget implies gateway permission.
		require.True(t, tenant.CanHaveGateways)

		wg := doJSON(t, s.routes(), http.MethodGet, "/api/v1/tenants/"+tenant.ID.String(), token, nil)
		require.Equal(t, http.StatusOK, wg.Code)
	})

	t.Run("name too short", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, "/api/v1/tenants", token, map[string]interface{}{
			"name": "ab",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodGet, "/api/v1/tenants/"+uuid.NewString(), token, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestEnqueueDownlink(t *testing.T) {
	store := newStubStore()
	s := testAPIServer(t, store)
	token := adminToken(t, s, store)

	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	store.devices[devEUI] = &models.Device{DevEUI: devEUI, Name: "sensor-1"}
	path := "/api/v1/devices/0102030405060708/queue"

	t.Run("valid payload", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, path, token, map[string]interface{}{
			"fPort":     10,
			"data":      "cafebabe",
			"confirmed": true,
		})
		require.Equal(t, http.StatusCreated, w.Code)
		require.Len(t, store.queue, 1)
		require.Equal(t, uint8(10), store.queue[0].FPort)
		require.Equal(t, []byte{0xca, 0xfe, 0xba, 0xbe}, store.queue[0].Data)
		require.True(t, store.queue[0].Confirmed)
	})

	t.Run("fPort zero", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, path, token, map[string]interface{}{
			"fPort": 0,
			"data":  "01",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("reserved fPort", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, path, token, map[string]interface{}{
			"fPort": 250,
			"data":  "01",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("encrypted without counter", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, path, token, map[string]interface{}{
			"fPort":       10,
			"data":        "01",
			"isEncrypted": true,
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown device", func(t *testing.T) {
		w := doJSON(t, s.routes(), http.MethodPost, "/api/v1/devices/ffffffffffffffff/queue", token, map[string]interface{}{
			"fPort": 10,
			"data":  "01",
		})
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestParseHexTypes(t *testing.T) {
	assert := require.New(t)

	eui, err := parseEUI64("0102030405060708")
	assert.NoError(err)
	assert.Equal(lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, eui)

	_, err = parseEUI64("0102")
	assert.Error(err)

	addr, err := parseDevAddr("01020304")
	assert.NoError(err)
	assert.Equal(lorawan.DevAddr{1, 2, 3, 4}, addr)

	_, err = parseAES128Key("zz")
	assert.Error(err)
}
