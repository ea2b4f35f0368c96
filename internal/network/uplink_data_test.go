package network

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/integration"
	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// stubCache records the lock and frame traffic the pipelines push to
// Redis.
type stubCache struct {
	locked bool

	lockTTLs     []time.Duration
	frames       []*models.DownlinkFrameRecord
	addedAddrs   []lorawan.DevAddr
	removedAddrs []lorawan.DevAddr
}

func (c *stubCache) AddUplinkToDedupSet(ctx context.Context, fingerprint string, frame []byte, ttl time.Duration) (bool, error) {
	return true, nil
}

func (c *stubCache) GetDedupSet(ctx context.Context, fingerprint string) ([][]byte, error) {
	return nil, nil
}

func (c *stubCache) AcquireDeviceLock(ctx context.Context, devEUI lorawan.EUI64, ttl time.Duration) (bool, error) {
	c.lockTTLs = append(c.lockTTLs, ttl)
	return c.locked, nil
}

func (c *stubCache) AddDevAddrDevEUI(ctx context.Context, devAddr lorawan.DevAddr, devEUI lorawan.EUI64, ttl time.Duration) error {
	c.addedAddrs = append(c.addedAddrs, devAddr)
	return nil
}

func (c *stubCache) RemoveDevAddrDevEUI(ctx context.Context, devAddr lorawan.DevAddr, devEUI lorawan.EUI64) error {
	c.removedAddrs = append(c.removedAddrs, devAddr)
	return nil
}

func (c *stubCache) SaveDeviceSession(ctx context.Context, devEUI lorawan.EUI64, session *models.DeviceSession, ttl time.Duration) error {
	return nil
}

func (c *stubCache) SaveDeviceGatewayRXInfo(ctx context.Context, devEUI lorawan.EUI64, rxInfo []models.UplinkRXInfo, ttl time.Duration) error {
	return nil
}

func (c *stubCache) GetDeviceGatewayRXInfo(ctx context.Context, devEUI lorawan.EUI64) ([]models.UplinkRXInfo, error) {
	return nil, storage.ErrNotFound
}

func (c *stubCache) SaveDownlinkFrame(ctx context.Context, record *models.DownlinkFrameRecord, ttl time.Duration) error {
	c.frames = append(c.frames, record)
	return nil
}

func (c *stubCache) GetDownlinkFrame(ctx context.Context, downlinkID uint32) (*models.DownlinkFrameRecord, error) {
	return nil, storage.ErrNotFound
}

func (c *stubCache) DeleteDownlinkFrame(ctx context.Context, downlinkID uint32) error {
	return nil
}

func TestDataUplinkDeviceLock(t *testing.T) {
	newFixture := func(t *testing.T, locked bool) (*Server, *stubStore, *stubCache, *models.UplinkFrameSet, *lorawan.PHYPayload) {
		s := testServer(t)
		s.cfg.DownlinkDataDelay = time.Millisecond

		tenant := &models.Tenant{}
		tenant.ID = uuid.New()
		app := &models.Application{}
		app.ID = uuid.New()
		app.TenantID = tenant.ID

		gwID := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
		gw := &models.Gateway{}
		gw.TenantID = tenant.ID

		var devAddr lorawan.DevAddr
		devAddr.SetAddrPrefix(s.cfg.NetID)

		device := &models.Device{
			DevEUI:        lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
			ApplicationID: app.ID,
			DevAddr:       &devAddr,
		}
		session := &models.DeviceSession{
			DevAddr:               devAddr,
			DevEUI:                device.DevEUI,
			MACVersion:            "1.0.3",
			FCntUp:                10,
			EnabledUplinkChannels: []int{0, 1, 2},
			RX1Delay:              1,
			RX2DR:                 0,
			RX2Frequency:          869525000,
			NbTrans:               1,
			AppSKey:               &models.KeyEnvelope{AESKey: make([]byte, 16)},
		}

		store := &stubStore{
			gateways: map[lorawan.EUI64]*models.Gateway{gwID: gw},
			tenants:  map[uuid.UUID]*models.Tenant{tenant.ID: tenant},
			validation: &storage.ValidationStatus{
				Kind:       storage.ValidationOK,
				FullFCntUp: 10,
				Device:     device,
				Session:    session,
			},
			profile:     &models.DeviceProfile{MACVersion: "1.0.3", RegParamsRevision: "A"},
			application: app,
		}
		cache := &stubCache{locked: locked}
		s.store = store
		s.rs = cache
		s.fanout = integration.NewFanout(store)

		frameSet := &models.UplinkFrameSet{
			RegionConfigID: "eu868",
			ReceivedAt:     time.Now(),
			TXInfo:         models.UplinkTXInfo{Frequency: 868100000},
			RXInfoSet:      []models.UplinkRXInfo{{GatewayID: gwID, RSSI: -100, LoRaSNR: 3}},
			DR:             0,
		}
		phy := &lorawan.PHYPayload{
			MHDR:       lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
			MACPayload: &lorawan.MACPayload{FHDR: lorawan.FHDR{DevAddr: devAddr, FCnt: 10}},
		}
		return s, store, cache, frameSet, phy
	}

	t.Run("locked device skips the class-a answer", func(t *testing.T) {
		assert := require.New(t)
		s, store, cache, frameSet, phy := newFixture(t, false)

		assert.NoError(s.handleDataUplink(context.Background(), frameSet, phy))

		// The lock was requested for the receive-window span and the
		// downlink path never ran.
		assert.Equal([]time.Duration{s.cfg.ClassALockDuration}, cache.lockTTLs)
		assert.Zero(store.queueLookups)
		assert.Empty(cache.frames)

		// The uplink bookkeeping still committed.
		assert.Len(store.updatedSessions, 1)
		assert.Equal(uint32(11), store.updatedSessions[0].FCntUp)
	})

	t.Run("free device proceeds to downlink assembly", func(t *testing.T) {
		assert := require.New(t)
		s, store, cache, frameSet, phy := newFixture(t, true)

		assert.NoError(s.handleDataUplink(context.Background(), frameSet, phy))

		assert.Equal([]time.Duration{s.cfg.ClassALockDuration}, cache.lockTTLs)
		assert.NotZero(store.queueLookups)

		// Empty queue, no MAC answers: nothing to transmit.
		assert.Empty(cache.frames)
	})
}

func TestRecordMeasurements(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	store := &stubStore{}
	s.store = store

	dctx := testDeviceContext(s)
	dctx.profile.Measurements = models.Variables{
		"temperature": models.MeasurementKindGauge,
		"door_opens":  models.MeasurementKindCounter,
		"energy":      models.MeasurementKindAbsolute,
		"state":       models.MeasurementKindString,
	}

	object := map[string]interface{}{
		"temperature": 21.5,
		"door_opens":  float64(3),
		"energy":      2.0,
		"state":       true,
		"nested":      map[string]interface{}{"humidity": 55.0},
	}
	s.recordMeasurements(context.Background(), dctx, object)

	rollup := dctx.device.Variables["measurements"].(map[string]interface{})

	gauge := rollup["temperature"].(map[string]interface{})
	assert.Equal(21.5, gauge["last"])
	assert.Equal(21.5, gauge["sum"])
	assert.Equal(1.0, gauge["count"])

	assert.Equal(3.0, rollup["door_opens"].(map[string]interface{})["last"])
	assert.Equal(2.0, rollup["energy"].(map[string]interface{})["sum"])
	assert.Equal("true", rollup["state"].(map[string]interface{})["last"])

	// Unlisted fields record nothing without auto-detection.
	assert.NotContains(rollup, "nested_humidity")
	assert.Empty(store.updatedProfiles)

	// A second frame accumulates.
	object["temperature"] = 22.5
	s.recordMeasurements(context.Background(), dctx, object)

	rollup = dctx.device.Variables["measurements"].(map[string]interface{})
	gauge = rollup["temperature"].(map[string]interface{})
	assert.Equal(22.5, gauge["last"])
	assert.Equal(44.0, gauge["sum"])
	assert.Equal(2.0, gauge["count"])
	assert.Equal(4.0, rollup["energy"].(map[string]interface{})["sum"])
}

func TestRecordMeasurementsAutoDetect(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	store := &stubStore{}
	s.store = store

	dctx := testDeviceContext(s)
	dctx.profile.AutoDetectMeasurements = true

	s.recordMeasurements(context.Background(), dctx, map[string]interface{}{
		"nested": map[string]interface{}{"humidity": 55.0},
	})

	// The new field joins the schema as UNKNOWN and the profile is
	// persisted; nothing is recorded until an operator assigns a kind.
	assert.Equal(models.MeasurementKindUnknown, dctx.profile.Measurements["nested_humidity"])
	assert.Len(store.updatedProfiles, 1)

	rollup, _ := dctx.device.Variables["measurements"].(map[string]interface{})
	assert.NotContains(rollup, "nested_humidity")

	// A known field stays untouched on repeat frames.
	s.recordMeasurements(context.Background(), dctx, map[string]interface{}{
		"nested": map[string]interface{}{"humidity": 56.0},
	})
	assert.Len(store.updatedProfiles, 1)
}

func TestFlattenObject(t *testing.T) {
	assert := require.New(t)

	out := map[string]interface{}{}
	flattenObject("", map[string]interface{}{
		"a": 1.0,
		"b": map[string]interface{}{
			"c": 2.0,
			"d": map[string]interface{}{"e": "x"},
		},
	}, out)

	assert.Equal(map[string]interface{}{
		"a":     1.0,
		"b_c":   2.0,
		"b_d_e": "x",
	}, out)
}

func TestUplinkEventJoinServerContext(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	var captured []byte
	var eventType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		eventType = r.URL.Query().Get("event")
	}))
	defer ts.Close()

	integ := &models.Integration{
		ApplicationID: uuid.New(),
		Kind:          models.IntegrationHTTP,
		Settings:      models.Variables{"eventEndpointURL": ts.URL},
		IsEnabled:     true,
	}
	integ.ID = uuid.New()

	store := &stubStore{integrations: []*models.Integration{integ}}
	s.store = store
	s.fanout = integration.NewFanout(store)
	defer s.fanout.Close()

	dctx := testDeviceContext(s)
	dctx.session.AppSKey = &models.KeyEnvelope{KEKLabel: "join-server", AESKey: make([]byte, 16)}
	dctx.session.JSSessionKeyID = "sess-1"

	fPort := uint8(10)
	macPL := &lorawan.MACPayload{
		FHDR:       lorawan.FHDR{DevAddr: dctx.session.DevAddr, FCnt: 7},
		FPort:      &fPort,
		FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{0xde, 0xad}}},
	}
	phy := &lorawan.PHYPayload{
		MHDR:       lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
		MACPayload: macPL,
	}
	frameSet := &models.UplinkFrameSet{ReceivedAt: time.Now(), DR: 2}

	object := s.emitUplinkEvent(context.Background(), dctx, frameSet, phy, macPL, true)
	assert.Nil(object)

	assert.Equal("up", eventType)

	var got map[string]interface{}
	assert.NoError(json.Unmarshal(captured, &got))

	jsCtx, ok := got["joinServerContext"].(map[string]interface{})
	assert.True(ok)
	assert.Equal("sess-1", jsCtx["sessionKeyId"])

	appSKey, ok := jsCtx["appSKey"].(map[string]interface{})
	assert.True(ok)
	assert.Equal("join-server", appSKey["kekLabel"])

	// The payload stays opaque: data is forwarded, the object is not.
	assert.NotContains(got, "object")
	assert.Contains(got, "data")
}
