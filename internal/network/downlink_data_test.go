package network

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/internal/storage"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestDownlinkTXInfo(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	region := s.regions["eu868"]

	txInfo, err := s.downlinkTXInfo(region, 869525000, 0)
	assert.NoError(err)
	assert.Equal(uint32(869525000), txInfo.Frequency)
	assert.NotNil(txInfo.Modulation.LoRa)
	assert.Equal(12, txInfo.Modulation.LoRa.SpreadingFactor)
	assert.Equal(125000, txInfo.Modulation.LoRa.Bandwidth)
	assert.True(txInfo.Modulation.LoRa.PolarizationInversion)

	// DownlinkTXPower -1 defers to the band default.
	assert.Equal(region.Band.GetDownlinkTXPower(869525000), txInfo.Power)

	region.DownlinkTXPower = 27
	txInfo, err = s.downlinkTXInfo(region, 869525000, 0)
	assert.NoError(err)
	assert.Equal(27, txInfo.Power)
}

func TestPreferRX2(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := &downlinkContext{deviceContext: testDeviceContext(s)}
	region := dctx.region

	rx1 := models.DownlinkTXInfo{Power: 14}
	rx2 := models.DownlinkTXInfo{Power: 27}

	// No preference configured.
	assert.False(s.preferRX2(dctx, 0, rx1, rx2))

	// RX1 DR below the threshold prefers RX2, but only once the device
	// uses the configured RX2 parameters.
	region.RX2PreferOnRX1DRLt = 3
	assert.True(s.preferRX2(dctx, 2, rx1, rx2))
	assert.False(s.preferRX2(dctx, 3, rx1, rx2))

	dctx.session.RX2Frequency = 868100000
	assert.False(s.preferRX2(dctx, 2, rx1, rx2))
	dctx.session.RX2Frequency = region.RX2Frequency

	// Link-budget preference: RX2 at SF12 with more power wins over an
	// RX1 at the same data rate with less.
	region.RX2PreferOnRX1DRLt = 0
	region.RX2PreferOnLinkBudget = true
	assert.True(s.preferRX2(dctx, 0, rx1, rx2))

	// At equal power RX2 at SF12 still has the larger budget, its
	// demodulation floor is 12.5 dB lower than SF7's.
	rx2.Power = 14
	assert.True(s.preferRX2(dctx, 5, rx1, rx2))

	// 13 dB of extra RX1 power outweighs the floor difference.
	rx1.Power = 27
	assert.False(s.preferRX2(dctx, 5, rx1, rx2))
}

func testSession() *models.DeviceSession {
	key := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	return &models.DeviceSession{
		DevAddr:     lorawan.DevAddr{1, 2, 3, 4},
		MACVersion:  "1.0.3",
		FNwkSIntKey: key,
		SNwkSIntKey: key,
		NwkSEncKey:  key,
		AppSKey:     &models.KeyEnvelope{AESKey: key[:]},
		FCntUp:      10,
		NFCntDown:   5,
	}
}

func linkADRReqs(n int) []lorawan.MACCommand {
	out := make([]lorawan.MACCommand, n)
	for i := range out {
		out[i] = lorawan.MACCommand{
			CID:     lorawan.LinkADRReq,
			Payload: &lorawan.LinkADRReqPayload{DataRate: 5, TXPower: 1},
		}
	}
	return out
}

func TestAssembleDataFrameMACInFOpts(t *testing.T) {
	assert := require.New(t)
	session := testSession()

	// Three LinkADRReq are 15 bytes, exactly the FOpts capacity.
	cmds := linkADRReqs(3)
	size := 0
	for i := range cmds {
		b, err := cmds[i].MarshalBinary()
		assert.NoError(err)
		size += len(b)
	}
	assert.Equal(maxFOptsLen, size)

	phy, err := assembleDataFrame(session, cmds, false, nil, false, false, 5)
	assert.NoError(err)

	macPL := phy.MACPayload.(*lorawan.MACPayload)
	assert.Nil(macPL.FPort)
	assert.Len(macPL.FHDR.FOpts, 3)
	assert.False(macPL.FHDR.FCtrl.FPending)

	_, err = phy.MarshalBinary()
	assert.NoError(err)
}

func TestAssembleDataFrameMACOnPortZero(t *testing.T) {
	assert := require.New(t)
	session := testSession()

	// Four LinkADRReq exceed the FOpts capacity and move to port 0.
	cmds := linkADRReqs(4)
	phy, err := assembleDataFrame(session, cmds, true, nil, false, true, 5)
	assert.NoError(err)

	macPL := phy.MACPayload.(*lorawan.MACPayload)
	assert.NotNil(macPL.FPort)
	assert.Equal(uint8(0), *macPL.FPort)
	assert.Empty(macPL.FHDR.FOpts)
	assert.True(macPL.FHDR.FCtrl.FPending)

	// The commands survive the encrypt / decrypt round trip.
	b, err := phy.MarshalBinary()
	assert.NoError(err)

	var decoded lorawan.PHYPayload
	assert.NoError(decoded.UnmarshalBinary(b))
	assert.NoError(decoded.DecryptFRMPayload(session.NwkSEncKey))

	decodedPL := decoded.MACPayload.(*lorawan.MACPayload)
	assert.Len(decodedPL.FRMPayload, 4)
	for _, p := range decodedPL.FRMPayload {
		cmd, ok := p.(*lorawan.MACCommand)
		assert.True(ok)
		assert.Equal(lorawan.LinkADRReq, cmd.CID)
	}
}

func TestAssembleDataFrameQueueItem(t *testing.T) {
	assert := require.New(t)
	session := testSession()

	item := &models.DeviceQueueItem{
		FPort:     10,
		Data:      []byte{0xca, 0xfe},
		Confirmed: true,
	}

	phy, err := assembleDataFrame(session, nil, false, item, true, false, 5)
	assert.NoError(err)
	assert.Equal(lorawan.ConfirmedDataDown, phy.MHDR.MType)

	macPL := phy.MACPayload.(*lorawan.MACPayload)
	assert.True(macPL.FHDR.FCtrl.ACK)
	assert.Equal(uint8(10), *macPL.FPort)

	// Decrypting with the AppSKey restores the payload.
	b, err := phy.MarshalBinary()
	assert.NoError(err)

	var decoded lorawan.PHYPayload
	assert.NoError(decoded.UnmarshalBinary(b))

	var appSKey lorawan.AES128Key
	copy(appSKey[:], session.AppSKey.AESKey)
	assert.NoError(decoded.DecryptFRMPayload(appSKey))

	decodedPL := decoded.MACPayload.(*lorawan.MACPayload)
	dp := decodedPL.FRMPayload[0].(*lorawan.DataPayload)
	assert.Equal([]byte{0xca, 0xfe}, dp.Bytes)
}

// stubStore overrides the lookups the pipelines need; every other Store
// method panics through the embedded nil interface.
type stubStore struct {
	storage.Store
	gateways map[lorawan.EUI64]*models.Gateway
	tenants  map[uuid.UUID]*models.Tenant

	validation   *storage.ValidationStatus
	profile      *models.DeviceProfile
	application  *models.Application
	integrations []*models.Integration
	pendingMAC   map[lorawan.CID]*models.MACCommandBlock

	queueLookups    int
	updatedSessions []*models.DeviceSession
	updatedProfiles []*models.DeviceProfile
	flushedQueues   []lorawan.EUI64
}

func (s *stubStore) GetGatewaysForIDs(ctx context.Context, ids []lorawan.EUI64) (map[lorawan.EUI64]*models.Gateway, error) {
	out := map[lorawan.EUI64]*models.Gateway{}
	for _, id := range ids {
		if gw, ok := s.gateways[id]; ok {
			out[id] = gw
		}
	}
	return out, nil
}

func (s *stubStore) GetTenant(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	t, ok := s.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (s *stubStore) GetDeviceForPHYPayload(ctx context.Context, regionConfigID string, phy *lorawan.PHYPayload, txDR, txCh int, classALock time.Duration) (*storage.ValidationStatus, error) {
	if s.validation == nil {
		return nil, storage.ErrNotFound
	}
	return s.validation, nil
}

func (s *stubStore) GetDeviceProfile(ctx context.Context, id uuid.UUID) (*models.DeviceProfile, error) {
	return s.profile, nil
}

func (s *stubStore) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	return s.application, nil
}

func (s *stubStore) GetIntegrationsForApplication(ctx context.Context, applicationID uuid.UUID) ([]*models.Integration, error) {
	return s.integrations, nil
}

func (s *stubStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	return nil
}

func (s *stubStore) UpdateDeviceSession(ctx context.Context, devEUI lorawan.EUI64, session *models.DeviceSession) error {
	s.updatedSessions = append(s.updatedSessions, session)
	return nil
}

func (s *stubStore) UpdateDeviceSeen(ctx context.Context, devEUI lorawan.EUI64, seenAt time.Time) error {
	return nil
}

func (s *stubStore) UpdateDeviceProfile(ctx context.Context, profile *models.DeviceProfile) error {
	s.updatedProfiles = append(s.updatedProfiles, profile)
	return nil
}

func (s *stubStore) GetNextDeviceQueueItem(ctx context.Context, devEUI lorawan.EUI64) (*models.DeviceQueueItem, error) {
	s.queueLookups++
	return nil, storage.ErrNotFound
}

func (s *stubStore) GetPendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) (*models.MACCommandBlock, error) {
	block, ok := s.pendingMAC[cid]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return block, nil
}

func (s *stubStore) SetPendingMACCommand(ctx context.Context, block *models.MACCommandBlock) error {
	if s.pendingMAC == nil {
		s.pendingMAC = map[lorawan.CID]*models.MACCommandBlock{}
	}
	s.pendingMAC[block.CID] = block
	return nil
}

func (s *stubStore) DeletePendingMACCommand(ctx context.Context, devEUI lorawan.EUI64, cid lorawan.CID) error {
	delete(s.pendingMAC, cid)
	return nil
}

func (s *stubStore) FlushDeviceQueue(ctx context.Context, devEUI lorawan.EUI64) error {
	s.flushedQueues = append(s.flushedQueues, devEUI)
	return nil
}

func (s *stubStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	return nil
}

func TestDisplacedQueueItem(t *testing.T) {
	assert := require.New(t)

	// Nothing queued: MAC pressure alone never raises FPending.
	assert.False(displacedQueueItem(nil, true, 20, 51))

	pending := &models.DeviceQueueItem{Data: make([]byte, 10)}

	// MAC commands on port 0 displace any queued item.
	assert.True(displacedQueueItem(pending, true, 20, 51))

	// The item rides the next frame once the commands leave room.
	assert.False(displacedQueueItem(pending, false, 10, 51))
	assert.True(displacedQueueItem(pending, false, 45, 51))
}

func TestSelectDownlinkGateway(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	gw1 := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	gw2 := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}
	gw3 := lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3}

	ownTenant := uuid.New()
	otherTenant := uuid.New()

	mkGateway := func(tenantID uuid.UUID) *models.Gateway {
		gw := &models.Gateway{}
		gw.TenantID = tenantID
		return gw
	}
	private := &models.Tenant{PrivateGatewaysDown: true}
	private.ID = otherTenant

	s.store = &stubStore{
		gateways: map[lorawan.EUI64]*models.Gateway{
			gw1: mkGateway(ownTenant),
			gw2: mkGateway(ownTenant),
			gw3: mkGateway(otherTenant),
		},
		tenants: map[uuid.UUID]*models.Tenant{otherTenant: private},
	}

	dctx := testDeviceContext(s)
	dctx.tenant = &models.Tenant{}
	dctx.tenant.ID = ownTenant

	rxInfoSet := []models.UplinkRXInfo{
		{GatewayID: gw1, RSSI: -90, LoRaSNR: -12},
		{GatewayID: gw2, RSSI: -120, LoRaSNR: -14},
		{GatewayID: gw3, RSSI: -50, LoRaSNR: 10},
	}

	// Strongest visible gateway; the other tenant's private gateway is
	// excluded even though it heard the frame best.
	rx, err := s.selectDownlinkGateway(context.Background(), dctx, rxInfoSet, 0)
	assert.NoError(err)
	assert.Equal(gw1, rx.GatewayID)

	// Min-margin selection picks the weakest gateway still above the
	// 5 dB floor: margins against the SF12 floor are 8 and 6 dB.
	s.cfg.GatewayPreferMinMargin = true
	rx, err = s.selectDownlinkGateway(context.Background(), dctx, rxInfoSet, 0)
	assert.NoError(err)
	assert.Equal(gw2, rx.GatewayID)

	// When no candidate clears the floor, fall back to strongest RSSI.
	rxInfoSet[0].LoRaSNR = -18
	rxInfoSet[1].LoRaSNR = -19
	rx, err = s.selectDownlinkGateway(context.Background(), dctx, rxInfoSet, 0)
	assert.NoError(err)
	assert.Equal(gw1, rx.GatewayID)

	// An unknown gateway set yields no candidates.
	_, err = s.selectDownlinkGateway(context.Background(), dctx, []models.UplinkRXInfo{
		{GatewayID: lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}},
	}, 0)
	assert.Error(err)
}
