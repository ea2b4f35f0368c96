package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestBuildJoinAccept(t *testing.T) {
	nwkKey := lorawan.AES128Key{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	joinEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	devNonce := lorawan.DevNonce(258)

	payload := func(optNeg bool) *lorawan.JoinAcceptPayload {
		return &lorawan.JoinAcceptPayload{
			JoinNonce: 7,
			HomeNetID: lorawan.NetID{0, 0, 1},
			DevAddr:   lorawan.DevAddr{1, 2, 3, 4},
			DLSettings: lorawan.DLSettings{
				OptNeg:      optNeg,
				RX2DataRate: 0,
			},
			RXDelay: 1,
		}
	}

	t.Run("1.0 signs and encrypts with the NwkKey", func(t *testing.T) {
		assert := require.New(t)

		phy, err := buildJoinAccept(payload(false), false, devEUI, joinEUI, devNonce, nwkKey)
		assert.NoError(err)

		b, err := phy.MarshalBinary()
		assert.NoError(err)

		var decoded lorawan.PHYPayload
		assert.NoError(decoded.UnmarshalBinary(b))
		assert.NoError(decoded.DecryptJoinAcceptPayload(nwkKey))

		ok, err := decoded.ValidateDownlinkJoinMIC(lorawan.JoinRequestType, joinEUI, devNonce, nwkKey)
		assert.NoError(err)
		assert.True(ok)

		jaPL := decoded.MACPayload.(*lorawan.JoinAcceptPayload)
		assert.Equal(lorawan.DevAddr{1, 2, 3, 4}, jaPL.DevAddr)
		assert.Equal(lorawan.NetID{0, 0, 1}, jaPL.HomeNetID)
		assert.Equal(lorawan.JoinNonce(7), jaPL.JoinNonce)
	})

	t.Run("1.1 uses the derived join-server keys", func(t *testing.T) {
		assert := require.New(t)

		phy, err := buildJoinAccept(payload(true), true, devEUI, joinEUI, devNonce, nwkKey)
		assert.NoError(err)

		b, err := phy.MarshalBinary()
		assert.NoError(err)

		jsEncKey, err := lorawan.DeriveJSEncKey(nwkKey, devEUI)
		assert.NoError(err)
		jsIntKey, err := lorawan.DeriveJSIntKey(nwkKey, devEUI)
		assert.NoError(err)

		var decoded lorawan.PHYPayload
		assert.NoError(decoded.UnmarshalBinary(b))
		assert.NoError(decoded.DecryptJoinAcceptPayload(jsEncKey))

		ok, err := decoded.ValidateDownlinkJoinMIC(lorawan.JoinRequestType, joinEUI, devNonce, jsIntKey)
		assert.NoError(err)
		assert.True(ok)

		jaPL := decoded.MACPayload.(*lorawan.JoinAcceptPayload)
		assert.True(jaPL.DLSettings.OptNeg)

		// The NwkKey itself no longer opens the frame.
		var wrongKey lorawan.PHYPayload
		assert.NoError(wrongKey.UnmarshalBinary(b))
		assert.NoError(wrongKey.DecryptJoinAcceptPayload(nwkKey))
		ok, err = wrongKey.ValidateDownlinkJoinMIC(lorawan.JoinRequestType, joinEUI, devNonce, jsIntKey)
		assert.NoError(err)
		assert.False(ok)
	})
}

func TestActivateDeviceFlushesQueue(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	store := &stubStore{}
	cache := &stubCache{}
	s.store = store
	s.rs = cache

	dctx := testDeviceContext(s)
	dctx.profile.FlushQueueOnActivate = false

	oldAddr := lorawan.DevAddr{9, 9, 9, 9}
	dctx.device.DevAddr = &oldAddr

	session := testSession()
	devAddr := lorawan.DevAddr{1, 2, 3, 5}
	assert.NoError(s.activateDevice(context.Background(), dctx, session, devAddr))

	// Items of the previous session are dropped on every activation; the
	// profile flag cannot keep them alive.
	assert.Equal([]lorawan.EUI64{dctx.device.DevEUI}, store.flushedQueues)

	assert.Equal(&devAddr, dctx.device.DevAddr)
	assert.Equal(models.DeviceClassA, dctx.device.EnabledClass)
	assert.Same(session, dctx.session)
	assert.Equal([]lorawan.DevAddr{oldAddr}, cache.removedAddrs)
	assert.Equal([]lorawan.DevAddr{devAddr}, cache.addedAddrs)
}
