package lorawan

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexKey(t *testing.T, s string) AES128Key {
	t.Helper()
	var k AES128Key
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	copy(k[:], b)
	return k
}

func TestDeriveSessionKeys10(t *testing.T) {
	assert := require.New(t)

	nwkKey := hexKey(t, "0102030405060708090a0b0c0d0e0f10")

	nwkSKey, appSKey, err := DeriveSessionKeys10(nwkKey, 0, NetID{}, 258)
	assert.NoError(err)
	assert.Equal("802fa8293ed7d44f1353b7c92ba97dc8", nwkSKey.String())
	assert.Equal("05d3def03334170fda9bede4c625c875", appSKey.String())

	// The DevNonce is part of both derivation blocks.
	n2, a2, err := DeriveSessionKeys10(nwkKey, 0, NetID{}, 259)
	assert.NoError(err)
	assert.NotEqual(nwkSKey, n2)
	assert.NotEqual(appSKey, a2)
}

func TestDeriveSessionKeys11(t *testing.T) {
	assert := require.New(t)

	nwkKey := hexKey(t, "0102030405060708090a0b0c0d0e0f10")
	appKey := hexKey(t, "1112131415161718191a1b1c1d1e1f20")
	joinEUI := EUI64{8, 7, 6, 5, 4, 3, 2, 1}

	fNwkSIntKey, sNwkSIntKey, nwkSEncKey, appSKey, err := DeriveSessionKeys11(nwkKey, appKey, 7, joinEUI, 258)
	assert.NoError(err)

	// Each key uses its own derivation constant.
	keys := map[string]bool{
		fNwkSIntKey.String(): true,
		sNwkSIntKey.String(): true,
		nwkSEncKey.String():  true,
		appSKey.String():     true,
	}
	assert.Len(keys, 4)

	f2, s2, n2, a2, err := DeriveSessionKeys11(nwkKey, appKey, 7, joinEUI, 259)
	assert.NoError(err)
	assert.NotEqual(fNwkSIntKey, f2)
	assert.NotEqual(sNwkSIntKey, s2)
	assert.NotEqual(nwkSEncKey, n2)
	assert.NotEqual(appSKey, a2)
}

func TestDeriveJSKeys(t *testing.T) {
	assert := require.New(t)

	nwkKey := hexKey(t, "0102030405060708090a0b0c0d0e0f10")
	devEUI := EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	intKey, err := DeriveJSIntKey(nwkKey, devEUI)
	assert.NoError(err)
	encKey, err := DeriveJSEncKey(nwkKey, devEUI)
	assert.NoError(err)
	assert.NotEqual(intKey, encKey)

	other, err := DeriveJSIntKey(nwkKey, EUI64{9, 9, 9, 9, 9, 9, 9, 9})
	assert.NoError(err)
	assert.NotEqual(intKey, other)
}

func TestMulticastKeyDerivation(t *testing.T) {
	assert := require.New(t)

	mcRoot, err := GetMcRootKeyForGenAppKey(hexKey(t, "0302030405060708090a0b0c0d0e0f10"))
	assert.NoError(err)
	assert.Equal("55344e82570eaec8bf03b99962d1f445", mcRoot.String())

	mcRoot, err = GetMcRootKeyForAppKey(hexKey(t, "0202030405060708090a0b0c0d0e0f10"))
	assert.NoError(err)
	assert.Equal("264fd859583fcc670241ac071cc9f5bb", mcRoot.String())

	ke, err := GetMcKEKey(hexKey(t, "0402030405060708090a0b0c0d0e0f10"))
	assert.NoError(err)
	assert.Equal("9083bebf704257883160dbfcde33ad71", ke.String())

	mcKey := hexKey(t, "0102030405060708090a0b0c0d0e0f10")
	mcAddr := DevAddr{0x01, 0x02, 0x03, 0x04}

	appSKey, err := GetMcAppSKey(mcKey, mcAddr)
	assert.NoError(err)
	assert.Equal("95cb4518ee375606735bbacbdce837fa", appSKey.String())

	netSKey, err := GetMcNetSKey(mcKey, mcAddr)
	assert.NoError(err)
	assert.Equal("c3f6b388bad6c000b23291ad52c11c7b", netSKey.String())
}

func TestEncryptMcKey(t *testing.T) {
	assert := require.New(t)

	var kek, mcKey AES128Key
	for i := range kek {
		kek[i] = 0x01
		mcKey[i] = 0x02
	}

	enc, err := EncryptMcKey(kek, mcKey)
	assert.NoError(err)
	assert.Equal("3437d6e231d702419b51b4947271b611", enc.String())

	dec, err := DecryptMcKey(kek, enc)
	assert.NoError(err)
	assert.Equal(mcKey, dec)
}

func TestUplinkJoinMIC(t *testing.T) {
	assert := require.New(t)

	nwkKey := hexKey(t, "0102030405060708090a0b0c0d0e0f10")
	phy := &PHYPayload{
		MHDR: MHDR{MType: JoinRequest, Major: LoRaWANR1},
		MACPayload: &JoinRequestPayload{
			JoinEUI:  EUI64{8, 7, 6, 5, 4, 3, 2, 1},
			DevEUI:   EUI64{1, 2, 3, 4, 5, 6, 7, 8},
			DevNonce: 258,
		},
	}
	assert.NoError(phy.SetUplinkJoinMIC(nwkKey))

	ok, err := phy.ValidateUplinkJoinMIC(nwkKey)
	assert.NoError(err)
	assert.True(ok)

	ok, err = phy.ValidateUplinkJoinMIC(AES128Key{})
	assert.NoError(err)
	assert.False(ok)
}

func TestUplinkDataMIC(t *testing.T) {
	fNwkSIntKey := hexKey(t, "0102030405060708090a0b0c0d0e0f10")
	sNwkSIntKey := hexKey(t, "1112131415161718191a1b1c1d1e1f20")

	frame := func() *PHYPayload {
		return &PHYPayload{
			MHDR: MHDR{MType: UnconfirmedDataUp, Major: LoRaWANR1},
			MACPayload: &MACPayload{
				FHDR: FHDR{DevAddr: DevAddr{1, 2, 3, 4}, FCnt: 10},
			},
		}
	}

	t.Run("1.0 ignores the transmission parameters", func(t *testing.T) {
		assert := require.New(t)
		phy := frame()
		assert.NoError(phy.SetUplinkDataMIC(LoRaWAN1_0, 0, 5, 2, fNwkSIntKey, sNwkSIntKey))

		ok, err := phy.ValidateUplinkDataMIC(LoRaWAN1_0, 0, 0, 0, fNwkSIntKey, sNwkSIntKey)
		assert.NoError(err)
		assert.True(ok)
	})

	t.Run("1.1 binds data rate and channel", func(t *testing.T) {
		assert := require.New(t)
		phy := frame()
		assert.NoError(phy.SetUplinkDataMIC(LoRaWAN1_1, 0, 5, 2, fNwkSIntKey, sNwkSIntKey))

		ok, err := phy.ValidateUplinkDataMIC(LoRaWAN1_1, 0, 5, 2, fNwkSIntKey, sNwkSIntKey)
		assert.NoError(err)
		assert.True(ok)

		ok, err = phy.ValidateUplinkDataMIC(LoRaWAN1_1, 0, 5, 3, fNwkSIntKey, sNwkSIntKey)
		assert.NoError(err)
		assert.False(ok)
	})
}

func TestDownlinkDataMIC(t *testing.T) {
	assert := require.New(t)

	sNwkSIntKey := hexKey(t, "0102030405060708090a0b0c0d0e0f10")
	phy := &PHYPayload{
		MHDR: MHDR{MType: UnconfirmedDataDown, Major: LoRaWANR1},
		MACPayload: &MACPayload{
			FHDR: FHDR{DevAddr: DevAddr{1, 2, 3, 4}, FCtrl: FCtrl{ACK: true}, FCnt: 5},
		},
	}
	assert.NoError(phy.SetDownlinkDataMIC(LoRaWAN1_1, 9, sNwkSIntKey))

	// An acknowledging 1.1 downlink binds the confirmed uplink counter.
	ok, err := phy.ValidateDownlinkDataMIC(LoRaWAN1_1, 9, sNwkSIntKey)
	assert.NoError(err)
	assert.True(ok)

	ok, err = phy.ValidateDownlinkDataMIC(LoRaWAN1_1, 10, sNwkSIntKey)
	assert.NoError(err)
	assert.False(ok)
}
