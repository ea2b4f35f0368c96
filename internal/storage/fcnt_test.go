package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestGetFullFCntUp(t *testing.T) {
	tests := []struct {
		nextExpected uint32
		truncated    uint16
		expected     uint32
	}{
		{1, 1, 1},
		{65536, 0, 65536},
		{65537, 1, 65537},
		{0, 1, 1},
		{65537, 2, 65538},
		{2, 1, 1},
		{65537, 0, 65536},
		{65536, 65535, 65535},
		{4294967295, 0, 0},
	}

	for _, tt := range tests {
		got := GetFullFCntUp(tt.nextExpected, tt.truncated)
		require.Equal(t, tt.expected, got,
			"next expected %d, truncated %d", tt.nextExpected, tt.truncated)
	}
}

func TestGetFullFCntUpProperties(t *testing.T) {
	t.Run("forward", rapid.MakeCheck(func(t *rapid.T) {
		next := rapid.Uint32().Draw(t, "next")
		delta := rapid.Uint32Range(0, 65534).Draw(t, "delta")

		full := next + delta
		got := GetFullFCntUp(next, uint16(full))
		if got != full {
			t.Fatalf("expected %d, got %d", full, got)
		}
	}))

	t.Run("retransmission", rapid.MakeCheck(func(t *rapid.T) {
		next := rapid.Uint32Min(1).Draw(t, "next")

		got := GetFullFCntUp(next, uint16(next-1))
		if got != next-1 {
			t.Fatalf("expected %d, got %d", next-1, got)
		}
	}))
}

func uplinkPHY(t *testing.T, devAddr lorawan.DevAddr, fullFCnt uint32, macVersion lorawan.MACVersion, fNwkSIntKey, sNwkSIntKey lorawan.AES128Key) *lorawan.PHYPayload {
	t.Helper()

	fPort := uint8(1)
	phy := &lorawan.PHYPayload{
		MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWANR1},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: devAddr,
				FCnt:    fullFCnt,
			},
			FPort:      &fPort,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: []byte{1, 2, 3}}},
		},
	}
	require.NoError(t, phy.SetUplinkDataMIC(macVersion, 0, 0, 0, fNwkSIntKey, sNwkSIntKey))

	// on the wire only the low 16 bits are carried
	phy.MACPayload.(*lorawan.MACPayload).FHDR.FCnt = fullFCnt % (1 << 16)

	return phy
}

func TestResolveDeviceSession(t *testing.T) {
	devAddr := lorawan.DevAddr{1, 2, 3, 4}
	pendingDevAddr := lorawan.DevAddr{4, 3, 2, 1}

	newDevice := func(n byte, session *models.DeviceSession) *models.Device {
		return &models.Device{
			DevEUI:  lorawan.EUI64{n, n, n, n, n, n, n, n},
			Session: session,
		}
	}

	device1 := newDevice(1, &models.DeviceSession{
		DevAddr:     devAddr,
		DevEUI:      lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
		MACVersion:  "1.0.3",
		FNwkSIntKey: lorawan.AES128Key{1},
		SNwkSIntKey: lorawan.AES128Key{1},
		FCntUp:      8,
	})
	device2 := newDevice(2, &models.DeviceSession{
		DevAddr:       devAddr,
		DevEUI:        lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2},
		MACVersion:    "1.0.3",
		FNwkSIntKey:   lorawan.AES128Key{2},
		SNwkSIntKey:   lorawan.AES128Key{2},
		FCntUp:        200,
		SkipFCntCheck: true,
	})
	device3 := newDevice(3, &models.DeviceSession{
		DevAddr:     devAddr,
		DevEUI:      lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3},
		MACVersion:  "1.0.3",
		FNwkSIntKey: lorawan.AES128Key{3},
		SNwkSIntKey: lorawan.AES128Key{3},
		FCntUp:      100,
		PendingRejoinDeviceSession: &models.DeviceSession{
			DevAddr:     pendingDevAddr,
			DevEUI:      lorawan.EUI64{3, 3, 3, 3, 3, 3, 3, 3},
			MACVersion:  "1.0.3",
			FNwkSIntKey: lorawan.AES128Key{4},
			SNwkSIntKey: lorawan.AES128Key{4},
			FCntUp:      0,
		},
	})
	device4 := newDevice(4, &models.DeviceSession{
		DevAddr:     devAddr,
		DevEUI:      lorawan.EUI64{4, 4, 4, 4, 4, 4, 4, 4},
		MACVersion:  "1.0.3",
		FNwkSIntKey: lorawan.AES128Key{5},
		SNwkSIntKey: lorawan.AES128Key{5},
		FCntUp:      65537,
	})

	devices := []*models.Device{device1, device2, device3, device4}

	t.Run("resolves by MIC at truncated counter", func(t *testing.T) {
		assert := require.New(t)

		phy := uplinkPHY(t, devAddr, 11, lorawan.LoRaWAN1_0, lorawan.AES128Key{1}, lorawan.AES128Key{1})

		status, err := ResolveDeviceSession(devices, "eu868", phy, 0, 0)
		assert.NoError(err)
		assert.Equal(device1.DevEUI, status.Device.DevEUI)
		assert.Equal(uint32(11), status.FullFCntUp)
		assert.Equal(ValidationOK, status.Kind)
		assert.False(status.PendingRejoin)
		assert.Equal(uint32(8), status.PreIncrementSession.FCntUp)
	})

	t.Run("resolves rolled-over counter", func(t *testing.T) {
		assert := require.New(t)

		phy := uplinkPHY(t, devAddr, 65547, lorawan.LoRaWAN1_0, lorawan.AES128Key{5}, lorawan.AES128Key{5})

		status, err := ResolveDeviceSession(devices, "eu868", phy, 0, 0)
		assert.NoError(err)
		assert.Equal(device4.DevEUI, status.Device.DevEUI)
		assert.Equal(uint32(65547), status.FullFCntUp)
		assert.Equal(ValidationOK, status.Kind)
	})

	t.Run("resolves pending-rejoin session", func(t *testing.T) {
		assert := require.New(t)

		phy := uplinkPHY(t, pendingDevAddr, 0, lorawan.LoRaWAN1_0, lorawan.AES128Key{4}, lorawan.AES128Key{4})

		status, err := ResolveDeviceSession(devices, "eu868", phy, 0, 0)
		assert.NoError(err)
		assert.Equal(device3.DevEUI, status.Device.DevEUI)
		assert.True(status.PendingRejoin)
		assert.Equal(uint32(0), status.FullFCntUp)
	})

	t.Run("counter reset accepted with skip fcnt check", func(t *testing.T) {
		assert := require.New(t)

		phy := uplinkPHY(t, devAddr, 0, lorawan.LoRaWAN1_0, lorawan.AES128Key{2}, lorawan.AES128Key{2})

		status, err := ResolveDeviceSession(devices, "eu868", phy, 0, 0)
		assert.NoError(err)
		assert.Equal(device2.DevEUI, status.Device.DevEUI)
		assert.Equal(uint32(0), status.FullFCntUp)
		assert.Equal(ValidationReset, status.Kind)
	})

	t.Run("retransmission does not advance", func(t *testing.T) {
		assert := require.New(t)

		phy := uplinkPHY(t, devAddr, 7, lorawan.LoRaWAN1_0, lorawan.AES128Key{1}, lorawan.AES128Key{1})

		status, err := ResolveDeviceSession(devices, "eu868", phy, 0, 0)
		assert.NoError(err)
		assert.Equal(device1.DevEUI, status.Device.DevEUI)
		assert.Equal(uint32(7), status.FullFCntUp)
		assert.Equal(ValidationRetransmission, status.Kind)
	})

	t.Run("unknown keys yield invalid MIC", func(t *testing.T) {
		assert := require.New(t)

		phy := uplinkPHY(t, devAddr, 11, lorawan.LoRaWAN1_0, lorawan.AES128Key{99}, lorawan.AES128Key{99})

		_, err := ResolveDeviceSession(devices, "eu868", phy, 0, 0)
		assert.ErrorIs(err, ErrInvalidMIC)
	})

	t.Run("region mismatch is skipped", func(t *testing.T) {
		assert := require.New(t)

		other := newDevice(9, &models.DeviceSession{
			RegionConfigID: "us915_0",
			DevAddr:        devAddr,
			MACVersion:     "1.0.3",
			FNwkSIntKey:    lorawan.AES128Key{9},
			SNwkSIntKey:    lorawan.AES128Key{9},
			FCntUp:         8,
		})

		phy := uplinkPHY(t, devAddr, 11, lorawan.LoRaWAN1_0, lorawan.AES128Key{9}, lorawan.AES128Key{9})

		_, err := ResolveDeviceSession([]*models.Device{other}, "eu868", phy, 0, 0)
		assert.ErrorIs(err, ErrInvalidMIC)

		status, err := ResolveDeviceSession([]*models.Device{other}, "us915_0", phy, 0, 0)
		assert.NoError(err)
		assert.Equal(uint32(11), status.FullFCntUp)
	})
}
