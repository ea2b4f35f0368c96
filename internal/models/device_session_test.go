package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestAppendUplinkADRHistory(t *testing.T) {
	assert := require.New(t)

	var s DeviceSession

	for i := 0; i < 30; i++ {
		s.AppendUplinkADRHistory(UplinkADRHistory{FCnt: uint32(i), MaxSNR: 1, GatewayCount: 1})
	}

	assert.Len(s.UplinkADRHistory, 20)
	assert.Equal(uint32(10), s.UplinkADRHistory[0].FCnt)
	assert.Equal(uint32(29), s.UplinkADRHistory[19].FCnt)

	// retransmission merges into the last entry
	s.AppendUplinkADRHistory(UplinkADRHistory{FCnt: 29, MaxSNR: 5, MaxRSSI: -100, GatewayCount: 2})
	assert.Len(s.UplinkADRHistory, 20)
	last := s.UplinkADRHistory[19]
	assert.Equal(uint32(29), last.FCnt)
	assert.Equal(3, last.GatewayCount)
	assert.Equal(float64(5), last.MaxSNR)
}

func TestDeviceSessionJSONRoundTrip(t *testing.T) {
	assert := require.New(t)

	s := DeviceSession{
		RegionConfigID: "eu868",
		DevAddr:        lorawan.DevAddr{1, 2, 3, 4},
		DevEUI:         lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		MACVersion:     "1.0.3",
		FNwkSIntKey:    lorawan.AES128Key{1},
		SNwkSIntKey:    lorawan.AES128Key{2},
		NwkSEncKey:     lorawan.AES128Key{3},
		FCntUp:         65537,
		EnabledUplinkChannels: []int{0, 1, 2},
		ExtraUplinkChannels: map[int]ExtraUplinkChannel{
			3: {Frequency: 867100000, MinDR: 0, MaxDR: 5},
		},
		PendingRejoinDeviceSession: &DeviceSession{
			DevAddr: lorawan.DevAddr{4, 3, 2, 1},
		},
	}

	b, err := json.Marshal(s)
	assert.NoError(err)

	var out DeviceSession
	assert.NoError(json.Unmarshal(b, &out))
	assert.Equal(s, out)
}

func TestGetMACVersion(t *testing.T) {
	assert := require.New(t)

	s := DeviceSession{MACVersion: "1.0.3"}
	assert.Equal(lorawan.LoRaWAN1_0, s.GetMACVersion())

	s.MACVersion = "1.1.0"
	assert.Equal(lorawan.LoRaWAN1_1, s.GetMACVersion())
}
