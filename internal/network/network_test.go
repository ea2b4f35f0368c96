package network

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/band"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	b, err := band.GetConfig(band.EU868, false, lorawan.DwellTimeNoLimit)
	require.NoError(t, err)

	cfg := Config{NetID: lorawan.NetID{0x00, 0x00, 0x01}}
	cfg.SetDefaults()

	return &Server{
		cfg: cfg,
		regions: map[string]*Region{
			"eu868": {
				ID:              "eu868",
				Band:            b,
				RX1Delay:        1,
				RX2DR:           0,
				RX2Frequency:    869525000,
				DownlinkTXPower: -1,
				MinDR:           0,
				MaxDR:           5,
			},
		},
	}
}

func loraFrame(gatewayID lorawan.EUI64, frequency uint32) models.UplinkFrame {
	return models.UplinkFrame{
		PHYPayload: []byte{0x40, 0x01, 0x02, 0x03, 0x04, 0x80, 0x01, 0x00, 0x01, 0xaa, 0xbb, 0xcc, 0xdd},
		TXInfo: models.UplinkTXInfo{
			Frequency: frequency,
			Modulation: models.Modulation{
				LoRa: &models.LoRaModulationInfo{
					Bandwidth:       125000,
					SpreadingFactor: 12,
					CodeRate:        "4/5",
				},
			},
		},
		RXInfo: models.UplinkRXInfo{
			GatewayID: gatewayID,
			RSSI:      -100,
			LoRaSNR:   3.5,
		},
		RegionConfigID: "eu868",
	}
}

func TestUplinkFingerprint(t *testing.T) {
	assert := require.New(t)

	gw1 := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	gw2 := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}

	a := loraFrame(gw1, 868100000)
	b := loraFrame(gw2, 868100000)

	// Two gateways reporting the same transmission share a fingerprint.
	assert.Equal(uplinkFingerprint(&a), uplinkFingerprint(&b))
	assert.Len(uplinkFingerprint(&a), 32)

	c := loraFrame(gw1, 868300000)
	assert.NotEqual(uplinkFingerprint(&a), uplinkFingerprint(&c))

	d := loraFrame(gw1, 868100000)
	d.PHYPayload[len(d.PHYPayload)-1]++
	assert.NotEqual(uplinkFingerprint(&a), uplinkFingerprint(&d))
}

func TestMergeUplinkFrames(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)

	gw1 := lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1}
	gw2 := lorawan.EUI64{2, 2, 2, 2, 2, 2, 2, 2}

	f1, err := json.Marshal(loraFrame(gw1, 868100000))
	assert.NoError(err)
	f2, err := json.Marshal(loraFrame(gw2, 868100000))
	assert.NoError(err)

	set, err := s.mergeUplinkFrames([][]byte{f1, f2, []byte("not json")})
	assert.NoError(err)
	assert.Len(set.RXInfoSet, 2)
	assert.Equal("eu868", set.RegionConfigID)
	assert.Equal(uint32(868100000), set.TXInfo.Frequency)

	// SF12 / 125 kHz is DR0 in EU868.
	assert.Equal(0, set.DR)
}

func TestMergeUplinkFramesEmpty(t *testing.T) {
	s := testServer(t)

	_, err := s.mergeUplinkFrames(nil)
	require.Error(t, err)

	_, err = s.mergeUplinkFrames([][]byte{[]byte("garbage")})
	require.Error(t, err)
}

func TestBandDataRate(t *testing.T) {
	assert := require.New(t)

	d := bandDataRate(models.Modulation{
		LoRa: &models.LoRaModulationInfo{Bandwidth: 125000, SpreadingFactor: 7},
	})
	assert.Equal(band.LoRaModulation, d.Modulation)
	assert.Equal(125, d.Bandwidth)
	assert.Equal(7, d.SpreadFactor)

	d = bandDataRate(models.Modulation{FSK: &models.FSKModulationInfo{Datarate: 50000}})
	assert.Equal(band.FSKModulation, d.Modulation)
	assert.Equal(50000, d.BitRate)
}

func TestMaxSNRAndRSSI(t *testing.T) {
	assert := require.New(t)

	set := []models.UplinkRXInfo{
		{RSSI: -120, LoRaSNR: -15},
		{RSSI: -80, LoRaSNR: 2.5},
		{RSSI: -95, LoRaSNR: -3},
	}
	assert.Equal(2.5, maxSNR(set))
	assert.Equal(int32(-80), maxRSSI(set))

	// All-negative sets must not fall back to the zero value.
	set = []models.UplinkRXInfo{{RSSI: -120, LoRaSNR: -15}}
	assert.Equal(-15.0, maxSNR(set))
	assert.Equal(int32(-120), maxRSSI(set))
}

func TestUplinkMACCommandsFromFrame(t *testing.T) {
	assert := require.New(t)

	fPort := uint8(0)
	macPL := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{
			FOpts: []lorawan.Payload{
				&lorawan.MACCommand{CID: lorawan.LinkCheckReq},
			},
		},
		FPort: &fPort,
		FRMPayload: []lorawan.Payload{
			&lorawan.MACCommand{CID: lorawan.DeviceTimeReq},
		},
	}

	cmds := uplinkMACCommands(macPL)
	assert.Len(cmds, 2)
	assert.Equal(lorawan.LinkCheckReq, cmds[0].CID)
	assert.Equal(lorawan.DeviceTimeReq, cmds[1].CID)

	// Port > 0 means the FRMPayload is application data.
	dataPort := uint8(10)
	macPL.FPort = &dataPort
	cmds = uplinkMACCommands(macPL)
	assert.Len(cmds, 1)
}

func TestAppendUnique(t *testing.T) {
	assert := require.New(t)

	assert.Equal([]int{0, 1, 2}, appendUnique([]int{0, 1}, 2))
	assert.Equal([]int{0, 1}, appendUnique([]int{0, 1}, 1))
	assert.Equal([]int{3}, appendUnique(nil, 3))
}
