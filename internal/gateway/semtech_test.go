package gateway

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestDataRateJSON(t *testing.T) {
	assert := require.New(t)

	var d dataRate
	assert.NoError(json.Unmarshal([]byte(`"SF7BW125"`), &d))
	assert.Equal("SF7BW125", d.LoRa)

	assert.NoError(json.Unmarshal([]byte(`50000`), &d))
	assert.Equal(uint32(50000), d.FSK)

	b, err := json.Marshal(dataRate{LoRa: "SF12BW500"})
	assert.NoError(err)
	assert.Equal(`"SF12BW500"`, string(b))

	b, err = json.Marshal(dataRate{FSK: 50000})
	assert.NoError(err)
	assert.Equal(`50000`, string(b))
}

func TestParseLoRaDataRate(t *testing.T) {
	assert := require.New(t)

	sf, bw, err := parseLoRaDataRate("SF7BW125")
	assert.NoError(err)
	assert.Equal(7, sf)
	assert.Equal(125, bw)

	sf, bw, err = parseLoRaDataRate("SF12BW500")
	assert.NoError(err)
	assert.Equal(12, sf)
	assert.Equal(500, bw)

	_, _, err = parseLoRaDataRate("4/5")
	assert.Error(err)
}

func TestRXPacketToUplinkFrame(t *testing.T) {
	assert := require.New(t)

	gatewayID := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	phy := []byte{0x40, 0x04, 0x03, 0x02, 0x01, 0x00, 0x01, 0x00}

	p := rxPacket{
		Tmst:    123456789,
		Freq:    868.1,
		Chan:    2,
		RFCh:    1,
		CRCStat: 1,
		Modu:    "LORA",
		DatR:    dataRate{LoRa: "SF9BW125"},
		CodR:    "4/5",
		RSSI:    -57,
		LSNR:    7.8,
		Size:    len(phy),
		Data:    base64.StdEncoding.EncodeToString(phy),
	}

	frame, err := p.uplinkFrame(gatewayID, 42)
	assert.NoError(err)

	assert.Equal(phy, frame.PHYPayload)
	assert.Equal(uint32(868100000), frame.TXInfo.Frequency)
	assert.NotNil(frame.TXInfo.Modulation.LoRa)
	assert.Equal(9, frame.TXInfo.Modulation.LoRa.SpreadingFactor)
	assert.Equal(125000, frame.TXInfo.Modulation.LoRa.Bandwidth)
	assert.Equal("4/5", frame.TXInfo.Modulation.LoRa.CodeRate)

	assert.Equal(gatewayID, frame.RXInfo.GatewayID)
	assert.Equal(uint32(42), frame.RXInfo.UplinkID)
	assert.Equal(int32(-57), frame.RXInfo.RSSI)
	assert.Equal(7.8, frame.RXInfo.LoRaSNR)
	assert.Equal(2, frame.RXInfo.Channel)

	// the tmst counter must survive the context round trip
	assert.Len(frame.RXInfo.Context, 4)
	assert.Equal(uint32(123456789), binary.BigEndian.Uint32(frame.RXInfo.Context))
}

func TestRXPacketBadData(t *testing.T) {
	assert := require.New(t)

	p := rxPacket{Modu: "LORA", DatR: dataRate{LoRa: "SF7BW125"}, Data: "not base64!!"}
	_, err := p.uplinkFrame(lorawan.EUI64{}, 1)
	assert.Error(err)

	p = rxPacket{Modu: "QAM", Data: ""}
	_, err = p.uplinkFrame(lorawan.EUI64{}, 1)
	assert.Error(err)
}

func TestBuildTXPacketDelay(t *testing.T) {
	assert := require.New(t)

	delay := time.Second
	context := make([]byte, 4)
	binary.BigEndian.PutUint32(context, 5000000)

	item := models.DownlinkFrameItem{
		PHYPayload: []byte{1, 2, 3},
		TXInfo: models.DownlinkTXInfo{
			Frequency: 869525000,
			Power:     27,
			Modulation: models.Modulation{
				LoRa: &models.LoRaModulationInfo{
					Bandwidth:             125000,
					SpreadingFactor:       12,
					CodeRate:              "4/5",
					PolarizationInversion: true,
				},
			},
			Timing:  models.DownlinkTiming{Delay: &delay},
			Context: context,
		},
	}

	pkt, err := buildTXPacket(item)
	assert.NoError(err)

	assert.False(pkt.Imme)
	assert.NotNil(pkt.Tmst)
	assert.Equal(uint32(6000000), *pkt.Tmst)
	assert.Equal(869.525, pkt.Freq)
	assert.Equal(27, pkt.Powe)
	assert.Equal("LORA", pkt.Modu)
	assert.Equal("SF12BW125", pkt.DatR.LoRa)
	assert.True(pkt.IPol)
	assert.Equal(3, pkt.Size)
	assert.Equal(base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), pkt.Data)
}

func TestBuildTXPacketTmstWraps(t *testing.T) {
	assert := require.New(t)

	delay := 2 * time.Second
	context := make([]byte, 4)
	binary.BigEndian.PutUint32(context, 4294966000)

	item := models.DownlinkFrameItem{
		TXInfo: models.DownlinkTXInfo{
			Modulation: models.Modulation{
				LoRa: &models.LoRaModulationInfo{Bandwidth: 125000, SpreadingFactor: 7},
			},
			Timing:  models.DownlinkTiming{Delay: &delay},
			Context: context,
		},
	}

	pkt, err := buildTXPacket(item)
	assert.NoError(err)
	// 4294966000 + 2000000 wraps the 32-bit concentrator counter
	assert.Equal(uint32(1998704), *pkt.Tmst)
}

func TestBuildTXPacketImmediate(t *testing.T) {
	assert := require.New(t)

	item := models.DownlinkFrameItem{
		TXInfo: models.DownlinkTXInfo{
			Modulation: models.Modulation{
				LoRa: &models.LoRaModulationInfo{Bandwidth: 125000, SpreadingFactor: 9},
			},
			Timing: models.DownlinkTiming{Immediately: true},
		},
	}

	pkt, err := buildTXPacket(item)
	assert.NoError(err)
	assert.True(pkt.Imme)
	assert.Nil(pkt.Tmst)
}

func TestBuildTXPacketGPSEpoch(t *testing.T) {
	assert := require.New(t)

	epoch := 1234567890 * time.Millisecond
	item := models.DownlinkFrameItem{
		TXInfo: models.DownlinkTXInfo{
			Modulation: models.Modulation{
				LoRa: &models.LoRaModulationInfo{Bandwidth: 125000, SpreadingFactor: 9},
			},
			Timing: models.DownlinkTiming{GPSEpoch: &epoch},
		},
	}

	pkt, err := buildTXPacket(item)
	assert.NoError(err)
	assert.NotNil(pkt.Tmms)
	assert.Equal(int64(1234567890), *pkt.Tmms)
}

func TestBuildTXPacketErrors(t *testing.T) {
	assert := require.New(t)

	// missing timing
	item := models.DownlinkFrameItem{
		TXInfo: models.DownlinkTXInfo{
			Modulation: models.Modulation{
				LoRa: &models.LoRaModulationInfo{Bandwidth: 125000, SpreadingFactor: 9},
			},
		},
	}
	_, err := buildTXPacket(item)
	assert.Error(err)

	// delay without a context anchor
	delay := time.Second
	item.TXInfo.Timing = models.DownlinkTiming{Delay: &delay}
	_, err = buildTXPacket(item)
	assert.Error(err)
}

func TestStatPacketToGatewayStats(t *testing.T) {
	assert := require.New(t)

	lati, long := 52.3740, 4.9144
	p := statPacket{
		Time: "2026-08-26 10:00:00 GMT",
		Lati: &lati,
		Long: &long,
		RXNb: 10,
		RXOK: 8,
		DWNb: 3,
		TXNb: 2,
	}

	gatewayID := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	stats := p.gatewayStats(gatewayID)

	assert.Equal(gatewayID, stats.GatewayID)
	assert.Equal(10, stats.RXPacketsReceived)
	assert.Equal(8, stats.RXPacketsReceivedOK)
	assert.Equal(3, stats.TXPacketsReceived)
	assert.Equal(2, stats.TXPacketsEmitted)
	assert.Equal(time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC), stats.Time)
	assert.Equal("52.374000", stats.Metadata["latitude"])
}

func TestGatewayIDFromPacket(t *testing.T) {
	assert := require.New(t)

	pkt := []byte{2, 0, 1, pktPushData, 1, 2, 3, 4, 5, 6, 7, 8}
	id, ok := gatewayIDFromPacket(pkt)
	assert.True(ok)
	assert.Equal(lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}, id)

	_, ok = gatewayIDFromPacket(pkt[:8])
	assert.False(ok)
}
