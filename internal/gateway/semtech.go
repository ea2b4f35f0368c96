package gateway

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// Semtech UDP packet-forwarder protocol v2.
const (
	semtechProtocolVersion = 2

	pktPushData = 0x00
	pktPushACK  = 0x01
	pktPullData = 0x02
	pktPullResp = 0x03
	pktPullACK  = 0x04
	pktTXACK    = 0x05
)

// dataRate is the packet-forwarder "datr" field: a string such as
// "SF7BW125" for LoRa, a plain number (bits per second) for FSK.
type dataRate struct {
	LoRa string
	FSK  uint32
}

// MarshalJSON implements json.Marshaler.
func (d dataRate) MarshalJSON() ([]byte, error) {
	if d.LoRa != "" {
		return json.Marshal(d.LoRa)
	}
	return json.Marshal(d.FSK)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *dataRate) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &d.LoRa)
	}
	return json.Unmarshal(data, &d.FSK)
}

// parseLoRaDataRate splits "SF<n>BW<k>" into spreading factor and
// bandwidth in kHz.
func parseLoRaDataRate(datr string) (sf, bw int, err error) {
	if _, err = fmt.Sscanf(strings.ToUpper(datr), "SF%dBW%d", &sf, &bw); err != nil {
		return 0, 0, fmt.Errorf("parse lora datr %q: %w", datr, err)
	}
	return sf, bw, nil
}

// rxPacket is one "rxpk" element of a PUSH_DATA payload.
type rxPacket struct {
	Time    *string  `json:"time,omitempty"`
	Tmms    *int64   `json:"tmms,omitempty"`
	Tmst    uint32   `json:"tmst"`
	Freq    float64  `json:"freq"`
	Chan    int      `json:"chan"`
	RFCh    int      `json:"rfch"`
	CRCStat int      `json:"stat"`
	Modu    string   `json:"modu"`
	DatR    dataRate `json:"datr"`
	CodR    string   `json:"codr,omitempty"`
	RSSI    int32    `json:"rssi"`
	LSNR    float64  `json:"lsnr"`
	Size    int      `json:"size"`
	Data    string   `json:"data"`
}

// statPacket is the "stat" element of a PUSH_DATA payload.
type statPacket struct {
	Time string   `json:"time"`
	Lati *float64 `json:"lati,omitempty"`
	Long *float64 `json:"long,omitempty"`
	Alti *float64 `json:"alti,omitempty"`
	RXNb int      `json:"rxnb"`
	RXOK int      `json:"rxok"`
	RXFW int      `json:"rxfw"`
	ACKR float64  `json:"ackr"`
	DWNb int      `json:"dwnb"`
	TXNb int      `json:"txnb"`
}

// txPacket is the "txpk" element of a PULL_RESP payload.
type txPacket struct {
	Imme bool     `json:"imme"`
	Tmst *uint32  `json:"tmst,omitempty"`
	Tmms *int64   `json:"tmms,omitempty"`
	Freq float64  `json:"freq"`
	RFCh int      `json:"rfch"`
	Powe int      `json:"powe"`
	Modu string   `json:"modu"`
	DatR dataRate `json:"datr"`
	CodR string   `json:"codr,omitempty"`
	FDev *uint32  `json:"fdev,omitempty"`
	IPol bool     `json:"ipol"`
	Size int      `json:"size"`
	Data string   `json:"data"`
	NCRC bool     `json:"ncrc,omitempty"`
}

type pushDataPayload struct {
	RXPK []rxPacket  `json:"rxpk,omitempty"`
	Stat *statPacket `json:"stat,omitempty"`
}

type txAckPayload struct {
	TXPKAck struct {
		Error string `json:"error"`
	} `json:"txpk_ack"`
}

// uplinkFrame converts one rxpk reception into the wire model published
// to the network server. The gateway's internal tmst counter travels in
// the opaque Context token so the downlink can be anchored to it.
func (p rxPacket) uplinkFrame(gatewayID lorawan.EUI64, uplinkID uint32) (models.UplinkFrame, error) {
	phy, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return models.UplinkFrame{}, fmt.Errorf("decode rxpk data: %w", err)
	}

	var mod models.Modulation
	switch strings.ToUpper(p.Modu) {
	case "LORA":
		sf, bw, err := parseLoRaDataRate(p.DatR.LoRa)
		if err != nil {
			return models.UplinkFrame{}, err
		}
		mod.LoRa = &models.LoRaModulationInfo{
			Bandwidth:       bw * 1000,
			SpreadingFactor: sf,
			CodeRate:        p.CodR,
		}
	case "FSK":
		mod.FSK = &models.FSKModulationInfo{Datarate: int(p.DatR.FSK)}
	default:
		return models.UplinkFrame{}, fmt.Errorf("unknown modulation %q", p.Modu)
	}

	context := make([]byte, 4)
	binary.BigEndian.PutUint32(context, p.Tmst)

	rxInfo := models.UplinkRXInfo{
		GatewayID: gatewayID,
		UplinkID:  uplinkID,
		RSSI:      p.RSSI,
		LoRaSNR:   p.LSNR,
		Channel:   p.Chan,
		RFChain:   p.RFCh,
		Context:   context,
	}

	if p.Time != nil {
		if t, err := time.Parse(time.RFC3339Nano, *p.Time); err == nil {
			rxInfo.Time = &t
		}
	}

	return models.UplinkFrame{
		PHYPayload: phy,
		TXInfo: models.UplinkTXInfo{
			Frequency:  uint32(math.Round(p.Freq * 1e6)),
			Modulation: mod,
		},
		RXInfo: rxInfo,
	}, nil
}

// gatewayStats converts a stat block into the wire model.
func (p statPacket) gatewayStats(gatewayID lorawan.EUI64) models.GatewayStats {
	stats := models.GatewayStats{
		GatewayID:           gatewayID,
		Time:                time.Now().UTC(),
		RXPacketsReceived:   p.RXNb,
		RXPacketsReceivedOK: p.RXOK,
		TXPacketsReceived:   p.DWNb,
		TXPacketsEmitted:    p.TXNb,
	}

	if t, err := time.Parse("2006-01-02 15:04:05 MST", p.Time); err == nil {
		stats.Time = t.UTC()
	}

	if p.Lati != nil && p.Long != nil {
		stats.Metadata = models.Variables{
			"latitude":  fmt.Sprintf("%f", *p.Lati),
			"longitude": fmt.Sprintf("%f", *p.Long),
		}
		if p.Alti != nil {
			stats.Metadata["altitude"] = fmt.Sprintf("%f", *p.Alti)
		}
	}

	return stats
}

// buildTXPacket converts one downlink item into a txpk. The timing
// block decides between immediate, tmst-anchored and GPS-epoch modes;
// the tmst anchor is recovered from the Context token the uplink path
// stamped.
func buildTXPacket(item models.DownlinkFrameItem) (txPacket, error) {
	pkt := txPacket{
		Freq: float64(item.TXInfo.Frequency) / 1e6,
		Powe: item.TXInfo.Power,
		Size: len(item.PHYPayload),
		Data: base64.StdEncoding.EncodeToString(item.PHYPayload),
	}

	switch {
	case item.TXInfo.Modulation.LoRa != nil:
		m := item.TXInfo.Modulation.LoRa
		pkt.Modu = "LORA"
		pkt.DatR = dataRate{LoRa: fmt.Sprintf("SF%dBW%d", m.SpreadingFactor, m.Bandwidth/1000)}
		pkt.CodR = m.CodeRate
		pkt.IPol = m.PolarizationInversion
	case item.TXInfo.Modulation.FSK != nil:
		pkt.Modu = "FSK"
		pkt.DatR = dataRate{FSK: uint32(item.TXInfo.Modulation.FSK.Datarate)}
	default:
		return txPacket{}, fmt.Errorf("downlink item without modulation")
	}

	timing := item.TXInfo.Timing
	switch {
	case timing.Immediately:
		pkt.Imme = true
	case timing.Delay != nil:
		if len(item.TXInfo.Context) != 4 {
			return txPacket{}, fmt.Errorf("delay timing needs a 4-byte context, got %d", len(item.TXInfo.Context))
		}
		// uint32 wrap matches the concentrator counter rollover
		tmst := binary.BigEndian.Uint32(item.TXInfo.Context) + uint32(timing.Delay.Microseconds())
		pkt.Tmst = &tmst
	case timing.GPSEpoch != nil:
		tmms := timing.GPSEpoch.Milliseconds()
		pkt.Tmms = &tmms
	default:
		return txPacket{}, fmt.Errorf("downlink item without timing")
	}

	return pkt, nil
}
