package models

import (
	"time"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// LoRaModulationInfo describes a LoRa modulated transmission.
type LoRaModulationInfo struct {
	Bandwidth             int    `json:"bandwidth"`
	SpreadingFactor       int    `json:"spreadingFactor"`
	CodeRate              string `json:"codeRate"`
	PolarizationInversion bool   `json:"polarizationInversion,omitempty"`
}

// FSKModulationInfo describes an FSK modulated transmission.
type FSKModulationInfo struct {
	Datarate int `json:"datarate"`
}

// LRFHSSModulationInfo describes an LR-FHSS modulated transmission.
type LRFHSSModulationInfo struct {
	CodeRate              string `json:"codeRate"`
	OperatingChannelWidth int    `json:"operatingChannelWidth"`
	GridSteps             int    `json:"gridSteps"`
}

// Modulation is a tagged union; exactly one member is set.
type Modulation struct {
	LoRa   *LoRaModulationInfo   `json:"lora,omitempty"`
	FSK    *FSKModulationInfo    `json:"fsk,omitempty"`
	LRFHSS *LRFHSSModulationInfo `json:"lrFHSS,omitempty"`
}

// UplinkTXInfo is the radio metadata shared by all receivers of an uplink.
type UplinkTXInfo struct {
	Frequency  uint32     `json:"frequency"`
	Modulation Modulation `json:"modulation"`
}

// UplinkRXInfo is the per-gateway reception metadata of an uplink.
type UplinkRXInfo struct {
	GatewayID lorawan.EUI64 `json:"gatewayId"`
	UplinkID  uint32        `json:"uplinkId"`
	RSSI      int32         `json:"rssi"`
	LoRaSNR   float64       `json:"loRaSNR"`
	Channel   int           `json:"channel"`
	RFChain   int           `json:"rfChain"`
	Board     int           `json:"board"`
	Antenna   int           `json:"antenna"`
	Location  *Location     `json:"location,omitempty"`

	// Time is the GPS-synced reception time when the gateway has one.
	Time *time.Time `json:"time,omitempty"`

	// Context is an opaque gateway token echoed back on downlink so the
	// gateway can anchor the TX to its internal counter.
	Context []byte `json:"context,omitempty"`
}

// UplinkFrame is one reception of a PHYPayload by one gateway.
type UplinkFrame struct {
	PHYPayload []byte       `json:"phyPayload"`
	TXInfo     UplinkTXInfo `json:"txInfo"`
	RXInfo     UplinkRXInfo `json:"rxInfo"`

	// RegionConfigID is set by the gateway backend that received the
	// frame.
	RegionConfigID string `json:"regionConfigId"`
}

// UplinkFrameSet is the deduplicated set of all receptions of one frame
// within the dedup window.
type UplinkFrameSet struct {
	PHYPayload     []byte         `json:"phyPayload"`
	TXInfo         UplinkTXInfo   `json:"txInfo"`
	RXInfoSet      []UplinkRXInfo `json:"rxInfoSet"`
	RegionConfigID string         `json:"regionConfigId"`
	ReceivedAt     time.Time      `json:"receivedAt"`

	// DR is resolved from TXInfo against the region before the pipeline
	// runs.
	DR int `json:"dr"`
}

// DownlinkTiming selects how the gateway schedules the transmission.
type DownlinkTiming struct {
	// Delay relative to the uplink reception identified by Context.
	Delay *time.Duration `json:"delay,omitempty"`

	// Immediately transmits as soon as possible (Class-C).
	Immediately bool `json:"immediately,omitempty"`

	// GPSEpoch is an absolute slot for Class-B ping slots.
	GPSEpoch *time.Duration `json:"gpsEpoch,omitempty"`
}

// DownlinkTXInfo tells the gateway how to transmit one downlink item.
type DownlinkTXInfo struct {
	Frequency  uint32         `json:"frequency"`
	Power      int            `json:"power"`
	Modulation Modulation     `json:"modulation"`
	Timing     DownlinkTiming `json:"timing"`
	Board      int            `json:"board"`
	Antenna    int            `json:"antenna"`
	Context    []byte         `json:"context,omitempty"`
}

// DownlinkFrameItem is one transmission candidate; gateways pick the first
// item that fits their scheduler.
type DownlinkFrameItem struct {
	PHYPayload []byte         `json:"phyPayload"`
	TXInfo     DownlinkTXInfo `json:"txInfo"`
}

// DownlinkFrame is the wire message sent to a gateway backend.
type DownlinkFrame struct {
	DownlinkID uint32              `json:"downlinkId"`
	GatewayID  lorawan.EUI64       `json:"gatewayId"`
	Items      []DownlinkFrameItem `json:"items"`
}

// TXAck is the gateway's acknowledgement of a DownlinkFrame.
type TXAck struct {
	DownlinkID uint32        `json:"downlinkId"`
	GatewayID  lorawan.EUI64 `json:"gatewayId"`

	// Error is empty on success; otherwise a code such as TOO_LATE or
	// TX_FREQ.
	Error string `json:"error,omitempty"`

	// ItemIndex is the index of the item the gateway transmitted.
	ItemIndex int `json:"itemIndex"`
}
