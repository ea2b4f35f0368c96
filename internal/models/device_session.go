package models

import (
	"encoding/json"
	"time"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

// KeyEnvelope holds an AES key, optionally wrapped by the key-encryption
// key identified by KEKLabel. An empty label means AESKey is the plain key.
type KeyEnvelope struct {
	KEKLabel string `json:"kekLabel,omitempty"`
	AESKey   []byte `json:"aesKey"`
}

// ExtraUplinkChannel is a user-defined channel configured through the CFList
// or NewChannelReq.
type ExtraUplinkChannel struct {
	Frequency uint32 `json:"frequency"`
	MinDR     int    `json:"minDR"`
	MaxDR     int    `json:"maxDR"`
}

// UplinkADRHistory is one entry of the bounded per-session uplink history
// the ADR engine works from.
type UplinkADRHistory struct {
	FCnt         uint32  `json:"fCnt"`
	MaxSNR       float64 `json:"maxSNR"`
	MaxRSSI      int32   `json:"maxRSSI"`
	TXPowerIndex int     `json:"txPowerIndex"`
	GatewayCount int     `json:"gatewayCount"`
}

// DeviceSession is the MAC-layer runtime state of an activated device. It is
// persisted as a JSON blob on the device row so the whole state moves in one
// transactional write.
type DeviceSession struct {
	// RegionConfigID ties the session to the region it was activated in.
	RegionConfigID string `json:"regionConfigId"`

	DevAddr    lorawan.DevAddr   `json:"devAddr"`
	DevEUI     lorawan.EUI64     `json:"devEUI"`
	JoinEUI    lorawan.EUI64     `json:"joinEUI"`
	MACVersion string            `json:"macVersion"`

	// Session keys
	FNwkSIntKey lorawan.AES128Key `json:"fNwkSIntKey"`
	SNwkSIntKey lorawan.AES128Key `json:"sNwkSIntKey"`
	NwkSEncKey  lorawan.AES128Key `json:"nwkSEncKey"`
	AppSKey     *KeyEnvelope      `json:"appSKey,omitempty"`

	// JSSessionKeyID references the AppSKey held by an external
	// join-server; the application payload then stays opaque here.
	JSSessionKeyID string `json:"jsSessionKeyId,omitempty"`

	// Frame counters. FCntUp is the next expected full 32-bit uplink
	// counter.
	FCntUp    uint32 `json:"fCntUp"`
	NFCntDown uint32 `json:"nFCntDown"`
	AFCntDown uint32 `json:"aFCntDown"`
	ConfFCnt  uint32 `json:"confFCnt"`

	SkipFCntCheck bool `json:"skipFCntCheck"`

	// RX windows
	RX1Delay     uint8  `json:"rx1Delay"`
	RX1DROffset  uint8  `json:"rx1DROffset"`
	RX2DR        uint8  `json:"rx2DR"`
	RX2Frequency uint32 `json:"rx2Frequency"`

	// Channels
	EnabledUplinkChannels []int                      `json:"enabledUplinkChannels"`
	ExtraUplinkChannels   map[int]ExtraUplinkChannel `json:"extraUplinkChannels,omitempty"`

	// ADR
	DR                       int                `json:"dr"`
	TXPowerIndex             int                `json:"txPowerIndex"`
	MinSupportedTXPowerIndex int                `json:"minSupportedTXPowerIndex"`
	MaxSupportedTXPowerIndex int                `json:"maxSupportedTXPowerIndex"`
	NbTrans                  uint8              `json:"nbTrans"`
	ADR                      bool               `json:"adr"`
	UplinkADRHistory         []UplinkADRHistory `json:"uplinkADRHistory"`

	// TxParamSetup state (dwell-time regions)
	UplinkDwellTime400ms   bool `json:"uplinkDwellTime400ms"`
	DownlinkDwellTime400ms bool `json:"downlinkDwellTime400ms"`
	UplinkMaxEIRPIndex     int  `json:"uplinkMaxEIRPIndex"`

	// Class-B ping-slot parameters
	PingSlotNb        int    `json:"pingSlotNb"`
	PingSlotDR        int    `json:"pingSlotDR"`
	PingSlotFrequency uint32 `json:"pingSlotFrequency"`

	// Rejoin parameters (LoRaWAN 1.1)
	RejoinRequestEnabled   bool   `json:"rejoinRequestEnabled"`
	RejoinRequestMaxCountN int    `json:"rejoinRequestMaxCountN"`
	RejoinRequestMaxTimeN  int    `json:"rejoinRequestMaxTimeN"`
	RejoinCount0           uint16 `json:"rejoinCount0"`

	// Mac-command bookkeeping
	LastDevStatusRequested time.Time `json:"lastDevStatusRequested"`

	// PendingRejoinDeviceSession is the session created by a rejoin
	// request or re-activation; it replaces this one on its first valid
	// uplink.
	PendingRejoinDeviceSession *DeviceSession `json:"pendingRejoinDeviceSession,omitempty"`
}

// uplinkADRHistoryMax bounds the per-session history ring.
const uplinkADRHistoryMax = 20

// AppendUplinkADRHistory appends an uplink to the ADR history. A repeated
// frame-counter (retransmission) merges into the existing entry so the loss
// rate is not skewed; the ring keeps the most recent entries in increasing
// f_cnt order.
func (s *DeviceSession) AppendUplinkADRHistory(h UplinkADRHistory) {
	if n := len(s.UplinkADRHistory); n > 0 && s.UplinkADRHistory[n-1].FCnt == h.FCnt {
		last := &s.UplinkADRHistory[n-1]
		last.GatewayCount += h.GatewayCount
		if h.MaxSNR > last.MaxSNR {
			last.MaxSNR = h.MaxSNR
		}
		if h.MaxRSSI > last.MaxRSSI {
			last.MaxRSSI = h.MaxRSSI
		}
		return
	}

	s.UplinkADRHistory = append(s.UplinkADRHistory, h)
	if len(s.UplinkADRHistory) > uplinkADRHistoryMax {
		s.UplinkADRHistory = s.UplinkADRHistory[len(s.UplinkADRHistory)-uplinkADRHistoryMax:]
	}
}

// ResetADRHistory clears the history, e.g. after a tx-parameter change that
// invalidates older link observations.
func (s *DeviceSession) ResetADRHistory() {
	s.UplinkADRHistory = nil
}

// IsE2EEncrypted reports whether the application payload is opaque to
// this server: the AppSKey is missing, wrapped under a KEK, or held by
// an external join-server.
func (s *DeviceSession) IsE2EEncrypted() bool {
	return s.AppSKey == nil || s.AppSKey.KEKLabel != "" || s.JSSessionKeyID != ""
}

// GetMACVersion parses the session's mac-version into the codec enum.
func (s *DeviceSession) GetMACVersion() lorawan.MACVersion {
	if s.MACVersion == "1.1.0" {
		return lorawan.LoRaWAN1_1
	}
	return lorawan.LoRaWAN1_0
}

// DeepCopy returns an independent copy of the session, including the
// nested pending-rejoin session and all slices and maps.
func (s *DeviceSession) DeepCopy() *DeviceSession {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		cp := *s
		return &cp
	}
	var out DeviceSession
	if err := json.Unmarshal(b, &out); err != nil {
		cp := *s
		return &cp
	}
	return &out
}
