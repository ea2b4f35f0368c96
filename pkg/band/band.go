// Package band provides the regional channel plans, data-rate tables and
// receive-window defaults used for communication with end-devices.
package band

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

const latest = "latest"

// Name defines the band-name type.
type Name string

// Supported bands.
const (
	EU868 Name = "EU868"
	US915 Name = "US915"
	AU915 Name = "AU915"
	AS923 Name = "AS923"
	CN470 Name = "CN470"
	IN865 Name = "IN865"
)

// LoRaWAN MAC versions.
const (
	LoRaWAN_1_0_0 = "1.0.0"
	LoRaWAN_1_0_1 = "1.0.1"
	LoRaWAN_1_0_2 = "1.0.2"
	LoRaWAN_1_0_3 = "1.0.3"
	LoRaWAN_1_0_4 = "1.0.4"
	LoRaWAN_1_1_0 = "1.1.0"
)

// Regional parameters revisions.
const (
	RegParamRevA           = "A"
	RegParamRevB           = "B"
	RegParamRevRP002_1_0_0 = "RP002-1.0.0"
	RegParamRevRP002_1_0_1 = "RP002-1.0.1"
	RegParamRevRP002_1_0_2 = "RP002-1.0.2"
	RegParamRevRP002_1_0_3 = "RP002-1.0.3"
)

// Errors returned by band operations.
var (
	ErrChannelDoesNotExist = errors.New("band: channel does not exist")
	ErrDataRateDoesNotExist = errors.New("band: data-rate does not exist")
)

// Modulation defines the modulation type.
type Modulation string

// Possible modulation types.
const (
	LoRaModulation   Modulation = "LORA"
	FSKModulation    Modulation = "FSK"
	LRFHSSModulation Modulation = "LR_FHSS"
)

// DataRate defines a single entry in a regional data-rate table.
type DataRate struct {
	uplink   bool
	downlink bool

	Modulation   Modulation `json:"modulation"`
	SpreadFactor int        `json:"spreadFactor,omitempty"`
	Bandwidth    int        `json:"bandwidth,omitempty"` // kHz, LoRa only
	BitRate      int        `json:"bitRate,omitempty"`   // bits per second, FSK only

	// LR-FHSS only
	CodingRate           string `json:"codingRate,omitempty"`
	OccupiedChannelWidth int    `json:"occupiedChannelWidth,omitempty"`
}

// MaxPayloadSize defines the maximum payload size for a data-rate. M is the
// maximum MACPayload length, N the maximum application payload length in the
// absence of FOpts.
type MaxPayloadSize struct {
	M int
	N int
}

// Channel defines an uplink or downlink channel.
type Channel struct {
	Frequency uint32 // Hz
	MinDR     int
	MaxDR     int
	enabled   bool
	custom    bool // user-configured (extra) channel
}

// Defaults holds the band default values.
type Defaults struct {
	RX2Frequency     uint32
	RX2DataRate      int
	MaxFCntGap       uint32
	ReceiveDelay1    time.Duration
	ReceiveDelay2    time.Duration
	JoinAcceptDelay1 time.Duration
	JoinAcceptDelay2 time.Duration
}

// Band defines the interface implemented by every regional band.
type Band interface {
	// Name returns the common band name.
	Name() string

	// GetDataRateIndex returns the index for the given data-rate parameters.
	GetDataRateIndex(uplink bool, dataRate DataRate) (int, error)

	// GetDataRate returns the data-rate for the given index.
	GetDataRate(dr int) (DataRate, error)

	// GetMaxPayloadSizeForDataRateIndex returns the max-payload size for the
	// given data-rate index, MAC version and regional-parameters revision.
	// Unknown versions fall back to the most recent implemented revision.
	GetMaxPayloadSizeForDataRateIndex(macVersion, regParamRevision string, dr int) (MaxPayloadSize, error)

	// GetRX1DataRateIndex returns the RX1 data-rate given the uplink
	// data-rate and RX1 data-rate offset.
	GetRX1DataRateIndex(uplinkDR, rx1DROffset int) (int, error)

	// GetTXPowerOffset returns the TX power offset (dB below max EIRP) for
	// the given index. The highest valid index is the band's max tx-power
	// index.
	GetTXPowerOffset(txPowerIndex int) (int, error)

	// MaxTXPowerIndex returns the highest valid tx-power index.
	MaxTXPowerIndex() int

	// AddChannel adds an extra (user-configured) uplink / downlink channel.
	// Not every band supports this.
	AddChannel(frequency uint32, minDR, maxDR int) error

	// GetUplinkChannel returns the uplink channel for the given index.
	GetUplinkChannel(channel int) (Channel, error)

	// GetUplinkChannelIndex returns the uplink channel index for a
	// frequency. defaultChannel selects between the default channel plan
	// and user-configured channels sharing the same frequency.
	GetUplinkChannelIndex(frequency uint32, defaultChannel bool) (int, error)

	// GetDownlinkChannel returns the downlink channel for the given index.
	GetDownlinkChannel(channel int) (Channel, error)

	// DisableUplinkChannelIndex disables the given uplink channel.
	DisableUplinkChannelIndex(channel int) error

	// EnableUplinkChannelIndex enables the given uplink channel.
	EnableUplinkChannelIndex(channel int) error

	// GetUplinkChannelIndices returns all uplink channel indices.
	GetUplinkChannelIndices() []int

	// GetStandardUplinkChannelIndices returns the non-custom uplink channel
	// indices.
	GetStandardUplinkChannelIndices() []int

	// GetCustomUplinkChannelIndices returns the user-configured uplink
	// channel indices.
	GetCustomUplinkChannelIndices() []int

	// GetEnabledUplinkChannelIndices returns the enabled uplink channel
	// indices.
	GetEnabledUplinkChannelIndices() []int

	// GetRX1ChannelIndexForUplinkChannelIndex returns the RX1 channel for
	// the given uplink channel.
	GetRX1ChannelIndexForUplinkChannelIndex(uplinkChannel int) (int, error)

	// GetRX1FrequencyForUplinkFrequency returns the RX1 frequency for the
	// given uplink frequency.
	GetRX1FrequencyForUplinkFrequency(uplinkFrequency uint32) (uint32, error)

	// GetPingSlotFrequency returns the Class-B ping-slot frequency for the
	// given DevAddr and beacon time. Bands with a single ping-slot channel
	// ignore the arguments.
	GetPingSlotFrequency(devAddr lorawan.DevAddr, beaconTime time.Duration) (uint32, error)

	// GetCFList returns the CFList to append to a join-accept, or nil. It
	// contains either the extra channels (dynamic-channel bands) or the
	// channel-mask (fixed-channel bands, LoRaWAN 1.0.3+).
	GetCFList(macVersion string) *lorawan.CFList

	// GetLinkADRReqPayloadsForEnabledUplinkChannelIndices returns the
	// LinkADRReq payloads needed to reconfigure the device from its
	// currently enabled channels to the band's enabled channels.
	GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(deviceEnabledChannels []int) []lorawan.LinkADRReqPayload

	// GetEnabledUplinkChannelIndicesForLinkADRReqPayloads applies the given
	// LinkADRReq payloads to the device channel set and returns the
	// resulting enabled channels.
	GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(deviceEnabledChannels []int, pls []lorawan.LinkADRReqPayload) ([]int, error)

	// GetDownlinkTXPower returns the downlink TX power (dBm EIRP) for the
	// given frequency.
	GetDownlinkTXPower(frequency uint32) int

	// GetDefaultMaxUplinkEIRP returns the default uplink EIRP.
	GetDefaultMaxUplinkEIRP() float32

	// GetDefaults returns the band defaults.
	GetDefaults() Defaults

	// ImplementsTXParamSetup returns whether the band uses the
	// TxParamSetup mac-command.
	ImplementsTXParamSetup(macVersion string) bool
}

// band implements the channel bookkeeping and generic payload tables shared
// by all regions.
type band struct {
	supportsExtraChannels bool
	dataRates             map[int]DataRate
	maxPayloadSizePerDR   map[string]map[string]map[int]MaxPayloadSize // mac-version / rev / dr
	rx1DataRateTable      map[int][]int
	uplinkChannels        []Channel
	downlinkChannels      []Channel
	txPowerOffsets        []int
}

func (b *band) GetDataRateIndex(uplink bool, dataRate DataRate) (int, error) {
	for i, d := range b.dataRates {
		if uplink != d.uplink && uplink != !d.downlink {
			continue
		}
		if d.Modulation == dataRate.Modulation &&
			d.SpreadFactor == dataRate.SpreadFactor &&
			d.Bandwidth == dataRate.Bandwidth &&
			d.BitRate == dataRate.BitRate {
			return i, nil
		}
	}
	return 0, ErrDataRateDoesNotExist
}

func (b *band) GetDataRate(dr int) (DataRate, error) {
	d, ok := b.dataRates[dr]
	if !ok {
		return DataRate{}, ErrDataRateDoesNotExist
	}
	return d, nil
}

func (b *band) GetMaxPayloadSizeForDataRateIndex(macVersion, regParamRevision string, dr int) (MaxPayloadSize, error) {
	revMap, ok := b.maxPayloadSizePerDR[macVersion]
	if !ok {
		revMap, ok = b.maxPayloadSizePerDR[latest]
		if !ok {
			return MaxPayloadSize{}, fmt.Errorf("band: no max payload-size for %s or latest", macVersion)
		}
	}

	drMap, ok := revMap[regParamRevision]
	if !ok {
		drMap, ok = revMap[latest]
		if !ok {
			return MaxPayloadSize{}, fmt.Errorf("band: no max payload-size for revision %s or latest", regParamRevision)
		}
	}

	ps, ok := drMap[dr]
	if !ok {
		return MaxPayloadSize{}, ErrDataRateDoesNotExist
	}
	return ps, nil
}

func (b *band) GetRX1DataRateIndex(uplinkDR, rx1DROffset int) (int, error) {
	offsets, ok := b.rx1DataRateTable[uplinkDR]
	if !ok {
		return 0, ErrDataRateDoesNotExist
	}
	if rx1DROffset > len(offsets)-1 {
		return 0, errors.New("band: invalid RX1 data-rate offset")
	}
	return offsets[rx1DROffset], nil
}

func (b *band) GetTXPowerOffset(txPowerIndex int) (int, error) {
	if txPowerIndex > len(b.txPowerOffsets)-1 {
		return 0, errors.New("band: invalid tx-power index")
	}
	return b.txPowerOffsets[txPowerIndex], nil
}

func (b *band) MaxTXPowerIndex() int {
	return len(b.txPowerOffsets) - 1
}

func (b *band) AddChannel(frequency uint32, minDR, maxDR int) error {
	if !b.supportsExtraChannels {
		return errors.New("band: band does not support extra channels")
	}

	c := Channel{
		Frequency: frequency,
		MinDR:     minDR,
		MaxDR:     maxDR,
		custom:    true,
		enabled:   frequency != 0,
	}
	b.uplinkChannels = append(b.uplinkChannels, c)
	b.downlinkChannels = append(b.downlinkChannels, c)
	return nil
}

func (b *band) GetUplinkChannel(channel int) (Channel, error) {
	if channel > len(b.uplinkChannels)-1 {
		return Channel{}, ErrChannelDoesNotExist
	}
	return b.uplinkChannels[channel], nil
}

func (b *band) GetUplinkChannelIndex(frequency uint32, defaultChannel bool) (int, error) {
	for i, channel := range b.uplinkChannels {
		if frequency == channel.Frequency && channel.custom != defaultChannel {
			return i, nil
		}
	}
	return 0, fmt.Errorf("band: unknown channel for frequency %d", frequency)
}

func (b *band) GetDownlinkChannel(channel int) (Channel, error) {
	if channel > len(b.downlinkChannels)-1 {
		return Channel{}, ErrChannelDoesNotExist
	}
	return b.downlinkChannels[channel], nil
}

func (b *band) DisableUplinkChannelIndex(channel int) error {
	if channel > len(b.uplinkChannels)-1 {
		return ErrChannelDoesNotExist
	}
	b.uplinkChannels[channel].enabled = false
	return nil
}

func (b *band) EnableUplinkChannelIndex(channel int) error {
	if channel > len(b.uplinkChannels)-1 {
		return ErrChannelDoesNotExist
	}
	b.uplinkChannels[channel].enabled = true
	return nil
}

func (b *band) GetUplinkChannelIndices() []int {
	out := make([]int, 0, len(b.uplinkChannels))
	for i := range b.uplinkChannels {
		out = append(out, i)
	}
	return out
}

func (b *band) GetStandardUplinkChannelIndices() []int {
	var out []int
	for i, c := range b.uplinkChannels {
		if !c.custom {
			out = append(out, i)
		}
	}
	return out
}

func (b *band) GetCustomUplinkChannelIndices() []int {
	var out []int
	for i, c := range b.uplinkChannels {
		if c.custom {
			out = append(out, i)
		}
	}
	return out
}

func (b *band) GetEnabledUplinkChannelIndices() []int {
	var out []int
	for i, c := range b.uplinkChannels {
		if c.enabled {
			out = append(out, i)
		}
	}
	return out
}

func (b *band) GetCFList(macVersion string) *lorawan.CFList {
	// the channel-mask CFList variant only exists since LoRaWAN 1.0.3
	if !b.supportsExtraChannels && (macVersion == LoRaWAN_1_0_0 || macVersion == LoRaWAN_1_0_1 || macVersion == LoRaWAN_1_0_2) {
		return nil
	}

	if b.supportsExtraChannels {
		return b.getCFListChannels()
	}
	return b.getCFListChannelMask()
}

func (b *band) getCFListChannelMask() *lorawan.CFList {
	var pl lorawan.CFListChannelMaskPayload
	var chMask lorawan.ChMask

	for i, c := range b.uplinkChannels {
		if i != 0 && i%len(chMask) == 0 {
			pl.ChannelMasks = append(pl.ChannelMasks, chMask)
			chMask = lorawan.ChMask{}
		}
		chMask[i%len(chMask)] = c.enabled
	}
	pl.ChannelMasks = append(pl.ChannelMasks, chMask)

	return &lorawan.CFList{
		CFListType: lorawan.CFListChannelMask,
		Payload:    &pl,
	}
}

func (b *band) getCFListChannels() *lorawan.CFList {
	var pl lorawan.CFListChannelPayload

	// only the first 5 extra channels with DR 0-5 fit; further channels
	// are configured through NewChannelReq
	var i int
	for _, c := range b.uplinkChannels {
		if c.custom && i < len(pl.Channels) && c.MinDR == 0 && c.MaxDR == 5 {
			pl.Channels[i] = c.Frequency
			i++
		}
	}
	if pl.Channels[0] == 0 {
		return nil
	}

	return &lorawan.CFList{
		CFListType: lorawan.CFListChannel,
		Payload:    &pl,
	}
}

func (b *band) GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(deviceEnabledChannels []int) []lorawan.LinkADRReqPayload {
	enabledChannels := b.GetEnabledUplinkChannelIndices()

	diff := intSliceDiff(deviceEnabledChannels, enabledChannels)
	var filteredDiff []int
	for _, c := range diff {
		if channelIsActive(deviceEnabledChannels, c) || !b.uplinkChannels[c].custom {
			filteredDiff = append(filteredDiff, c)
		}
	}

	// nothing to reconfigure
	if len(diff) == 0 || len(filteredDiff) == 0 {
		return nil
	}
	sort.Ints(diff)

	var payloads []lorawan.LinkADRReqPayload
	chMaskCntl := -1

	// each payload covers a block of 16 channels selected by ChMaskCntl
	for _, c := range diff {
		if c/16 != chMaskCntl {
			chMaskCntl = c / 16
			pl := lorawan.LinkADRReqPayload{
				Redundancy: lorawan.Redundancy{
					ChMaskCntl: uint8(chMaskCntl),
				},
			}

			// user-defined (CFList) channels the device never reported are
			// skipped; we have no proof the device knows them
			for _, ec := range enabledChannels {
				if (!b.uplinkChannels[ec].custom || channelIsActive(deviceEnabledChannels, ec)) && ec >= chMaskCntl*16 && ec < (chMaskCntl+1)*16 {
					pl.ChMask[ec%16] = true
				}
			}

			payloads = append(payloads, pl)
		}
	}

	return payloads
}

func (b *band) GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(deviceEnabledChannels []int, pls []lorawan.LinkADRReqPayload) ([]int, error) {
	chMask := make([]bool, len(b.uplinkChannels))
	for _, c := range deviceEnabledChannels {
		// channels beyond the plan may have been removed from the network
		if c < len(chMask) {
			chMask[c] = true
		}
	}

	for _, pl := range pls {
		for i, enabled := range pl.ChMask {
			if int(pl.Redundancy.ChMaskCntl)*16+i >= len(chMask) && !enabled {
				continue
			}
			if int(pl.Redundancy.ChMaskCntl)*16+i >= len(chMask) {
				return nil, ErrChannelDoesNotExist
			}
			chMask[int(pl.Redundancy.ChMaskCntl)*16+i] = enabled
		}
	}

	var out []int
	for i, enabled := range chMask {
		if enabled {
			out = append(out, i)
		}
	}
	return out, nil
}

// intSliceDiff returns the symmetric difference of x and y.
func intSliceDiff(x, y []int) []int {
	var out []int
	for _, cX := range x {
		if !channelIsActive(y, cX) {
			out = append(out, cX)
		}
	}
	for _, cY := range y {
		if !channelIsActive(x, cY) {
			out = append(out, cY)
		}
	}
	return out
}

func channelIsActive(channels []int, i int) bool {
	for _, c := range channels {
		if i == c {
			return true
		}
	}
	return false
}

// GetConfig returns the band configuration for the given band name.
func GetConfig(name Name, repeaterCompatible bool, dt lorawan.DwellTime) (Band, error) {
	switch name {
	case EU868:
		return newEU868Band(repeaterCompatible)
	case US915:
		return newUS915Band(repeaterCompatible)
	case AU915:
		return newAU915Band(repeaterCompatible, dt)
	case AS923:
		return newAS923Band(repeaterCompatible, dt)
	case CN470:
		return newCN470Band(repeaterCompatible)
	case IN865:
		return newIN865Band(repeaterCompatible)
	default:
		return nil, fmt.Errorf("band: band %s is undefined", name)
	}
}
