package band

import (
	"time"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

type eu868Band struct {
	band
}

func (b *eu868Band) Name() string {
	return "EU868"
}

func (b *eu868Band) GetDefaults() Defaults {
	return Defaults{
		RX2Frequency:     869525000,
		RX2DataRate:      0,
		MaxFCntGap:       16384,
		ReceiveDelay1:    time.Second,
		ReceiveDelay2:    time.Second * 2,
		JoinAcceptDelay1: time.Second * 5,
		JoinAcceptDelay2: time.Second * 6,
	}
}

func (b *eu868Band) GetDownlinkTXPower(freq uint32) int {
	// the 869.4 - 869.65 MHz sub-band allows up to 500 mW ERP (27 dBm)
	// with a 10% duty-cycle
	if freq >= 869400000 && freq < 869650000 {
		return 27
	}
	return 14
}

func (b *eu868Band) GetDefaultMaxUplinkEIRP() float32 {
	return 16
}

func (b *eu868Band) GetPingSlotFrequency(devAddr lorawan.DevAddr, beaconTime time.Duration) (uint32, error) {
	return 869525000, nil
}

func (b *eu868Band) GetRX1ChannelIndexForUplinkChannelIndex(uplinkChannel int) (int, error) {
	return uplinkChannel, nil
}

func (b *eu868Band) GetRX1FrequencyForUplinkFrequency(uplinkFrequency uint32) (uint32, error) {
	return uplinkFrequency, nil
}

func (b *eu868Band) ImplementsTXParamSetup(macVersion string) bool {
	return false
}

func newEU868Band(repeaterCompatible bool) (Band, error) {
	b := eu868Band{
		band: band{
			supportsExtraChannels: true,
			dataRates: map[int]DataRate{
				0: {Modulation: LoRaModulation, SpreadFactor: 12, Bandwidth: 125, uplink: true, downlink: true},
				1: {Modulation: LoRaModulation, SpreadFactor: 11, Bandwidth: 125, uplink: true, downlink: true},
				2: {Modulation: LoRaModulation, SpreadFactor: 10, Bandwidth: 125, uplink: true, downlink: true},
				3: {Modulation: LoRaModulation, SpreadFactor: 9, Bandwidth: 125, uplink: true, downlink: true},
				4: {Modulation: LoRaModulation, SpreadFactor: 8, Bandwidth: 125, uplink: true, downlink: true},
				5: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 125, uplink: true, downlink: true},
				6: {Modulation: LoRaModulation, SpreadFactor: 7, Bandwidth: 250, uplink: true, downlink: true},
				7: {Modulation: FSKModulation, BitRate: 50000, uplink: true, downlink: true},
				8: {Modulation: LRFHSSModulation, CodingRate: "1/3", OccupiedChannelWidth: 137000, uplink: true},
				9: {Modulation: LRFHSSModulation, CodingRate: "2/3", OccupiedChannelWidth: 137000, uplink: true},
				10: {Modulation: LRFHSSModulation, CodingRate: "1/3", OccupiedChannelWidth: 336000, uplink: true},
				11: {Modulation: LRFHSSModulation, CodingRate: "2/3", OccupiedChannelWidth: 336000, uplink: true},
			},
			rx1DataRateTable: map[int][]int{
				0:  {0, 0, 0, 0, 0, 0},
				1:  {1, 0, 0, 0, 0, 0},
				2:  {2, 1, 0, 0, 0, 0},
				3:  {3, 2, 1, 0, 0, 0},
				4:  {4, 3, 2, 1, 0, 0},
				5:  {5, 4, 3, 2, 1, 0},
				6:  {6, 5, 4, 3, 2, 1},
				7:  {7, 6, 5, 4, 3, 2},
				8:  {1, 0, 0, 0, 0, 0},
				9:  {2, 1, 0, 0, 0, 0},
				10: {1, 0, 0, 0, 0, 0},
				11: {2, 1, 0, 0, 0, 0},
			},
			txPowerOffsets: []int{
				0,
				-2,
				-4,
				-6,
				-8,
				-10,
				-12,
				-14,
			},
			uplinkChannels: []Channel{
				{Frequency: 868100000, MinDR: 0, MaxDR: 5, enabled: true},
				{Frequency: 868300000, MinDR: 0, MaxDR: 5, enabled: true},
				{Frequency: 868500000, MinDR: 0, MaxDR: 5, enabled: true},
			},
			downlinkChannels: []Channel{
				{Frequency: 868100000, MinDR: 0, MaxDR: 5, enabled: true},
				{Frequency: 868300000, MinDR: 0, MaxDR: 5, enabled: true},
				{Frequency: 868500000, MinDR: 0, MaxDR: 5, enabled: true},
			},
		},
	}

	if repeaterCompatible {
		b.band.maxPayloadSizePerDR = map[string]map[string]map[int]MaxPayloadSize{
			latest: {
				latest: { // 1.0.1+, RP002
					0: {M: 59, N: 51},
					1: {M: 59, N: 51},
					2: {M: 59, N: 51},
					3: {M: 123, N: 115},
					4: {M: 230, N: 222},
					5: {M: 230, N: 222},
					6: {M: 230, N: 222},
					7: {M: 230, N: 222},
					8: {M: 58, N: 50},
					9: {M: 123, N: 115},
					10: {M: 58, N: 50},
					11: {M: 123, N: 115},
				},
			},
		}
	} else {
		b.band.maxPayloadSizePerDR = map[string]map[string]map[int]MaxPayloadSize{
			LoRaWAN_1_0_0: {
				latest: { // 1.0.0
					0: {M: 59, N: 51},
					1: {M: 59, N: 51},
					2: {M: 59, N: 51},
					3: {M: 123, N: 115},
					4: {M: 230, N: 222},
					5: {M: 230, N: 222},
					6: {M: 250, N: 242},
					7: {M: 250, N: 242},
				},
			},
			latest: {
				latest: { // 1.0.1+, RP002
					0: {M: 59, N: 51},
					1: {M: 59, N: 51},
					2: {M: 59, N: 51},
					3: {M: 123, N: 115},
					4: {M: 250, N: 242},
					5: {M: 250, N: 242},
					6: {M: 250, N: 242},
					7: {M: 250, N: 242},
					8: {M: 58, N: 50},
					9: {M: 123, N: 115},
					10: {M: 58, N: 50},
					11: {M: 123, N: 115},
				},
			},
		}
	}

	return &b, nil
}
