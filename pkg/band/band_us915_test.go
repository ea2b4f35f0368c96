package band

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func allUS915Channels() []int {
	out := make([]int, 72)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestUS915LinkADRReqPayloads(t *testing.T) {
	t.Run("no changes", func(t *testing.T) {
		assert := require.New(t)
		b, err := newUS915Band(false)
		assert.NoError(err)

		pls := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(allUS915Channels())
		assert.Len(pls, 0)
	})

	t.Run("channels 0-7 and 64", func(t *testing.T) {
		assert := require.New(t)
		b, err := newUS915Band(false)
		assert.NoError(err)

		for c := 8; c < 72; c++ {
			if c == 64 {
				continue
			}
			assert.NoError(b.DisableUplinkChannelIndex(c))
		}

		pls := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(allUS915Channels())
		assert.Len(pls, 2)

		assert.Equal(uint8(7), pls[0].Redundancy.ChMaskCntl)
		var mask500 lorawan.ChMask
		mask500[0] = true
		assert.Equal(mask500, pls[0].ChMask)

		assert.Equal(uint8(0), pls[1].Redundancy.ChMaskCntl)
		var mask125 lorawan.ChMask
		for i := 0; i < 8; i++ {
			mask125[i] = true
		}
		assert.Equal(mask125, pls[1].ChMask)

		// applying the payloads to the device state must yield the
		// enabled set again
		enabled, err := b.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(allUS915Channels(), pls)
		assert.NoError(err)
		assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 64}, enabled)
	})

	t.Run("channels 0-15 and 64-65", func(t *testing.T) {
		assert := require.New(t)
		b, err := newUS915Band(false)
		assert.NoError(err)

		for c := 16; c < 64; c++ {
			assert.NoError(b.DisableUplinkChannelIndex(c))
		}
		for c := 66; c < 72; c++ {
			assert.NoError(b.DisableUplinkChannelIndex(c))
		}

		pls := b.GetLinkADRReqPayloadsForEnabledUplinkChannelIndices(allUS915Channels())
		assert.Len(pls, 2)

		assert.Equal(uint8(7), pls[0].Redundancy.ChMaskCntl)
		var mask500 lorawan.ChMask
		mask500[0] = true
		mask500[1] = true
		assert.Equal(mask500, pls[0].ChMask)

		assert.Equal(uint8(0), pls[1].Redundancy.ChMaskCntl)
		var mask125 lorawan.ChMask
		for i := 0; i < 16; i++ {
			mask125[i] = true
		}
		assert.Equal(mask125, pls[1].ChMask)

		enabled, err := b.GetEnabledUplinkChannelIndicesForLinkADRReqPayloads(allUS915Channels(), pls)
		assert.NoError(err)
		assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 64, 65}, enabled)
	})
}

func TestUS915RX1(t *testing.T) {
	assert := require.New(t)
	b, err := newUS915Band(false)
	assert.NoError(err)

	tests := []struct {
		uplinkChannel int
		rx1Channel    int
	}{
		{0, 0},
		{7, 7},
		{8, 0},
		{64, 0},
		{71, 7},
	}
	for _, tst := range tests {
		c, err := b.GetRX1ChannelIndexForUplinkChannelIndex(tst.uplinkChannel)
		assert.NoError(err)
		assert.Equal(tst.rx1Channel, c)
	}

	freq, err := b.GetRX1FrequencyForUplinkFrequency(902300000)
	assert.NoError(err)
	assert.Equal(uint32(923300000), freq)

	dr, err := b.GetRX1DataRateIndex(3, 1)
	assert.NoError(err)
	assert.Equal(12, dr)
}

func TestUS915PingSlotFrequency(t *testing.T) {
	assert := require.New(t)
	b, err := newUS915Band(false)
	assert.NoError(err)

	// 0x00000000 + 0 beacon periods -> downlink channel 0
	freq, err := b.GetPingSlotFrequency(lorawan.DevAddr{}, 0)
	assert.NoError(err)
	assert.Equal(uint32(923300000), freq)

	// 0x00000003 + 0 -> channel 3
	freq, err = b.GetPingSlotFrequency(lorawan.DevAddr{0, 0, 0, 3}, 0)
	assert.NoError(err)
	assert.Equal(uint32(925100000), freq)
}
