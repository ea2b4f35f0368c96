package band

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestGetConfig(t *testing.T) {
	assert := require.New(t)

	for _, name := range []Name{EU868, US915, AU915, AS923, CN470, IN865} {
		b, err := GetConfig(name, false, lorawan.DwellTimeNoLimit)
		assert.NoError(err)
		assert.Equal(string(name), b.Name())
	}

	_, err := GetConfig("MOON868", false, lorawan.DwellTimeNoLimit)
	assert.Error(err)
}

func TestEU868CFList(t *testing.T) {
	assert := require.New(t)

	b, err := GetConfig(EU868, false, lorawan.DwellTimeNoLimit)
	assert.NoError(err)

	// no extra channels configured
	assert.Nil(b.GetCFList(LoRaWAN_1_0_2))

	for _, f := range []uint32{867100000, 867300000, 867500000, 867700000, 867900000} {
		assert.NoError(b.AddChannel(f, 0, 5))
	}

	cFList := b.GetCFList(LoRaWAN_1_0_2)
	assert.NotNil(cFList)
	assert.Equal(lorawan.CFListChannel, cFList.CFListType)

	pl, ok := cFList.Payload.(*lorawan.CFListChannelPayload)
	assert.True(ok)
	assert.Equal([5]uint32{867100000, 867300000, 867500000, 867700000, 867900000}, pl.Channels)
}

func TestUS915CFList(t *testing.T) {
	assert := require.New(t)

	b, err := GetConfig(US915, false, lorawan.DwellTimeNoLimit)
	assert.NoError(err)

	// fixed-channel plans only got a CFList in 1.0.3
	assert.Nil(b.GetCFList(LoRaWAN_1_0_2))

	cFList := b.GetCFList(LoRaWAN_1_0_3)
	assert.NotNil(cFList)
	assert.Equal(lorawan.CFListChannelMask, cFList.CFListType)

	pl, ok := cFList.Payload.(*lorawan.CFListChannelMaskPayload)
	assert.True(ok)
	assert.Len(pl.ChannelMasks, 5)
	for _, m := range pl.ChannelMasks[:4] {
		for _, enabled := range m {
			assert.True(enabled)
		}
	}
	// last mask covers the eight 500 kHz channels
	for i, enabled := range pl.ChannelMasks[4] {
		assert.Equal(i < 8, enabled)
	}
}

func TestMaxPayloadSizeFallback(t *testing.T) {
	assert := require.New(t)

	b, err := GetConfig(EU868, false, lorawan.DwellTimeNoLimit)
	assert.NoError(err)

	// unknown mac-version and revision fall back to the latest tables
	ps, err := b.GetMaxPayloadSizeForDataRateIndex("1.2.0", "RP999", 5)
	assert.NoError(err)
	assert.Equal(MaxPayloadSize{M: 250, N: 242}, ps)

	// known version with unknown revision
	ps, err = b.GetMaxPayloadSizeForDataRateIndex(LoRaWAN_1_0_0, "RP999", 6)
	assert.NoError(err)
	assert.Equal(MaxPayloadSize{M: 250, N: 242}, ps)

	_, err = b.GetMaxPayloadSizeForDataRateIndex(LoRaWAN_1_0_0, RegParamRevA, 12)
	assert.ErrorIs(err, ErrDataRateDoesNotExist)
}
