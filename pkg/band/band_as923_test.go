package band

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestAS923RX1DataRate(t *testing.T) {
	t.Run("dwell time 400ms", func(t *testing.T) {
		assert := require.New(t)
		b, err := newAS923Band(false, lorawan.DwellTime400ms)
		assert.NoError(err)

		tests := []struct {
			uplinkDR  int
			rx1Offset int
			rx1DR     int
		}{
			{5, 0, 5},
			{5, 3, 2},
			{5, 4, 2},
			{5, 6, 5},
			{5, 7, 5},
			{2, 6, 3},
			{2, 7, 4},
		}
		for _, tst := range tests {
			dr, err := b.GetRX1DataRateIndex(tst.uplinkDR, tst.rx1Offset)
			assert.NoError(err)
			assert.Equal(tst.rx1DR, dr, "uplink dr %d offset %d", tst.uplinkDR, tst.rx1Offset)
		}
	})

	t.Run("no dwell time", func(t *testing.T) {
		assert := require.New(t)
		b, err := newAS923Band(false, lorawan.DwellTimeNoLimit)
		assert.NoError(err)

		tests := []struct {
			uplinkDR  int
			rx1Offset int
			rx1DR     int
		}{
			{5, 0, 5},
			{5, 4, 1},
			{5, 5, 0},
			{5, 6, 5},
			{5, 7, 5},
			{2, 6, 3},
			{2, 7, 4},
		}
		for _, tst := range tests {
			dr, err := b.GetRX1DataRateIndex(tst.uplinkDR, tst.rx1Offset)
			assert.NoError(err)
			assert.Equal(tst.rx1DR, dr, "uplink dr %d offset %d", tst.uplinkDR, tst.rx1Offset)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		assert := require.New(t)
		b, err := newAS923Band(false, lorawan.DwellTimeNoLimit)
		assert.NoError(err)

		_, err = b.GetRX1DataRateIndex(8, 0)
		assert.Error(err)
		_, err = b.GetRX1DataRateIndex(5, 8)
		assert.Error(err)
	})
}

func TestAS923MaxPayloadSize(t *testing.T) {
	assert := require.New(t)

	b, err := newAS923Band(false, lorawan.DwellTime400ms)
	assert.NoError(err)

	// DR0 and DR1 are not usable with the dwell-time limit
	ps, err := b.GetMaxPayloadSizeForDataRateIndex(LoRaWAN_1_0_3, RegParamRevA, 0)
	assert.NoError(err)
	assert.Equal(MaxPayloadSize{M: 0, N: 0}, ps)

	ps, err = b.GetMaxPayloadSizeForDataRateIndex(LoRaWAN_1_0_3, RegParamRevA, 5)
	assert.NoError(err)
	assert.Equal(MaxPayloadSize{M: 250, N: 242}, ps)
}
