package adr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/models"
)

func baseRequest() *Request {
	return &Request{
		RegionName:         "eu868",
		MACVersion:         "1.0.3",
		RegParamsRevision:  "A",
		ADR:                true,
		DR:                 0,
		TXPowerIndex:       0,
		NbTrans:            1,
		MaxTXPowerIndex:    7,
		RequiredSNRForDR:   -20,
		InstallationMargin: 10,
		MinDR:              0,
		MaxDR:              5,
	}
}

func historyWithSNR(snr float64, n int) []models.UplinkADRHistory {
	out := make([]models.UplinkADRHistory, n)
	for i := range out {
		out[i] = models.UplinkADRHistory{FCnt: uint32(i), MaxSNR: snr, GatewayCount: 1}
	}
	return out
}

func TestDefaultAlgorithm(t *testing.T) {
	a := &DefaultAlgorithm{}
	ctx := context.Background()

	t.Run("device opted out", func(t *testing.T) {
		assert := require.New(t)

		req := baseRequest()
		req.ADR = false
		req.DR = 2
		req.UplinkHistory = historyWithSNR(10, 5)

		resp, err := a.Handle(ctx, req)
		assert.NoError(err)
		assert.Equal(2, resp.DR)
		assert.Equal(0, resp.TXPowerIndex)
	})

	t.Run("no history keeps parameters", func(t *testing.T) {
		assert := require.New(t)

		req := baseRequest()
		resp, err := a.Handle(ctx, req)
		assert.NoError(err)
		assert.Equal(req.DR, resp.DR)
		assert.Equal(req.TXPowerIndex, resp.TXPowerIndex)
	})

	t.Run("ample margin raises DR then lowers power", func(t *testing.T) {
		assert := require.New(t)

		// max SNR 7, required -20, margin 10 => 17 dB headroom => 5 steps
		req := baseRequest()
		req.UplinkHistory = historyWithSNR(7, 5)

		resp, err := a.Handle(ctx, req)
		assert.NoError(err)
		assert.Equal(5, resp.DR)
		assert.Equal(0, resp.TXPowerIndex)

		// 10 dB more headroom spills into the power index
		req.UplinkHistory = historyWithSNR(17, 5)
		resp, err = a.Handle(ctx, req)
		assert.NoError(err)
		assert.Equal(5, resp.DR)
		assert.Equal(4, resp.TXPowerIndex)
	})

	t.Run("negative margin restores power only", func(t *testing.T) {
		assert := require.New(t)

		req := baseRequest()
		req.DR = 5
		req.TXPowerIndex = 4
		req.RequiredSNRForDR = -7.5
		req.UplinkHistory = historyWithSNR(-5, 5)

		// margin = -5 - (-7.5) - 10 = -7.5 => -2 steps
		resp, err := a.Handle(ctx, req)
		assert.NoError(err)
		assert.Equal(5, resp.DR)
		assert.Equal(2, resp.TXPowerIndex)
	})

	t.Run("nb trans follows loss rate", func(t *testing.T) {
		assert := require.New(t)

		req := baseRequest()
		req.NbTrans = 1

		// every second frame lost: 50% loss
		history := make([]models.UplinkADRHistory, 20)
		for i := range history {
			history[i] = models.UplinkADRHistory{FCnt: uint32(i * 2), MaxSNR: -10, GatewayCount: 1}
		}
		req.UplinkHistory = history

		resp, err := a.Handle(ctx, req)
		assert.NoError(err)
		assert.Equal(3, resp.NbTrans)

		// gap-free history drops back to a single transmission
		for i := range history {
			history[i].FCnt = uint32(i)
		}
		req.NbTrans = 3
		resp, err = a.Handle(ctx, req)
		assert.NoError(err)
		assert.Equal(2, resp.NbTrans)
	})
}

func TestRegistry(t *testing.T) {
	assert := require.New(t)

	assert.Equal("default", Get("default").ID())
	assert.Equal("disabled", Get("disabled").ID())

	// unknown ids fall back to the default algorithm
	assert.Equal("default", Get("does-not-exist").ID())
	assert.Equal("default", Get("").ID())

	ids := IDs()
	assert.Contains(ids, "default")
	assert.Contains(ids, "disabled")
}
