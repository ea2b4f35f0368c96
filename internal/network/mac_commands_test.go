package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/internal/models"
	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func testDeviceContext(s *Server) *deviceContext {
	return &deviceContext{
		region: s.regions["eu868"],
		device: &models.Device{
			DevEUI: lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		},
		session: &models.DeviceSession{
			DevAddr:      lorawan.DevAddr{1, 2, 3, 4},
			MACVersion:   "1.0.3",
			RX1Delay:     1,
			RX2DR:        0,
			RX2Frequency: 869525000,
			NbTrans:      1,
		},
		profile: &models.DeviceProfile{
			MACVersion:        "1.0.3",
			RegParamsRevision: "A",
		},
	}
}

func TestRequiredSNR(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	region := s.regions["eu868"]

	// EU868 DR0 is SF12, DR5 is SF7.
	assert.Equal(-20.0, s.requiredSNR(region, 0))
	assert.Equal(-7.5, s.requiredSNR(region, 5))
}

func TestLinkCheckReq(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	frameSet := &models.UplinkFrameSet{
		DR: 0,
		RXInfoSet: []models.UplinkRXInfo{
			{LoRaSNR: -10},
			{LoRaSNR: -5},
		},
	}

	resp, mustSend := s.handleUplinkMACCommands(context.Background(), dctx, frameSet, []*lorawan.MACCommand{
		{CID: lorawan.LinkCheckReq},
	})
	assert.True(mustSend)
	assert.Len(resp, 1)
	assert.Equal(lorawan.LinkCheckAns, resp[0].CID)

	pl := resp[0].Payload.(*lorawan.LinkCheckAnsPayload)
	// maxSNR -5 against the SF12 floor of -20 leaves 15 dB.
	assert.Equal(uint8(15), pl.Margin)
	assert.Equal(uint8(2), pl.GwCnt)
}

func TestLinkCheckReqMarginClamped(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	frameSet := &models.UplinkFrameSet{
		DR:        0,
		RXInfoSet: []models.UplinkRXInfo{{LoRaSNR: -25}},
	}

	resp, _ := s.handleUplinkMACCommands(context.Background(), dctx, frameSet, []*lorawan.MACCommand{
		{CID: lorawan.LinkCheckReq},
	})
	pl := resp[0].Payload.(*lorawan.LinkCheckAnsPayload)
	assert.Equal(uint8(0), pl.Margin)
}

func TestDeviceTimeReq(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	receivedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	frameSet := &models.UplinkFrameSet{ReceivedAt: receivedAt}

	resp, mustSend := s.handleUplinkMACCommands(context.Background(), dctx, frameSet, []*lorawan.MACCommand{
		{CID: lorawan.DeviceTimeReq},
	})
	assert.True(mustSend)
	assert.Len(resp, 1)
	assert.Equal(lorawan.DeviceTimeAns, resp[0].CID)

	pl := resp[0].Payload.(*lorawan.DeviceTimeAnsPayload)
	assert.Greater(pl.TimeSinceGPSEpoch, time.Duration(0))
}

func TestRekeyInd(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	resp, mustSend := s.handleUplinkMACCommands(context.Background(), dctx, &models.UplinkFrameSet{}, []*lorawan.MACCommand{
		{CID: lorawan.RekeyInd, Payload: &lorawan.RekeyIndPayload{
			DevLoRaWANVersion: lorawan.Version{Minor: 1},
		}},
	})
	assert.True(mustSend)
	assert.Equal(lorawan.RekeyConf, resp[0].CID)

	// The server never announces more than 1.1.
	pl := resp[0].Payload.(*lorawan.RekeyConfPayload)
	assert.Equal(uint8(1), pl.ServLoRaWANVersion.Minor)
}

func TestPingSlotInfoReq(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	resp, mustSend := s.handleUplinkMACCommands(context.Background(), dctx, &models.UplinkFrameSet{}, []*lorawan.MACCommand{
		{CID: lorawan.PingSlotInfoReq, Payload: &lorawan.PingSlotInfoReqPayload{Periodicity: 3}},
	})
	assert.True(mustSend)
	assert.Equal(lorawan.PingSlotInfoAns, resp[0].CID)
	assert.Nil(resp[0].Payload)

	// Periodicity 3 means 2^(7-3) = 16 ping slots per beacon period.
	assert.Equal(16, dctx.session.PingSlotNb)
}

func TestRequestRXParams(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	// In sync with the region: no request.
	assert.Empty(s.requestRXParams(context.Background(), dctx))

	dctx.session.RX2Frequency = 868100000
	cmds := s.requestRXParams(context.Background(), dctx)
	assert.Len(cmds, 1)
	assert.Equal(lorawan.RXParamSetupReq, cmds[0].CID)

	pl := cmds[0].Payload.(*lorawan.RXParamSetupReqPayload)
	assert.Equal(uint32(869525000), pl.Frequency)
	assert.Equal(uint8(0), pl.DLSettings.RX2DataRate)
}

func TestRequestRXTiming(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	assert.Empty(s.requestRXTiming(context.Background(), dctx))

	dctx.session.RX1Delay = 5
	cmds := s.requestRXTiming(context.Background(), dctx)
	assert.Len(cmds, 1)
	assert.Equal(lorawan.RXTimingSetupReq, cmds[0].CID)
	assert.Equal(uint8(1), cmds[0].Payload.(*lorawan.RXTimingSetupReqPayload).Delay)
}

func TestRequestTXParamsNotImplemented(t *testing.T) {
	s := testServer(t)
	dctx := testDeviceContext(s)

	// EU868 has no TXParamSetup; dwell-time mismatches must not emit it.
	dctx.session.UplinkDwellTime400ms = true
	require.Empty(t, s.requestTXParams(context.Background(), dctx))
}

func TestRequestPingSlotChannel(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)
	dctx.region.ClassBPingSlotDR = 3
	dctx.region.ClassBPingSlotFrequency = 869525000

	// Class-A-only profiles never get ping-slot configuration.
	assert.Empty(s.requestPingSlotChannel(context.Background(), dctx))

	dctx.profile.SupportsClassB = true
	cmds := s.requestPingSlotChannel(context.Background(), dctx)
	assert.Len(cmds, 1)

	pl := cmds[0].Payload.(*lorawan.PingSlotChannelReqPayload)
	assert.Equal(uint32(869525000), pl.Frequency)
	assert.Equal(uint8(3), pl.DR)

	dctx.session.PingSlotDR = 3
	dctx.session.PingSlotFrequency = 869525000
	assert.Empty(s.requestPingSlotChannel(context.Background(), dctx))
}

func TestApplyLinkADRAns(t *testing.T) {
	s := testServer(t)
	dctx := testDeviceContext(s)
	dctx.session.EnabledUplinkChannels = []int{0, 1, 2}

	var chMask lorawan.ChMask
	chMask[0], chMask[1], chMask[2] = true, true, true
	pendingBlock := func() *models.MACCommandBlock {
		return &models.MACCommandBlock{
			DevEUI: dctx.device.DevEUI,
			CID:    lorawan.LinkADRReq,
			Commands: []lorawan.MACCommand{{
				CID: lorawan.LinkADRReq,
				Payload: &lorawan.LinkADRReqPayload{
					DataRate:   5,
					TXPower:    2,
					ChMask:     chMask,
					Redundancy: lorawan.Redundancy{NbRep: 3},
				},
			}},
		}
	}

	store := &stubStore{pendingMAC: map[lorawan.CID]*models.MACCommandBlock{
		lorawan.LinkADRReq: pendingBlock(),
	}}
	s.store = store

	t.Run("rejection keeps the request pending", func(t *testing.T) {
		assert := require.New(t)

		err := s.applyLinkADRAns(context.Background(), dctx, &lorawan.LinkADRAnsPayload{
			ChannelMaskACK: true,
			DataRateACK:    false,
			PowerACK:       true,
		})
		assert.NoError(err)

		// The device state is untouched and a later downlink can
		// retransmit the stored request.
		assert.Contains(store.pendingMAC, lorawan.LinkADRReq)
		assert.Equal(0, dctx.session.DR)
		assert.Equal(0, dctx.session.TXPowerIndex)
		assert.Equal(uint8(1), dctx.session.NbTrans)
	})

	t.Run("full ack applies and clears", func(t *testing.T) {
		assert := require.New(t)

		err := s.applyLinkADRAns(context.Background(), dctx, &lorawan.LinkADRAnsPayload{
			ChannelMaskACK: true,
			DataRateACK:    true,
			PowerACK:       true,
		})
		assert.NoError(err)

		assert.NotContains(store.pendingMAC, lorawan.LinkADRReq)
		assert.Equal(5, dctx.session.DR)
		assert.Equal(2, dctx.session.TXPowerIndex)
		assert.Equal(uint8(3), dctx.session.NbTrans)
		assert.Equal([]int{0, 1, 2}, dctx.session.EnabledUplinkChannels)
	})
}

func TestRequestDevStatus(t *testing.T) {
	assert := require.New(t)
	s := testServer(t)
	dctx := testDeviceContext(s)

	// Polling disabled.
	assert.Empty(s.requestDevStatus(context.Background(), dctx))

	dctx.profile.DeviceStatusReqInterval = 24
	cmds := s.requestDevStatus(context.Background(), dctx)
	assert.Len(cmds, 1)
	assert.Equal(lorawan.DevStatusReq, cmds[0].CID)

	// The request was just stamped; the next hour stays quiet.
	assert.Empty(s.requestDevStatus(context.Background(), dctx))
}
