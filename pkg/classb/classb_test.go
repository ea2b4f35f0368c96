package classb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

func TestGPSEpoch(t *testing.T) {
	assert := require.New(t)

	tests := []struct {
		utc      string
		gpsEpoch time.Duration
	}{
		// GPS epoch itself
		{"1980-01-06T00:00:00Z", 0},
		// before the first leap second
		{"1980-01-07T00:00:00Z", 24 * time.Hour},
		// after 18 leap seconds
		{"2017-01-01T00:00:00Z", 1167264018 * time.Second},
	}

	for _, tst := range tests {
		ts, err := time.Parse(time.RFC3339, tst.utc)
		assert.NoError(err)

		assert.Equal(tst.gpsEpoch, TimeToGPSEpoch(ts), tst.utc)
		assert.Equal(ts.UTC(), GPSEpochToTime(tst.gpsEpoch).UTC(), tst.utc)
	}
}

func TestGetBeaconStartForTime(t *testing.T) {
	assert := require.New(t)

	gpsTime := TimeToGPSEpoch(time.Now())

	start := GetBeaconStartForTime(gpsTime)
	assert.Zero(start % BeaconPeriod)
	assert.True(gpsTime-start < BeaconPeriod)
}

func TestGetPingOffset(t *testing.T) {
	assert := require.New(t)

	devAddr := lorawan.DevAddr{1, 2, 3, 4}

	// offset must be stable for the same inputs and within the period
	for _, pingNb := range []int{1, 2, 4, 8, 16, 32, 64, 128} {
		pingPeriod := PingPeriodBase / pingNb

		o1, err := GetPingOffset(0, devAddr, pingPeriod)
		assert.NoError(err)
		o2, err := GetPingOffset(0, devAddr, pingPeriod)
		assert.NoError(err)

		assert.Equal(o1, o2)
		assert.Less(o1, pingPeriod)
	}

	// a different beacon period gives a different offset for at least one
	// of the periods below
	var diff bool
	for _, bt := range []time.Duration{0, BeaconPeriod, 2 * BeaconPeriod, 3 * BeaconPeriod} {
		o1, err := GetPingOffset(bt, devAddr, PingPeriodBase)
		assert.NoError(err)
		o2, err := GetPingOffset(bt+BeaconPeriod, devAddr, PingPeriodBase)
		assert.NoError(err)
		if o1 != o2 {
			diff = true
		}
	}
	assert.True(diff)

	_, err := GetPingOffset(time.Second, devAddr, PingPeriodBase)
	assert.Error(err)
}

func TestGetNextPingSlotAfter(t *testing.T) {
	assert := require.New(t)

	devAddr := lorawan.DevAddr{1, 2, 3, 4}

	for _, pingNb := range []int{1, 16, 128} {
		after := time.Duration(0)

		// consecutive slots must be strictly increasing and aligned to the
		// slot grid of their beacon period
		var prev time.Duration
		for i := 0; i < 10; i++ {
			gpsTime, slot, err := GetNextPingSlotAfter(after, devAddr, pingNb)
			assert.NoError(err)
			assert.Greater(gpsTime, after)
			assert.GreaterOrEqual(slot, 0)
			assert.Less(slot, PingPeriodBase)

			beaconStart := GetBeaconStartForTime(gpsTime)
			assert.Equal(beaconStart+BeaconReserved+time.Duration(slot)*SlotLen, gpsTime)

			if i > 0 {
				assert.Greater(gpsTime, prev)
			}
			prev = gpsTime
			after = gpsTime
		}
	}

	_, _, err := GetNextPingSlotAfter(0, devAddr, 0)
	assert.Error(err)
}
