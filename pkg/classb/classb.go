package classb

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/loraflux/loraflux-ns/pkg/lorawan"
)

const (
	// BeaconPeriod is the interval between two beacons.
	BeaconPeriod = 128 * time.Second

	// BeaconReserved is the guard interval at the start of a beacon period
	// during which the beacon itself is transmitted.
	BeaconReserved = 2120 * time.Millisecond

	// PingPeriodBase is the total number of ping slots in a beacon period.
	PingPeriodBase = 1 << 12

	// SlotLen is the duration of a single ping slot.
	SlotLen = 30 * time.Millisecond
)

// GetBeaconStartForTime returns the start of the beacon period containing
// the given GPS time.
func GetBeaconStartForTime(gpsTime time.Duration) time.Duration {
	return gpsTime - (gpsTime % BeaconPeriod)
}

// GetPingOffset calculates the ping offset for the given beacon start time
// and DevAddr. The offset is pseudo-random per (beacon period, device) so
// devices do not pile up in the same slots.
func GetPingOffset(beaconTime time.Duration, devAddr lorawan.DevAddr, pingPeriod int) (int, error) {
	if beaconTime%BeaconPeriod != 0 {
		return 0, fmt.Errorf("classb: beacon time must be a multiple of %s", BeaconPeriod)
	}
	if pingPeriod == 0 {
		return 0, fmt.Errorf("classb: ping period must not be 0")
	}

	key := make([]byte, 16)
	rand := make([]byte, 16)
	plain := make([]byte, 16)

	binary.LittleEndian.PutUint32(plain[0:4], uint32(beaconTime/time.Second))
	a, err := devAddr.MarshalBinary()
	if err != nil {
		return 0, err
	}
	copy(plain[4:8], a)

	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, err
	}
	block.Encrypt(rand, plain)

	return (int(rand[0]) + int(rand[1])*256) % pingPeriod, nil
}

// GetNextPingSlotAfter returns the timestamp of the next ping slot strictly
// after the given GPS time, together with the slot's index within its
// beacon period. pingNb is the number of ping slots the device opens per
// beacon period (1, 2, 4, .. 128).
func GetNextPingSlotAfter(afterGPSEpochTime time.Duration, devAddr lorawan.DevAddr, pingNb int) (time.Duration, int, error) {
	if pingNb == 0 {
		return 0, 0, fmt.Errorf("classb: ping nb must not be 0")
	}
	pingPeriod := PingPeriodBase / pingNb

	beaconStart := GetBeaconStartForTime(afterGPSEpochTime)

	for {
		pingOffset, err := GetPingOffset(beaconStart, devAddr, pingPeriod)
		if err != nil {
			return 0, 0, err
		}

		for n := 0; n < pingNb; n++ {
			gpsTime := beaconStart + BeaconReserved + time.Duration(pingOffset+n*pingPeriod)*SlotLen
			if gpsTime > afterGPSEpochTime {
				return gpsTime, pingOffset + n*pingPeriod, nil
			}
		}

		beaconStart += BeaconPeriod
	}
}
