// Package classb implements the beacon and ping-slot timing math used for
// Class-B scheduling.
package classb

import (
	"time"
)

// gpsEpoch is 1980-01-06 00:00:00 UTC.
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// leapSecondsTable holds the UTC instants at which a leap second was added
// since the GPS epoch. GPS time does not observe leap seconds, so the two
// clocks drift apart by one second per entry.
var leapSecondsTable = []time.Time{
	time.Date(1981, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1982, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1983, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1985, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1987, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1989, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1990, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1992, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1993, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1994, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1995, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(1997, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(1998, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2005, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2008, time.December, 31, 23, 59, 59, 0, time.UTC),
	time.Date(2012, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2015, time.June, 30, 23, 59, 59, 0, time.UTC),
	time.Date(2016, time.December, 31, 23, 59, 59, 0, time.UTC),
}

// TimeToGPSEpoch converts a time.Time to the duration since the GPS epoch.
func TimeToGPSEpoch(t time.Time) time.Duration {
	d := t.Sub(gpsEpoch)
	for _, ls := range leapSecondsTable {
		if ls.Before(t) {
			d += time.Second
		}
	}
	return d
}

// GPSEpochToTime converts a duration since the GPS epoch to a time.Time.
func GPSEpochToTime(d time.Duration) time.Time {
	t := gpsEpoch.Add(d)
	for _, ls := range leapSecondsTable {
		if ls.Before(t) {
			t = t.Add(-time.Second)
		}
	}
	return t
}
