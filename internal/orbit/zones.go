package orbit

// Zone labels the broad orbital regime an object occupies. Used for reporting
// and for the synthetic population generator; screening itself partitions by
// exact apsis radii, not by zone.
type Zone string

const (
	ZoneLEO Zone = "LEO"
	ZoneMEO Zone = "MEO"
	ZoneGEO Zone = "GEO"
	ZoneHEO Zone = "HEO"
)

// zoneBand is a half-open altitude band [lo, hi) in km above the equatorial radius.
type zoneBand struct {
	zone       Zone
	lo, hi     float64
	congestion string
}

// GEO is the narrow ring around the geostationary altitude; HEO is everything
// above it.
var zoneBands = []zoneBand{
	{ZoneLEO, 0, 2000, "high"},
	{ZoneMEO, 2000, 35786, "medium"},
	{ZoneGEO, 35786, 35886, "high"},
	{ZoneHEO, 35886, 1e9, "low"},
}

// ZoneForAltitude returns the zone containing the given altitude (km).
func ZoneForAltitude(altKm float64) Zone {
	for _, b := range zoneBands {
		if altKm >= b.lo && altKm < b.hi {
			return b.zone
		}
	}
	return ZoneHEO
}

// Congestion returns the qualitative traffic density of the zone.
func (z Zone) Congestion() string {
	for _, b := range zoneBands {
		if b.zone == z {
			return b.congestion
		}
	}
	return "unknown"
}

// Band returns the zone's altitude band [lo, hi) in km. HEO's upper bound is
// effectively unbounded.
func (z Zone) Band() (lo, hi float64) {
	for _, b := range zoneBands {
		if b.zone == z {
			return b.lo, b.hi
		}
	}
	return 0, 0
}
