package rating

import "math"

// glickoScale converts between the internal scale and display points.
const (
	glickoScale = 173.7178
	displayBase = 1500.0
)

// DisplayRating converts an internal mu to display points.
func DisplayRating(mu float64) float64 {
	return displayBase + glickoScale*mu
}

// DisplayDeviation converts an internal phi to display points.
func DisplayDeviation(phi float64) float64 {
	return glickoScale * phi
}

// badgeThresholds are the display-rating floors of each badge tier, from
// the lowest tier upward. Six subranks divide each tier evenly up to the
// next floor.
var badgeThresholds = []float64{
	0,    // Initiate
	900,  // Seeker
	1100, // Alchemist
	1300, // Arcanist
	1500, // Ritualist
	1700, // Emissary
	1900, // Archon
	2100, // Oracle
	2300, // Phantom
	2500, // Ascendant
	2700, // Eternus
}

const subranksPerTier = 6

// Badge maps an internal mu to the encoded rank badge: tier*10 + subrank,
// with tier starting at 1 and subrank in 1..6.
func Badge(mu float64) uint32 {
	rating := DisplayRating(mu)

	tier := 0
	for i, floor := range badgeThresholds {
		if rating >= floor {
			tier = i
		}
	}

	floor := badgeThresholds[tier]
	var ceil float64
	if tier+1 < len(badgeThresholds) {
		ceil = badgeThresholds[tier+1]
	} else {
		// Top tier is open-ended; pin its subrank width to the previous
		// tier's.
		ceil = floor + (floor - badgeThresholds[tier-1])
	}

	span := (ceil - floor) / subranksPerTier
	sub := int(math.Floor((rating-floor)/span)) + 1
	if sub > subranksPerTier {
		sub = subranksPerTier
	}
	if sub < 1 {
		sub = 1
	}

	return uint32((tier+1)*10 + sub)
}

// BadgeMu inverts Badge: the internal mu at the midpoint of the badge's
// subrank band. Malformed badges map to the global seed.
func BadgeMu(badge uint32) float64 {
	tier := int(badge/10) - 1
	sub := int(badge % 10)
	if tier < 0 || tier >= len(badgeThresholds) || sub < 1 || sub > subranksPerTier {
		return 0
	}

	floor := badgeThresholds[tier]
	var ceil float64
	if tier+1 < len(badgeThresholds) {
		ceil = badgeThresholds[tier+1]
	} else {
		ceil = floor + (floor - badgeThresholds[tier-1])
	}

	span := (ceil - floor) / subranksPerTier
	display := floor + (float64(sub)-0.5)*span
	return (display - displayBase) / glickoScale
}
