package ratelimit

import (
	"math"
	"time"
)

// trust scores key from violations inside the look-back: 100 minus the
// weighted points, floored at 0.
func (sh *shard) trust(key string, now time.Time, a AdaptiveConfig) int {
	cutoff := now.Add(-a.History)
	score := 100
	for _, v := range sh.history[key] {
		if v.at.Before(cutoff) {
			continue
		}
		score -= a.Points[v.severity]
		if score <= 0 {
			return 0
		}
	}
	return score
}

// scale derives effective limits for a trust score. Results never drop
// below 1.
func (a AdaptiveConfig) scale(score, limit, burst int) (int, int) {
	switch {
	case score < a.LowTrust:
		return scaled(limit, a.LowMaxFactor), scaled(burst, a.LowBurstFactor)
	case score > a.HighTrust:
		return scaled(limit, a.HighMaxFactor), scaled(burst, a.HighBurstFactor)
	default:
		return limit, burst
	}
}

func scaled(n int, factor float64) int {
	return max(1, int(math.Floor(float64(n)*factor)))
}
