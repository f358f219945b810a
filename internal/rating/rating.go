// Package rating converts self-play outcomes into a bounded Elo difference.
package rating

import "math"

// MaxElo bounds the magnitude of any estimate.
const MaxElo = 800.0

// FromWinRate returns the Elo difference implied by an expected score p.
// p outside the open interval (0, 1) has no finite estimate and yields 0.
func FromWinRate(p float64) float64 {
	if math.IsNaN(p) || p <= 0 || p >= 1 {
		return 0
	}
	elo := -400 * math.Log10(1/p-1)
	return math.Max(-MaxElo, math.Min(MaxElo, elo))
}

// WinRate returns the candidate's score with a half-game continuity
// correction on each side, so it is never exactly 0 or 1 and is defined for
// an empty tally. Draws count as half a win.
func WinRate(wins, losses, draws int) float64 {
	w := float64(wins) + 0.5
	l := float64(losses) + 0.5
	d := float64(draws)
	return (w + 0.5*d) / (w + l + d)
}
