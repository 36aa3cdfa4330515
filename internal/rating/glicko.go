// Package rating implements the Glicko-2 skill engine: chronological match
// folding, inactivity drift, and an offline hyperparameter tuner.
package rating

import (
	"math"
	"time"
)

// Params are the Glicko-2 hyperparameters. All values are on the internal
// Glicko-2 scale.
type Params struct {
	// Tau constrains volatility change per update. Smaller is more stable.
	Tau float64
	// PhiSeed is the rating deviation assigned to unrated players, and the
	// ceiling inactivity drift converges to.
	PhiSeed float64
	// SigmaSeed is the volatility assigned to unrated players.
	SigmaSeed float64
	// DriftWindow is how long of inactivity returns a player's deviation
	// to PhiSeed.
	DriftWindow time.Duration
}

// DefaultParams returns the production parameter set.
func DefaultParams() Params {
	return Params{
		Tau:         0.53,
		PhiSeed:     2.0,
		SigmaSeed:   0.06,
		DriftWindow: 90 * 24 * time.Hour,
	}
}

// Rating is one player's state on the internal scale.
type Rating struct {
	Mu    float64
	Phi   float64
	Sigma float64
}

// Seed returns the unrated state.
func (p Params) Seed() Rating {
	return Rating{Mu: 0, Phi: p.PhiSeed, Sigma: p.SigmaSeed}
}

const (
	volatilityTolerance  = 1e-6
	volatilityIterations = 100
)

// g is the Glicko-2 deviation damping factor.
func g(phi float64) float64 {
	return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi))
}

// expectedScore is the win probability of a player with rating mu against an
// opponent (muJ, phiJ).
func expectedScore(mu, muJ, phiJ float64) float64 {
	return 1 / (1 + math.Exp(-g(phiJ)*(mu-muJ)))
}

// Drift inflates the deviation toward the unrated ceiling after inactivity.
// A full DriftWindow of absence returns the player to PhiSeed; shorter gaps
// move proportionally in squared deviation.
func (p Params) Drift(r Rating, elapsed time.Duration) Rating {
	if elapsed <= 0 || r.Phi >= p.PhiSeed {
		return r
	}
	frac := float64(elapsed) / float64(p.DriftWindow)
	if frac > 1 {
		frac = 1
	}
	phi2 := r.Phi*r.Phi + frac*(p.PhiSeed*p.PhiSeed-r.Phi*r.Phi)
	r.Phi = math.Sqrt(phi2)
	return r
}

// Update applies one game result against a composite opponent. score is 1
// for a win and 0 for a loss. The volatility solver is bounded; if it fails
// to converge the prior volatility is kept.
func (p Params) Update(r Rating, opponent Rating, score float64) Rating {
	gj := g(opponent.Phi)
	e := expectedScore(r.Mu, opponent.Mu, opponent.Phi)

	v := 1 / (gj * gj * e * (1 - e))
	delta := v * gj * (score - e)

	sigma := p.solveVolatility(r, v, delta)

	phiStar := math.Sqrt(r.Phi*r.Phi + sigma*sigma)
	phi := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	mu := r.Mu + phi*phi*gj*(score-e)

	return Rating{Mu: mu, Phi: phi, Sigma: sigma}
}

// solveVolatility runs the Glickman iteration for the new volatility using
// the Illinois variant of regula falsi.
func (p Params) solveVolatility(r Rating, v, delta float64) float64 {
	a := math.Log(r.Sigma * r.Sigma)
	phi2 := r.Phi * r.Phi
	delta2 := delta * delta
	tau2 := p.Tau * p.Tau

	f := func(x float64) float64 {
		ex := math.Exp(x)
		num := ex * (delta2 - phi2 - v - ex)
		den := 2 * (phi2 + v + ex) * (phi2 + v + ex)
		return num/den - (x-a)/tau2
	}

	lower := a
	var upper float64
	if delta2 > phi2+v {
		upper = math.Log(delta2 - phi2 - v)
	} else {
		k := 1.0
		for f(a-k*p.Tau) < 0 {
			k++
			if k > volatilityIterations {
				return r.Sigma
			}
		}
		upper = lower
		lower = a - k*p.Tau
	}

	fLower := f(lower)
	fUpper := f(upper)
	for i := 0; math.Abs(upper-lower) > volatilityTolerance; i++ {
		if i >= volatilityIterations {
			return r.Sigma
		}
		mid := lower + (lower-upper)*fLower/(fUpper-fLower)
		fMid := f(mid)
		if fMid*fUpper <= 0 {
			lower = upper
			fLower = fUpper
		} else {
			fLower /= 2
		}
		upper = mid
		fUpper = fMid
	}

	return math.Exp(lower / 2)
}

// CompositeOpponent averages a roster's ratings into the single opponent a
// player is rated against.
func CompositeOpponent(ratings []Rating) Rating {
	if len(ratings) == 0 {
		return Rating{}
	}
	var mu, phi, sigma float64
	for _, r := range ratings {
		mu += r.Mu
		phi += r.Phi
		sigma += r.Sigma
	}
	n := float64(len(ratings))
	return Rating{Mu: mu / n, Phi: phi / n, Sigma: sigma / n}
}
