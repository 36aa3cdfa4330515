package rating

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riftstats/pipeline/internal/model"
)

// TunerConfig controls the offline hyperparameter search.
type TunerConfig struct {
	// Trials is the total evaluation budget.
	Trials int
	// Seed makes the whole search deterministic.
	Seed int64
	// Parallelism bounds concurrent trial evaluations.
	Parallelism int
	// StartupTrials are sampled uniformly before the density model kicks in.
	StartupTrials int
	// Candidates drawn per guided trial; the best by density ratio is kept.
	Candidates int
}

// dimension bounds one tunable hyperparameter.
type dimension struct {
	name string
	min  float64
	max  float64
	log  bool
}

var searchSpace = []dimension{
	{name: "tau", min: 0.2, max: 1.2, log: false},
	{name: "phi_seed", min: 1.0, max: 3.0, log: false},
	{name: "sigma_seed", min: 0.01, max: 0.2, log: true},
	{name: "drift_days", min: 14, max: 365, log: true},
}

// Trial is one evaluated parameter set.
type Trial struct {
	Params Params
	Loss   float64
}

// Tuner searches Glicko-2 hyperparameters against a replay window using a
// tree-structured Parzen estimator: completed trials are split at the median
// loss, each dimension is modeled as a kernel density over the good and bad
// halves, and candidates maximizing the good/bad density ratio are
// evaluated next.
type Tuner struct {
	cfg     TunerConfig
	matches []model.RatingMatch
}

// NewTuner creates a tuner over a chronological replay window.
func NewTuner(matches []model.RatingMatch, cfg TunerConfig) *Tuner {
	if cfg.Trials <= 0 {
		cfg.Trials = 200
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.StartupTrials <= 0 {
		cfg.StartupTrials = 20
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 24
	}
	return &Tuner{cfg: cfg, matches: matches}
}

// Run executes the search and returns the best trial. Candidate generation
// is sequential under one seeded PCG stream so results are reproducible;
// only the loss evaluations run in parallel.
func (t *Tuner) Run(ctx context.Context) (*Trial, error) {
	rng := rand.New(rand.NewPCG(uint64(t.cfg.Seed), 0))

	var done []Trial
	remaining := t.cfg.Trials
	for remaining > 0 {
		round := t.cfg.Parallelism
		if round > remaining {
			round = remaining
		}

		batch := make([]Params, round)
		for i := range batch {
			if len(done) < t.cfg.StartupTrials {
				batch[i] = sampleUniform(rng)
			} else {
				batch[i] = t.suggest(rng, done)
			}
		}

		losses := make([]float64, round)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(t.cfg.Parallelism)
		for i := range batch {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				losses[i] = t.evaluate(batch[i])
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i := range batch {
			done = append(done, Trial{Params: batch[i], Loss: losses[i]})
		}
		remaining -= round
	}

	best := done[0]
	for _, tr := range done[1:] {
		if tr.Loss < best.Loss {
			best = tr
		}
	}
	zap.L().Info("tuning complete",
		zap.Int("trials", len(done)),
		zap.Float64("best_loss", best.Loss),
		zap.Float64("tau", best.Params.Tau),
		zap.Float64("phi_seed", best.Params.PhiSeed),
		zap.Float64("sigma_seed", best.Params.SigmaSeed),
		zap.Float64("drift_days", best.Params.DriftWindow.Hours()/24),
	)
	return &best, nil
}

// evaluate replays the window under params and returns the mean negative
// log-likelihood of each pre-match outcome prediction.
func (t *Tuner) evaluate(params Params) float64 {
	f := newFold(params, nil)

	var nll float64
	var n int
	for i := range t.matches {
		m := &t.matches[i]
		if len(m.Team0) == 0 || len(m.Team1) == 0 {
			continue
		}
		if m.WinningTeam != model.Team0 && m.WinningTeam != model.Team1 {
			continue
		}

		// Unseen accounts are anchored to the lobby's rank badge before
		// the prediction, the same calibration the fold applies.
		f.seedFromBadges(m)

		pre := func(team []uint32) Rating {
			rs := make([]Rating, len(team))
			for j, id := range team {
				rs[j] = f.current(id, m.StartTime)
			}
			return CompositeOpponent(rs)
		}
		c0 := pre(m.Team0)
		c1 := pre(m.Team1)

		p0 := expectedScore(c0.Mu, c1.Mu, c1.Phi)
		p0 = clamp(p0, 1e-9, 1-1e-9)
		if m.WinningTeam == model.Team0 {
			nll -= math.Log(p0)
		} else {
			nll -= math.Log(1 - p0)
		}
		n++

		f.rate(m)
	}
	if n == 0 {
		return math.Inf(1)
	}
	return nll / float64(n)
}

// suggest draws candidates from the good-half density and keeps the one
// with the highest good/bad density ratio.
func (t *Tuner) suggest(rng *rand.Rand, done []Trial) Params {
	good, bad := splitByMedian(done)

	bestScore := math.Inf(-1)
	var best Params
	for c := 0; c < t.cfg.Candidates; c++ {
		var vec [4]float64
		score := 0.0
		for d, dim := range searchSpace {
			v := sampleFromSet(rng, good, d, dim)
			vec[d] = v
			score += math.Log(kernelDensity(good, d, dim, v)) -
				math.Log(kernelDensity(bad, d, dim, v))
		}
		if score > bestScore {
			bestScore = score
			best = paramsFromVector(vec)
		}
	}
	return best
}

func splitByMedian(done []Trial) (good, bad []Trial) {
	sorted := make([]Trial, len(done))
	copy(sorted, done)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Loss < sorted[j].Loss })

	cut := len(sorted) / 4
	if cut < 2 {
		cut = 2
	}
	return sorted[:cut], sorted[cut:]
}

func sampleUniform(rng *rand.Rand) Params {
	var vec [4]float64
	for d, dim := range searchSpace {
		vec[d] = dim.denorm(rng.Float64())
	}
	return paramsFromVector(vec)
}

func paramsFromVector(vec [4]float64) Params {
	return Params{
		Tau:         vec[0],
		PhiSeed:     vec[1],
		SigmaSeed:   vec[2],
		DriftWindow: time.Duration(vec[3] * 24 * float64(time.Hour)),
	}
}

func paramVector(p Params) [4]float64 {
	return [4]float64{
		p.Tau,
		p.PhiSeed,
		p.SigmaSeed,
		p.DriftWindow.Hours() / 24,
	}
}

// denorm maps a unit sample into the dimension's range.
func (d dimension) denorm(u float64) float64 {
	if d.log {
		lo, hi := math.Log(d.min), math.Log(d.max)
		return math.Exp(lo + u*(hi-lo))
	}
	return d.min + u*(d.max-d.min)
}

// unit maps a value back to [0, 1].
func (d dimension) unit(v float64) float64 {
	if d.log {
		lo, hi := math.Log(d.min), math.Log(d.max)
		return (math.Log(v) - lo) / (hi - lo)
	}
	return (v - d.min) / (d.max - d.min)
}

// sampleFromSet perturbs a random member of the set in unit space with a
// Gaussian kernel, reflected into bounds.
func sampleFromSet(rng *rand.Rand, set []Trial, d int, dim dimension) float64 {
	center := dim.unit(paramVector(set[rng.IntN(len(set))].Params)[d])
	u := center + rng.NormFloat64()*kernelBandwidth(len(set))
	u = reflect(u)
	return dim.denorm(u)
}

// kernelDensity is a Gaussian KDE over the set in unit space.
func kernelDensity(set []Trial, d int, dim dimension, v float64) float64 {
	if len(set) == 0 {
		return 1e-12
	}
	h := kernelBandwidth(len(set))
	u := dim.unit(v)
	var sum float64
	for _, tr := range set {
		c := dim.unit(paramVector(tr.Params)[d])
		z := (u - c) / h
		sum += math.Exp(-0.5 * z * z)
	}
	density := sum / (float64(len(set)) * h * math.Sqrt(2*math.Pi))
	if density < 1e-12 {
		density = 1e-12
	}
	return density
}

func kernelBandwidth(n int) float64 {
	h := 1.0 / math.Pow(float64(n), 0.2)
	if h < 0.05 {
		h = 0.05
	}
	if h > 0.5 {
		h = 0.5
	}
	return h
}

func reflect(u float64) float64 {
	for u < 0 || u > 1 {
		if u < 0 {
			u = -u
		}
		if u > 1 {
			u = 2 - u
		}
	}
	return u
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
