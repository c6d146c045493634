package trend

import "time"

// Weights are the raw component weights of the heat score. They are renormalized to sum
// to 1; a non-positive sum falls back to DefaultWeights.
type Weights struct {
	PlatformPercentile float64 `yaml:"platform_percentile" json:"platform_percentile"`
	Velocity           float64 `yaml:"velocity" json:"velocity"`
	Freshness          float64 `yaml:"freshness" json:"freshness"`
	CrossPlatform      float64 `yaml:"cross_platform" json:"cross_platform"`
}

// DefaultWeights is 0.45 percentile, 0.25 velocity, 0.20 freshness, 0.10 cross-platform.
var DefaultWeights = Weights{PlatformPercentile: 0.45, Velocity: 0.25, Freshness: 0.20, CrossPlatform: 0.10}

func (w Weights) normalized() Weights {
	w = Weights{
		PlatformPercentile: max(0, w.PlatformPercentile),
		Velocity:           max(0, w.Velocity),
		Freshness:          max(0, w.Freshness),
		CrossPlatform:      max(0, w.CrossPlatform),
	}
	total := w.PlatformPercentile + w.Velocity + w.Freshness + w.CrossPlatform
	if total <= 0 {
		return DefaultWeights
	}
	return Weights{
		PlatformPercentile: w.PlatformPercentile / total,
		Velocity:           w.Velocity / total,
		Freshness:          w.Freshness / total,
		CrossPlatform:      w.CrossPlatform / total,
	}
}

// GitHubConfig tunes the composite boost applied to GitHub items.
type GitHubConfig struct {
	StarVelocityWeight        float64 `yaml:"star_velocity_weight" json:"star_velocity_weight"`
	ContributorActivityWeight float64 `yaml:"contributor_activity_weight" json:"contributor_activity_weight"`
	ReleaseAdoptionWeight     float64 `yaml:"release_adoption_weight" json:"release_adoption_weight"`

	StarVelocityCap        float64 `yaml:"star_velocity_cap" json:"star_velocity_cap"`
	ContributorActivityCap float64 `yaml:"contributor_activity_cap" json:"contributor_activity_cap"`
	ReleaseAdoptionCap     float64 `yaml:"release_adoption_cap" json:"release_adoption_cap"`

	BoostBase  float64 `yaml:"boost_base" json:"boost_base"`
	BoostRange float64 `yaml:"boost_range" json:"boost_range"`
}

func (g GitHubConfig) weights() (star, contrib, release float64) {
	star, contrib, release = max(0, g.StarVelocityWeight), max(0, g.ContributorActivityWeight), max(0, g.ReleaseAdoptionWeight)
	total := star + contrib + release
	if total <= 0 {
		return 0.45, 0.35, 0.20
	}
	return star / total, contrib / total, release / total
}

// HeatConfig is the immutable configuration of a Scorer.
type HeatConfig struct {
	Weights         Weights            `yaml:"weights" json:"weights"`
	HalfLife        time.Duration      `yaml:"freshness_half_life" json:"freshness_half_life"`
	MaxAge          time.Duration      `yaml:"freshness_max_age" json:"freshness_max_age"`
	PlatformWeights map[string]float64 `yaml:"platform_weights" json:"platform_weights"`
	GitHub          GitHubConfig       `yaml:"github" json:"github"`
}

// DefaultHeatConfig returns the stock tuning.
func DefaultHeatConfig() HeatConfig {
	return HeatConfig{
		Weights:  DefaultWeights,
		HalfLife: 24 * time.Hour,
		MaxAge:   7 * 24 * time.Hour,
		GitHub: GitHubConfig{
			StarVelocityWeight:        0.45,
			ContributorActivityWeight: 0.35,
			ReleaseAdoptionWeight:     0.20,
			StarVelocityCap:           500,
			ContributorActivityCap:    5000,
			ReleaseAdoptionCap:        100000,
			BoostBase:                 0.75,
			BoostRange:                0.50,
		},
	}
}

func (c HeatConfig) clone() HeatConfig {
	out := c
	if c.PlatformWeights != nil {
		out.PlatformWeights = make(map[string]float64, len(c.PlatformWeights))
		for k, v := range c.PlatformWeights {
			out.PlatformWeights[k] = v
		}
	}
	return out
}
