// Package trend ranks scraped items by a normalized cross-platform heat score.
package trend

import (
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chenjianrui-111/trend-agent/pkg/source"
)

// Breakdown keys recorded on every scored item.
const (
	KeyPlatformPercentile  = "platform_percentile"
	KeyVelocity            = "velocity"
	KeyFreshness           = "freshness"
	KeyCrossPlatform       = "cross_platform"
	KeyPlatformWeight      = "platform_weight"
	KeyGitHubBoost         = "github_boost"
	KeyGitHubStarVelocity  = "github_star_velocity"
	KeyGitHubContributors  = "github_contributor_activity"
	KeyGitHubReleases      = "github_release_adoption"
	KeyGitHubComposite     = "github_composite"
	minVelocityAgeHours    = 1.0 / 60
	minStarVelocityAgeDays = 1.0 / 24
)

// Scorer computes heat scores. The configuration can be swapped at runtime; each batch is
// scored against a single snapshot.
type Scorer struct {
	cfg atomic.Pointer[HeatConfig]
	now func() time.Time
}

// NewScorer creates a scorer with cfg.
func NewScorer(cfg HeatConfig) *Scorer {
	s := &Scorer{now: time.Now}
	s.SetConfig(cfg)
	return s
}

// WithClock overrides the clock used for ages.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// SetConfig replaces the configuration for subsequent batches.
func (s *Scorer) SetConfig(cfg HeatConfig) {
	c := cfg.clone()
	if c.PlatformWeights != nil {
		lower := make(map[string]float64, len(c.PlatformWeights))
		for k, v := range c.PlatformWeights {
			lower[strings.ToLower(k)] = v
		}
		c.PlatformWeights = lower
	}
	s.cfg.Store(&c)
}

// Config returns the active configuration.
func (s *Scorer) Config() HeatConfig { return s.cfg.Load().clone() }

// ScoreBatch returns copies of items annotated with NormalizedHeatScore and HeatBreakdown.
// Percentiles and velocity are relative to the batch, so the same item can score
// differently in a different batch.
func (s *Scorer) ScoreBatch(items []source.Item) []source.Item {
	if len(items) == 0 {
		return nil
	}
	cfg := s.cfg.Load()
	now := s.now().UTC()
	w := cfg.Weights.normalized()

	byPlatform := make(map[string][]float64)
	hashPlatforms := make(map[string]map[string]struct{})
	ages := make([]float64, len(items))
	velocities := make([]float64, len(items))
	maxVelocity := 0.0

	for i, it := range items {
		byPlatform[it.SourcePlatform] = append(byPlatform[it.SourcePlatform], it.EngagementScore)
		if it.ContentHash != "" {
			set := hashPlatforms[it.ContentHash]
			if set == nil {
				set = make(map[string]struct{})
				hashPlatforms[it.ContentHash] = set
			}
			set[it.SourcePlatform] = struct{}{}
		}
		ages[i] = max(0, now.Sub(it.Timestamp(now)).Hours())
		velocities[i] = it.EngagementScore / max(ages[i], minVelocityAgeHours)
		maxVelocity = max(maxVelocity, velocities[i])
	}
	if maxVelocity <= 0 {
		maxVelocity = 1
	}

	out := make([]source.Item, len(items))
	for i, it := range items {
		percentile := percentileRank(byPlatform[it.SourcePlatform], it.EngagementScore)
		velocity := clamp01(velocities[i] / maxVelocity)
		fresh := freshness(ages[i], cfg.HalfLife, cfg.MaxAge)
		cross := 0.0
		if it.ContentHash != "" {
			cross = min(float64(len(hashPlatforms[it.ContentHash])-1)/2, 1)
		}

		score := w.PlatformPercentile*percentile + w.Velocity*velocity + w.Freshness*fresh + w.CrossPlatform*cross

		platformWeight := 1.0
		if pw, ok := cfg.PlatformWeights[strings.ToLower(it.SourcePlatform)]; ok {
			platformWeight = pw
		}
		gh := githubComponents(it, cfg.GitHub, now)
		score *= max(0, platformWeight) * max(0, gh.boost)

		scored := it.Clone()
		scored.NormalizedHeatScore = round6(clamp01(score))
		scored.HeatBreakdown = map[string]float64{
			KeyPlatformPercentile: round6(percentile),
			KeyVelocity:           round6(velocity),
			KeyFreshness:          round6(fresh),
			KeyCrossPlatform:      round6(cross),
			KeyPlatformWeight:     round6(platformWeight),
			KeyGitHubBoost:        round6(gh.boost),
			KeyGitHubStarVelocity: round6(gh.starVelocity),
			KeyGitHubContributors: round6(gh.contributorActivity),
			KeyGitHubReleases:     round6(gh.releaseAdoption),
			KeyGitHubComposite:    round6(gh.composite),
		}
		out[i] = scored
	}
	return out
}

// percentileRank is (count of values <= v) - 1 over n - 1, and 1 for a single value.
func percentileRank(values []float64, v float64) float64 {
	switch len(values) {
	case 0:
		return 0
	case 1:
		return 1
	}
	count := 0
	for _, x := range values {
		if x <= v {
			count++
		}
	}
	return float64(count-1) / float64(len(values)-1)
}

// freshness decays exponentially with ageHours and is zero past maxAge.
func freshness(ageHours float64, halfLife, maxAge time.Duration) float64 {
	maxAgeHours := max(1, maxAge.Hours())
	if ageHours >= maxAgeHours {
		return 0
	}
	hl := max(0.1, halfLife.Hours())
	return clamp01(math.Exp(-math.Ln2 * ageHours / hl))
}

type githubScore struct {
	starVelocity        float64
	contributorActivity float64
	releaseAdoption     float64
	composite           float64
	boost               float64
}

func githubComponents(it source.Item, cfg GitHubConfig, now time.Time) githubScore {
	if !strings.EqualFold(it.SourcePlatform, source.PlatformGitHub) {
		return githubScore{boost: 1}
	}
	m := it.Metrics

	starRate := metricFloat(m, "star_velocity_per_day")
	if starRate <= 0 {
		created := it.Timestamp(now)
		if t, ok := metricTime(m, "repo_created_at"); ok {
			created = t
		}
		ageDays := max(now.Sub(created).Hours()/24, minStarVelocityAgeDays)
		starRate = metricFloat(m, "stars") / ageDays
	}

	contributors := metricFloat(m, "forks") + 0.7*metricFloat(m, "open_issues") +
		1.5*metricFloat(m, "comments") + 1.2*metricFloat(m, "upvote_count")
	adoption := metricFloat(m, "download_count") + 20*metricFloat(m, "assets_count") +
		3*metricFloat(m, "reaction_count") + 50*metricFloat(m, "cvss_score")

	g := githubScore{
		starVelocity:        logNorm(starRate, cfg.StarVelocityCap),
		contributorActivity: logNorm(contributors, cfg.ContributorActivityCap),
		releaseAdoption:     logNorm(adoption, cfg.ReleaseAdoptionCap),
	}
	ws, wc, wr := cfg.weights()
	g.composite = ws*g.starVelocity + wc*g.contributorActivity + wr*g.releaseAdoption
	g.boost = max(0, cfg.BoostBase+cfg.BoostRange*g.composite)
	return g
}

// logNorm maps v onto [0,1] as ln(1+v)/ln(1+cap). Caps below 1 are raised to 1.
func logNorm(v, limit float64) float64 {
	if v <= 0 {
		return 0
	}
	return clamp01(math.Log1p(v) / math.Log1p(max(1, limit)))
}

func metricFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}

func metricTime(m map[string]any, key string) (time.Time, bool) {
	switch v := m[key].(type) {
	case time.Time:
		return v.UTC(), !v.IsZero()
	case string:
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(v))
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return max(0, min(v, 1))
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
