// Package vibe turns a raw score into a percentile rank and a few
// qualitative tags. Everything here is pure and safe for concurrent use.
package vibe

import (
	"fmt"
	"math"
	"sort"

	"github.com/your-org/aurum-score/internal/config"
)

// Range tags, checked from the top.
var rangeTags = []struct {
	min float64
	tag string
}{
	{85, "Royal"},
	{70, "Radiant"},
	{55, "Magnetic"},
	{40, "Chill"},
}

const (
	tagLowkey = "Lowkey"
	tagWarm   = "Warm"
	tagMystic = "Mystic"
	tagWicked = "Wicked"
)

// PercentileFunc maps a 0-100 score to a 0-100 percentile. Implementations
// must be monotonic non-decreasing.
type PercentileFunc func(score float64) float64

type Deriver struct {
	percentile PercentileFunc
	maxTags    int
	spread     float64
}

func New(cfg config.VibeConfig) (*Deriver, error) {
	var pf PercentileFunc
	switch cfg.Policy {
	case config.PolicyNormal, "":
		if cfg.StdDev <= 0 {
			return nil, fmt.Errorf("normal policy needs positive stddev, got %v", cfg.StdDev)
		}
		pf = Normal(cfg.Mean, cfg.StdDev)
	case config.PolicyTable:
		t, err := Table(cfg.Table)
		if err != nil {
			return nil, err
		}
		pf = t
	default:
		return nil, fmt.Errorf("unknown percentile policy %q", cfg.Policy)
	}

	maxTags := cfg.MaxTags
	if maxTags <= 0 {
		maxTags = 3
	}
	return &Deriver{percentile: pf, maxTags: maxTags, spread: cfg.SpreadThreshold}, nil
}

// Derive returns the percentile and ordered tags for a score.
func (d *Deriver) Derive(score float64, embedding []float32) (float64, []string) {
	return d.Percentile(score), d.Tags(score, embedding)
}

func (d *Deriver) Percentile(score float64) float64 {
	return clampPct(d.percentile(score))
}

// Tags returns the range tag first, then embedding-statistic tags, capped at maxTags.
func (d *Deriver) Tags(score float64, embedding []float32) []string {
	tags := make([]string, 0, d.maxTags)
	tags = append(tags, rangeTag(score))

	if len(embedding) > 0 {
		mean, std := stats(embedding)
		if mean >= 0 {
			tags = append(tags, tagWarm)
		} else {
			tags = append(tags, tagMystic)
		}
		if d.spread > 0 && std > d.spread {
			tags = append(tags, tagWicked)
		}
	}

	if len(tags) > d.maxTags {
		tags = tags[:d.maxTags]
	}
	return tags
}

func rangeTag(score float64) string {
	for _, r := range rangeTags {
		if score >= r.min {
			return r.tag
		}
	}
	return tagLowkey
}

// Normal ranks scores against N(mean, stddev).
func Normal(mean, stddev float64) PercentileFunc {
	return func(score float64) float64 {
		z := (score - mean) / stddev
		return 100 * 0.5 * (1 + math.Erf(z/math.Sqrt2))
	}
}

// Table interpolates linearly between anchors sorted by score. Scores outside
// the table take the nearest anchor's percentile.
func Table(anchors []config.PercentileAnchor) (PercentileFunc, error) {
	if len(anchors) < 2 {
		return nil, fmt.Errorf("percentile table needs at least two anchors")
	}
	pts := make([]config.PercentileAnchor, len(anchors))
	copy(pts, anchors)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Score < pts[j].Score })
	for i := 1; i < len(pts); i++ {
		if pts[i].Score == pts[i-1].Score {
			return nil, fmt.Errorf("duplicate anchor score %v", pts[i].Score)
		}
		if pts[i].Percentile < pts[i-1].Percentile {
			return nil, fmt.Errorf("percentile table is not monotonic at score %v", pts[i].Score)
		}
	}

	return func(score float64) float64 {
		if score <= pts[0].Score {
			return pts[0].Percentile
		}
		last := pts[len(pts)-1]
		if score >= last.Score {
			return last.Percentile
		}
		i := sort.Search(len(pts), func(i int) bool { return pts[i].Score >= score })
		lo, hi := pts[i-1], pts[i]
		frac := (score - lo.Score) / (hi.Score - lo.Score)
		return lo.Percentile + frac*(hi.Percentile-lo.Percentile)
	}, nil
}

func stats(v []float32) (mean, std float64) {
	for _, x := range v {
		mean += float64(x)
	}
	mean /= float64(len(v))
	for _, x := range v {
		d := float64(x) - mean
		std += d * d
	}
	return mean, math.Sqrt(std / float64(len(v)))
}

func clampPct(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
