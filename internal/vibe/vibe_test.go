package vibe

import (
	"math"
	"reflect"
	"testing"

	"github.com/your-org/aurum-score/internal/config"
)

func normalDeriver(t *testing.T) *Deriver {
	t.Helper()
	d, err := New(config.VibeConfig{Policy: config.PolicyNormal, Mean: 50, StdDev: 15, MaxTags: 3, SpreadThreshold: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestNormalPercentileIsMonotonicAndBounded(t *testing.T) {
	d := normalDeriver(t)
	prev := -1.0
	for s := 0.0; s <= 100; s += 0.5 {
		p := d.Percentile(s)
		if p < 0 || p > 100 {
			t.Fatalf("percentile(%v) = %v out of range", s, p)
		}
		if p < prev {
			t.Fatalf("percentile decreased at %v: %v < %v", s, p, prev)
		}
		prev = p
	}
	if got := d.Percentile(50); math.Abs(got-50) > 1e-9 {
		t.Fatalf("percentile(mean) = %v, want 50", got)
	}
}

func TestTablePercentile(t *testing.T) {
	d, err := New(config.VibeConfig{
		Policy: config.PolicyTable,
		Table: []config.PercentileAnchor{
			{Score: 80, Percentile: 95},
			{Score: 0, Percentile: 0},
			{Score: 50, Percentile: 60},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := map[float64]float64{-5: 0, 25: 30, 50: 60, 65: 77.5, 100: 95}
	for score, want := range cases {
		if got := d.Percentile(score); math.Abs(got-want) > 1e-9 {
			t.Errorf("percentile(%v) = %v, want %v", score, got, want)
		}
	}
}

func TestTableRejectsNonMonotonic(t *testing.T) {
	_, err := Table([]config.PercentileAnchor{{Score: 0, Percentile: 50}, {Score: 10, Percentile: 40}})
	if err == nil {
		t.Fatal("expected error for decreasing table")
	}
}

func TestTags(t *testing.T) {
	d := normalDeriver(t)

	warm := []float32{0.1, 0.2, 0.1, 0.2}
	if got := d.Tags(90, warm); !reflect.DeepEqual(got, []string{"Royal", "Warm"}) {
		t.Errorf("tags(90, warm) = %v", got)
	}

	mystic := []float32{-0.1, -0.2, -0.1, -0.2}
	if got := d.Tags(10, mystic); !reflect.DeepEqual(got, []string{"Lowkey", "Mystic"}) {
		t.Errorf("tags(10, mystic) = %v", got)
	}

	spread := []float32{-1, 1, -1, 1.2}
	if got := d.Tags(60, spread); !reflect.DeepEqual(got, []string{"Magnetic", "Warm", "Wicked"}) {
		t.Errorf("tags(60, spread) = %v", got)
	}
}

func TestTagsRespectMax(t *testing.T) {
	d, err := New(config.VibeConfig{Policy: config.PolicyNormal, Mean: 50, StdDev: 15, MaxTags: 1, SpreadThreshold: 0.1})
	if err != nil {
		t.Fatal(err)
	}
	if got := d.Tags(72, []float32{-1, 1}); !reflect.DeepEqual(got, []string{"Radiant"}) {
		t.Fatalf("tags = %v", got)
	}
}
