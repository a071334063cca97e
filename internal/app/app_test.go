package app

import (
	"context"
	"testing"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/jobs"
)

func TestBuildEngineFallsBackWithoutModels(t *testing.T) {
	cfg := config.Default()
	cfg.Vision.ForceSimulated = true

	engine, m, err := BuildEngine(cfg)
	if err != nil {
		t.Fatalf("BuildEngine: %v", err)
	}
	defer m.Close()
	if engine == nil || len(m.Simulated()) != 3 {
		t.Fatalf("simulated stages = %v", m.Simulated())
	}
}

func TestOpenStoreDefaultsToMemory(t *testing.T) {
	cfg := config.Default()
	s, closeFn, err := OpenStore(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := s.(*jobs.MemoryStore); !ok {
		t.Fatalf("store = %T", s)
	}
}

func TestOpenBlobStoreDisabled(t *testing.T) {
	s, err := OpenBlobStore(context.Background(), config.Default())
	if err != nil || s != nil {
		t.Fatalf("OpenBlobStore = %v, %v", s, err)
	}
}

func TestBuildEngineRejectsBadVibeTable(t *testing.T) {
	cfg := config.Default()
	cfg.Vision.ForceSimulated = true
	cfg.Vibe.Policy = config.PolicyTable
	cfg.Vibe.Table = []config.PercentileAnchor{{Score: 10, Percentile: 50}, {Score: 10, Percentile: 60}}
	if _, _, err := BuildEngine(cfg); err == nil {
		t.Fatal("expected duplicate anchors to be rejected")
	}
}
