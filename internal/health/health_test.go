package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/vision"
)

func TestSnapshotOKWhenEverythingReal(t *testing.T) {
	r := NewReporter(Sources{
		Models: func() []vision.StageStatus {
			return []vision.StageStatus{
				{Stage: vision.StageDetect, Backend: vision.BackendONNX},
				{Stage: vision.StageEmbed, Backend: vision.BackendONNX},
				{Stage: vision.StageScore, Backend: vision.BackendONNX},
			}
		},
		Queue: func() bool { return true },
		Depth: func(context.Context) (uint64, error) { return 7, nil },
		Jobs:  func() jobs.Counters { return jobs.Counters{Submitted: 3, Queued: 3} },
		Batch: func() (uint64, uint64) { return 4, 1 },
	})

	s := r.Snapshot(context.Background())
	if s.Status != StatusOK {
		t.Fatalf("status = %s", s.Status)
	}
	if !s.Queue.Available || s.Queue.Mode != "queued" || s.Queue.Depth == nil || *s.Queue.Depth != 7 {
		t.Fatalf("queue = %+v", s.Queue)
	}
	if s.Counters.Submitted != 3 || s.Counters.BatchItemsOK != 4 || s.Counters.BatchItemsFailed != 1 {
		t.Fatalf("counters = %+v", s.Counters)
	}
	if s.Runtime.Goroutines <= 0 {
		t.Fatalf("runtime = %+v", s.Runtime)
	}
}

func TestSnapshotDegraded(t *testing.T) {
	m := vision.SimulatedModels(config.Default().Vision)
	r := NewReporter(Sources{Models: m.Status, Queue: func() bool { return false }})
	s := r.Snapshot(context.Background())
	if s.Status != StatusDegraded || s.Queue.Mode != "direct" {
		t.Fatalf("snapshot = %+v", s)
	}
	if s.Queue.ReconnectPolicy != "none (degraded until restart)" {
		t.Fatalf("policy = %q", s.Queue.ReconnectPolicy)
	}
}

func TestSnapshotConcurrentReads(t *testing.T) {
	r := NewReporter(Sources{Queue: func() bool { return true }, Reconnect: time.Second})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Snapshot(context.Background())
		}()
	}
	wg.Wait()
}
