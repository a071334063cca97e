// Package health builds read-only status snapshots for operators.
package health

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/vision"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Sources are the components a snapshot reads from. Every field is optional.
type Sources struct {
	Models    func() []vision.StageStatus
	Queue     func() bool
	Jobs      func() jobs.Counters
	Batch     func() (ok, failed uint64)
	Depth     func(ctx context.Context) (uint64, error)
	Reconnect time.Duration
}

type QueueStatus struct {
	Available       bool    `json:"available"`
	Mode            string  `json:"mode"`
	ReconnectPolicy string  `json:"reconnect_policy"`
	Depth           *uint64 `json:"depth,omitempty"`
}

type Counters struct {
	jobs.Counters
	BatchItemsOK     uint64 `json:"batch_items_ok"`
	BatchItemsFailed uint64 `json:"batch_items_failed"`
}

type RuntimeStats struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

type Snapshot struct {
	Status    string               `json:"status"`
	Models    []vision.StageStatus `json:"models"`
	Queue     QueueStatus          `json:"queue"`
	StartedAt time.Time            `json:"started_at"`
	Uptime    string               `json:"uptime"`
	UptimeSec int64                `json:"uptime_seconds"`
	Counters  Counters             `json:"counters"`
	Runtime   RuntimeStats         `json:"runtime"`
}

// Reporter is safe for concurrent use; it never mutates its sources.
type Reporter struct {
	src     Sources
	started time.Time
	now     func() time.Time

	// ReadMemStats stops the world; cache it briefly.
	memMu   sync.Mutex
	memAt   time.Time
	memStat RuntimeStats
}

func NewReporter(src Sources) *Reporter {
	return &Reporter{src: src, started: time.Now(), now: time.Now}
}

func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	now := r.now()
	s := Snapshot{
		Status:    StatusOK,
		Models:    []vision.StageStatus{},
		StartedAt: r.started.UTC(),
		Uptime:    now.Sub(r.started).Truncate(time.Second).String(),
		UptimeSec: int64(now.Sub(r.started).Seconds()),
		Runtime:   r.runtimeStats(now),
	}

	if r.src.Models != nil {
		s.Models = r.src.Models()
	}
	for _, m := range s.Models {
		if m.Backend == vision.BackendSimulated {
			s.Status = StatusDegraded
		}
	}

	s.Queue = QueueStatus{Mode: string(jobs.ModeDirect), ReconnectPolicy: reconnectPolicy(r.src.Reconnect)}
	if r.src.Queue != nil && r.src.Queue() {
		s.Queue.Available = true
		s.Queue.Mode = string(jobs.ModeQueued)
		if r.src.Depth != nil {
			if d, err := r.src.Depth(ctx); err == nil {
				s.Queue.Depth = &d
			}
		}
	} else {
		s.Status = StatusDegraded
	}

	if r.src.Jobs != nil {
		s.Counters.Counters = r.src.Jobs()
	}
	if r.src.Batch != nil {
		s.Counters.BatchItemsOK, s.Counters.BatchItemsFailed = r.src.Batch()
	}
	return s
}

func (r *Reporter) runtimeStats(now time.Time) RuntimeStats {
	r.memMu.Lock()
	defer r.memMu.Unlock()
	if now.Sub(r.memAt) > time.Second {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		r.memStat.HeapAllocBytes = ms.HeapAlloc
		r.memStat.NumGC = ms.NumGC
		r.memAt = now
	}
	st := r.memStat
	st.Goroutines = runtime.NumGoroutine()
	return st
}

func reconnectPolicy(interval time.Duration) string {
	if interval <= 0 {
		return "none (degraded until restart)"
	}
	return "probe every " + interval.String()
}
