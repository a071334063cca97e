package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/models"
)

type fakeExec struct {
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeExec) Execute(ctx context.Context, image []byte) (*models.ScoringResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	switch string(image) {
	case "corrupt":
		return nil, apperr.Validation(apperr.CodeInvalidImage, "unsupported or corrupt image")
	case "panic":
		panic("model blew up")
	}
	return &models.ScoringResult{Score: 60, FaceDetected: true, ProcessingTimeMS: 10}, nil
}

func items(data ...string) []Item {
	out := make([]Item, len(data))
	for i, d := range data {
		out[i] = Item{Name: fmt.Sprintf("img%d.png", i), Data: []byte(d)}
	}
	return out
}

func TestRunIsolatesCorruptItem(t *testing.T) {
	o := New(&fakeExec{})
	resp, err := o.Run(context.Background(), Request{Items: items("a", "corrupt", "c")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	s := resp.Summary
	if s.TotalImages != 3 || s.SuccessfulImages != 2 || s.FailedImages != 1 {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.Errors) != 1 || !strings.HasPrefix(s.Errors[0], "item 1: ") {
		t.Fatalf("errors = %v", s.Errors)
	}
	if resp.Results[1].Success || resp.Results[1].ErrorKind != string(apperr.KindValidation) {
		t.Fatalf("item 1 = %+v", resp.Results[1])
	}
	if s.AverageProcessingMS != 10 {
		t.Fatalf("average = %v", s.AverageProcessingMS)
	}
}

func TestRunKeepsSubmissionOrder(t *testing.T) {
	o := New(&fakeExec{}, WithMaxItems(8))
	resp, err := o.Run(context.Background(), Request{Items: items("a", "b", "c", "d", "e", "f")})
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range resp.Results {
		if r.Index != i || r.Name != fmt.Sprintf("img%d.png", i) {
			t.Fatalf("results[%d] = %+v", i, r)
		}
	}
}

func TestRunRejectsOversizedBatchWithoutSideEffects(t *testing.T) {
	exec := &fakeExec{}
	o := New(exec, WithMaxItems(2))
	_, err := o.Run(context.Background(), Request{Items: items("a", "b", "c")})
	e, ok := apperr.As(err)
	if !ok || e.Code != apperr.CodeBatchTooLarge {
		t.Fatalf("err = %v", err)
	}
	if exec.calls.Load() != 0 {
		t.Fatalf("engine called %d times for a rejected batch", exec.calls.Load())
	}
}

func TestRunRejectsEmptyAndOversizedItems(t *testing.T) {
	o := New(&fakeExec{}, WithMaxImageBytes(3))
	if _, err := o.Run(context.Background(), Request{}); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("empty batch: %v", err)
	}
	_, err := o.Run(context.Background(), Request{Items: items("ok", "toolong")})
	if e, ok := apperr.As(err); !ok || e.Code != apperr.CodePayloadTooLarge || e.Field != "images[1]" {
		t.Fatalf("oversized item: %v", err)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	resp, err := New(&fakeExec{}).Run(context.Background(), Request{Items: items("a", "panic")})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Summary.FailedImages != 1 || resp.Results[1].ErrorKind != string(apperr.KindInternal) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestSummaryInvariantAndErrorTruncation(t *testing.T) {
	data := make([]string, 9)
	for i := range data {
		if i%3 == 0 {
			data[i] = "ok"
		} else {
			data[i] = "corrupt"
		}
	}
	o := New(&fakeExec{}, WithMaxErrors(5))
	resp, err := o.Run(context.Background(), Request{Items: items(data...)})
	if err != nil {
		t.Fatal(err)
	}
	s := resp.Summary
	if s.SuccessfulImages+s.FailedImages != s.TotalImages {
		t.Fatalf("invariant broken: %+v", s)
	}
	if s.FailedImages != 6 || len(s.Errors) != 5 {
		t.Fatalf("failed=%d errors=%d", s.FailedImages, len(s.Errors))
	}
}

func TestItemsRunConcurrently(t *testing.T) {
	exec := &fakeExec{delay: 50 * time.Millisecond}
	var mu sync.Mutex
	var done []int
	o := New(exec, WithProgress(func(r ItemResult) {
		mu.Lock()
		done = append(done, r.Index)
		mu.Unlock()
	}))

	start := time.Now()
	if _, err := o.Run(context.Background(), Request{Items: items("a", "b", "c", "d", "e")}); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("batch took %v, items are not running concurrently", elapsed)
	}
	if len(done) != 5 {
		t.Fatalf("progress called %d times", len(done))
	}
}
