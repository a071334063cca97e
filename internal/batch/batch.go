// Package batch fans a multi-image request out to the scoring engine, one
// goroutine per image, and aggregates per-item outcomes.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/models"
	"github.com/your-org/aurum-score/internal/observability"
)

// Executor scores one image under the job timeout.
type Executor interface {
	Execute(ctx context.Context, image []byte) (*models.ScoringResult, error)
}

type Item struct {
	Name string
	Data []byte
}

type Request struct {
	Items   []Item
	Session string
}

// ItemResult keeps the submission index (0-based) of its item.
type ItemResult struct {
	Index     int                   `json:"index"`
	Name      string                `json:"name,omitempty"`
	Success   bool                  `json:"success"`
	Result    *models.ScoringResult `json:"result,omitempty"`
	Error     string                `json:"error,omitempty"`
	ErrorKind string                `json:"error_kind,omitempty"`
}

type Response struct {
	Results []ItemResult        `json:"results"`
	Summary models.BatchSummary `json:"summary"`
}

type Orchestrator struct {
	exec          Executor
	maxItems      int
	maxErrors     int
	maxImageBytes int64
	onItemDone    func(ItemResult)

	itemsOK     atomic.Uint64
	itemsFailed atomic.Uint64
}

type Option func(*Orchestrator)

func WithMaxItems(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxItems = n
		}
	}
}

func WithMaxErrors(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxErrors = n
		}
	}
}

func WithMaxImageBytes(n int64) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxImageBytes = n
		}
	}
}

// WithProgress is called once per finished item, from the item's goroutine.
func WithProgress(fn func(ItemResult)) Option {
	return func(o *Orchestrator) { o.onItemDone = fn }
}

func New(exec Executor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		exec:          exec,
		maxItems:      10,
		maxErrors:     5,
		maxImageBytes: 10 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) MaxItems() int { return o.maxItems }

// ItemCounts returns lifetime successful and failed item totals.
func (o *Orchestrator) ItemCounts() (ok, failed uint64) {
	return o.itemsOK.Load(), o.itemsFailed.Load()
}

// Validate checks the batch shape. It runs before any item is scored.
func (o *Orchestrator) Validate(req Request) error {
	if len(req.Items) == 0 {
		return apperr.ValidationField(apperr.CodeMissingInput, "images", "batch contains no images")
	}
	if len(req.Items) > o.maxItems {
		return &apperr.Error{
			Kind:    apperr.KindValidation,
			Code:    apperr.CodeBatchTooLarge,
			Field:   "images",
			Message: fmt.Sprintf("batch of %d images exceeds maximum of %d", len(req.Items), o.maxItems),
		}
	}
	for i, it := range req.Items {
		if int64(len(it.Data)) > o.maxImageBytes {
			e := apperr.PayloadTooLarge(int64(len(it.Data)), o.maxImageBytes)
			e.Field = fmt.Sprintf("images[%d]", i)
			return e
		}
	}
	return nil
}

// Run scores every item concurrently. Item failures are recorded per item;
// only a malformed batch fails the whole call.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Response, error) {
	if err := o.Validate(req); err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]ItemResult, len(req.Items))

	var wg sync.WaitGroup
	for i, it := range req.Items {
		wg.Add(1)
		go func(i int, it Item) {
			defer wg.Done()
			results[i] = o.runItem(ctx, i, it)
			if o.onItemDone != nil {
				o.onItemDone(results[i])
			}
		}(i, it)
	}
	wg.Wait()

	resp := &Response{Results: results, Summary: o.summarize(results, time.Since(start))}
	slog.Info("batch processed",
		"session", req.Session,
		"total", resp.Summary.TotalImages,
		"ok", resp.Summary.SuccessfulImages,
		"failed", resp.Summary.FailedImages,
		"ms", resp.Summary.TotalProcessingMS,
	)
	return resp, nil
}

func (o *Orchestrator) runItem(ctx context.Context, i int, it Item) (out ItemResult) {
	out = ItemResult{Index: i, Name: it.Name}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("batch item panicked", "index", i, "panic", r)
			out.Success = false
			out.Result = nil
			out.Error = "internal error"
			out.ErrorKind = string(apperr.KindInternal)
		}
		outcome := "ok"
		if out.Success {
			o.itemsOK.Add(1)
		} else {
			outcome = "failed"
			o.itemsFailed.Add(1)
		}
		observability.BatchItems.WithLabelValues(outcome).Inc()
	}()

	if len(it.Data) == 0 {
		err := apperr.ValidationField(apperr.CodeMissingInput, "image", "empty image data")
		out.Error = apperr.PublicMessage(err)
		out.ErrorKind = string(apperr.KindValidation)
		return out
	}

	res, err := o.exec.Execute(ctx, it.Data)
	if err != nil {
		out.Error = apperr.PublicMessage(err)
		out.ErrorKind = string(apperr.KindOf(err))
		if !apperr.Is(err, apperr.KindValidation) && !errors.Is(err, context.Canceled) {
			slog.Warn("batch item failed", "index", i, "error", err)
		}
		return out
	}
	out.Success = true
	out.Result = res
	return out
}

func (o *Orchestrator) summarize(results []ItemResult, elapsed time.Duration) models.BatchSummary {
	s := models.BatchSummary{
		TotalImages:       len(results),
		TotalProcessingMS: elapsed.Milliseconds(),
		Errors:            []string{},
	}
	var itemMS int64
	for _, r := range results {
		if r.Success {
			s.SuccessfulImages++
			itemMS += r.Result.ProcessingTimeMS
			continue
		}
		s.FailedImages++
		if len(s.Errors) < o.maxErrors {
			s.Errors = append(s.Errors, fmt.Sprintf("item %d: %s", r.Index, r.Error))
		}
	}
	if s.SuccessfulImages > 0 {
		s.AverageProcessingMS = float64(itemMS) / float64(s.SuccessfulImages)
	}
	return s
}
