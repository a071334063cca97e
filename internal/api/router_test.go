package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/your-org/aurum-score/internal/api/ws"
	"github.com/your-org/aurum-score/internal/batch"
	"github.com/your-org/aurum-score/internal/config"
	"github.com/your-org/aurum-score/internal/health"
	"github.com/your-org/aurum-score/internal/jobs"
	"github.com/your-org/aurum-score/internal/models"
	"github.com/your-org/aurum-score/internal/vibe"
	"github.com/your-org/aurum-score/internal/vision"
	"github.com/your-org/aurum-score/pkg/dto"
)

type fakeBroker struct {
	mu    sync.Mutex
	down  bool
	tasks []models.ScoringTask
}

func (b *fakeBroker) PublishJob(_ context.Context, task models.ScoringTask) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errors.New("nats: no servers available")
	}
	b.tasks = append(b.tasks, task)
	return nil
}

func (b *fakeBroker) PublishEvent(context.Context, models.JobEvent) error { return nil }

func (b *fakeBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errors.New("nats: no servers available")
	}
	return nil
}

type testServer struct {
	router http.Handler
	mgr    *jobs.Manager
	store  *jobs.MemoryStore
	broker *fakeBroker
	hub    *ws.Hub
}

// newTestServer wires the real engine on simulated models. A nil broker
// serves every submission in direct mode.
func newTestServer(t *testing.T, broker *fakeBroker, apiKey string) *testServer {
	t.Helper()
	cfg := config.Default()

	deriver, err := vibe.New(cfg.Vibe)
	if err != nil {
		t.Fatal(err)
	}
	stages := vision.SimulatedModels(cfg.Vision)
	engine := vision.NewEngine(
		vision.NewPreprocessor(cfg.Vision.InputSize, cfg.Vision.MaxPixels),
		stages, deriver, cfg.Vision.EmbeddingDim,
	)

	store := jobs.NewMemoryStore()
	opts := []jobs.Option{jobs.WithTimeout(5 * time.Second), jobs.WithMaxImageBytes(cfg.Server.MaxImageBytes)}
	if broker != nil {
		opts = append(opts, jobs.WithBroker(broker))
	}
	mgr := jobs.NewManager(engine, store, opts...)
	orch := batch.New(mgr, batch.WithMaxItems(3), batch.WithMaxImageBytes(cfg.Server.MaxImageBytes))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := ws.NewHub()
	go hub.Run(ctx)

	reporter := health.NewReporter(health.Sources{
		Models: stages.Status,
		Queue:  mgr.Available,
		Jobs:   mgr.Counters,
		Batch:  orch.ItemCounts,
	})

	router := NewRouter(RouterConfig{
		APIKey:        apiKey,
		MaxImageBytes: cfg.Server.MaxImageBytes,
		Manager:       mgr,
		Batch:         orch,
		Health:        reporter,
		Hub:           hub,
	})
	return &testServer{router: router, mgr: mgr, store: store, broker: broker, hub: hub}
}

func portrait(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 96, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 96; x++ {
			img.Set(x, y, color.RGBA{uint8(100 + x), uint8(80 + y/2), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartBody(t *testing.T, field string, files ...[]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for i, data := range files {
		fw, err := w.CreateFormFile(field, fmt.Sprintf("img%d.png", i))
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(data)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func (s *testServer) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, dto.Envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var env dto.Envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func (s *testServer) upload(t *testing.T, path, field string, files ...[]byte) (*httptest.ResponseRecorder, dto.Envelope) {
	body, ct := multipartBody(t, field, files...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	return s.do(t, req)
}

func decodeData(t *testing.T, env dto.Envelope, into any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestScoreDirectMode(t *testing.T) {
	s := newTestServer(t, nil, "")
	rec, env := s.upload(t, "/v1/score", "image", portrait(t))
	if rec.Code != http.StatusOK || env.Status != dto.StatusSuccess {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	var resp dto.SubmitResponse
	decodeData(t, env, &resp)
	if resp.Mode != "direct" || resp.JobID != "" || resp.Result == nil {
		t.Fatalf("resp = %+v", resp)
	}
	r := resp.Result
	if r.Score < 0 || r.Score > 100 || r.Percentile < 0 || r.Percentile > 100 {
		t.Fatalf("out of range: score=%v percentile=%v", r.Score, r.Percentile)
	}
	if !r.FaceDetected || len(r.Embedding) != 512 || len(r.Tags) == 0 || len(r.Tags) > 3 {
		t.Fatalf("result = %+v", r)
	}
}

func TestScoreQueuedLifecycle(t *testing.T) {
	s := newTestServer(t, &fakeBroker{}, "")
	rec, env := s.upload(t, "/v1/score", "image", portrait(t))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	var sub dto.SubmitResponse
	decodeData(t, env, &sub)
	if sub.Mode != "queued" || sub.JobID == "" || sub.Result != nil {
		t.Fatalf("submission = %+v", sub)
	}

	rec, env = s.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+sub.JobID, nil))
	var st dto.JobStatusResponse
	decodeData(t, env, &st)
	if rec.Code != http.StatusOK || st.State != "queued" {
		t.Fatalf("status code=%d state=%q", rec.Code, st.State)
	}

	rec, env = s.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+sub.JobID+"/result", nil))
	var pending dto.JobResultResponse
	decodeData(t, env, &pending)
	if rec.Code != http.StatusAccepted || pending.Completed || pending.State != "queued" {
		t.Fatalf("pending code=%d resp=%+v", rec.Code, pending)
	}

	if len(s.broker.tasks) != 1 {
		t.Fatalf("published %d tasks", len(s.broker.tasks))
	}
	if err := s.mgr.RunJob(context.Background(), s.broker.tasks[0]); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	var first, second []byte
	for i := 0; i < 2; i++ {
		rec, env = s.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+sub.JobID+"/result", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("result code=%d body=%s", rec.Code, rec.Body)
		}
		var done dto.JobResultResponse
		decodeData(t, env, &done)
		if !done.Completed || done.Result == nil {
			t.Fatalf("done = %+v", done)
		}
		b, _ := json.Marshal(done.Result)
		if i == 0 {
			first = b
		} else {
			second = b
		}
	}
	if !bytes.Equal(first, second) {
		t.Fatal("repeated result reads differ")
	}
}

func TestScoreFallsBackWhenBrokerDown(t *testing.T) {
	s := newTestServer(t, &fakeBroker{down: true}, "")
	rec, env := s.upload(t, "/v1/score", "image", portrait(t))
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	var resp dto.SubmitResponse
	decodeData(t, env, &resp)
	if resp.Mode != "direct" || resp.Result == nil {
		t.Fatalf("resp = %+v", resp)
	}
	if s.mgr.Available() {
		t.Fatal("availability should be cached as false after a publish failure")
	}
}

func TestJobErrors(t *testing.T) {
	s := newTestServer(t, &fakeBroker{}, "")

	rec, env := s.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/does-not-exist", nil))
	if rec.Code != http.StatusNotFound || env.Status != dto.StatusError || env.Error.Kind != "not_found" {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	if _, err := time.Parse(time.RFC3339, env.Timestamp); err != nil {
		t.Fatalf("timestamp %q: %v", env.Timestamp, err)
	}

	_, env = s.upload(t, "/v1/score", "image", portrait(t))
	var sub dto.SubmitResponse
	decodeData(t, env, &sub)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := s.store.MarkActive(ctx, sub.JobID, now); err != nil {
		t.Fatal(err)
	}
	je := &models.JobError{Kind: "processing_error", Message: "inference failed", Stage: "embed"}
	if err := s.store.Fail(ctx, sub.JobID, je, now); err != nil {
		t.Fatal(err)
	}

	rec, env = s.do(t, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+sub.JobID+"/result", nil))
	if rec.Code != http.StatusUnprocessableEntity || env.Error == nil || env.Error.Stage != "embed" {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatal("error envelope leaks a stack trace")
	}
}

func TestScoreValidation(t *testing.T) {
	s := newTestServer(t, nil, "")

	req := httptest.NewRequest(http.MethodPost, "/v1/score", strings.NewReader(""))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=x")
	rec, env := s.do(t, req)
	if rec.Code != http.StatusBadRequest || env.Error == nil || env.Error.Code != "missing_input" {
		t.Fatalf("missing field: code=%d body=%s", rec.Code, rec.Body)
	}

	rec, env = s.upload(t, "/v1/score", "image", []byte("definitely not an image"))
	if rec.Code != http.StatusBadRequest || env.Error.Kind != "validation_error" || env.Error.Code != "invalid_image" {
		t.Fatalf("corrupt: code=%d body=%s", rec.Code, rec.Body)
	}

	big := make([]byte, config.Default().Server.MaxImageBytes+10)
	rec, env = s.upload(t, "/v1/score", "image", big)
	if rec.Code != http.StatusRequestEntityTooLarge || env.Error.Code != "payload_too_large" {
		t.Fatalf("oversized: code=%d body=%s", rec.Code, rec.Body)
	}
}

func TestBatchIsolatesCorruptItem(t *testing.T) {
	s := newTestServer(t, nil, "")
	img := portrait(t)
	rec, env := s.upload(t, "/v1/score/batch", "images", img, []byte("corrupt"), img)
	if rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	var resp batch.Response
	decodeData(t, env, &resp)
	sum := resp.Summary
	if sum.TotalImages != 3 || sum.SuccessfulImages != 2 || sum.FailedImages != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if len(sum.Errors) != 1 || !strings.HasPrefix(sum.Errors[0], "item 1: ") {
		t.Fatalf("errors = %v", sum.Errors)
	}
	if !resp.Results[0].Success || resp.Results[1].Success || !resp.Results[2].Success {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestBatchTooLarge(t *testing.T) {
	s := newTestServer(t, nil, "")
	img := portrait(t)
	rec, env := s.upload(t, "/v1/score/batch", "images", img, img, img, img)
	if rec.Code != http.StatusBadRequest || env.Error.Code != "batch_too_large" {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	if c := s.mgr.Counters(); c.Direct != 0 {
		t.Fatalf("rejected batch scored %d images", c.Direct)
	}
}

func TestLegacyScore(t *testing.T) {
	s := newTestServer(t, nil, "")

	body, _ := json.Marshal(dto.LegacyScoreRequest{ImageBase64: base64.StdEncoding.EncodeToString(portrait(t))})
	req := httptest.NewRequest(http.MethodPost, "/v1/legacy/score", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp dto.LegacyScoreResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || !resp.Success || resp.Mode != "direct" {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	if len(resp.Tags) == 0 || resp.Vibe != resp.Tags[0] || !resp.FaceDetected {
		t.Fatalf("resp = %+v", resp)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/legacy/score", strings.NewReader(`{"image_base64":"not_base64!"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	resp = dto.LegacyScoreResponse{}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusBadRequest || resp.Success || resp.ErrorKind != "validation_error" {
		t.Fatalf("invalid base64: code=%d body=%s", rec.Code, rec.Body)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	s := newTestServer(t, nil, "secret")

	rec, _ := s.upload(t, "/v1/score", "image", portrait(t))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}

	body, ct := multipartBody(t, "image", portrait(t))
	req := httptest.NewRequest(http.MethodPost, "/v1/score", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("X-API-Key", "secret")
	if rec, _ := s.do(t, req); rec.Code != http.StatusOK {
		t.Fatalf("authorized code = %d", rec.Code)
	}

	if rec, _ := s.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz code = %d", rec.Code)
	}
}

func TestStatusReportsDegradedState(t *testing.T) {
	s := newTestServer(t, nil, "")
	_, _ = s.upload(t, "/v1/score", "image", portrait(t))

	rec, env := s.do(t, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK || env.Status != dto.StatusSuccess || env.Message != "service degraded" {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body)
	}
	var snap health.Snapshot
	decodeData(t, env, &snap)
	if snap.Status != health.StatusDegraded || snap.Queue.Mode != "direct" || len(snap.Models) != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Counters.Direct != 1 || snap.Counters.Completed != 1 {
		t.Fatalf("counters = %+v", snap.Counters)
	}
}

func TestWebSocketFiltersByJob(t *testing.T) {
	s := newTestServer(t, nil, "")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws?job_id=job-b"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	score := 64.0
	s.hub.BroadcastJobEvent(models.JobEvent{JobID: "job-a", State: models.JobCompleted, Score: &score})
	s.hub.BroadcastJobEvent(models.JobEvent{JobID: "job-b", State: models.JobFailed,
		Error: &models.JobError{Kind: "timeout_error", Message: "scoring exceeded 30s"}})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev dto.WSEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != "job_failed" || ev.Data.JobID != "job-b" {
		t.Fatalf("event = %+v", ev)
	}
}
