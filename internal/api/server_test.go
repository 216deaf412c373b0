package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dunamismax/diptych/internal/batch"
	"github.com/dunamismax/diptych/internal/domain"
	"github.com/dunamismax/diptych/internal/pipeline"
	"github.com/dunamismax/diptych/internal/queue"
	"github.com/dunamismax/diptych/internal/ratelimit"
	"github.com/dunamismax/diptych/internal/store"
	"github.com/hibiken/asynq"
)

type renderFunc func(ctx context.Context, job domain.DiptychJob, dpi int) (pipeline.Rendered, error)

func (f renderFunc) Render(ctx context.Context, job domain.DiptychJob, dpi int) (pipeline.Rendered, error) {
	return f(ctx, job, dpi)
}

var fakeJPEG = []byte{0xFF, 0xD8, 0xFF, 0xD9}

func okRenderer() renderFunc {
	return func(_ context.Context, _ domain.DiptychJob, dpi int) (pipeline.Rendered, error) {
		return pipeline.Rendered{Data: fakeJPEG, DPI: dpi}, nil
	}
}

type captureQueue struct {
	payloads []queue.GenerateBatchPayload
	err      error
}

func (q *captureQueue) EnqueueGenerateBatch(_ context.Context, payload queue.GenerateBatchPayload) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.payloads = append(q.payloads, payload)
	return &asynq.TaskInfo{ID: payload.BatchID, Queue: "diptych", State: asynq.TaskStatePending}, nil
}

type spend struct {
	user     string
	diptychs int
}

// fakeBudget mirrors ratelimit.RenderBudget without redis. Denials refill in
// 1.5s, which the handler rounds up to Retry-After: 2.
type fakeBudget struct {
	capacity int
	balance  int
	spends   []spend
}

func (b *fakeBudget) Spend(_ context.Context, user string, diptychs int) (ratelimit.Decision, error) {
	b.spends = append(b.spends, spend{user: user, diptychs: diptychs})
	if diptychs > b.capacity {
		return ratelimit.Decision{Cost: diptychs}, ratelimit.ErrExceedsBudget
	}
	if diptychs > b.balance {
		return ratelimit.Decision{Cost: diptychs, Remaining: int64(b.balance), RetryAfter: 1500 * time.Millisecond}, nil
	}
	b.balance -= diptychs
	return ratelimit.Decision{Allowed: true, Cost: diptychs, Remaining: int64(b.balance)}, nil
}

type testEnv struct {
	server   *Server
	handler  http.Handler
	orch     *batch.Orchestrator
	previews *batch.Previews
	records  *store.MemoryBatchStore
}

func newTestEnv(t *testing.T, renderer batch.Renderer, opts Options) testEnv {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	metrics := batch.NewMetrics()
	records := store.NewMemoryBatchStore()
	orch, err := batch.NewOrchestrator(logger, batch.Config{OutputRoot: t.TempDir(), Workers: 2}, renderer, nil, records, metrics)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(orch.Drain)
	previews := batch.NewPreviews(logger, renderer, batch.DefaultPreviewMaxDPI, 1, metrics)

	opts.Batches = orch
	opts.Previews = previews
	if opts.Queue != nil {
		opts.Records = records
	}
	opts.Gatherers = append(opts.Gatherers, metrics.Gatherer())
	s, err := NewServer(logger, opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return testEnv{server: s, handler: s.Handler(), orch: orch, previews: previews, records: records}
}

func (e testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, "", method, path, body)
}

func (e testEnv) doAs(t *testing.T, user, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

const twoJobBatch = `{
  "jobs": [
    {"image1": {"path": "a.jpg"}, "image2": {"path": "b.jpg"}, "config": {"width": 2, "height": 1, "dpi": 40}},
    {"image1": {"path": "c.jpg"}, "config": {"width": 2, "height": 1, "dpi": 40}}
  ],
  "zip": true
}`

func TestHealthzAndPresets(t *testing.T) {
	env := newTestEnv(t, okRenderer(), Options{})

	if rec := env.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/presets", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("presets: expected 200, got %d", rec.Code)
	}
	presets, _ := decodeBody(t, rec)["presets"].([]any)
	if len(presets) == 0 {
		t.Fatal("expected at least one preset")
	}
}

func TestGeometry(t *testing.T) {
	env := newTestEnv(t, okRenderer(), Options{})

	rec := env.do(t, http.MethodPost, "/v1/geometry", `{"config": {"gap": 20, "outer_border": 10}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	geometry := decodeBody(t, rec)["geometry"].(map[string]any)
	final := geometry["final"].(map[string]any)
	if final["width"] != float64(3000) || final["height"] != float64(2400) {
		t.Fatalf("unexpected final size %v", final)
	}
	processing := geometry["processing"].(map[string]any)
	if processing["width"] != float64(2960) || processing["height"] != float64(2380) {
		t.Fatalf("unexpected processing size %v", processing)
	}
	if geometry["split"] != "horizontal" {
		t.Fatalf("expected horizontal split, got %v", geometry["split"])
	}

	rec = env.do(t, http.MethodPost, "/v1/geometry", `{"preset": "6x4", "dpi": 100, "config": {"orientation": "portrait"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	final = decodeBody(t, rec)["geometry"].(map[string]any)["final"].(map[string]any)
	if final["width"] != float64(400) || final["height"] != float64(600) {
		t.Fatalf("unexpected portrait preset size %v", final)
	}

	rec = env.do(t, http.MethodPost, "/v1/geometry", `{"config": {"width": 1, "height": 1, "dpi": 10, "outer_border": 5}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for degenerate border, got %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/v1/geometry", `{"preset": "nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown preset, got %d", rec.Code)
	}
}

func TestBatchLifecycle(t *testing.T) {
	env := newTestEnv(t, okRenderer(), Options{})

	rec := env.do(t, http.MethodPost, "/v1/batches", twoJobBatch)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	batchID := decodeBody(t, rec)["batch_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := env.orch.Wait(ctx, batchID); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rec = env.do(t, http.MethodGet, "/v1/batches/"+batchID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap batch.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != domain.BatchStatusComplete || snap.Processed != 2 || len(snap.FinalPaths) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rec = env.do(t, http.MethodPost, "/v1/batches/"+batchID+"/finalize", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	var out batch.Finalized
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode finalized: %v", err)
	}
	if !strings.HasSuffix(out.Archive, batch.ArchiveName) || len(out.Paths) != 2 {
		t.Fatalf("unexpected finalize result %+v", out)
	}
}

func TestBatchErrors(t *testing.T) {
	failing := renderFunc(func(context.Context, domain.DiptychJob, int) (pipeline.Rendered, error) {
		return pipeline.Rendered{}, pipeline.ErrDecode
	})
	env := newTestEnv(t, failing, Options{})

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown field", http.MethodPost, "/v1/batches", `{"jobz": []}`, http.StatusBadRequest},
		{"no jobs", http.MethodPost, "/v1/batches", `{"jobs": []}`, http.StatusBadRequest},
		{"no images", http.MethodPost, "/v1/batches", `{"jobs": [{"config": {}}]}`, http.StatusBadRequest},
		{"bad geometry", http.MethodPost, "/v1/batches", `{"jobs": [{"image1": {"path": "a.jpg"}, "config": {"dpi": -1}}]}`, http.StatusBadRequest},
		{"missing batch", http.MethodGet, "/v1/batches/missing", "", http.StatusNotFound},
		{"finalize missing", http.MethodPost, "/v1/batches/missing/finalize", "", http.StatusNotFound},
		{"unknown batch", http.MethodGet, "/v1/batches/6f1c2c1e-0d7a-4c55-9a43-3f0a3e2b9c11", "", http.StatusNotFound},
		{"enqueue without queue", http.MethodPost, "/v1/batches:enqueue", twoJobBatch, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d body=%s", tc.want, rec.Code, rec.Body.String())
			}
		})
	}

	rec := env.do(t, http.MethodPost, "/v1/batches", twoJobBatch)
	batchID := decodeBody(t, rec)["batch_id"].(string)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := env.orch.Wait(ctx, batchID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/v1/batches/"+batchID+"/finalize", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 when nothing rendered, got %d", rec.Code)
	}
}

func TestEnqueueBatch(t *testing.T) {
	q := &captureQueue{}
	env := newTestEnv(t, okRenderer(), Options{Queue: q})

	rec := env.do(t, http.MethodPost, "/v1/batches:enqueue", twoJobBatch)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	batchID := body["batch_id"].(string)
	if len(q.payloads) != 1 || q.payloads[0].BatchID != batchID {
		t.Fatalf("expected one payload for %s, got %+v", batchID, q.payloads)
	}
	if len(q.payloads[0].Request.Jobs) != 2 || !q.payloads[0].Request.Zip {
		t.Fatalf("unexpected enqueued request %+v", q.payloads[0].Request)
	}

	rec = env.do(t, http.MethodGet, "/v1/batches/"+batchID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from record store, got %d", rec.Code)
	}
	if state := decodeBody(t, rec)["state"]; state != domain.BatchStatusIdle {
		t.Fatalf("expected idle, got %v", state)
	}

	rec = env.do(t, http.MethodPost, "/v1/batches/"+batchID+"/finalize", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a queued batch, got %d", rec.Code)
	}
}

func TestEnqueueFailureMarksRecordFailed(t *testing.T) {
	q := &captureQueue{err: errors.New("redis down")}
	env := newTestEnv(t, okRenderer(), Options{Queue: q})

	rec := env.do(t, http.MethodPost, "/v1/batches:enqueue", twoJobBatch)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestPreviewLifecycle(t *testing.T) {
	release := make(chan struct{})
	gated := renderFunc(func(ctx context.Context, job domain.DiptychJob, dpi int) (pipeline.Rendered, error) {
		<-release
		if job.Image1.Path == "broken.jpg" {
			return pipeline.Rendered{}, pipeline.ErrDecode
		}
		return pipeline.Rendered{Data: fakeJPEG, DPI: dpi}, nil
	})
	env := newTestEnv(t, gated, Options{})

	rec := env.do(t, http.MethodPost, "/v1/previews", `{"diptych": {"image1": {"path": "a.jpg"}, "config": {"dpi": 300}}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	previewID := decodeBody(t, rec)["preview_id"].(string)

	rec = env.do(t, http.MethodGet, "/v1/previews/"+previewID+"/image", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while pending, got %d", rec.Code)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := env.previews.Wait(ctx, previewID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.DPI != batch.DefaultPreviewMaxDPI {
		t.Fatalf("expected preview dpi %d, got %d", batch.DefaultPreviewMaxDPI, job.DPI)
	}

	rec = env.do(t, http.MethodGet, "/v1/previews/"+previewID, "")
	if status := decodeBody(t, rec)["status"]; status != domain.PreviewStatusDone {
		t.Fatalf("expected done, got %v", status)
	}
	rec = env.do(t, http.MethodGet, "/v1/previews/"+previewID+"/image", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("expected image/jpeg, got %s", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), fakeJPEG) {
		t.Fatal("unexpected preview bytes")
	}

	rec = env.do(t, http.MethodPost, "/v1/previews", `{"diptych": {"image1": {"path": "broken.jpg"}}}`)
	brokenID := decodeBody(t, rec)["preview_id"].(string)
	if _, err := env.previews.Wait(ctx, brokenID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/v1/previews/"+brokenID+"/image", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for failed preview, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/v1/previews/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/previews", `{"diptych": {"config": {}}}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without images, got %d", rec.Code)
	}
}

func TestRenderBudgetChargesPerDiptych(t *testing.T) {
	budget := &fakeBudget{capacity: 3, balance: 3}
	q := &captureQueue{}
	env := newTestEnv(t, okRenderer(), Options{RateLimiter: budget, Queue: q})

	rec := env.doAs(t, "alice", http.MethodPost, "/v1/batches", twoJobBatch)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "1" {
		t.Fatalf("expected 1 diptych left, got %q", got)
	}
	env.orch.Drain()

	rec = env.doAs(t, "alice", http.MethodPost, "/v1/previews", `{"diptych": {"image1": {"path": "a.jpg"}, "config": {"dpi": 300}}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected preview to fit the last diptych, got %d", rec.Code)
	}

	rec = env.doAs(t, "alice", http.MethodPost, "/v1/batches:enqueue", twoJobBatch)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After=2, got %q", got)
	}
	if len(q.payloads) != 0 {
		t.Fatal("a refused batch must not be enqueued")
	}

	fourJobs := `{"jobs": [{"image1": {"path": "a"}}, {"image1": {"path": "b"}}, {"image1": {"path": "c"}}, {"image1": {"path": "d"}}]}`
	if rec := env.doAs(t, "alice", http.MethodPost, "/v1/batches", fourJobs); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for a batch larger than the budget, got %d", rec.Code)
	}

	// Neither reads nor rejected bodies are charged.
	if rec := env.do(t, http.MethodGet, "/v1/presets", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected presets to bypass the budget, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/geometry", `{}`); rec.Code != http.StatusOK {
		t.Fatalf("expected geometry to bypass the budget, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/batches", `{"jobs": []}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an empty batch, got %d", rec.Code)
	}

	want := []spend{{"alice", 2}, {"alice", 1}, {"alice", 2}, {"alice", 4}}
	if len(budget.spends) != len(want) {
		t.Fatalf("expected spends %+v, got %+v", want, budget.spends)
	}
	for i := range want {
		if budget.spends[i] != want[i] {
			t.Fatalf("spend %d: expected %+v, got %+v", i, want[i], budget.spends[i])
		}
	}
}

func TestMetricsIncludesBatchCollectors(t *testing.T) {
	env := newTestEnv(t, okRenderer(), Options{})
	env.do(t, http.MethodGet, "/healthz", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"diptych_api_requests_total", "diptych_batches_active"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in metrics output", name)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/v1/batches":              "/v1/batches",
		"/v1/batches:enqueue":      "/v1/batches:enqueue",
		"/v1/batches/abc":          "/v1/batches/{id}",
		"/v1/batches/abc/finalize": "/v1/batches/{id}/finalize",
		"/v1/previews/abc/image":   "/v1/previews/{id}/image",
		"/v1/previews/abc":         "/v1/previews/{id}",
		"/nope":                    "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%s) = %s, want %s", path, got, want)
		}
	}
}
