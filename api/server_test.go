package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/flowexec/runtime/distributed"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/state"
	"github.com/PipeOpsHQ/flowexec/state/memory"
	"github.com/PipeOpsHQ/flowexec/stream"
	"github.com/PipeOpsHQ/flowexec/types"
)

type fakeCoordinator struct {
	mu        sync.Mutex
	submitted []distributed.SubmitRequest
	// onSubmit runs after a streaming submit, standing in for the worker.
	onSubmit func(req distributed.SubmitRequest)
	result   queue.Result
	err      error
	abortErr error
	counts   queue.Counts
	purged   bool
}

func (f *fakeCoordinator) Start(context.Context) error { return nil }
func (f *fakeCoordinator) Stop(context.Context) error  { return nil }

func (f *fakeCoordinator) Submit(_ context.Context, req distributed.SubmitRequest) (distributed.SubmitResult, error) {
	if strings.TrimSpace(req.Question) == "" {
		return distributed.SubmitResult{}, fmt.Errorf("%w: question is required", queue.ErrInvalidJob)
	}
	if req.JobID == "" {
		req.JobID = "job-1"
	}
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	if f.onSubmit != nil {
		go f.onSubmit(req)
	}
	return distributed.SubmitResult{JobID: req.JobID, ChatID: req.ChatID}, nil
}

func (f *fakeCoordinator) SubmitAndWait(ctx context.Context, req distributed.SubmitRequest) (queue.Result, error) {
	if _, err := f.Submit(ctx, req); err != nil {
		return queue.Result{}, err
	}
	return f.AwaitResult(ctx, "job-1")
}

func (f *fakeCoordinator) AwaitResult(context.Context, string) (queue.Result, error) {
	if f.err != nil {
		return f.result, f.err
	}
	if f.result.Failed() {
		return f.result, fmt.Errorf("%w: %s", distributed.ErrJobFailed, f.result.Error)
	}
	return f.result, nil
}

func (f *fakeCoordinator) Abort(_ context.Context, flowID, chatID string) error {
	if flowID == "" || chatID == "" {
		return queue.ErrInvalidJob
	}
	return f.abortErr
}

func (f *fakeCoordinator) Counts(context.Context) (queue.Counts, error) { return f.counts, nil }

func (f *fakeCoordinator) ListJobs(context.Context, int) ([]queue.JobInfo, error) { return nil, nil }

func (f *fakeCoordinator) ListFailed(_ context.Context, limit int) ([]queue.FailedJob, error) {
	return []queue.FailedJob{{StreamID: "1-0", Job: queue.Job{ID: "j1"}, Reason: fmt.Sprintf("limit=%d", limit)}}, nil
}

func (f *fakeCoordinator) ListEvents(context.Context, int) ([]queue.LifecycleEvent, error) {
	return []queue.LifecycleEvent{{ID: "1-0", JobID: "j1", Status: queue.StatusCompleted}}, nil
}

func (f *fakeCoordinator) Purge(context.Context) error {
	f.purged = true
	return nil
}

func (f *fakeCoordinator) lastSubmitted() distributed.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitted[len(f.submitted)-1]
}

type staticFlows []string

func (s staticFlows) Flows() []string { return s }

type recordingHTTPMetrics struct {
	mu     sync.Mutex
	routes []string
}

func (r *recordingHTTPMetrics) RecordHTTPRequest(method, route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, fmt.Sprintf("%s %s %d", method, route, status))
}

func newTestServer(t *testing.T, coord *fakeCoordinator, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Coordinator: coord,
		Saver:       memory.New(),
		Flows:       staticFlows{"support", "triage"},
		WaitTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServerRequiresCoordinator(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}

func TestHealthAndFlows(t *testing.T) {
	s := newTestServer(t, &fakeCoordinator{})

	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"support", "triage"}, decodeBody(t, rec)["flows"])
}

func TestPredictionSynchronous(t *testing.T) {
	coord := &fakeCoordinator{result: queue.Result{
		JobID:         "job-1",
		ChatID:        "chat-1",
		ChatMessageID: "m-1",
		Question:      "hello",
		Text:          "hi there",
		MemoryType:    "sqlite",
		CheckpointID:  "cp-1",
	}}
	s := newTestServer(t, coord)

	rec := do(t, s, http.MethodPost, "/api/v1/prediction/support", `{"question":"hello","chatId":"chat-1","history":"last"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "hi there", body["text"])
	assert.Equal(t, "chat-1", body["chatId"])
	assert.Equal(t, "sqlite", body["memoryType"])
	assert.Equal(t, "cp-1", body["checkpointId"])

	req := coord.lastSubmitted()
	assert.Equal(t, "support", req.FlowID)
	assert.Equal(t, types.HistoryLast, req.History)
	assert.False(t, req.Streaming)
}

func TestPredictionErrors(t *testing.T) {
	tests := []struct {
		name   string
		flow   string
		body   string
		coord  *fakeCoordinator
		status int
	}{
		{name: "unknown flow", flow: "nope", body: `{"question":"q"}`, coord: &fakeCoordinator{}, status: http.StatusNotFound},
		{name: "bad json", flow: "support", body: `{"question":`, coord: &fakeCoordinator{}, status: http.StatusBadRequest},
		{name: "missing question", flow: "support", body: `{"chatId":"c"}`, coord: &fakeCoordinator{}, status: http.StatusBadRequest},
		{name: "bad history", flow: "support", body: `{"question":"q","history":"everything"}`, coord: &fakeCoordinator{}, status: http.StatusBadRequest},
		{name: "timeout", flow: "support", body: `{"question":"q"}`, coord: &fakeCoordinator{err: queue.ErrResultTimeout}, status: http.StatusGatewayTimeout},
		{name: "job failed", flow: "support", body: `{"question":"q"}`, coord: &fakeCoordinator{result: queue.Result{JobID: "job-1", Error: "tool exploded"}}, status: http.StatusInternalServerError},
		{name: "queue down", flow: "support", body: `{"question":"q"}`, coord: &fakeCoordinator{err: errors.New("connection refused")}, status: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.coord)
			rec := do(t, s, http.MethodPost, "/api/v1/prediction/"+tt.flow, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody(t, rec)["error"])
		})
	}
}

func TestPredictionWildcardFlow(t *testing.T) {
	coord := &fakeCoordinator{result: queue.Result{Text: "ok"}}
	s := newTestServer(t, coord, func(c *Config) { c.Flows = staticFlows{"*"} })

	rec := do(t, s, http.MethodPost, "/api/v1/prediction/anything", `{"question":"q"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func parseSSE(body string) []stream.Kind {
	var kinds []stream.Kind
	for _, line := range strings.Split(body, "\n") {
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, stream.Kind(kind))
		}
	}
	return kinds
}

func TestPredictionStreaming(t *testing.T) {
	hub := stream.NewHub(nil, 0, nil)
	bus := stream.NewLocalBus(hub, nil, nil)
	coord := &fakeCoordinator{result: queue.Result{Text: "hello world"}}
	coord.onSubmit = func(req distributed.SubmitRequest) {
		e := stream.NewEmitter(bus, req.ChatID)
		ctx := context.Background()
		e.Start(ctx)
		e.Token(ctx, "hello ")
		e.Token(ctx, "world")
		e.End(ctx)
	}
	s := newTestServer(t, coord, func(c *Config) {
		c.Hub = hub
		c.Subscriber = bus
	})

	rec := do(t, s, http.MethodPost, "/api/v1/prediction/support", `{"question":"hi","chatId":"chat-9","streaming":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []stream.Kind{stream.KindStart, stream.KindToken, stream.KindToken, stream.KindEnd}, parseSSE(rec.Body.String()))
	assert.Contains(t, rec.Body.String(), `"data":"world"`)

	assert.Zero(t, hub.Clients("chat-9"))
	assert.True(t, coord.lastSubmitted().Streaming)
}

func TestPredictionStreamingFallsBackToResult(t *testing.T) {
	hub := stream.NewHub(nil, 0, nil)
	bus := stream.NewLocalBus(hub, nil, nil)
	// The worker's events never reach this process; only the result does.
	coord := &fakeCoordinator{result: queue.Result{Error: "flow exploded"}}
	s := newTestServer(t, coord, func(c *Config) {
		c.Hub = hub
		c.Subscriber = bus
	})

	rec := do(t, s, http.MethodPost, "/api/v1/prediction/support", `{"question":"hi","streaming":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []stream.Kind{stream.KindError}, parseSSE(rec.Body.String()))
	assert.Contains(t, rec.Body.String(), "flow exploded")
	assert.NotEmpty(t, coord.lastSubmitted().ChatID)
}

func TestPredictionStreamingWithoutHubIsSynchronous(t *testing.T) {
	coord := &fakeCoordinator{result: queue.Result{Text: "sync"}}
	s := newTestServer(t, coord)

	rec := do(t, s, http.MethodPost, "/api/v1/prediction/support", `{"question":"hi","streaming":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sync", decodeBody(t, rec)["text"])
	assert.False(t, coord.lastSubmitted().Streaming)
}

func TestAbort(t *testing.T) {
	coord := &fakeCoordinator{}
	s := newTestServer(t, coord)

	rec := do(t, s, http.MethodPost, "/api/v1/abort/support/chat-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aborted", decodeBody(t, rec)["status"])

	coord.abortErr = fmt.Errorf("no running job: %w", queue.ErrJobNotFound)
	rec = do(t, s, http.MethodPost, "/api/v1/abort/support/chat-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func seedThread(t *testing.T, saver state.Saver, threadID string, steps int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	parent := ""
	for i := range steps {
		id := state.NewCheckpointID()
		cp := state.EmptyCheckpoint(id)
		cp.ParentID = parent
		cp.ChannelValues.Messages = []types.Message{
			{Kind: types.KindHuman, Content: fmt.Sprintf("q%d", i)},
			{Kind: types.KindAI, Content: fmt.Sprintf("a%d", i)},
		}
		_, err := saver.Put(ctx, state.Config{ThreadID: threadID, CheckpointID: id}, cp, state.Metadata{Source: state.SourceLoop, Step: i}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
		parent = id
	}
	return ids
}

func TestCheckpointEndpoints(t *testing.T) {
	coord := &fakeCoordinator{}
	saver := memory.New()
	s := newTestServer(t, coord, func(c *Config) { c.Saver = saver })
	ids := seedThread(t, saver, "chat-1", 3)

	rec := do(t, s, http.MethodGet, "/api/v1/checkpoints/chat-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, ids[2], body["checkpointId"])
	assert.Equal(t, ids[1], body["parentId"])
	assert.Len(t, body["messages"], 2)

	rec = do(t, s, http.MethodGet, "/api/v1/checkpoints/chat-1?checkpointId="+ids[0], "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ids[0], decodeBody(t, rec)["checkpointId"])

	rec = do(t, s, http.MethodGet, "/api/v1/checkpoints/chat-1/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)["checkpoints"].([]any)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].(map[string]any)["checkpointId"])
	assert.Nil(t, history[0].(map[string]any)["messages"])

	rec = do(t, s, http.MethodGet, "/api/v1/checkpoints/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/api/v1/checkpoints/missing/history", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodDelete, "/api/v1/checkpoints/chat-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tuple, err := state.LoadCurrent(context.Background(), saver, "chat-1")
	require.NoError(t, err)
	assert.Empty(t, tuple.Checkpoint.ChannelValues.Messages)

	rec = do(t, s, http.MethodDelete, "/api/v1/checkpoints/chat-1?hard=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, err = state.LoadCurrent(context.Background(), saver, "chat-1")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestQueueEndpoints(t *testing.T) {
	coord := &fakeCoordinator{counts: queue.Counts{Waiting: 2, Active: 1, Completed: 5, Failed: 1}}
	metrics := &recordingHTTPMetrics{}
	s := newTestServer(t, coord, func(c *Config) { c.Metrics = metrics })

	rec := do(t, s, http.MethodGet, "/api/v1/queue/counts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["waiting"])

	rec = do(t, s, http.MethodGet, "/api/v1/queue/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decodeBody(t, rec)["jobs"])

	rec = do(t, s, http.MethodGet, "/api/v1/queue/failed?limit=5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decodeBody(t, rec)["failed"].([]any)
	assert.Equal(t, "limit=1000", failed[0].(map[string]any)["reason"])

	rec = do(t, s, http.MethodGet, "/api/v1/queue/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["events"], 1)

	rec = do(t, s, http.MethodDelete, "/api/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, coord.purged)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Contains(t, metrics.routes, "GET /api/v1/queue/counts 200")
	assert.Contains(t, metrics.routes, "DELETE /api/v1/queue 200")
}

func TestMetricsHandlerMounted(t *testing.T) {
	s := newTestServer(t, &fakeCoordinator{}, func(c *Config) {
		c.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("flowexec_jobs_active 0\n"))
		})
	})

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "flowexec_jobs_active")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &fakeCoordinator{}, func(c *Config) { c.CORSOrigins = []string{"https://app.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/prediction/support", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}
