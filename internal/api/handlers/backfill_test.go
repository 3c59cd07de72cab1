package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"palletspace/internal/types"
)

// mockBackfillRunner implements BackfillRunner for testing.
type mockBackfillRunner struct {
	runFn   func(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error)
	startFn func(ctx context.Context, cursor string) (*types.BackfillRun, error)
	calls   []struct {
		cursor string
		limit  int
	}
	startCalls []string
}

func (m *mockBackfillRunner) RunBatch(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error) {
	m.calls = append(m.calls, struct {
		cursor string
		limit  int
	}{cursor, batchSize})
	if m.runFn != nil {
		return m.runFn(ctx, cursor, batchSize)
	}
	return &types.BackfillReport{RunID: "bf_1", Processed: 0, Done: true}, nil
}

func (m *mockBackfillRunner) StartRun(ctx context.Context, cursor string) (*types.BackfillRun, error) {
	m.startCalls = append(m.startCalls, cursor)
	if m.startFn != nil {
		return m.startFn(ctx, cursor)
	}
	return &types.BackfillRun{ID: "bf_1", Status: types.BackfillRunning, Cursor: cursor}, nil
}

// mockRunDirectory implements RunDirectory for testing.
type mockRunDirectory struct {
	activeFn func(ctx context.Context) (*types.BackfillRun, error)
	getFn    func(ctx context.Context, id string) (*types.BackfillRun, error)
}

func (m *mockRunDirectory) Active(ctx context.Context) (*types.BackfillRun, error) {
	if m.activeFn != nil {
		return m.activeFn(ctx)
	}
	return nil, nil
}

func (m *mockRunDirectory) Get(ctx context.Context, id string) (*types.BackfillRun, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundRun, "backfill run not found", nil)
}

// routeRequest runs a request through the handler's registered routes so URL
// params resolve the way they do in production.
func routeRequest(t *testing.T, h *BackfillHandler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	h.RegisterRoutes(r)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleRunBatch_Success(t *testing.T) {
	runner := &mockBackfillRunner{
		runFn: func(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error) {
			return &types.BackfillReport{
				RunID:      "bf_1",
				Processed:  2,
				Linked:     1,
				NextCursor: "u3",
				Failures: []types.BackfillFailure{
					{UserID: "u2", Code: "provider_rejected", Reason: "invalid email"},
				},
			}, nil
		},
	}
	h := NewBackfillHandler(runner, &mockRunDirectory{}, testLogger())

	w := postJSON(t, h.HandleRunBatch, `{"limit":2,"cursor":"u1"}`)

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Result().StatusCode, w.Body.String())
	}
	if len(runner.calls) != 1 || runner.calls[0].cursor != "u1" || runner.calls[0].limit != 2 {
		t.Errorf("unexpected runner call: %+v", runner.calls)
	}

	var resp BackfillResponse
	decodeData(t, w, &resp)
	if resp.RunID != "bf_1" {
		t.Errorf("expected run id in response, got %q", resp.RunID)
	}
	if resp.Processed != 2 || resp.Linked != 1 || resp.NextCursor != "u3" || resp.Done {
		t.Errorf("unexpected report mapping: %+v", resp)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].UserID != "u2" {
		t.Errorf("expected per-user failure in report, got %+v", resp.Failures)
	}
}

func TestHandleRunBatch_CompletionSignal(t *testing.T) {
	runner := &mockBackfillRunner{
		runFn: func(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error) {
			return &types.BackfillReport{RunID: "bf_1", Processed: 1, Linked: 1, NextCursor: "u4", Done: true}, nil
		},
	}
	h := NewBackfillHandler(runner, &mockRunDirectory{}, testLogger())

	w := postJSON(t, h.HandleRunBatch, `{"limit":2,"cursor":"u3"}`)

	var resp BackfillResponse
	decodeData(t, w, &resp)
	if !resp.Done {
		t.Error("expected done signal for final batch")
	}
}

func TestHandleRunBatch_InvalidLimit(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"zero", `{"limit":0}`},
		{"negative", `{"limit":-5}`},
		{"too large", `{"limit":501}`},
		{"missing", `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := &mockBackfillRunner{}
			h := NewBackfillHandler(runner, &mockRunDirectory{}, testLogger())

			w := postJSON(t, h.HandleRunBatch, tc.body)

			if w.Result().StatusCode != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Result().StatusCode)
			}
			if code := errorCode(t, w); code != string(types.ErrCodeValidationBatchSize) {
				t.Errorf("expected validation_invalid_batch_size, got %s", code)
			}
			if len(runner.calls) != 0 {
				t.Error("runner must not be called with an invalid limit")
			}
		})
	}
}

func TestHandleRunBatch_ConflictWithActiveRun(t *testing.T) {
	runner := &mockBackfillRunner{
		runFn: func(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error) {
			return nil, types.NewAppError(types.ErrCodeConflictBackfillRunning, "a backfill run is already active", nil)
		},
	}
	h := NewBackfillHandler(runner, &mockRunDirectory{}, testLogger())

	w := postJSON(t, h.HandleRunBatch, `{"limit":10}`)

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while another run is active, got %d", w.Result().StatusCode)
	}
}

func TestHandleRunBatch_RunnerError(t *testing.T) {
	runner := &mockBackfillRunner{
		runFn: func(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error) {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "listing users failed", nil)
		},
	}
	h := NewBackfillHandler(runner, &mockRunDirectory{}, testLogger())

	w := postJSON(t, h.HandleRunBatch, `{"limit":10}`)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500 for storage failure, got %d", w.Result().StatusCode)
	}
}

func TestHandleStartRun_Accepted(t *testing.T) {
	runner := &mockBackfillRunner{}
	h := NewBackfillHandler(runner, &mockRunDirectory{}, testLogger())

	w := routeRequest(t, h, http.MethodPost, "/backfill/run", `{"cursor":"u5"}`)

	if w.Result().StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Result().StatusCode, w.Body.String())
	}
	if len(runner.startCalls) != 1 || runner.startCalls[0] != "u5" {
		t.Errorf("unexpected start calls: %v", runner.startCalls)
	}

	var run types.BackfillRun
	decodeData(t, w, &run)
	if run.ID != "bf_1" || run.Status != types.BackfillRunning {
		t.Errorf("unexpected run in response: %+v", run)
	}
}

func TestHandleStartRun_Conflict(t *testing.T) {
	runner := &mockBackfillRunner{
		startFn: func(ctx context.Context, cursor string) (*types.BackfillRun, error) {
			return nil, types.NewAppError(types.ErrCodeConflictBackfillRunning, "a backfill run is already active", nil)
		},
	}
	h := NewBackfillHandler(runner, &mockRunDirectory{}, testLogger())

	w := routeRequest(t, h, http.MethodPost, "/backfill/run", `{}`)

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("expected 409 while another run is active, got %d", w.Result().StatusCode)
	}
	if code := errorCode(t, w); code != string(types.ErrCodeConflictBackfillRunning) {
		t.Errorf("expected conflict_backfill_running, got %s", code)
	}
}

func TestHandleActiveRun(t *testing.T) {
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	runs := &mockRunDirectory{
		activeFn: func(ctx context.Context) (*types.BackfillRun, error) {
			return &types.BackfillRun{
				ID:        "bf_1",
				Status:    types.BackfillRunning,
				Cursor:    "u7",
				Processed: 14,
				StartedAt: started,
			}, nil
		},
	}
	h := NewBackfillHandler(&mockBackfillRunner{}, runs, testLogger())

	w := routeRequest(t, h, http.MethodGet, "/backfill/run", "")

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Result().StatusCode, w.Body.String())
	}
	var run types.BackfillRun
	decodeData(t, w, &run)
	if run.ID != "bf_1" || run.Cursor != "u7" || run.Processed != 14 {
		t.Errorf("unexpected active run: %+v", run)
	}
}

func TestHandleActiveRun_NoneActive(t *testing.T) {
	h := NewBackfillHandler(&mockBackfillRunner{}, &mockRunDirectory{}, testLogger())

	w := routeRequest(t, h, http.MethodGet, "/backfill/run", "")

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 with no active run, got %d", w.Result().StatusCode)
	}
	if code := errorCode(t, w); code != string(types.ErrCodeNotFoundRun) {
		t.Errorf("expected not_found_backfill_run, got %s", code)
	}
}

func TestHandleGetRun(t *testing.T) {
	runs := &mockRunDirectory{
		getFn: func(ctx context.Context, id string) (*types.BackfillRun, error) {
			if id != "bf_7" {
				t.Errorf("expected id bf_7, got %q", id)
			}
			return &types.BackfillRun{ID: id, Status: types.BackfillPaused, Cursor: "u9"}, nil
		},
	}
	h := NewBackfillHandler(&mockBackfillRunner{}, runs, testLogger())

	w := routeRequest(t, h, http.MethodGet, "/backfill/runs/bf_7", "")

	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Result().StatusCode, w.Body.String())
	}
	var run types.BackfillRun
	decodeData(t, w, &run)
	if run.ID != "bf_7" || run.Status != types.BackfillPaused {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestHandleGetRun_NotFound(t *testing.T) {
	h := NewBackfillHandler(&mockBackfillRunner{}, &mockRunDirectory{}, testLogger())

	w := routeRequest(t, h, http.MethodGet, "/backfill/runs/missing", "")

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", w.Result().StatusCode)
	}
}
