package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"palletspace/internal/core"
	"palletspace/internal/types"
)

// maxBackfillBatchSize bounds a single admin-triggered batch so one request
// cannot pin a worker on an arbitrarily large page.
const maxBackfillBatchSize = 500

// BackfillRequest is the request body for POST /admin/backfill. An absent
// cursor starts from the beginning of the population.
type BackfillRequest struct {
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

// StartRunRequest is the request body for POST /admin/backfill/run. An
// absent cursor starts from the beginning of the population.
type StartRunRequest struct {
	Cursor string `json:"cursor,omitempty"`
}

// BackfillResponse reports one processed batch back to the operator.
type BackfillResponse struct {
	RunID      string                  `json:"run_id"`
	Processed  int                     `json:"processed"`
	Linked     int                     `json:"linked"`
	Failures   []types.BackfillFailure `json:"failures,omitempty"`
	NextCursor string                  `json:"next_cursor,omitempty"`
	Done       bool                    `json:"done"`
}

// BackfillRunner drives the repair job: operator-paged single batches and
// detached background runs. Both claim the single active run slot.
type BackfillRunner interface {
	RunBatch(ctx context.Context, cursor string, batchSize int) (*types.BackfillReport, error)
	StartRun(ctx context.Context, cursor string) (*types.BackfillRun, error)
}

// RunDirectory reads persisted run state. Satisfied by db.BackfillRepository.
type RunDirectory interface {
	Active(ctx context.Context) (*types.BackfillRun, error)
	Get(ctx context.Context, id string) (*types.BackfillRun, error)
}

// BackfillHandler exposes the batch-repair job to operators. The routes are
// mounted under the admin subtree, behind core.AdminGate.
type BackfillHandler struct {
	runner BackfillRunner
	runs   RunDirectory
	logger *slog.Logger
}

// NewBackfillHandler creates a new BackfillHandler with the provided
// dependencies.
func NewBackfillHandler(runner BackfillRunner, runs RunDirectory, logger *slog.Logger) *BackfillHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BackfillHandler{
		runner: runner,
		runs:   runs,
		logger: logger,
	}
}

// RegisterRoutes mounts the backfill routes onto the provided (already
// gated) router.
func (h *BackfillHandler) RegisterRoutes(r chi.Router) {
	r.Post("/backfill", h.HandleRunBatch)
	r.Post("/backfill/run", h.HandleStartRun)
	r.Get("/backfill/run", h.HandleActiveRun)
	r.Get("/backfill/runs/{id}", h.HandleGetRun)
}

// HandleRunBatch processes POST /admin/backfill requests. Each call claims
// the run slot, advances exactly one page, and releases the slot; the
// operator feeds next_cursor back in until done. A 409 means another run
// holds the slot.
func (h *BackfillHandler) HandleRunBatch(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if req.Limit <= 0 || req.Limit > maxBackfillBatchSize {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationBatchSize,
			"limit must be a positive integer no greater than 500",
			nil,
			map[string]any{"limit": req.Limit},
		))
		return
	}

	report, err := h.runner.RunBatch(r.Context(), req.Cursor, req.Limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	h.logger.InfoContext(r.Context(), "admin backfill batch processed",
		"run_id", report.RunID,
		"cursor", req.Cursor,
		"next_cursor", report.NextCursor,
		"processed", report.Processed,
		"failed", len(report.Failures),
		"done", report.Done,
		"actor_type", string(actor.Type),
	)

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: BackfillResponse{
		RunID:      report.RunID,
		Processed:  report.Processed,
		Linked:     report.Linked,
		Failures:   report.Failures,
		NextCursor: report.NextCursor,
		Done:       report.Done,
	}})
}

// HandleStartRun processes POST /admin/backfill/run requests. It claims the
// run slot and launches a background run over the remaining population,
// returning 202 with the claimed run. Progress is polled via the run
// endpoints; a 409 means another run holds the slot.
func (h *BackfillHandler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	run, err := h.runner.StartRun(r.Context(), req.Cursor)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	actor, _ := types.GetActor(r.Context())
	h.logger.InfoContext(r.Context(), "admin backfill run started",
		"run_id", run.ID,
		"cursor", req.Cursor,
		"batch_size", run.BatchSize,
		"actor_type", string(actor.Type),
	)

	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: run})
}

// HandleActiveRun processes GET /admin/backfill/run requests, returning the
// currently running backfill or 404 when none is active.
func (h *BackfillHandler) HandleActiveRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Active(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if run == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundRun, "no active backfill run", nil))
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: run})
}

// HandleGetRun processes GET /admin/backfill/runs/{id} requests, returning
// the run's persisted state regardless of status.
func (h *BackfillHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: run})
}
