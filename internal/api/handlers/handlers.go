// Package handlers implements the HTTP handlers for the orchestrator
// API. Handlers decode, delegate to the execution core, and encode;
// every failure crossing this boundary is serialized through the fault
// envelope so callers always see a machine-readable code.
package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/keystone-studio/keystone/orchestrator/internal/modelmanager"
	"github.com/keystone-studio/keystone/orchestrator/internal/orchestrator"
	"github.com/keystone-studio/keystone/orchestrator/internal/pipeline"
	"github.com/keystone-studio/keystone/orchestrator/internal/registry"
	"github.com/keystone-studio/keystone/orchestrator/internal/store"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Registry     *registry.Registry
	Manager      *modelmanager.Manager
	Monitor      *modelmanager.Monitor
	Orchestrator *orchestrator.Orchestrator
	Pipeline     *pipeline.Pipeline
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, reg *registry.Registry, mgr *modelmanager.Manager, mon *modelmanager.Monitor, orch *orchestrator.Orchestrator, pipe *pipeline.Pipeline) *Handlers {
	return &Handlers{
		Store:        s,
		Registry:     reg,
		Manager:      mgr,
		Monitor:      mon,
		Orchestrator: orch,
		Pipeline:     pipe,
	}
}

// ── Dispatch ─────────────────────────────────────────────────

// Dispatch executes one operation and blocks until it completes.
// POST /api/v1/dispatch
func (h *Handlers) Dispatch(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		respondFault(w, err)
		return
	}

	var resp *models.Response
	if req.OperationID() == h.Pipeline.OperationID() {
		resp, err = h.Pipeline.Evaluate(r.Context(), req)
	} else {
		resp, err = h.Orchestrator.Execute(r.Context(), req)
	}
	if err != nil {
		respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// EvaluateStream runs the agentic pipeline, streaming progress over
// SSE. The stream always ends with exactly one terminal event.
// POST /api/v1/evaluate/stream
func (h *Handlers) EvaluateStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r)
	if err != nil {
		respondFault(w, err)
		return
	}
	if req.OperationID() != h.Pipeline.OperationID() {
		respondFault(w, fault.Newf(fault.KindUnknownOperation,
			"operation %q does not stream", req.OperationID()).
			Suggest("use /api/v1/dispatch for monolithic operations"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondFault(w, fault.New(fault.KindInsufficientResources, "streaming not supported by this connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Terminal outcomes travel inside the stream from here on; the
	// returned error is already emitted as an error event.
	_, _ = h.Pipeline.EvaluateStream(r.Context(), req, func(ev models.StreamEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode stream event")
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	})
}

// ── Runs ─────────────────────────────────────────────────────

// GetRun returns the persisted record of one run.
// GET /api/v1/runs/{runId}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	run, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		if _, ok := err.(*store.ErrNotFound); ok {
			respondFault(w, fault.Newf(fault.KindRunNotFound, "run %q not found", runID).
				With("run_id", runID))
		} else {
			respondFault(w, err)
		}
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// ListRuns returns recent runs, newest first.
// GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListRuns(r.Context(), 100)
	if err != nil {
		respondFault(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	respondJSON(w, http.StatusOK, runs)
}

// ── Models ───────────────────────────────────────────────────

// ListModels returns every registered provider with its canonical
// models and capabilities, plus the alias table.
// GET /api/v1/models
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"providers": h.Manager.ListModels(),
		"aliases":   h.Manager.Aliases(),
	})
}

// ModelsHealth reports the most recent probe result per provider.
// GET /api/v1/models/health
func (h *Handlers) ModelsHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Monitor.Status())
}

// ── Registry ─────────────────────────────────────────────────

// ListOperations returns every registered operation id and version.
// GET /api/v1/operations
func (h *Handlers) ListOperations(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Registry.Registrations())
}

// ── Helpers ──────────────────────────────────────────────────

func decodeRequest(r *http.Request) (*models.Request, error) {
	var req models.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fault.Wrap(fault.KindInvalidRequest, err, "invalid request body")
	}
	if req.Feature == "" || req.Operation == "" {
		return nil, fault.New(fault.KindInvalidRequest, "feature and operation are required")
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	return &req, nil
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondFault serializes any error as a fault envelope with the
// status its kind maps to.
func respondFault(w http.ResponseWriter, err error) {
	fe := fault.From(err)
	respondJSON(w, fe.Status(), map[string]any{"error": fe.Envelope()})
}
