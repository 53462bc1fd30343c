// Package runlog records run outcomes and serves idempotency replay.
// Both execution modes (monolithic and agentic) share this logic so
// idempotency keys behave identically regardless of mode. Keys are
// globally scoped.
package runlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/keystone-studio/keystone/orchestrator/internal/store"
	"github.com/keystone-studio/keystone/orchestrator/pkg/fault"
	"github.com/keystone-studio/keystone/orchestrator/pkg/models"
)

// Recorder persists run lifecycle transitions.
type Recorder struct {
	store store.Store
}

// New creates a recorder over the run store.
func New(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// Digest fingerprints the replayable parts of a request.
// encoding/json sorts map keys, so the digest is order-independent.
func Digest(req *models.Request, modelID string) string {
	payload, _ := json.Marshal(struct {
		Feature   string         `json:"feature"`
		Operation string         `json:"operation"`
		ModelID   string         `json:"model_id"`
		Data      map[string]any `json:"data"`
	}{req.Feature, req.Operation, modelID, req.Data})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Replay checks whether the request's idempotency key already has a
// run. served=false means the caller should execute normally. When
// served=true the stored outcome (or a conflict) is returned and no
// model call may be made.
func (r *Recorder) Replay(ctx context.Context, req *models.Request, digest string) (resp *models.Response, err error, served bool) {
	if req.IdempotencyKey == "" {
		return nil, nil, false
	}

	existing, lookupErr := r.store.GetRunByIdempotencyKey(ctx, req.IdempotencyKey)
	if lookupErr != nil {
		var nf *store.ErrNotFound
		if errors.As(lookupErr, &nf) {
			return nil, nil, false
		}
		return nil, fault.Wrap(fault.KindInsufficientResources, lookupErr, "idempotency lookup failed"), true
	}

	if existing.RequestDigest != digest {
		return nil, fault.New(fault.KindIdempotencyConflict, "idempotency key already used with a different payload").
			With("idempotency_key", req.IdempotencyKey).
			With("run_id", existing.ID).
			Suggest("change the key or resend the original payload"), true
	}

	switch existing.Status {
	case models.RunCompleted:
		log.Debug().Str("run_id", existing.ID).Msg("Idempotent replay from stored run")
		return existing.Response, nil, true
	case models.RunFailed:
		fe := fault.New(fault.Kind(existing.Error.Code), existing.Error.Message).
			Suggest(existing.Error.Suggestion)
		fe.Context = existing.Error.Context
		return nil, fe, true
	default:
		return nil, fault.New(fault.KindIdempotencyConflict, "original run for this key is still in progress").
			With("idempotency_key", req.IdempotencyKey).
			With("run_id", existing.ID).
			Suggest("poll the original run or retry later"), true
	}
}

// Begin claims the request's idempotency key and records the run as
// running. claimed=false means a concurrent request holding the same
// key won the insert; the caller must not execute and resolves the
// outcome through LostClaim instead. Storage failures other than a
// key conflict are logged but never block execution.
func (r *Recorder) Begin(ctx context.Context, req *models.Request, modelID, digest string) (run *models.Run, claimed bool) {
	id := req.RunID
	if id == "" {
		id = uuid.New().String()
	}
	run = &models.Run{
		ID:             id,
		Feature:        req.Feature,
		Operation:      req.Operation,
		ModelID:        modelID,
		IdempotencyKey: req.IdempotencyKey,
		RequestDigest:  digest,
		Status:         models.RunRunning,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		var conflict *store.ErrConflict
		if errors.As(err, &conflict) {
			return nil, false
		}
		log.Warn().Err(err).Str("run_id", id).Msg("Failed to persist run record")
	}
	return run, true
}

// LostClaim resolves a request that lost the key claim to a
// concurrent twin: the winner's stored outcome when it has settled,
// otherwise an in-progress conflict.
func (r *Recorder) LostClaim(ctx context.Context, req *models.Request, digest string) (*models.Response, error) {
	resp, err, served := r.Replay(ctx, req, digest)
	if served {
		return resp, err
	}
	return nil, fault.New(fault.KindIdempotencyConflict, "idempotency key claimed by a concurrent request").
		With("idempotency_key", req.IdempotencyKey).
		Suggest("poll the original run or retry later")
}

// Finish settles a run with either a response or a failure envelope.
func (r *Recorder) Finish(run *models.Run, resp *models.Response, fe *fault.Error) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	if fe != nil {
		run.Status = models.RunFailed
		env := fe.Envelope()
		run.Error = &env
	} else {
		run.Status = models.RunCompleted
		run.Response = resp
	}
	// Detached context: the outcome is recorded even when the request
	// context is already cancelled.
	if err := r.store.UpdateRun(context.Background(), run); err != nil {
		log.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to update run record")
	}
}
