package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/bus"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

// CreateTransformationInput is the request body of job creation.
type CreateTransformationInput struct {
	DocumentID string           `json:"document_id,omitempty"`
	Kind       transform.Kind   `json:"kind"`
	Parameters transform.Params `json:"parameters,omitempty"`
	PresetID   string           `json:"preset_id,omitempty"`
}

// TransformationService owns the job lifecycle on the request path:
// validation, preset resolution, persistence, enqueueing and the
// cancellation protocol. Execution itself happens in the worker
// binary.
type TransformationService struct {
	store   TransformationStore
	tasks   TaskEnqueuer
	bus     bus.Publisher
	auditor audit.Publisher
	logger  *logrus.Entry
}

// NewTransformationService wires the job orchestrator.
func NewTransformationService(store TransformationStore, tasks TaskEnqueuer, publisher bus.Publisher, auditor audit.Publisher) *TransformationService {
	if auditor == nil {
		auditor = audit.NopPublisher{}
	}
	return &TransformationService{
		store:   store,
		tasks:   tasks,
		bus:     publisher,
		auditor: auditor,
		logger:  logrus.NewEntry(common.Logger).WithField("component", "transformations"),
	}
}

// Create validates the request, resolves the preset, persists the
// pending job and makes it claimable. The started event goes out after
// the row exists so consumers can always fetch what it announces.
func (s *TransformationService) Create(ctx context.Context, sub auth.Subject, input CreateTransformationInput) (*db.Transformation, error) {
	if !input.Kind.Valid() {
		return nil, errdefs.E(errdefs.ErrInvalidInput, "unknown transformation kind %q", input.Kind)
	}

	var documentID *string
	if input.DocumentID != "" {
		doc, err := s.store.GetDocument(ctx, sub, input.DocumentID)
		if err != nil {
			return nil, err
		}
		documentID = &doc.ID
	}

	presetParams := transform.Params{}
	var presetID *string
	if input.PresetID != "" {
		preset, err := s.store.GetPreset(ctx, sub, input.PresetID)
		if err != nil {
			return nil, err
		}
		if preset.Kind != input.Kind {
			return nil, errdefs.E(errdefs.ErrInvalidInput,
				"preset is for kind %q, not %q", preset.Kind, input.Kind)
		}
		presetParams = transform.Params(preset.Parameters)
		presetID = &preset.ID
	}

	params := transform.Merge(presetParams, input.Parameters)
	if err := transform.Validate(input.Kind, params); err != nil {
		return nil, err
	}

	t := &db.Transformation{
		ID:         uuid.NewString(),
		UserID:     sub.UserID,
		DocumentID: documentID,
		PresetID:   presetID,
		Kind:       input.Kind,
		Parameters: db.JSONMap(params),
		Status:     db.TransformationPending,
	}
	if err := s.store.CreateTransformation(ctx, sub, t); err != nil {
		return nil, err
	}

	task := &db.QueuedTask{
		ID:          t.ID,
		WorkspaceID: sub.WorkspaceID,
		Payload: db.JSONMap{
			"kind":       input.Kind.String(),
			"parameters": map[string]interface{}(params),
			"user_id":    sub.UserID,
		},
	}
	if documentID != nil {
		task.Payload["document_id"] = *documentID
	}
	if err := s.tasks.Enqueue(ctx, task); err != nil {
		// The row stays pending without a task behind it; the client
		// retries with a fresh job. Same failure mode as the original
		// enqueue-after-commit flow.
		s.logger.WithError(err).WithField("transformation_id", t.ID).
			Error("task enqueue failed after persist")
		return nil, err
	}

	if presetID != nil {
		// Advisory counter, bumped exactly once per successful enqueue.
		if err := s.store.IncrementPresetUsage(ctx, sub, *presetID); err != nil {
			s.logger.WithError(err).WithField("preset_id", *presetID).
				Warn("preset usage increment failed")
		}
	}

	s.publish(ctx, bus.KindTransformationStarted, bus.TransformationEvent{
		TransformationID: t.ID,
		WorkspaceID:      sub.WorkspaceID,
		Kind:             t.Kind.String(),
		Status:           string(db.TransformationPending),
	})
	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventTransformationCreated,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "transformation",
		ResourceID:  t.ID,
		Detail:      map[string]interface{}{"kind": t.Kind.String()},
	})
	return t, nil
}

// Get loads one job of the subject's workspace.
func (s *TransformationService) Get(ctx context.Context, sub auth.Subject, id string) (*db.Transformation, error) {
	return s.store.GetTransformation(ctx, sub, id)
}

// List returns a page of the workspace's jobs plus the total.
func (s *TransformationService) List(ctx context.Context, sub auth.Subject, filter db.TransformationFilter) ([]*db.Transformation, int64, error) {
	return s.store.ListTransformations(ctx, sub, filter)
}

// Cancel requests cancellation of a live job. Unclaimed jobs are
// finalized immediately; claimed ones get the cooperative flag and end
// when the executor observes it. Terminal jobs conflict.
func (s *TransformationService) Cancel(ctx context.Context, sub auth.Subject, id string) error {
	t, err := s.store.GetTransformation(ctx, sub, id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return errdefs.E(errdefs.ErrConflict, "transformation is already %s", t.Status)
	}

	removed, err := s.tasks.Cancel(ctx, sub, id)
	if err != nil {
		return err
	}
	if !removed {
		// A worker holds the claim; it polls the flag between provider
		// attempts and finalizes the job itself.
		return nil
	}

	moved, err := s.store.CancelTransformation(ctx, sub, id)
	if err != nil {
		return err
	}
	if !moved {
		return nil
	}

	s.publish(ctx, bus.KindTransformationFailed, bus.TransformationEvent{
		TransformationID: id,
		WorkspaceID:      sub.WorkspaceID,
		Kind:             t.Kind.String(),
		Status:           string(db.TransformationCancelled),
		Reason:           "cancelled",
	})
	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventTransformationCancelled,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "transformation",
		ResourceID:  id,
	})
	return nil
}

// publish sends an advisory event; failures are already logged by the
// bus and the HTTP state remains authoritative.
func (s *TransformationService) publish(ctx context.Context, kind string, event bus.TransformationEvent) {
	_ = s.bus.Publish(ctx, bus.WorkspaceTopic(event.WorkspaceID), kind, event)
}
