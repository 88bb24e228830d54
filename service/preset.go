package service

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/transform"
)

// maxPresetNameLen matches the column size.
const maxPresetNameLen = 255

// CreatePresetInput is the request body of preset creation.
type CreatePresetInput struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Kind        transform.Kind   `json:"kind"`
	Parameters  transform.Params `json:"parameters,omitempty"`
	IsShared    bool             `json:"is_shared"`
}

// UpdatePresetInput is the partial update body. Nil fields are left
// untouched; the kind of a preset is immutable.
type UpdatePresetInput struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Parameters  transform.Params `json:"parameters,omitempty"`
	IsShared    *bool            `json:"is_shared,omitempty"`
}

// PresetService manages saved parameter sets. Ownership and sharing
// rules live in the store; this layer validates shapes against the
// transformation catalog.
type PresetService struct {
	store   PresetStore
	auditor audit.Publisher
}

// NewPresetService wires the preset manager.
func NewPresetService(store PresetStore, auditor audit.Publisher) *PresetService {
	if auditor == nil {
		auditor = audit.NopPublisher{}
	}
	return &PresetService{store: store, auditor: auditor}
}

// Create validates and persists a preset owned by the subject.
// Parameters may be partial; the missing keys come from the request at
// transformation time.
func (s *PresetService) Create(ctx context.Context, sub auth.Subject, input CreatePresetInput) (*db.Preset, error) {
	name, err := presetName(input.Name)
	if err != nil {
		return nil, err
	}
	if !input.Kind.Valid() {
		return nil, errdefs.E(errdefs.ErrInvalidInput, "unknown transformation kind %q", input.Kind)
	}
	if err := transform.Validate(input.Kind, input.Parameters); err != nil {
		return nil, err
	}

	p := &db.Preset{
		ID:          uuid.NewString(),
		UserID:      sub.UserID,
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Kind:        input.Kind,
		Parameters:  db.JSONMap(input.Parameters),
		IsShared:    input.IsShared,
	}
	if p.Parameters == nil {
		p.Parameters = db.JSONMap{}
	}
	if err := s.store.CreatePreset(ctx, sub, p); err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventPresetCreated,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "preset",
		ResourceID:  p.ID,
		Detail:      map[string]interface{}{"kind": p.Kind.String(), "is_shared": p.IsShared},
	})
	return p, nil
}

// Get loads one visible preset.
func (s *PresetService) Get(ctx context.Context, sub auth.Subject, id string) (*db.Preset, error) {
	return s.store.GetPreset(ctx, sub, id)
}

// List returns the presets visible to the subject.
func (s *PresetService) List(ctx context.Context, sub auth.Subject, filter db.PresetFilter) ([]*db.Preset, int64, error) {
	return s.store.ListPresets(ctx, sub, filter)
}

// Update applies a partial update. New parameters are validated
// against the preset's kind, which never changes.
func (s *PresetService) Update(ctx context.Context, sub auth.Subject, id string, input UpdatePresetInput) (*db.Preset, error) {
	update := db.PresetUpdate{
		Description: input.Description,
		IsShared:    input.IsShared,
	}
	if input.Name != nil {
		name, err := presetName(*input.Name)
		if err != nil {
			return nil, err
		}
		update.Name = &name
	}
	if input.Parameters != nil {
		current, err := s.store.GetPreset(ctx, sub, id)
		if err != nil {
			return nil, err
		}
		if err := transform.Validate(current.Kind, input.Parameters); err != nil {
			return nil, err
		}
		update.Parameters = db.JSONMap(input.Parameters)
	}

	p, err := s.store.UpdatePreset(ctx, sub, id, update)
	if err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventPresetUpdated,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "preset",
		ResourceID:  p.ID,
	})
	return p, nil
}

// Delete removes an owned preset.
func (s *PresetService) Delete(ctx context.Context, sub auth.Subject, id string) error {
	if err := s.store.DeletePreset(ctx, sub, id); err != nil {
		return err
	}
	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventPresetDeleted,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "preset",
		ResourceID:  id,
	})
	return nil
}

func presetName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", errdefs.E(errdefs.ErrInvalidInput, "name is required")
	}
	if len(name) > maxPresetNameLen {
		return "", errdefs.E(errdefs.ErrInvalidInput, "name exceeds %d characters", maxPresetNameLen)
	}
	return name, nil
}
