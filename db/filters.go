package db

import "github.com/recasthq/recast/transform"

// ListOptions pages a scoped listing. A zero limit applies the
// repository default.
type ListOptions struct {
	Limit  int
	Offset int
}

// DocumentFilter narrows a document listing.
type DocumentFilter struct {
	ListOptions
	Status DocumentStatus
}

// TransformationFilter narrows a transformation listing.
type TransformationFilter struct {
	ListOptions
	Status     TransformationStatus
	DocumentID string
	Kind       transform.Kind
}

// PresetFilter narrows a preset listing.
type PresetFilter struct {
	ListOptions
	Kind transform.Kind
}

// PresetUpdate carries the mutable preset fields. Nil pointers leave
// the stored value untouched.
type PresetUpdate struct {
	Name        *string
	Description *string
	Parameters  JSONMap
	IsShared    *bool
}

// UsageStats summarizes one workspace's stored volume and job
// activity.
type UsageStats struct {
	Documents               int64            `json:"documents"`
	DocumentBytes           int64            `json:"document_bytes"`
	Transformations         int64            `json:"transformations"`
	TransformationsByStatus map[string]int64 `json:"transformations_by_status"`
	TokensUsed              int64            `json:"tokens_used"`
	Presets                 int64            `json:"presets"`
	Queued                  int64            `json:"queued"`
}
