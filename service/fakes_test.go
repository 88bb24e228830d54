package service

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
)

// fakeStore is an in-memory stand-in for db/repository with the same
// scoping and visibility answers.
type fakeStore struct {
	mu              sync.Mutex
	documents       map[string]*db.Document
	transformations map[string]*db.Transformation
	presets         map[string]*db.Preset
	usageBumps      map[string]int
	fail            map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents:       map[string]*db.Document{},
		transformations: map[string]*db.Transformation{},
		presets:         map[string]*db.Preset{},
		usageBumps:      map[string]int{},
		fail:            map[string]error{},
	}
}

func (f *fakeStore) failOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[method] = err
}

func (f *fakeStore) forced(method string) error {
	return f.fail[method]
}

func (f *fakeStore) CreateTransformation(_ context.Context, sub auth.Subject, t *db.Transformation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("CreateTransformation"); err != nil {
		return err
	}
	t.WorkspaceID = sub.WorkspaceID
	cp := *t
	f.transformations[t.ID] = &cp
	return nil
}

func (f *fakeStore) GetTransformation(_ context.Context, sub auth.Subject, id string) (*db.Transformation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transformations[id]
	if !ok || t.WorkspaceID != sub.WorkspaceID {
		return nil, errdefs.E(errdefs.ErrNotFound, "transformation not found")
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) ListTransformations(_ context.Context, sub auth.Subject, _ db.TransformationFilter) ([]*db.Transformation, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Transformation
	for _, t := range f.transformations {
		if t.WorkspaceID == sub.WorkspaceID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) CancelTransformation(_ context.Context, sub auth.Subject, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("CancelTransformation"); err != nil {
		return false, err
	}
	t, ok := f.transformations[id]
	if !ok || t.WorkspaceID != sub.WorkspaceID {
		return false, errdefs.E(errdefs.ErrNotFound, "transformation not found")
	}
	if t.Status != db.TransformationPending && t.Status != db.TransformationRunning {
		return false, nil
	}
	t.Status = db.TransformationCancelled
	reason := "cancelled"
	t.ErrorReason = &reason
	return true, nil
}

func (f *fakeStore) CreateDocument(_ context.Context, sub auth.Subject, doc *db.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("CreateDocument"); err != nil {
		return err
	}
	doc.WorkspaceID = sub.WorkspaceID
	cp := *doc
	f.documents[doc.ID] = &cp
	return nil
}

func (f *fakeStore) GetDocument(_ context.Context, sub auth.Subject, id string) (*db.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.WorkspaceID != sub.WorkspaceID {
		return nil, errdefs.E(errdefs.ErrNotFound, "document not found")
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeStore) ListDocuments(_ context.Context, sub auth.Subject, filter db.DocumentFilter) ([]*db.Document, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Document
	for _, doc := range f.documents {
		if doc.WorkspaceID != sub.WorkspaceID {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		cp := *doc
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) UpdateDocumentStatus(_ context.Context, sub auth.Subject, id string, status db.DocumentStatus, errorReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("UpdateDocumentStatus"); err != nil {
		return err
	}
	doc, ok := f.documents[id]
	if !ok || doc.WorkspaceID != sub.WorkspaceID {
		return errdefs.E(errdefs.ErrNotFound, "document not found")
	}
	doc.Status = status
	doc.ErrorReason = ""
	if status == db.DocumentFailed {
		doc.ErrorReason = errorReason
	}
	return nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, sub auth.Subject, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[id]
	if !ok || doc.WorkspaceID != sub.WorkspaceID {
		return errdefs.E(errdefs.ErrNotFound, "document not found")
	}
	delete(f.documents, id)
	return nil
}

func (f *fakeStore) CreatePreset(_ context.Context, sub auth.Subject, p *db.Preset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("CreatePreset"); err != nil {
		return err
	}
	p.WorkspaceID = sub.WorkspaceID
	cp := *p
	f.presets[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetPreset(_ context.Context, sub auth.Subject, id string) (*db.Preset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.presets[id]
	if !ok || p.WorkspaceID != sub.WorkspaceID {
		return nil, errdefs.E(errdefs.ErrNotFound, "preset not found")
	}
	if !p.IsShared && p.UserID != sub.UserID && sub.Role != auth.RoleSystem {
		return nil, errdefs.E(errdefs.ErrNotFound, "preset not found")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListPresets(_ context.Context, sub auth.Subject, _ db.PresetFilter) ([]*db.Preset, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*db.Preset
	for _, p := range f.presets {
		if p.WorkspaceID != sub.WorkspaceID {
			continue
		}
		if !p.IsShared && p.UserID != sub.UserID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) UpdatePreset(_ context.Context, sub auth.Subject, id string, update db.PresetUpdate) (*db.Preset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.presets[id]
	if !ok || p.WorkspaceID != sub.WorkspaceID {
		return nil, errdefs.E(errdefs.ErrNotFound, "preset not found")
	}
	if p.UserID != sub.UserID {
		if !p.IsShared {
			return nil, errdefs.E(errdefs.ErrNotFound, "preset not found")
		}
		return nil, errdefs.E(errdefs.ErrForbidden, "only the preset owner can modify it")
	}
	if update.Name != nil {
		p.Name = *update.Name
	}
	if update.Description != nil {
		p.Description = *update.Description
	}
	if update.Parameters != nil {
		p.Parameters = update.Parameters
	}
	if update.IsShared != nil {
		p.IsShared = *update.IsShared
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) DeletePreset(_ context.Context, sub auth.Subject, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.presets[id]
	if !ok || p.WorkspaceID != sub.WorkspaceID {
		return errdefs.E(errdefs.ErrNotFound, "preset not found")
	}
	if p.UserID != sub.UserID {
		if !p.IsShared {
			return errdefs.E(errdefs.ErrNotFound, "preset not found")
		}
		return errdefs.E(errdefs.ErrForbidden, "only the preset owner can delete it")
	}
	delete(f.presets, id)
	return nil
}

func (f *fakeStore) IncrementPresetUsage(_ context.Context, _ auth.Subject, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.forced("IncrementPresetUsage"); err != nil {
		return err
	}
	f.usageBumps[id]++
	return nil
}

// fakeQueue records enqueued tasks and scripts Cancel answers.
type fakeQueue struct {
	mu            sync.Mutex
	enqueued      []*db.QueuedTask
	enqueueErr    error
	cancelRemoved bool
	cancelErr     error
	cancelled     []string
}

func (q *fakeQueue) Enqueue(_ context.Context, task *db.QueuedTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, task)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, _ auth.Subject, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancelErr != nil {
		return false, q.cancelErr
	}
	q.cancelled = append(q.cancelled, id)
	return q.cancelRemoved, nil
}

// publishedEvent is one captured bus publish.
type publishedEvent struct {
	Topic   string
	Kind    string
	Payload []byte
}

// capturePublisher records bus publishes for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *capturePublisher) Publish(_ context.Context, topic, kind string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.events = append(p.events, publishedEvent{Topic: topic, Kind: kind, Payload: raw})
	return nil
}

func (p *capturePublisher) kinds() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

// captureAudit records audit events.
type captureAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *captureAudit) Publish(_ context.Context, event audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *captureAudit) Close() error { return nil }

func (a *captureAudit) types() []audit.EventType {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.EventType, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeBlobStore keeps blobs in a map.
type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	puts    []string
	putErr  error
	getErr  error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *fakeBlobStore) Put(_ context.Context, key, contentType string, body io.Reader) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	b.objects[key] = data
	b.types[key] = contentType
	b.puts = append(b.puts, key)
	return nil
}

func (b *fakeBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, errdefs.E(errdefs.ErrNotFound, "blob %s not found", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobStore) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok, nil
}

func (b *fakeBlobStore) seed(key, contentType string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	b.types[key] = contentType
}

func testSubject(workspaceID, userID string) auth.Subject {
	return auth.Subject{
		UserID:      userID,
		WorkspaceID: workspaceID,
		Role:        auth.RoleMember,
		SessionID:   "sess-" + userID,
	}
}
