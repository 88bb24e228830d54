package service

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/recasthq/recast/audit"
	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/common"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/errdefs"
	"github.com/recasthq/recast/storage"
)

// maxUploadBytes caps a single document upload.
const maxUploadBytes = 10 << 20

// UploadInput carries one multipart upload.
type UploadInput struct {
	Title       string
	Description string
	Filename    string
	ContentType string
	Content     io.Reader
}

// DocumentContent is the extracted text of a ready document.
type DocumentContent struct {
	DocumentID  string `json:"document_id"`
	Title       string `json:"title"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// DocumentService runs the upload pipeline: hash, store, extract, and
// record. Each document owns two blobs, the original bytes under the
// content-addressed key and the extracted text next to it.
type DocumentService struct {
	store     DocumentStore
	blobs     storage.BlobStore
	extractor storage.ContentExtractor
	auditor   audit.Publisher
	logger    *logrus.Entry
}

// NewDocumentService wires the document pipeline.
func NewDocumentService(store DocumentStore, blobs storage.BlobStore, extractor storage.ContentExtractor, auditor audit.Publisher) *DocumentService {
	if auditor == nil {
		auditor = audit.NopPublisher{}
	}
	return &DocumentService{
		store:     store,
		blobs:     blobs,
		extractor: extractor,
		auditor:   auditor,
		logger:    logrus.NewEntry(common.Logger).WithField("component", "documents"),
	}
}

// Upload ingests a document. The original bytes are stored first so a
// failed extraction can be retried later from the blob; the row is
// written last, either ready with its text blob in place or failed
// with the reason.
func (s *DocumentService) Upload(ctx context.Context, sub auth.Subject, input UploadInput) (*db.Document, error) {
	data, err := io.ReadAll(io.LimitReader(input.Content, maxUploadBytes+1))
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "read upload")
	}
	if len(data) > maxUploadBytes {
		return nil, errdefs.E(errdefs.ErrInvalidInput, "file exceeds %d bytes", maxUploadBytes)
	}
	if len(data) == 0 {
		return nil, errdefs.E(errdefs.ErrInvalidInput, "file is empty")
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = strings.TrimSpace(input.Filename)
	}
	if title == "" {
		return nil, errdefs.E(errdefs.ErrInvalidInput, "title is required")
	}

	contentType := input.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	hash := storage.HashContent(data)
	key := storage.ObjectKey(sub.WorkspaceID, hash)
	exists, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := s.blobs.Put(ctx, key, contentType, bytes.NewReader(data)); err != nil {
			return nil, err
		}
	}

	doc := &db.Document{
		ID:               uuid.NewString(),
		UserID:           sub.UserID,
		Title:            title,
		Description:      strings.TrimSpace(input.Description),
		OriginalFilename: input.Filename,
		ContentType:      contentType,
		BlobRef:          key,
		ContentHash:      hash,
		SizeBytes:        int64(len(data)),
	}

	text, err := s.extractor.Extract(ctx, contentType, bytes.NewReader(data))
	switch {
	case err == nil:
		if err := s.blobs.Put(ctx, storage.TextKey(key), "text/plain; charset=utf-8", strings.NewReader(text)); err != nil {
			return nil, err
		}
		doc.Status = db.DocumentReady
	case errdefs.IsInvalidInput(err):
		// The upload itself succeeded; the document lands failed with
		// the reason and stays reprocessable once an extractor for its
		// type exists.
		doc.Status = db.DocumentFailed
		doc.ErrorReason = err.Error()
	default:
		return nil, err
	}

	if err := s.store.CreateDocument(ctx, sub, doc); err != nil {
		return nil, err
	}

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventDocumentUploaded,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "document",
		ResourceID:  doc.ID,
		Detail: map[string]interface{}{
			"content_hash": hash,
			"size_bytes":   doc.SizeBytes,
			"status":       string(doc.Status),
		},
	})
	return doc, nil
}

// Get loads one document of the subject's workspace.
func (s *DocumentService) Get(ctx context.Context, sub auth.Subject, id string) (*db.Document, error) {
	return s.store.GetDocument(ctx, sub, id)
}

// List returns a page of the workspace's documents plus the total.
func (s *DocumentService) List(ctx context.Context, sub auth.Subject, filter db.DocumentFilter) ([]*db.Document, int64, error) {
	return s.store.ListDocuments(ctx, sub, filter)
}

// Content returns the extracted text of a ready document.
func (s *DocumentService) Content(ctx context.Context, sub auth.Subject, id string) (*DocumentContent, error) {
	doc, err := s.store.GetDocument(ctx, sub, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != db.DocumentReady {
		return nil, errdefs.E(errdefs.ErrConflict, "document is %s, not ready", doc.Status)
	}
	reader, err := s.blobs.Get(ctx, storage.TextKey(doc.BlobRef))
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	text, err := io.ReadAll(reader)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "read extracted text")
	}
	return &DocumentContent{
		DocumentID:  doc.ID,
		Title:       doc.Title,
		Content:     string(text),
		ContentType: doc.ContentType,
	}, nil
}

// Reprocess re-runs extraction for a failed document from its stored
// original bytes.
func (s *DocumentService) Reprocess(ctx context.Context, sub auth.Subject, id string) (*db.Document, error) {
	doc, err := s.store.GetDocument(ctx, sub, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != db.DocumentFailed {
		return nil, errdefs.E(errdefs.ErrConflict, "document is %s, only failed documents can be reprocessed", doc.Status)
	}

	reader, err := s.blobs.Get(ctx, doc.BlobRef)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrTransient, err, "read original blob")
	}

	text, err := s.extractor.Extract(ctx, doc.ContentType, bytes.NewReader(data))
	switch {
	case err == nil:
		if err := s.blobs.Put(ctx, storage.TextKey(doc.BlobRef), "text/plain; charset=utf-8", strings.NewReader(text)); err != nil {
			return nil, err
		}
		if err := s.store.UpdateDocumentStatus(ctx, sub, id, db.DocumentReady, ""); err != nil {
			return nil, err
		}
		doc.Status = db.DocumentReady
		doc.ErrorReason = ""
	case errdefs.IsInvalidInput(err):
		if uerr := s.store.UpdateDocumentStatus(ctx, sub, id, db.DocumentFailed, err.Error()); uerr != nil {
			return nil, uerr
		}
		doc.Status = db.DocumentFailed
		doc.ErrorReason = err.Error()
	default:
		return nil, err
	}

	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventDocumentReprocessed,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "document",
		ResourceID:  doc.ID,
		Detail:      map[string]interface{}{"status": string(doc.Status)},
	})
	return doc, nil
}

// Delete soft-deletes the document row. Blobs are content addressed
// and may be shared between documents, so they stay.
func (s *DocumentService) Delete(ctx context.Context, sub auth.Subject, id string) error {
	if err := s.store.DeleteDocument(ctx, sub, id); err != nil {
		return err
	}
	audit.Emit(ctx, s.auditor, audit.Event{
		Type:        audit.EventDocumentDeleted,
		WorkspaceID: sub.WorkspaceID,
		UserID:      sub.UserID,
		Resource:    "document",
		ResourceID:  id,
	})
	return nil
}
