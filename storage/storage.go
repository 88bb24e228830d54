// Package storage holds the blob store capability for document
// content plus the extraction step that turns uploads into the plain
// text transformations consume. Blobs are content addressed: the key
// is derived from the workspace and the content hash, so uploading
// the same bytes twice lands on the same object.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// BlobStore stores and retrieves document content by key.
type BlobStore interface {
	// Put stores the blob under key. Re-putting an existing key
	// overwrites it with identical bytes and is not an error.
	Put(ctx context.Context, key, contentType string, body io.Reader) error

	// Get returns the blob content. The caller closes the reader.
	// Missing keys return not_found.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports presence without fetching the body.
	Exists(ctx context.Context, key string) (bool, error)
}

// ObjectKey builds the content-addressed key for a workspace blob.
func ObjectKey(workspaceID, contentHash string) string {
	return workspaceID + "/" + contentHash
}

// TextKey addresses the extracted-text companion of an original blob.
func TextKey(blobRef string) string {
	return blobRef + ".txt"
}

// HashContent returns the hex SHA-256 of the content, the value kept
// in documents.content_hash.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
