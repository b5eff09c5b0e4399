// Package blobstore is the content-addressed byte store backing the file
// indexer. Keys are forward-slash paths; artifacts live under the "repo/"
// prefix and runtime uploads under "uploads/". Puts are last-write-wins.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no blob. Every other failure is
// a retryable transport error.
var ErrNotFound = errors.New("blob not found")

// Store is the minimal object-store surface the core needs. The Supabase
// backend is the production implementation; Memory serves tests and the
// reindexer's dry runs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// PresignedPut returns a URL a client can PUT bytes to directly,
	// valid for ttl.
	PresignedPut(ctx context.Context, key string, contentType string, ttl time.Duration) (string, error)
}

// RepoPrefix is where source artifacts live.
const RepoPrefix = "repo/"

// RepoKey maps an artifact path to its blob key.
func RepoKey(path string) string {
	return RepoPrefix + path
}

// UploadKey maps a runtime form upload to its blob key.
func UploadKey(formID, uploadID, filename string) string {
	return "uploads/" + formID + "/" + uploadID + "/" + filename
}
