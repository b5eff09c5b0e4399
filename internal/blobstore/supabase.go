package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	storage_go "github.com/supabase-community/storage-go"
)

// Supabase stores blobs in a Supabase Storage bucket. Object paths map
// 1:1 to blob keys.
type Supabase struct {
	client *storage_go.Client
	bucket string
}

// NewSupabase creates a storage-backed blob store. url is the project
// storage endpoint (https://<ref>.supabase.co/storage/v1), key the
// service-role key.
func NewSupabase(url, key, bucket string) *Supabase {
	client := storage_go.NewClient(url, key, nil)
	return &Supabase{client: client, bucket: bucket}
}

func (s *Supabase) Put(ctx context.Context, key string, data []byte, contentType string) error {
	upsert := true
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.UploadFile(s.bucket, key, bytes.NewReader(data), storage_go.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		return fmt.Errorf("storage upload %s: %w", key, err)
	}
	return nil
}

func (s *Supabase) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.DownloadFile(s.bucket, key)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("storage download %s: %w", key, err)
	}
	return data, nil
}

func (s *Supabase) Delete(ctx context.Context, key string) error {
	_, err := s.client.RemoveFile(s.bucket, []string{key})
	if err != nil {
		return fmt.Errorf("storage remove %s: %w", key, err)
	}
	return nil
}

// List walks the bucket under prefix. The storage API lists one folder
// level at a time, so nested folders are walked recursively; folder
// entries carry no object id.
func (s *Supabase) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	if err := s.listFolder(ctx, strings.TrimSuffix(prefix, "/"), &keys); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Supabase) listFolder(ctx context.Context, folder string, keys *[]string) error {
	objects, err := s.client.ListFiles(s.bucket, folder, storage_go.FileSearchOptions{
		Limit: 1000,
	})
	if err != nil {
		return fmt.Errorf("storage list %s: %w", folder, err)
	}
	for _, obj := range objects {
		full := obj.Name
		if folder != "" {
			full = folder + "/" + obj.Name
		}
		if obj.Id == "" {
			// folder placeholder, recurse
			if err := s.listFolder(ctx, full, keys); err != nil {
				slog.Warn("Skipping unlistable folder", "folder", full, "error", err)
			}
			continue
		}
		*keys = append(*keys, full)
	}
	return nil
}

func (s *Supabase) PresignedPut(ctx context.Context, key string, contentType string, ttl time.Duration) (string, error) {
	resp, err := s.client.CreateSignedUploadUrl(s.bucket, key)
	if err != nil {
		return "", fmt.Errorf("storage signed upload url %s: %w", key, err)
	}
	return resp.Url, nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not_found") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "404")
}

var _ Store = (*Supabase)(nil)
