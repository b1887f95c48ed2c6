// Package storage publishes export trees to object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrUploadFailed = errors.New("upload failed")
	ErrDeleteFailed = errors.New("delete failed")
	ErrListFailed   = errors.New("list failed")
)

// ObjectStore is the subset of object storage the exporter needs.
// Keys always use forward slashes.
type ObjectStore interface {
	// Put uploads the file at localPath to key, replacing any existing object.
	Put(ctx context.Context, localPath, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SyncResult reports what Sync changed.
type SyncResult struct {
	Uploaded []string
	Deleted  []string
}

// Sync mirrors the files under localDir to prefix in store. Objects under
// prefix with no local counterpart are deleted. Files whose name begins with
// an underscore are uploaded after all data files so a reader that finds the
// sidecar also finds the data it describes.
func Sync(ctx context.Context, store ObjectStore, localDir, prefix string) (SyncResult, error) {
	var res SyncResult

	var files []string
	err := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("storage: failed to walk %s: %w", localDir, err)
	}
	sort.SliceStable(files, func(i, j int) bool {
		mi, mj := isMeta(files[i]), isMeta(files[j])
		if mi != mj {
			return !mi
		}
		return files[i] < files[j]
	})

	want := make(map[string]bool, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rel, err := filepath.Rel(localDir, f)
		if err != nil {
			return res, err
		}
		key := JoinKey(prefix, filepath.ToSlash(rel))
		if err := store.Put(ctx, f, key); err != nil {
			return res, err
		}
		want[key] = true
		res.Uploaded = append(res.Uploaded, key)
	}

	existing, err := store.List(ctx, prefix)
	if err != nil {
		return res, err
	}
	sort.Strings(existing)
	for _, key := range existing {
		if want[key] {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			return res, err
		}
		res.Deleted = append(res.Deleted, key)
	}
	return res, nil
}

// JoinKey joins a prefix and a relative key with a single slash.
func JoinKey(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

func isMeta(p string) bool {
	return strings.HasPrefix(filepath.Base(p), "_")
}
