package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/marek/upcycle/internal/logger"
)

// Snapshotter copies the flat index artifacts (vector blob and mapping
// sidecar) to and from object storage, so a corrupted or lost index can be
// restored without a full rebuild.
type Snapshotter struct {
	store       ObjectStorage
	indexPath   string
	mappingPath string
}

// NewSnapshotter creates a Snapshotter for the given index artifact paths.
func NewSnapshotter(store ObjectStorage, indexPath, mappingPath string) *Snapshotter {
	return &Snapshotter{store: store, indexPath: indexPath, mappingPath: mappingPath}
}

const (
	snapshotIndexKey   = "index/vectors.bin"
	snapshotMappingKey = "index/mapping.json"
)

// Snapshot uploads the current index artifacts. Missing local files abort
// the snapshot rather than overwriting a good remote copy with nothing.
func (s *Snapshotter) Snapshot(ctx context.Context) error {
	if err := s.uploadFile(ctx, s.indexPath, snapshotIndexKey, "application/octet-stream"); err != nil {
		return err
	}
	if err := s.uploadFile(ctx, s.mappingPath, snapshotMappingKey, "application/json"); err != nil {
		return err
	}
	logger.CtxInfo(ctx, "index snapshot uploaded")
	return nil
}

// Restore downloads the snapshot artifacts over the local files.
func (s *Snapshotter) Restore(ctx context.Context) error {
	if err := s.downloadFile(ctx, snapshotIndexKey, s.indexPath); err != nil {
		return err
	}
	if err := s.downloadFile(ctx, snapshotMappingKey, s.mappingPath); err != nil {
		return err
	}
	logger.CtxInfo(ctx, "index snapshot restored")
	return nil
}

func (s *Snapshotter) uploadFile(ctx context.Context, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s for snapshot: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return s.store.Upload(ctx, key, f, info.Size(), contentType)
}

func (s *Snapshotter) downloadFile(ctx context.Context, key, path string) error {
	body, err := s.store.Download(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp restore file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write restored file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close restored file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
