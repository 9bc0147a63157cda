// Package checkpoint persists the crawl resume position.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/clock/system"
	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// FileStore keeps the checkpoint in a single JSON file replaced atomically.
type FileStore struct {
	path   string
	clock  crawler.Clock
	logger *zap.Logger
}

// NewFileStore creates a FileStore writing to path. The parent directory is
// created when missing.
func NewFileStore(path string, clock crawler.Clock, logger *zap.Logger) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, crawler.NewConfigurationError("checkpoint.path", "is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, crawler.NewConfigurationError("checkpoint.path", "create directory: %w", err)
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, clock: clock, logger: logger}, nil
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint. A missing file yields the zero checkpoint and no
// error; an unreadable or malformed one yields the zero checkpoint and an
// error wrapping crawler.ErrCheckpointCorrupt.
func (s *FileStore) Load(_ context.Context) (crawler.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return crawler.Checkpoint{}, nil
		}
		return crawler.Checkpoint{}, fmt.Errorf("%w: read %s: %w", crawler.ErrCheckpointCorrupt, s.path, err)
	}
	var cp crawler.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return crawler.Checkpoint{}, fmt.Errorf("%w: decode %s: %w", crawler.ErrCheckpointCorrupt, s.path, err)
	}
	if cp.DimensionIndex < 0 || cp.PageCursor < 0 || cp.CountryIndex < 0 || cp.JobIndex < 0 {
		return crawler.Checkpoint{}, fmt.Errorf("%w: negative position in %s", crawler.ErrCheckpointCorrupt, s.path)
	}
	s.logger.Debug("checkpoint loaded",
		zap.Int("dimension_index", cp.DimensionIndex),
		zap.Int("page_cursor", cp.PageCursor),
	)
	return cp, nil
}

// Save writes cp to a temp file in the same directory, syncs it and renames
// it over the checkpoint so a crash leaves either the old or new file intact.
func (s *FileStore) Save(_ context.Context, cp crawler.Checkpoint) error {
	cp.UpdatedAt = s.clock.Now()
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("remove temp checkpoint failed", zap.String("path", tmpPath), zap.Error(rmErr))
		}
	}

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	syncDir(dir)

	s.logger.Debug("checkpoint saved",
		zap.Int("dimension_index", cp.DimensionIndex),
		zap.Int("page_cursor", cp.PageCursor),
	)
	return nil
}

// Reset removes the checkpoint so the next run starts at index zero.
func (s *FileStore) Reset(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// syncDir flushes the rename to the directory entry. Not every platform
// supports fsync on directories, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 -- directory of the configured checkpoint.
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
