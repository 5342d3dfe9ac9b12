// Package storage manages the on-disk media tree: one directory per
// channel for segmented output, purged when the channel stops.
package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/models"
)

// MediaStore owns the media root directory.
type MediaStore struct {
	root   string
	logger *slog.Logger
}

// NewMediaStore creates a media store rooted at the configured base path.
func NewMediaStore(cfg config.MediaConfig, logger *slog.Logger) *MediaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaStore{root: cfg.BasePath, logger: logger}
}

// Root returns the media root directory.
func (s *MediaStore) Root() string { return s.root }

// ChannelDir returns the channel's media directory path.
func (s *MediaStore) ChannelDir(id models.ULID) string {
	return filepath.Join(s.root, id.String())
}

// EnsureChannelDir creates the channel's media directory if missing.
func (s *MediaStore) EnsureChannelDir(id models.ULID) (string, error) {
	dir := s.ChannelDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating media directory %s: %w", dir, err)
	}
	return dir, nil
}

// PurgeChannel removes the channel's media directory and everything in
// it. Removing a directory that does not exist is not an error.
func (s *MediaStore) PurgeChannel(id models.ULID) error {
	dir := s.ChannelDir(id)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purging media directory %s: %w", dir, err)
	}
	return nil
}

// SweepOrphans removes media directories that no longer belong to any
// known channel and returns how many were removed. Entries that are not
// valid channel identifiers are left alone.
func (s *MediaStore) SweepOrphans(known []models.ULID) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading media root %s: %w", s.root, err)
	}

	keep := make(map[string]struct{}, len(known))
	for _, id := range known {
		keep[id.String()] = struct{}{}
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, err := models.ParseULID(name); err != nil {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, name)); err != nil {
			s.logger.Warn("removing orphaned media directory",
				slog.String("dir", name), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, nil
}
