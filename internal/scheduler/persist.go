package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/woozymasta/meridian/internal/models"
	"github.com/woozymasta/meridian/internal/snapshot"
)

type persistedView struct {
	Categories  map[string][]models.Server `json:"servers"`
	Version     string                     `json:"version"`
	PublishedAt time.Time                  `json:"published_at"`
	NextRefresh time.Time                  `json:"next_refresh"`
}

// writeView stores v at path through a temporary file.
func writeView(path string, v *snapshot.View) error {
	data, err := json.Marshal(persistedView{
		Categories:  v.Categories,
		Version:     v.Version,
		PublishedAt: v.PublishedAt,
		NextRefresh: v.NextRefresh,
	})
	if err != nil {
		return fmt.Errorf("marshal view: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	return os.Rename(tmp, path)
}

// readView loads a view written by writeView.
func readView(path string) (*snapshot.View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p persistedView
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	return &snapshot.View{
		Categories:  p.Categories,
		Version:     p.Version,
		PublishedAt: p.PublishedAt,
		NextRefresh: p.NextRefresh,
	}, nil
}

// persist writes the current view. It runs outside of mu and always writes
// the latest view, so concurrent publishes cannot leave an older one on disk.
func (s *Service) persist() {
	if s.opts.SnapshotPath == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if err := writeView(s.opts.SnapshotPath, s.snapshots.Get()); err != nil {
		s.log.Warn().Err(err).Str("path", s.opts.SnapshotPath).Msg("Persist view failed")
	}
}

// restore serves the last persisted view until the first cycle publishes.
func (s *Service) restore() {
	if s.opts.SnapshotPath == "" {
		return
	}

	v, err := readView(s.opts.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Msg("Persisted view ignored")
		}
		return
	}

	s.snapshots.Restore(v)
	s.log.Info().
		Str("version", v.Version).
		Time("published_at", v.PublishedAt).
		Msg("Persisted view restored")
}
