// Package store provides the FrameStore implementations: a filesystem
// store writing image files with JSON sidecars, and a PostgreSQL store
// for rigs feeding a processing pipeline.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/innot/tofisca/internal/log"
	"github.com/innot/tofisca/pkg/scan"
)

// FSStore persists frames as <root>/<session>/frame_00001.<ext> with a
// frame_00001.json metadata sidecar. The sidecar is written last and
// atomically, so its presence marks a complete commit.
type FSStore struct {
	root string
}

var _ scan.FrameStore = (*FSStore)(nil)

func NewFS(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) sessionDir(session uuid.UUID) string {
	return filepath.Join(s.root, session.String())
}

func sidecarName(index int) string {
	return fmt.Sprintf("frame_%05d.json", index)
}

// Commit writes the frame image and its sidecar. Re-committing an
// index that already has a sidecar is a no-op.
func (s *FSStore) Commit(ctx context.Context, rec scan.FrameRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := s.sessionDir(rec.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: session dir: %w", err)
	}

	sidecar := filepath.Join(dir, sidecarName(rec.Index))
	if _, err := os.Stat(sidecar); err == nil {
		log.Debug("frame already committed", "index", rec.Index)
		return nil
	}

	ext := rec.Format
	if ext == "" {
		ext = "bin"
	}
	imgPath := filepath.Join(dir, fmt.Sprintf("frame_%05d.%s", rec.Index, ext))
	if err := os.WriteFile(imgPath, rec.Image, 0o644); err != nil {
		return fmt.Errorf("store: write image: %w", err)
	}

	meta, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode metadata: %w", err)
	}
	tmp := sidecar + ".tmp"
	if err := os.WriteFile(tmp, meta, 0o644); err != nil {
		return fmt.Errorf("store: write metadata: %w", err)
	}
	if err := os.Rename(tmp, sidecar); err != nil {
		return fmt.Errorf("store: finalize metadata: %w", err)
	}
	return nil
}

// LastIndex returns the highest committed index for the session, 0
// when the session has no frames yet.
func (s *FSStore) LastIndex(ctx context.Context, session uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(s.sessionDir(session))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("store: read session dir: %w", err)
	}
	last := 0
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "frame_%05d.json", &idx); err != nil {
			continue
		}
		if idx > last {
			last = idx
		}
	}
	return last, nil
}
