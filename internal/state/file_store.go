package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// FileStore keeps the snapshot in a JSON file so level transitions are not
// re-announced after a restart.
type FileStore struct {
	path   string
	logger zerolog.Logger
}

// NewFileStore returns a JSON-backed state store.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path:   path,
		logger: logger.With().Str("path", path).Logger(),
	}
}

// Load reads the snapshot. A missing, corrupt or incompatible file starts an
// empty snapshot and logs a warning; only read errors are returned.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Msg("no state file yet, starting fresh")
		return empty(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var loaded State
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn().Err(err).Msg("state file corrupt, starting fresh")
		return empty(), nil
	}
	if loaded.Version > SchemaVersion {
		s.logger.Warn().Int("version", loaded.Version).Int("supported", SchemaVersion).Msg("state file written by a newer version, starting fresh")
		return empty(), nil
	}
	loaded.Version = SchemaVersion
	if loaded.Deployments == nil {
		loaded.Deployments = map[string]DeploymentSnapshot{}
	}
	return loaded, nil
}

// Save replaces the file atomically.
func (s *FileStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.Version = SchemaVersion
	if st.Deployments == nil {
		st.Deployments = map[string]DeploymentSnapshot{}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	s.logger.Debug().Int("deployments", len(st.Deployments)).Msg("state saved")
	return nil
}

// writeFileAtomic writes data to a sibling temp file, syncs it and renames it
// over path.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	if d, openErr := os.Open(dir); openErr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
