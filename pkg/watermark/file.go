package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"

	"github.com/sluicedata/sluice/pkg/errors"
)

// FileStore persists watermark state as a single JSON document keyed by
// pipeline name. Commits rewrite the file through a temp file and rename so
// a crash mid-write never truncates existing state.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by the given JSON file. The file is
// created on first commit.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "watermark file store requires a path")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Get(ctx context.Context, pipelineName string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.load()
	if err != nil {
		return nil, err
	}
	state, ok := states[pipelineName]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (s *FileStore) Commit(ctx context.Context, state *State, prior *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.load()
	if err != nil {
		return err
	}
	var stored *State
	if current, ok := states[state.PipelineName]; ok {
		stored = &current
	}
	if !matches(stored, prior) {
		return conflict(state.PipelineName)
	}
	states[state.PipelineName] = *state
	return s.save(states)
}

func (s *FileStore) Clear(ctx context.Context, pipelineName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := states[pipelineName]; !ok {
		return nil
	}
	delete(states, pipelineName)
	return s.save(states)
}

func (s *FileStore) load() (map[string]State, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]State), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read watermark file")
	}
	if len(data) == 0 {
		return make(map[string]State), nil
	}

	var states map[string]State
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData,
			fmt.Sprintf("watermark file %s is corrupt", s.path))
	}
	if states == nil {
		states = make(map[string]State)
	}
	return states, nil
}

func (s *FileStore) save(states map[string]State) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode watermark state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create watermark directory")
	}

	tmp, err := os.CreateTemp(dir, ".watermark-*.json")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to create temp watermark file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write watermark file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to close watermark file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to replace watermark file")
	}
	return nil
}
