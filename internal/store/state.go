package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"saros/internal/domain"
)

// Compile-time interface check.
var _ StateStore = (*JSONStateStore)(nil)

// JSONStateStore keeps the engine state in a single indented JSON file. Every
// Save rewrites the whole document, so the file always holds one complete,
// hand-inspectable snapshot.
type JSONStateStore struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewJSONStateStore creates a store writing to path. Parent directories are
// created on the first Save.
func NewJSONStateStore(path string, log *slog.Logger) *JSONStateStore {
	if log == nil {
		log = slog.Default()
	}
	return &JSONStateStore{path: path, log: log.With("component", "statestore")}
}

// Load reads the snapshot. A missing file is not an error: it returns nil so
// the engine starts from a fresh state.
func (s *JSONStateStore) Load(_ context.Context) (*domain.EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var st domain.EngineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	s.log.Info("loaded engine state", "path", s.path, "date", st.LastDate, "policy", st.Policy)
	return &st, nil
}

// Save overwrites the snapshot file with st.
func (s *JSONStateStore) Save(_ context.Context, st *domain.EngineState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling engine state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}
