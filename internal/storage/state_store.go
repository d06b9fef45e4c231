package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

var fileNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// FileStateStore состояние стратегии в JSON-файле на пару.
// Запись атомарная: временный файл в том же каталоге, fsync, rename.
type FileStateStore struct {
	dir    string
	bounds domain.StateBounds
	logger *utils.Logger
	mu     sync.Mutex
}

func NewFileStateStore(dir string, bounds domain.StateBounds, logger *utils.Logger) *FileStateStore {
	return &FileStateStore{dir: dir, bounds: bounds, logger: logger}
}

func (s *FileStateStore) path(pair string) string {
	return filepath.Join(s.dir, fileNameSanitizer.ReplaceAllString(pair, "_")+".json")
}

// Save сохраняет состояние
func (s *FileStateStore) Save(state *domain.StrategyState) error {
	if state == nil {
		return fmt.Errorf("%w: nil state", domain.ErrInvalidInput)
	}
	if err := state.Validate(s.bounds); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	target := s.path(state.Pair)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Load читает состояние. Неизвестные поля и нарушения инвариантов дают ErrInvalidState,
// отсутствие файла дает ErrStateNotFound.
func (s *FileStateStore) Load(pair string) (*domain.StrategyState, error) {
	s.mu.Lock()
	data, err := os.ReadFile(s.path(pair))
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrStateNotFound, pair)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrStateNotFound, pair)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var state domain.StrategyState
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after state object", domain.ErrInvalidState)
	}
	if state.Pair != pair {
		return nil, fmt.Errorf("%w: file holds pair %q, want %q", domain.ErrInvalidState, state.Pair, pair)
	}
	if err := state.Validate(s.bounds); err != nil {
		return nil, err
	}
	return &state, nil
}

// LoadOrDefault загружает состояние или возвращает копию значений по умолчанию.
// Поврежденное состояние не останавливает запуск: пишется предупреждение.
func LoadOrDefault(store domain.StateStore, pair string, defaults *domain.StrategyState, logger *utils.Logger) *domain.StrategyState {
	state, err := store.Load(pair)
	if err == nil {
		return state
	}

	if errors.Is(err, domain.ErrStateNotFound) {
		logger.Info("No saved state for %s, starting from defaults", pair)
	} else {
		logger.Warn("⚠️ Saved state for %s rejected, starting from defaults: %v", pair, err)
	}
	def := defaults.Clone()
	def.Pair = pair
	return def
}
