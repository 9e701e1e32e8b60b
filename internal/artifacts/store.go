package artifacts

// ============================================================================
// Responsibilities:
// 1. Persist trace files transferred inline by remote workers
// 2. Persist the run summary as summary.json
// 3. Write atomically (temp file + rename) so readers never see partial files
// 4. Validate the summary schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ChuLiYu/parallel-checker/pkg/types"
)

// SchemaVersion is the summary.json layout version.
const SchemaVersion = 1

// SummaryFile is the summary file name inside the store directory.
const SummaryFile = "summary.json"

var (
	ErrCorruptedSummary    = errors.New("summary file is corrupted")
	ErrIncompatibleVersion = errors.New("summary schema version is incompatible")
	ErrSummaryNotFound     = errors.New("summary file not found")
	ErrInvalidName         = errors.New("invalid artifact name")
)

// Store writes run artifacts below one directory:
//
//	<dir>/summary.json
//	<dir>/traces/<worker>/<file>
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir is the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// WriteTrace stores a trace received from worker and returns its path.
// Only the base name of fileName is kept.
func (s *Store) WriteTrace(worker, fileName string, data []byte) (string, error) {
	name, err := sanitize(fileName)
	if err != nil {
		return "", err
	}
	workerDir, err := sanitize(worker)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, "traces", workerDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create trace dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteSummary atomically replaces summary.json.
func (s *Store) WriteSummary(summary types.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	summary.SchemaVer = SchemaVersion
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return writeAtomic(s.SummaryPath(), data)
}

// SummaryPath is the location of summary.json.
func (s *Store) SummaryPath() string {
	return filepath.Join(s.dir, SummaryFile)
}

// LoadSummary reads summary.json from the store.
func (s *Store) LoadSummary() (types.RunSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LoadSummary(s.SummaryPath())
}

// LoadSummary reads and validates the summary at path.
func LoadSummary(path string) (types.RunSummary, error) {
	var summary types.RunSummary

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return summary, fmt.Errorf("%w: %s", ErrSummaryNotFound, path)
		}
		return summary, fmt.Errorf("failed to read summary: %w", err)
	}

	if err := json.Unmarshal(data, &summary); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrCorruptedSummary, err)
	}
	if summary.SchemaVer != SchemaVersion {
		return summary, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, summary.SchemaVer, SchemaVersion)
	}
	return summary, nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// sanitize reduces name to a single safe path element.
func sanitize(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return base, nil
}
