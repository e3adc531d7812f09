package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
)

const (
	stateFileName  = "state.json"
	currentVersion = 1
)

// FileProgress records how far a single file has been processed
type FileProgress struct {
	Path            string    `json:"path"`
	Size            int64     `json:"size"`
	ModTime         time.Time `json:"modified_time"`
	ProcessedOffset int64     `json:"processed_offset"`
	Header          []string  `json:"header_signature,omitempty"`
	RowsEmitted     int64     `json:"rows_emitted"`
	RowsSkipped     int64     `json:"rows_skipped,omitempty"`
	Inode           uint64    `json:"inode,omitempty"`

	// MissingSince is set while the path is absent from the watched directory
	MissingSince time.Time `json:"missing_since,omitzero"`
}

// RowsRead is the number of data rows consumed so far, emitted or skipped
func (p FileProgress) RowsRead() int64 {
	return p.RowsEmitted + p.RowsSkipped
}

// Reset returns the record as it looks for a file seen for the first time,
// keeping only its path.
func (p FileProgress) Reset() FileProgress {
	return FileProgress{Path: p.Path}
}

// CorruptionError reports a state file that could not be read or decoded.
// The store recovers from it by starting empty.
type CorruptionError struct {
	Path string
	Err  error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// document is the on-disk layout of the state file
type document struct {
	Version int                     `json:"version"`
	Files   map[string]FileProgress `json:"files"`
}

// Store is the durable path -> FileProgress mapping. It is not safe for
// concurrent use; the scheduler owns it for the duration of a cycle.
type Store struct {
	dir    string
	path   string
	files  map[string]FileProgress
	logger *logging.Logger
}

// Open creates the state directory if needed and returns an empty store
func Open(dir string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &Store{
		dir:    dir,
		path:   filepath.Join(dir, stateFileName),
		files:  make(map[string]FileProgress),
		logger: logger.WithComponent("state"),
	}, nil
}

// Path returns the location of the state file
func (s *Store) Path() string {
	return s.path
}

// Dir returns the state directory
func (s *Store) Dir() string {
	return s.dir
}

// Inspect reads the state file in dir without modifying anything, so it
// is safe to call while an agent owns the directory. A missing file
// yields an empty map.
func Inspect(dir string) (map[string]FileProgress, error) {
	path := filepath.Join(dir, stateFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]FileProgress{}, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	files, err := decode(data)
	if err != nil {
		return nil, &CorruptionError{Path: path, Err: err}
	}
	return files, nil
}

// Load reads the state file. A missing file yields an empty store. An
// unreadable or malformed file is moved aside, the store starts empty and a
// *CorruptionError is returned; callers treat it as a warning, since every
// file will simply be reprocessed from the start.
func (s *Store) Load() error {
	s.files = make(map[string]FileProgress)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return s.recover(err)
	}

	files, err := decode(data)
	if err != nil {
		return s.recover(err)
	}

	s.files = files
	s.logger.Info().Int("files", len(files)).Msg("Loaded state")
	return nil
}

func (s *Store) recover(cause error) error {
	corrupt := s.path + ".corrupt"
	if err := os.Rename(s.path, corrupt); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Err(err).Msg("Failed to move corrupt state file aside")
	}

	s.logger.Warn().
		Err(cause).
		Str("path", s.path).
		Msg("State file unreadable, starting empty; all files will be reprocessed")

	return &CorruptionError{Path: s.path, Err: cause}
}

// Save writes the state to a temporary file and renames it over the state
// file, so a crash never leaves a partially written state behind.
func (s *Store) Save() error {
	data, err := encode(s.files)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, stateFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	syncDir(s.dir)
	return nil
}

// Get returns the progress for path, or a zero record when absent
func (s *Store) Get(path string) (FileProgress, bool) {
	p, ok := s.files[path]
	if !ok {
		return FileProgress{Path: path}, false
	}
	return p, true
}

// Put stores progress under its path
func (s *Store) Put(p FileProgress) {
	s.files[p.Path] = normalize(p)
}

// Delete removes the record for path
func (s *Store) Delete(path string) {
	delete(s.files, path)
}

// Len returns the number of tracked files
func (s *Store) Len() int {
	return len(s.files)
}

// Paths returns the tracked paths in lexicographic order
func (s *Store) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot returns a copy of all records
func (s *Store) Snapshot() map[string]FileProgress {
	out := make(map[string]FileProgress, len(s.files))
	for k, v := range s.files {
		v.Header = append([]string(nil), v.Header...)
		out[k] = normalize(v)
	}
	return out
}

// MarkSeen reconciles records with the set of paths found by a scan. Present
// paths lose their missing mark, absent ones get stamped with now, and those
// absent for longer than grace are dropped. Dropped paths are returned.
func (s *Store) MarkSeen(present map[string]struct{}, now time.Time, grace time.Duration) []string {
	var dropped []string

	for _, path := range s.Paths() {
		p := s.files[path]

		if _, ok := present[path]; ok {
			if !p.MissingSince.IsZero() {
				p.MissingSince = time.Time{}
				s.files[path] = p
			}
			continue
		}

		if p.MissingSince.IsZero() {
			p.MissingSince = now.UTC()
			s.files[path] = p
			continue
		}

		if now.Sub(p.MissingSince) > grace {
			delete(s.files, path)
			dropped = append(dropped, path)
		}
	}

	return dropped
}

// Reset forgets all records and removes the state file
func (s *Store) Reset() error {
	s.files = make(map[string]FileProgress)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

func encode(files map[string]FileProgress) ([]byte, error) {
	return json.MarshalIndent(document{Version: currentVersion, Files: files}, "", "  ")
}

// decode parses a state document. Each format version gets its own case so
// that a layout change is an explicit migration.
func decode(data []byte) (map[string]FileProgress, error) {
	var versioned struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &versioned); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	switch versioned.Version {
	case 1:
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state: %w", err)
		}
		files := make(map[string]FileProgress, len(doc.Files))
		for path, p := range doc.Files {
			if p.Path == "" {
				p.Path = path
			}
			if p.Path != path {
				return nil, fmt.Errorf("state entry %q has mismatched path %q", path, p.Path)
			}
			if p.ProcessedOffset < 0 || p.Size < 0 {
				return nil, fmt.Errorf("state entry %q has negative offset or size", path)
			}
			files[path] = normalize(p)
		}
		return files, nil
	default:
		return nil, fmt.Errorf("unsupported state version %d", versioned.Version)
	}
}

func normalize(p FileProgress) FileProgress {
	p.ModTime = p.ModTime.UTC()
	if !p.MissingSince.IsZero() {
		p.MissingSince = p.MissingSince.UTC()
	}
	if len(p.Header) == 0 {
		p.Header = nil
	}
	return p
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
