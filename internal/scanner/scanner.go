// Package scanner discovers candidate CSV files in the watched directory.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/gobwas/glob"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/detect"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
)

// DefaultPattern matches CSV files directly inside the watched directory
const DefaultPattern = "*.csv"

// Config holds scanner configuration
type Config struct {
	// Dir is the watched directory
	Dir string

	// Pattern is matched against the slash-separated path relative to Dir.
	// "*" stays within one directory level, "**" crosses levels.
	Pattern string

	// Exclude lists patterns for files to skip
	Exclude []string

	// Recursive descends into subdirectories
	Recursive bool
}

// File is a discovered candidate file
type File struct {
	Path    string // absolute path, used as the state key
	Name    string // base name, used as the event source
	Rel     string // path relative to the watched directory
	Size    int64
	ModTime time.Time
	Inode   uint64
}

// Fingerprint returns the identity used for change detection
func (f File) Fingerprint() detect.Fingerprint {
	return detect.Fingerprint{Size: f.Size, ModTime: f.ModTime.UTC(), Inode: f.Inode}
}

// Result is the outcome of one scan
type Result struct {
	// Files are the readable matches in lexicographic path order
	Files []File

	// Unreadable are matching paths that could not be stat'ed. They still
	// count as present so their progress is not aged out.
	Unreadable []string
}

// Present returns every matched path, readable or not
func (r Result) Present() map[string]struct{} {
	present := make(map[string]struct{}, len(r.Files)+len(r.Unreadable))
	for _, f := range r.Files {
		present[f.Path] = struct{}{}
	}
	for _, p := range r.Unreadable {
		present[p] = struct{}{}
	}
	return present
}

// Scanner lists files matching the configured pattern
type Scanner struct {
	dir       string
	include   glob.Glob
	exclude   []glob.Glob
	recursive bool
	logger    *logging.Logger
}

// New compiles the patterns and resolves the watched directory
func New(cfg Config, logger *logging.Logger) (*Scanner, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("no watched directory specified")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watched directory: %w", err)
	}

	pattern := cfg.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	include, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	s := &Scanner{
		dir:       dir,
		include:   include,
		recursive: cfg.Recursive,
		logger:    logger.WithComponent("scanner"),
	}

	for _, p := range cfg.Exclude {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		s.exclude = append(s.exclude, g)
	}

	return s, nil
}

// Dir returns the absolute watched directory
func (s *Scanner) Dir() string {
	return s.dir
}

// Scan enumerates matching regular files. An error means the directory
// itself could not be listed.
func (s *Scanner) Scan(ctx context.Context) (Result, error) {
	var result Result

	walk := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.dir {
				return err
			}
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to read directory entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if d.IsDir() {
			if path != s.dir && !s.recursive {
				return fs.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !s.matches(rel) {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat file")
			result.Unreadable = append(result.Unreadable, path)
			return nil
		}

		result.Files = append(result.Files, File{
			Path:    path,
			Name:    d.Name(),
			Rel:     rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Inode:   getInode(info),
		})
		return nil
	}

	if err := filepath.WalkDir(s.dir, walk); err != nil {
		return Result{}, fmt.Errorf("failed to scan %s: %w", s.dir, err)
	}

	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].Path < result.Files[j].Path
	})
	sort.Strings(result.Unreadable)

	s.logger.Debug().Int("files", len(result.Files)).Msg("Scan complete")
	return result, nil
}

func (s *Scanner) matches(rel string) bool {
	if !s.include.Match(rel) {
		return false
	}
	for _, g := range s.exclude {
		if g.Match(rel) {
			return false
		}
	}
	return true
}

// InodeOf extracts the inode from FileInfo, or 0 where unavailable
func InodeOf(fi os.FileInfo) uint64 {
	return getInode(fi)
}

// getInode extracts inode from FileInfo
func getInode(fi os.FileInfo) uint64 {
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
