package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
	"golang.org/x/time/rate"
)

// Rotation modes
const (
	RotateTruncate = "truncate"
	RotateRename   = "rename"
)

var header = []string{"id", "timestamp", "user", "action", "amount", "status"}

var (
	users    = []string{"alice", "bob", "carol", "dave", "erin"}
	actions  = []string{"login", "purchase", "refund", "logout", "view"}
	statuses = []string{"ok", "ok", "ok", "failed", "pending"}
)

// Config holds generator configuration
type Config struct {
	Dir   string
	Files int

	// Rate is rows per second across all files; zero means unlimited
	Rate float64

	// MaxRows stops the generator after this many rows; zero means no limit
	MaxRows int64

	// RotateEvery rotates a file after it received this many rows
	RotateEvery int64
	RotateMode  string

	Seed int64
}

// Stats counts what the generator wrote
type Stats struct {
	Rows      int64
	Rotations int64
	Bytes     int64
}

type genFile struct {
	path string
	f    *os.File
	rows int64
}

// Generator appends synthetic rows to CSV files at a steady rate
type Generator struct {
	cfg     Config
	limiter *rate.Limiter
	files   []*genFile
	rng     *rand.Rand
	now     func() time.Time
	nextID  int64
	stats   Stats
	logger  *logging.Logger
}

// NewGenerator opens, or creates with a header, every target file
func NewGenerator(cfg Config, logger *logging.Logger) (*Generator, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("no output directory specified")
	}
	if cfg.Files <= 0 {
		cfg.Files = 1
	}
	if cfg.RotateMode == "" {
		cfg.RotateMode = RotateTruncate
	}
	if cfg.RotateMode != RotateTruncate && cfg.RotateMode != RotateRename {
		return nil, fmt.Errorf("invalid rotate mode %q (must be truncate or rename)", cfg.RotateMode)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	limit := rate.Inf
	burst := 1
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
		burst = int(cfg.Rate/10) + 1
	}

	g := &Generator{
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		now:     time.Now,
		nextID:  1,
		logger:  logger.WithComponent("csvgen"),
	}

	for i := 0; i < cfg.Files; i++ {
		path := filepath.Join(cfg.Dir, fmt.Sprintf("gen-%03d.csv", i))
		gf, err := openFile(path)
		if err != nil {
			g.Close()
			return nil, err
		}
		g.files = append(g.files, gf)
	}
	return g, nil
}

func openFile(path string) (*genFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(joinRow(header)); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &genFile{path: path, f: f}, nil
}

// Run writes rows until ctx is done or MaxRows is reached
func (g *Generator) Run(ctx context.Context) (Stats, error) {
	for i := 0; g.cfg.MaxRows == 0 || g.stats.Rows < g.cfg.MaxRows; i++ {
		// Wait only fails when ctx is done or its deadline comes first
		if err := g.limiter.Wait(ctx); err != nil {
			return g.stats, nil
		}

		gf := g.files[i%len(g.files)]
		if err := g.writeRow(gf); err != nil {
			return g.stats, err
		}

		if g.cfg.RotateEvery > 0 && gf.rows >= g.cfg.RotateEvery {
			if err := g.rotate(gf); err != nil {
				return g.stats, err
			}
		}
	}
	return g.stats, nil
}

func (g *Generator) writeRow(gf *genFile) error {
	row := joinRow([]string{
		strconv.FormatInt(g.nextID, 10),
		g.now().UTC().Format(time.RFC3339),
		users[g.rng.Intn(len(users))],
		actions[g.rng.Intn(len(actions))],
		strconv.FormatFloat(float64(g.rng.Intn(100000))/100, 'f', 2, 64),
		statuses[g.rng.Intn(len(statuses))],
	})
	n, err := gf.f.WriteString(row)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", gf.path, err)
	}
	g.nextID++
	gf.rows++
	g.stats.Rows++
	g.stats.Bytes += int64(n)
	return nil
}

// rotate starts the file over, either in place or by moving it aside
func (g *Generator) rotate(gf *genFile) error {
	switch g.cfg.RotateMode {
	case RotateRename:
		gf.f.Close()
		if err := os.Rename(gf.path, gf.path+".1"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to rotate %s: %w", gf.path, err)
		}
		fresh, err := openFile(gf.path)
		if err != nil {
			return err
		}
		gf.f = fresh.f
	default:
		if err := gf.f.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", gf.path, err)
		}
		if _, err := gf.f.WriteString(joinRow(header)); err != nil {
			return err
		}
	}

	gf.rows = 0
	g.stats.Rotations++
	g.logger.Debug().Str("path", gf.path).Str("mode", g.cfg.RotateMode).Msg("Rotated file")
	return nil
}

// Close closes every file
func (g *Generator) Close() error {
	var errs []error
	for _, gf := range g.files {
		if err := gf.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Paths returns the generated file paths
func (g *Generator) Paths() []string {
	paths := make([]string, len(g.files))
	for i, gf := range g.files {
		paths[i] = gf.path
	}
	return paths
}

func joinRow(fields []string) string {
	n := 0
	for _, f := range fields {
		n += len(f) + 1
	}
	b := make([]byte, 0, n)
	for i, f := range fields {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, f...)
	}
	return string(append(b, '\n'))
}
