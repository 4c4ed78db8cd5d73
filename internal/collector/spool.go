package collector

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/hydrocam/collector/internal/catalog"
)

const defaultSettle = 30 * time.Second

// Lister reports whether an artifact is already catalogued.
type Lister interface {
	Exists(ctx context.Context, filename string) (bool, error)
}

// SpoolSource collects artifacts that a capture process drops into
// directories, one per kind. A file counts once it has not been modified for
// the settle time and is not yet in the catalog. Hidden files are ignored.
type SpoolSource struct {
	Dirs   map[catalog.Kind]string
	Settle time.Duration
	Store  Lister
	Logger *slog.Logger
	Now    func() time.Time
}

// Collect walks every spool directory.
func (s *SpoolSource) Collect(ctx context.Context) ([]Produced, error) {
	settle := s.Settle
	if settle == 0 {
		settle = defaultSettle
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var produced []Produced
	for _, kind := range []catalog.Kind{catalog.KindImage, catalog.KindVideo} {
		dir, ok := s.Dirs[kind]
		if !ok || dir == "" {
			continue
		}

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() && path != dir {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			if now().Sub(info.ModTime()) < settle {
				logger.Debug("file still settling", "path", path)
				return nil
			}

			known, err := s.Store.Exists(ctx, d.Name())
			if err != nil {
				return err
			}
			if known {
				return nil
			}

			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			produced = append(produced, Produced{Path: abs, Filename: d.Name(), Kind: kind})
			return nil
		})
		if err != nil {
			return produced, fmt.Errorf("scan %s spool %s: %w", kind, dir, err)
		}
	}
	return produced, nil
}
