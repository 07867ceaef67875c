package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"club-assistant/internal/models"
	"club-assistant/internal/parser"
)

var ErrNoDataDir = errors.New("knowledge data dir does not exist")

// Backend turns a chunk set into something searchable. Build is called with
// the complete chunk set on every rebuild.
type Backend interface {
	Name() string
	Build(ctx context.Context, chunks []models.Chunk) (Searcher, error)
}

// Searcher returns at most k chunks, best match first, Score in [0,1].
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]models.Chunk, error)
}

type fileStat struct {
	modTime int64
	size    int64
}

type snapshot map[string]fileStat

type built struct {
	files    snapshot
	searcher Searcher
	chunks   int
	builtAt  time.Time
}

type Options struct {
	DataDir         string
	Extensions      []string
	Parser          parser.Options
	RefreshInterval time.Duration
}

// Index serves queries over the knowledge directory and rebuilds itself when
// the directory's files change. The built state is swapped atomically so
// queries never observe a half-built index.
type Index struct {
	opts    Options
	backend Backend

	current   atomic.Pointer[built]
	lastCheck atomic.Int64
	group     singleflight.Group

	mu       sync.Mutex
	lastScan time.Time

	now func() time.Time
}

func NewIndex(opts Options, backend Backend) *Index {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 2 * time.Second
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".md"}
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if !parser.Supported(ext) {
			log.Warn().Str("ext", ext).Msg("ignoring unsupported knowledge file extension")
			continue
		}
		exts = append(exts, ext)
	}
	opts.Extensions = exts
	if backend == nil {
		backend = NewLexical()
	}
	return &Index{opts: opts, backend: backend, now: time.Now}
}

// Query returns up to k chunks relevant to text. An empty or missing corpus
// yields an empty result, not an error.
func (x *Index) Query(ctx context.Context, text string, k int) ([]models.Chunk, error) {
	if err := x.RefreshIfNeeded(ctx); err != nil {
		log.Warn().Err(err).Msg("index refresh failed, serving previous index")
	}
	if strings.TrimSpace(text) == "" || k <= 0 {
		return nil, nil
	}
	cur := x.current.Load()
	if cur == nil || cur.searcher == nil || cur.chunks == 0 {
		return nil, nil
	}
	return cur.searcher.Search(ctx, text, k)
}

// RefreshIfNeeded rescans the data dir at most once per refresh interval and
// rebuilds when the file snapshot differs from the one last built.
func (x *Index) RefreshIfNeeded(ctx context.Context) error {
	now := x.now()
	if last := x.lastCheck.Load(); last != 0 && x.current.Load() != nil &&
		now.Sub(time.Unix(0, last)) < x.opts.RefreshInterval {
		return nil
	}
	_, err, _ := x.group.Do("refresh", func() (any, error) {
		x.lastCheck.Store(x.now().UnixNano())
		snap, err := x.scan()
		if err != nil && !errors.Is(err, ErrNoDataDir) {
			return nil, err
		}
		if cur := x.current.Load(); cur != nil && maps.Equal(cur.files, snap) {
			return nil, nil
		}
		return nil, x.rebuild(ctx, snap)
	})
	return err
}

// Refresh forces a rebuild regardless of the throttle or snapshot. It only
// joins other forced refreshes, never a throttled check that may skip the
// rebuild.
func (x *Index) Refresh(ctx context.Context) error {
	_, err, _ := x.group.Do("rebuild", func() (any, error) {
		x.lastCheck.Store(x.now().UnixNano())
		snap, err := x.scan()
		if err != nil && !errors.Is(err, ErrNoDataDir) {
			return nil, err
		}
		return nil, x.rebuild(ctx, snap)
	})
	return err
}

// Documents lists the files of the current index in path order. Files in a
// subdirectory are categorised by its name, the rest as "General".
func (x *Index) Documents(ctx context.Context) []models.Document {
	if err := x.RefreshIfNeeded(ctx); err != nil {
		log.Warn().Err(err).Msg("index refresh failed, listing previous index")
	}
	cur := x.current.Load()
	if cur == nil {
		return nil
	}

	paths := slices.Sorted(maps.Keys(cur.files))
	docs := make([]models.Document, 0, len(paths))
	for i, path := range paths {
		rel, err := filepath.Rel(x.opts.DataDir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		rel = filepath.ToSlash(rel)
		category := "General"
		if dir, _, ok := strings.Cut(rel, "/"); ok {
			category = dir
		}
		st := cur.files[path]
		docs = append(docs, models.Document{
			ID:        i + 1,
			Title:     filepath.Base(path),
			FilePath:  rel,
			Category:  category,
			Size:      st.size,
			UpdatedAt: time.Unix(0, st.modTime),
		})
	}
	return docs
}

// Invalidate makes the next query rescan the data dir.
func (x *Index) Invalidate() {
	x.lastCheck.Store(0)
}

func (x *Index) Status() models.IndexStatus {
	st := models.IndexStatus{Backend: x.backend.Name(), DataDir: x.opts.DataDir}
	if cur := x.current.Load(); cur != nil {
		st.Files = len(cur.files)
		st.Chunks = cur.chunks
		st.BuiltAt = cur.builtAt
	}
	x.mu.Lock()
	st.LastScan = x.lastScan
	x.mu.Unlock()
	return st
}

func (x *Index) scan() (snapshot, error) {
	x.mu.Lock()
	x.lastScan = x.now()
	x.mu.Unlock()

	snap := snapshot{}
	info, err := os.Stat(x.opts.DataDir)
	if err != nil || !info.IsDir() {
		return snap, fmt.Errorf("%w: %s", ErrNoDataDir, x.opts.DataDir)
	}

	err = filepath.WalkDir(x.opts.DataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !slices.Contains(x.opts.Extensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		snap[path] = fileStat{modTime: fi.ModTime().UnixNano(), size: fi.Size()}
		return nil
	})
	return snap, err
}

func (x *Index) rebuild(ctx context.Context, snap snapshot) error {
	paths := slices.Sorted(maps.Keys(snap))
	perFile := make([][]models.Chunk, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(x.opts.DataDir, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			chunks, err := parser.ParseFile(path, filepath.ToSlash(rel), x.opts.Parser)
			if err != nil {
				log.Warn().Err(err).Str("file", path).Msg("skipping unreadable knowledge file")
				return nil
			}
			perFile[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to parse knowledge files: %w", err)
	}

	var chunks []models.Chunk
	for _, c := range perFile {
		chunks = append(chunks, c...)
	}

	var searcher Searcher
	if len(chunks) > 0 {
		s, err := x.backend.Build(ctx, chunks)
		if err != nil {
			return fmt.Errorf("failed to build %s index: %w", x.backend.Name(), err)
		}
		searcher = s
	}

	x.current.Store(&built{files: snap, searcher: searcher, chunks: len(chunks), builtAt: x.now()})
	log.Info().Str("backend", x.backend.Name()).Int("files", len(paths)).Int("chunks", len(chunks)).Msg("knowledge index rebuilt")
	return nil
}
