// Package watch keeps the admitted specifications in step with a directory
// of workflow documents.
//
// Documents are identified by content hash. A write that leaves the bytes
// unchanged does nothing; a real change admits the new specification and
// unloads the old one. Instances already running keep the specification
// they started with.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/roach88/tokenflow/internal/cache"
	"github.com/roach88/tokenflow/internal/compiler"
	"github.com/roach88/tokenflow/internal/ir"
)

const (
	// eventChannelBuffer is the size of the reload event channel.
	eventChannelBuffer = 256

	defaultPattern  = "**/*.cue"
	defaultDebounce = 200 * time.Millisecond
)

// Target admits compiled documents. Implemented by *engine.Engine.
type Target interface {
	LoadDocument(ctx context.Context, doc *compiler.Document) (*cache.Resolved, bool, error)
	Cache() *cache.Cache
}

// Config configures a Watcher.
type Config struct {
	Dir      string
	Pattern  string        // doublestar pattern relative to Dir; default "**/*.cue"
	Debounce time.Duration // default 200ms
}

// Operation is the kind of change a reload event reports.
type Operation string

// Reload operations.
const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// Event reports one document reload.
type Event struct {
	Path     string // relative to the watched directory, slash separated
	Op       Operation
	Root     string
	Hash     string // empty for OpDelete
	PrevHash string // empty for OpCreate
	Err      error  // set when the document failed to compile or admit
}

// Watcher reloads workflow documents when they change.
type Watcher struct {
	cfg     Config
	target  Target
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	events  chan Event
	dropped atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]fsnotify.Op

	hashMu sync.RWMutex
	hashes map[string]string // relative path -> admitted hash
}

// New creates a watcher over cfg.Dir admitting into target.
func New(cfg Config, target Target, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch: directory is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = defaultPattern
	}
	if !doublestar.ValidatePattern(cfg.Pattern) {
		return nil, fmt.Errorf("watch: invalid pattern %q", cfg.Pattern)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return &Watcher{
		cfg:     cfg,
		target:  target,
		fsw:     fsw,
		logger:  logger,
		events:  make(chan Event, eventChannelBuffer),
		pending: make(map[string]fsnotify.Op),
		hashes:  make(map[string]string),
	}, nil
}

// Events returns the channel of reload events. It is closed when the
// watcher stops.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Dropped returns the number of events dropped because the channel was full.
func (w *Watcher) Dropped() int64 {
	return w.dropped.Load()
}

// Hash returns the admitted hash of the document at the relative path.
func (w *Watcher) Hash(rel string) (string, bool) {
	w.hashMu.RLock()
	defer w.hashMu.RUnlock()
	h, ok := w.hashes[rel]
	return h, ok
}

// Scan admits every matching document in the directory and returns what it
// did. A document that fails to compile is reported, not fatal.
func (w *Watcher) Scan(ctx context.Context) ([]Event, error) {
	matches, err := doublestar.Glob(os.DirFS(w.cfg.Dir), w.cfg.Pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", w.cfg.Dir, err)
	}
	var out []Event
	for _, rel := range matches {
		if ev, ok := w.reload(ctx, rel); ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Start watches the directory tree until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addWatchesRecursive(w.cfg.Dir); err != nil {
		return err
	}
	go w.processEvents(ctx)

	w.logger.Info("watcher started",
		"dir", w.cfg.Dir,
		"pattern", w.cfg.Pattern,
		"debounce", w.cfg.Debounce)
	return nil
}

// Stop stops the watcher. Events is closed once processing exits.
func (w *Watcher) Stop() error {
	return w.fsw.Close()
}

func (w *Watcher) addWatchesRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if base := d.Name(); strings.HasPrefix(base, ".") && path != root {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.cfg.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)

		case <-ticker.C:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addWatchesRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	rel, ok := w.relative(event.Name)
	if !ok {
		return
	}
	w.pendingMu.Lock()
	w.pending[rel] |= event.Op
	w.pendingMu.Unlock()
}

// relative returns the slash-separated path of abs below the watched
// directory, if it matches the pattern.
func (w *Watcher) relative(abs string) (string, bool) {
	rel, err := filepath.Rel(w.cfg.Dir, abs)
	if err != nil {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	ok, err := doublestar.Match(w.cfg.Pattern, rel)
	return rel, err == nil && ok
}

func (w *Watcher) flushPending(ctx context.Context) {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.pendingMu.Unlock()

	for rel := range batch {
		if ctx.Err() != nil {
			return
		}
		if ev, ok := w.reload(ctx, rel); ok {
			w.send(ev)
		}
	}
}

// reload brings the admitted specification of one document in line with
// the file. It reports false when nothing changed.
func (w *Watcher) reload(ctx context.Context, rel string) (Event, bool) {
	prev, known := w.Hash(rel)
	ev := Event{Path: rel, PrevHash: prev}

	data, err := os.ReadFile(filepath.Join(w.cfg.Dir, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		if !known {
			return ev, false
		}
		ev.Op = OpDelete
		w.forget(rel)
		w.unload(prev)
		w.logger.Info("specification unloaded", "path", rel, "hash", prev)
		return ev, true
	}
	if err != nil {
		ev.Op, ev.Err = OpModify, err
		return ev, true
	}

	hash := ir.SpecHash(data)
	if known && hash == prev {
		return ev, false
	}
	ev.Hash = hash
	ev.Op = OpModify
	if !known {
		ev.Op = OpCreate
	}

	doc, err := compiler.ParseDocument(rel, data)
	if err != nil {
		ev.Err = err
		w.logger.Warn("document rejected", "path", rel, "error", err)
		return ev, true
	}
	ev.Root = doc.Root
	if _, _, err := w.target.LoadDocument(ctx, doc); err != nil {
		ev.Err = err
		w.logger.Warn("specification rejected", "path", rel, "root", doc.Root, "error", err)
		return ev, true
	}
	w.remember(rel, hash)
	if known {
		w.unload(prev)
	}
	w.logger.Info("specification reloaded",
		"path", rel,
		"root", doc.Root,
		"hash", hash,
		"op", string(ev.Op))
	return ev, true
}

func (w *Watcher) remember(rel, hash string) {
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	w.hashes[rel] = hash
}

func (w *Watcher) forget(rel string) {
	w.hashMu.Lock()
	defer w.hashMu.Unlock()
	delete(w.hashes, rel)
}

// unload drops hash unless another watched document still has it.
func (w *Watcher) unload(hash string) {
	w.hashMu.RLock()
	for _, h := range w.hashes {
		if h == hash {
			w.hashMu.RUnlock()
			return
		}
	}
	w.hashMu.RUnlock()
	w.target.Cache().Unload(hash)
}

func (w *Watcher) send(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
		w.logger.Warn("reload event dropped", "path", ev.Path, "op", string(ev.Op))
	}
}
