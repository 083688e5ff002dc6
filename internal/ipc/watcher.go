package ipc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/linkerlin/tgclaw/internal/metrics"
)

const (
	errorsDir   = "errors"
	messagesDir = "messages"
	tasksDir    = "tasks"
)

// Applier performs an authorised request. *Gateway implements it.
type Applier interface {
	Apply(ctx context.Context, src Source, req Request) error
}

type WatcherConfig struct {
	Dir        string // IPC root
	MainFolder string
	Gateway    Applier
	Metrics    *metrics.Metrics
	Interval   time.Duration // poll period; defaults to one second
	Logger     zerolog.Logger
}

// Watcher drains every group's mailbox on a fixed period and, when the
// platform supports it, as soon as files appear.
type Watcher struct {
	cfg WatcherConfig
	log zerolog.Logger

	wake    chan struct{}
	watched map[string]bool
	fsw     *fsnotify.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Watcher{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "ipc").Logger(),
		wake:    make(chan struct{}, 1),
		watched: make(map[string]bool),
	}
}

// Start creates the IPC root and begins draining.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create ipc dir: %w", err)
	}
	ctx, w.cancel = context.WithCancel(ctx)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn().Err(err).Msg("fsnotify unavailable; polling only")
	} else {
		w.fsw = fsw
		w.wg.Add(1)
		go w.forwardEvents(ctx)
	}

	w.wg.Add(1)
	go w.loop(ctx)
	w.log.Info().Str("dir", w.cfg.Dir).Dur("interval", w.cfg.Interval).Msg("ipc watcher started")
	return nil
}

// Stop cancels the loop and waits for the current drain to finish.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
	w.log.Info().Msg("ipc watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.Drain(ctx)
		w.watchDirs()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *Watcher) forwardEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.log.Warn().Err(err).Msg("fsnotify error")
			}
		}
	}
}

// watchDirs registers the root and every group's queues with fsnotify.
func (w *Watcher) watchDirs() {
	if w.fsw == nil {
		return
	}
	dirs := []string{w.cfg.Dir}
	for _, folder := range w.tenants() {
		dirs = append(dirs,
			filepath.Join(w.cfg.Dir, folder, messagesDir),
			filepath.Join(w.cfg.Dir, folder, tasksDir))
	}
	for _, d := range dirs {
		if w.watched[d] {
			continue
		}
		if _, err := os.Stat(d); err != nil {
			continue
		}
		if err := w.fsw.Add(d); err != nil {
			w.log.Debug().Err(err).Str("dir", d).Msg("watch dir")
			continue
		}
		w.watched[d] = true
	}
}

// tenants lists group folders present under the IPC root.
func (w *Watcher) tenants() []string {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.log.Error().Err(err).Msg("read ipc dir")
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == errorsDir || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Drain processes every pending file once. A failure in one group's mailbox
// never stops the others.
func (w *Watcher) Drain(ctx context.Context) {
	for _, folder := range w.tenants() {
		if ctx.Err() != nil {
			return
		}
		src := Source{Folder: folder, IsMain: folder == w.cfg.MainFolder}
		w.drainQueue(ctx, src, messagesDir)
		w.drainQueue(ctx, src, tasksDir)
	}
}

func (w *Watcher) drainQueue(ctx context.Context, src Source, queue string) {
	dir := filepath.Join(w.cfg.Dir, src.Folder, queue)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		w.log.Error().Err(err).Str("source_group", src.Folder).Str("queue", queue).Msg("read mailbox")
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		w.processFile(ctx, src, queue, name)
	}
}

func (w *Watcher) processFile(ctx context.Context, src Source, queue, name string) {
	path := filepath.Join(w.cfg.Dir, src.Folder, queue, name)
	log := w.log.With().Str("source_group", src.Folder).Str("file", name).Logger()

	b, err := os.ReadFile(path)
	if err != nil {
		log.Error().Err(err).Msg("read mailbox file")
		return
	}
	// Still being written; writers should create *.json.tmp and rename.
	if len(b) == 0 {
		return
	}

	req, err := Decode(b)
	if err == nil {
		_, isMessage := req.(SendMessage)
		if isMessage != (queue == messagesDir) {
			err = fmt.Errorf("%w: %s request in %s queue", ErrMalformed, req.Kind(), queue)
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("malformed mailbox file")
		w.cfg.Metrics.IncIPC("unknown", metrics.OutcomeQuarantined)
		w.quarantine(src, path, name)
		return
	}

	err = w.cfg.Gateway.Apply(ctx, src, req)
	switch {
	case err == nil:
		w.cfg.Metrics.IncIPC(req.Kind(), metrics.OutcomeApplied)
	case errors.Is(err, ErrDenied):
		w.cfg.Metrics.IncIPC(req.Kind(), metrics.OutcomeDenied)
	default:
		log.Error().Err(err).Str("kind", req.Kind()).Msg("apply mailbox request")
		w.cfg.Metrics.IncIPC(req.Kind(), metrics.OutcomeQuarantined)
		w.quarantine(src, path, name)
		return
	}
	if err := os.Remove(path); err != nil {
		log.Error().Err(err).Msg("remove mailbox file")
	}
}

// quarantine moves a file to errors/<folder>-<name> untouched.
func (w *Watcher) quarantine(src Source, path, name string) {
	dir := filepath.Join(w.cfg.Dir, errorsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.log.Error().Err(err).Msg("create errors dir")
		return
	}
	dst := filepath.Join(dir, src.Folder+"-"+name)
	if err := os.Rename(path, dst); err != nil {
		w.log.Error().Err(err).Str("file", path).Msg("quarantine mailbox file")
		return
	}
	w.log.Warn().Str("source_group", src.Folder).Str("quarantined", dst).Msg("mailbox file quarantined")
}
