// Package inbox ingests proposer files dropped into a directory.
package inbox

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
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"skillgate/internal/clock"
	"skillgate/internal/domain"
	"skillgate/internal/engine"
	"skillgate/internal/repo"
)

const (
	filePrefix   = "proposed_"
	fileSuffix   = ".yaml"
	processedDir = "processed"
	failedDir    = "failed"
)

// File is the document a proposer writes: proposed_<slug>_<ts>.yaml.
type File struct {
	Proposal struct {
		ID            string   `yaml:"id"`
		Slug          string   `yaml:"slug"`
		Name          string   `yaml:"name"`
		Description   string   `yaml:"description"`
		Capabilities  []string `yaml:"capabilities"`
		Dependencies  []string `yaml:"dependencies"`
		HandlesEvents []string `yaml:"handles_events"`
		Rationale     string   `yaml:"rationale"`
		UserContext   any      `yaml:"user_context"`
		GeneratedBy   string   `yaml:"generated_by"`
		GeneratedAt   string   `yaml:"generated_at"`
	} `yaml:"proposal"`
	Status string `yaml:"status"`
}

// Parse reads a proposer file into submit options.
func Parse(data []byte) (engine.SubmitOptions, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return engine.SubmitOptions{}, fmt.Errorf("invalid proposal yaml: %w", err)
	}
	p := f.Proposal
	if strings.TrimSpace(p.Slug) == "" && strings.TrimSpace(p.Name) == "" {
		return engine.SubmitOptions{}, errors.New("proposal block is missing")
	}
	if f.Status != "" && f.Status != domain.StatusNew {
		return engine.SubmitOptions{}, fmt.Errorf("proposal file has status %q, want new", f.Status)
	}
	userContext, err := flatten(p.UserContext)
	if err != nil {
		return engine.SubmitOptions{}, err
	}
	actor := p.GeneratedBy
	if actor == "" {
		actor = "proposer"
	}
	return engine.SubmitOptions{
		ID:            p.ID,
		Slug:          p.Slug,
		Name:          p.Name,
		Description:   p.Description,
		Capabilities:  p.Capabilities,
		HandledEvents: p.HandlesEvents,
		Dependencies:  p.Dependencies,
		Rationale:     p.Rationale,
		UserContext:   userContext,
		GeneratedBy:   p.GeneratedBy,
		ActorID:       actor,
	}, nil
}

func flatten(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("user_context: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Match reports whether name looks like a proposer file.
func Match(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, filePrefix) && strings.HasSuffix(base, fileSuffix)
}

type Submitter interface {
	Submit(ctx context.Context, opts engine.SubmitOptions) (domain.Proposal, error)
}

// Watcher submits every proposer file that appears in Dir, then moves it to
// Dir/processed, or Dir/failed when it cannot be parsed.
type Watcher struct {
	Dir       string
	Submitter Submitter
	Logger    *zap.Logger
	Debounce  time.Duration
	Clock     clock.Clock

	mu      sync.Mutex
	pending map[string]time.Time
}

func NewWatcher(dir string, s Submitter, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{Dir: dir, Submitter: s, Logger: logger, Debounce: 250 * time.Millisecond, Clock: clock.Real{}}
}

// Scan ingests the files already present, oldest name first.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && Match(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	n := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ok, err := w.Ingest(ctx, filepath.Join(w.Dir, name))
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Ingest submits one file. ok is false when the file was moved aside as
// unreadable. Store errors leave the file in place for the next attempt.
func (w *Watcher) Ingest(ctx context.Context, path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	opts, err := Parse(data)
	if err != nil {
		w.Logger.Warn("unreadable proposal file", zap.String("path", path), zap.Error(err))
		return false, w.move(path, failedDir)
	}
	p, err := w.Submitter.Submit(ctx, opts)
	switch {
	case err == nil:
		w.Logger.Info("proposal ingested", zap.String("path", path), zap.String("proposal", p.ID), zap.String("slug", p.Slug))
	case errors.Is(err, repo.ErrConflict):
		w.Logger.Info("proposal already ingested", zap.String("path", path), zap.String("proposal", opts.ID))
	default:
		return false, err
	}
	return true, w.move(path, processedDir)
}

func (w *Watcher) move(path, sub string) error {
	dir := filepath.Join(w.Dir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dir, filepath.Base(path)))
}

// Run scans once, then watches Dir until ctx is done. Writes are debounced so
// a file is read after the proposer finished writing it.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	if _, err := w.Scan(ctx); err != nil && ctx.Err() == nil {
		w.Logger.Warn("inbox scan failed", zap.Error(err))
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	ticker := w.clock().NewTicker(debounce / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write) == 0 || !Match(evt.Name) || filepath.Dir(evt.Name) != filepath.Clean(w.Dir) {
				continue
			}
			w.mark(evt.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("inbox watcher error", zap.Error(err))
		case <-ticker.C():
			for _, path := range w.due(debounce) {
				if _, err := w.Ingest(ctx, path); err != nil && ctx.Err() == nil {
					w.Logger.Warn("ingest proposal failed", zap.String("path", path), zap.Error(err))
				}
			}
		}
	}
}

func (w *Watcher) clock() clock.Clock {
	if w.Clock == nil {
		return clock.Real{}
	}
	return w.Clock
}

func (w *Watcher) mark(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		w.pending = map[string]time.Time{}
	}
	w.pending[path] = w.clock().Now()
}

func (w *Watcher) due(quiet time.Duration) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock().Now()
	var out []string
	for path, at := range w.pending {
		if now.Sub(at) >= quiet {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(out)
	return out
}
