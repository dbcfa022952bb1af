// Package aliases resolves friendly model names ("fast", "best") to concrete
// vendor:model pairs. The table lives in a YAML file and hot-reloads on
// change; lookups read an atomic snapshot and never block on a reload.
package aliases

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Resolver maps aliases to vendor:model targets.
type Resolver struct {
	table atomic.Pointer[map[string]string]
	path  string
	log   *slog.Logger
}

// NewStatic builds a resolver over a fixed table. Used when no alias file is
// configured, and in tests.
func NewStatic(table map[string]string) *Resolver {
	r := &Resolver{log: slog.Default()}
	if table == nil {
		table = map[string]string{}
	}
	r.table.Store(&table)
	return r
}

// NewFromFile loads the YAML alias table at path. The file maps alias names
// to "vendor:model" strings:
//
//	fast: openai:gpt-4o-mini
//	best: anthropic:claude-sonnet-4
func NewFromFile(path string, log *slog.Logger) (*Resolver, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{path: path, log: log}
	table, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	r.table.Store(&table)
	return r, nil
}

// Resolve maps a requested model through the alias table. Unknown names pass
// through unchanged with an empty vendor — passthrough keeps the gateway
// forward-compatible with models it has never heard of.
func (r *Resolver) Resolve(model string) (vendor, resolved string, aliased bool) {
	target, ok := (*r.table.Load())[model]
	if !ok {
		return "", model, false
	}
	if v, m, found := strings.Cut(target, ":"); found {
		return v, m, true
	}
	return "", target, true
}

// Len reports the number of aliases in the current snapshot.
func (r *Resolver) Len() int { return len(*r.table.Load()) }

// Watch re-reads the alias file whenever it changes, until ctx is cancelled.
// Malformed updates are logged and skipped; the previous table stays live.
func (r *Resolver) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("aliases: watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which drops a
	// watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("aliases: watch %s: %w", r.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			table, err := loadFile(r.path)
			if err != nil {
				r.log.Warn("alias reload failed, keeping previous table", "path", r.path, "error", err)
				continue
			}
			r.table.Store(&table)
			r.log.Info("alias table reloaded", "path", r.path, "aliases", len(table))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("alias watcher error", "error", err)
		}
	}
}

func loadFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("aliases: read %s: %w", path, err)
	}
	var table map[string]string
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("aliases: parse %s: %w", path, err)
	}
	if table == nil {
		table = map[string]string{}
	}
	for alias, target := range table {
		if alias == "" || target == "" {
			return nil, fmt.Errorf("aliases: empty alias or target in %s", path)
		}
	}
	return table, nil
}
