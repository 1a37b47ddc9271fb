package metering

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/episteme-ai/episteme/internal/types"
)

// overrideDebounce coalesces the event bursts editors produce on save.
const overrideDebounce = 500 * time.Millisecond

// Overrides is an operator's local tier-limit patch file, hot-reloaded on
// change. It outranks both the built-in defaults and the system_config
// row: when support needs to lift one tenant tier's cap right now, a file
// edit beats a DB migration. Absent fields leave the underlying limit
// untouched.
//
// File shape:
//
//	tiers:
//	  free:
//	    max_graph_entities: 500
//	  pro:
//	    retention_days: 730
type Overrides struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	tiers map[types.Tier]limitPatch

	watcher  *fsnotify.Watcher
	debounce *time.Timer
	doneChan chan struct{}
}

type limitPatch struct {
	MaxTables        *int `yaml:"max_tables"`
	MaxAgents        *int `yaml:"max_agents"`
	MaxGraphEntities *int `yaml:"max_graph_entities"`
	RetentionDays    *int `yaml:"retention_days"`
}

type overrideFile struct {
	Tiers map[string]limitPatch `yaml:"tiers"`
}

// NewOverrides loads path and watches its directory for changes. The file
// may not exist yet; the watcher picks it up when it appears. A malformed
// file at startup is fatal, a malformed edit later keeps the last good
// state.
func NewOverrides(path string, log *zap.Logger) (*Overrides, error) {
	if log == nil {
		log = zap.NewNop()
	}
	o := &Overrides{
		path:     path,
		log:      log.Named("tier-overrides"),
		tiers:    make(map[types.Tier]limitPatch),
		doneChan: make(chan struct{}),
	}
	if err := o.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create override watcher: %w", err)
	}
	// Watch the directory, not the file: editors save by rename, which
	// drops a direct file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	o.watcher = watcher
	go o.watch()
	return o, nil
}

// Apply patches the limits for a tier with whatever the file sets.
func (o *Overrides) Apply(tier types.Tier, limits types.TierLimits) types.TierLimits {
	o.mu.RLock()
	patch, ok := o.tiers[tier]
	o.mu.RUnlock()
	if !ok {
		return limits
	}
	if patch.MaxTables != nil {
		limits.MaxTables = *patch.MaxTables
	}
	if patch.MaxAgents != nil {
		limits.MaxAgents = *patch.MaxAgents
	}
	if patch.MaxGraphEntities != nil {
		limits.MaxGraphEntities = *patch.MaxGraphEntities
	}
	if patch.RetentionDays != nil {
		limits.RetentionDays = *patch.RetentionDays
	}
	return limits
}

// Close stops the watcher and waits for the event loop to exit.
func (o *Overrides) Close() {
	if o.watcher == nil {
		return
	}
	_ = o.watcher.Close()
	<-o.doneChan
}

func (o *Overrides) watch() {
	defer close(o.doneChan)
	for {
		select {
		case event, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(o.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if o.debounce != nil {
				o.debounce.Stop()
			}
			o.debounce = time.AfterFunc(overrideDebounce, func() {
				if err := o.load(); err != nil {
					o.log.Warn("tier override reload failed, keeping previous limits", zap.Error(err))
					return
				}
				o.log.Info("tier overrides reloaded", zap.String("path", o.path))
			})
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			o.log.Warn("override watcher error", zap.Error(err))
		}
	}
}

// load parses the file and swaps the patch table. A missing file clears
// every override.
func (o *Overrides) load() error {
	raw, err := os.ReadFile(o.path)
	if errors.Is(err, fs.ErrNotExist) {
		o.mu.Lock()
		o.tiers = make(map[types.Tier]limitPatch)
		o.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", o.path, err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", o.path, err)
	}
	tiers := make(map[types.Tier]limitPatch, len(file.Tiers))
	for name, patch := range file.Tiers {
		tier := types.Tier(name)
		if !tier.IsValid() {
			o.log.Warn("ignoring override for unknown tier", zap.String("tier", name))
			continue
		}
		tiers[tier] = patch
	}

	o.mu.Lock()
	o.tiers = tiers
	o.mu.Unlock()
	return nil
}
