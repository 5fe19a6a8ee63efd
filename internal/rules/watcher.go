package rules

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// RuleSet holds the currently active rules and supports atomic replacement
// on hot reload. Readers always see a consistent snapshot.
type RuleSet struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewRuleSet creates a RuleSet with the given initial rules.
func NewRuleSet(initial []*Rule) *RuleSet {
	return &RuleSet{rules: initial}
}

// Snapshot returns the active rules. The returned slice must not be
// modified.
func (s *RuleSet) Snapshot() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Replace swaps in a new rule list.
func (s *RuleSet) Replace(rules []*Rule) {
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
}

// Find returns the active rule with the given name, or nil.
func (s *RuleSet) Find(name string) *Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Len returns the number of active rules.
func (s *RuleSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Watcher reloads the rules file whenever it changes on disk. A reload that
// fails to parse or validate keeps the previous rules in place.
type Watcher struct {
	path     string
	ruleSet  *RuleSet
	log      zerolog.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for the given rules file.
func NewWatcher(path string, ruleSet *RuleSet, logger zerolog.Logger) *Watcher {
	return &Watcher{
		path:     path,
		ruleSet:  ruleSet,
		log:      logger.With().Str("component", "rules_watcher").Logger(),
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until the context is cancelled. It watches the parent
// directory rather than the file itself so that editors that replace the
// file via rename keep triggering reloads.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors fire several events per save; collapse them.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error().Err(err).Msg("fs watcher error")
		}
	}
}

func (w *Watcher) reload() {
	loaded, err := LoadRulesFromFile(w.path)
	if err != nil {
		w.log.Error().Err(err).Str("path", w.path).Msg("rules reload failed, keeping previous rules")
		return
	}
	w.ruleSet.Replace(loaded)
	w.log.Info().Int("rules", len(loaded)).Str("path", w.path).Msg("rules reloaded")
}
