// Package rules loads matter rule configurations and evaluates material
// evidence against them. Rules are data: the engine interprets them, it
// does not define the rule language.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Mode selects how strictly a matter's materials are checked.
type Mode string

const (
	// ModePresentOnly only verifies that required materials carry
	// attachments.
	ModePresentOnly Mode = "present-only"
	// ModeFullCheck additionally runs type, count, validity, seal and
	// pairing checks against the OCR evidence.
	ModeFullCheck Mode = "full-check"
)

// MaterialRule constrains a single material.
type MaterialRule struct {
	Code           string   `json:"code"`
	Name           string   `json:"name"`
	Required       bool     `json:"required"`
	AllowedTypes   []string `json:"allowed_types,omitempty"`
	MinFiles       int      `json:"min_files,omitempty"`
	MaxFiles       int      `json:"max_files,omitempty"`
	CheckValidity  bool     `json:"check_validity,omitempty"`
	CheckSeal      bool     `json:"check_seal,omitempty"`
	RequirePairing bool     `json:"require_pairing,omitempty"`
	RepeatCase     bool     `json:"repeat_case,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
}

// RuleSet is the full rule configuration for one matter.
type RuleSet struct {
	MatterID  string         `json:"matter_id"`
	Mode      Mode           `json:"mode"`
	Materials []MaterialRule `json:"materials"`
	Checksum  string         `json:"-"`
}

// FindMaterial returns the rule for a material code, if any.
func (s *RuleSet) FindMaterial(code string) (MaterialRule, bool) {
	for _, rule := range s.Materials {
		if rule.Code == code {
			return rule, true
		}
	}
	return MaterialRule{}, false
}

// Engine holds the loaded rule sets, keyed by matter id, and refreshes
// them when the rule directory changes.
type Engine struct {
	dir    string
	logger *zap.Logger

	mu   sync.RWMutex
	sets map[string]*RuleSet
}

// NewEngine loads every *.json rule file under dir.
func NewEngine(dir string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{dir: dir, logger: logger, sets: make(map[string]*RuleSet)}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the rule directory. Individual malformed files are
// skipped with a warning so one bad rule cannot take down the fleet.
func (e *Engine) Reload() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("read rules directory %s: %w", e.dir, err)
	}

	sets := make(map[string]*RuleSet)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(e.dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			e.logger.Warn("skipping unreadable rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		var set RuleSet
		if err := json.Unmarshal(raw, &set); err != nil {
			e.logger.Warn("skipping malformed rule file", zap.String("path", path), zap.Error(err))
			continue
		}
		if set.MatterID == "" {
			set.MatterID = strings.TrimSuffix(entry.Name(), ".json")
		}
		if set.Mode == "" {
			set.Mode = ModePresentOnly
		}
		sum := sha256.Sum256(raw)
		set.Checksum = hex.EncodeToString(sum[:])
		sets[set.MatterID] = &set
	}

	e.mu.Lock()
	e.sets = sets
	e.mu.Unlock()

	e.logger.Info("rule sets loaded", zap.Int("count", len(sets)), zap.String("dir", e.dir))
	return nil
}

// ForMatter returns the rule set for a matter id, falling back to the
// "default" set when present.
func (e *Engine) ForMatter(matterID string) (*RuleSet, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if set, ok := e.sets[matterID]; ok {
		return set, true
	}
	if set, ok := e.sets["default"]; ok {
		return set, true
	}
	return nil, false
}

// Watch reloads the engine whenever the rule directory changes, until done
// is closed. Setup errors are returned; reload errors are logged.
func (e *Engine) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	if err := watcher.Add(e.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch rules directory %s: %w", e.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := e.Reload(); err != nil {
					e.logger.Warn("rules reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Warn("rules watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// MatchesOCRFailure reports whether a failure reason points at the OCR
// path, making the preview eligible for master fallback.
func MatchesOCRFailure(reason string) bool {
	lowered := strings.ToLower(reason)
	for _, marker := range []string{"ocr", "circuit", "recognize"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// ReasonMatches checks a failure reason against configured trigger
// keywords, falling back to the OCR heuristics when none are configured.
func ReasonMatches(reason string, keywords []string) bool {
	if len(keywords) == 0 {
		return MatchesOCRFailure(reason)
	}
	lowered := strings.ToLower(reason)
	for _, keyword := range keywords {
		k := strings.ToLower(strings.TrimSpace(keyword))
		if k != "" && strings.Contains(lowered, k) {
			return true
		}
	}
	return false
}
