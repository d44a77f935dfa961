package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mailtriage/email-agent/pkg/logging"
	"github.com/mailtriage/email-agent/pkg/models"
)

// ErrTierConfigNotFound is returned when the tier file does not exist.
var ErrTierConfigNotFound = errors.New("tier config not found")

// TierLookup classifies senders.
type TierLookup interface {
	Tier(sender string) models.Tier
	IsFilteredSender(sender string) bool
}

// TierConfig holds the sender lists from tiers.yaml. Addresses are stored
// lower-cased and trimmed.
type TierConfig struct {
	tier1    map[string]struct{}
	tier2    map[string]struct{}
	tier3    map[string]struct{}
	filtered map[string]struct{}
}

// LoadTierConfig reads and parses the YAML file at path.
func LoadTierConfig(path string) (*TierConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s (create it from config/tiers.example.yaml)", ErrTierConfigNotFound, path)
		}
		return nil, fmt.Errorf("read tier config: %w", err)
	}
	return ParseTierConfig(data)
}

// ParseTierConfig parses tiers.yaml content. Sections that are missing or
// have the wrong shape are treated as empty.
func ParseTierConfig(data []byte) (*TierConfig, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse tier config: %w", err)
	}

	return &TierConfig{
		tier1:    sectionEmails(raw, "tier_1"),
		tier2:    sectionEmails(raw, "tier_2"),
		tier3:    sectionEmails(raw, "tier_3"),
		filtered: addressSet(raw["filtered_senders"]),
	}, nil
}

func sectionEmails(raw map[string]interface{}, key string) map[string]struct{} {
	section, ok := raw[key].(map[string]interface{})
	if !ok {
		return map[string]struct{}{}
	}
	return addressSet(section["emails"])
}

func addressSet(v interface{}) map[string]struct{} {
	set := map[string]struct{}{}
	list, ok := v.([]interface{})
	if !ok {
		return set
	}
	for _, item := range list {
		if s, ok := item.(string); ok {
			set[normalizeAddress(s)] = struct{}{}
		}
	}
	return set
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Tier returns the tier for sender; unknown senders are TierDefault.
func (c *TierConfig) Tier(sender string) models.Tier {
	addr := normalizeAddress(sender)
	if _, ok := c.tier1[addr]; ok {
		return models.TierVVIP
	}
	if _, ok := c.tier2[addr]; ok {
		return models.TierImportant
	}
	if _, ok := c.tier3[addr]; ok {
		return models.TierStandard
	}
	return models.TierDefault
}

// IsFilteredSender reports whether mail from sender is dropped entirely:
// explicitly listed senders, plus Microsoft/Teams no-reply notifications.
func (c *TierConfig) IsFilteredSender(sender string) bool {
	addr := normalizeAddress(sender)
	if _, ok := c.filtered[addr]; ok {
		return true
	}
	noReply := strings.Contains(addr, "no-reply@") || strings.Contains(addr, "noreply@")
	return noReply && (strings.Contains(addr, "teams") || strings.Contains(addr, "microsoft"))
}

// Counts returns list sizes keyed tier_1, tier_2, tier_3, filtered.
func (c *TierConfig) Counts() map[string]int {
	return map[string]int{
		"tier_1":   len(c.tier1),
		"tier_2":   len(c.tier2),
		"tier_3":   len(c.tier3),
		"filtered": len(c.filtered),
	}
}

// TierStore serves the current TierConfig and swaps in a new one when the
// file changes on disk.
type TierStore struct {
	path     string
	current  atomic.Pointer[TierConfig]
	logger   *logging.Logger
	onReload func(*TierConfig)
}

// NewTierStore loads path once. onReload, if set, is called after every
// successful load including this first one.
func NewTierStore(path string, logger *logging.Logger, onReload func(*TierConfig)) (*TierStore, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &TierStore{path: path, logger: logger.Named("tiers"), onReload: onReload}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On failure the previous config stays active.
func (s *TierStore) Reload() error {
	cfg, err := LoadTierConfig(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)

	counts := cfg.Counts()
	s.logger.Info("tier_config.loaded", map[string]interface{}{
		"tier_1_count":   counts["tier_1"],
		"tier_2_count":   counts["tier_2"],
		"tier_3_count":   counts["tier_3"],
		"filtered_count": counts["filtered"],
		"total_contacts": counts["tier_1"] + counts["tier_2"] + counts["tier_3"],
	})
	if s.onReload != nil {
		s.onReload(cfg)
	}
	return nil
}

// Current returns the active config.
func (s *TierStore) Current() *TierConfig {
	return s.current.Load()
}

// Loaded reports whether a config is active.
func (s *TierStore) Loaded() bool {
	return s.current.Load() != nil
}

// Tier implements TierLookup.
func (s *TierStore) Tier(sender string) models.Tier {
	return s.Current().Tier(sender)
}

// IsFilteredSender implements TierLookup.
func (s *TierStore) IsFilteredSender(sender string) bool {
	return s.Current().IsFilteredSender(sender)
}

// Watch reloads the config whenever the file is written, created or
// renamed into place, until ctx is done. The parent directory is watched
// so that editors and template renderers that replace the file are seen.
func (s *TierStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.WithError(err).Warn("tier_config.reload_failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("tier_config.watch_error")
		}
	}
}
