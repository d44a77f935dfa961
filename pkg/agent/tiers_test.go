package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtriage/email-agent/pkg/models"
)

const testTiersYAML = `
tier_1:
  emails:
    - "vip@example.com"
    - "ceo@bigcorp.com"
tier_2:
  emails:
    - "director@example.com"
    - "manager@bigcorp.com"
    - "external@partner.org"
tier_3:
  emails:
    - "analyst@example.com"
    - "contractor@vendor.com"
filtered_senders:
  - "no-reply@teams.mail.microsoft"
  - "noreply@automated.com"
`

func writeTiers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func loadTestTiers(t *testing.T) *TierConfig {
	t.Helper()
	cfg, err := LoadTierConfig(writeTiers(t, testTiersYAML))
	require.NoError(t, err)
	return cfg
}

func TestTierAssignment(t *testing.T) {
	cfg := loadTestTiers(t)

	tests := []struct {
		sender string
		want   models.Tier
	}{
		{"vip@example.com", models.TierVVIP},
		{"director@example.com", models.TierImportant},
		{"analyst@example.com", models.TierStandard},
		{"random@gmail.com", models.TierDefault},
		{"VIP@Example.COM", models.TierVVIP},
		{"DIRECTOR@EXAMPLE.COM", models.TierImportant},
		{"Analyst@Example.Com", models.TierStandard},
		{"  vip@example.com  ", models.TierVVIP},
		{"", models.TierDefault},
	}
	for _, tt := range tests {
		t.Run(tt.sender, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Tier(tt.sender))
		})
	}
}

func TestFilteredSenders(t *testing.T) {
	cfg := loadTestTiers(t)

	tests := []struct {
		sender string
		want   bool
	}{
		{"no-reply@teams.mail.microsoft", true},
		{"No-Reply@Teams.Mail.Microsoft", true},
		{"noreply@automated.com", true},
		{"noreply@email.teams.microsoft.com", true},
		{"no-reply@microsoft.com", true},
		{"noreply@github.com", false},
		{"no-reply@slack.com", false},
		{"vip@example.com", false},
		{"teams-admin@microsoft.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.sender, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.IsFilteredSender(tt.sender))
		})
	}
}

func TestTierConfigEdgeCases(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTierConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, ErrTierConfigNotFound)
	})

	t.Run("empty file", func(t *testing.T) {
		cfg, err := LoadTierConfig(writeTiers(t, ""))
		require.NoError(t, err)
		assert.Equal(t, models.TierDefault, cfg.Tier("vip@example.com"))
		assert.False(t, cfg.IsFilteredSender("someone@example.com"))
	})

	t.Run("wrong shapes", func(t *testing.T) {
		cfg, err := ParseTierConfig([]byte(`
tier_1: "not a map"
tier_2:
  emails: "not a list"
tier_3:
  emails:
    - 42
    - "ok@example.com"
filtered_senders: "nope"
`))
		require.NoError(t, err)
		counts := cfg.Counts()
		assert.Equal(t, 0, counts["tier_1"])
		assert.Equal(t, 0, counts["tier_2"])
		assert.Equal(t, 1, counts["tier_3"])
		assert.Equal(t, 0, counts["filtered"])
		assert.Equal(t, models.TierStandard, cfg.Tier("OK@example.com"))
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := ParseTierConfig([]byte("tier_1: [unclosed"))
		assert.Error(t, err)
	})
}

func TestTierStoreReloadKeepsPreviousOnError(t *testing.T) {
	path := writeTiers(t, testTiersYAML)
	reloads := 0
	store, err := NewTierStore(path, nil, func(*TierConfig) { reloads++ })
	require.NoError(t, err)
	assert.True(t, store.Loaded())
	assert.Equal(t, 1, reloads)

	require.NoError(t, os.WriteFile(path, []byte("tier_1: [broken"), 0o600))
	assert.Error(t, store.Reload())
	assert.Equal(t, models.TierVVIP, store.Tier("vip@example.com"))

	require.NoError(t, os.WriteFile(path, []byte("tier_1:\n  emails: [\"new@example.com\"]\n"), 0o600))
	require.NoError(t, store.Reload())
	assert.Equal(t, models.TierVVIP, store.Tier("new@example.com"))
	assert.Equal(t, models.TierDefault, store.Tier("vip@example.com"))
	assert.Equal(t, 2, reloads)
}

func TestTierStoreWatch(t *testing.T) {
	path := writeTiers(t, testTiersYAML)
	store, err := NewTierStore(path, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx) }()

	// give the watcher a moment to register before writing
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("tier_2:\n  emails: [\"late@example.com\"]\n"), 0o600))

	assert.Eventually(t, func() bool {
		return store.Tier("late@example.com") == models.TierImportant
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
