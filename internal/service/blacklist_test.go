//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"github.com/user/llm-router-go/internal/config"
	"github.com/user/llm-router-go/internal/models"
	"go.uber.org/zap"
)

func newTestBlacklist(settings config.BlacklistSettings) *BlacklistManager {
	return NewBlacklistManager(settings, nil, zap.NewNop())
}

func TestTemporaryBlockAndExpiry(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{})
	defer m.Close()

	assert.False(t, m.IsBlocked("p-0"))

	m.TemporaryBlock("p-0", 20*time.Millisecond, "service_unavailable")
	assert.True(t, m.IsBlocked("p-0"))

	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.IsBlocked("p-0"), "expired blocks evict lazily")
}

func TestTemporaryBlockRepeatExtension(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{MaxDurationMs: 400})
	defer m.Close()

	m.TemporaryBlock("p-0", 100*time.Millisecond, "x")
	blocked := m.Blocked()
	require.Len(t, blocked, 1)
	first := blocked[0].ExpiresAt.Sub(blocked[0].CreatedAt)
	assert.InDelta(t, 100, first.Milliseconds(), 5)

	m.TemporaryBlock("p-0", 100*time.Millisecond, "x")
	blocked = m.Blocked()
	require.Len(t, blocked, 1)
	second := blocked[0].ExpiresAt.Sub(blocked[0].CreatedAt)
	assert.InDelta(t, 200, second.Milliseconds(), 5, "repeat offense doubles")
	assert.Equal(t, 2, blocked[0].BlockCount)

	m.TemporaryBlock("p-0", 100*time.Millisecond, "x")
	m.TemporaryBlock("p-0", 100*time.Millisecond, "x")
	blocked = m.Blocked()
	require.Len(t, blocked, 1)
	capped := blocked[0].ExpiresAt.Sub(blocked[0].CreatedAt)
	assert.InDelta(t, 400, capped.Milliseconds(), 5, "extension caps at the maximum")
}

func TestFilterAvailable(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{})
	defer m.Close()

	m.TemporaryBlock("p-1", time.Minute, "x")
	m.Destroy("p-2", "x")

	out := m.FilterAvailable([]string{"p-0", "p-1", "p-2", "p-3"})
	assert.Equal(t, []string{"p-0", "p-3"}, out)
}

func TestUnblock(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{})
	defer m.Close()

	assert.False(t, m.Unblock("p-0"), "nothing to lift")

	m.TemporaryBlock("p-0", time.Minute, "x")
	m.Handle429("p-0")
	require.True(t, m.IsBlocked("p-0"))

	assert.True(t, m.Unblock("p-0"))
	assert.False(t, m.IsBlocked("p-0"))
	assert.Equal(t, 0, m.Consecutive429("p-0"), "unblock clears the ladder")
}

func TestDestroyIsPermanent(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{})
	defer m.Close()

	m.Destroy("p-0", "invalid_api_key")
	assert.True(t, m.IsDestroyed("p-0"))
	assert.True(t, m.IsBlocked("p-0"))
	assert.False(t, m.Unblock("p-0"), "destroyed pipelines stay gone")
	assert.True(t, m.IsBlocked("p-0"))
}

func TestHandle429Ladder(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{
		RateLimitRule: config.RateLimitRule{
			BlockDurationMs:        50,
			MaxConsecutiveFailures: 3,
			ResetIntervalMs:        60_000,
		},
	})
	defer m.Close()

	action := m.Handle429("p-0")
	assert.Equal(t, models.ActionBlacklist, action.Kind)
	assert.Equal(t, 1, m.Consecutive429("p-0"))

	action = m.Handle429("p-0")
	assert.Equal(t, models.ActionBlacklist, action.Kind)
	assert.Equal(t, 2, m.Consecutive429("p-0"))

	action = m.Handle429("p-0")
	assert.Equal(t, models.ActionFatal, action.Kind)
	assert.Equal(t, "consecutive_rate_limits", action.Reason)
	assert.True(t, m.IsDestroyed("p-0"), "third consecutive hit destroys")
}

func TestHandle429ResetInterval(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{
		RateLimitRule: config.RateLimitRule{
			BlockDurationMs:        10,
			MaxConsecutiveFailures: 3,
			ResetIntervalMs:        20,
		},
	})
	defer m.Close()

	m.Handle429("p-0")
	m.Handle429("p-0")
	assert.Equal(t, 2, m.Consecutive429("p-0"))

	time.Sleep(30 * time.Millisecond)
	action := m.Handle429("p-0")
	assert.Equal(t, models.ActionBlacklist, action.Kind, "quiet interval restarts the ladder")
	assert.Equal(t, 1, m.Consecutive429("p-0"))
	assert.False(t, m.IsDestroyed("p-0"))
}

func TestReset429(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{})
	defer m.Close()

	m.Handle429("p-0")
	require.Equal(t, 1, m.Consecutive429("p-0"))
	m.Reset429("p-0")
	assert.Equal(t, 0, m.Consecutive429("p-0"))
}

func TestMatchDestroyRule(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{
		DestroyRules: []config.DestroyRule{
			{Enabled: true, StatusCode: 401, ErrorPatterns: []string{"invalid api key"}},
			{Enabled: true, StatusCode: 400, ErrorPatterns: []string{"model not found"}},
			{Enabled: false, StatusCode: 500},
			{Enabled: true, StatusCode: 418},
		},
	})
	defer m.Close()

	assert.True(t, m.MatchDestroyRule(401, "Invalid API Key provided"))
	assert.False(t, m.MatchDestroyRule(401, "quota exceeded"), "pattern must match")
	assert.False(t, m.MatchDestroyRule(403, "invalid api key"), "status must match")
	assert.True(t, m.MatchDestroyRule(400, "the model NOT FOUND upstream"))
	assert.False(t, m.MatchDestroyRule(500, "anything"), "disabled rules never fire")
	assert.True(t, m.MatchDestroyRule(418, "whatever"), "no patterns means status alone fires")
}

func TestBlacklistPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "blacklist.json")
	settings := config.BlacklistSettings{PersistenceFile: path}

	m := NewBlacklistManager(settings, nil, zap.NewNop())
	m.TemporaryBlock("p-0", time.Minute, "server_error")
	m.TemporaryBlock("p-expired", 5*time.Millisecond, "x")
	m.Handle429("p-1")
	m.Destroy("p-2", "invalid_api_key")
	time.Sleep(10 * time.Millisecond)
	m.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err, "close flushes the snapshot")

	state := gjson.ParseBytes(data)
	assert.True(t, state.Get("timestamp").Exists())
	require.True(t, state.Get("temporaryBlocks").IsArray())
	require.True(t, state.Get("rateLimitCounters").IsArray())
	var blockIDs []string
	for _, b := range state.Get("temporaryBlocks").Array() {
		blockIDs = append(blockIDs, b.Get("pipelineId").String())
		assert.True(t, b.Get("createdAt").Exists())
		assert.True(t, b.Get("expiresAt").Exists())
		assert.Positive(t, b.Get("blockCount").Int())
	}
	assert.Contains(t, blockIDs, "p-0")
	counter := state.Get("rateLimitCounters.0")
	assert.Equal(t, "p-1", counter.Get("pipelineId").String())
	assert.Equal(t, int64(1), counter.Get("consecutiveCount").Int())
	assert.True(t, counter.Get("firstFailureTime").Exists())
	assert.True(t, counter.Get("lastFailureTime").Exists())
	assert.True(t, counter.Get("resetAt").Exists())
	assert.False(t, state.Get("destroyed").Exists(), "the destroyed set never reaches disk")

	restored := NewBlacklistManager(settings, nil, zap.NewNop())
	defer restored.Close()

	assert.True(t, restored.IsBlocked("p-0"))
	assert.False(t, restored.IsBlocked("p-expired"), "expired entries are dropped on restore")
	assert.Equal(t, 1, restored.Consecutive429("p-1"))
	assert.False(t, restored.IsDestroyed("p-2"), "destruction is process-local")
	assert.False(t, restored.IsBlocked("p-2"))
}

func TestDestroyHook(t *testing.T) {
	m := newTestBlacklist(config.BlacklistSettings{
		RateLimitRule: config.RateLimitRule{MaxConsecutiveFailures: 2},
	})
	defer m.Close()

	var gone []string
	m.SetDestroyHook(func(id string) { gone = append(gone, id) })

	m.Destroy("p-0", "invalid_api_key")
	assert.Equal(t, []string{"p-0"}, gone)

	m.Handle429("p-1")
	m.Handle429("p-1")
	assert.Equal(t, []string{"p-0", "p-1"}, gone, "the ladder's destroy fires the hook too")
}

func TestBlacklistRestoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blacklist.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	m := NewBlacklistManager(config.BlacklistSettings{PersistenceFile: path}, nil, zap.NewNop())
	defer m.Close()
	assert.False(t, m.IsBlocked("p-0"), "corrupt state starts clean")
}

func TestBlacklistEvents(t *testing.T) {
	events := NewEventBus(8, zap.NewNop())
	m := NewBlacklistManager(config.BlacklistSettings{}, events, zap.NewNop())
	defer m.Close()

	ch, cancel := events.Subscribe()
	defer cancel()

	m.TemporaryBlock("p-0", time.Minute, "x")
	m.Unblock("p-0")
	m.Destroy("p-1", "x")

	want := []string{
		models.EventPipelineTemporaryBlock,
		models.EventPipelineManualUnblock,
		models.EventPipelineDestroy,
	}
	for _, name := range want {
		select {
		case ev := <-ch:
			assert.Equal(t, name, ev.Name)
		case <-time.After(time.Second):
			t.Fatalf("no %s event", name)
		}
	}
}
