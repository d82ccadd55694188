package cooldown

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRecordThenIsCoolingDown(t *testing.T) {
	s := NewMemoryStore()
	until := base.Add(time.Minute)

	_, err := s.RecordRateLimit("codex", until, "429 Too Many Requests")
	require.NoError(t, err)

	cooling, remaining, reason := s.IsCoolingDown("codex", base)
	assert.True(t, cooling)
	assert.Equal(t, time.Minute, remaining)
	assert.Equal(t, "429 Too Many Requests", reason)

	cooling, remaining, reason = s.IsCoolingDown("codex", until.Add(time.Second))
	assert.False(t, cooling)
	assert.Zero(t, remaining)
	assert.Empty(t, reason)

	cooling, _, _ = s.IsCoolingDown("codex", until)
	assert.False(t, cooling, "until is exclusive")

	cooling, _, _ = s.IsCoolingDown("claude", base)
	assert.False(t, cooling)
}

func TestExpiredRecordIsNotDeleted(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.RecordRateLimit("codex", base.Add(time.Second), "quota")
	require.NoError(t, err)

	cooling, _, _ := s.IsCoolingDown("codex", base.Add(time.Hour))
	assert.False(t, cooling)

	rec, ok := s.Get("codex")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), rec.CooldownUntil)
	assert.Empty(t, s.List(base.Add(time.Hour)))
}

func TestRecordKeepsLaterExpiry(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.RecordRateLimit("codex", base.Add(5*time.Minute), "first")
	require.NoError(t, err)

	rec, err := s.RecordRateLimit("codex", base.Add(time.Minute), "earlier")
	require.NoError(t, err)
	assert.Equal(t, base.Add(5*time.Minute), rec.CooldownUntil)
	assert.Equal(t, "first", rec.Reason)

	rec, err = s.RecordRateLimit("codex", base.Add(10*time.Minute), "later")
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Minute), rec.CooldownUntil)
	assert.Equal(t, "later", rec.Reason)
}

func TestConcurrentRecordsKeepLatest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	s, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RecordRateLimit("codex", base.Add(time.Duration(i)*time.Minute), "hit")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rec, ok := s.Get("codex")
	require.True(t, ok)
	assert.Equal(t, base.Add(20*time.Minute), rec.CooldownUntil)

	reopened, err := Open(path)
	require.NoError(t, err)
	rec, ok = reopened.Get("codex")
	require.True(t, ok)
	assert.True(t, rec.CooldownUntil.Equal(base.Add(20*time.Minute)))
}

func TestTwoStoresSharingAFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := a.RecordRateLimit("codex", base.Add(2*time.Minute), "from a")
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := b.RecordRateLimit("codex", base.Add(7*time.Minute), "from b")
		assert.NoError(t, err)
	}()
	wg.Wait()

	_, err = a.RecordRateLimit("claude", base.Add(time.Minute), "from a")
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	rec, ok := reopened.Get("codex")
	require.True(t, ok)
	assert.True(t, rec.CooldownUntil.Equal(base.Add(7*time.Minute)))
	assert.Equal(t, "from b", rec.Reason)
	_, ok = reopened.Get("claude")
	assert.True(t, ok)
}

func TestPersistenceSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cooldowns.json")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.RecordRateLimit("claude", base.Add(time.Hour), "usage limit reached")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var sf stateFile
	require.NoError(t, json.Unmarshal(data, &sf))
	assert.Equal(t, fileVersion, sf.Version)
	assert.Contains(t, sf.Records, "claude")

	restarted, err := Open(path)
	require.NoError(t, err)
	cooling, remaining, reason := restarted.IsCoolingDown("claude", base)
	assert.True(t, cooling)
	assert.Equal(t, time.Hour, remaining)
	assert.Equal(t, "usage limit reached", reason)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp files must not be left behind")
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestBypass(t *testing.T) {
	now := base
	s := NewMemoryStore(WithClock(func() time.Time { return now }))

	_, err := s.RecordRateLimit("codex", base.Add(time.Hour), "quota")
	require.NoError(t, err)

	woken := s.Bypassed("codex")
	select {
	case <-woken:
		t.Fatal("bypass channel closed before bypass")
	default:
	}

	require.NoError(t, s.Bypass("codex"))

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatal("bypass did not wake waiter")
	}

	cooling, _, _ := s.IsCoolingDown("codex", now)
	assert.False(t, cooling)

	rec, err := s.RecordRateLimit("codex", base.Add(time.Minute), "again")
	require.NoError(t, err)
	assert.Equal(t, "again", rec.Reason, "a new rate limit after bypass applies")

	assert.NotEqual(t, woken, s.Bypassed("codex"), "a fresh channel is handed out after bypass")
}

func TestBypassPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	s, err := Open(path, WithClock(func() time.Time { return base }))
	require.NoError(t, err)

	_, err = s.RecordRateLimit("codex", base.Add(time.Hour), "quota")
	require.NoError(t, err)
	require.NoError(t, s.Bypass("codex"))

	reopened, err := Open(path)
	require.NoError(t, err)
	cooling, _, _ := reopened.IsCoolingDown("codex", base)
	assert.False(t, cooling)
}

func TestBypassFromOtherStoreWakesWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "cooldowns.json")
	clock := WithClock(func() time.Time { return base })

	running, err := Open(path, clock)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, running.Watch(ctx))

	_, err = running.RecordRateLimit("codex", base.Add(time.Hour), "quota")
	require.NoError(t, err)
	_, err = running.RecordRateLimit("claude", base.Add(time.Hour), "quota")
	require.NoError(t, err)
	woken := running.Bypassed("codex")
	untouched := running.Bypassed("claude")

	cli, err := Open(path, clock)
	require.NoError(t, err)
	require.NoError(t, cli.Bypass("codex"))

	select {
	case <-woken:
	case <-time.After(5 * time.Second):
		t.Fatal("bypass in another store did not wake the watcher's waiter")
	}
	select {
	case <-untouched:
		t.Fatal("agent still cooling down was woken")
	default:
	}

	cooling, _, _ := running.IsCoolingDown("codex", base)
	assert.False(t, cooling)
	cooling, _, _ = running.IsCoolingDown("claude", base)
	assert.True(t, cooling)
}

func TestBypassFromOtherStoreSeenOnRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cooldowns.json")
	clock := WithClock(func() time.Time { return base })

	running, err := Open(path, clock)
	require.NoError(t, err)
	_, err = running.RecordRateLimit("codex", base.Add(time.Hour), "quota")
	require.NoError(t, err)
	woken := running.Bypassed("codex")

	cli, err := Open(path, clock)
	require.NoError(t, err)
	require.NoError(t, cli.Bypass("codex"))

	// A write by this store re-reads the file under the lock first.
	_, err = running.RecordRateLimit("goose", base.Add(time.Minute), "quota")
	require.NoError(t, err)

	select {
	case <-woken:
	default:
		t.Fatal("reload did not wake the waiter")
	}
}

func TestWatchMemoryStore(t *testing.T) {
	assert.NoError(t, NewMemoryStore().Watch(context.Background()))
}

func TestListOrdersActiveRecords(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"goose", "claude", "codex"} {
		_, err := s.RecordRateLimit(id, base.Add(time.Minute), "r")
		require.NoError(t, err)
	}
	_, err := s.RecordRateLimit("old", base.Add(-time.Minute), "r")
	require.NoError(t, err)

	list := s.List(base)
	require.Len(t, list, 3)
	assert.Equal(t, "claude", list[0].AgentID)
	assert.Equal(t, "codex", list[1].AgentID)
	assert.Equal(t, "goose", list[2].AgentID)
}
