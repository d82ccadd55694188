package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/task"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

// fallbackRun is a task that failed twice on claude, then succeeded on codex.
func fallbackRun(id string, started time.Time) task.RunState {
	return task.RunState{
		TaskID:       id,
		Chain:        []string{"claude", "codex"},
		ChainIndex:   1,
		AttemptCount: 1,
		Phase:        task.PhaseDone,
		Outcome:      task.OutcomeDone,
		StartedAt:    started,
		FinishedAt:   started.Add(2 * time.Minute),
		History: []task.AttemptRecord{
			{
				AgentID:      "claude",
				Attempt:      1,
				StartedAt:    started,
				EndedAt:      started.Add(10 * time.Second),
				ExitCode:     intPtr(1),
				Category:     classify.AgentFailure,
				ContainerRef: id + "-claude-1",
				Reason:       "exit code 1",
			},
			{
				AgentID:      "claude",
				Attempt:      2,
				StartedAt:    started.Add(15 * time.Second),
				EndedAt:      started.Add(20 * time.Second),
				Category:     classify.ContainerCrash,
				ContainerRef: id + "-claude-2",
				Reason:       "OOMKilled",
			},
			{
				AgentID:      "codex",
				Attempt:      1,
				StartedAt:    started.Add(time.Minute),
				EndedAt:      started.Add(2 * time.Minute),
				ExitCode:     intPtr(0),
				ContainerRef: id + "-codex-1",
			},
		},
	}
}

func TestSaveAndGetRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	want := fallbackRun("task-1", epoch)
	if err := store.SaveRun(ctx, want); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}

	if got.TaskID != want.TaskID {
		t.Errorf("TaskID = %q, want %q", got.TaskID, want.TaskID)
	}
	if len(got.Chain) != 2 || got.Chain[0] != "claude" || got.Chain[1] != "codex" {
		t.Errorf("Chain = %v, want [claude codex]", got.Chain)
	}
	if got.ChainIndex != 1 || got.AttemptCount != 1 {
		t.Errorf("ChainIndex/AttemptCount = %d/%d, want 1/1", got.ChainIndex, got.AttemptCount)
	}
	if got.Phase != task.PhaseDone || got.Outcome != task.OutcomeDone {
		t.Errorf("Phase/Outcome = %s/%s, want DONE/DONE", got.Phase, got.Outcome)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("times = %v..%v, want %v..%v", got.StartedAt, got.FinishedAt, want.StartedAt, want.FinishedAt)
	}

	if len(got.History) != 3 {
		t.Fatalf("len(History) = %d, want 3", len(got.History))
	}
	first := got.History[0]
	if first.AgentID != "claude" || first.Attempt != 1 || first.Category != classify.AgentFailure {
		t.Errorf("History[0] = %+v", first)
	}
	if first.ExitCode == nil || *first.ExitCode != 1 {
		t.Errorf("History[0].ExitCode = %v, want 1", first.ExitCode)
	}
	if first.ContainerRef != "task-1-claude-1" || first.Reason != "exit code 1" {
		t.Errorf("History[0] ref/reason = %q/%q", first.ContainerRef, first.Reason)
	}
	if got.History[1].ExitCode != nil {
		t.Errorf("History[1].ExitCode = %v, want nil for a crash", *got.History[1].ExitCode)
	}
	if !got.History[2].Succeeded() {
		t.Errorf("History[2] should be the successful attempt, got category %q", got.History[2].Category)
	}
	if got.History[2].Duration() != time.Minute {
		t.Errorf("History[2].Duration() = %v, want 1m", got.History[2].Duration())
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSaveRunIdempotent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := fallbackRun("task-1", epoch)
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("first SaveRun failed: %v", err)
	}

	// A later save with a shorter history replaces the old attempts.
	run.History = run.History[:1]
	run.Outcome = task.OutcomeFailed
	run.Phase = task.PhaseFailed
	run.Reason = "all agents exhausted"
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("second SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Outcome != task.OutcomeFailed || got.Reason != "all agents exhausted" {
		t.Errorf("Outcome/Reason = %s/%q", got.Outcome, got.Reason)
	}
	if len(got.History) != 1 {
		t.Errorf("len(History) = %d, want 1", len(got.History))
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("len(runs) = %d, want 1", len(runs))
	}
}

func TestSaveRunRejectsEmptyID(t *testing.T) {
	store := testStore(t)

	if err := store.SaveRun(context.Background(), task.RunState{}); err == nil {
		t.Error("expected error for empty task id")
	}
}

func TestSaveRunUnfinished(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := task.RunState{
		TaskID:    "running",
		Chain:     []string{"codex"},
		Phase:     task.PhaseRunning,
		StartedAt: epoch,
		History: []task.AttemptRecord{
			{AgentID: "codex", Attempt: 1, StartedAt: epoch},
		},
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "running")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !got.FinishedAt.IsZero() {
		t.Errorf("FinishedAt = %v, want zero", got.FinishedAt)
	}
	if got.Outcome != "" {
		t.Errorf("Outcome = %q, want empty", got.Outcome)
	}
	if !got.History[0].EndedAt.IsZero() {
		t.Errorf("EndedAt = %v, want zero", got.History[0].EndedAt)
	}
}

func TestListRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"old", "middle", "new"} {
		if err := store.SaveRun(ctx, fallbackRun(id, epoch.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveRun(%s) failed: %v", id, err)
		}
	}

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{"all", 0, []string{"new", "middle", "old"}},
		{"limited", 2, []string{"new", "middle"}},
		{"limit above count", 10, []string{"new", "middle", "old"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := store.ListRuns(ctx, tt.limit)
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("len(runs) = %d, want %d", len(runs), len(tt.want))
			}
			for i, id := range tt.want {
				if runs[i].TaskID != id {
					t.Errorf("runs[%d] = %q, want %q", i, runs[i].TaskID, id)
				}
				if runs[i].History != nil {
					t.Errorf("runs[%d] should not carry history", i)
				}
			}
		})
	}
}

func TestListAttemptsUnknownTask(t *testing.T) {
	store := testStore(t)

	history, err := store.ListAttempts(context.Background(), "missing")
	if err != nil {
		t.Fatalf("ListAttempts failed: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("len(history) = %d, want 0", len(history))
	}
}

func TestAgentStats(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b"} {
		if err := store.SaveRun(ctx, fallbackRun(id, epoch.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveRun(%s) failed: %v", id, err)
		}
	}

	stats, err := store.AgentStats(ctx)
	if err != nil {
		t.Fatalf("AgentStats failed: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}

	claude, codex := stats[0], stats[1]
	if claude.AgentID != "claude" || codex.AgentID != "codex" {
		t.Fatalf("agents = %s, %s; want claude, codex", claude.AgentID, codex.AgentID)
	}
	if claude.Attempts != 4 || claude.Successes != 0 {
		t.Errorf("claude attempts/successes = %d/%d, want 4/0", claude.Attempts, claude.Successes)
	}
	if claude.ByCategory[classify.AgentFailure] != 2 || claude.ByCategory[classify.ContainerCrash] != 2 {
		t.Errorf("claude categories = %v", claude.ByCategory)
	}
	if codex.Attempts != 2 || codex.Successes != 2 || len(codex.ByCategory) != 0 {
		t.Errorf("codex = %+v, want 2 successful attempts", codex)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "runs.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.SaveRun(ctx, fallbackRun("task-1", epoch)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetRun(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetRun after reopen failed: %v", err)
	}
	if len(got.History) != 3 {
		t.Errorf("len(History) = %d, want 3", len(got.History))
	}
}

func TestForeignKeyEnforced(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, seq, agent_id, attempt, started_at)
		VALUES ('orphan', 0, 'codex', 1, '2026-03-01T12:00:00Z')
	`)
	if err == nil {
		t.Error("expected foreign key violation for attempt without run")
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.SaveRun(ctx, fallbackRun("task-1", epoch)); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if _, err := b.GetRun(ctx, "task-1"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second store sees first store's run: %v", err)
	}
}
