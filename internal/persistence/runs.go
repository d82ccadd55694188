package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/task"
)

// AgentStat aggregates archived attempts for one agent.
type AgentStat struct {
	AgentID    string
	Attempts   int
	Successes  int
	ByCategory map[classify.Category]int
}

// SaveRun stores the run and replaces its attempt history.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveRun(ctx context.Context, state task.RunState) error {
	if state.TaskID == "" {
		return errors.New("failed to save run: empty task id")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (task_id, chain, chain_index, attempt_count, phase, outcome, reason, started_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET
			chain = excluded.chain,
			chain_index = excluded.chain_index,
			attempt_count = excluded.attempt_count,
			phase = excluded.phase,
			outcome = excluded.outcome,
			reason = excluded.reason,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			updated_at = CURRENT_TIMESTAMP
	`, state.TaskID, strings.Join(state.Chain, ","), state.ChainIndex, state.AttemptCount,
		string(state.Phase), string(state.Outcome), state.Reason,
		formatTime(state.StartedAt), nullTime(state.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE task_id = ?`, state.TaskID); err != nil {
		return fmt.Errorf("failed to delete old attempts: %w", err)
	}

	for i, rec := range state.History {
		var exitCode sql.NullInt64
		if rec.ExitCode != nil {
			exitCode = sql.NullInt64{Int64: int64(*rec.ExitCode), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (task_id, seq, agent_id, attempt, started_at, ended_at, exit_code, category, container_ref, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, state.TaskID, i, rec.AgentID, rec.Attempt, formatTime(rec.StartedAt), nullTime(rec.EndedAt),
			exitCode, string(rec.Category), rec.ContainerRef, rec.Reason)
		if err != nil {
			return fmt.Errorf("failed to insert attempt %d of %s: %w", i, state.TaskID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetRun returns the archived run with its attempt history.
// Returns ErrRunNotFound if the task was never archived.
func (s *SQLiteStore) GetRun(ctx context.Context, taskID string) (task.RunState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, chain, chain_index, attempt_count, phase, outcome, reason, started_at, finished_at
		FROM runs WHERE task_id = ?
	`, taskID)

	state, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return task.RunState{}, fmt.Errorf("%w: %s", ErrRunNotFound, taskID)
	}
	if err != nil {
		return task.RunState{}, fmt.Errorf("failed to query run: %w", err)
	}

	history, err := s.ListAttempts(ctx, taskID)
	if err != nil {
		return task.RunState{}, err
	}
	state.History = history
	return state, nil
}

// ListRuns returns the most recently started runs first, without attempt
// history. A limit <= 0 returns every run.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]task.RunState, error) {
	query := `
		SELECT task_id, chain, chain_index, attempt_count, phase, outcome, reason, started_at, finished_at
		FROM runs ORDER BY started_at DESC, task_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []task.RunState
	for rows.Next() {
		state, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// ListAttempts returns the attempt history of a run in order.
func (s *SQLiteStore) ListAttempts(ctx context.Context, taskID string) ([]task.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, attempt, started_at, ended_at, exit_code, category, container_ref, reason
		FROM attempts WHERE task_id = ? ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var history []task.AttemptRecord
	for rows.Next() {
		var (
			rec       task.AttemptRecord
			startedAt string
			endedAt   sql.NullString
			exitCode  sql.NullInt64
			category  sql.NullString
			ref       sql.NullString
			reason    sql.NullString
		)
		if err := rows.Scan(&rec.AgentID, &rec.Attempt, &startedAt, &endedAt, &exitCode, &category, &ref, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			if rec.EndedAt, err = parseTime(endedAt.String); err != nil {
				return nil, err
			}
		}
		if exitCode.Valid {
			code := int(exitCode.Int64)
			rec.ExitCode = &code
		}
		rec.Category = classify.Category(category.String)
		rec.ContainerRef = ref.String
		rec.Reason = reason.String
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return history, nil
}

// AgentStats counts archived attempts per agent and category.
func (s *SQLiteStore) AgentStats(ctx context.Context) ([]AgentStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, COALESCE(category, ''), COUNT(*)
		FROM attempts GROUP BY agent_id, category ORDER BY agent_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent stats: %w", err)
	}
	defer rows.Close()

	var stats []AgentStat
	for rows.Next() {
		var (
			agentID  string
			category string
			count    int
		)
		if err := rows.Scan(&agentID, &category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan agent stats: %w", err)
		}
		if len(stats) == 0 || stats[len(stats)-1].AgentID != agentID {
			stats = append(stats, AgentStat{AgentID: agentID, ByCategory: make(map[classify.Category]int)})
		}
		stat := &stats[len(stats)-1]
		stat.Attempts += count
		if category == "" {
			stat.Successes += count
		} else {
			stat.ByCategory[classify.Category(category)] += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agent stats: %w", err)
	}
	return stats, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (task.RunState, error) {
	var (
		state      task.RunState
		chain      string
		phase      string
		outcome    sql.NullString
		reason     sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&state.TaskID, &chain, &state.ChainIndex, &state.AttemptCount, &phase, &outcome, &reason, &startedAt, &finishedAt); err != nil {
		return task.RunState{}, err
	}

	if chain != "" {
		state.Chain = strings.Split(chain, ",")
	}
	state.Phase = task.Phase(phase)
	state.Outcome = task.Outcome(outcome.String)
	state.Reason = reason.String

	var err error
	if state.StartedAt, err = parseTime(startedAt); err != nil {
		return task.RunState{}, err
	}
	if finishedAt.Valid {
		if state.FinishedAt, err = parseTime(finishedAt.String); err != nil {
			return task.RunState{}, err
		}
	}
	return state, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}
