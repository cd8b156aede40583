package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alexhall/foreman/internal/loopguard"
	"github.com/alexhall/foreman/internal/schedule"
	"github.com/alexhall/foreman/internal/task"
)

// SavePhaseRecord appends one phase run record.
func (s *SQLiteStore) SavePhaseRecord(ctx context.Context, rec schedule.PhaseRunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO phase_history (phase, outcome, at)
		VALUES (?, ?, ?)
	`, rec.Phase, rec.Outcome, rec.At)
	if err != nil {
		return fmt.Errorf("failed to save phase record: %w", err)
	}
	return nil
}

// LoadPhaseHistory returns the most recent window of phase run records in
// chronological order.
func (s *SQLiteStore) LoadPhaseHistory(ctx context.Context, window int) ([]schedule.PhaseRunRecord, error) {
	if window <= 0 {
		window = 128
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, outcome, at FROM (
			SELECT id, phase, outcome, at
			FROM phase_history
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, window)
	if err != nil {
		return nil, fmt.Errorf("failed to query phase history: %w", err)
	}
	defer rows.Close()

	var records []schedule.PhaseRunRecord
	for rows.Next() {
		var rec schedule.PhaseRunRecord
		if err := rows.Scan(&rec.Phase, &rec.Outcome, &rec.At); err != nil {
			return nil, fmt.Errorf("failed to scan phase record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase history: %w", err)
	}
	return records, nil
}

// SaveLoopState upserts one task's loop-guard state. The task must already
// be saved; loop state cascades away with its task.
func (s *SQLiteStore) SaveLoopState(ctx context.Context, snap loopguard.StateSnapshot) error {
	sigs, err := json.Marshal(snap.LastSignatures)
	if err != nil {
		return fmt.Errorf("marshaling signatures: %w", err)
	}
	actions, err := json.Marshal(snap.RecentActions)
	if err != nil {
		return fmt.Errorf("marshaling actions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO loop_state (task_id, level, last_signatures, recent_actions)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			level = excluded.level,
			last_signatures = excluded.last_signatures,
			recent_actions = excluded.recent_actions
	`, snap.TaskID, snap.Level, string(sigs), string(actions))
	if err != nil {
		return fmt.Errorf("failed to save loop state: %w", err)
	}
	return nil
}

// LoadLoopStates returns every persisted loop state.
func (s *SQLiteStore) LoadLoopStates(ctx context.Context) ([]loopguard.StateSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, level, last_signatures, recent_actions
		FROM loop_state
		ORDER BY task_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query loop states: %w", err)
	}
	defer rows.Close()

	var snaps []loopguard.StateSnapshot
	for rows.Next() {
		var snap loopguard.StateSnapshot
		var sigs, actions sql.NullString
		if err := rows.Scan(&snap.TaskID, &snap.Level, &sigs, &actions); err != nil {
			return nil, fmt.Errorf("failed to scan loop state: %w", err)
		}
		if sigs.Valid && sigs.String != "" {
			var parsed []task.ProgressSignature
			if err := json.Unmarshal([]byte(sigs.String), &parsed); err != nil {
				return nil, fmt.Errorf("parsing signatures for %s: %w", snap.TaskID, err)
			}
			snap.LastSignatures = parsed
		}
		if actions.Valid && actions.String != "" {
			var parsed []loopguard.ActionSignature
			if err := json.Unmarshal([]byte(actions.String), &parsed); err != nil {
				return nil, fmt.Errorf("parsing actions for %s: %w", snap.TaskID, err)
			}
			snap.RecentActions = parsed
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating loop states: %w", err)
	}
	return snaps, nil
}
