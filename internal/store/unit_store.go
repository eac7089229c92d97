package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nhle/bookpipe/internal/model"
)

type outcomeRow struct {
	Task       string `db:"task"`
	Status     string `db:"status"`
	Detail     string `db:"detail"`
	ExitCode   int    `db:"exit_code"`
	DurationMS int64  `db:"duration_ms"`
}

func (r outcomeRow) toModel() model.TaskOutcome {
	return model.TaskOutcome{
		Task:     r.Task,
		Status:   model.TaskStatus(r.Status),
		Detail:   r.Detail,
		ExitCode: r.ExitCode,
		Duration: time.Duration(r.DurationMS) * time.Millisecond,
	}
}

// SaveUnit stores a unit and its outcomes in one transaction.
func (s *SQLiteStore) SaveUnit(
	ctx context.Context, unit *model.ProcessingUnit, outcomes []model.TaskOutcome,
) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO units (id, message_id, name, source_filename, dir, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		unit.ID, unit.MessageID, unit.Name, unit.SourceFilename, unit.Dir, unit.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving unit %s: %w", unit.ID, err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO outcomes (unit_id, task, position, status, detail, exit_code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing outcome statement: %w", err)
	}
	defer stmt.Close()

	for i, o := range outcomes {
		_, err := stmt.ExecContext(ctx,
			unit.ID, o.Task, i, string(o.Status), o.Detail, o.ExitCode, o.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("saving outcome %s for unit %s: %w", o.Task, unit.ID, err)
		}
	}

	return tx.Commit()
}

// GetOutcomes returns a unit's outcomes in task order.
func (s *SQLiteStore) GetOutcomes(ctx context.Context, unitID string) ([]model.TaskOutcome, error) {
	var rows []outcomeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT task, status, detail, exit_code, duration_ms
		FROM outcomes WHERE unit_id = ? ORDER BY position`, unitID)
	if err != nil {
		return nil, fmt.Errorf("querying outcomes for unit %s: %w", unitID, err)
	}

	outcomes := make([]model.TaskOutcome, 0, len(rows))
	for _, r := range rows {
		outcomes = append(outcomes, r.toModel())
	}
	return outcomes, nil
}

// RecentUnits returns the newest units with their outcomes. A non-positive
// limit returns all units.
func (s *SQLiteStore) RecentUnits(ctx context.Context, limit int) ([]model.UnitSummary, error) {
	query := `
		SELECT id, message_id, name, source_filename, dir, created_at
		FROM units ORDER BY created_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var units []model.UnitSummary
	if err := s.db.SelectContext(ctx, &units, query); err != nil {
		return nil, fmt.Errorf("querying recent units: %w", err)
	}

	for i := range units {
		outcomes, err := s.GetOutcomes(ctx, units[i].ID)
		if err != nil {
			return nil, err
		}
		units[i].Outcomes = outcomes
	}

	return units, nil
}
