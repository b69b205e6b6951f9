package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const pruneRunsSQL = `DELETE FROM harvest_runs
	WHERE started_at < NOW() - make_interval(days => $1)`

// ReportRetention removes harvest runs older than the retention window.
// Items go with their run through the foreign key cascade.
type ReportRetention struct {
	db *sql.DB
}

func NewReportRetention(db *DB) *ReportRetention {
	return &ReportRetention{db: db.DB}
}

// Prune deletes runs started more than retentionDays ago and returns how
// many were removed. Zero days is rejected so a misconfiguration cannot
// wipe the table.
func (r *ReportRetention) Prune(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("report retention: retentionDays must be positive, got %d", retentionDays)
	}
	res, err := r.db.ExecContext(ctx, pruneRunsSQL, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("report retention: prune harvest runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("report retention: rows affected: %w", err)
	}
	return n, nil
}
