package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline/report"
)

const insertRunSQL = `INSERT INTO harvest_runs
	(run_id, chain, dry_run, started_at, finished_at, balance_before, balance_after,
	 total_profit_wei, estimated_profit_wei, total_strategies, harvested, skipped, errors,
	 profit_diverged, error, document)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	ON CONFLICT (run_id) DO NOTHING`

const insertItemSQL = `INSERT INTO harvest_items
	(run_id, vault_id, chain, strategy_address, harvested, error, skip_reason,
	 failure_category, profit_wei, tx_hash, harvested_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (run_id, vault_id) DO NOTHING`

const lastHarvestsSQL = `SELECT vault_id, MAX(harvested_at)
	FROM harvest_items
	WHERE chain = $1 AND harvested AND harvested_at IS NOT NULL
	GROUP BY vault_id`

// HarvestRepo implements store.HarvestReportRepository.
type HarvestRepo struct {
	db *sql.DB
}

func NewHarvestRepo(db *DB) *HarvestRepo {
	return &HarvestRepo{db: db.DB}
}

func nullWei(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func wei(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// SaveReport stores the run and its items in one transaction. Saving the
// same run twice is a no-op.
func (r *HarvestRepo) SaveReport(ctx context.Context, rep *report.HarvestReport) error {
	document, err := rep.Encode()
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save report: %w", err)
	}
	defer tx.Rollback()

	var runErr sql.NullString
	if rep.Err != nil {
		runErr = nullString(rep.Err.Error())
	}
	s := rep.Summary
	if _, err := tx.ExecContext(ctx, insertRunSQL,
		rep.RunID.String(), rep.Chain.String(), rep.DryRun, rep.StartedAt.UTC(), nullTime(rep.FinishedAt),
		nullWei(rep.BalanceBefore), nullWei(rep.BalanceAfter),
		wei(s.TotalProfitWei), wei(s.EstimatedProfitWei), s.TotalStrategies, s.Harvested, s.Skipped, s.Errors,
		s.Diverged, runErr, string(document),
	); err != nil {
		return fmt.Errorf("insert harvest run %s: %w", rep.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertItemSQL)
	if err != nil {
		return fmt.Errorf("prepare harvest item insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range rep.Items {
		var skipReason string
		if d, ok := it.Decision.Value(); ok && !d.ShouldHarvest {
			skipReason = string(d.Reason)
		}
		var (
			txHash      string
			harvestedAt time.Time
		)
		if c, ok := it.Confirmation.Value(); ok {
			txHash = c.TxHash.Hex()
			harvestedAt = c.ConfirmedAt
		}
		if it.Harvested && harvestedAt.IsZero() {
			harvestedAt = it.Vault.LastHarvest
		}

		if _, err := stmt.ExecContext(ctx,
			rep.RunID.String(), it.Vault.ID, rep.Chain.String(), it.Vault.StrategyAddress.Hex(),
			it.Harvested, it.Error, nullString(skipReason), nullString(string(it.Failure)),
			wei(it.ProfitWei), nullString(txHash), nullTime(harvestedAt),
		); err != nil {
			return fmt.Errorf("insert harvest item %s: %w", it.Vault.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit harvest report: %w", err)
	}
	return nil
}

func (r *HarvestRepo) LastHarvests(ctx context.Context, chain model.ChainID) (map[string]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, lastHarvestsSQL, chain.String())
	if err != nil {
		return nil, fmt.Errorf("query last harvests: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			vaultID string
			at      time.Time
		)
		if err := rows.Scan(&vaultID, &at); err != nil {
			return nil, fmt.Errorf("scan last harvest: %w", err)
		}
		out[vaultID] = at.UTC()
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last harvests: %w", err)
	}
	return out, nil
}
