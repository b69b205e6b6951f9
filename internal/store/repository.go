package store

import (
	"context"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline/report"
)

// HarvestReportRepository persists finalized harvest reports.
type HarvestReportRepository interface {
	SaveReport(ctx context.Context, r *report.HarvestReport) error
	// LastHarvests returns the most recent confirmed harvest time of each
	// vault on chain, keyed by vault id.
	LastHarvests(ctx context.Context, chain model.ChainID) (map[string]time.Time, error)
}
