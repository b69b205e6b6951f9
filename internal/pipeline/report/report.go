package report

import (
	"log/slog"
	"math/big"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultDivergencePercent is how far, in percent of the estimate, the
// balance delta may drift from the summed estimates before a warning.
var DefaultDivergencePercent = decimal.NewFromInt(20)

// Item is the outcome of one strategy in a run.
type Item struct {
	Vault        model.Vault
	Simulation   model.Stage[model.Simulation]
	Decision     model.Stage[model.HarvestDecision]
	Submission   model.Stage[model.Submission]
	Confirmation model.Stage[model.Confirmation]

	Failure   model.FailureCategory
	Harvested bool
	Error     bool
	ProfitWei *big.Int
}

// Skipped reports whether the item was neither harvested nor failed.
func (it *Item) Skipped() bool {
	return !it.Harvested && !it.Error
}

// Fail marks the item failed. The stage that failed must already be recorded.
func (it *Item) Fail(category model.FailureCategory) {
	it.Error = true
	it.Harvested = false
	it.Failure = category
}

// Succeed marks the item harvested with the realised profit.
func (it *Item) Succeed(profitWei *big.Int) {
	it.Harvested = true
	it.Error = false
	it.ProfitWei = profitWei
}

// Summary aggregates a finished run.
type Summary struct {
	// TotalProfitWei is the keeper balance delta when both balances are
	// known, otherwise EstimatedProfitWei.
	TotalProfitWei     *big.Int
	EstimatedProfitWei *big.Int
	TotalStrategies    int
	Harvested          int
	Skipped            int
	Errors             int
	Diverged           bool
}

// HarvestReport is the per-chain result of one harvest run. It has a single
// writer; items may be filled concurrently as long as each goroutine owns
// its own item.
type HarvestReport struct {
	RunID         uuid.UUID
	Chain         model.ChainID
	DryRun        bool
	StartedAt     time.Time
	FinishedAt    time.Time
	BalanceBefore *big.Int
	BalanceAfter  *big.Int
	Items         []*Item
	Summary       Summary
	// Err is a chain level failure that ended the run early.
	Err error
}

func New(chain model.ChainID, startedAt time.Time) *HarvestReport {
	return &HarvestReport{
		RunID:     uuid.New(),
		Chain:     chain,
		StartedAt: startedAt,
	}
}

// AddItem appends an item for v and returns it.
func (r *HarvestReport) AddItem(v model.Vault) *Item {
	it := &Item{Vault: v}
	r.Items = append(r.Items, it)
	return it
}

// Finalize closes the report and computes its summary.
func (r *HarvestReport) Finalize(finishedAt time.Time, balanceAfter *big.Int, divergencePercent decimal.Decimal, logger *slog.Logger) Summary {
	r.FinishedAt = finishedAt
	r.BalanceAfter = balanceAfter

	s := Summary{
		EstimatedProfitWei: new(big.Int),
		TotalStrategies:    len(r.Items),
	}
	for _, it := range r.Items {
		switch {
		case it.Harvested:
			s.Harvested++
		case it.Error:
			s.Errors++
		default:
			s.Skipped++
		}
		if it.ProfitWei != nil {
			s.EstimatedProfitWei.Add(s.EstimatedProfitWei, it.ProfitWei)
		}
	}

	if r.BalanceBefore != nil && r.BalanceAfter != nil {
		s.TotalProfitWei = new(big.Int).Sub(r.BalanceAfter, r.BalanceBefore)
		s.Diverged = Diverges(s.TotalProfitWei, s.EstimatedProfitWei, divergencePercent)
		if s.Diverged && logger != nil {
			logger.Warn("balance delta diverges from estimated profit",
				"chain", r.Chain.String(),
				"run_id", r.RunID.String(),
				"balance_delta_wei", s.TotalProfitWei.String(),
				"estimated_profit_wei", s.EstimatedProfitWei.String(),
			)
		}
	} else {
		s.TotalProfitWei = new(big.Int).Set(s.EstimatedProfitWei)
	}

	r.Summary = s
	return s
}

// Diverges reports whether actual differs from estimated by more than
// percent of |estimated|, with a tolerance of at least 1 wei.
func Diverges(actual, estimated *big.Int, percent decimal.Decimal) bool {
	diff := new(big.Int).Sub(actual, estimated)
	diff.Abs(diff)
	tolerance := decimal.NewFromBigInt(new(big.Int).Abs(estimated), 0).
		Mul(percent).Div(decimal.NewFromInt(100)).Floor().BigInt()
	if tolerance.Cmp(big.NewInt(1)) < 0 {
		tolerance = big.NewInt(1)
	}
	return diff.Cmp(tolerance) > 0
}

// HasActivity is false for runs where nothing was harvested and nothing
// failed; those runs are not notified.
func (r *HarvestReport) HasActivity() bool {
	return r.Err != nil || r.Summary.Harvested > 0 || r.Summary.Errors > 0
}
