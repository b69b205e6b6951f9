package pipeline

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"github.com/emperorhan/vault-harvester/internal/alert"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline/report"
	"golang.org/x/sync/errgroup"
)

// ChainHarvester is what the runner needs from a per-chain harvester.
type ChainHarvester interface {
	Run(ctx context.Context, vaults []model.Vault) (*report.HarvestReport, error)
}

// ChainRun is one chain's share of a multi-chain harvest.
type ChainRun struct {
	Chain     model.ChainID
	Harvester ChainHarvester
	Vaults    []model.Vault
}

// ChainResult is the outcome of one ChainRun.
type ChainResult struct {
	Chain    model.ChainID
	Report   *report.HarvestReport
	Err      error
	Duration time.Duration
}

// Runner harvests several chains in parallel. A failing or panicking chain
// never affects the others.
type Runner struct {
	health  *HealthRegistry
	alerter alert.Alerter
	logger  *slog.Logger
}

func NewRunner(health *HealthRegistry, alerter alert.Alerter, logger *slog.Logger) *Runner {
	if health == nil {
		health = NewHealthRegistry()
	}
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Runner{
		health:  health,
		alerter: alerter,
		logger:  logger.With("component", "runner"),
	}
}

// Run returns one result per chain, sorted by chain.
func (r *Runner) Run(ctx context.Context, runs []ChainRun) []ChainResult {
	results := make([]ChainResult, len(runs))
	var g errgroup.Group
	for i, run := range runs {
		g.Go(func() error {
			results[i] = r.runChain(ctx, run)
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(results, func(a, b ChainResult) int { return cmp.Compare(a.Chain, b.Chain) })
	return results
}

func (r *Runner) runChain(ctx context.Context, run ChainRun) (res ChainResult) {
	res.Chain = run.Chain
	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("harvest panic: %v\n%s", p, debug.Stack())
		}
		res.Duration = time.Since(started)
		r.record(ctx, res)
	}()

	res.Report, res.Err = run.Harvester.Run(ctx, run.Vaults)
	return res
}

func (r *Runner) record(ctx context.Context, res ChainResult) {
	health := r.health.For(res.Chain)
	recovered := health.RecordRun(res.Duration, res.Err)
	snap := health.Snapshot()
	logger := r.logger.With("chain", res.Chain.String(), "duration", res.Duration.Round(time.Millisecond))

	var alerts []alert.Alert
	switch {
	case res.Err != nil:
		logger.Error("chain harvest failed", "error", res.Err, "consecutive_failures", snap.ConsecutiveFailures)
		alerts = append(alerts, alert.Alert{
			Type:    alert.AlertTypeRunFailed,
			Chain:   res.Chain.String(),
			Title:   "Harvest run failed",
			Message: res.Err.Error(),
		})
		if snap.Status == string(HealthStatusUnhealthy) {
			alerts = append(alerts, alert.Alert{
				Type:    alert.AlertTypeUnhealthy,
				Chain:   res.Chain.String(),
				Title:   "Chain unhealthy",
				Message: fmt.Sprintf("%d consecutive failed harvest runs", snap.ConsecutiveFailures),
				Fields:  map[string]string{"last_error": snap.LastError},
			})
		}
	case recovered:
		logger.Info("chain recovered")
		alerts = append(alerts, alert.Alert{
			Type:    alert.AlertTypeRecovery,
			Chain:   res.Chain.String(),
			Title:   "Chain recovered",
			Message: "harvest run succeeded after repeated failures",
		})
	default:
		logger.Info("chain harvest done")
	}

	for _, a := range alerts {
		if err := r.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
			logger.Warn("alert send failed", "type", a.Type, "error", err)
		}
	}
}

// Failed counts results with a chain level error.
func Failed(results []ChainResult) int {
	n := 0
	for _, res := range results {
		if res.Err != nil {
			n++
		}
	}
	return n
}
