package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/emperorhan/vault-harvester/internal/alert"
	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/chain/evm"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/metrics"
	"github.com/emperorhan/vault-harvester/internal/pipeline/gas"
	"github.com/emperorhan/vault-harvester/internal/pipeline/report"
	"github.com/emperorhan/vault-harvester/internal/pipeline/retry"
	"github.com/emperorhan/vault-harvester/internal/pipeline/submit"
	"github.com/emperorhan/vault-harvester/internal/store"
	"github.com/emperorhan/vault-harvester/internal/tracing"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var (
	ErrHarvestWouldFail    = errors.New("harvest simulation reports failure")
	ErrInsufficientBalance = errors.New("insufficient funds: keeper balance below gas cost")
)

const (
	DefaultMaxAttempts           = 2
	DefaultSimulationConcurrency = 16

	deliveryTimeout = time.Minute
)

type Config struct {
	Chain                 model.Chain
	Keeper                common.Address
	OverestimatePercent   decimal.Decimal
	MaxAttempts           int
	SimulationConcurrency int
	DivergencePercent     decimal.Decimal
	DryRun                bool
	// Now overrides the clock for deterministic runs.
	Now func() time.Time
}

// GasEstimator is the harvest gas unit source.
type GasEstimator interface {
	EstimateHarvestCallGasAmount(ctx context.Context, v model.Vault) (model.GasEstimationResult, error)
}

type Deps struct {
	Client    chain.Client
	Estimator GasEstimator
	// Submitter may be nil in dry-run mode.
	Submitter submit.Submitter
	Unwrapper *Unwrapper
	Alerter   alert.Alerter
	Notifier  alert.Notifier
	// Reports is optional.
	Reports store.HarvestReportRepository
}

// Harvester runs simulate, decide, execute and confirm for the vaults of
// one chain.
type Harvester struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Harvester {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SimulationConcurrency <= 0 {
		cfg.SimulationConcurrency = DefaultSimulationConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DivergencePercent.IsZero() {
		cfg.DivergencePercent = report.DefaultDivergencePercent
	}
	if deps.Alerter == nil {
		deps.Alerter = &alert.NoopAlerter{}
	}
	return &Harvester{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "harvester", "chain", cfg.Chain.ID.String()),
	}
}

func (h *Harvester) now() time.Time {
	return h.cfg.Now().UTC()
}

// Run processes vaults and delivers the report. The returned error is the
// chain level failure, if any; strategy failures only show in the report.
func (h *Harvester) Run(ctx context.Context, vaults []model.Vault) (rep *report.HarvestReport, err error) {
	chainLabel := h.cfg.Chain.ID.String()
	ctx, span := tracing.StartSpan(ctx, "harvest.chain",
		attribute.String("chain", chainLabel),
		attribute.Int("vaults", len(vaults)),
		attribute.Bool("dry_run", h.cfg.DryRun),
	)
	started := time.Now()
	defer func() {
		metrics.HarvestRunLatency.WithLabelValues(chainLabel).Observe(time.Since(started).Seconds())
		result := "success"
		if err != nil {
			result = "error"
		}
		metrics.HarvestRunsTotal.WithLabelValues(chainLabel, result).Inc()
		tracing.End(span, err)
	}()

	rep = report.New(h.cfg.Chain.ID, h.now())
	rep.DryRun = h.cfg.DryRun

	if runErr := h.run(ctx, rep, vaults); runErr != nil {
		rep.Err = runErr
		h.logger.Error("harvest run aborted", "error", runErr)
	}
	h.finish(ctx, rep)
	return rep, rep.Err
}

func (h *Harvester) run(ctx context.Context, rep *report.HarvestReport, vaults []model.Vault) error {
	if h.deps.Submitter == nil && !h.cfg.DryRun {
		return fmt.Errorf("%w: %s", submit.ErrUnsupportedChain, h.cfg.Chain.ID)
	}

	balance, err := h.deps.Client.BalanceAt(ctx, h.cfg.Keeper, nil)
	if err != nil {
		return fmt.Errorf("keeper balance: %w", err)
	}
	rep.BalanceBefore = balance

	rawPrice, err := h.deps.Client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	price := gas.PriceFor(h.cfg.Chain, rawPrice)

	for _, v := range vaults {
		rep.AddItem(v)
	}

	h.simulateAll(ctx, rep.Items, price)

	var harvestable []*report.Item
	for _, it := range rep.Items {
		sim, ok := it.Simulation.Value()
		if !ok {
			continue
		}
		d := decideSimulation(sim, h.cfg.Chain.StaleCapHours(it.Vault))
		it.Decision = model.StageOK(d)
		if !d.ShouldHarvest {
			metrics.HarvestSkipsTotal.WithLabelValues(h.cfg.Chain.ID.String(), string(d.Reason)).Inc()
			h.logger.Info("harvest skipped", "vault", it.Vault.ID, "reason", d.Reason.Message())
			continue
		}
		harvestable = append(harvestable, it)
	}

	if h.cfg.DryRun {
		for _, it := range harvestable {
			h.logger.Info("dry run: would harvest", "vault", it.Vault.ID, "strategy", it.Vault.StrategyAddress.Hex())
		}
		return nil
	}

	// Sequential on purpose: one account, one nonce stream.
	for _, it := range harvestable {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.execute(ctx, it, price)
	}
	return nil
}

// simulateAll fills the Simulation stage of every item. Each goroutine owns
// exactly one item.
func (h *Harvester) simulateAll(ctx context.Context, items []*report.Item, price *big.Int) {
	var g errgroup.Group
	g.SetLimit(h.cfg.SimulationConcurrency)
	for _, it := range items {
		g.Go(func() error {
			sim, err := h.simulate(ctx, it.Vault, price)
			if err != nil {
				it.Simulation = model.StageErr[model.Simulation](err)
				it.Fail(retry.Categorize(err))
				metrics.SimulationErrorsTotal.WithLabelValues(h.cfg.Chain.ID.String()).Inc()
				h.logger.Warn("simulation failed", "vault", it.Vault.ID, "strategy", it.Vault.StrategyAddress.Hex(), "error", err)
				return nil
			}
			it.Simulation = model.StageOK(sim)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *Harvester) simulate(ctx context.Context, v model.Vault, price *big.Int) (model.Simulation, error) {
	var (
		lens     evm.LensResult
		estimate model.GasEstimationResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := evm.PackLensHarvest(v.StrategyAddress)
		if err != nil {
			return err
		}
		out, err := h.deps.Client.CallContract(gctx, ethereum.CallMsg{From: h.cfg.Keeper, To: &h.cfg.Chain.HarvestLens, Data: data}, nil)
		if err != nil {
			return fmt.Errorf("lens harvest: %w", err)
		}
		lens, err = evm.UnpackLensHarvest(out)
		return err
	})
	g.Go(func() error {
		var err error
		estimate, err = h.deps.Estimator.EstimateHarvestCallGasAmount(gctx, v)
		return err
	})
	if err := g.Wait(); err != nil {
		return model.Simulation{}, err
	}
	if !lens.Success {
		return model.Simulation{}, ErrHarvestWouldFail
	}

	lastHarvest := v.LastHarvest
	if lens.LastHarvest != nil && lens.LastHarvest.Sign() > 0 {
		lastHarvest = time.Unix(lens.LastHarvest.Int64(), 0).UTC()
	}
	hours := h.now().Sub(lastHarvest).Hours()

	return model.Simulation{
		EstimatedCallRewardWei: lens.CallReward,
		HarvestWillSucceed:     lens.Success,
		LastHarvest:            lastHarvest,
		Paused:                 lens.Paused,
		GasEstimation:          estimate,
		Gas:                    gas.CreateGasEstimationReport(price, lens.CallReward, estimate, h.cfg.OverestimatePercent),
		HoursSinceLastHarvest:  hours,
	}, nil
}

func (h *Harvester) execute(ctx context.Context, it *report.Item, price *big.Int) {
	v := it.Vault
	logger := h.logger.With("vault", v.ID, "strategy", v.StrategyAddress.Hex())
	ctx, span := tracing.StartSpan(ctx, "harvest.strategy",
		attribute.String("chain", h.cfg.Chain.ID.String()),
		attribute.String("vault", v.ID),
	)
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	gasLimit := h.cfg.Chain.GasLimitFor(v)
	if err := h.preflight(ctx, v, gasLimit, price); err != nil {
		spanErr = err
		it.Submission = model.StageErr[model.Submission](err)
		h.fail(it, retry.Categorize(err))
		logger.Warn("harvest not attempted", "error", err)
		return
	}

	h.deps.Unwrapper.Unwrap(ctx)

	job := submit.Job{Vault: v, GasPrice: price, GasLimit: gasLimit, CallFeeRecipient: h.cfg.Keeper}
	var (
		outcome  submit.Outcome
		attempts int
		sent     []common.Hash
	)
	err := retry.Do(ctx, h.cfg.MaxAttempts, func(ctx context.Context, attempt int) error {
		attempts = attempt
		metrics.TxAttemptsTotal.WithLabelValues(h.cfg.Chain.ID.String()).Inc()
		var err error
		outcome, err = h.deps.Submitter.Submit(ctx, job)
		sent = append(sent, outcome.Submission.TxHashes...)
		if err == nil {
			return nil
		}
		logger.Warn("harvest attempt failed", "attempt", attempt, "txs_sent", len(outcome.Submission.TxHashes), "error", err)
		// A broadcast transaction may still mine; sending again would
		// repeat its effects under a new nonce.
		if len(outcome.Submission.TxHashes) > 0 {
			return retry.Terminal(err)
		}
		return err
	})
	outcome.Submission.TxHashes = sent
	outcome.Submission.GasPrice = price
	outcome.Submission.GasLimit = gasLimit
	outcome.Submission.Attempts = attempts

	if err != nil {
		spanErr = err
		if submit.FailedPhase(err) == submit.PhaseConfirm || len(sent) > 0 {
			it.Submission = model.StageOK(outcome.Submission)
			it.Confirmation = model.StageErr[model.Confirmation](err)
		} else {
			it.Submission = model.StageErr[model.Submission](err)
		}
		h.fail(it, retry.Categorize(err))
		logger.Error("harvest failed", "category", it.Failure, "error", err)
		h.deps.Unwrapper.Unwrap(ctx)
		return
	}

	it.Submission = model.StageOK(outcome.Submission)
	conf, _ := outcome.Confirmation(price, h.now())
	it.Confirmation = model.StageOK(conf)

	sim, _ := it.Simulation.Value()
	cost := new(big.Int).Mul(new(big.Int).SetUint64(conf.GasUsed), conf.EffectiveGasPrice)
	profit := new(big.Int).Sub(sim.EstimatedCallRewardWei, cost)
	it.Vault.LastHarvest = conf.ConfirmedAt
	it.Succeed(profit)
	logger.Info("harvest confirmed",
		"tx_hash", conf.TxHash.Hex(),
		"gas_used", conf.GasUsed,
		"profit_wei", profit.String(),
	)

	h.deps.Unwrapper.Unwrap(ctx)
}

// preflight checks that the keeper can pay for the worst case gas cost.
func (h *Harvester) preflight(ctx context.Context, v model.Vault, gasLimit uint64, price *big.Int) error {
	balance, err := h.deps.Client.BalanceAt(ctx, h.cfg.Keeper, nil)
	if err != nil {
		return fmt.Errorf("keeper balance: %w", err)
	}
	required := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), price)
	if balance.Cmp(required) >= 0 {
		return nil
	}

	err = fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, required)
	if alertErr := h.deps.Alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeInsufficientFunds,
		Chain:   h.cfg.Chain.ID.String(),
		Title:   "Keeper balance too low",
		Message: fmt.Sprintf("cannot cover harvest gas for %s", v.ID),
		Fields: map[string]string{
			"keeper":   h.cfg.Keeper.Hex(),
			"balance":  report.FormatNative(balance),
			"required": report.FormatNative(required),
		},
	}); alertErr != nil {
		h.logger.Warn("funding alert failed", "error", alertErr)
	}
	return err
}

func (h *Harvester) fail(it *report.Item, category model.FailureCategory) {
	it.Fail(category)
	metrics.TxFailuresTotal.WithLabelValues(h.cfg.Chain.ID.String(), string(category)).Inc()
}

// finish closes the report, then persists and delivers it. Delivery
// failures are logged only. A cancelled run is still delivered.
func (h *Harvester) finish(ctx context.Context, rep *report.HarvestReport) {
	chainLabel := h.cfg.Chain.ID.String()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	var balanceAfter *big.Int
	if rep.BalanceBefore != nil {
		b, err := h.deps.Client.BalanceAt(ctx, h.cfg.Keeper, nil)
		if err != nil {
			h.logger.Warn("keeper balance after run unavailable", "error", err)
		} else {
			balanceAfter = b
			f, _ := new(big.Float).SetInt(b).Float64()
			metrics.KeeperBalanceWei.WithLabelValues(chainLabel).Set(f)
		}
	}

	s := rep.Finalize(h.now(), balanceAfter, h.cfg.DivergencePercent, h.logger)
	metrics.HarvestStrategiesTotal.WithLabelValues(chainLabel, "harvested").Add(float64(s.Harvested))
	metrics.HarvestStrategiesTotal.WithLabelValues(chainLabel, "skipped").Add(float64(s.Skipped))
	metrics.HarvestStrategiesTotal.WithLabelValues(chainLabel, "error").Add(float64(s.Errors))
	h.logger.Info("harvest run finished",
		"run_id", rep.RunID.String(),
		"strategies", s.TotalStrategies,
		"harvested", s.Harvested,
		"skipped", s.Skipped,
		"errors", s.Errors,
		"profit_wei", s.TotalProfitWei.String(),
	)

	if h.deps.Reports != nil {
		if err := h.deps.Reports.SaveReport(ctx, rep); err != nil {
			h.logger.Warn("persist harvest report failed", "run_id", rep.RunID.String(), "error", err)
		}
	}

	if !rep.HasActivity() || h.deps.Notifier == nil {
		return
	}
	data, err := rep.Encode()
	if err != nil {
		h.logger.Warn("encode harvest report failed", "error", err)
		return
	}
	if err := h.deps.Notifier.Notify(ctx, rep.Text(), rep.FileName(), data); err != nil {
		h.logger.Warn("deliver harvest report failed", "error", err)
	}
}
