package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/emperorhan/vault-harvester/internal/alert"
	"github.com/emperorhan/vault-harvester/internal/chain/evm"
	"github.com/emperorhan/vault-harvester/internal/chain/gelato"
	"github.com/emperorhan/vault-harvester/internal/config"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline"
	"github.com/emperorhan/vault-harvester/internal/pipeline/gas"
	"github.com/emperorhan/vault-harvester/internal/pipeline/nonce"
	"github.com/emperorhan/vault-harvester/internal/pipeline/report"
	"github.com/emperorhan/vault-harvester/internal/pipeline/submit"
	"github.com/emperorhan/vault-harvester/internal/reconciliation"
	"github.com/emperorhan/vault-harvester/internal/store"
	"github.com/emperorhan/vault-harvester/internal/store/postgres"
	redispkg "github.com/emperorhan/vault-harvester/internal/store/redis"
	"github.com/emperorhan/vault-harvester/internal/tracing"
	"github.com/emperorhan/vault-harvester/internal/vaults"
	"github.com/ethereum/go-ethereum/common"
)

const serviceName = "vault-harvester"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var errNoKeeper = errors.New("either KEEPER_PRIVATE_KEY or KEEPER_ADDRESS must be set")

// app owns the process-wide collaborators. Chain runtimes are dialed on
// first use and kept for the life of the process.
type app struct {
	cfg       *config.Config
	table     *config.ChainTable
	source    vaults.Source
	keeper    common.Address
	signer    *evm.Signer
	alerter   alert.Alerter
	notifier  alert.Notifier
	health    *pipeline.HealthRegistry
	gasCache  gas.Cache
	reports   store.HarvestReportRepository
	retention *postgres.ReportRetention
	logger    *slog.Logger

	mu       sync.Mutex
	runtimes map[model.ChainID]*chainRuntime
	closers  []func() error
}

type chainRuntime struct {
	chain      model.Chain
	client     *evm.Client
	estimator  *gas.Estimator
	submitter  submit.Submitter
	transactor *submit.Transactor
	unwrapper  *pipeline.Unwrapper
}

// newApp wires the app. Without a private key the app is read-only: it can
// simulate but not submit.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	table, err := config.LoadChains(cfg.Vaults.ChainsFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		table:    table,
		source:   vaults.NewHTTPSource(cfg.Vaults.APIURL, logger),
		health:   pipeline.NewHealthRegistry(),
		logger:   logger,
		runtimes: make(map[model.ChainID]*chainRuntime),
	}

	switch {
	case cfg.Keeper.PrivateKey != "":
		a.signer, err = evm.NewSigner(cfg.Keeper.PrivateKey)
		if err != nil {
			return nil, err
		}
		a.keeper = a.signer.Address()
	case cfg.Keeper.Address != "":
		a.keeper = common.HexToAddress(cfg.Keeper.Address)
	default:
		return nil, errNoKeeper
	}

	tracingCfg := tracing.Config{
		ServiceName: serviceName,
		Version:     version,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Keeper:      a.keeper.Hex(),
	}
	if cfg.Tracing.Enabled {
		tracingCfg.Endpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(ctx, tracingCfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})

	a.alerter, a.notifier = buildAlerting(cfg.Alert, logger)

	if cfg.Redis.URL != "" {
		rc, err := redispkg.Open(ctx, cfg.Redis.URL)
		if err != nil {
			a.close()
			return nil, err
		}
		a.gasCache = rc.GasCache()
		a.closers = append(a.closers, rc.Close)
	}

	if cfg.DB.URL != "" {
		db, err := postgres.New(ctx, postgres.Config{
			URL:                cfg.DB.URL,
			MaxOpenConns:       cfg.DB.MaxOpenConns,
			MaxIdleConns:       cfg.DB.MaxIdleConns,
			ConnMaxLifetime:    cfg.DB.ConnMaxLifetime,
			StatementTimeoutMS: cfg.DB.StatementTimeoutMS,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if err := db.RunMigrations(ctx, logger); err != nil {
			a.close()
			return nil, err
		}
		a.reports = postgres.NewHarvestRepo(db)
		if cfg.DB.RetentionDays > 0 {
			a.retention = postgres.NewReportRetention(db)
		}
	}

	logger.Info("harvester initialized",
		"keeper", a.keeper.Hex(),
		"can_sign", a.signer != nil,
		"chains", len(table.Chains),
		"gas_cache", cfg.Redis.URL != "",
		"report_store", cfg.DB.URL != "",
	)
	return a, nil
}

func buildAlerting(cfg config.AlertConfig, logger *slog.Logger) (alert.Alerter, alert.Notifier) {
	var (
		alerters []alert.Alerter
		notifier alert.Notifier = &alert.LogNotifier{Logger: logger}
	)
	if cfg.DiscordWebhookURL != "" {
		discord := alert.NewDiscordAlerter(cfg.DiscordWebhookURL)
		alerters = append(alerters, discord)
		notifier = discord
	}
	if cfg.SlackWebhookURL != "" {
		alerters = append(alerters, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	if len(alerters) == 0 {
		return &alert.NoopAlerter{}, notifier
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, alerters...), notifier
}

func (a *app) close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rt := range a.runtimes {
		rt.client.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown hook failed", "error", err)
		}
	}
	a.closers = nil
	a.runtimes = map[model.ChainID]*chainRuntime{}
}

// runtime returns the chain's runtime, dialing it on first use. Dialing
// happens outside the lock so a slow endpoint only delays its own chain.
func (a *app) runtime(ctx context.Context, c model.Chain) (*chainRuntime, error) {
	a.mu.Lock()
	rt, ok := a.runtimes[c.ID]
	a.mu.Unlock()
	if ok {
		return rt, nil
	}

	rt, err := a.buildRuntime(ctx, c)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.runtimes[c.ID]; ok {
		rt.client.Close()
		return existing, nil
	}
	a.runtimes[c.ID] = rt
	return rt, nil
}

func (a *app) buildRuntime(ctx context.Context, c model.Chain) (*chainRuntime, error) {
	label := c.ID.String()
	client, err := evm.Dial(ctx, evm.Config{
		Chain:  label,
		RPCURL: c.RPCURL,
		RPS:    c.RPCRateLimit,
		Burst:  c.RPCBurst,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%s chain id: %w", label, err)
	}
	if remoteID.Int64() != c.ChainID {
		client.Close()
		return nil, fmt.Errorf("%s rpc serves chain id %s, configured %d", label, remoteID, c.ChainID)
	}

	rt := &chainRuntime{
		chain:     c,
		client:    client,
		estimator: gas.NewEstimator(client, a.gasCache, a.keeper, label, a.logger),
	}
	if a.signer == nil {
		return rt, nil
	}

	opts := submit.Options{
		ReceiptTimeout:      a.cfg.Harvest.ReceiptTimeout,
		ReceiptPollInterval: a.cfg.Harvest.ReceiptPollInterval,
	}
	sender := nonce.NewAccountSender(client, a.signer, big.NewInt(c.ChainID), label, a.logger)
	serializer := nonce.NewSerializer(sender, a.cfg.Harvest.NonceThreshold, label)
	rt.submitter, err = submit.ForChain(c, client, serializer, opts, a.logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	rt.transactor = submit.NewTransactor(c, client, serializer, submit.WaiterFor(c, client, opts, a.logger), a.keeper, opts.ReceiptTimeout)
	rt.unwrapper = pipeline.NewUnwrapper(c, client, rt.transactor, a.keeper, a.logger)
	return rt, nil
}

func (a *app) loadVaults(ctx context.Context, contract *common.Address) (map[model.ChainID][]model.Vault, error) {
	descs, err := a.source.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return vaults.Build(descs, a.table.Chains, vaults.BuildOptions{
		Overrides: a.table.Overrides,
		Contract:  contract,
	}, a.logger), nil
}

// pruneReports drops reports past the retention window, if one is set.
func (a *app) pruneReports(ctx context.Context) {
	if a.retention == nil {
		return
	}
	n, err := a.retention.Prune(ctx, a.cfg.DB.RetentionDays)
	if err != nil {
		a.logger.Warn("prune harvest reports failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned harvest reports", "runs", n, "retention_days", a.cfg.DB.RetentionDays)
	}
}

type harvestOptions struct {
	dryRun   bool
	now      func() time.Time
	contract *common.Address
}

// chainJob harvests one chain. Runtime setup happens inside Run so that a
// chain whose RPC is down fails alone.
type chainJob struct {
	app   *app
	chain model.Chain
	opts  harvestOptions
}

func (j chainJob) Run(ctx context.Context, vs []model.Vault) (*report.HarvestReport, error) {
	a := j.app
	rt, err := a.runtime(ctx, j.chain)
	if err != nil {
		return nil, err
	}
	if rt.submitter == nil && !j.opts.dryRun {
		return nil, fmt.Errorf("%s: %w", j.chain.ID, errReadOnly)
	}
	if a.reports != nil {
		last, err := a.reports.LastHarvests(ctx, j.chain.ID)
		if err != nil {
			a.logger.Warn("load last harvests failed, using vault source times", "chain", j.chain.ID, "error", err)
		} else {
			vaults.MergeLastHarvests(vs, last)
		}
	}

	h := pipeline.New(pipeline.Config{
		Chain:                 j.chain,
		Keeper:                a.keeper,
		OverestimatePercent:   a.cfg.Harvest.OverestimatePercent,
		MaxAttempts:           a.cfg.Harvest.MaxAttempts,
		SimulationConcurrency: a.cfg.Harvest.SimulationConcurrency,
		DivergencePercent:     a.cfg.Harvest.DivergencePercent,
		DryRun:                j.opts.dryRun,
		Now:                   j.opts.now,
	}, pipeline.Deps{
		Client:    rt.client,
		Estimator: rt.estimator,
		Submitter: rt.submitter,
		Unwrapper: rt.unwrapper,
		Alerter:   a.alerter,
		Notifier:  a.notifier,
		Reports:   a.reports,
	}, a.logger)
	return h.Run(ctx, vs)
}

var errReadOnly = errors.New("no signing key configured, only dry runs are possible")

// harvest runs every selected chain. Vaults whose chain harvests them on
// chain are left to the automation network.
func (a *app) harvest(ctx context.Context, chains []model.Chain, opts harvestOptions) ([]pipeline.ChainResult, error) {
	byChain, err := a.loadVaults(ctx, opts.contract)
	if err != nil {
		return nil, err
	}

	runs := make([]pipeline.ChainRun, 0, len(chains))
	for _, c := range chains {
		bot, network := vaults.Partition(c, byChain[c.ID])
		if len(network) > 0 {
			a.logger.Info("vaults harvested by automation network", "chain", c.ID, "count", len(network))
		}
		runs = append(runs, pipeline.ChainRun{
			Chain:     c.ID,
			Harvester: chainJob{app: a, chain: c, opts: opts},
			Vaults:    bot,
		})
	}
	return pipeline.NewRunner(a.health, a.alerter, a.logger).Run(ctx, runs), nil
}

// syncTargets builds a reconciliation target for every selected chain that
// harvests on chain. Chains whose runtime cannot be built are returned as
// errors and skipped.
func (a *app) syncTargets(ctx context.Context, chains []model.Chain) ([]reconciliation.Target, error) {
	if a.signer == nil {
		return nil, errReadOnly
	}
	byChain, err := a.loadVaults(ctx, nil)
	if err != nil {
		return nil, err
	}

	var (
		targets []reconciliation.Target
		errs    []error
	)
	for _, c := range chains {
		if !c.SupportsOnChainHarvesting() {
			continue
		}
		rt, err := a.runtime(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.ID, err))
			continue
		}
		registry := gelato.NewRegistry(gelato.Config{
			ChainID:   c.ChainID,
			Automate:  c.Automate.Contract,
			Harvester: c.Automate.Harvester,
			Keeper:    a.keeper,
			APIURL:    a.cfg.Gelato.APIURL,
		}, rt.client, rt.transactor, a.signer, a.logger)
		targets = append(targets, reconciliation.Target{
			Chain:    c,
			Registry: registry,
			Vaults:   byChain[c.ID],
		})
	}
	return targets, errors.Join(errs...)
}
