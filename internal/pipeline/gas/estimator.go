package gas

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/vault-harvester/internal/cache"
	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/chain/evm"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

const (
	memoCapacity = 4096
	memoTTL      = time.Hour
)

// Cache is the external gas estimate store.
type Cache interface {
	Get(ctx context.Context, strategy common.Address) (uint64, bool, error)
	Set(ctx context.Context, strategy common.Address, units uint64) error
}

// Estimator estimates the gas units of a strategy harvest. Estimates are
// looked up in an in-process memo, then the external cache, then simulated
// on chain. Cache failures never fail an estimate.
type Estimator struct {
	client chain.Client
	cache  Cache
	keeper common.Address
	chain  string
	memo   *cache.Memo[common.Address, uint64]
	group  singleflight.Group
	logger *slog.Logger
}

// NewEstimator builds an estimator. extCache may be nil.
func NewEstimator(client chain.Client, extCache Cache, keeper common.Address, chainID string, logger *slog.Logger) *Estimator {
	return &Estimator{
		client: client,
		cache:  extCache,
		keeper: keeper,
		chain:  chainID,
		memo:   cache.NewMemo[common.Address, uint64](memoCapacity, memoTTL),
		logger: logger.With("component", "gas_estimator", "chain", chainID),
	}
}

// EstimateHarvestCallGasAmount returns the gas units a harvest of v would
// use. A simulation error is returned as is: it means the strategy cannot be
// harvested right now.
func (e *Estimator) EstimateHarvestCallGasAmount(ctx context.Context, v model.Vault) (model.GasEstimationResult, error) {
	strategy := v.StrategyAddress
	if units, ok := e.memo.Get(strategy); ok {
		metrics.GasCacheHits.WithLabelValues(e.chain, "memory").Inc()
		return model.GasEstimationResult{Source: model.GasEstimationSourceCache, Units: units}, nil
	}

	res, err, _ := e.group.Do(strings.ToLower(strategy.Hex()), func() (any, error) {
		return e.lookup(ctx, v)
	})
	if err != nil {
		return model.GasEstimationResult{}, err
	}
	return res.(model.GasEstimationResult), nil
}

func (e *Estimator) lookup(ctx context.Context, v model.Vault) (model.GasEstimationResult, error) {
	strategy := v.StrategyAddress
	if e.cache != nil {
		units, ok, err := e.cache.Get(ctx, strategy)
		switch {
		case err != nil:
			e.logger.Warn("gas cache read failed", "strategy", strategy.Hex(), "error", err)
		case ok:
			metrics.GasCacheHits.WithLabelValues(e.chain, "redis").Inc()
			e.memo.Put(strategy, units)
			return model.GasEstimationResult{Source: model.GasEstimationSourceCache, Units: units}, nil
		}
	}
	metrics.GasCacheMisses.WithLabelValues(e.chain).Inc()

	data, err := evm.PackHarvest(v.LegacyHarvest, e.keeper)
	if err != nil {
		return model.GasEstimationResult{}, fmt.Errorf("pack harvest: %w", err)
	}
	units, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: e.keeper, To: &strategy, Data: data})
	if err != nil {
		return model.GasEstimationResult{}, fmt.Errorf("estimate harvest gas for %s: %w", strategy.Hex(), err)
	}

	e.memo.Put(strategy, units)
	if e.cache != nil {
		if err := e.cache.Set(ctx, strategy, units); err != nil {
			e.logger.Warn("gas cache write failed", "strategy", strategy.Hex(), "error", err)
		}
	}
	e.logger.Debug("harvest gas estimated", "strategy", strategy.Hex(), "gas_units", units)
	return model.GasEstimationResult{Source: model.GasEstimationSourceChain, Units: units}, nil
}
