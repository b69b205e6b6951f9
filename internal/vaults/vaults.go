// Package vaults turns vault API descriptors into per-chain harvest targets
// and splits them between the bot and the automation network.
package vaults

import (
	"log/slog"
	"strings"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
)

// Override holds per-vault settings from the chain config file.
type Override struct {
	GasLimit             *uint64  `yaml:"gasLimit"`
	HarvestIntervalHours *float64 `yaml:"harvestIntervalHours"`
	LegacyHarvest        bool     `yaml:"legacyHarvest"`
	NoOnChainHarvest     bool     `yaml:"noOnChainHarvest"`
}

func (o Override) apply(v *model.Vault) {
	if o.GasLimit != nil {
		v.GasLimit = o.GasLimit
	}
	if o.HarvestIntervalHours != nil {
		v.HarvestIntervalHours = o.HarvestIntervalHours
	}
	v.LegacyHarvest = v.LegacyHarvest || o.LegacyHarvest
	v.NoOnChainHarvest = v.NoOnChainHarvest || o.NoOnChainHarvest
}

type BuildOptions struct {
	// Overrides are keyed by vault id.
	Overrides map[string]Override
	// Contract restricts the result to the vault or strategy at this address.
	Contract *common.Address
}

// Build keeps the live vaults on known active chains and groups them by
// chain, preserving source order. Malformed entries are logged and dropped.
func Build(descs []Descriptor, chains map[model.ChainID]model.Chain, opts BuildOptions, logger *slog.Logger) map[model.ChainID][]model.Vault {
	out := make(map[model.ChainID][]model.Vault)
	dropped := 0
	for _, d := range descs {
		v, ok := toVault(d, logger)
		if !ok {
			dropped++
			continue
		}
		if v.Retired() {
			continue
		}
		c, known := chains[v.Chain]
		if !known || !c.Active() {
			continue
		}
		if opts.Contract != nil && v.VaultAddress != *opts.Contract && v.StrategyAddress != *opts.Contract {
			continue
		}
		if o, ok := opts.Overrides[v.ID]; ok {
			o.apply(&v)
		}
		out[v.Chain] = append(out[v.Chain], v)
	}
	if dropped > 0 {
		logger.Warn("malformed vault descriptors dropped", "count", dropped)
	}
	return out
}

func toVault(d Descriptor, logger *slog.Logger) (model.Vault, bool) {
	if d.ID == "" || d.Chain == "" || !common.IsHexAddress(d.Strategy) {
		logger.Debug("invalid vault descriptor", "vault", d.ID, "chain", d.Chain, "strategy", d.Strategy)
		return model.Vault{}, false
	}
	v := model.Vault{
		ID:              d.ID,
		Chain:           model.ChainID(strings.ToLower(d.Chain)),
		StrategyAddress: common.HexToAddress(d.Strategy),
		Status:          model.VaultStatus(strings.ToLower(d.Status)),
	}
	if common.IsHexAddress(d.VaultAddress) {
		v.VaultAddress = common.HexToAddress(d.VaultAddress)
	}
	if v.Status == "" {
		v.Status = model.VaultStatusActive
	}
	if d.LastHarvest > 0 {
		v.LastHarvest = time.Unix(d.LastHarvest, 0).UTC()
	}
	return v, true
}

// NetworkManaged reports whether the automation network, rather than the
// bot, harvests v on c. Tasks are keyed by vault address, so a vault without
// one stays with the bot.
func NetworkManaged(c model.Chain, v model.Vault) bool {
	if v.VaultAddress == (common.Address{}) {
		return false
	}
	return c.SupportsOnChainHarvesting() && !c.OnChainHarvestDenied(v.ID) && !v.NoOnChainHarvest
}

// Partition splits a chain's vaults into the bot-managed and network-managed
// sets. Every vault lands in exactly one of them.
func Partition(c model.Chain, vs []model.Vault) (bot, network []model.Vault) {
	for _, v := range vs {
		if NetworkManaged(c, v) {
			network = append(network, v)
		} else {
			bot = append(bot, v)
		}
	}
	return bot, network
}

// MergeLastHarvests fills LastHarvest from persisted history when the
// recorded harvest is more recent.
func MergeLastHarvests(vs []model.Vault, last map[string]time.Time) {
	for i := range vs {
		if t, ok := last[vs[i].ID]; ok && t.After(vs[i].LastHarvest) {
			vs[i].LastHarvest = t
		}
	}
}
