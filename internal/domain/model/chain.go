package model

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID is the short human identifier of a chain ("bsc", "polygon", ...).
type ChainID string

func (c ChainID) String() string {
	return string(c)
}

// SubmitMode selects how a harvest is put on chain.
type SubmitMode string

const (
	SubmitModeSingleStep SubmitMode = "single-step"
	SubmitModeMultiStep  SubmitMode = "multi-step"
)

// GasPolicy bounds the gas limit and gas price used for keeper transactions.
type GasPolicy struct {
	Limit         uint64
	MinPrice      *big.Int
	PriceOverride *big.Int
	PriceCap      *big.Int
}

// AutomateConfig points at the automation network contracts of a chain.
type AutomateConfig struct {
	// Contract is the task registry.
	Contract common.Address
	// Harvester is both the exec target and the resolver of harvest tasks.
	Harvester common.Address
}

// Chain is the immutable per-run description of a chain.
type Chain struct {
	ID      ChainID
	ChainID int64
	RPCURL  string
	// HarvestLens simulates strategy harvests without committing state.
	HarvestLens          common.Address
	WNative              *common.Address
	UnwrapMinWei         *big.Int
	Gas                  GasPolicy
	HarvestIntervalHours float64
	HasOnChainHarvesting bool
	Automate             *AutomateConfig
	EOL                  bool
	Disabled             bool

	// Tricky chains need manual receipt polling.
	Tricky     bool
	Gasless    bool
	SubmitMode SubmitMode

	RPCRateLimit float64
	RPCBurst     int

	DenyOnChainHarvest []string
}

func (c Chain) String() string {
	return string(c.ID)
}

// Active reports whether the chain should be processed at all.
func (c Chain) Active() bool {
	return !c.EOL && !c.Disabled
}

// SupportsOnChainHarvesting reports whether vaults on this chain can be
// handed to the automation network.
func (c Chain) SupportsOnChainHarvesting() bool {
	return c.HasOnChainHarvesting && c.Automate != nil
}

// OnChainHarvestDenied reports whether the vault is pinned to the bot.
func (c Chain) OnChainHarvestDenied(vaultID string) bool {
	for _, id := range c.DenyOnChainHarvest {
		if strings.EqualFold(strings.TrimSpace(id), vaultID) {
			return true
		}
	}
	return false
}

// GasLimitFor returns the gas limit to use for the vault's harvest.
func (c Chain) GasLimitFor(v Vault) uint64 {
	if v.GasLimit != nil && *v.GasLimit > 0 {
		return *v.GasLimit
	}
	return c.Gas.Limit
}

// StaleCapHours returns how many hours a vault may go without harvest before
// a harvest is forced regardless of profitability.
func (c Chain) StaleCapHours(v Vault) float64 {
	if v.HarvestIntervalHours != nil && *v.HarvestIntervalHours > 0 {
		return *v.HarvestIntervalHours
	}
	return c.HarvestIntervalHours
}
