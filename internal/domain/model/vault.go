package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type VaultStatus string

const (
	VaultStatusActive VaultStatus = "active"
	VaultStatusPaused VaultStatus = "paused"
	VaultStatusEOL    VaultStatus = "eol"
)

// Vault is a vault together with the strategy the keeper harvests.
type Vault struct {
	ID              string
	Chain           ChainID
	VaultAddress    common.Address
	StrategyAddress common.Address
	Status          VaultStatus
	LastHarvest     time.Time

	// Optional per-vault overrides.
	HarvestIntervalHours *float64
	GasLimit             *uint64

	// NoOnChainHarvest pins the vault to the bot even on chains with an
	// automation network.
	NoOnChainHarvest bool
	// LegacyHarvest selects the harvest(address callFeeRecipient) overload.
	LegacyHarvest bool
}

func (v Vault) String() string {
	return v.ID
}

// Retired reports whether the vault must not be processed anymore.
func (v Vault) Retired() bool {
	return v.Status == VaultStatusEOL || v.Status == VaultStatusPaused
}
