package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type GasEstimationSource string

const (
	GasEstimationSourceChain GasEstimationSource = "chain"
	GasEstimationSourceCache GasEstimationSource = "cache"
)

type GasEstimationResult struct {
	Source GasEstimationSource
	Units  uint64
}

// GasEstimationReport is the profitability estimate of a single harvest call.
type GasEstimationReport struct {
	RawGasPrice            *big.Int
	OverestimatePercent    decimal.Decimal
	EffectiveGasPrice      *big.Int
	GasUnits               uint64
	EstimatedCallRewardWei *big.Int
	TransactionCostWei     *big.Int
	EstimatedGainWei       *big.Int
}

// Simulation is the outcome of the read-only harvest lens call.
type Simulation struct {
	EstimatedCallRewardWei *big.Int
	HarvestWillSucceed     bool
	LastHarvest            time.Time
	Paused                 bool
	GasEstimation          GasEstimationResult
	Gas                    GasEstimationReport
	HoursSinceLastHarvest  float64
}

// SkipReason is the typed veto produced by the decision gates.
type SkipReason string

const (
	SkipReasonRewardTooLow SkipReason = "reward-too-low"
	SkipReasonPaused       SkipReason = "paused"
	SkipReasonNotDue       SkipReason = "not-yet-due"
)

// Message is the operator facing text of the reason.
func (r SkipReason) Message() string {
	switch r {
	case SkipReasonRewardTooLow:
		return "call rewards too low"
	case SkipReasonPaused:
		return "strategy paused"
	case SkipReasonNotDue:
		return "harvest not profitable and not yet due"
	default:
		return string(r)
	}
}

// DecisionEvidence explains why a harvest goes ahead.
type DecisionEvidence struct {
	EstimatedGainWei      *big.Int
	HoursSinceLastHarvest float64
	StaleCapHours         float64
	Profitable            bool
	Stale                 bool
}

// HarvestDecision is either a skip with a reason or a go with evidence.
type HarvestDecision struct {
	ShouldHarvest bool
	Reason        SkipReason
	Evidence      *DecisionEvidence
}

func SkipHarvest(reason SkipReason) HarvestDecision {
	return HarvestDecision{Reason: reason}
}

func ProceedHarvest(evidence DecisionEvidence) HarvestDecision {
	return HarvestDecision{ShouldHarvest: true, Evidence: &evidence}
}

// FailureCategory is the bucket a transaction failure falls into.
type FailureCategory string

const (
	FailureInsufficientFunds      FailureCategory = "insufficient-funds"
	FailureReplacementUnderpriced FailureCategory = "replacement-underpriced"
	FailureGasLimitReached        FailureCategory = "gas-limit-reached"
	FailureCallException          FailureCategory = "call-exception"
	FailureServerError            FailureCategory = "server-error"
	FailureUnknown                FailureCategory = "unknown"
)

// Known reports whether the category is part of the terminal taxonomy.
func (c FailureCategory) Known() bool {
	return c != "" && c != FailureUnknown
}

// Submission records the transactions broadcast for one harvest.
type Submission struct {
	TxHashes []common.Hash
	GasPrice *big.Int
	GasLimit uint64
	Attempts int
}

// Confirmation summarizes the receipts of one harvest.
type Confirmation struct {
	TxHash            common.Hash
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	ConfirmedAt       time.Time
}
