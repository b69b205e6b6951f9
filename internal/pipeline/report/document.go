package report

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
)

// TimeFormat is the textual form of every instant in a report document.
const TimeFormat = time.RFC3339

// Document is the wire form of a HarvestReport. Wei amounts are decimal
// strings because JSON numbers cannot hold them exactly.
type Document struct {
	RunID         string          `json:"runId"`
	Chain         string          `json:"chain"`
	DryRun        bool            `json:"dryRun"`
	StartedAt     string          `json:"startedAt"`
	FinishedAt    string          `json:"finishedAt"`
	BalanceBefore string          `json:"collectorBalanceBefore,omitempty"`
	BalanceAfter  string          `json:"collectorBalanceAfter,omitempty"`
	Error         string          `json:"error,omitempty"`
	Items         []ItemDocument  `json:"items"`
	Summary       SummaryDocument `json:"summary"`
}

type SummaryDocument struct {
	TotalProfitWei     string `json:"totalProfitWei"`
	EstimatedProfitWei string `json:"estimatedProfitWei"`
	TotalStrategies    int    `json:"totalStrategies"`
	Harvested          int    `json:"harvested"`
	Skipped            int    `json:"skipped"`
	Errors             int    `json:"errors"`
	Diverged           bool   `json:"profitDiverged"`
}

type ItemDocument struct {
	VaultID         string `json:"vaultId"`
	VaultAddress    string `json:"vaultAddress"`
	StrategyAddress string `json:"strategyAddress"`

	Simulation   StageDocument[SimulationDocument]   `json:"simulation"`
	Decision     StageDocument[DecisionDocument]     `json:"decision"`
	Transaction  StageDocument[SubmissionDocument]   `json:"transaction"`
	Confirmation StageDocument[ConfirmationDocument] `json:"receipt"`

	Summary ItemSummaryDocument `json:"summary"`
}

type ItemSummaryDocument struct {
	Harvested       bool   `json:"harvested"`
	Error           bool   `json:"error"`
	ProfitWei       string `json:"profitWei"`
	FailureCategory string `json:"failureCategory,omitempty"`
}

// StageDocument carries the status of a stage and, when it ran, its value
// or error.
type StageDocument[T any] struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Value  *T     `json:"value,omitempty"`
}

type SimulationDocument struct {
	EstimatedCallRewardWei string  `json:"estimatedCallRewardWei"`
	HarvestWillSucceed     bool    `json:"harvestWillSucceed"`
	LastHarvest            string  `json:"lastHarvest"`
	HoursSinceLastHarvest  float64 `json:"hoursSinceLastHarvest"`
	Paused                 bool    `json:"paused"`
	GasSource              string  `json:"gasEstimationSource"`
	GasUnits               uint64  `json:"gasUnits"`
	RawGasPrice            string  `json:"rawGasPrice"`
	OverestimatePercent    string  `json:"overestimatePercent"`
	EffectiveGasPrice      string  `json:"effectiveGasPrice"`
	TransactionCostWei     string  `json:"transactionCostWei"`
	EstimatedGainWei       string  `json:"estimatedGainWei"`
}

type DecisionDocument struct {
	ShouldHarvest         bool    `json:"shouldHarvest"`
	Reason                string  `json:"notHarvestingReason,omitempty"`
	EstimatedGainWei      string  `json:"estimatedGainWei,omitempty"`
	HoursSinceLastHarvest float64 `json:"hoursSinceLastHarvest,omitempty"`
	StaleCapHours         float64 `json:"staleCapHours,omitempty"`
}

type SubmissionDocument struct {
	TxHashes []string `json:"txHashes"`
	GasPrice string   `json:"gasPrice"`
	GasLimit uint64   `json:"gasLimit"`
	Attempts int      `json:"attempts"`
}

type ConfirmationDocument struct {
	TxHash            string `json:"txHash"`
	BlockNumber       uint64 `json:"blockNumber"`
	GasUsed           uint64 `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	ConfirmedAt       string `json:"confirmedAt"`
}

func weiString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func optionalWei(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimeFormat)
}

func stageDocument[S, D any](stage model.Stage[S], convert func(S) D) StageDocument[D] {
	doc := StageDocument[D]{Status: stage.Status().String()}
	if stage.Failed() && stage.Err() != nil {
		doc.Error = stage.Err().Error()
	}
	if value, ok := stage.Value(); ok {
		converted := convert(value)
		doc.Value = &converted
	}
	return doc
}

func simulationDocument(s model.Simulation) SimulationDocument {
	return SimulationDocument{
		EstimatedCallRewardWei: weiString(s.EstimatedCallRewardWei),
		HarvestWillSucceed:     s.HarvestWillSucceed,
		LastHarvest:            timeString(s.LastHarvest),
		HoursSinceLastHarvest:  s.HoursSinceLastHarvest,
		Paused:                 s.Paused,
		GasSource:              string(s.GasEstimation.Source),
		GasUnits:               s.GasEstimation.Units,
		RawGasPrice:            weiString(s.Gas.RawGasPrice),
		OverestimatePercent:    s.Gas.OverestimatePercent.String(),
		EffectiveGasPrice:      weiString(s.Gas.EffectiveGasPrice),
		TransactionCostWei:     weiString(s.Gas.TransactionCostWei),
		EstimatedGainWei:       weiString(s.Gas.EstimatedGainWei),
	}
}

func decisionDocument(d model.HarvestDecision) DecisionDocument {
	doc := DecisionDocument{ShouldHarvest: d.ShouldHarvest}
	if !d.ShouldHarvest {
		doc.Reason = d.Reason.Message()
	}
	if d.Evidence != nil {
		doc.EstimatedGainWei = optionalWei(d.Evidence.EstimatedGainWei)
		doc.HoursSinceLastHarvest = d.Evidence.HoursSinceLastHarvest
		doc.StaleCapHours = d.Evidence.StaleCapHours
	}
	return doc
}

func submissionDocument(s model.Submission) SubmissionDocument {
	hashes := make([]string, len(s.TxHashes))
	for i, h := range s.TxHashes {
		hashes[i] = h.Hex()
	}
	return SubmissionDocument{
		TxHashes: hashes,
		GasPrice: weiString(s.GasPrice),
		GasLimit: s.GasLimit,
		Attempts: s.Attempts,
	}
}

func confirmationDocument(c model.Confirmation) ConfirmationDocument {
	return ConfirmationDocument{
		TxHash:            c.TxHash.Hex(),
		BlockNumber:       c.BlockNumber,
		GasUsed:           c.GasUsed,
		EffectiveGasPrice: weiString(c.EffectiveGasPrice),
		ConfirmedAt:       timeString(c.ConfirmedAt),
	}
}

// Document converts the report to its wire form.
func (r *HarvestReport) Document() Document {
	doc := Document{
		RunID:         r.RunID.String(),
		Chain:         r.Chain.String(),
		DryRun:        r.DryRun,
		StartedAt:     timeString(r.StartedAt),
		FinishedAt:    timeString(r.FinishedAt),
		BalanceBefore: optionalWei(r.BalanceBefore),
		BalanceAfter:  optionalWei(r.BalanceAfter),
		Items:         make([]ItemDocument, 0, len(r.Items)),
		Summary: SummaryDocument{
			TotalProfitWei:     weiString(r.Summary.TotalProfitWei),
			EstimatedProfitWei: weiString(r.Summary.EstimatedProfitWei),
			TotalStrategies:    r.Summary.TotalStrategies,
			Harvested:          r.Summary.Harvested,
			Skipped:            r.Summary.Skipped,
			Errors:             r.Summary.Errors,
			Diverged:           r.Summary.Diverged,
		},
	}
	if r.Err != nil {
		doc.Error = r.Err.Error()
	}
	for _, it := range r.Items {
		doc.Items = append(doc.Items, ItemDocument{
			VaultID:         it.Vault.ID,
			VaultAddress:    it.Vault.VaultAddress.Hex(),
			StrategyAddress: it.Vault.StrategyAddress.Hex(),
			Simulation:      stageDocument(it.Simulation, simulationDocument),
			Decision:        stageDocument(it.Decision, decisionDocument),
			Transaction:     stageDocument(it.Submission, submissionDocument),
			Confirmation:    stageDocument(it.Confirmation, confirmationDocument),
			Summary: ItemSummaryDocument{
				Harvested:       it.Harvested,
				Error:           it.Error,
				ProfitWei:       weiString(it.ProfitWei),
				FailureCategory: string(it.Failure),
			},
		})
	}
	return doc
}

// Encode serializes the report as indented JSON.
func (r *HarvestReport) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(r.Document(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode harvest report: %w", err)
	}
	return data, nil
}

// Decode parses a report document.
func Decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decode harvest report: %w", err)
	}
	return doc, nil
}

// ParseWei parses a decimal wei string from a document.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}
