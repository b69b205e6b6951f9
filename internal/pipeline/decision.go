package pipeline

import (
	"math/big"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
)

// Decide applies the harvest gates in order: reward, liveness, then
// profitability-or-staleness. The first failing gate supplies the reason.
func Decide(rewardWei *big.Int, paused bool, gainWei *big.Int, hoursSinceLastHarvest, staleCapHours float64) model.HarvestDecision {
	if rewardWei == nil || rewardWei.Sign() <= 0 {
		return model.SkipHarvest(model.SkipReasonRewardTooLow)
	}
	if paused {
		return model.SkipHarvest(model.SkipReasonPaused)
	}

	profitable := gainWei != nil && gainWei.Sign() > 0
	stale := hoursSinceLastHarvest > staleCapHours
	if !profitable && !stale {
		return model.SkipHarvest(model.SkipReasonNotDue)
	}

	evidence := model.DecisionEvidence{
		HoursSinceLastHarvest: hoursSinceLastHarvest,
		StaleCapHours:         staleCapHours,
		Profitable:            profitable,
		Stale:                 stale,
	}
	if gainWei != nil {
		evidence.EstimatedGainWei = new(big.Int).Set(gainWei)
	}
	return model.ProceedHarvest(evidence)
}

// decideSimulation runs Decide over a simulation result.
func decideSimulation(sim model.Simulation, staleCapHours float64) model.HarvestDecision {
	return Decide(sim.EstimatedCallRewardWei, sim.Paused, sim.Gas.EstimatedGainWei, sim.HoursSinceLastHarvest, staleCapHours)
}
