package gas

import (
	"math/big"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/shopspring/decimal"
)

// CreateGasEstimationReport prices a harvest call. The effective gas price is
// the raw price inflated by overestimatePercent (a fraction, 0.1 = 10%) and
// floored to whole wei. The transaction cost is floored from the exact
// product units * raw * (1 + overestimatePercent).
func CreateGasEstimationReport(
	rawGasPrice *big.Int,
	estimatedCallRewardWei *big.Int,
	estimation model.GasEstimationResult,
	overestimatePercent decimal.Decimal,
) model.GasEstimationReport {
	raw := orZero(rawGasPrice)
	reward := orZero(estimatedCallRewardWei)
	if overestimatePercent.IsNegative() {
		overestimatePercent = decimal.Zero
	}

	factor := decimal.NewFromInt(1).Add(overestimatePercent)
	rawDec := decimal.NewFromBigInt(raw, 0)
	effective := rawDec.Mul(factor).Floor().BigInt()
	cost := rawDec.Mul(factor).Mul(decimal.NewFromBigInt(new(big.Int).SetUint64(estimation.Units), 0)).Floor().BigInt()

	return model.GasEstimationReport{
		RawGasPrice:            new(big.Int).Set(raw),
		OverestimatePercent:    overestimatePercent,
		EffectiveGasPrice:      effective,
		GasUnits:               estimation.Units,
		EstimatedCallRewardWei: new(big.Int).Set(reward),
		TransactionCostWei:     cost,
		EstimatedGainWei:       new(big.Int).Sub(reward, cost),
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
