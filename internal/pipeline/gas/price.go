package gas

import (
	"math/big"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
)

// PriceFor applies the chain's gas price policy to the price reported by RPC.
// Gasless chains always price at zero; an override replaces the RPC price;
// otherwise the price is clamped to [MinPrice, PriceCap].
func PriceFor(c model.Chain, rpcPrice *big.Int) *big.Int {
	if c.Gasless {
		return new(big.Int)
	}
	if c.Gas.PriceOverride != nil {
		return new(big.Int).Set(c.Gas.PriceOverride)
	}
	price := new(big.Int).Set(orZero(rpcPrice))
	if c.Gas.MinPrice != nil && price.Cmp(c.Gas.MinPrice) < 0 {
		price.Set(c.Gas.MinPrice)
	}
	if c.Gas.PriceCap != nil && c.Gas.PriceCap.Sign() > 0 && price.Cmp(c.Gas.PriceCap) > 0 {
		price.Set(c.Gas.PriceCap)
	}
	return price
}
