package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const lensABIJSON = `[
  {"type":"function","name":"harvest","stateMutability":"nonpayable",
   "inputs":[{"name":"strategy","type":"address"}],
   "outputs":[
     {"name":"callReward","type":"uint256"},
     {"name":"success","type":"bool"},
     {"name":"lastHarvest","type":"uint256"},
     {"name":"paused","type":"bool"}]}
]`

const strategyABIJSON = `[
  {"type":"function","name":"harvest","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"chargeFees","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"swapRewards","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"addLiquidity","stateMutability":"nonpayable","inputs":[],"outputs":[]}
]`

// Older strategies only expose the overload paying the call fee to a recipient.
const legacyStrategyABIJSON = `[
  {"type":"function","name":"harvest","stateMutability":"nonpayable",
   "inputs":[{"name":"callFeeRecipient","type":"address"}],"outputs":[]}
]`

const wrappedNativeABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"wad","type":"uint256"}],"outputs":[]}
]`

var (
	lensABI           = MustParseABI(lensABIJSON)
	strategyABI       = MustParseABI(strategyABIJSON)
	legacyStrategyABI = MustParseABI(legacyStrategyABIJSON)
	wrappedNativeABI  = MustParseABI(wrappedNativeABIJSON)
)

// MultiStepHarvestMethods are the strategy calls of a split harvest, in order.
var MultiStepHarvestMethods = []string{"chargeFees", "swapRewards", "addLiquidity"}

// MustParseABI parses a JSON ABI definition and panics on malformed input.
func MustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return parsed
}

// LensResult is the decoded answer of the harvest lens.
type LensResult struct {
	CallReward  *big.Int
	Success     bool
	LastHarvest *big.Int
	Paused      bool
}

func PackLensHarvest(strategy common.Address) ([]byte, error) {
	return lensABI.Pack("harvest", strategy)
}

func UnpackLensHarvest(data []byte) (LensResult, error) {
	values, err := lensABI.Unpack("harvest", data)
	if err != nil {
		return LensResult{}, fmt.Errorf("unpack lens harvest: %w", err)
	}
	if len(values) != 4 {
		return LensResult{}, fmt.Errorf("unpack lens harvest: expected 4 values, got %d", len(values))
	}
	reward, ok1 := values[0].(*big.Int)
	success, ok2 := values[1].(bool)
	last, ok3 := values[2].(*big.Int)
	paused, ok4 := values[3].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return LensResult{}, fmt.Errorf("unpack lens harvest: unexpected value types")
	}
	return LensResult{CallReward: reward, Success: success, LastHarvest: last, Paused: paused}, nil
}

// PackLensResult encodes a lens answer; used by simulators and tests.
func PackLensResult(r LensResult) ([]byte, error) {
	return lensABI.Methods["harvest"].Outputs.Pack(r.CallReward, r.Success, r.LastHarvest, r.Paused)
}

// PackHarvest builds the strategy harvest calldata.
func PackHarvest(legacy bool, callFeeRecipient common.Address) ([]byte, error) {
	if legacy {
		return legacyStrategyABI.Pack("harvest", callFeeRecipient)
	}
	return strategyABI.Pack("harvest")
}

// PackMultiStepHarvest builds the calldata of each split harvest step.
func PackMultiStepHarvest() ([][]byte, error) {
	steps := make([][]byte, 0, len(MultiStepHarvestMethods))
	for _, method := range MultiStepHarvestMethods {
		data, err := strategyABI.Pack(method)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", method, err)
		}
		steps = append(steps, data)
	}
	return steps, nil
}

func PackBalanceOf(account common.Address) ([]byte, error) {
	return wrappedNativeABI.Pack("balanceOf", account)
}

func UnpackBalanceOf(data []byte) (*big.Int, error) {
	values, err := wrappedNativeABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack balanceOf: expected 1 value, got %d", len(values))
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack balanceOf: unexpected value type %T", values[0])
	}
	return balance, nil
}

func PackWithdraw(amount *big.Int) ([]byte, error) {
	return wrappedNativeABI.Pack("withdraw", amount)
}
