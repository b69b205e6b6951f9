package config

import (
	"fmt"
	"math/big"
	"os"
	"slices"
	"strings"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/vaults"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// AllChains selects every active chain of the table.
const AllChains = "all"

type chainsFile struct {
	Chains map[string]chainEntry      `yaml:"chains"`
	Vaults map[string]vaults.Override `yaml:"vaults"`
}

type gasEntry struct {
	Limit         uint64 `yaml:"limit"`
	MinPrice      string `yaml:"minPrice"`
	PriceOverride string `yaml:"priceOverride"`
	PriceCap      string `yaml:"priceCap"`
}

type automateEntry struct {
	Contract  string `yaml:"contract"`
	Harvester string `yaml:"harvester"`
}

type chainEntry struct {
	ChainID              int64          `yaml:"chainId"`
	RPC                  string         `yaml:"rpc"`
	HarvestLens          string         `yaml:"harvestLens"`
	WNative              string         `yaml:"wnative"`
	UnwrapMinWei         string         `yaml:"unwrapMinWei"`
	Gas                  gasEntry       `yaml:"gas"`
	HarvestIntervalHours float64        `yaml:"harvestIntervalHours"`
	HasOnChainHarvesting bool           `yaml:"hasOnChainHarvesting"`
	Automate             *automateEntry `yaml:"automate"`
	EOL                  bool           `yaml:"eol"`
	Disabled             bool           `yaml:"disabled"`
	Tricky               bool           `yaml:"tricky"`
	Gasless              bool           `yaml:"gasless"`
	SubmitMode           string         `yaml:"submitMode"`
	RPS                  float64        `yaml:"rps"`
	Burst                int            `yaml:"burst"`
	DenyOnChainHarvest   []string       `yaml:"denyOnChainHarvest"`
}

// ChainTable is the parsed chain parameter file.
type ChainTable struct {
	Chains    map[model.ChainID]model.Chain
	Overrides map[string]vaults.Override
}

// LoadChains reads the YAML chain table at path. ${VAR} references are
// expanded from the environment so RPC keys stay out of the file.
func LoadChains(path string) (*ChainTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain config: %w", err)
	}
	return ParseChains([]byte(os.ExpandEnv(string(raw))))
}

func ParseChains(data []byte) (*ChainTable, error) {
	var f chainsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode chain config: %w", err)
	}
	if len(f.Chains) == 0 {
		return nil, fmt.Errorf("chain config defines no chains")
	}

	table := &ChainTable{
		Chains:    make(map[model.ChainID]model.Chain, len(f.Chains)),
		Overrides: f.Vaults,
	}
	if table.Overrides == nil {
		table.Overrides = map[string]vaults.Override{}
	}
	for id, entry := range f.Chains {
		c, err := entry.toChain(model.ChainID(strings.ToLower(id)))
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", id, err)
		}
		table.Chains[c.ID] = c
	}
	return table, nil
}

func (e chainEntry) toChain(id model.ChainID) (model.Chain, error) {
	c := model.Chain{
		ID:                   id,
		ChainID:              e.ChainID,
		RPCURL:               e.RPC,
		HarvestIntervalHours: e.HarvestIntervalHours,
		HasOnChainHarvesting: e.HasOnChainHarvesting,
		EOL:                  e.EOL,
		Disabled:             e.Disabled,
		Tricky:               e.Tricky,
		Gasless:              e.Gasless,
		SubmitMode:           model.SubmitMode(e.SubmitMode),
		RPCRateLimit:         e.RPS,
		RPCBurst:             e.Burst,
		DenyOnChainHarvest:   e.DenyOnChainHarvest,
		Gas:                  model.GasPolicy{Limit: e.Gas.Limit},
	}
	if c.SubmitMode == "" {
		c.SubmitMode = model.SubmitModeSingleStep
	}
	if c.HarvestIntervalHours <= 0 {
		c.HarvestIntervalHours = 24
	}

	var err error
	if c.HarvestLens, err = address("harvestLens", e.HarvestLens); err != nil {
		return model.Chain{}, err
	}
	if e.WNative != "" {
		w, err := address("wnative", e.WNative)
		if err != nil {
			return model.Chain{}, err
		}
		c.WNative = &w
	}
	for _, amount := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"unwrapMinWei", e.UnwrapMinWei, &c.UnwrapMinWei},
		{"gas.minPrice", e.Gas.MinPrice, &c.Gas.MinPrice},
		{"gas.priceOverride", e.Gas.PriceOverride, &c.Gas.PriceOverride},
		{"gas.priceCap", e.Gas.PriceCap, &c.Gas.PriceCap},
	} {
		if *amount.dst, err = wei(amount.name, amount.raw); err != nil {
			return model.Chain{}, err
		}
	}
	if e.Automate != nil {
		contract, err := address("automate.contract", e.Automate.Contract)
		if err != nil {
			return model.Chain{}, err
		}
		harvester, err := address("automate.harvester", e.Automate.Harvester)
		if err != nil {
			return model.Chain{}, err
		}
		c.Automate = &model.AutomateConfig{Contract: contract, Harvester: harvester}
	}

	if err := validateChain(c); err != nil {
		return model.Chain{}, err
	}
	return c, nil
}

func validateChain(c model.Chain) error {
	if !c.Active() {
		return nil
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("chainId is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpc is required")
	}
	if c.HarvestLens == (common.Address{}) {
		return fmt.Errorf("harvestLens is required")
	}
	if c.Gas.Limit == 0 {
		return fmt.Errorf("gas.limit is required")
	}
	switch c.SubmitMode {
	case model.SubmitModeSingleStep, model.SubmitModeMultiStep:
	default:
		return fmt.Errorf("unknown submitMode %q", c.SubmitMode)
	}
	if c.HasOnChainHarvesting && c.Automate == nil {
		return fmt.Errorf("hasOnChainHarvesting needs an automate section")
	}
	if c.Gas.MinPrice != nil && c.Gas.PriceCap != nil && c.Gas.MinPrice.Cmp(c.Gas.PriceCap) > 0 {
		return fmt.Errorf("gas.minPrice exceeds gas.priceCap")
	}
	return nil
}

func address(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func wei(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s: invalid wei amount %q", field, raw)
	}
	return v, nil
}

// Select resolves chain ids, or AllChains, to active chains sorted by id.
func (t *ChainTable) Select(ids []string) ([]model.Chain, error) {
	var out []model.Chain
	if len(ids) == 0 || slices.Contains(ids, AllChains) {
		for _, c := range t.Chains {
			if c.Active() {
				out = append(out, c)
			}
		}
	} else {
		for _, id := range ids {
			c, ok := t.Chains[model.ChainID(strings.ToLower(strings.TrimSpace(id)))]
			if !ok {
				return nil, fmt.Errorf("unknown chain %q", id)
			}
			if !c.Active() {
				return nil, fmt.Errorf("chain %s is end-of-life or disabled", c.ID)
			}
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b model.Chain) int { return strings.Compare(string(a.ID), string(b.ID)) })
	out = slices.CompactFunc(out, func(a, b model.Chain) bool { return a.ID == b.ID })
	return out, nil
}
