package vaults

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func automatedChain() model.Chain {
	return model.Chain{
		ID:                   "arbitrum",
		HasOnChainHarvesting: true,
		Automate: &model.AutomateConfig{
			Contract:  common.HexToAddress("0xa1"),
			Harvester: common.HexToAddress("0xa2"),
		},
	}
}

func TestHTTPSource_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id":"cake-bnb","chain":"bsc","earnContractAddress":"0x00000000000000000000000000000000000000b1","strategy":"0x00000000000000000000000000000000000000c1","status":"active","lastHarvest":1714560000},
			{"id":"old","chain":"bsc","strategy":"0x00000000000000000000000000000000000000c2","status":"eol"}
		]`)
	}))
	defer srv.Close()

	descs, err := NewHTTPSource(srv.URL, testLogger()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "cake-bnb", descs[0].ID)
	assert.Equal(t, int64(1714560000), descs[0].LastHarvest)
	assert.Equal(t, "eol", descs[1].Status)
}

func TestHTTPSource_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, testLogger()).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503: maintenance")
}

func TestHTTPSource_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"not":"a list"}`)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, testLogger()).Fetch(context.Background())
	require.ErrorContains(t, err, "decode vaults")
}

func TestBuild_FiltersAndOverrides(t *testing.T) {
	chains := map[model.ChainID]model.Chain{
		"bsc":    {ID: "bsc"},
		"fantom": {ID: "fantom", EOL: true},
		"celo":   {ID: "celo", Disabled: true},
	}
	gasLimit := uint64(5_000_000)
	descs := []Descriptor{
		{ID: "a", Chain: "BSC", Strategy: "0x00000000000000000000000000000000000000a1", LastHarvest: 100},
		{ID: "eol", Chain: "bsc", Strategy: "0x00000000000000000000000000000000000000a2", Status: "eol"},
		{ID: "paused", Chain: "bsc", Strategy: "0x00000000000000000000000000000000000000a3", Status: "paused"},
		{ID: "ftm", Chain: "fantom", Strategy: "0x00000000000000000000000000000000000000a4"},
		{ID: "celo", Chain: "celo", Strategy: "0x00000000000000000000000000000000000000a5"},
		{ID: "unknown", Chain: "heco", Strategy: "0x00000000000000000000000000000000000000a6"},
		{ID: "broken", Chain: "bsc", Strategy: "not-an-address"},
		{ID: "b", Chain: "bsc", Strategy: "0x00000000000000000000000000000000000000a7", Status: "active"},
	}

	got := Build(descs, chains, BuildOptions{
		Overrides: map[string]Override{"b": {GasLimit: &gasLimit, LegacyHarvest: true}},
	}, testLogger())

	require.Len(t, got, 1)
	bsc := got["bsc"]
	require.Len(t, bsc, 2)
	assert.Equal(t, "a", bsc[0].ID)
	assert.Equal(t, model.VaultStatusActive, bsc[0].Status)
	assert.Equal(t, time.Unix(100, 0).UTC(), bsc[0].LastHarvest)
	assert.Nil(t, bsc[0].GasLimit)

	assert.Equal(t, "b", bsc[1].ID)
	require.NotNil(t, bsc[1].GasLimit)
	assert.Equal(t, gasLimit, *bsc[1].GasLimit)
	assert.True(t, bsc[1].LegacyHarvest)
}

func TestBuild_ContractFilter(t *testing.T) {
	chains := map[model.ChainID]model.Chain{"bsc": {ID: "bsc"}}
	descs := []Descriptor{
		{ID: "a", Chain: "bsc", VaultAddress: "0x00000000000000000000000000000000000000b1", Strategy: "0x00000000000000000000000000000000000000c1"},
		{ID: "b", Chain: "bsc", VaultAddress: "0x00000000000000000000000000000000000000b2", Strategy: "0x00000000000000000000000000000000000000c2"},
	}

	byVault := common.HexToAddress("0x00000000000000000000000000000000000000B2")
	got := Build(descs, chains, BuildOptions{Contract: &byVault}, testLogger())
	require.Len(t, got["bsc"], 1)
	assert.Equal(t, "b", got["bsc"][0].ID)

	byStrategy := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	got = Build(descs, chains, BuildOptions{Contract: &byStrategy}, testLogger())
	require.Len(t, got["bsc"], 1)
	assert.Equal(t, "a", got["bsc"][0].ID)
}

func TestPartition(t *testing.T) {
	c := automatedChain()
	c.DenyOnChainHarvest = []string{" Pinned "}
	vs := []model.Vault{
		{ID: "auto", VaultAddress: common.HexToAddress("0xb1")},
		{ID: "pinned", VaultAddress: common.HexToAddress("0xb2")},
		{ID: "opted-out", VaultAddress: common.HexToAddress("0xb3"), NoOnChainHarvest: true},
	}

	bot, network := Partition(c, vs)
	require.Len(t, network, 1)
	assert.Equal(t, "auto", network[0].ID)
	require.Len(t, bot, 2)
	assert.Equal(t, "pinned", bot[0].ID)
	assert.Equal(t, "opted-out", bot[1].ID)
}

func TestPartition_VaultWithoutAddressStaysWithBot(t *testing.T) {
	c := automatedChain()
	vs := []model.Vault{
		{ID: "no-addr-1", StrategyAddress: common.HexToAddress("0xc1")},
		{ID: "no-addr-2", StrategyAddress: common.HexToAddress("0xc2")},
		{ID: "auto", VaultAddress: common.HexToAddress("0xb1")},
	}

	bot, network := Partition(c, vs)
	require.Len(t, network, 1)
	assert.Equal(t, "auto", network[0].ID)
	require.Len(t, bot, 2)
	assert.Equal(t, "no-addr-1", bot[0].ID)
	assert.Equal(t, "no-addr-2", bot[1].ID)
}

func TestBuild_KeepsVaultWithoutAddressForBot(t *testing.T) {
	c := automatedChain()
	descs := []Descriptor{{
		ID:       "bare",
		Chain:    "arbitrum",
		Strategy: "0x00000000000000000000000000000000000000c1",
	}}

	built := Build(descs, map[model.ChainID]model.Chain{c.ID: c}, BuildOptions{}, testLogger())
	require.Len(t, built["arbitrum"], 1)
	v := built["arbitrum"][0]
	assert.Equal(t, common.Address{}, v.VaultAddress)
	assert.False(t, NetworkManaged(c, v))
}

func TestPartition_ChainWithoutAutomation(t *testing.T) {
	c := automatedChain()
	c.Automate = nil
	vs := []model.Vault{{ID: "a"}, {ID: "b"}}

	bot, network := Partition(c, vs)
	assert.Empty(t, network)
	assert.Len(t, bot, 2)
}

// Every vault ends up in exactly one set, whatever the deny list.
func TestPartition_Exclusive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 500; iter++ {
		c := automatedChain()
		c.HasOnChainHarvesting = rng.Intn(4) != 0
		n := rng.Intn(20)
		vs := make([]model.Vault, n)
		for i := range vs {
			vs[i] = model.Vault{ID: fmt.Sprintf("v%d", i), NoOnChainHarvest: rng.Intn(5) == 0}
			if rng.Intn(6) != 0 {
				vs[i].VaultAddress = common.BigToAddress(big.NewInt(int64(i + 1)))
			}
			if rng.Intn(3) == 0 {
				c.DenyOnChainHarvest = append(c.DenyOnChainHarvest, vs[i].ID)
			}
		}

		bot, network := Partition(c, vs)
		require.Equal(t, n, len(bot)+len(network))

		seen := make(map[string]int, n)
		for _, v := range bot {
			seen[v.ID]++
			assert.False(t, NetworkManaged(c, v))
		}
		for _, v := range network {
			seen[v.ID]++
			assert.True(t, NetworkManaged(c, v))
		}
		for _, v := range vs {
			assert.Equal(t, 1, seen[v.ID], "vault %s", v.ID)
		}
	}
}

func TestMergeLastHarvests(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	vs := []model.Vault{{ID: "a", LastHarvest: older}, {ID: "b", LastHarvest: newer}, {ID: "c"}}

	MergeLastHarvests(vs, map[string]time.Time{"a": newer, "b": older})

	assert.Equal(t, newer, vs[0].LastHarvest)
	assert.Equal(t, newer, vs[1].LastHarvest)
	assert.True(t, vs[2].LastHarvest.IsZero())
}
