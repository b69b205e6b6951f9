package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/emperorhan/vault-harvester/internal/alert"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHarvester func(ctx context.Context, vaults []model.Vault) (*report.HarvestReport, error)

func (f stubHarvester) Run(ctx context.Context, vaults []model.Vault) (*report.HarvestReport, error) {
	return f(ctx, vaults)
}

func okHarvester(chain model.ChainID) ChainHarvester {
	return stubHarvester(func(context.Context, []model.Vault) (*report.HarvestReport, error) {
		return report.New(chain, testNow), nil
	})
}

func TestRunner_IsolatesFailuresAndPanics(t *testing.T) {
	alerter := &fakeAlerter{}
	health := NewHealthRegistry()
	r := NewRunner(health, alerter, testLogger())

	results := r.Run(context.Background(), []ChainRun{
		{Chain: "polygon", Harvester: stubHarvester(func(context.Context, []model.Vault) (*report.HarvestReport, error) {
			panic("nil map")
		})},
		{Chain: "bsc", Harvester: okHarvester("bsc")},
		{Chain: "fantom", Harvester: stubHarvester(func(context.Context, []model.Vault) (*report.HarvestReport, error) {
			return nil, errors.New("rpc down")
		})},
	})

	require.Len(t, results, 3)
	assert.Equal(t, model.ChainID("bsc"), results[0].Chain)
	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Report)

	assert.Equal(t, model.ChainID("fantom"), results[1].Chain)
	assert.EqualError(t, results[1].Err, "rpc down")

	assert.Equal(t, model.ChainID("polygon"), results[2].Chain)
	require.Error(t, results[2].Err)
	assert.Contains(t, results[2].Err.Error(), "harvest panic: nil map")

	assert.Equal(t, 2, Failed(results))

	snaps := health.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, string(HealthStatusHealthy), snaps[0].Status)
	assert.Equal(t, string(HealthStatusDegraded), snaps[1].Status)

	var types []alert.AlertType
	for _, a := range alerter.alerts {
		types = append(types, a.Type)
	}
	assert.ElementsMatch(t, []alert.AlertType{alert.AlertTypeRunFailed, alert.AlertTypeRunFailed}, types)
}

func TestRunner_UnhealthyThenRecovery(t *testing.T) {
	alerter := &fakeAlerter{}
	r := NewRunner(NewHealthRegistry(), alerter, testLogger())

	failing := []ChainRun{{Chain: "bsc", Harvester: stubHarvester(func(context.Context, []model.Vault) (*report.HarvestReport, error) {
		return nil, errors.New("rpc down")
	})}}
	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		r.Run(context.Background(), failing)
	}

	last := alerter.alerts[len(alerter.alerts)-1]
	assert.Equal(t, alert.AlertTypeUnhealthy, last.Type)
	assert.Equal(t, "rpc down", last.Fields["last_error"])

	r.Run(context.Background(), []ChainRun{{Chain: "bsc", Harvester: okHarvester("bsc")}})
	last = alerter.alerts[len(alerter.alerts)-1]
	assert.Equal(t, alert.AlertTypeRecovery, last.Type)
	assert.Equal(t, "bsc", last.Chain)
}

func TestRunner_PassesVaults(t *testing.T) {
	var got []model.Vault
	r := NewRunner(nil, nil, testLogger())
	v := testVault("a", 0x01)
	r.Run(context.Background(), []ChainRun{{
		Chain:  "bsc",
		Vaults: []model.Vault{v},
		Harvester: stubHarvester(func(_ context.Context, vaults []model.Vault) (*report.HarvestReport, error) {
			got = vaults
			return nil, nil
		}),
	}})
	assert.Equal(t, []model.Vault{v}, got)
}
