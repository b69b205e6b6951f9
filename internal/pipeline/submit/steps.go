package submit

import (
	"context"
	"fmt"

	"github.com/emperorhan/vault-harvester/internal/chain/evm"
)

// SingleStep submits one harvest transaction.
type SingleStep struct {
	steps stepRunner
}

func (s *SingleStep) Submit(ctx context.Context, job Job) (Outcome, error) {
	out := Outcome{}
	out.Submission.GasPrice = job.GasPrice
	out.Submission.GasLimit = job.GasLimit

	data, err := evm.PackHarvest(job.Vault.LegacyHarvest, job.CallFeeRecipient)
	if err != nil {
		return out, fmt.Errorf("pack harvest: %w", err)
	}
	err = s.steps.run(ctx, "harvest", request(job, data), &out)
	return out, err
}

// MultiStep splits the harvest into fee charge, swap and liquidity add. Each
// step must succeed before the next one is sent.
type MultiStep struct {
	steps stepRunner
}

func (m *MultiStep) Submit(ctx context.Context, job Job) (Outcome, error) {
	out := Outcome{}
	out.Submission.GasPrice = job.GasPrice
	out.Submission.GasLimit = job.GasLimit

	calls, err := evm.PackMultiStepHarvest()
	if err != nil {
		return out, err
	}
	for i, data := range calls {
		if err := m.steps.run(ctx, evm.MultiStepHarvestMethods[i], request(job, data), &out); err != nil {
			return out, err
		}
	}
	return out, nil
}
