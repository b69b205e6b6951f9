package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline/nonce"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrUnsupportedChain = errors.New("no submit strategy for chain")
	ErrReverted         = errors.New("call exception: transaction reverted")
)

const DefaultReceiptTimeout = 5 * time.Minute

// Phase tells whether a step failed before or after the provider accepted it.
type Phase string

const (
	PhaseSend    Phase = "send"
	PhaseConfirm Phase = "confirm"
)

// StepError is a failure of one harvest transaction.
type StepError struct {
	Step  string
	Phase Phase
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Step, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// FailedPhase returns the phase of a submit error, PhaseSend when unknown.
func FailedPhase(err error) Phase {
	var step *StepError
	if errors.As(err, &step) {
		return step.Phase
	}
	return PhaseSend
}

// Job is one harvest to put on chain.
type Job struct {
	Vault            model.Vault
	GasPrice         *big.Int
	GasLimit         uint64
	CallFeeRecipient common.Address
}

// Outcome lists what reached the chain, even when a later step failed.
type Outcome struct {
	Submission model.Submission
	Receipts   []*types.Receipt
}

// Confirmation folds the step receipts into one confirmation. Gas is summed
// over steps; the last receipt supplies the hash and block.
func (o Outcome) Confirmation(fallbackPrice *big.Int, at time.Time) (model.Confirmation, bool) {
	if len(o.Receipts) == 0 {
		return model.Confirmation{}, false
	}
	last := o.Receipts[len(o.Receipts)-1]
	var gasUsed uint64
	cost := new(big.Int)
	for _, r := range o.Receipts {
		gasUsed += r.GasUsed
		price := fallbackPrice
		if r.EffectiveGasPrice != nil && r.EffectiveGasPrice.Sign() > 0 {
			price = r.EffectiveGasPrice
		}
		if price != nil {
			cost.Add(cost, new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), price))
		}
	}
	effective := new(big.Int)
	if gasUsed > 0 {
		effective.Quo(cost, new(big.Int).SetUint64(gasUsed))
	}
	var block uint64
	if last.BlockNumber != nil {
		block = last.BlockNumber.Uint64()
	}
	return model.Confirmation{
		TxHash:            last.TxHash,
		BlockNumber:       block,
		GasUsed:           gasUsed,
		EffectiveGasPrice: effective,
		ConfirmedAt:       at,
	}, true
}

// Submitter puts a harvest on chain and waits for it to be mined.
type Submitter interface {
	Submit(ctx context.Context, job Job) (Outcome, error)
}

// Waiter blocks until tx is mined.
type Waiter interface {
	Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Options tune the submitters built by ForChain.
type Options struct {
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// ForChain selects the submit strategy of a chain.
func ForChain(c model.Chain, client chain.Client, sender nonce.Sender, opts Options, logger *slog.Logger) (Submitter, error) {
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = DefaultReceiptTimeout
	}
	logger = logger.With("component", "submitter", "chain", c.ID.String(), "mode", string(c.SubmitMode))
	waiter := WaiterFor(c, client, opts, logger)
	steps := stepRunner{sender: sender, waiter: waiter, timeout: opts.ReceiptTimeout, logger: logger}

	switch c.SubmitMode {
	case model.SubmitModeSingleStep:
		return &SingleStep{steps: steps}, nil
	case model.SubmitModeMultiStep:
		return &MultiStep{steps: steps}, nil
	default:
		return nil, fmt.Errorf("%w: %s (mode %q)", ErrUnsupportedChain, c.ID, c.SubmitMode)
	}
}

// WaiterFor picks receipt polling for tricky chains and the standard mined
// wait everywhere else.
func WaiterFor(c model.Chain, client chain.Client, opts Options, logger *slog.Logger) Waiter {
	if c.Tricky {
		return NewPollingWaiter(client, opts.ReceiptPollInterval, logger)
	}
	return &MinedWaiter{client: client}
}

type stepRunner struct {
	sender  nonce.Sender
	waiter  Waiter
	timeout time.Duration
	logger  *slog.Logger
}

// run sends one transaction and waits for a successful receipt.
func (r stepRunner) run(ctx context.Context, step string, req nonce.TxRequest, out *Outcome) error {
	tx, err := r.sender.Send(ctx, req)
	if err != nil {
		return &StepError{Step: step, Phase: PhaseSend, Err: err}
	}
	out.Submission.TxHashes = append(out.Submission.TxHashes, tx.Hash())
	r.logger.Info("harvest transaction sent", "step", step, "tx_hash", tx.Hash().Hex(), "nonce", tx.Nonce())

	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	receipt, err := r.waiter.Wait(waitCtx, tx)
	if err != nil {
		return &StepError{Step: step, Phase: PhaseConfirm, Err: err}
	}
	out.Receipts = append(out.Receipts, receipt)
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &StepError{Step: step, Phase: PhaseConfirm, Err: fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash.Hex())}
	}
	return nil
}

func request(job Job, data []byte) nonce.TxRequest {
	return nonce.TxRequest{
		To:       job.Vault.StrategyAddress,
		Data:     data,
		GasLimit: job.GasLimit,
		GasPrice: job.GasPrice,
	}
}
