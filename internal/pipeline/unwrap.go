package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/chain/evm"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transactor sends an arbitrary keeper call and waits for its receipt.
type Transactor interface {
	Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error)
}

// Unwrapper turns the keeper's wrapped native balance back into native
// currency once it exceeds the chain minimum. It never fails a run.
type Unwrapper struct {
	chain      model.Chain
	client     chain.Client
	transactor Transactor
	keeper     common.Address
	logger     *slog.Logger
}

// NewUnwrapper returns nil when the chain has no wrapped native token.
func NewUnwrapper(c model.Chain, client chain.Client, transactor Transactor, keeper common.Address, logger *slog.Logger) *Unwrapper {
	if c.WNative == nil {
		return nil
	}
	return &Unwrapper{
		chain:      c,
		client:     client,
		transactor: transactor,
		keeper:     keeper,
		logger:     logger.With("component", "unwrapper", "chain", c.ID.String()),
	}
}

// Unwrap is best-effort: failures are logged and counted.
func (u *Unwrapper) Unwrap(ctx context.Context) {
	if u == nil {
		return
	}
	unwrapped, err := u.unwrap(ctx)
	switch {
	case err != nil:
		metrics.UnwrapTotal.WithLabelValues(u.chain.ID.String(), "error").Inc()
		u.logger.Warn("unwrap failed", "error", err)
	case unwrapped:
		metrics.UnwrapTotal.WithLabelValues(u.chain.ID.String(), "unwrapped").Inc()
	}
}

func (u *Unwrapper) unwrap(ctx context.Context) (bool, error) {
	wnative := *u.chain.WNative
	data, err := evm.PackBalanceOf(u.keeper)
	if err != nil {
		return false, err
	}
	out, err := u.client.CallContract(ctx, ethereum.CallMsg{From: u.keeper, To: &wnative, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("wrapped native balance: %w", err)
	}
	balance, err := evm.UnpackBalanceOf(out)
	if err != nil {
		return false, err
	}
	if balance.Sign() == 0 || (u.chain.UnwrapMinWei != nil && balance.Cmp(u.chain.UnwrapMinWei) <= 0) {
		return false, nil
	}

	data, err = evm.PackWithdraw(balance)
	if err != nil {
		return false, err
	}
	receipt, err := u.transactor.Transact(ctx, wnative, data)
	if err != nil {
		return false, fmt.Errorf("withdraw %s: %w", balance, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, fmt.Errorf("withdraw %s reverted: %s", balance, receipt.TxHash.Hex())
	}
	u.logger.Info("wrapped native unwrapped", "amount_wei", balance.String(), "tx_hash", receipt.TxHash.Hex())
	return true, nil
}
