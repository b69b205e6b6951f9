package submit

import (
	"context"
	"fmt"
	"time"

	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline/gas"
	"github.com/emperorhan/vault-harvester/internal/pipeline/nonce"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Transactor sends arbitrary keeper calls, such as automation registry
// writes, through the same nonce path as harvests.
type Transactor struct {
	chain   model.Chain
	client  chain.Client
	sender  nonce.Sender
	waiter  Waiter
	keeper  common.Address
	timeout time.Duration
}

func NewTransactor(c model.Chain, client chain.Client, sender nonce.Sender, waiter Waiter, keeper common.Address, timeout time.Duration) *Transactor {
	if timeout <= 0 {
		timeout = DefaultReceiptTimeout
	}
	return &Transactor{chain: c, client: client, sender: sender, waiter: waiter, keeper: keeper, timeout: timeout}
}

// Transact estimates gas with a 20% margin, prices it by the chain policy,
// sends and waits for the receipt.
func (t *Transactor) Transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	estimate, err := t.client.EstimateGas(ctx, ethereum.CallMsg{From: t.keeper, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	rpcPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx, err := t.sender.Send(ctx, nonce.TxRequest{
		To:       to,
		Data:     data,
		GasLimit: estimate + estimate/5,
		GasPrice: gas.PriceFor(t.chain, rpcPrice),
	})
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.waiter.Wait(waitCtx, tx)
}
