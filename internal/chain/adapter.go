package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks . Client

// Client is the slice of EVM JSON-RPC the keeper needs. Method sets match
// go-ethereum's ethclient so the concrete client and bind helpers both fit.
type Client interface {
	// ChainID returns the numeric chain id reported by the endpoint.
	ChainID(ctx context.Context) (*big.Int, error)

	// SuggestGasPrice returns the raw gas price of the chain.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)

	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)

	// CallContract executes a read-only call.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// EstimateGas simulates msg and returns the gas units it would consume.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns ethereum.NotFound while the tx is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
