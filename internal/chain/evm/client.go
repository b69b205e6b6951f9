package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/chain/ratelimit"
	"github.com/emperorhan/vault-harvester/internal/circuitbreaker"
	"github.com/emperorhan/vault-harvester/internal/metrics"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// Config configures one chain's RPC client.
type Config struct {
	Chain           string
	RPCURL          string
	RPS             float64
	Burst           int
	BreakerFailures int
	BreakerTimeout  time.Duration
}

// Client is a rate limited, circuit broken ethclient for one chain.
type Client struct {
	eth     *ethclient.Client
	chain   string
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

var _ chain.Client = (*Client)(nil)

// Dial connects to the chain's RPC endpoint.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", cfg.Chain, err)
	}
	return newClient(eth, cfg, logger), nil
}

func newClient(eth *ethclient.Client, cfg Config, logger *slog.Logger) *Client {
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = defaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = defaultBreakerTimeout
	}
	logger = logger.With("component", "evm_client", "chain", cfg.Chain)
	c := &Client{
		eth:     eth,
		chain:   cfg.Chain,
		limiter: ratelimit.NewLimiter(cfg.RPS, cfg.Burst, cfg.Chain),
		logger:  logger,
	}
	c.breaker = circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailures,
		OpenTimeout:      cfg.BreakerTimeout,
		IsFailure:        isEndpointFailure,
		OnStateChange: func(from, to circuitbreaker.State) {
			metrics.RPCCircuitState.WithLabelValues(cfg.Chain).Set(float64(to))
			logger.Warn("rpc circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// isEndpointFailure separates endpoint health problems from contract level
// answers such as reverts or pending receipts.
func isEndpointFailure(err error) bool {
	switch ratelimit.ClassifyRPCError(err) {
	case "timeout", "rate_limited", "server_error", "network_error":
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) do(ctx context.Context, method string, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	err := c.breaker.Do(fn)
	ratelimit.RecordRPCCall(c.chain, method, err)
	return err
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, "eth_chainId", func() (err error) {
		out, err = c.eth.ChainID(ctx)
		return err
	})
	return out, err
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, "eth_gasPrice", func() (err error) {
		out, err = c.eth.SuggestGasPrice(ctx)
		return err
	})
	return out, err
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	var out *big.Int
	err := c.do(ctx, "eth_getBalance", func() (err error) {
		out, err = c.eth.BalanceAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_getCode", func() (err error) {
		out, err = c.eth.CodeAt(ctx, account, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var out []byte
	err := c.do(ctx, "eth_call", func() (err error) {
		out, err = c.eth.CallContract(ctx, msg, blockNumber)
		return err
	})
	return out, err
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var out uint64
	err := c.do(ctx, "eth_estimateGas", func() (err error) {
		out, err = c.eth.EstimateGas(ctx, msg)
		return err
	})
	return out, err
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var out uint64
	err := c.do(ctx, "eth_getTransactionCount", func() (err error) {
		out, err = c.eth.PendingNonceAt(ctx, account)
		return err
	})
	return out, err
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.do(ctx, "eth_sendRawTransaction", func() error {
		return c.eth.SendTransaction(ctx, tx)
	})
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var out *types.Receipt
	err := c.do(ctx, "eth_getTransactionReceipt", func() (err error) {
		out, err = c.eth.TransactionReceipt(ctx, txHash)
		return err
	})
	return out, err
}
