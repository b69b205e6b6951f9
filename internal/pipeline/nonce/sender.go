package nonce

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxRequest is an unsigned keeper transaction.
type TxRequest struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
	GasPrice *big.Int
	Value    *big.Int
}

// Sender broadcasts a transaction from the keeper account.
type Sender interface {
	Send(ctx context.Context, req TxRequest) (*types.Transaction, error)
}

// TxSigner signs transactions with the keeper key.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// AccountSender assigns nonces locally and broadcasts signed transactions.
// The local nonce is dropped after any failed broadcast and re-read from the
// pending pool on the next send.
type AccountSender struct {
	client  chain.Client
	signer  TxSigner
	chainID *big.Int
	label   string
	logger  *slog.Logger

	mu    sync.Mutex
	next  uint64
	known bool
}

func NewAccountSender(client chain.Client, signer TxSigner, chainID *big.Int, label string, logger *slog.Logger) *AccountSender {
	return &AccountSender{
		client:  client,
		signer:  signer,
		chainID: chainID,
		label:   label,
		logger:  logger.With("component", "account_sender", "chain", label),
	}
}

func (s *AccountSender) Address() common.Address {
	return s.signer.Address()
}

func (s *AccountSender) Send(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.known {
		pending, err := s.client.PendingNonceAt(ctx, s.signer.Address())
		if err != nil {
			return nil, fmt.Errorf("fetch pending nonce: %w", err)
		}
		s.next, s.known = pending, true
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    s.next,
		To:       &to,
		Value:    value,
		Gas:      req.GasLimit,
		GasPrice: req.GasPrice,
		Data:     req.Data,
	})
	signed, err := s.signer.SignTx(tx, s.chainID)
	if err != nil {
		return nil, err
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		s.known = false
		metrics.NonceResetsTotal.WithLabelValues(s.label).Inc()
		s.logger.Warn("broadcast failed, nonce reset", "nonce", signed.Nonce(), "error", err)
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	s.next++
	s.logger.Debug("transaction broadcast", "tx_hash", signed.Hash().Hex(), "nonce", signed.Nonce())
	return signed, nil
}
