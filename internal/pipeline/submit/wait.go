package submit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/vault-harvester/internal/chain"
	"github.com/emperorhan/vault-harvester/internal/pipeline/retry"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
)

const DefaultReceiptPollInterval = 3 * time.Second

// MinedWaiter uses go-ethereum's mined wait.
type MinedWaiter struct {
	client chain.Client
}

func (w *MinedWaiter) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, w.client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait mined %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nil
}

// PollingWaiter fetches the receipt directly on a fixed interval. Transient
// RPC errors are tolerated until ctx ends.
type PollingWaiter struct {
	client   chain.Client
	interval time.Duration
	logger   *slog.Logger
}

func NewPollingWaiter(client chain.Client, interval time.Duration, logger *slog.Logger) *PollingWaiter {
	if interval <= 0 {
		interval = DefaultReceiptPollInterval
	}
	return &PollingWaiter{client: client, interval: interval, logger: logger}
}

func (w *PollingWaiter) Wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		receipt, err := w.client.TransactionReceipt(ctx, tx.Hash())
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil:
			decision := retry.Classify(err)
			if !decision.IsTransient() {
				return nil, fmt.Errorf("poll receipt %s: %w", tx.Hash().Hex(), err)
			}
			if decision.Reason != "not_found" {
				w.logger.Debug("receipt poll failed, retrying", "tx_hash", tx.Hash().Hex(), "reason", decision.Reason, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("poll receipt %s: %w", tx.Hash().Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
