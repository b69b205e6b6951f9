package nonce

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/emperorhan/vault-harvester/internal/metrics"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/semaphore"
)

const DefaultThreshold = 2

// State is a snapshot of the serializer.
type State struct {
	Pending   int
	Waiting   int
	Threshold int
}

// Serializer bounds how many transactions from one account may be between
// "nonce assigned" and "accepted by the provider" at once. Waiters are
// admitted in arrival order.
type Serializer struct {
	sender    Sender
	sem       *semaphore.Weighted
	threshold int
	label     string

	pending atomic.Int64
	waiting atomic.Int64
}

var _ Sender = (*Serializer)(nil)

func NewSerializer(sender Sender, threshold int, label string) *Serializer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Serializer{
		sender:    sender,
		sem:       semaphore.NewWeighted(int64(threshold)),
		threshold: threshold,
		label:     label,
	}
}

// Send waits for a free slot, then hands req to the wrapped sender. The slot
// is released as soon as the provider accepts or rejects the transaction.
func (s *Serializer) Send(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	start := time.Now()
	s.waiting.Add(1)
	err := s.sem.Acquire(ctx, 1)
	s.waiting.Add(-1)
	if err != nil {
		return nil, fmt.Errorf("wait for nonce slot: %w", err)
	}
	metrics.NonceWaitLatency.WithLabelValues(s.label).Observe(time.Since(start).Seconds())

	metrics.NonceInFlight.WithLabelValues(s.label).Set(float64(s.pending.Add(1)))
	defer func() {
		metrics.NonceInFlight.WithLabelValues(s.label).Set(float64(s.pending.Add(-1)))
		s.sem.Release(1)
	}()

	return s.sender.Send(ctx, req)
}

func (s *Serializer) State() State {
	return State{
		Pending:   int(s.pending.Load()),
		Waiting:   int(s.waiting.Load()),
		Threshold: s.threshold,
	}
}
