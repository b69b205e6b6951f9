package nonce

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/vault-harvester/internal/chain/evm"
	"github.com/emperorhan/vault-harvester/internal/chain/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// probeSender tracks the number of concurrent Send calls.
type probeSender struct {
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	delay    func() time.Duration
	order    chan int
}

func (p *probeSender) Send(_ context.Context, req TxRequest) (*types.Transaction, error) {
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.maxSeen.Load()
		if n <= cur || p.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.order != nil {
		p.order <- int(req.GasLimit)
	}
	if p.delay != nil {
		time.Sleep(p.delay())
	}
	return types.NewTx(&types.LegacyTx{Gas: req.GasLimit}), nil
}

func TestSerializer_NeverExceedsThreshold(t *testing.T) {
	for _, threshold := range []int{1, 2, 3, 5} {
		rng := rand.New(rand.NewSource(int64(threshold)))
		var mu sync.Mutex
		probe := &probeSender{delay: func() time.Duration {
			mu.Lock()
			defer mu.Unlock()
			return time.Duration(rng.Intn(300)) * time.Microsecond
		}}
		s := NewSerializer(probe, threshold, "test")

		var wg sync.WaitGroup
		var violations atomic.Int64
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if st := s.State(); st.Pending > st.Threshold {
					violations.Add(1)
				}
				_, err := s.Send(context.Background(), TxRequest{GasLimit: uint64(i)})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Zero(t, violations.Load())
		assert.LessOrEqual(t, probe.maxSeen.Load(), int64(threshold), "threshold %d", threshold)
		assert.Equal(t, State{Threshold: threshold}, s.State())
	}
}

func TestSerializer_FIFO(t *testing.T) {
	release := make(chan struct{})
	probe := &probeSender{order: make(chan int, 8)}
	blocking := &blockingSender{inner: probe, release: release}
	s := NewSerializer(blocking, 1, "test")

	var wg sync.WaitGroup
	start := func(i int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Send(context.Background(), TxRequest{GasLimit: uint64(i)})
			assert.NoError(t, err)
		}()
	}

	start(0)
	require.Equal(t, 0, <-probe.order)
	for i := 1; i <= 4; i++ {
		start(i)
		require.Eventually(t, func() bool { return s.State().Waiting == i }, time.Second, time.Millisecond)
		// let the waiter park inside the semaphore queue
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	wg.Wait()
	for want := 1; want <= 4; want++ {
		assert.Equal(t, want, <-probe.order)
	}
}

type blockingSender struct {
	inner   Sender
	release chan struct{}
	first   atomic.Bool
}

func (b *blockingSender) Send(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	tx, err := b.inner.Send(ctx, req)
	if b.first.CompareAndSwap(false, true) {
		<-b.release
	}
	return tx, err
}

func TestSerializer_ContextCancelledWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := NewSerializer(&blockingSender{inner: &probeSender{}, release: release}, 1, "test")

	go func() { _, _ = s.Send(context.Background(), TxRequest{}) }()
	require.Eventually(t, func() bool { return s.State().Pending == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Send(ctx, TxRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.State().Waiting)
}

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestAccountSender_AssignsSequentialNonces(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	signer, err := evm.NewSigner(testKey)
	require.NoError(t, err)

	client.EXPECT().PendingNonceAt(gomock.Any(), signer.Address()).Return(uint64(7), nil).Times(1)
	var nonces []uint64
	client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, tx *types.Transaction) error {
			nonces = append(nonces, tx.Nonce())
			return nil
		}).Times(3)

	sender := NewAccountSender(client, signer, big.NewInt(56), "bsc", slog.Default())
	req := TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21000, GasPrice: big.NewInt(1)}
	for i := 0; i < 3; i++ {
		_, err := sender.Send(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{7, 8, 9}, nonces)
}

func TestAccountSender_ResetsNonceAfterFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	signer, err := evm.NewSigner(testKey)
	require.NoError(t, err)

	gomock.InOrder(
		client.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(3), nil),
		client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(errors.New("nonce too low")),
		client.EXPECT().PendingNonceAt(gomock.Any(), gomock.Any()).Return(uint64(4), nil),
		client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return(nil),
	)

	sender := NewAccountSender(client, signer, big.NewInt(56), "bsc", slog.Default())
	req := TxRequest{To: common.HexToAddress("0x01"), GasLimit: 21000, GasPrice: big.NewInt(1)}

	_, err = sender.Send(context.Background(), req)
	require.Error(t, err)

	tx, err := sender.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), tx.Nonce())
}
