package evm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/vault-harvester/internal/circuitbreaker"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func newRPCServer(t *testing.T, handler func(method string) (status int, result string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req rpcRequest
		require.NoError(t, json.Unmarshal(body, &req))

		status, result := handler(req.Method)
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialTest(t *testing.T, url string, cfg Config) *Client {
	t.Helper()
	eth, err := ethclient.DialContext(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(eth.Close)
	cfg.Chain = "bsc"
	return newClient(eth, cfg, slog.Default())
}

func TestClient_ChainIDAndGasPrice(t *testing.T) {
	srv := newRPCServer(t, func(method string) (int, string) {
		switch method {
		case "eth_chainId":
			return http.StatusOK, `"0x38"`
		case "eth_gasPrice":
			return http.StatusOK, `"0x3b9aca00"`
		}
		return http.StatusOK, `null`
	})
	c := dialTest(t, srv.URL, Config{})

	id, err := c.ChainID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(56), id.Int64())

	price, err := c.SuggestGasPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), price.Int64())
}

func TestClient_BreakerOpensOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := newRPCServer(t, func(string) (int, string) {
		calls.Add(1)
		return http.StatusServiceUnavailable, ""
	})
	c := dialTest(t, srv.URL, Config{BreakerFailures: 2, BreakerTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := c.ChainID(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, c.breaker.GetState())

	_, err := c.ChainID(context.Background())
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the endpoint")
}

func TestIsEndpointFailure(t *testing.T) {
	assert.False(t, isEndpointFailure(nil))
	assert.False(t, isEndpointFailure(errors.New("execution reverted")))
	assert.False(t, isEndpointFailure(ethereum.NotFound))
	assert.True(t, isEndpointFailure(errors.New("503 Service Unavailable")))
	assert.True(t, isEndpointFailure(errors.New("dial tcp: connection refused")))
}
