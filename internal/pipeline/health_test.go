package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChainHealth_RecordSuccess(t *testing.T) {
	h := NewChainHealth("bsc")
	recovered := h.RecordRun(time.Second, nil)

	snap := h.Snapshot()
	assert.False(t, recovered)
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.NotNil(t, snap.LastSuccessAt)
}

func TestChainHealth_FailureThreshold(t *testing.T) {
	h := NewChainHealth("bsc")
	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		h.RecordRun(time.Second, errors.New("rpc down"))
		assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)
	}

	h.RecordRun(time.Second, errors.New("rpc down"))
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnhealthy), snap.Status)
	assert.Equal(t, "rpc down", snap.LastError)
}

func TestChainHealth_Recovery(t *testing.T) {
	h := NewChainHealth("polygon")
	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		h.RecordRun(time.Second, errors.New("boom"))
	}

	assert.True(t, h.RecordRun(time.Second, nil))
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Empty(t, snap.LastError)
}

func TestChainHealth_SlowRunsDegrade(t *testing.T) {
	h := NewChainHealth("arbitrum")
	for i := 0; i < latencyWindowSize; i++ {
		h.RecordRun(2*DefaultDegradedLatencyThreshold, nil)
	}
	assert.Equal(t, string(HealthStatusDegraded), h.Snapshot().Status)

	for i := 0; i < latencyWindowSize; i++ {
		h.RecordRun(time.Second, nil)
	}
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}

func TestHealthRegistry(t *testing.T) {
	r := NewHealthRegistry()
	assert.Same(t, r.For("bsc"), r.For("bsc"))

	r.For("polygon").RecordRun(time.Second, nil)
	r.For("bsc").RecordRun(time.Second, nil)
	snaps := r.Snapshots()
	assert.Equal(t, "bsc", snaps[0].Chain)
	assert.Equal(t, "polygon", snaps[1].Chain)
	assert.True(t, r.Healthy())

	for i := 0; i < DefaultUnhealthyThreshold; i++ {
		r.For("bsc").RecordRun(time.Second, errors.New("x"))
	}
	assert.False(t, r.Healthy())
}
