package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeRetention(t *testing.T, conn *fakeConn) *ReportRetention {
	t.Helper()
	name := fmt.Sprintf("fake-retention-%d", fakeDriverSeq.Add(1))
	sql.Register(name, &fakeDriver{conn: conn})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewReportRetention(&DB{db})
}

func TestReportRetention_Prune(t *testing.T) {
	conn := &fakeConn{}
	n, err := newFakeRetention(t, conn).Prune(context.Background(), 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.Len(t, conn.execs, 1)
	assert.Contains(t, conn.execs[0].query, "DELETE FROM harvest_runs")
	assert.Equal(t, int64(90), conn.execs[0].args[0])
}

func TestReportRetention_RejectsNonPositiveWindow(t *testing.T) {
	conn := &fakeConn{}
	r := newFakeRetention(t, conn)
	for _, days := range []int{0, -1} {
		_, err := r.Prune(context.Background(), days)
		assert.ErrorContains(t, err, "must be positive")
	}
	assert.Empty(t, conn.execs)
}

func TestReportRetention_PropagatesExecError(t *testing.T) {
	conn := &fakeConn{execErr: func(string) error { return errors.New("lock timeout") }}
	_, err := newFakeRetention(t, conn).Prune(context.Background(), 30)
	assert.ErrorContains(t, err, "prune harvest runs: lock timeout")
}
