package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline/report"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fake driver (per-test isolation)
// ---------------------------------------------------------------------------

var fakeDriverSeq atomic.Int64

type execCall struct {
	query string
	args  []driver.Value
}

type fakeConn struct {
	mu        sync.Mutex
	execs     []execCall
	execErr   func(query string) error
	rows      [][]driver.Value
	committed int
}

type fakeDriver struct{ conn *fakeConn }

func (d *fakeDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return &fakeTx{conn: c}, nil }

type fakeTx struct{ conn *fakeConn }

func (tx *fakeTx) Commit() error {
	tx.conn.mu.Lock()
	tx.conn.committed++
	tx.conn.mu.Unlock()
	return nil
}
func (tx *fakeTx) Rollback() error { return nil }

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }

func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if s.conn.execErr != nil {
		if err := s.conn.execErr(s.query); err != nil {
			return nil, err
		}
	}
	s.conn.execs = append(s.conn.execs, execCall{query: s.query, args: args})
	return driver.RowsAffected(1), nil
}

func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	return &fakeRows{rows: s.conn.rows}, nil
}

type fakeRows struct {
	rows [][]driver.Value
	i    int
}

func (r *fakeRows) Columns() []string { return []string{"vault_id", "max"} }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.i >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.i])
	r.i++
	return nil
}

func newFakeRepo(t *testing.T, conn *fakeConn) *HarvestRepo {
	t.Helper()
	name := fmt.Sprintf("fake-harvest-%d", fakeDriverSeq.Add(1))
	sql.Register(name, &fakeDriver{conn: conn})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewHarvestRepo(&DB{db})
}

func sampleReport() *report.HarvestReport {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := report.New("bsc", start)
	r.BalanceBefore = big.NewInt(1_000)

	harvested := r.AddItem(model.Vault{ID: "cake-bnb", StrategyAddress: common.HexToAddress("0x02")})
	harvested.Decision = model.StageOK(model.ProceedHarvest(model.DecisionEvidence{}))
	harvested.Confirmation = model.StageOK(model.Confirmation{TxHash: common.Hash{0xaa}, ConfirmedAt: start.Add(time.Minute)})
	harvested.Succeed(big.NewInt(400))

	skipped := r.AddItem(model.Vault{ID: "cake-busd"})
	skipped.Decision = model.StageOK(model.SkipHarvest(model.SkipReasonRewardTooLow))

	r.Finalize(start.Add(2*time.Minute), big.NewInt(1_400), report.DefaultDivergencePercent, nil)
	return r
}

func TestHarvestRepo_SaveReport(t *testing.T) {
	conn := &fakeConn{}
	repo := newFakeRepo(t, conn)
	rep := sampleReport()

	require.NoError(t, repo.SaveReport(context.Background(), rep))

	require.Len(t, conn.execs, 3)
	assert.Equal(t, 1, conn.committed)

	run := conn.execs[0]
	assert.Contains(t, run.query, "INSERT INTO harvest_runs")
	assert.Equal(t, rep.RunID.String(), run.args[0])
	assert.Equal(t, "bsc", run.args[1])
	assert.Equal(t, "1000", run.args[5])
	assert.Equal(t, "1400", run.args[6])
	assert.Equal(t, "400", run.args[7])
	assert.Nil(t, run.args[14], "no run error")
	assert.Contains(t, run.args[15], `"runId"`)

	first := conn.execs[1]
	assert.Contains(t, first.query, "INSERT INTO harvest_items")
	assert.Equal(t, "cake-bnb", first.args[1])
	assert.Equal(t, true, first.args[4])
	assert.Nil(t, first.args[6], "no skip reason")
	assert.Equal(t, "400", first.args[8])
	assert.Equal(t, common.Hash{0xaa}.Hex(), first.args[9])
	assert.Equal(t, time.Date(2024, 5, 1, 12, 1, 0, 0, time.UTC), first.args[10])

	second := conn.execs[2]
	assert.Equal(t, "cake-busd", second.args[1])
	assert.Equal(t, string(model.SkipReasonRewardTooLow), second.args[6])
	assert.Nil(t, second.args[10])
}

func TestHarvestRepo_SaveReportItemFailureRollsBack(t *testing.T) {
	conn := &fakeConn{execErr: func(q string) error {
		if strings.Contains(q, "harvest_items") {
			return errors.New("disk full")
		}
		return nil
	}}
	repo := newFakeRepo(t, conn)

	err := repo.SaveReport(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert harvest item cake-bnb")
	assert.Equal(t, 0, conn.committed)
}

func TestHarvestRepo_LastHarvests(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := &fakeConn{rows: [][]driver.Value{
		{"cake-bnb", at},
		{"cake-busd", at.Add(-time.Hour)},
	}}
	repo := newFakeRepo(t, conn)

	got, err := repo.LastHarvests(context.Background(), "bsc")
	require.NoError(t, err)
	assert.Equal(t, map[string]time.Time{
		"cake-bnb":  at,
		"cake-busd": at.Add(-time.Hour),
	}, got)
}
