package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/emperorhan/vault-harvester/internal/alert"
	"github.com/emperorhan/vault-harvester/internal/chain/gelato"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/metrics"
	"github.com/emperorhan/vault-harvester/internal/vaults"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds parallel registry calls within one batch.
const DefaultConcurrency = 4

// Registry is the automation registry of one chain.
type Registry interface {
	TaskIDsByUser(ctx context.Context) ([]gelato.TaskID, error)
	ComputeTaskID(ctx context.Context, vault common.Address) (gelato.TaskID, error)
	CreateTask(ctx context.Context, vault common.Address) (gelato.TaskID, error)
	CancelTask(ctx context.Context, id gelato.TaskID) error
	RenameTask(ctx context.Context, id gelato.TaskID, name string) error
}

// Target is one chain to reconcile together with all of its live vaults.
type Target struct {
	Chain    model.Chain
	Registry Registry
	Vaults   []model.Vault
}

// Op names a registry write.
type Op string

const (
	OpCompute Op = "compute"
	OpCreate  Op = "create"
	OpRename  Op = "rename"
	OpDelete  Op = "delete"
)

// Failure is one registry operation that did not go through.
type Failure struct {
	Op     Op     `json:"op"`
	Vault  string `json:"vault,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error"`
}

// RunResult summarizes one reconciliation of one chain.
type RunResult struct {
	Chain          string    `json:"chain"`
	Registered     int       `json:"registered"`
	Desired        int       `json:"desired"`
	Created        []string  `json:"created"`
	Deleted        []string  `json:"deleted"`
	Failures       []Failure `json:"failures,omitempty"`
	DeletesSkipped bool      `json:"deletes_skipped,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Writes is the number of successful registry writes.
func (r *RunResult) Writes() int {
	return len(r.Created) + len(r.Deleted)
}

// Service keeps each chain's automation task set equal to its
// network-managed vault set.
type Service struct {
	alerter     alert.Alerter
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(alerter alert.Alerter, logger *slog.Logger) *Service {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Service{
		alerter:     alerter,
		concurrency: DefaultConcurrency,
		logger:      logger.With("component", "task_reconciler"),
		now:         time.Now,
	}
}

type desiredTask struct {
	vault model.Vault
	id    gelato.TaskID
}

// SyncVaultHarvesterTasks creates a task for every network-managed vault
// missing one and cancels every registered task no such vault maps to.
// Individual operations fail independently; only a failure to list the
// registered tasks is returned as an error.
func (s *Service) SyncVaultHarvesterTasks(ctx context.Context, t Target) (*RunResult, error) {
	chainLabel := t.Chain.ID.String()
	logger := s.logger.With("chain", chainLabel)
	result := &RunResult{Chain: chainLabel, StartedAt: s.now()}
	metrics.ReconciliationRunsTotal.WithLabelValues(chainLabel).Inc()

	if !t.Chain.SupportsOnChainHarvesting() {
		return nil, fmt.Errorf("chain %s has no automation network", chainLabel)
	}

	ids, err := t.Registry.TaskIDsByUser(ctx)
	if err != nil {
		metrics.ReconciliationErrorsTotal.WithLabelValues(chainLabel).Inc()
		return nil, fmt.Errorf("list registered tasks: %w", err)
	}
	registered := mapset.NewThreadUnsafeSet(ids...)
	result.Registered = registered.Cardinality()

	_, network := vaults.Partition(t.Chain, t.Vaults)
	result.Desired = len(network)

	desired, computeFailures := s.computeAll(ctx, t.Registry, network)
	result.Failures = append(result.Failures, computeFailures...)

	seen := mapset.NewThreadUnsafeSet[gelato.TaskID]()
	var toCreate []model.Vault
	for _, d := range desired {
		if registered.Contains(d.id) {
			seen.Add(d.id)
			continue
		}
		toCreate = append(toCreate, d.vault)
	}

	var toDelete []gelato.TaskID
	if len(computeFailures) > 0 {
		// An uncomputed id could be any registered task.
		result.DeletesSkipped = true
		logger.Warn("task deletion skipped, some task ids could not be computed", "failed", len(computeFailures))
	} else {
		toDelete = registered.Difference(seen).ToSlice()
		slices.SortFunc(toDelete, func(a, b gelato.TaskID) int { return strings.Compare(a.Hex(), b.Hex()) })
	}

	created, createFailures := s.createAll(ctx, t.Registry, toCreate, logger)
	result.Created = created
	result.Failures = append(result.Failures, createFailures...)

	deleted, deleteFailures := s.deleteAll(ctx, t.Registry, toDelete)
	result.Deleted = deleted
	result.Failures = append(result.Failures, deleteFailures...)

	result.FinishedAt = s.now()
	s.record(ctx, result, logger)
	return result, nil
}

// settle runs fn for every index with bounded parallelism and waits for all
// of them, whatever their outcome.
func (s *Service) settle(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) computeAll(ctx context.Context, reg Registry, network []model.Vault) ([]desiredTask, []Failure) {
	ids := make([]gelato.TaskID, len(network))
	errs := make([]error, len(network))
	s.settle(ctx, len(network), func(ctx context.Context, i int) {
		ids[i], errs[i] = reg.ComputeTaskID(ctx, network[i].VaultAddress)
	})

	var (
		desired  []desiredTask
		failures []Failure
	)
	for i, v := range network {
		if errs[i] != nil {
			failures = append(failures, Failure{Op: OpCompute, Vault: v.ID, Error: errs[i].Error()})
			continue
		}
		desired = append(desired, desiredTask{vault: v, id: ids[i]})
	}
	return desired, failures
}

func (s *Service) createAll(ctx context.Context, reg Registry, toCreate []model.Vault, logger *slog.Logger) ([]string, []Failure) {
	var (
		mu       sync.Mutex
		created  []string
		failures []Failure
	)
	s.settle(ctx, len(toCreate), func(ctx context.Context, i int) {
		v := toCreate[i]
		id, err := reg.CreateTask(ctx, v.VaultAddress)
		if err != nil {
			mu.Lock()
			failures = append(failures, Failure{Op: OpCreate, Vault: v.ID, Error: err.Error()})
			mu.Unlock()
			return
		}
		logger.Info("task created", "vault", v.ID, "task_id", id.Hex())
		renameErr := reg.RenameTask(ctx, id, v.ID)

		mu.Lock()
		defer mu.Unlock()
		created = append(created, v.ID)
		if renameErr != nil {
			failures = append(failures, Failure{Op: OpRename, Vault: v.ID, TaskID: id.Hex(), Error: renameErr.Error()})
		}
	})
	slices.Sort(created)
	slices.SortFunc(failures, func(a, b Failure) int { return strings.Compare(a.Vault, b.Vault) })
	return created, failures
}

func (s *Service) deleteAll(ctx context.Context, reg Registry, toDelete []gelato.TaskID) ([]string, []Failure) {
	errs := make([]error, len(toDelete))
	s.settle(ctx, len(toDelete), func(ctx context.Context, i int) {
		errs[i] = reg.CancelTask(ctx, toDelete[i])
	})

	var (
		deleted  []string
		failures []Failure
	)
	for i, id := range toDelete {
		if errs[i] != nil {
			failures = append(failures, Failure{Op: OpDelete, TaskID: id.Hex(), Error: errs[i].Error()})
			continue
		}
		deleted = append(deleted, id.Hex())
	}
	return deleted, failures
}

func (s *Service) record(ctx context.Context, result *RunResult, logger *slog.Logger) {
	chainLabel := result.Chain
	failed := map[Op]int{}
	for _, f := range result.Failures {
		failed[f.Op]++
	}
	metrics.ReconciliationTasksCreated.WithLabelValues(chainLabel, "success").Add(float64(len(result.Created)))
	metrics.ReconciliationTasksCreated.WithLabelValues(chainLabel, "error").Add(float64(failed[OpCreate]))
	metrics.ReconciliationTasksDeleted.WithLabelValues(chainLabel, "success").Add(float64(len(result.Deleted)))
	metrics.ReconciliationTasksDeleted.WithLabelValues(chainLabel, "error").Add(float64(failed[OpDelete]))
	if len(result.Failures) > 0 {
		metrics.ReconciliationErrorsTotal.WithLabelValues(chainLabel).Add(float64(len(result.Failures)))
	}

	logger.Info("task reconciliation completed",
		"registered", result.Registered,
		"desired", result.Desired,
		"created", len(result.Created),
		"deleted", len(result.Deleted),
		"failures", len(result.Failures),
		"deletes_skipped", result.DeletesSkipped,
	)

	if len(result.Failures) == 0 {
		return
	}
	first := result.Failures[0]
	if err := s.alerter.Send(ctx, alert.Alert{
		Type:    alert.AlertTypeReconcileErr,
		Chain:   chainLabel,
		Title:   "Automation task sync incomplete",
		Message: fmt.Sprintf("%d registry operation(s) failed", len(result.Failures)),
		Fields: map[string]string{
			"created":     fmt.Sprintf("%d", len(result.Created)),
			"deleted":     fmt.Sprintf("%d", len(result.Deleted)),
			"compute":     fmt.Sprintf("%d", failed[OpCompute]),
			"create":      fmt.Sprintf("%d", failed[OpCreate]),
			"rename":      fmt.Sprintf("%d", failed[OpRename]),
			"delete":      fmt.Sprintf("%d", failed[OpDelete]),
			"first_error": fmt.Sprintf("%s %s%s: %s", first.Op, first.Vault, first.TaskID, first.Error),
		},
	}); err != nil {
		logger.Warn("reconciliation alert failed", "error", err)
	}
}

// SyncAll reconciles every target in parallel. Results keep target order;
// a chain whose sync could not start has a nil result and a non-nil error.
func (s *Service) SyncAll(ctx context.Context, targets []Target) ([]*RunResult, error) {
	results := make([]*RunResult, len(targets))
	errs := make([]error, len(targets))
	var g errgroup.Group
	for i, t := range targets {
		g.Go(func() error {
			results[i], errs[i] = s.SyncVaultHarvesterTasks(ctx, t)
			if errs[i] != nil {
				errs[i] = fmt.Errorf("%s: %w", t.Chain.ID, errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// RunPeriodic reconciles the targets returned by load at the given interval.
// It blocks until the context is cancelled.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration, load func(ctx context.Context) ([]Target, error)) error {
	if interval <= 0 {
		interval = time.Hour
	}

	s.logger.Info("periodic task reconciliation started", "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic task reconciliation stopping")
			return ctx.Err()
		case <-ticker.C:
			targets, err := load(ctx)
			if err != nil {
				s.logger.Warn("load reconciliation targets failed", "error", err)
				continue
			}
			if _, err := s.SyncAll(ctx, targets); err != nil {
				s.logger.Warn("periodic task reconciliation failed", "error", err)
			}
		}
	}
}
