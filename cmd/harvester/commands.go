package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/emperorhan/vault-harvester/internal/alert"
	"github.com/emperorhan/vault-harvester/internal/config"
	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/emperorhan/vault-harvester/internal/pipeline"
	"github.com/emperorhan/vault-harvester/internal/reconciliation"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newHarvestCmd() *cobra.Command {
	var (
		chains    []string
		contract  string
		nowUnix   int64
		dryRun    bool
		reportDir string
	)
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run one harvest pass over the selected chains",
		RunE: func(*cobra.Command, []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(logger)
			defer cancel()

			target, err := parseContract(contract)
			if err != nil {
				return err
			}
			if !dryRun {
				if err := cfg.RequireKeeper(); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			selected, err := a.table.Select(chains)
			if err != nil {
				return err
			}
			results, err := a.harvest(ctx, selected, harvestOptions{
				dryRun:   dryRun,
				now:      parseNow(nowUnix),
				contract: target,
			})
			if err != nil {
				return err
			}
			logResults(logger, results)
			if reportDir != "" {
				if err := writeReports(reportDir, results); err != nil {
					return err
				}
			}
			if failed := pipeline.Failed(results); failed > 0 {
				return fmt.Errorf("%d of %d chains failed", failed, len(results))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&chains, "chain", []string{config.AllChains}, "chains to harvest, or \"all\"")
	cmd.Flags().StringVar(&contract, "contract", "", "only harvest the vault or strategy at this address")
	cmd.Flags().Int64Var(&nowUnix, "now", 0, "unix time to evaluate harvest intervals at")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate and decide without submitting transactions")
	cmd.Flags().StringVar(&reportDir, "report-dir", "", "write each chain's report as JSON into this directory")
	return cmd
}

func newSyncTasksCmd() *cobra.Command {
	var chains []string
	cmd := &cobra.Command{
		Use:   "sync-tasks",
		Short: "Reconcile automation tasks with the vaults harvested on chain",
		RunE: func(*cobra.Command, []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if err := cfg.RequireKeeper(); err != nil {
				return err
			}
			ctx, cancel := signalContext(logger)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			selected, err := a.table.Select(chains)
			if err != nil {
				return err
			}
			targets, setupErr := a.syncTargets(ctx, selected)
			if setupErr != nil {
				logger.Error("some chains could not be prepared", "error", setupErr)
			}
			results, err := reconciliation.NewService(a.alerter, logger).SyncAll(ctx, targets)
			for _, r := range results {
				if r == nil {
					continue
				}
				logger.Info("task sync result",
					"chain", r.Chain,
					"created", len(r.Created),
					"deleted", len(r.Deleted),
					"failures", len(r.Failures),
					"deletes_skipped", r.DeletesSkipped,
				)
			}
			if setupErr != nil || err != nil {
				return fmt.Errorf("task sync incomplete")
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&chains, "chain", []string{config.AllChains}, "chains to reconcile, or \"all\"")
	return cmd
}

func newServeCmd() *cobra.Command {
	var chains []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Harvest and reconcile periodically, exposing health and metrics",
		RunE: func(*cobra.Command, []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			if err := cfg.RequireKeeper(); err != nil {
				return err
			}
			ctx, cancel := signalContext(logger)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			selected, err := a.table.Select(chains)
			if err != nil {
				return err
			}

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return runHealthServer(gCtx, cfg.Server.HealthPort, a.health, logger)
			})
			g.Go(func() error {
				return a.runPeriodicHarvest(gCtx, selected)
			})
			g.Go(func() error {
				return reconciliation.NewService(a.alerter, logger).RunPeriodic(gCtx, cfg.Gelato.SyncInterval,
					func(ctx context.Context) ([]reconciliation.Target, error) {
						targets, err := a.syncTargets(ctx, selected)
						if err != nil {
							logger.Warn("some chains could not be prepared for task sync", "error", err)
						}
						return targets, nil
					})
			})

			if err := g.Wait(); err != nil && err != context.Canceled {
				logger.Error("harvester exited with error", "error", err)
				return err
			}
			logger.Info("harvester shut down gracefully")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&chains, "chain", []string{config.AllChains}, "chains to serve, or \"all\"")
	return cmd
}

// runPeriodicHarvest harvests immediately and then on every interval tick
// until the context is cancelled.
func (a *app) runPeriodicHarvest(ctx context.Context, chains []model.Chain) error {
	interval := a.cfg.Harvest.Interval
	a.logger.Info("periodic harvest started", "interval", interval, "chains", len(chains))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		results, err := a.harvest(ctx, chains, harvestOptions{now: time.Now})
		if err != nil {
			a.logger.Error("harvest pass could not start", "error", err)
			_ = a.alerter.Send(context.WithoutCancel(ctx), alert.Alert{
				Type:    alert.AlertTypeRunFailed,
				Title:   "Harvest pass could not start",
				Message: err.Error(),
			})
		} else {
			logResults(a.logger, results)
		}
		a.pruneReports(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("periodic harvest stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func logResults(logger *slog.Logger, results []pipeline.ChainResult) {
	for _, r := range results {
		attrs := []any{"chain", r.Chain, "duration", r.Duration}
		if r.Report != nil {
			attrs = append(attrs,
				"strategies", r.Report.Summary.TotalStrategies,
				"harvested", r.Report.Summary.Harvested,
				"skipped", r.Report.Summary.Skipped,
				"errors", r.Report.Summary.Errors,
			)
		}
		if r.Err != nil {
			logger.Error("chain harvest failed", append(attrs, "error", r.Err)...)
			continue
		}
		logger.Info("chain harvest finished", attrs...)
	}
}

func writeReports(dir string, results []pipeline.ChainResult) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	for _, r := range results {
		if r.Report == nil {
			continue
		}
		data, err := r.Report.Encode()
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, r.Report.FileName()), data, 0o644); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}
	return nil
}
