package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a workload manifest and print the decisions taken",
	Long: `Register the manifest's resources, submit its workloads and run the
scheduling and monitoring cycles in the foreground, replaying the scripted
metrics samples and instance failures. Snapshots are kept in memory.

Examples:
  burrow simulate -f manifest.yaml
  burrow simulate -f manifest.yaml --strategy fixed_quota`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("file")
		m, err := LoadManifest(path)
		if err != nil {
			return err
		}
		return simulate(cmd.Context(), cfg, m, cmd.OutOrStdout())
	},
}

func init() {
	simulateCmd.Flags().StringP("file", "f", "", "Manifest to simulate (required)")
	_ = simulateCmd.MarkFlagRequired("file")
}

// simulate drives a manager through the manifest. Each cycle applies the
// scripted samples, fails the scripted instances and waits for their
// workloads to be recovered, then schedules and reconciles once.
func simulate(ctx context.Context, cfg *config.Config, m *Manifest, out io.Writer) error {
	cfg.Storage.Driver = config.StorageMemory

	source := newScriptedSource(m.Metrics)
	mgr, err := manager.NewManager(cfg, manager.Options{Source: source})
	if err != nil {
		return err
	}
	defer mgr.Stop()
	mgr.Broker().Start()

	for _, r := range m.Resources {
		if err := mgr.RegisterResource(ctx, r.Instance(), r.Config); err != nil {
			return fmt.Errorf("failed to register %s: %w", r.ID, err)
		}
	}
	for _, spec := range m.Workloads {
		if _, err := mgr.Submit(ctx, spec); err != nil {
			return fmt.Errorf("failed to submit %s: %w", spec.ID, err)
		}
	}

	fmt.Fprintf(out, "Strategy: %s\n", cfg.Strategy)
	fmt.Fprintf(out, "Resources: %d, workloads: %d\n\n", len(m.Resources), len(m.Workloads))

	res := mgr.ScheduleOnce(ctx)
	fmt.Fprintln(out, "Initial placement")
	printPass(out, mgr, res)

	scaled := make(map[string]int)
	for cycle := 1; cycle <= m.cycles(); cycle++ {
		fmt.Fprintf(out, "\nCycle %d\n", cycle)
		source.advance(cycle)

		for _, f := range m.Failures {
			if f.Cycle != cycle {
				continue
			}
			if err := failResource(ctx, mgr, f.Resource, out); err != nil {
				return err
			}
		}

		printPass(out, mgr, mgr.ScheduleOnce(ctx))
		if err := mgr.Reconcile(ctx); err != nil {
			return err
		}

		for _, w := range mgr.Workloads() {
			events := mgr.ScalingEvents(w.ID)
			for _, e := range events[scaled[w.ID]:] {
				outcome := "applied"
				if !e.Success {
					outcome = "rejected: " + e.Reason
				}
				fmt.Fprintf(out, "  scaled %s %s cpu %.2f -> %.2f, memory %.0f -> %.0f (%s)\n",
					w.ID, e.Direction, e.OldLimits.CPU, e.NewLimits.CPU, e.OldLimits.Memory, e.NewLimits.Memory, outcome)
			}
			scaled[w.ID] = len(events)
		}
	}

	fmt.Fprintln(out, "\nFinal state")
	return printWorkloads(out, mgr)
}

func (m *Manifest) cycles() int {
	n := m.Cycles
	for _, s := range m.Metrics {
		n = max(n, s.Cycle)
	}
	for _, f := range m.Failures {
		n = max(n, f.Cycle)
	}
	return n
}

// failResource removes an instance, orphaning its workloads, and waits until
// every orphan has been through recovery
func failResource(ctx context.Context, mgr *manager.Manager, id string, out io.Writer) error {
	orphaned, err := mgr.DeregisterResource(ctx, id, true)
	if err != nil {
		return fmt.Errorf("failed to fail %s: %w", id, err)
	}
	fmt.Fprintf(out, "  resource %s failed, %d workloads orphaned\n", id, len(orphaned))

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for _, wid := range orphaned {
		for mgr.RecoveryInFlight(wid) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}

	results := mgr.RecoveryResults()
	for _, wid := range orphaned {
		for i := len(results) - 1; i >= 0; i-- {
			r := results[i]
			if r.WorkloadID != wid || r.ResourceID != id {
				continue
			}
			if r.Success {
				fmt.Fprintf(out, "  recovered %s on %s (attempts=%d, failover=%t)\n",
					wid, r.NewResource, r.Attempts, r.FailedOver)
			} else {
				fmt.Fprintf(out, "  recovery of %s failed: %s\n", wid, r.FailureType)
			}
			break
		}
	}
	return nil
}

func printPass(out io.Writer, mgr *manager.Manager, res scheduler.PassResult) {
	for _, id := range res.Scheduled {
		if rec, ok := mgr.Allocation(id); ok {
			fmt.Fprintf(out, "  scheduled %s on %s (cpu=%.2f, memory=%.0f)\n",
				id, rec.ResourceID, rec.Amount.CPU, rec.Amount.Memory)
		}
	}
	for _, id := range res.Requeued {
		fmt.Fprintf(out, "  requeued %s\n", id)
	}
	for _, id := range res.Failed {
		fmt.Fprintf(out, "  failed %s\n", id)
	}
}

func printWorkloads(out io.Writer, mgr *manager.Manager) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "WORKLOAD\tSTATUS\tRESOURCE\tCPU\tMEMORY\tRETRIES")
	for _, w := range mgr.Workloads() {
		resource := w.ResourceID
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.0f\t%d\n",
			w.ID, w.Status, resource, w.Limits.CPU, w.Limits.Memory, w.RetryCount)
	}
	return tw.Flush()
}
