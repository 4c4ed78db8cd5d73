package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hydrocam/collector/internal/catalog"
	"github.com/hydrocam/collector/internal/config"
	"github.com/hydrocam/collector/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "collector",
		Short:         "Replicate captured artifacts to object storage and reclaim local disk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "collector.yaml", "Path to the configuration file")

	cmd.AddCommand(newRunCommand(&configPath))
	cmd.AddCommand(newBackfillCommand(&configPath))
	cmd.AddCommand(newSweepCommand(&configPath))
	cmd.AddCommand(newInspectCommand(&configPath))
	cmd.AddCommand(newStatsCommand(&configPath))
	return cmd
}

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collection, replication and retention loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			prom, err := metrics.NewProm("collector", reg)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), *configPath, appOptions{stderr: cmd.ErrOrStderr(), metrics: prom})
			if err != nil {
				return err
			}
			defer a.Close()

			driver, err := a.driver()
			if err != nil {
				return err
			}

			eg, ctx := errgroup.WithContext(cmd.Context())

			if addr := a.cfg.Metrics.Addr; addr != "" {
				server := &http.Server{
					Addr:              addr,
					Handler:           metrics.NewMux(a.logger.With("component", "http"), metrics.Handler(reg)),
					ReadHeaderTimeout: 20 * time.Second,
					ReadTimeout:       20 * time.Second,
					WriteTimeout:      20 * time.Second,
				}

				eg.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				})
				eg.Go(func() error {
					a.logger.Info("starting metrics server", "addr", addr)
					if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}

			eg.Go(func() error {
				a.logger.Info("collector started", "interval", a.cfg.Interval, "backends", len(a.targets))
				err := driver.Run(ctx)
				a.logger.Info("collector stopping")
				return err
			})

			return eg.Wait()
		},
	}
}

func newBackfillCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Resubmit every artifact whose replication is incomplete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, appOptions{stderr: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			defer a.Close()

			reports, err := a.backfill.Run(cmd.Context(), a.targets)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BACKEND\tPENDING\tVERIFIED\tFAILED\tSKIPPED\tERRORS")
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", r.Backend, r.Pending, r.Verified, r.Failed, r.Skipped, r.Errors)
			}
			if ferr := w.Flush(); ferr != nil {
				return ferr
			}
			return err
		},
	}
}

func newSweepCommand(configPath *string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete local copies that are old enough and verified on every required backend",
		Long: "Runs one retention sweep immediately, ignoring the daily window. " +
			"With --dry-run the candidates are listed and nothing is deleted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, appOptions{stderr: cmd.ErrOrStderr(), offline: true})
			if err != nil {
				return err
			}
			defer a.Close()

			sweeper, err := a.sweeper(dryRun)
			if err != nil {
				return err
			}
			report, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cutoff:         %s\n", report.Cutoff.Format(time.RFC3339))
			fmt.Fprintf(out, "candidates:     %d\n", report.Candidates)
			if report.DryRun {
				for _, name := range report.Would {
					fmt.Fprintf(out, "would delete:   %s\n", name)
				}
				return nil
			}
			fmt.Fprintf(out, "deleted:        %d\n", report.Deleted)
			fmt.Fprintf(out, "already absent: %d\n", report.AlreadyAbsent)
			fmt.Fprintf(out, "skipped:        %d\n", report.Skipped)
			fmt.Fprintf(out, "errors:         %d\n", report.Errors)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List what would be deleted without deleting")
	return cmd
}

func newInspectCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <filename>",
		Short: "Show the catalog record of one artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, appOptions{stderr: cmd.ErrOrStderr(), offline: true})
			if err != nil {
				return err
			}
			defer a.Close()

			rec, err := a.catalog.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec, a.cfg.Backends)
		},
	}
}

func printRecord(out io.Writer, rec catalog.Record, configured []config.Backend) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "filename:\t%s\n", rec.Filename)
	fmt.Fprintf(w, "kind:\t%s\n", rec.Kind)
	if rec.CapturedAt.IsZero() {
		fmt.Fprintf(w, "captured:\t-\n")
	} else {
		fmt.Fprintf(w, "captured:\t%s\n", rec.CapturedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "local:\t%t %s\n", rec.LocalPresent, rec.LocalPath)
	fmt.Fprintln(w)

	names := make([]string, 0, len(rec.Replicas)+len(configured))
	seen := make(map[string]bool)
	for _, b := range configured {
		if !seen[b.Name] {
			seen[b.Name] = true
			names = append(names, b.Name)
		}
	}
	for name := range rec.Replicas {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	fmt.Fprintln(w, "BACKEND\tSTATUS\tINTEGRITY\tATTEMPTS\tLOCATION\tLAST ERROR")
	for _, name := range names {
		r := rec.Replica(name)
		location := "-"
		if r.Container != "" {
			location = r.Container + "/" + r.DestinationKey
		}
		lastErr := r.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\t%s\n", name, r.Status, r.IntegrityOK, r.Attempts, location, lastErr)
	}
	return w.Flush()
}

func newStatsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count artifacts by replication state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath, appOptions{stderr: cmd.ErrOrStderr(), offline: true})
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.catalog.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), summary)
		},
	}
}

func printSummary(out io.Writer, s catalog.Summary) error {
	statuses := []catalog.Status{
		catalog.StatusVerified,
		catalog.StatusUploadedUnverified,
		catalog.StatusFailed,
		catalog.StatusNotAttempted,
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "artifacts:\t%d\n", s.Artifacts)
	fmt.Fprintf(w, "local:\t%d\n", s.LocalPresent)
	fmt.Fprintln(w)

	header := []string{"BACKEND"}
	for _, st := range statuses {
		header = append(header, strings.ToUpper(string(st)))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))

	backends := make([]string, 0, len(s.Replicas))
	for b := range s.Replicas {
		backends = append(backends, b)
	}
	sort.Strings(backends)
	for _, b := range backends {
		row := []string{b}
		for _, st := range statuses {
			row = append(row, fmt.Sprint(s.Replicas[b][st]))
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}
