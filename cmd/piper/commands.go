package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/piper/piper/internal/app"
	"github.com/piper/piper/internal/config"
	"github.com/piper/piper/internal/doctor"
	"github.com/piper/piper/internal/ingest"
)

func newInitCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the data-root layout and migrate the warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				v, dirty, err := a.Store().Version(ctx)
				if err != nil {
					return err
				}
				cfg := a.Config()
				report := map[string]any{
					"warehouse":      cfg.WarehousePath(),
					"schema_version": v,
					"dirty":          dirty,
					"silver":         cfg.SilverDir(),
					"quarantine":     cfg.QuarantineDir(),
					"state":          cfg.StateDir(),
					"run_logs":       cfg.RunLogsDir(),
				}
				return printOutput(cmd.OutOrStdout(), opts.format(), report, []string{"key", "value"}, kv(
					"warehouse", cfg.WarehousePath(),
					"schema_version", v,
					"silver", cfg.SilverDir(),
					"quarantine", cfg.QuarantineDir(),
					"state", cfg.StateDir(),
					"run_logs", cfg.RunLogsDir(),
				))
			})
		},
	}
}

// ingestReport is the printable form of a run summary.
type ingestReport struct {
	DryRun          bool     `json:"dry_run" yaml:"dry_run"`
	FilesDiscovered int      `json:"files_discovered" yaml:"files_discovered"`
	FilesPending    int      `json:"files_pending" yaml:"files_pending"`
	FilesProcessed  int      `json:"files_processed" yaml:"files_processed"`
	FilesSkipped    int      `json:"files_skipped" yaml:"files_skipped"`
	FilesFailed     int      `json:"files_failed" yaml:"files_failed"`
	Lines           int      `json:"lines" yaml:"lines"`
	Accepted        int      `json:"accepted" yaml:"accepted"`
	Duplicate       int      `json:"duplicate" yaml:"duplicate"`
	Quarantined     int      `json:"quarantined" yaml:"quarantined"`
	UnknownTypes    int      `json:"unknown_event_types" yaml:"unknown_event_types"`
	DurationSeconds float64  `json:"duration_seconds" yaml:"duration_seconds"`
	Pending         []string `json:"pending,omitempty" yaml:"pending,omitempty"`
}

func printSummary(cmd *cobra.Command, opts *rootOptions, s *ingest.RunSummary) error {
	r := ingestReport{
		DryRun:          s.DryRun,
		FilesDiscovered: s.FilesDiscovered,
		FilesPending:    s.FilesPending,
		FilesProcessed:  s.FilesProcessed,
		FilesSkipped:    s.FilesSkipped,
		FilesFailed:     s.FilesFailed,
		Lines:           s.Total,
		Accepted:        s.Accepted,
		Duplicate:       s.Duplicate,
		Quarantined:     s.Quarantined,
		UnknownTypes:    s.UnknownTypes,
		DurationSeconds: s.Duration.Seconds(),
	}
	if s.DryRun {
		for _, f := range s.Pending {
			r.Pending = append(r.Pending, f.Path)
		}
	}

	rows := kv(
		"files_discovered", r.FilesDiscovered,
		"files_pending", r.FilesPending,
		"files_processed", r.FilesProcessed,
		"files_skipped", r.FilesSkipped,
		"files_failed", r.FilesFailed,
		"lines", r.Lines,
		"accepted", r.Accepted,
		"duplicate", r.Duplicate,
		"quarantined", r.Quarantined,
		"unknown_event_types", r.UnknownTypes,
	)
	for _, p := range r.Pending {
		rows = append(rows, []string{"pending", p})
	}
	return printOutput(cmd.OutOrStdout(), opts.format(), r, []string{"key", "value"}, rows)
}

func runIngest(cmd *cobra.Command, opts *rootOptions, runOpts ingest.RunOptions) error {
	return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
		summary, err := a.Ingest(ctx, runOpts)
		if summary != nil {
			if perr := printSummary(cmd, opts, summary); perr != nil && err == nil {
				err = perr
			}
		}
		return err
	})
}

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load new settled telemetry files into the warehouse",
		Long: `Discover settled files under the raw root, skip those the manifest already
records with the same size and mtime, and load the rest. Exits 2 when another
piper process holds the run lock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return fmt.Errorf("--limit must not be negative, got %d", limit)
			}
			return runIngest(cmd, opts, ingest.RunOptions{DryRun: dryRun, Limit: limit})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending files without reading or writing")
	cmd.Flags().IntVar(&limit, "limit", 0, "Process at most N files (0 = no limit)")

	return cmd
}

const dateLayout = "2006-01-02"

// backfillWindow converts inclusive YYYY-MM-DD dates into an mtime window.
func backfillWindow(start, end string) (time.Time, time.Time, error) {
	since, err := time.Parse(dateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --start %q: expected YYYY-MM-DD", start)
	}
	last, err := time.Parse(dateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --end %q: expected YYYY-MM-DD", end)
	}
	if last.Before(since) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end %s is before --start %s", end, start)
	}
	return since, last.Add(24*time.Hour - time.Nanosecond), nil
}

func newBackfillCmd(opts *rootOptions) *cobra.Command {
	var (
		start, end string
		force      bool
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Re-ingest files modified within a date range",
		Long: `Ingest files whose modification date (UTC) falls between --start and --end
inclusive. With --force, files already recorded in the manifest are read
again; event-id deduplication keeps the warehouse unchanged for lines that
were already loaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			since, until, err := backfillWindow(start, end)
			if err != nil {
				return err
			}
			return runIngest(cmd, opts, ingest.RunOptions{
				DryRun: dryRun,
				Force:  force,
				Since:  since,
				Until:  until,
			})
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "Inclusive start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "Inclusive end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&force, "force", false, "Re-read files already in the manifest")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List pending files without reading or writing")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")

	return cmd
}

func newMaterializeCmd(opts *rootOptions) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Rebuild the reporting views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				built, err := a.Materialize(ctx, model)
				if err != nil {
					return err
				}
				rows := make([][]string, len(built))
				for i, name := range built {
					rows[i] = []string{name}
				}
				return printOutput(cmd.OutOrStdout(), opts.format(),
					map[string]any{"views": built}, []string{"view"}, rows)
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Rebuild only this view")
	return cmd
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var check string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run warehouse health checks",
		Long: `Run freshness, volume, invalid_rate, clock_skew and unknown_event_types checks.
Exits 0 when every check passes, 1 on warnings and 2 on failures.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				results, err := a.Doctor(ctx, check)
				if err != nil {
					return err
				}
				rows := make([][]string, len(results))
				for i, r := range results {
					rows[i] = []string{r.Name, string(r.Status), r.Message, r.Hint}
				}
				if err := printOutput(cmd.OutOrStdout(), opts.format(), results,
					[]string{"check", "status", "message", "hint"}, rows); err != nil {
					return err
				}
				if code := doctor.ExitCode(results); code != 0 {
					return &exitError{code: code}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&check, "check", "", "Run only this check")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the warehouse to partitioned Parquet and publish it",
		Long: `Rebuild the silver tree as Hive-partitioned Parquet
(event_date=YYYY-MM-DD/event_type=<type>/) with a _piper_export.json sidecar,
then mirror it to the configured export destination (none, local or s3).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Export(ctx)
				if err != nil {
					return err
				}
				report := map[string]any{
					"export_id": res.ExportID,
					"dir":       res.Dir,
					"rows":      res.Rows,
					"files":     res.Files,
				}
				rows := kv("export_id", res.ExportID, "dir", res.Dir, "rows", res.Rows, "files", res.Files)
				if res.Published != nil {
					report["uploaded"] = len(res.Published.Uploaded)
					report["deleted"] = len(res.Published.Deleted)
					rows = append(rows, kv("uploaded", len(res.Published.Uploaded), "deleted", len(res.Published.Deleted))...)
				}
				return printOutput(cmd.OutOrStdout(), opts.format(), report, []string{"key", "value"}, rows)
			})
		},
	}
}

// manifestEntry is the printable form of a manifest record.
type manifestEntry struct {
	FilePath      string `json:"file_path" yaml:"file_path"`
	FileSize      int64  `json:"file_size" yaml:"file_size"`
	FileModTimeNs int64  `json:"file_mtime_ns" yaml:"file_mtime_ns"`
	Accepted      int    `json:"accepted_count" yaml:"accepted_count"`
	Rejected      int    `json:"rejected_count" yaml:"rejected_count"`
	RecordedAt    string `json:"recorded_at_utc" yaml:"recorded_at_utc"`
}

func newManifestCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the ingest manifest",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List processed files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				records, err := a.Manifest(ctx)
				if err != nil {
					return err
				}
				entries := make([]manifestEntry, len(records))
				rows := make([][]string, len(records))
				for i, r := range records {
					entries[i] = manifestEntry{
						FilePath:      r.FilePath,
						FileSize:      r.FileSize,
						FileModTimeNs: r.FileModTimeNs,
						Accepted:      r.AcceptedCount,
						Rejected:      r.RejectedCount,
						RecordedAt:    r.RecordedAt.UTC().Format(time.RFC3339),
					}
					rows[i] = []string{
						r.FilePath,
						strconv.FormatInt(r.FileSize, 10),
						strconv.Itoa(r.AcceptedCount),
						strconv.Itoa(r.RejectedCount),
						entries[i].RecordedAt,
					}
				}
				return printOutput(cmd.OutOrStdout(), opts.format(), entries,
					[]string{"file", "size", "accepted", "rejected", "recorded"}, rows)
			})
		},
	})
	return cmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			if cfg.File != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", cfg.File)
			}
			return printYAML(cmd.OutOrStdout(), cfg)
		},
	})
	return cmd
}
