// Package main provides the piper CLI: it ingests pipeline telemetry JSONL
// into the SQLite warehouse and runs the maintenance commands around it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/piper/piper/internal/app"
	"github.com/piper/piper/internal/config"
	"github.com/piper/piper/internal/lock"
)

var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitLocked = 2
)

// exitError carries a specific exit code. A nil err exits quietly.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	configFile string
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "piper",
		Short: "Telemetry ingest for pipeline JSONL event logs",
		Long: `piper discovers settled JSONL telemetry files under the raw root, validates
each line against the v1 event envelope and loads accepted events into the
SQLite warehouse. Invalid lines are quarantined with their reason.

Configuration is read from --config, PIPER_CONFIG_FILE or conf/piper.yaml,
and any key can be overridden with PIPER_<SECTION>__<KEY>.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := parseOutputFormat(opts.output)
			return err
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(newInitCmd(opts))
	rootCmd.AddCommand(newIngestCmd(opts))
	rootCmd.AddCommand(newBackfillCmd(opts))
	rootCmd.AddCommand(newMaterializeCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))
	rootCmd.AddCommand(newExportCmd(opts))
	rootCmd.AddCommand(newManifestCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))

	return rootCmd
}

// format returns the validated output format.
func (o *rootOptions) format() outputFormat {
	f, _ := parseOutputFormat(o.output)
	return f
}

// withApp loads configuration, opens the application for one command and
// records the run outcome when fn returns.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	err = fn(cmd.Context(), a)
	a.Finish(cmd.Name(), err, time.Since(start))
	return err
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	if errors.Is(err, lock.ErrLocked) {
		return exitLocked
	}
	return exitFailed
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	var ee *exitError
	if err != nil && !(errors.As(err, &ee) && ee.err == nil) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
