// File: cmd/cgmerge/report.go
// Brief: CLI command wiring and implementation for 'report'.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/example/cgmerge/internal/ledger"
	"github.com/example/cgmerge/internal/ui"
	"github.com/fatih/color"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

type runReport struct {
	Run      ledger.Run       `json:"run"`
	Failures []ledger.Failure `json:"failures,omitempty"`
}

func newReportCommand() *cobra.Command {
	var (
		dbPath string
		output = ui.OutputText
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show the most recent run recorded with --report-db",
		Long:  "report reads the SQLite ledger written by 'cgmerge --report-db' and lists the last run's totals and every line that failed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(dbPath)
			if path == "" {
				return fmt.Errorf("--report-db is required")
			}
			path, err := homedir.Expand(path)
			if err != nil {
				return fmt.Errorf("expand --report-db %q: %w", dbPath, err)
			}
			format, err := ui.ParseOutputFormat(output)
			if err != nil {
				return err
			}
			run, failures, err := ledger.LastRun(cmd.Context(), path)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), format, runReport{Run: run, Failures: failures})
		},
	}
	cmd.Flags().StringVar(&dbPath, "report-db", "", "SQLite ledger written by a previous run")
	cmd.Flags().StringVarP(&output, "output", "o", output, "Report format: text, json, yaml")
	return cmd
}

func writeReport(w io.Writer, format string, r runReport) error {
	switch format {
	case ui.OutputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case ui.OutputYAML:
		b, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		_, err = w.Write(b)
		return err
	}
	run := r.Run
	fmt.Fprintf(w, "Run %d started %s\n", run.ID, humanize.Time(run.StartedAt))
	if run.Manifest != "" {
		fmt.Fprintf(w, "Manifest: %s\n", run.Manifest)
	}
	fmt.Fprintf(w, "Processed %d of %d lines with %d workers in %.2fs: %d written (%s), %d failed\n",
		run.Processed, run.Total, run.Workers, run.ElapsedSeconds, run.Succeeded, humanize.Bytes(uint64(run.BytesWritten)), run.Failed)
	if run.FinishedAt.IsZero() {
		fmt.Fprintln(w, color.New(color.FgYellow).Sprint("Run did not finish."))
	} else if run.Interrupted {
		fmt.Fprintln(w, color.New(color.FgYellow).Sprint("Run was interrupted."))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(w, "%s %s [%s]: %s\n", color.New(color.FgRed).Sprint("FAILED"), f.Output, strings.Join(f.Components, " "), f.Error)
	}
	return nil
}
