package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/freight-sla/analytics"
	"github.com/warp/freight-sla/ingest"
	"github.com/warp/freight-sla/normalize"
	"github.com/warp/freight-sla/record"
	"github.com/warp/freight-sla/source"
)

// =============================================================================
// INGEST
// =============================================================================

func newIngestCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Ingest CSV or XLSX exports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			pl := a.profile.Pipeline(store, a.cfg.Workers, a.logger)
			var reports []ingest.RunReport
			var failed []string
			for _, path := range args {
				rep, err := ingestFile(cmd, pl, path, dryRun)
				if err != nil {
					a.logger.WithError(err).WithField("file", path).Error("ingestion failed")
					failed = append(failed, filepath.Base(path))
					if record.IsFatal(err) {
						return err
					}
				}
				if rep.RunID != "" {
					reports = append(reports, rep)
				}
			}

			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reports); err != nil {
				return err
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d files failed: %s", len(failed), len(args), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "map and normalize without writing")
	return cmd
}

func ingestFile(cmd *cobra.Command, pl *ingest.Pipeline, path string, dryRun bool) (ingest.RunReport, error) {
	if !source.Supported(path) {
		return ingest.RunReport{}, fmt.Errorf("%s: unsupported file type", path)
	}
	table, err := source.Open(path)
	if err != nil {
		return ingest.RunReport{}, err
	}
	name := filepath.Base(path)
	if dryRun {
		return pl.DryRun(cmd.Context(), table, name)
	}
	return pl.Run(cmd.Context(), table, name)
}

// =============================================================================
// REPORT
// =============================================================================

type reportOutput struct {
	Summary   analytics.Summary          `json:"summary"`
	Durations []analytics.DurationMetric `json:"durations"`
	Alerts    []analytics.AlertBucket    `json:"alerts"`
}

func newReportCmd(a *app) *cobra.Command {
	var asOfFlag, format string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print summary, stage durations and alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf := record.Day(time.Now().UTC())
			if asOfFlag != "" {
				t, err := time.Parse(record.DateLayout, asOfFlag)
				if err != nil {
					return fmt.Errorf("invalid --as-of %q: want YYYY-MM-DD", asOfFlag)
				}
				asOf = t
			}
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid --format %q: want text or json", format)
			}

			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := store.QueryAll(cmd.Context())
			if err != nil {
				return err
			}
			out := reportOutput{
				Summary:   analytics.Summarize(records, asOf),
				Durations: analytics.Durations(records, a.profile.Pairs, a.profile.Tiers),
				Alerts:    a.profile.AlertEngine().Evaluate(records, asOf),
			}

			if format == "json" {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return writeTextReport(a, out)
		},
	}
	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "reference date YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&format, "format", "text", "text or json")
	return cmd
}

func writeTextReport(a *app, out reportOutput) error {
	s := out.Summary
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Profile\t%s\n", a.profile.Name)
	fmt.Fprintf(tw, "As of\t%s\n", s.AsOf.Format(record.DateLayout))
	fmt.Fprintf(tw, "Records\t%d\t%s\n", s.Records, normalize.FormatAmount(s.TotalAmount))
	fmt.Fprintf(tw, "Settled\t%d\t%s\n", s.Settled, normalize.FormatAmount(s.SettledAmount))
	fmt.Fprintf(tw, "Open\t%d\t%s\n", s.Open, normalize.FormatAmount(s.OpenAmount))
	fmt.Fprintf(tw, "Oldest open\t%d days\n", s.OldestOpenDays)

	stages := make([]string, 0, len(s.ByStage))
	for st := range s.ByStage {
		stages = append(stages, st)
	}
	sort.Strings(stages)
	for _, st := range stages {
		fmt.Fprintf(tw, "  %s\t%d\n", st, s.ByStage[st])
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PAIR\tSAMPLES\tMEDIAN\tTARGET\tCONFORMANCE\tTIER")
	for _, m := range out.Durations {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%d\t%.0f%%\t%s\n",
			m.PairID, m.Samples, m.Median, m.TargetDays, m.Conformance*100, m.Tier)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ALERT\tCOUNT\tAMOUNT\tTHRESHOLD")
	for _, b := range out.Alerts {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d days\n", b.Kind, b.Count, normalize.FormatAmount(b.Amount), b.ThresholdDays)
	}
	return tw.Flush()
}

// =============================================================================
// DELETE / PROFILE
// =============================================================================

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <business-key>",
		Short: "Delete one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := record.ParseBusinessKey(args[0])
			if err != nil {
				return err
			}
			store, closeStore, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			d, ok := store.(record.Deleter)
			if !ok {
				return errors.New("record store does not support deletion")
			}
			if err := d.Delete(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "deleted %s\n", key)
			return nil
		},
	}
}

func newProfileCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "profile",
		Short: "Print the effective ingestion profile as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.profile.Dump()
			if err != nil {
				return err
			}
			_, err = a.out.Write(data)
			return err
		},
	}
}
