package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/listings-pipeline/constants"
	"github.com/joseph-ayodele/listings-pipeline/internal/app"
)

func importCommand(e *env) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Insert raw listings from scraper JSONL ({\"text\": ...} per line)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			stats, rejected, err := a.Importer.ImportPath(cmd.Context(), file)
			if err != nil {
				return err
			}
			return e.print(map[string]any{"stats": stats, "rejected": rejected})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSONL file or directory of .jsonl files")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func statusCommand(e *env) *cobra.Command {
	var handle string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count raw listings per status, or show one batch job with --job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if handle != "" {
				job, err := a.BatchJobs.GetByHandle(cmd.Context(), handle)
				if err != nil {
					return err
				}
				return e.print(job)
			}

			counts, err := a.RawListings.CountByStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]int64{}
			for _, s := range []constants.RawStatus{constants.RawStatusUnclaimed, constants.RawStatusClaimed, constants.RawStatusExtracted} {
				out[string(s)] = counts[s]
			}
			jobs, err := a.BatchJobs.ListActive(cmd.Context())
			if err != nil {
				return err
			}
			return e.print(map[string]any{"raw_listings": out, "active_jobs": len(jobs)})
		},
	}
	cmd.Flags().StringVar(&handle, "job", "", "batch job handle")
	return cmd
}

func valuesCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "values <attribute>",
		Short: "List the distinct values of one listing attribute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attr, err := constants.ParseAttribute(args[0])
			if err != nil {
				return err
			}
			a, err := e.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			vals, err := a.Listings.UniqueValues(cmd.Context(), attr)
			if err != nil {
				return err
			}
			sort.Strings(vals)
			return e.print(map[string]any{"attribute": attr, "values": vals})
		},
	}
}

func priceRangeCommand(e *env) *cobra.Command {
	var attrs []string
	cmd := &cobra.Command{
		Use:   "price-range",
		Short: "Min and max price of listings matching every --attr",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := parseAttrFlags(attrs, false)
			if err != nil {
				return err
			}
			a, err := e.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			pr, err := a.Listings.PriceRange(cmd.Context(), f)
			if err != nil {
				return err
			}
			return e.print(pr)
		},
	}
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute filter name=v1,v2 (repeatable)")
	return cmd
}

func exportCommand(e *env) *cobra.Command {
	var (
		out            string
		attrs          []string
		limit          int
		includeIgnored bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write matching listings to an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			f, err := parseAttrFlags(attrs, includeIgnored)
			if err != nil {
				return err
			}
			a, err := e.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			data, err := a.Export.ExportListingsXLSX(cmd.Context(), f, limit)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			return e.print(map[string]any{"out": out, "bytes": len(data)})
		},
	}
	cmd.Flags().StringVar(&out, "out", "listings.xlsx", "output XLSX path")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "attribute filter name=v1,v2 (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows (0 = all)")
	cmd.Flags().BoolVar(&includeIgnored, "include-ignored", false, "include financing-only listings")
	return cmd
}
