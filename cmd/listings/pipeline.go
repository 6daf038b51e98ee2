package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/listings-pipeline/internal/app"
	"github.com/joseph-ayodele/listings-pipeline/internal/pipeline"
)

func buildCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Claim unclaimed raw listings into batch jobs and submit them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), app.Options{LLM: true, Spool: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			descs, err := a.Builder.Run(cmd.Context())
			if err != nil {
				return err
			}
			type submitted struct {
				DescriptorID uuid.UUID `json:"descriptor_id"`
				JobHandle    string    `json:"job_handle"`
				Records      int       `json:"records"`
			}
			out := make([]submitted, 0, len(descs))
			for _, d := range descs {
				out = append(out, submitted{DescriptorID: d.ID, JobHandle: d.JobHandle, Records: len(d.Lines)})
			}
			return e.print(map[string]any{"jobs": out})
		},
	}
}

func trackCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "track",
		Short: "Poll active batch jobs and ingest completed results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), app.Options{LLM: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.Tracker.Reconcile(cmd.Context())
			if err != nil {
				return err
			}
			return e.print(map[string]int{"processed": n})
		},
	}
}

func sweepCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Return stale claims to unclaimed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), app.Options{Spool: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.Sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			return e.print(map[string]int64{"reset": n})
		},
	}
}

func parseCommand(e *env) *cobra.Command {
	var (
		id     string
		offset int
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Extract raw listings synchronously, by id or by offset/limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" && limit <= 0 {
				return errors.New("either --id or --limit is required")
			}
			var rawID uuid.UUID
			if id != "" {
				parsed, err := uuid.Parse(id)
				if err != nil {
					return fmt.Errorf("invalid --id: %w", err)
				}
				rawID = parsed
			}

			a, err := e.open(cmd.Context(), app.Options{LLM: true})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			var res pipeline.IngestResult
			if id != "" {
				res, err = a.Parser.ParseOne(cmd.Context(), rawID)
			} else {
				res, err = a.Parser.ParseRange(cmd.Context(), offset, limit)
			}
			if err != nil {
				return err
			}
			return e.print(res)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "raw listing id")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many unclaimed listings, oldest first")
	cmd.Flags().IntVar(&limit, "limit", 0, "parse at most this many unclaimed listings")
	cmd.MarkFlagsMutuallyExclusive("id", "limit")
	return cmd
}
