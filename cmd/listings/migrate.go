package main

import (
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/listings-pipeline/internal/app"
	"github.com/joseph-ayodele/listings-pipeline/internal/repository"
)

func migrateCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the record store schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return repository.MigrateUp(a.DB.DB, e.logger)
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := e.open(cmd.Context(), app.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			return repository.MigrateDown(a.DB.DB, steps, e.logger)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)
	return cmd
}
