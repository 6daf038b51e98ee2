// Command listings runs single pipeline passes, imports scraper output and
// queries the structured listings.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/listings-pipeline/internal/app"
	"github.com/joseph-ayodele/listings-pipeline/internal/common"
)

// env is shared by every subcommand; it is filled in PersistentPreRunE.
type env struct {
	cfg    *common.Config
	logger *slog.Logger
	out    io.Writer
}

func (e *env) open(ctx context.Context, opts app.Options) (*app.App, error) {
	return app.New(ctx, e.cfg, e.logger, opts)
}

// print writes v as indented JSON to stdout.
func (e *env) print(v any) error {
	enc := json.NewEncoder(e.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	e := &env{out: os.Stdout}
	var logLevel string

	root := &cobra.Command{
		Use:           "listings",
		Short:         "Vehicle listing extraction pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			e.cfg = common.LoadConfig()
			if logLevel != "" {
				e.cfg.Log.Level = logLevel
			}
			// logs go to stderr so stdout stays machine readable
			e.logger = common.NewLogger(os.Stderr, e.cfg.Log)
			slog.SetDefault(e.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")

	root.AddCommand(
		buildCommand(e),
		trackCommand(e),
		sweepCommand(e),
		parseCommand(e),
		importCommand(e),
		statusCommand(e),
		valuesCommand(e),
		priceRangeCommand(e),
		exportCommand(e),
		migrateCommand(e),
	)
	return root
}

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
