package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/smeird/PubObs/internal/export"
	"github.com/spf13/cobra"
)

var importFile string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load timestamp,safe samples from CSV into the observations table",
	Long: `import reads rows of timestamp,safe and upserts them into the observations
table. Timestamps may be RFC3339, "YYYY-MM-DD HH:MM:SS" (UTC) or Unix epoch
seconds; safe may be 1/0, true/false or safe/unsafe. An optional header row is
skipped. Use --file - to read standard input.`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "CSV file to import, - for stdin (required)")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var r io.Reader = cmd.InOrStdin()
	if importFile != "-" {
		f, err := os.Open(importFile)
		if err != nil {
			return fmt.Errorf("opening %s: %w", importFile, err)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting import", "file", importFile, "driver", cfg.Storage.Driver)
	n, err := export.NewImporter(s, slog.Default()).Import(ctx, r)
	if err != nil {
		return fmt.Errorf("import stopped after %d samples: %w", n, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d samples\n", n)
	return nil
}
