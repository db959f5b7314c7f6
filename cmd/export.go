package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/smeird/PubObs/internal/export"
	"github.com/spf13/cobra"
)

var (
	exportTopic string
	exportFrom  string
	exportTo    string
	exportOut   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write recorded readings for one topic as CSV",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportTopic, "topic", "", "configured topic name (required)")
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "start date (YYYY-MM-DD or RFC3339)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "end date, exclusive (YYYY-MM-DD or RFC3339)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default stdout)")
	_ = exportCmd.MarkFlagRequired("topic")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loc := cfg.Location()

	var from, to time.Time
	if exportFrom != "" {
		if from, err = parseDate(exportFrom, loc); err != nil {
			return fmt.Errorf("invalid --from: %w", err)
		}
	}
	if exportTo != "" {
		if to, err = parseDate(exportTo, loc); err != nil {
			return fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return fmt.Errorf("--from must be before --to")
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	readings, err := s.GetReadings(ctx, exportTopic, from, to, 0)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if exportOut != "" {
		f, err := os.OpenFile(exportOut, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		w = f
	}

	if err := export.WriteReadings(w, readings, loc); err != nil {
		return err
	}
	slog.Info("export complete", "topic", exportTopic, "readings", len(readings))
	return nil
}

// parseDate accepts YYYY-MM-DD (midnight in loc) or RFC3339.
func parseDate(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither YYYY-MM-DD nor RFC3339", s)
	}
	return t, nil
}
