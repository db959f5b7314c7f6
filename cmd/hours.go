package cmd

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/smeird/PubObs/internal/safehours"
	"github.com/spf13/cobra"
)

var (
	hoursYear int
	hoursDays int
)

var hoursCmd = &cobra.Command{
	Use:   "hours",
	Short: "Print safe observing hours per day or month from the database",
	Long: `hours prints safe observing hours straight from the database. With --days it
shows the last N days ending today; with --year it shows each month of that
year. Store errors fail the command instead of printing zeros.`,
	RunE: runHours,
}

func init() {
	hoursCmd.Flags().IntVar(&hoursYear, "year", 0, "show months of this year")
	hoursCmd.Flags().IntVar(&hoursDays, "days", 0, "show the last N days (default from config)")
	hoursCmd.MarkFlagsMutuallyExclusive("year", "days")
	rootCmd.AddCommand(hoursCmd)
}

func runHours(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agg := newAggregator(cfg, s)
	loc := agg.Location()
	now := time.Now()

	var start, end time.Time
	g := safehours.Day
	if hoursYear != 0 {
		g = safehours.Month
		start = time.Date(hoursYear, time.January, 1, 0, 0, 0, 0, loc)
		end = start.AddDate(1, 0, 0)
	} else {
		days := hoursDays
		if days == 0 {
			days = cfg.SafeHours.DashboardDays
		}
		if days < 1 {
			return fmt.Errorf("--days must be positive, got %d", days)
		}
		today := safehours.Day.Floor(now, loc)
		start = today.AddDate(0, 0, -(days - 1))
		end = today.AddDate(0, 0, 1)
	}

	res, err := agg.Aggregate(ctx, start, end, g, now)
	if err != nil {
		return fmt.Errorf("computing safe hours: %w", err)
	}
	return printHours(cmd.OutOrStdout(), res)
}

func printHours(w io.Writer, res *safehours.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "%s\thours\t\n", res.Granularity)
	for i, label := range res.Labels() {
		fmt.Fprintf(tw, "%s\t%.2f\t\n", label, res.Buckets[i].Hours)
	}
	fmt.Fprintf(tw, "total\t%.2f\t\n", res.TotalHours)
	if res.Truncated {
		fmt.Fprintln(tw, "(safe period continues past the last bucket)\t\t")
	}
	return tw.Flush()
}
