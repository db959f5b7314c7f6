package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/smeird/PubObs/internal/config"
	"github.com/smeird/PubObs/internal/safehours"
	"github.com/smeird/PubObs/internal/store"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pubobs",
	Short: "Safe observing hours and live conditions for an observatory dashboard",
	Long: `pubobs reads the observatory's per-minute "safe" flag from SQLite or PostgreSQL
and turns it into safe observing hours per day or month, follows the weather
sensors and sky camera over MQTT, and serves both through a JSON API for the
dashboard.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json, overrides config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler. The flag wins over the
// configured format; json is used when neither is set.
func setupLogging(configured string) {
	format := logFormat
	if format == "" {
		format = configured
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the configuration and sets up logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		setupLogging("")
		return nil, err
	}
	setupLogging(cfg.LogFormat)
	return cfg, nil
}

// openStore opens the configured backend. Opening runs pending migrations.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.DSN())
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := store.NewPostgresStore(cfg.DSN())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

// newAggregator builds the aggregator over s with the configured options.
func newAggregator(cfg *config.Config, s store.Store) *safehours.Aggregator {
	loc := cfg.Location()
	return safehours.NewAggregator(store.NewSafeReader(s, loc), slog.Default(),
		safehours.WithLocation(loc),
		safehours.WithUnitsPerHour(cfg.SafeHours.UnitsPerHour),
		safehours.WithTailLookback(cfg.SafeHours.TailLookback),
	)
}
