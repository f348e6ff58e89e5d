package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"harvester/packages/config"
	"harvester/packages/fetcher"
	"harvester/packages/logging"
	"harvester/packages/retry"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "harvester",
	Short: "Sample photo sitemaps and enrich the sampled images",
	Long: `Walks the daily photo sitemaps, stores a random sample of the listed images,
and enriches stored images with tags, groups, upload time and view counts.
Configuration is read from the environment (and a .env file when present).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		logging.Setup(cfg.LogFile, cfg.LogLevel, "harvester-"+cmd.Name())
		return nil
	},
}

func newFetcher(cfg config.Config) *fetcher.Fetcher {
	return fetcher.New(fetcher.Config{
		Timeout:   cfg.FetchTimeout,
		UserAgent: cfg.UserAgent,
		Policy:    transientPolicy(cfg),
	})
}

func transientPolicy(cfg config.Config) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.RetryMaxAttempts,
		Backoff:     retry.Linear(cfg.RetryStep),
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.AddCommand(crawlCmd, enrichCmd, migrateCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
