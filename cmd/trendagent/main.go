package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "trendagent",
		Short:         "Coordinate trend scraping across sources and instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(scrapeCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(runCmd())
	root.AddCommand(healthCmd())
	root.AddCommand(itemsCmd())

	return root
}

type scrapeFlags struct {
	sources     []string
	query       string
	limit       int
	captureMode string
	sort        string
	start       string
	end         string
	priorities  map[string]int
	jsonOutput  bool
	noStore     bool
}

func scrapeCmd() *cobra.Command {
	var f scrapeFlags

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Run one coordinated scrape and print the merged batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScrape(cmd.Context(), f)
		},
	}

	cmd.Flags().StringSliceVar(&f.sources, "source", nil, "sources to scrape (default: all enabled)")
	cmd.Flags().StringVar(&f.query, "query", "", "query text")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "max items to return (default: from config)")
	cmd.Flags().StringVar(&f.captureMode, "capture-mode", "hybrid", "by_time, by_hot or hybrid")
	cmd.Flags().StringVar(&f.sort, "sort", "hybrid", "engagement, recency or hybrid")
	cmd.Flags().StringVar(&f.start, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&f.end, "end", "", "window end (RFC3339)")
	cmd.Flags().StringToIntVar(&f.priorities, "priority", nil, "per-source queue priority, lower runs first (e.g. github=10)")
	cmd.Flags().BoolVar(&f.jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&f.noStore, "no-store", false, "do not persist results")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume scrape jobs from the shared queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with workers, scheduler and ops server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "ops server port (default: from config)")
	return cmd
}

func healthCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check every enabled source",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealth(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func itemsCmd() *cobra.Command {
	var (
		platform   string
		since      time.Duration
		limit      int
		byHeat     bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "items",
		Short: "List stored items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runItems(cmd.Context(), platform, since, limit, byHeat, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&platform, "source", "", "only this platform")
	cmd.Flags().DurationVar(&since, "since", 0, "only items scraped within this duration")
	cmd.Flags().IntVar(&limit, "limit", 20, "max items to show")
	cmd.Flags().BoolVar(&byHeat, "hot", false, "order by heat instead of recency")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
