// Command permitwatch ingests permit and regulatory-update records from
// configured government sources.
//
// Usage:
//
//	permitwatch run --config sources.yaml --db permitwatch.db
//	permitwatch run --source austin-permits
//	permitwatch sources --config sources.yaml
//	permitwatch classify https://data.example.gov/resource/abc.json
//	permitwatch serve --listen :8080
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/nmoreau/permitwatch/classify"
	"github.com/nmoreau/permitwatch/permit"
)

var (
	flagConfig     string
	flagDB         string
	flagLogLevel   string
	flagSource     string
	flagListen     string
	flagBrowserURL string

	rootCmd = &cobra.Command{
		Use:           "permitwatch",
		Short:         "Permit and regulatory-update ingestion engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
				Level: parseLevel(flagLogLevel),
			})))
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "sources.yaml", "path to source config YAML")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "permitwatch.db", "path to SQLite database")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagBrowserURL, "browser-url", "", "remote browser control URL (default: launch local)")

	runCmd.Flags().StringVar(&flagSource, "source", "", "run a single source by id (even if disabled)")
	serveCmd.Flags().StringVar(&flagListen, "listen", ":8080", "ops HTTP listen address")

	rootCmd.AddCommand(runCmd, sourcesCmd, classifyCmd, serveCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one ingestion cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		results, err := app.orchestrator.RunCycle(ctx, app.sources, flagSource)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		sources, err := permit.LoadSources(flagConfig)
		if err != nil {
			return err
		}
		for _, sc := range sources {
			state := "enabled"
			if !sc.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-30s %-16s %-20s %s\n", sc.SourceID, sc.Kind, sc.RecordType, state)
		}
		return nil
	},
}

var classifyCmd = &cobra.Command{
	Use:   "classify <url>",
	Short: "Classify a portal URL into a source kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		sample, err := sampleURL(ctx, args[0])
		if err != nil {
			// URL heuristics alone still give a useful answer.
			slog.Warn("classify: fetch sample failed", "url", args[0], "error", err)
		}
		kind := classify.Classify(args[0], sample)
		fmt.Println(kind)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poll loop with the ops HTTP surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		return app.serve(ctx, flagListen)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sampleURL fetches up to 64 KB of a URL's body for markup classification.
func sampleURL(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
