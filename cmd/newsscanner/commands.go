package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"NewsScanner/internal/app"
	"NewsScanner/internal/config"
	"NewsScanner/internal/domain"
	"NewsScanner/internal/logging"
)

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "newsscanner",
		Short: "Scrape SZTU campus announcements and score their relevance",
		Long: `newsscanner keeps a local archive of campus announcements and asks an AI
workflow how relevant each one is to a student profile.

Examples:
  # Fetch the first three listing pages
  newsscanner fetch --pages 3

  # Score up to ten unanalysed articles
  newsscanner analyze-batch --limit 10

  # Run the scheduler and HTTP API
  newsscanner serve`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file (default $NEWS_SCANNER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		newFetchCmd(opts),
		newAnalyzeCmd(opts),
		newAnalyzeBatchCmd(opts),
		newListCmd(opts),
		newDeleteCmd(opts),
		newStatsCmd(opts),
		newOutdatedCmd(opts),
		newValidityCmd(opts),
		newExportCmd(opts),
		newMirrorSyncCmd(opts),
		newServeCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) build(ctx context.Context) (*app.Application, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logger := logging.NewWithWriter(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	return app.New(ctx, cfg, logger)
}

func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := o.build(ctx)
	if err != nil {
		return err
	}
	defer application.Close()
	return fn(ctx, application)
}

func newFetchCmd(opts *rootOptions) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Scrape listing pages and store new articles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				if !cmd.Flags().Changed("pages") {
					pages = a.Config().Scraper.Pages
				}
				res, err := a.Ingestor.Ingest(ctx, pages)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVarP(&pages, "pages", "p", 1, "listing pages to scan (1-10)")
	return cmd
}

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	var profilePath string
	cmd := &cobra.Command{
		Use:   "analyze <article-file|article-id>",
		Short: "Score one stored article against the user profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				profile, err := loadProfile(a, profilePath)
				if err != nil {
					return err
				}
				path := args[0]
				if _, statErr := os.Stat(path); statErr != nil {
					path = a.Articles.Path(path)
				}
				res := a.Analyzer.Analyze(ctx, profile, path)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Status == domain.StatusError {
					return fmt.Errorf("analysis failed: %s", res.ErrorKind)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&profilePath, "profile", "", "profile JSON file (default: user_profile from analysis.configPath)")
	return cmd
}

func newAnalyzeBatchCmd(opts *rootOptions) *cobra.Command {
	var limit int
	var profilePath string
	cmd := &cobra.Command{
		Use:   "analyze-batch",
		Short: "Score stored articles that have no current analysis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				profile, err := loadProfile(a, profilePath)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("limit") {
					limit = a.Config().Analysis.BatchSize
				}
				res := a.Analyzer.AnalyzeBatch(ctx, a.Articles, profile, limit)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Aborted != "" {
					return errors.New("batch aborted: " + res.Aborted)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum articles to analyse")
	cmd.Flags().StringVar(&profilePath, "profile", "", "profile JSON file")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored articles, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.Application) error {
				entries := a.Articles.List()
				if limit > 0 && len(entries) > limit {
					entries = entries[:limit]
				}
				w := cmd.OutOrStdout()
				for i, e := range entries {
					date := e.PublishTime
					if date == "" {
						date = e.PublishDate
					}
					fmt.Fprintf(w, "%3d. [%s] %s\n     %s  %s\n", i+1, date, e.Title, e.Filename, e.URL)
				}
				fmt.Fprintf(w, "%d of %d articles\n", len(entries), len(a.Articles.List()))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show (0 for all)")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <article-id>...",
		Short: "Move articles to the trash directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.Application) error {
				var errs []error
				for _, id := range args {
					if err := a.Articles.Delete(id); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "trashed %s\n", id)
				}
				return errors.Join(errs...)
			})
		},
	}
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show analysis statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.Application) error {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"statistics": a.Records.Statistics(),
					"history":    a.Records.History(5),
				})
			})
		},
	}
}

func newOutdatedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outdated",
		Short: "List analyses produced under a different scoring config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.Application) error {
				return printJSON(cmd.OutOrStdout(), a.Records.FindOutdated())
			})
		},
	}
}

func newValidityCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validity <record-filename>",
		Short: "Check whether one analysis record is still current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.Application) error {
				return printJSON(cmd.OutOrStdout(), a.Records.CheckValidity(args[0]))
			})
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the analysis index as CSV",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.Application) error {
				path, err := a.Records.ExportCSV(output)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "CSV path (default: timestamped file in the records dir)")
	return cmd
}

func newMirrorSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mirror-sync",
		Short: "Copy stored articles missing from the SQL mirror",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.Application) error {
				added, err := a.SyncMirror(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "mirrored %d articles\n", added)
				return err
			})
		},
	}
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API until interrupted; SIGHUP reloads the config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)
			reload := make(chan struct{})
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						select {
						case reload <- struct{}{}:
						case <-ctx.Done():
							return
						}
					}
				}
			}()

			return app.Serve(ctx, cfg, app.ServeOptions{
				Reload: reload,
				Override: func(c *config.Config) {
					if opts.logLevel != "" {
						c.Logging.Level = opts.logLevel
					}
					if addr != "" {
						c.HTTP.Addr = addr
					}
				},
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default http.addr)")
	return cmd
}

func loadProfile(a *app.Application, path string) ([]byte, error) {
	if path == "" {
		return a.Profile()
	}
	return config.LoadProfile(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
