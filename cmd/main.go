package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"bragsync/internal/app"
	"bragsync/internal/config"
	"bragsync/internal/journal"
	"bragsync/internal/logger"
	"bragsync/internal/orchestrator"
	"bragsync/internal/orphans"
	"bragsync/internal/progress"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile   string
	assumeYes    bool
	showProgress bool
)

var rootCmd = &cobra.Command{
	Use:           "bragsync",
	Short:         "Drive the BRAG book gallery data sync from the command line",
	Long:          `Runs the three-stage BRAG book data import against a WordPress site, with progress polling, cooperative stop, orphan reconciliation and a local sync journal.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to confirmation prompts")
	flags.BoolVar(&showProgress, "progress", true, "Show progress display on terminals")

	// Server flags
	flags.String("server-url", "", "WordPress admin-ajax URL")
	flags.String("nonce", "", "Security nonce sent with every request")
	flags.String("action-prefix", "brag_book_gallery_", "Prefix of admin-ajax action names")

	// Sync flags
	flags.Duration("timeout", 0, "Default request timeout (e.g. 30s)")
	flags.Int("stall-threshold", 0, "Identical stage 3 readings before giving up (at least 2)")
	flags.Duration("batch-backoff", 0, "Pause between stage 3 batches")
	flags.String("journal", "./bragsync.db", "Local sync journal database file")
	flags.String("metrics-addr", "", "Serve prometheus metrics on this address")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")

	stage3 := runCommand("stage3", "Process cases in batches (stage 3)", app.RunStage3)
	stage3.AddCommand(clearStatusCmd)

	rootCmd.AddCommand(
		runCommand("stage1", "Fetch the remote catalog (stage 1)", app.RunStage1),
		runCommand("stage2", "Build the case manifest (stage 2)", app.RunStage2),
		stage3,
		runCommand("full-sync", "Run stages 1, 2 and 3 in order", app.RunFullSync),
		statusCmd,
		watchCmd,
		stopCmd,
		orphansCmd,
		filesCmd,
		manifestCmd,
		bragbookCmd,
		logCmd,
	)
}

// withSyncer loads configuration, builds the application and hands it to fn
func withSyncer(cmd *cobra.Command, fn func(ctx context.Context, s *app.Syncer, log *zap.Logger) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	syncer, err := app.New(cfg, log, app.Options{
		In:           os.Stdin,
		Out:          os.Stdout,
		AssumeYes:    assumeYes,
		ShowProgress: showProgress,
	})
	if err != nil {
		return fmt.Errorf("failed to create syncer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal stops the active run at its next boundary; the second
	// one, or any signal with nothing running, cancels outright.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		stopping := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigChan:
				if !stopping && syncer.Orchestrator().RequestStop() {
					stopping = true
					log.Info("Received shutdown signal, stopping after the current request (press Ctrl+C again to abort)")
					continue
				}
				log.Info("Received shutdown signal, aborting...")
				cancel()
				return
			}
		}
	}()

	err = fn(ctx, syncer, log)

	if closeErr := syncer.Close(); closeErr != nil {
		log.Error("Error closing syncer", zap.Error(closeErr))
	}

	return err
}

func runCommand(use, short string, kind app.RunKind) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, log *zap.Logger) error {
				if snap, running := s.CurrentSync(ctx); running {
					log.Warn("The server reports a sync already in progress",
						zap.String("stage", snap.Stage),
						zap.Float64("overall_percentage", snap.OverallPercentage),
					)
				}

				out, err := s.Run(ctx, kind)
				if errors.Is(err, orchestrator.ErrCancelled) || errors.Is(err, context.Canceled) {
					return nil
				}
				if err != nil {
					return err
				}
				if out != nil && out.Status == journal.StatusPartial {
					return fmt.Errorf("sync incomplete: %s", out.Message)
				}
				return nil
			})
		},
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server has a sync in progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
			snap, running := s.CurrentSync(ctx)
			if !running {
				fmt.Println("idle")
				return nil
			}

			fmt.Printf("running: %s %s\n", snap.Stage, progress.ProgressBar(snap.OverallPercentage, 30))
			fmt.Printf("  %s\n", snap.Message())
			for _, c := range snap.RecentCases {
				fmt.Printf("  - %s\n", c)
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the server's sync progress until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
			return s.Watch(ctx)
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the server to stop a sync started elsewhere",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
			msg, err := s.StopRemote(ctx)
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		})
	},
}

var orphansCmd = func() *cobra.Command {
	var deleteOrphans bool

	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Detect records that no longer exist remotely",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				if err := s.DetectOrphans(ctx); err != nil {
					return err
				}
				if !deleteOrphans {
					return nil
				}
				_, err := s.DeleteOrphans(ctx)
				if errors.Is(err, orphans.ErrNothingToDelete) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&deleteOrphans, "delete", false, "Offer to delete the detected records")
	return cmd
}()

var filesCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files",
		Short: "Inspect or delete the server's sync files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show which sync files exist on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				files, err := s.FilesStatus(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FILE\tEXISTS\tSIZE\tMODIFIED")
				for _, f := range files {
					size, modified := "-", "-"
					if f.Size > 0 {
						size = humanize.Bytes(f.Size)
					}
					if !f.Modified.IsZero() {
						modified = humanize.Time(f.Modified)
					}
					fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", f.Name, f.Exists, size, modified)
				}
				return w.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "delete sync_data|manifest",
		Short:     "Delete a sync file on the server",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{app.FileSyncData, app.FileManifest},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				ok, err := s.DeleteFile(ctx, args[0])
				if err == nil && !ok {
					fmt.Println("Nothing deleted.")
				}
				return err
			})
		},
	})

	return cmd
}()

var manifestCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect the case manifest",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "preview",
		Short: "Print the server's manifest preview",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				preview, err := s.ManifestPreview(ctx)
				if err != nil {
					return err
				}
				fmt.Print(preview)
				return nil
			})
		},
	})
	return cmd
}()

var clearStatusCmd = &cobra.Command{
	Use:   "clear-status",
	Short: "Reset stage 3 so the next run starts from the first batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
			msg, err := s.ClearStage3Status(ctx)
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		})
	},
}

var bragbookCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bragbook",
		Short: "Query the BRAG book sync service",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the BRAG book sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				status, err := s.BragBookStatus(ctx)
				if err != nil {
					return err
				}
				fmt.Print(status)
				return nil
			})
		},
	})
	return cmd
}()

var logCmd = func() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect and manage the sync log",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs from the local journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				runs, err := s.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Println("No runs recorded.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tKIND\tSTATUS\tSTARTED\tDURATION\tPROCESSED\tMESSAGE")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						r.ID, r.Kind, r.Status,
						humanize.Time(r.StartedAt),
						progress.FormatDuration(r.Duration()),
						fmt.Sprintf("%s/%s", humanize.Comma(r.Processed), humanize.Comma(r.Total)),
						truncate(r.Message, 60),
					)
				}
				return w.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to show")

	del := &cobra.Command{
		Use:   "delete <sync_id>",
		Short: "Delete a sync record on the server and locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				if err := s.DeleteRun(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted sync record %s\n", args[0])
				return nil
			})
		},
	}

	clearLog := &cobra.Command{
		Use:   "clear",
		Short: "Clear the sync log on the server and locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSyncer(cmd, func(ctx context.Context, s *app.Syncer, _ *zap.Logger) error {
				ok, err := s.ClearLog(ctx)
				if err == nil && !ok {
					fmt.Println("Sync log kept.")
				}
				return err
			})
		},
	}

	cmd.AddCommand(list, del, clearLog)
	return cmd
}()

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
