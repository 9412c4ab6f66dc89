package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/config"
	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/memsync"
	"github.com/dotsetgreg/memsync/pkg/observability"
)

func executeCLI() error {
	root := buildRootCommand(true)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return root.ExecuteContext(ctx)
}

// cliState carries persistent flags to subcommands.
type cliState struct {
	configPath string
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	state := &cliState{}

	root := &cobra.Command{
		Use:   "memsync",
		Short: "Long-term memory store with clustering, profiles and index sync",
		Long: strings.TrimSpace(`memsync consolidates memory cells into topic clusters and user profiles,
keeps the full-text and vector indexes in step with the store of record,
and rebuilds those indexes without downtime.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&state.configPath, "config", "c", defaultConfigPath(), "Config file (JSON or YAML)")

	root.AddCommand(newConsolidateCommand(state))
	root.AddCommand(newQueryCommand(state))
	root.AddCommand(newDeleteCommand(state))
	root.AddCommand(newResyncCommand(state))
	root.AddCommand(newRebuildIndexCommand(state))
	root.AddCommand(newPruneClustersCommand(state))
	root.AddCommand(newJobsCommand(state))
	root.AddCommand(newServeCommand(state))
	root.AddCommand(newConfigCommand(state))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

// withService loads config, assembles the service and closes it after fn.
func withService(cmd *cobra.Command, state *cliState, fn func(ctx context.Context, svc *memsync.Service, cfg *config.Config) error) error {
	cfg, err := loadConfig(state.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := memsync.New(ctx, cfg, memsync.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc, cfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newConsolidateCommand(state *cliState) *cobra.Command {
	var (
		input   string
		groupID string
	)

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Cluster memory cells and update user profiles",
		Long: strings.TrimSpace(`Read memory cells from a JSON file, assign them to topic clusters of their
group, update the profiles of affected users and sync everything to the
search indexes. The file holds one batch object or an array of batches.`),
		Example: strings.Join([]string{
			"  memsync consolidate --input cells.json",
			"  memsync consolidate --input cells.json --group team-alpha",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(input) == "" {
				return fmt.Errorf("--input is required")
			}
			batches, err := readBatches(input, groupID)
			if err != nil {
				return err
			}
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				for g, cells := range batches {
					if err := svc.FillEmbeddings(ctx, cells); err != nil {
						return err
					}
					batches[g] = cells
				}
				out := svc.ConsolidateGroups(ctx, batches)
				if err := writeJSON(cmd.OutOrStdout(), summarizeBatch(out)); err != nil {
					return err
				}
				if len(out.Failed) > 0 {
					return fmt.Errorf("%d of %d groups failed", len(out.Failed), len(batches))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "JSON file with memory cells (- for stdin)")
	cmd.Flags().StringVarP(&groupID, "group", "g", "", "Group for batches that do not name one")
	return cmd
}

func newQueryCommand(state *cliState) *cobra.Command {
	var (
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "query <text>",
		Short:   "Recall memory cells by hybrid lexical and vector search",
		Args:    cobra.MinimumNArgs(1),
		Example: "  memsync query --user u-42 \"where did I go hiking\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				matches, err := svc.Query(ctx, strings.Join(args, " "), memsync.QueryOptions{UserID: userID, Limit: limit})
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), matches)
			})
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "Only recall cells of this user")
	cmd.Flags().IntVarP(&limit, "limit", "n", 8, "Maximum number of matches")
	return cmd
}

func newDeleteCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <event_id>",
		Aliases: []string{"rm"},
		Short:   "Delete a memory cell from the store and every index",
		Args:    cobra.ExactArgs(1),
		Example: "  memsync delete evt-0192",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				res, err := svc.DeleteMemCell(ctx, args[0])
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), summarizeSync(res.Records)); err != nil {
					return err
				}
				if !res.OK() {
					fmt.Fprintln(cmd.ErrOrStderr(), "some index deletes failed; the worker will retry them")
				}
				return nil
			})
		},
	}
}

func newResyncCommand(state *cliState) *cobra.Command {
	var (
		kinds      []string
		targets    []string
		checkpoint string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Rewrite stored entities into the search indexes",
		Long: strings.TrimSpace(`Rewrite every stored memory cell and profile into the configured indexes.
With --checkpoint, entities completed by an earlier run are skipped and the
checkpoint is updated when the run ends.`),
		Example: strings.Join([]string{
			"  memsync resync",
			"  memsync resync --kind profile --target vector",
			"  memsync resync --checkpoint resync.json",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := memsync.ResyncRequest{EntityTimeout: timeout}
			for _, k := range kinds {
				req.Kinds = append(req.Kinds, memory.EntityKind(k))
			}
			for _, t := range targets {
				req.Targets = append(req.Targets, memory.SyncTarget(t))
			}
			if checkpoint != "" {
				done, err := readCheckpoint(checkpoint)
				if err != nil {
					return err
				}
				req.Completed = done
			}
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				summary, err := svc.Resync(ctx, req)
				if checkpoint != "" {
					if wErr := writeCheckpoint(checkpoint, req.Completed, summary.Completed); wErr != nil {
						err = errors.Join(err, wErr)
					}
				}
				if jErr := writeJSON(cmd.OutOrStdout(), summary); jErr != nil {
					err = errors.Join(err, jErr)
				}
				if err != nil {
					return err
				}
				if summary.Cancelled {
					return fmt.Errorf("resync cancelled after %d entities", len(summary.Completed))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Entity kinds to resync (memcell, profile)")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "Targets to write (text, vector)")
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint file to resume from and update")
	cmd.Flags().DurationVar(&timeout, "entity-timeout", 0, "Deadline per entity across all targets")
	return cmd
}

func newRebuildIndexCommand(state *cliState) *cobra.Command {
	var (
		closeOld  bool
		deleteOld bool
		list      bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild-index [alias]",
		Short: "Rebuild the physical index behind an alias and swap it in",
		Args:  cobra.MaximumNArgs(1),
		Example: strings.Join([]string{
			"  memsync rebuild-index --list",
			"  memsync rebuild-index memsync-memcells --delete-old",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !list && len(args) == 0 {
				return fmt.Errorf("an alias is required (see --list)")
			}
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				if list {
					for _, alias := range svc.Aliases() {
						fmt.Fprintln(cmd.OutOrStdout(), alias)
					}
					return nil
				}
				report, err := svc.RebuildIndex(ctx, args[0], closeOld, deleteOld)
				if jErr := writeJSON(cmd.OutOrStdout(), report); jErr != nil {
					err = errors.Join(err, jErr)
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&closeOld, "close-old", false, "Close the previous index after the swap")
	cmd.Flags().BoolVar(&deleteOld, "delete-old", false, "Delete the previous index after the swap")
	cmd.Flags().BoolVar(&list, "list", false, "List managed aliases")
	return cmd
}

func newPruneClustersCommand(state *cliState) *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:     "prune-clusters",
		Short:   "Drop clusters inactive for longer than the horizon",
		Example: "  memsync prune-clusters --group team-alpha",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				removed, err := svc.PruneClusters(ctx, groupID)
				if jErr := writeJSON(cmd.OutOrStdout(), removed); jErr != nil {
					err = errors.Join(err, jErr)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&groupID, "group", "g", "", "Group to prune (default: all groups)")
	return cmd
}

func newJobsCommand(state *cliState) *cobra.Command {
	jobsRoot := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and drain the sync outbox",
	}

	jobsRoot.AddCommand(&cobra.Command{
		Use:     "status",
		Short:   "Count outbox jobs by status",
		Example: "  memsync jobs status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				counts := map[string]int{}
				for _, status := range []string{memory.JobPending, memory.JobRunning, memory.JobCompleted, memory.JobFailed} {
					n, err := svc.Store().CountJobs(ctx, status)
					if err != nil {
						return err
					}
					counts[status] = n
				}
				return writeJSON(cmd.OutOrStdout(), counts)
			})
		},
	})

	jobsRoot.AddCommand(&cobra.Command{
		Use:     "run",
		Short:   "Work through one batch of runnable jobs and exit",
		Example: "  memsync jobs run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, _ *config.Config) error {
				svc.RunPendingJobs(ctx)
				n, err := svc.Store().CountJobs(ctx, memory.JobPending)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d jobs pending\n", n)
				return nil
			})
		},
	})

	return jobsRoot
}

func newServeCommand(state *cliState) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the outbox worker with metrics and health endpoints",
		Long: strings.TrimSpace(`Run the background worker that drains the sync outbox and prunes clusters on
the configured schedule. Prometheus metrics are served on /metrics and
liveness on /healthz.`),
		Example: "  memsync serve --metrics-addr :9464",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, state, func(ctx context.Context, svc *memsync.Service, cfg *config.Config) error {
				shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, appName, version)
				if err != nil {
					return err
				}
				defer func() { _ = shutdownTracing(context.Background()) }()

				if err := svc.Start(ctx); err != nil {
					return err
				}

				addr := metricsAddr
				if addr == "" {
					addr = cfg.Metrics.Addr
				}
				var srv *http.Server
				if addr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", svc.Metrics().Handler())
					mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
						w.WriteHeader(http.StatusOK)
						_, _ = io.WriteString(w, "ok\n")
					})
					srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							svc.Logger().Error("metrics server failed", zap.Error(err))
						}
					}()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "memsync worker started (metrics on %s)\n", valueOr(addr, "disabled"))

				<-ctx.Done()

				fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /metrics and /healthz (default from config)")
	return cmd
}

func newConfigCommand(state *cliState) *cobra.Command {
	configRoot := &cobra.Command{
		Use:   "config",
		Short: "Create and inspect the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a default config file",
		Example: "  memsync config init --config ./memsync.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(state.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", state.configPath)
			}
			if err := config.SaveConfig(state.configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Config written to %s\n", state.configPath)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	configRoot.AddCommand(initCmd)

	configRoot.AddCommand(&cobra.Command{
		Use:     "show",
		Short:   "Print the effective config after file and environment overrides",
		Example: "  memsync config show",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(state.configPath)
			if err != nil {
				return err
			}
			cfg.Elasticsearch.Password = redact(cfg.Elasticsearch.Password)
			cfg.Elasticsearch.APIKey = redact(cfg.Elasticsearch.APIKey)
			cfg.Provider.APIKey = redact(cfg.Provider.APIKey)
			return writeJSON(cmd.OutOrStdout(), cfg)
		},
	})

	return configRoot
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  memsync version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
