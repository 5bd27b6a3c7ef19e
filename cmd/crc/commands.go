package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	serveradapter "github.com/hylla/crc/internal/adapters/server"
	servercommon "github.com/hylla/crc/internal/adapters/server/common"
	"github.com/hylla/crc/internal/adapters/watcher"
	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/config"
	"github.com/hylla/crc/internal/domain"
)

// serveCommandRunner starts the HTTP and MCP surfaces. Tests replace it.
var serveCommandRunner = func(ctx context.Context, cfg serveradapter.Config, deps serveradapter.Dependencies) error {
	return serveradapter.Run(ctx, cfg, deps)
}

// cli carries state shared by every subcommand.
type cli struct {
	opts   globalOptions
	output string
	stdout io.Writer
	stderr io.Writer
}

// newRootCommand builds the crc command tree.
func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{opts: defaultGlobalOptions(), output: outputYAML, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "crc",
		Short:         "Ingest code drops, validate them in sandbox lanes, and merge what passes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.opts.configPath, "config", "", "path to config.toml (env CRC_CONFIG)")
	flags.StringVar(&c.opts.dbPath, "db", "", "path to the sqlite ledger (env CRC_DB_PATH)")
	flags.StringVar(&c.opts.appName, "app", c.opts.appName, "application name used for data paths")
	flags.BoolVar(&c.opts.devMode, "dev", c.opts.devMode, "use dev-mode paths and the dev log file")
	flags.StringVarP(&c.output, "output", "o", c.output, "output format: yaml or json")

	root.AddCommand(
		c.pathsCommand(),
		c.initCommand(),
		c.ingestCommand(),
		c.listCommand(),
		c.getCommand(),
		c.historyCommand(),
		c.diffCommand(),
		c.processCommand(),
		c.approveCommand(),
		c.cancelCommand(),
		c.resolveCommand(),
		c.mergesCommand(),
		c.targetCommand(),
		c.applyResolutionCommand(),
		c.runCommand(),
		c.extractCommand(),
		c.sweepCommand(),
		c.recoverCommand(),
		c.watchCommand(),
		c.serveCommand(),
	)
	return root
}

// withRuntime opens adapters, runs fn, and closes them again.
func (c *cli) withRuntime(cmd *cobra.Command, fn func(context.Context, *runtime) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	name := cmd.Name()
	rt, err := openRuntime(ctx, c.opts, name, c.stderr)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	flow := rt.logger.With("command", name)
	flow.Debug("command flow start")
	if err := fn(ctx, rt); err != nil {
		flow.Error("command execution failed", "err", err)
		return err
	}
	flow.Debug("command flow complete")
	return nil
}

// print renders v to stdout in the selected format.
func (c *cli) print(v any) error {
	return writeOutput(c.stdout, c.output, v)
}

func (c *cli) pathsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Show resolved config, database, content and workspace paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveConfig(c.opts)
			if err != nil {
				return err
			}
			return c.print(map[string]string{
				"app":       c.opts.appName,
				"config":    resolved.configPath,
				"data_dir":  resolved.paths.DataDir,
				"database":  resolved.cfg.Database.Path,
				"content":   resolved.cfg.Content.Dir,
				"workspace": resolved.cfg.Workspace.Dir,
				"scratch":   resolved.cfg.Lanes.ScratchDir,
				"inbox":     resolved.cfg.Watch.Dir,
			})
		},
	}
}

func (c *cli) initCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the resolved configuration to the config path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resolved, err := resolveConfig(c.opts)
			if err != nil {
				return err
			}
			if err := config.Write(resolved.configPath, resolved.cfg, force); err != nil {
				if errors.Is(err, os.ErrExist) {
					return fmt.Errorf("config %s already exists (use --force to overwrite)", resolved.configPath)
				}
				return err
			}
			return c.print(map[string]string{"config": resolved.configPath})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func (c *cli) ingestCommand() *cobra.Command {
	var targetRef, intent string
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Record one drop archive in the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return fmt.Errorf("stat drop: %w", err)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read drop: %w", err)
			}
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				res, err := servercommon.NewAppServiceAdapter(rt.svc).IngestDrop(ctx, servercommon.IngestDropRequest{
					Location:         path,
					TargetRef:        targetRef,
					Intent:           intent,
					SourceModifiedAt: info.ModTime(),
					Content:          data,
				})
				if err != nil {
					return err
				}
				return c.print(res)
			})
		},
	}
	cmd.Flags().StringVar(&targetRef, "target", "", "target ref the drop merges into")
	cmd.Flags().StringVar(&intent, "intent", "", "free-form intent recorded with the drop")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func (c *cli) listCommand() *cobra.Command {
	var states []string
	var targetRef string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drops, optionally filtered by state and target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				drops, err := servercommon.NewAppServiceAdapter(rt.svc).ListDrops(ctx, servercommon.ListDropsRequest{
					States:    states,
					TargetRef: targetRef,
				})
				if err != nil {
					return err
				}
				return c.print(drops)
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "only drops in these states")
	cmd.Flags().StringVar(&targetRef, "target", "", "only drops for this target ref")
	return cmd
}

func (c *cli) getCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <drop-id>",
		Short: "Show one drop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				d, err := servercommon.NewAppServiceAdapter(rt.svc).GetDrop(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(d)
			})
		},
	}
}

func (c *cli) historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <drop-id>",
		Short: "Show the CL node lineage of one drop, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				nodes, err := servercommon.NewAppServiceAdapter(rt.svc).DropHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(nodes)
			})
		},
	}
}

func (c *cli) diffCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <node-a> <node-b>",
		Short: "Compare the lineage of two CL nodes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				diff, err := servercommon.NewAppServiceAdapter(rt.svc).Diff(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return c.print(diff)
			})
		},
	}
}

func (c *cli) processCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process <drop-id>...",
		Short: "Analyze and validate specific drops concurrently",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				outcomes, err := rt.svc.ProcessDrops(ctx, args)
				if err != nil {
					return err
				}
				return c.print(outcomes)
			})
		},
	}
}

func (c *cli) approveCommand() *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   "approve <drop-id>",
		Short: "Approve a drop held for manual review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				d, err := servercommon.NewAppServiceAdapter(rt.svc).ApproveDrop(ctx, servercommon.ApproveDropRequest{
					DropID:     args[0],
					ApprovedBy: approver,
				})
				if err != nil {
					return err
				}
				return c.print(d)
			})
		},
	}
	cmd.Flags().StringVar(&approver, "by", defaultActor(), "approver recorded on the drop")
	return cmd
}

func (c *cli) cancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <drop-id>",
		Short: "Cancel a drop that has not started merging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				d, err := servercommon.NewAppServiceAdapter(rt.svc).CancelDrop(ctx, servercommon.CancelDropRequest{
					DropID: args[0],
					Reason: reason,
				})
				if err != nil {
					return err
				}
				return c.print(d)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the cancellation node")
	return cmd
}

func (c *cli) resolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <target-ref>",
		Short: "Merge every validated drop for one target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				m, err := rt.svc.Resolve(ctx, args[0])
				if err != nil {
					return err
				}
				return c.print(servercommon.MapMergeDecision(m))
			})
		},
	}
}

func (c *cli) mergesCommand() *cobra.Command {
	var in servercommon.ListMergesRequest
	cmd := &cobra.Command{
		Use:   "merges",
		Short: "List merge decisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				merges, err := servercommon.NewAppServiceAdapter(rt.svc).ListMerges(ctx, in)
				if err != nil {
					return err
				}
				return c.print(merges)
			})
		},
	}
	cmd.Flags().StringVar(&in.TargetRef, "target", "", "only decisions for this target ref")
	cmd.Flags().BoolVar(&in.PendingOnly, "pending", false, "only manual_required decisions awaiting resolution")
	return cmd
}

func (c *cli) targetCommand() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "target <target-ref>",
		Short: "Show an integration target, or print one of its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				if file == "" {
					target, err := servercommon.NewAppServiceAdapter(rt.svc).GetTarget(ctx, args[0])
					if err != nil {
						return err
					}
					return c.print(target)
				}
				target, err := rt.svc.GetTarget(ctx, args[0])
				if err != nil {
					return err
				}
				f, ok := target.File(file)
				if !ok {
					return fmt.Errorf("file %q not in target %q: %w", file, target.Ref, app.ErrNotFound)
				}
				_, err = c.stdout.Write(f.Content)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "print this file's merged content")
	return cmd
}

func (c *cli) applyResolutionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "apply-resolution <file|->",
		Short: "Apply a reviewer resolution (JSON) to a manual merge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readResolutionRequest(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				m, err := servercommon.NewAppServiceAdapter(rt.svc).ApplyResolution(ctx, req)
				if err != nil {
					return err
				}
				return c.print(m)
			})
		},
	}
}

func (c *cli) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Drive every live drop through analysis, validation, merge and archival once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				report, err := rt.svc.Run(ctx)
				if err != nil {
					return err
				}
				return c.print(report)
			})
		},
	}
}

func (c *cli) extractCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "extract <content-hash>",
		Short: "Write the verified original bytes of a sealed drop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				data, err := rt.svc.ExtractReadOnly(ctx, domain.ContentHash(strings.TrimSpace(args[0])))
				if err != nil {
					return err
				}
				if outPath == "" || outPath == "-" {
					_, err = c.stdout.Write(data)
					return err
				}
				if err := os.WriteFile(outPath, data, 0o444); err != nil {
					return fmt.Errorf("write extracted drop: %w", err)
				}
				rt.logger.Info("drop extracted", "path", outPath, "bytes", len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "-", "destination file, - for stdout")
	return cmd
}

func (c *cli) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove workspace copies of drops that are sealed or cancelled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				removed, err := rt.svc.SweepWorkspace(ctx)
				if err != nil {
					return err
				}
				return c.print(map[string]any{"removed": removed})
			})
		},
	}
}

func (c *cli) recoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail drops whose validation was interrupted so their target can merge again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				failed, err := rt.svc.RecoverStalled(ctx)
				if err != nil {
					return err
				}
				return c.print(map[string]any{"failed": failed})
			})
		},
	}
}

// loopOptions controls the background pipeline loop shared by watch and serve.
type loopOptions struct {
	interval time.Duration
	watch    bool
}

func (c *cli) watchCommand() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Ingest drops from the watch folder and run the pipeline on an interval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				return c.background(rt, loopOptions{interval: interval, watch: true})(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "pipeline pass interval")
	return cmd
}

func (c *cli) serveCommand() *cobra.Command {
	var bind string
	var interval time.Duration
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint while running the pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRuntime(cmd, func(ctx context.Context, rt *runtime) error {
				cfg := serveradapter.Config{
					HTTPBind:      rt.cfg.Serve.Bind,
					APIEndpoint:   rt.cfg.Serve.APIEndpoint,
					MCPEndpoint:   rt.cfg.Serve.MCPEndpoint,
					ServerName:    c.opts.appName,
					ServerVersion: version,
				}
				if strings.TrimSpace(bind) != "" {
					cfg.HTTPBind = bind
				}
				rt.logger.Info("serve listening", "bind", cfg.HTTPBind, "api", cfg.APIEndpoint, "mcp", cfg.MCPEndpoint)
				return serveCommandRunner(ctx, cfg, serveradapter.Dependencies{
					Service:    servercommon.NewAppServiceAdapter(rt.svc),
					Metrics:    rt.metrics.Handler(),
					Ready:      rt.Ready,
					Background: c.background(rt, loopOptions{interval: interval, watch: watch}),
				})
			})
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (default from [serve] bind)")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "pipeline pass interval, 0 disables the loop")
	cmd.Flags().BoolVar(&watch, "watch", false, "also ingest drops from [watch] dir")
	return cmd
}

// background returns the pipeline loop, plus the folder watcher when requested.
func (c *cli) background(rt *runtime, opts loopOptions) func(context.Context) error {
	return func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		if opts.watch {
			w, err := newDropWatcher(rt)
			if err != nil {
				return err
			}
			g.Go(func() error { return w.Run(gctx) })
		}
		if opts.interval > 0 {
			g.Go(func() error { return pipelineLoop(gctx, rt, opts.interval) })
		}
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}

// newDropWatcher wires the [watch] config to the ledger.
func newDropWatcher(rt *runtime) (*watcher.Watcher, error) {
	wc := rt.cfg.Watch
	if strings.TrimSpace(wc.Dir) == "" {
		return nil, errors.New("watch dir is not configured; set [watch] dir")
	}
	if strings.TrimSpace(wc.TargetRef) == "" {
		return nil, errors.New("watch target is not configured; set [watch] target_ref")
	}
	handler := watcher.NewIngestHandler(rt.svc, watcher.IngestOptions{
		TargetRef: wc.TargetRef,
		Intent:    wc.Intent,
		Remove:    wc.RemoveAfterIngest,
		Logger:    rt.logger,
	})
	rt.logger.Info("watching drop folder", "dir", wc.Dir, "target_ref", wc.TargetRef)
	return watcher.New(watcher.Config{
		Dir:    wc.Dir,
		Settle: wc.Settle.Duration,
		Logger: rt.logger,
	}, handler)
}

// pipelineLoop runs one pipeline pass per tick until ctx ends.
func pipelineLoop(ctx context.Context, rt *runtime, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := rt.svc.Run(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			rt.logger.Error("pipeline pass failed", "err", err)
		default:
			rt.logger.Info("pipeline pass complete", "processed", len(report.Processed), "merges", len(report.Merges), "sealed", len(report.Sealed), "errors", len(report.Errors))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// readResolutionRequest decodes a resolution document from path, or stdin for "-".
func readResolutionRequest(path string, stdin io.Reader) (servercommon.ApplyResolutionRequest, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return servercommon.ApplyResolutionRequest{}, fmt.Errorf("open resolution: %w", err)
		}
		defer f.Close()
		r = f
	}
	var req servercommon.ApplyResolutionRequest
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return servercommon.ApplyResolutionRequest{}, fmt.Errorf("decode resolution: %w", err)
	}
	return req, nil
}

// defaultActor names the local user for approval records.
func defaultActor() string {
	for _, key := range []string{"CRC_ACTOR", "USER", "USERNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return "local"
}
