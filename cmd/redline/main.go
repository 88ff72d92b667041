package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"redline/internal/config"
	"redline/internal/dataset"
	"redline/internal/db"
	"redline/internal/domain"
	"redline/internal/engine"
	"redline/internal/export"
	"redline/internal/migrate"
	"redline/internal/registry"
	"redline/internal/repo"
	"redline/internal/server"
	"redline/internal/target"
)

var rootCmd = &cobra.Command{
	Use:   "redline",
	Short: "Redline CLI",
	Long: `Redline runs adversarial prompt campaigns against model endpoints.
- Workspace: the .redline directory holds the database; redline.yml holds targets and engine settings.
- Orchestrator: a named attack config (strategy, targets, converters, scorers, dataset).
- Execution: one run of an orchestrator; pause, resume and stop while it runs.
- Pieces: the append-only prompt/response audit trail, exportable as JSON, CSV or XLSX.
- Event log: every state change, view with 'redline log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orchestratorCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(memoryCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// app bundles the wired collaborators for one CLI invocation.
type app struct {
	Config   *config.Config
	Engine   *engine.Engine
	Manager  *engine.Manager
	Registry *registry.Registry
	Catalog  *target.Catalog
	Repo     repo.Repo
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	catalog := target.NewCatalog(cfg.Targets, time.Duration(cfg.Engine.DefaultTimeout)*time.Second)
	e := engine.New(conn, cfg, catalog, dataset.FileSource{Root: workspace})
	a := &app{
		Config:   cfg,
		Engine:   e,
		Manager:  engine.NewManager(e),
		Registry: registry.New(e, catalog),
		Catalog:  catalog,
		Repo:     repo.Repo{DB: conn},
	}
	return fn(ctx, a)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default redline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !viper.GetBool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
	return cmd
}

func orchestratorCmd() *cobra.Command {
	orch := &cobra.Command{Use: "orchestrator", Short: "Manage orchestrators"}
	orch.AddCommand(orchestratorCreateCmd())
	orch.AddCommand(orchestratorListCmd())
	orch.AddCommand(orchestratorShowCmd())
	orch.AddCommand(orchestratorSetEnabledCmd("enable", true))
	orch.AddCommand(orchestratorSetEnabledCmd("disable", false))
	return orch
}

func orchestratorCreateCmd() *cobra.Command {
	var (
		name, typ, threshold, planner, datasetFile string
		targets, converters, scorers, prompts      []string
		maxIterations, concurrentLimit, sampleSize int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseConverterSpecs(converters)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				orch, err := a.Registry.Create(ctx, registry.CreateOptions{
					Name:       name,
					Type:       typ,
					Targets:    targets,
					Converters: specs,
					Scorers:    scorers,
					Dataset: domain.DatasetRef{
						Prompts:    prompts,
						File:       datasetFile,
						SampleSize: sampleSize,
					},
					MaxIterations:    maxIterations,
					ConcurrentLimit:  concurrentLimit,
					SuccessThreshold: threshold,
					Planner:          planner,
					ActorID:          viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(orch)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "orchestrator name")
	cmd.Flags().StringVar(&typ, "type", "single_turn", "strategy type (single_turn, multi_turn)")
	cmd.Flags().StringSliceVar(&targets, "target", nil, "target id, repeatable")
	cmd.Flags().StringSliceVar(&converters, "converter", nil, "converter name[:k=v,k=v], repeatable, order matters")
	cmd.Flags().StringSliceVar(&scorers, "scorer", nil, "scorer name, repeatable")
	cmd.Flags().StringSliceVar(&prompts, "prompt", nil, "inline prompt, repeatable")
	cmd.Flags().StringVar(&datasetFile, "dataset-file", "", "prompt file (yaml, json or plain text)")
	cmd.Flags().IntVar(&sampleSize, "sample-size", 0, "limit dataset to the first N prompts")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "turns per conversation (multi_turn)")
	cmd.Flags().IntVar(&concurrentLimit, "concurrent-limit", 0, "worker pool size")
	cmd.Flags().StringVar(&threshold, "success-threshold", "", "stop a conversation at this severity (low, medium, high, critical)")
	cmd.Flags().StringVar(&planner, "planner", "", "turn planner (multi_turn)")
	return cmd
}

func orchestratorListCmd() *cobra.Command {
	var typ, enabled string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orchestrators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				filters := repo.OrchestratorFilters{Type: typ}
				if enabled != "" {
					v := enabled == "true"
					filters.Enabled = &v
				}
				items, err := a.Registry.List(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Targets", "Enabled", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Name, o.Type, strings.Join(o.Targets, ","), o.Enabled, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "type filter")
	cmd.Flags().StringVar(&enabled, "enabled", "", "enabled filter (true or false)")
	return cmd
}

func orchestratorShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show orchestrator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				orch, err := a.Registry.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(orch)
			})
		},
	}
	return cmd
}

func orchestratorSetEnabledCmd(use string, enabled bool) *cobra.Command {
	short := "Enable orchestrator"
	if !enabled {
		short = "Disable orchestrator"
	}
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				orch, err := a.Registry.SetEnabled(ctx, args[0], enabled, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(orch)
			})
		},
	}
}

func runCmd() *cobra.Command {
	var (
		labels         []string
		budgetSeconds  int
		discardPartial bool
	)
	cmd := &cobra.Command{
		Use:   "run <orchestrator-id>",
		Short: "Run an orchestrator to completion",
		Long:  "Runs synchronously and prints the final execution. Ctrl-C cancels; committed pieces are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labelMap, err := parseLabels(labels)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				opts := engine.RunOptions{
					ActorID:       viper.GetString("actor-id"),
					Labels:        labelMap,
					BudgetSeconds: budgetSeconds,
				}
				if discardPartial {
					f := false
					opts.SavePartial = &f
				}
				exec, err := a.Manager.RunSync(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	cmd.Flags().StringSliceVar(&labels, "label", nil, "k=v label attached to every piece, repeatable")
	cmd.Flags().IntVar(&budgetSeconds, "budget-seconds", 0, "fail the execution after this many seconds")
	cmd.Flags().BoolVar(&discardPartial, "discard-partial", false, "mark the execution as not keeping partial results")
	return cmd
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exec", Short: "Inspect and control executions"}
	ex.AddCommand(execStatusCmd())
	ex.AddCommand(execListCmd())
	ex.AddCommand(execControlCmd("pause", "Pause a running execution", func(ctx context.Context, a *app, id string) (domain.Execution, error) {
		return a.Manager.Pause(ctx, id, viper.GetString("actor-id"))
	}))
	ex.AddCommand(execControlCmd("resume", "Resume a paused execution", func(ctx context.Context, a *app, id string) (domain.Execution, error) {
		return a.Manager.Resume(ctx, id, viper.GetString("actor-id"))
	}))
	ex.AddCommand(execControlCmd("stop", "Stop an execution (--force abandons in-flight calls)", func(ctx context.Context, a *app, id string) (domain.Execution, error) {
		return a.Manager.Stop(ctx, id, viper.GetString("actor-id"), viper.GetBool("force"))
	}))
	return ex
}

func execStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show execution status and counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				exec, err := a.Engine.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
	return cmd
}

func execListCmd() *cobra.Command {
	var orchestratorID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListExecutions(ctx, repo.ExecutionFilters{
					OrchestratorID: orchestratorID,
					Status:         status,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Orchestrator", "Status", "Done", "Failed", "Total", "Created"})
				for _, x := range items {
					tw.AppendRow(table.Row{x.ID, x.OrchestratorID, x.Status, x.Succeeded, x.Failed, x.Total, x.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&orchestratorID, "orchestrator", "", "orchestrator filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func execControlCmd(use, short string, apply func(context.Context, *app, string) (domain.Execution, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				exec, err := apply(ctx, a, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(exec)
			})
		},
	}
}

func memoryCmd() *cobra.Command {
	mem := &cobra.Command{Use: "memory", Short: "Inspect the conversation memory store"}
	mem.AddCommand(memoryListCmd())
	mem.AddCommand(memoryScoresCmd())
	return mem
}

func memoryListCmd() *cobra.Command {
	var conversationID, errored string
	var labels []string
	cmd := &cobra.Command{
		Use:   "list <execution-id>",
		Short: "List conversation pieces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labelMap, err := parseLabels(labels)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				filters := repo.PieceFilters{
					ExecutionID:    args[0],
					ConversationID: conversationID,
					Labels:         labelMap,
				}
				if errored != "" {
					v := errored == "true"
					filters.Errored = &v
				}
				items, err := a.Repo.ListPieces(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Conversation", "Seq", "Prompt", "Response", "Retries", "Error"})
				for _, p := range items {
					resp := ""
					if p.Response != nil {
						resp = truncateCell(*p.Response)
					}
					errMsg := ""
					if p.Error != nil {
						errMsg = truncateCell(*p.Error)
					}
					tw.AppendRow(table.Row{p.ConversationID, p.Sequence, truncateCell(p.OriginalPrompt), resp, p.RetryCount, errMsg})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation filter")
	cmd.Flags().StringVar(&errored, "errored", "", "errored filter (true or false)")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "k=v label filter, repeatable")
	return cmd
}

func memoryScoresCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scores <execution-id>",
		Short: "List scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListScoresForExecution(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Piece", "Scorer", "Value", "Category", "Rationale"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.PieceID, s.ScorerName, s.Value, s.Category, truncateCell(s.Rationale)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export <execution-id>",
		Short: "Export an execution's results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "xlsx" && out == "" {
				return fmt.Errorf("--out is required for xlsx")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if _, err := a.Engine.GetExecution(ctx, args[0]); err != nil {
					return err
				}
				w := os.Stdout
				if out != "" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				exporter := export.Exporter{Repo: a.Repo}
				if err := exporter.Write(ctx, w, args[0], format); err != nil {
					return err
				}
				if out != "" {
					fmt.Println("wrote", out)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format (json, csv, xlsx)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default stdout)")
	return cmd
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List registered strategies, converters, scorers, planners and targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				out := map[string][]string{
					"strategies": a.Engine.StrategyNames(),
					"converters": a.Engine.Converters.Names(),
					"scorers":    a.Engine.Scorers.Names(),
					"planners":   engine.PlannerNames(),
					"targets":    a.Catalog.Names(),
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				events, err := a.Repo.LatestEvents(ctx, n, 0, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app) error {
				authCfg := server.AuthConfig{
					Token:     a.Config.Auth.Token,
					JWTSecret: a.Config.Auth.JWTSecret,
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					Manager:  a.Manager,
					Registry: a.Registry,
					Catalog:  a.Catalog,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				if authCfg.Token == "" && authCfg.JWTSecret == "" {
					fmt.Println("warning: no auth configured in redline.yml, API is open to anyone who can reach it")
				}
				fmt.Printf("Serving Redline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func parseConverterSpecs(in []string) ([]domain.ConverterSpec, error) {
	specs := make([]domain.ConverterSpec, 0, len(in))
	for _, raw := range in {
		name, paramsRaw, _ := strings.Cut(raw, ":")
		if name == "" {
			return nil, fmt.Errorf("invalid converter %q", raw)
		}
		spec := domain.ConverterSpec{Name: name}
		if paramsRaw != "" {
			spec.Params = map[string]string{}
			for _, pair := range strings.Split(paramsRaw, ",") {
				k, v, ok := strings.Cut(pair, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("invalid converter param %q in %q", pair, raw)
				}
				spec.Params[k] = v
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func parseLabels(in []string) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for _, pair := range in {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, expected k=v", pair)
		}
		out[k] = v
	}
	return out, nil
}

func truncateCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
