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
	"gopkg.in/yaml.v3"

	"tickwatch/internal/app"
	"tickwatch/internal/config"
	"tickwatch/internal/db"
	"tickwatch/internal/domain"
	"tickwatch/internal/repo"
	"tickwatch/internal/server"
	"tickwatch/internal/stats"
)

var rootCmd = &cobra.Command{
	Use:   "tickwatch",
	Short: "Track TickTick task completions and deletions",
	Long: `tickwatch snapshots the open tasks of a TickTick account on an interval and
works out, for every task that disappeared since the previous pass, whether it
was completed or deleted. Outcomes are kept in a local SQLite store.

- Pass: one reconciliation run (tickwatch pass, or scheduled by tickwatch run).
- Snapshot: the open tasks seen by the last successful pass.
- Completions / deletions: the outcome history, queryable by date and project.
- Event log: every outcome and pass, view with 'tickwatch log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TICKWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/tickwatch.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(passCmd())
	rootCmd.AddCommand(completionsCmd())
	rootCmd.AddCommand(deletionsCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(passesCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

// loadConfig reads the config file and applies TICKWATCH_* overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if p := viper.GetString("config"); p != "" {
		cfg, err = config.FromFile(p)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"access_token":  &cfg.TickTick.AccessToken,
		"refresh_token": &cfg.TickTick.RefreshToken,
		"client_id":     &cfg.TickTick.ClientID,
		"client_secret": &cfg.TickTick.ClientSecret,
		"base_url":      &cfg.TickTick.BaseURL,
		"db":            &cfg.Storage.Path,
		"redis_url":     &cfg.Notify.Redis.URL,
		"jwt_secret":    &cfg.API.JWTSecret,
		"timezone":      &cfg.Monitor.Timezone,
		"log-level":     &cfg.Log.Level,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			*dst = v
		}
	}
	if v := strings.TrimSpace(viper.GetString("interval")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("TICKWATCH_INTERVAL: %w", err)
		}
		cfg.Monitor.Interval = config.Duration{Duration: d}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withRepo opens the store only; query commands need no upstream credentials.
func withRepo(ctx context.Context, fn func(context.Context, *config.Config, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, r, err := app.OpenStore(ctx, viper.GetString("workspace"), cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, cfg, r)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run reconciliation passes on the configured interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Monitor.Run(ctx)
			})
		},
	}
}

func passCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Run a single reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Engine.RunPass(ctx)
				if viper.GetBool("json") {
					if perr := printJSON(sum); perr != nil {
						return perr
					}
				} else {
					printPasses([]domain.PassSummary{sum})
				}
				return err
			})
		},
	}
}

type rangeFlags struct {
	start, end, project string
	today               bool
	limit               int
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.start, "start", "", "start bound: YYYY-MM-DD, RFC 3339 or a TickTick timestamp")
	cmd.Flags().StringVar(&f.end, "end", "", "end bound: YYYY-MM-DD (inclusive), RFC 3339 or a TickTick timestamp")
	cmd.Flags().StringVar(&f.project, "project", "", "project id filter")
	cmd.Flags().BoolVar(&f.today, "today", false, "only today (configured timezone)")
	cmd.Flags().IntVar(&f.limit, "limit", 50, "max rows")
}

func (f *rangeFlags) bounds(cfg *config.Config) (*time.Time, *time.Time, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	if f.today {
		s, e := stats.TodayRange(time.Now(), loc)
		return &s, &e, nil
	}
	start, err := stats.ParseBound(f.start, loc, false)
	if err != nil {
		return nil, nil, fmt.Errorf("--start: %w", err)
	}
	end, err := stats.ParseBound(f.end, loc, true)
	if err != nil {
		return nil, nil, fmt.Errorf("--end: %w", err)
	}
	return start, end, nil
}

func completionsCmd() *cobra.Command {
	var f rangeFlags
	cmd := &cobra.Command{
		Use:   "completions",
		Short: "List completed tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				start, end, err := f.bounds(cfg)
				if err != nil {
					return err
				}
				items, err := r.ListCompletions(ctx, repo.CompletionFilter{Start: start, End: end, ProjectID: f.project, Limit: f.limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				loc, _ := cfg.Location()
				tw := newTable()
				tw.AppendHeader(table.Row{"Completed", "Source", "Task", "Project", "Title"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.CompletedTime.In(loc).Format(time.DateTime), c.CompletedTimeSource, c.TaskID, c.ProjectID, c.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func deletionsCmd() *cobra.Command {
	var f rangeFlags
	cmd := &cobra.Command{
		Use:   "deletions",
		Short: "List deleted tasks, most recently detected first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				start, end, err := f.bounds(cfg)
				if err != nil {
					return err
				}
				items, err := r.ListDeletions(ctx, repo.DeletionFilter{Start: start, End: end, ProjectID: f.project, Limit: f.limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				loc, _ := cfg.Location()
				tw := newTable()
				tw.AppendHeader(table.Row{"Detected", "Task", "Project", "Title"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.DeletedDetectedAt.In(loc).Format(time.DateTime), d.TaskID, d.ProjectID, d.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show open, completed and deleted counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, cfg *config.Config, r repo.Repo) error {
				loc, err := cfg.Location()
				if err != nil {
					return err
				}
				s, err := stats.View{Repo: r, Now: time.Now, Location: loc}.Statistics(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable()
				tw.AppendRows([]table.Row{
					{"Open", s.OpenCount},
					{"Completed", s.CompletedCount},
					{"Deleted", s.DeletedCount},
					{"Completed today", s.CompletedToday},
					{"Completed this week", s.CompletedThisWeek},
				})
				tw.Render()
				return nil
			})
		},
	}
}

func passesCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "passes",
		Short: "List recent passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, _ *config.Config, r repo.Repo) error {
				items, err := r.ListPasses(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printPasses(items)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of passes")
	return cmd
}

func printPasses(items []domain.PassSummary) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "At", "Status", "Prev", "Curr", "Gone", "Done", "Deleted", "Skipped", "ms", "Error"})
	for _, p := range items {
		tw.AppendRow(table.Row{
			p.ID, p.PassedAt.Local().Format(time.DateTime), p.Status,
			p.PreviousCount, p.CurrentCount, p.DisappearedCount, p.CompletedCount, p.DeletedCount,
			p.SkippedProjects, p.ElapsedMS, p.Error,
		})
	}
	tw.Render()
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every recorded outcome and pass, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, passID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, _ *config.Config, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, passID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Pass", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.PassID, e.EntityKind + ":" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&passID, "pass", "", "pass id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noMonitor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP query API alongside the monitor loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.API.Addr
				}
				handler, err := server.New(server.Config{
					Repo:     a.Repo,
					Stats:    a.Stats,
					Passes:   a.Monitor,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: a.Config.API.JWTSecret},
					Logger:   a.Logger,
				})
				if err != nil {
					return err
				}
				// Stop also waits for passes triggered over the API, so it must
				// run before the store is closed.
				defer a.Monitor.Stop()
				if !noMonitor {
					if err := a.Monitor.Start(ctx); err != nil {
						return err
					}
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Logger.WithField("addr", addr).Infof("serving tickwatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default api.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "serve queries without running scheduled passes")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
		Long:  "Config lives in <workspace>/tickwatch.yml; TICKWATCH_* environment variables override it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Redacted())
			}
			out, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default tickwatch.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
