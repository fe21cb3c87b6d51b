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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskrelay/internal/app"
	"taskrelay/internal/config"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/events"
	"taskrelay/internal/logging"
	"taskrelay/internal/migrate"
	"taskrelay/internal/repo"
	"taskrelay/internal/server"
	taskrelaysdk "taskrelay/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "taskrelay",
	Short: "taskrelay CLI",
	Long: `taskrelay relays Clerk identity webhooks into the datastore and runs durable
task reminder workflows.

- Events: inbound facts (clerk/user.created, app/task.assigned) recorded once by id.
- Functions: handlers subscribed to an event name; each event queues one run per function.
- Runs: durable executions made of named steps; completed steps are never repeated.
- Sleep: a run can suspend until a timestamp and resumes on the worker after a restart.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadDotEnv(viper.GetString("workspace"))
	},
}

var out io.Writer = os.Stdout

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/taskrelay.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().String("server", "", "talk to a running server at this URL instead of the local datastore")
	rootCmd.PersistentFlags().String("token", "", "bearer token for --server")
	for _, name := range []string{"workspace", "config", "json", "log-level", "server", "token"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(functionsCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, webhook receiver and run worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if cfg.Auth.JWTSecret == "" {
					return fmt.Errorf("auth.jwt_secret (or TASKRELAY_JWT_SECRET) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer},
					Clerk:    server.ClerkConfig{WebhookSecret: cfg.Clerk.WebhookSecret, Tolerance: cfg.Clerk.Tolerance},
					Logger:   a.Logger.With().Str("component", "http").Logger(),
				})
				if err != nil {
					return err
				}
				if cfg.Clerk.WebhookSecret == "" {
					a.Logger.Warn().Msg("clerk.webhook_secret not set; /webhooks/clerk answers 503")
				}

				workerDone := make(chan error, 1)
				if noWorker {
					close(workerDone)
				} else {
					w := engine.NewWorker(a.Engine, cfg.Engine.PollInterval)
					go func() { workerDone <- w.Run(ctx) }()
				}

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						a.Logger.Error().Err(err).Msg("http shutdown")
					}
				}()
				a.Logger.Info().Str("addr", addr).Str("base_path", basePath).Bool("worker", !noWorker).
					Msgf("serving taskrelay on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					stop()
					<-workerDone
					return err
				}
				stop()
				if err := <-workerDone; err != nil {
					return fmt.Errorf("worker: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without executing runs")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn, dialect); err != nil {
				return err
			}
			history, err := migrate.History(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"dialect": dialect, "applied": history})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(out)
			tw.AppendHeader(table.Row{"Version", "Migration", "Applied At"})
			for _, m := range history {
				tw.AppendRow(table.Row{m.Version, m.Name, m.AppliedAt.Format(time.RFC3339)})
			}
			tw.Render()
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(out, "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			redacted := *cfg
			redacted.Database.DSN = redact(redacted.Database.DSN)
			redacted.Mail.Password = redact(redacted.Mail.Password)
			redacted.Auth.JWTSecret = redact(redacted.Auth.JWTSecret)
			redacted.Clerk.WebhookSecret = redact(redacted.Clerk.WebhookSecret)
			if viper.GetBool("json") {
				return printJSON(redacted)
			}
			b, err := yaml.Marshal(redacted)
			if err != nil {
				return err
			}
			_, err = out.Write(b)
			return err
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(out, "config OK")
			return nil
		},
	}
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Send events",
	}
	cmd.AddCommand(eventSendCmd())
	return cmd
}

func eventSendCmd() *cobra.Command {
	var id, name, data, ts string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Record an event and queue its runs",
		Example: `  taskrelay event send --name app/task.assigned --data '{"taskId":"T1","origin":"https://app.example.com"}'
  taskrelay event send --server http://127.0.0.1:8080 --token $TOKEN --name app/task.assigned --data '{"taskId":"T1"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			payload := map[string]any{}
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payload); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
			}
			var at *time.Time
			if ts != "" {
				parsed, err := time.Parse(time.RFC3339, ts)
				if err != nil {
					return fmt.Errorf("--ts must be RFC3339: %w", err)
				}
				at = &parsed
			}
			if id == "" {
				id = uuid.NewString()
			}

			if client := remoteClient(); client != nil {
				res, err := client.SendEvent(cmd.Context(), taskrelaysdk.Event{ID: id, Name: name, Data: payload, TS: at})
				if err != nil {
					return err
				}
				return printSendResult(res.EventID, res.RunIDs, res.Duplicate)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evt, err := events.New(id, name, payload)
				if err != nil {
					return err
				}
				if at != nil {
					evt.TS = *at
				}
				res, err := a.Engine.Send(ctx, evt)
				if err != nil {
					return err
				}
				return printSendResult(res.EventID, res.RunIDs, res.Duplicate)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "event id (idempotency key; generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "event name, e.g. app/task.assigned")
	cmd.Flags().StringVar(&data, "data", "", "event payload as a JSON object")
	cmd.Flags().StringVar(&ts, "ts", "", "event time in RFC3339 (defaults to now)")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and execute workflow runs",
	}
	cmd.AddCommand(runsListCmd())
	cmd.AddCommand(runsShowCmd())
	cmd.AddCommand(runsTickCmd())
	return cmd
}

func runsListCmd() *cobra.Command {
	var filter taskrelaysdk.RunFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				items, err := client.ListRuns(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printRuns(items)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				limit := filter.Limit
				if limit <= 0 {
					limit = 50
				}
				items, err := r.ListRuns(ctx, repo.RunFilters{
					Status:     filter.Status,
					FunctionID: filter.FunctionID,
					EventID:    filter.EventID,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				runs := make([]taskrelaysdk.Run, 0, len(items))
				for _, item := range items {
					runs = append(runs, toSDKRun(item, nil))
				}
				return printRuns(runs)
			})
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "filter by status (queued, running, sleeping, completed, failed)")
	cmd.Flags().StringVar(&filter.FunctionID, "function", "", "filter by function id")
	cmd.Flags().StringVar(&filter.EventID, "event", "", "filter by event id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of runs")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if client := remoteClient(); client != nil {
				run, err := client.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRun(run)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				run, err := r.GetRun(ctx, args[0])
				if err != nil {
					if errors.Is(err, repo.ErrNotFound) {
						return fmt.Errorf("run %s not found", args[0])
					}
					return err
				}
				steps, err := r.ListSteps(ctx, run.ID)
				if err != nil {
					return err
				}
				return printRun(toSDKRun(run, steps))
			})
		},
	}
}

func runsTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Execute every due run once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Engine.RequeueStale(ctx); err != nil {
					return err
				}
				n, err := a.Engine.Tick(ctx)
				if viper.GetBool("json") {
					if perr := printJSON(map[string]int{"executed": n}); perr != nil {
						return perr
					}
				} else {
					fmt.Fprintf(out, "executed %d run(s)\n", n)
				}
				return err
			})
		},
	}
}

func functionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List registered functions and their triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				type row struct {
					ID    string `json:"id"`
					Topic string `json:"topic"`
				}
				var rows []row
				for _, fn := range a.Engine.Functions() {
					rows = append(rows, row{ID: fn.ID, Topic: fn.Topic})
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(out)
				tw.AppendHeader(table.Row{"Function", "Trigger"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Topic})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tok, err := server.SignToken(server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer}, subject, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"token": tok, "subject": subject, "expires_at": time.Now().Add(ttl).UTC()})
			}
			fmt.Fprintln(out, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadDotEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	err := godotenv.Load(filepath.Join(workspace, ".env"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return config.Path(viper.GetString("workspace"))
}

// loadConfig reads the config file (defaults when it is absent and no
// explicit --config was given), then applies TASKRELAY_* overrides.
func loadConfig() (*config.Config, error) {
	path := configPath()
	cfg := config.Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg, err = config.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && viper.GetString("config") == "":
	default:
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverrides lets secrets and deployment knobs come from the environment.
func applyOverrides(cfg *config.Config) {
	set := func(key string, dst *string) {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	set("server-addr", &cfg.Server.Addr)
	set("database-driver", &cfg.Database.Driver)
	set("database-dsn", &cfg.Database.DSN)
	set("mail-transport", &cfg.Mail.Transport)
	set("mail-host", &cfg.Mail.Host)
	set("mail-username", &cfg.Mail.Username)
	set("mail-password", &cfg.Mail.Password)
	set("mail-from", &cfg.Mail.From)
	set("jwt-secret", &cfg.Auth.JWTSecret)
	set("clerk-webhook-secret", &cfg.Clerk.WebhookSecret)
	set("timezone", &cfg.Timezone)
	set("log-level", &cfg.Log.Level)
	set("log-format", &cfg.Log.Format)
	if port := viper.GetInt("mail-port"); port > 0 {
		cfg.Mail.Port = port
	}
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Out: os.Stderr})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(cfg, app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(logger.WithContext(ctx), a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	conn, dialect, err := db.Open(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn, dialect); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn, dialect))
}

func remoteClient() *taskrelaysdk.Client {
	base := viper.GetString("server")
	if base == "" {
		return nil
	}
	return taskrelaysdk.New(base, viper.GetString("token"))
}

func toSDKRun(r domain.Run, steps []domain.StepRecord) taskrelaysdk.Run {
	run := taskrelaysdk.Run{
		ID:          r.ID,
		FunctionID:  r.FunctionID,
		EventID:     r.EventID,
		Status:      string(r.Status),
		Step:        r.Step,
		Attempt:     r.Attempt,
		WakeAt:      r.WakeAt,
		LastError:   r.LastError,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: r.CompletedAt,
	}
	for _, s := range steps {
		var output any
		if len(s.Output) > 0 {
			_ = json.Unmarshal(s.Output, &output)
		}
		run.Steps = append(run.Steps, taskrelaysdk.Step{
			Name:        s.Name,
			Status:      string(s.Status),
			Output:      output,
			WakeAt:      s.WakeAt,
			CreatedAt:   s.CreatedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return run
}

func printSendResult(eventID string, runIDs []string, duplicate bool) error {
	if runIDs == nil {
		runIDs = []string{}
	}
	if viper.GetBool("json") {
		return printJSON(map[string]any{"event_id": eventID, "run_ids": runIDs, "duplicate": duplicate})
	}
	if duplicate {
		fmt.Fprintf(out, "event %s already recorded\n", eventID)
	} else {
		fmt.Fprintf(out, "event %s recorded\n", eventID)
	}
	for _, id := range runIDs {
		fmt.Fprintf(out, "  run %s\n", id)
	}
	return nil
}

func printRuns(runs []taskrelaysdk.Run) error {
	if viper.GetBool("json") {
		if runs == nil {
			runs = []taskrelaysdk.Run{}
		}
		return printJSON(runs)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "Function", "Status", "Step", "Attempt", "Wake At"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.FunctionID, r.Status, r.Step, r.Attempt, formatOptionalTime(r.WakeAt)})
	}
	tw.Render()
	return nil
}

func printRun(run taskrelaysdk.Run) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	fmt.Fprintf(out, "Run:      %s\n", run.ID)
	fmt.Fprintf(out, "Function: %s\n", run.FunctionID)
	fmt.Fprintf(out, "Event:    %s\n", run.EventID)
	fmt.Fprintf(out, "Status:   %s (attempt %d)\n", run.Status, run.Attempt)
	if run.WakeAt != nil {
		fmt.Fprintf(out, "Wake at:  %s\n", run.WakeAt.Format(time.RFC3339))
	}
	if run.LastError != "" {
		fmt.Fprintf(out, "Error:    %s\n", run.LastError)
	}
	if len(run.Steps) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Step", "Status", "Wake At", "Output"})
	for _, s := range run.Steps {
		output := ""
		if s.Output != nil {
			b, _ := json.Marshal(s.Output)
			output = string(b)
		}
		tw.AppendRow(table.Row{s.Name, s.Status, formatOptionalTime(s.WakeAt), output})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
