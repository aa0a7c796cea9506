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
	"go.uber.org/zap"

	"cohortline/internal/app"
	"cohortline/internal/config"
	"cohortline/internal/db"
	"cohortline/internal/engine"
	"cohortline/internal/events"
	"cohortline/internal/repo"
	"cohortline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Cohortline CLI",
	Long: `Cohortline promotes students between semester stages in bulk.
- Preview: counts active students per stage and recommends the odd or even cohort to move.
- Promote: executes a batch of transitions in one transaction; held-back students drop one stage.
- Undo: reverts the most recent batch from its history record, including archived students.
- Effects: clearance requests and fee invoices of promoted students can be settled with the batch.
- Event log: diary of changes, view with 'cl log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COHORTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier")
	flags.String("db-driver", db.DriverSQLite, "database driver (sqlite or postgres)")
	flags.String("db-dsn", "", "database DSN (required for postgres)")
	flags.String("log-level", "warn", "log level")
	flags.Bool("log-json", false, "log as JSON")
	for _, name := range []string{"workspace", "json", "actor-id", "db-driver", "db-dsn", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(studentCmd())
	rootCmd.AddCommand(previewCmd())
	rootCmd.AddCommand(promoteCmd())
	rootCmd.AddCommand(undoCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(clearanceCmd())
	rootCmd.AddCommand(feesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default cohortline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("Initialized workspace %s (config %s)\n", workspace, path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func rosterCmd() *cobra.Command {
	r := &cobra.Command{Use: "roster", Short: "Manage the student roster"}
	r.AddCommand(rosterImportCmd())
	return r
}

func rosterImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import students, clearance requests, fees and invoices from YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			roster, err := engine.LoadRosterFile(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ImportRoster(ctx, roster, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Imported %d students, %d clearance requests, %d fees, %d invoices\n", res.Students, res.Clearance, res.Fees, res.Invoices)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "roster YAML file")
	return cmd
}

func studentCmd() *cobra.Command {
	s := &cobra.Command{Use: "student", Short: "Inspect students"}
	s.AddCommand(studentListCmd())
	return s
}

func studentListCmd() *cobra.Command {
	var f repo.StudentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List students",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				students, err := a.Engine.Students(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(students)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Name", "Stage", "Status", "Updated"})
				for _, s := range students {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Stage, s.Status, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Stage, "stage", 0, "stage filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func previewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Show the recommended transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.Preview(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				note := ""
				if p.TieBreak {
					note = " (tie, configured default)"
				}
				fmt.Printf("Direction: %s%s  odd=%d even=%d\n", p.Direction, note, p.OddActive, p.EvenActive)
				tw := newTable()
				tw.AppendHeader(table.Row{"From", "To", "Eligible"})
				for _, c := range p.Candidates {
					tw.AppendRow(table.Row{c.From, target(c.To, c.Archive), c.Eligible})
				}
				tw.AppendFooter(table.Row{"", "Total", p.TotalEligible})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func promoteCmd() *cobra.Command {
	var (
		period, transitionType string
		transitions, holds     []string
		recommended            bool
		clearance, invoices    string
	)
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Execute a batch of stage transitions",
		Example: `  cl promote --period 2025-spring --transition 1:2 --transition 3:4 --hold 3=s12,s40
  cl promote --recommended --clearance clear --invoices clear`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := parseTransitions(transitions)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if recommended {
					p, err := a.Engine.Preview(ctx)
					if err != nil {
						return err
					}
					specs = append(specs, p.Specs()...)
				}
				if len(specs) == 0 {
					return fmt.Errorf("no transitions given (use --transition or --recommended)")
				}
				if err := applyHolds(specs, holds); err != nil {
					return err
				}
				if clearance == "" {
					clearance = a.Config.Effects.Clearance
				}
				if invoices == "" {
					invoices = a.Config.Effects.Invoices
				}
				ca, err := engine.ParseClearanceAction(clearance)
				if err != nil {
					return err
				}
				ia, err := engine.ParseInvoiceAction(invoices)
				if err != nil {
					return err
				}
				res, err := a.Engine.Execute(ctx, engine.ExecuteRequest{
					TransitionType: transitionType,
					Period:         period,
					Transitions:    specs,
					Clearance:      ca,
					Invoices:       ia,
					ActorID:        viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Executed %s for %s (history %s)\n", res.TransitionType, res.Period, res.HistoryID)
				tw := newTable()
				tw.AppendHeader(table.Row{"Advanced", "Archived", "Held back", "Clearance approved", "Clearance hidden", "Invoices written off", "Fees archived"})
				tw.AppendRow(table.Row{res.Advanced, res.Archived, res.HeldBack, res.Effects.ClearanceApproved, res.Effects.ClearanceHidden, res.Effects.InvoicesWrittenOff, res.Effects.FeesArchived})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "academic period token (default derived from today's date)")
	cmd.Flags().StringVar(&transitionType, "type", "", "transition type (default from config)")
	cmd.Flags().StringArrayVarP(&transitions, "transition", "t", nil, "transition FROM:TO or FROM:archive (repeatable)")
	cmd.Flags().StringArrayVar(&holds, "hold", nil, "held-back ids FROM=id1,id2 (repeatable)")
	cmd.Flags().BoolVar(&recommended, "recommended", false, "add the transitions recommended by preview")
	cmd.Flags().StringVar(&clearance, "clearance", "", "clearance action: none, clear, keep")
	cmd.Flags().StringVar(&invoices, "invoices", "", "invoice action: none, clear, archive, keep")
	return cmd
}

func undoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Revert the most recent batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.UndoLast(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				return nil
			})
		},
	}
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List executed batches, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.History(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Executed", "Type", "Period", "By", "Moves", "Undone"})
				for _, h := range items {
					moves := make([]string, 0, len(h.Entries))
					for _, e := range h.Entries {
						moves = append(moves, fmt.Sprintf("%d->%s (%d/%d)", e.FromStage, target(e.ToStage, e.ToArchive), len(e.ForwardIDs), len(e.HeldBackIDs)))
					}
					undone := ""
					if h.UndoneAt != nil {
						undone = *h.UndoneAt
					}
					tw.AppendRow(table.Row{h.ID, h.ExecutedAt, h.TransitionType, h.Period, h.ExecutedBy, strings.Join(moves, " "), undone})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of batches")
	return cmd
}

func clearanceCmd() *cobra.Command {
	c := &cobra.Command{Use: "clearance", Short: "Manage clearance requests"}
	c.AddCommand(&cobra.Command{
		Use:   "clear-item <item-id>",
		Short: "Mark a clearance item cleared",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req, err := a.Engine.ClearItem(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	})
	for _, v := range []struct {
		use, short string
		archived   bool
	}{
		{"hide <request-id>", "Hide a clearance request", true},
		{"reactivate <request-id>", "Reactivate a hidden clearance request", false},
	} {
		v := v
		c.AddCommand(&cobra.Command{
			Use:   v.use,
			Short: v.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
					req, err := a.Engine.SetClearanceVisibility(ctx, args[0], v.archived, viper.GetString("actor-id"))
					if err != nil {
						return err
					}
					return printJSONOrTable(req)
				})
			},
		})
	}
	return c
}

func feesCmd() *cobra.Command {
	f := &cobra.Command{Use: "fees", Short: "Inspect student fees"}
	f.AddCommand(&cobra.Command{
		Use:   "outstanding <student-id>",
		Short: "Show a student's unpaid balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bal, err := a.Engine.OutstandingFees(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bal)
				}
				fmt.Printf("%s owes %d.%02d across %d invoices\n", bal.StudentID, bal.OutstandingCents/100, bal.OutstandingCents%100, bal.Invoices)
				return nil
			})
		},
	})
	return f
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.ResolveConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate cohortline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := events.Latest(ctx, a.Engine.DB, a.Engine.Repo.Dialect, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: allowActorHeader,
					EnableDevLogin:         devLogin,
					Logger:                 a.Log.Named("auth"),
				}
				if authCfg.JWTSecret == "" && !allowActorHeader {
					return fmt.Errorf("COHORTLINE_JWT_SECRET is required unless --allow-actor-header is set")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Gatherer: a.Registry})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving Cohortline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without a token")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("db-dsn"),
		LogLevel:  viper.GetString("log-level"),
		JSONLogs:  viper.GetBool("log-json"),
	})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := fn(ctx, a); err != nil {
		if kind := engine.ErrorKind(err); kind != "persistence_failure" {
			return fmt.Errorf("%s: %w", kind, err)
		}
		return err
	}
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

func target(to int, archive bool) string {
	if archive {
		return "archive"
	}
	return fmt.Sprint(to)
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
