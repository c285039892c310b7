package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/engine"
	"fieldline/internal/notify"
	"fieldline/internal/repo"
	"fieldline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline runs field collection work: accounts become tasks in buckets,
team leads assign them to agents, and agents start and finish them from a device
session (scope) with a recorded disposition.
- Workspace: directory holding fieldline.yml, .env and the .fieldline SQLite store.
- Bucket: a geographic work area with its own field order.
- Callfile: a batch of accounts; only active and approved callfiles are workable.
- Task: UNASSIGNED -> ASSIGNED -> STARTED -> FINISHED.
- Scope: one device session; it holds at most one lease on a started task.
- Disposition: the immutable visit outcome written when a task finishes.
- Event log: every mutation, view with 'fl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		// Values already in the environment win over the workspace .env.
		if err := godotenv.Load(filepath.Join(workspace, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	},
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
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in events")
	rootCmd.PersistentFlags().String("driver", "", "store driver override (sqlite or postgres)")
	rootCmd.PersistentFlags().String("dsn", "", "store DSN override")
	for _, name := range []string{"workspace", "json", "actor-id", "driver", "dsn"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(bucketCmd())
	rootCmd.AddCommand(callfileCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(leaseCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(dispositionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(relayCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage fieldline.yml"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default fieldline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
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
		Short: "Validate fieldline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <bucket-id>",
		Short: "Task counts by state for a bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetBucket(ctx, args[0]); err != nil {
					return fmt.Errorf("bucket %s: %w", args[0], err)
				}
				counts, err := e.Repo.CountTasksByState(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable("State", "Tasks")
				for _, s := range []string{"UNASSIGNED", "ASSIGNED", "STARTED", "FINISHED"} {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var agentID, scopeID, role string
	var ttl time.Duration
	var save bool
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with FIELDLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), agentID, scopeID, role, ttl)
			if err != nil {
				return err
			}
			if !save {
				fmt.Println(token)
				return nil
			}
			path := filepath.Join(viper.GetString("workspace"), ".env")
			env, err := godotenv.Read(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				env = map[string]string{}
			}
			env["FIELDLINE_TOKEN"] = token
			if err := godotenv.Write(env, path); err != nil {
				return err
			}
			fmt.Println("saved FIELDLINE_TOKEN to", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (token subject)")
	cmd.Flags().StringVar(&scopeID, "scope", "", "scope id for field operations")
	cmd.Flags().StringVar(&role, "role", "", "agent role")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "store the token in the workspace .env")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, withRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			cfg := rt.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyAgentHeader: cfg.Server.AllowLegacyAgentHeader,
				DevLogin:               devLogin,
				Log:                    rt.Log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:    rt.Engine,
				BasePath:  basePath,
				Auth:      authCfg,
				Log:       rt.Log,
				RateLimit: cfg.Server.RateLimitPerSecond,
				Burst:     cfg.Server.RateLimitBurst,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				rt.Log.Info("serving fieldline api", "addr", addr, "base_path", basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			if withRelay {
				relay, closeRelay, err := newRelay(rt)
				if err != nil {
					return err
				}
				defer closeRelay()
				g.Go(func() error { return relay.Run(ctx) })
			}
			fmt.Printf("Serving fieldline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login")
	cmd.Flags().BoolVar(&withRelay, "relay", false, "also mirror notifications into Redis")
	return cmd
}

func relayCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Mirror notifications into Redis streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			relay, closeRelay, err := newRelay(rt)
			if err != nil {
				return err
			}
			defer closeRelay()
			if once {
				n, err := relay.Pump(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("published %d notifications\n", n)
				return nil
			}
			return relay.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "publish pending notifications and exit")
	return cmd
}

// --- helpers ---

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("driver"),
		DSN:       viper.GetString("dsn"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func newRelay(rt *app.Runtime) (notify.Relay, func(), error) {
	url := viper.GetString("redis-url")
	if url == "" {
		url = rt.Config.Relay.RedisURL
	}
	if url == "" {
		return notify.Relay{}, nil, fmt.Errorf("relay needs relay.redis_url in fieldline.yml or FIELDLINE_REDIS_URL")
	}
	client, err := notify.NewRedisClient(url)
	if err != nil {
		return notify.Relay{}, nil, err
	}
	relay := notify.Relay{
		Repo:     rt.Engine.Repo,
		Redis:    client,
		Prefix:   rt.Config.Relay.StreamPrefix,
		Interval: time.Duration(rt.Config.Relay.IntervalSeconds) * time.Second,
		Batch:    rt.Config.Relay.Batch,
		MaxLen:   rt.Config.Relay.MaxLen,
		Log:      rt.Log,
	}
	return relay, func() { _ = client.Close() }, nil
}

func newTable(headers ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(headers))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
