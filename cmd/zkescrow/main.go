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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"zkescrow/internal/app"
	"zkescrow/internal/config"
	"zkescrow/internal/db"
	"zkescrow/internal/repo"
	"zkescrow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "zkescrow",
	Short: "zkescrow CLI",
	Long: `zkescrow proves DID membership with Groth16 and prepares unsigned payloads for a
commitment-based job escrow and DID profile registry.
- Proofs: 'zkescrow prove' builds a proof plus DID, attribute and profile commitments. The DID never leaves the process.
- Actions: 'zkescrow action' encodes the ten-slot execute_job_action call for post, apply, approve, submit, accept, complete, claim, cancel and auto_return_stake.
- Guards: claim and auto_return_stake require an expired milestone; apply requires a worker that is not banned.
- Submissions: a lease per job or DID keeps two submissions from racing on the same ledger state.
- Event log: every prepared, refused and submitted payload is recorded; view with 'zkescrow log tail'.`,
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
	viper.SetEnvPrefix("ZKESCROW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/zkescrow.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the event log")
	rootCmd.PersistentFlags().String("node-url", "", "ledger node url (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("ledger.node_url", rootCmd.PersistentFlags().Lookup("node-url"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(proveCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(proofsCmd())
	rootCmd.AddCommand(commitCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(guardCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func options() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config"),
		Settings:   viper.GetViper(),
	}
}

func actor() string {
	return viper.GetString("actor-id")
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage zkescrow.yml",
		Long:  "Config names the ledger node and contract, the circuit artifacts, prover limits, the commitment scheme and logging. ZKESCROW_* environment variables override file values.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default zkescrow.yml into the workspace",
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
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options())
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(options())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail of proofs, prepared and refused payloads, profile operations and submissions. It never contains a raw DID.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				events, err := rt.Engine.ListEvents(ctx, n, 0, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable("ID", "TS", "Type", "Entity", "Actor", "Payload")
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, strings.TrimSuffix(e.EntityKind+":"+e.EntityID, ":"), e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves the API under the base path. Set ZKESCROW_JWT_SECRET to require HS256 bearer tokens; without it the API is open and X-Actor-Id labels events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("ZKESCROW_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					rt.Log.Warn("ZKESCROW_JWT_SECRET not set; API is unauthenticated")
				}
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Log: rt.Log.Named("http")})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, rt.Engine, rt.Log)
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Log.Info("serving zkescrow API",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(options())
	if err != nil {
		return err
	}
	defer rt.Close()
	rt.Engine.Log.Debug("runtime ready", zap.String("workspace", rt.Workspace))
	return fn(ctx, rt)
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

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func readJSONFile(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
