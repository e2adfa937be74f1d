package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dmecoord/internal/app"
	"dmecoord/internal/config"
	"dmecoord/internal/db"
	"dmecoord/internal/server"
	"dmecoord/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "dmecoord",
	Short: "DME order coordination service",
	Long: `dmecoord coordinates the lifecycle of durable medical equipment orders.
- Event log: every lifecycle fact (order.created, shipment.delivered, claim.paid, ...) is appended to events.jsonl in the data dir.
- Tasks: human work items (portal holds, compliance gaps, patient actions, SLA breaches) moving open -> in_progress -> closed.
- SLA: each order is scored against the policy on every event; breaches open sla_breach tasks and emit sla.updated.
- Webhooks: subscribers receive matching events through a persistent outbox and a delivery worker.
- Compliance radar: compliance_status.csv is scanned for missing paperwork and expiring authorizations.`,
	SilenceUsage: true,
}

func main() {
	_ = godotenv.Load()
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DMECOORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory holding dmecoord.yml")
	rootCmd.PersistentFlags().String("config", "", "explicit config file path")
	rootCmd.PersistentFlags().String("data-dir", "", "override config data_dir")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "config", "data-dir", "json", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(complianceCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(tokenCmd())
}

func logLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if dir := viper.GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	return cfg, nil
}

// withApp builds the full component graph for a one-shot command. Background
// loops are not started.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))
			slog.SetDefault(logger)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Telemetry.Enabled {
				shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stdout, logger)
				if err != nil {
					return fmt.Errorf("init tracer: %w", err)
				}
				defer func() {
					if err := shutdown(context.Background()); err != nil {
						logger.Error("tracer shutdown failed", slog.String("error", err.Error()))
					}
				}()
			}

			a, err := app.New(ctx, app.Options{Config: cfg, Logger: logger})
			if err != nil {
				return err
			}
			defer a.Close()
			if cfg.Auth.JWTSecret == "" {
				logger.Warn("auth disabled: no jwt secret configured")
			}

			handler, err := server.New(server.Config{
				App:       a,
				BasePath:  cfg.Server.BasePath,
				Auth:      server.AuthConfig{JWTSecret: cfg.Auth.JWTSecret, DevLogin: cfg.Auth.DevLogin},
				Logger:    logger,
				Heartbeat: cfg.Stream.Heartbeat.Std(),
				QueueSize: cfg.Stream.QueueSize,
				Tracing:   cfg.Telemetry.Enabled,
			})
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Server.Addr)
			if err != nil {
				return err
			}
			a.Start(ctx)
			logger.Info("serving",
				slog.String("addr", ln.Addr().String()),
				slog.String("base_path", cfg.Server.BasePath),
				slog.String("data_dir", cfg.DataDir),
				slog.String("db", db.Path(cfg.DataDir)),
			)
			srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			return serveHTTP(ctx, srv, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer auth (env DMECOORD_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

const shutdownTimeout = 5 * time.Second

// serveHTTP serves until ctx is done, then shuts down and waits for it to
// finish. Requests inherit ctx, so stream handlers end on shutdown instead
// of outliving the app.
func serveHTTP(ctx context.Context, srv *http.Server, ln net.Listener) error {
	srv.BaseContext = func(net.Listener) context.Context { return ctx }
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return shutdownErr
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect service config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default dmecoord.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err == nil {
				err = c.Validate()
			}
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

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			token, err := server.SignToken(secret, subject, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor id placed in the sub claim")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any, table func()) error {
	if viper.GetBool("json") || table == nil {
		return printJSON(v)
	}
	table()
	return nil
}
