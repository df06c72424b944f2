// Package main is the entry point for the relay binary. It wires
// internal/broker together for the "init" subcommand, and provides thin
// client subcommands ("pty", "headless", "listen") that either talk to an
// already-running broker over its local socket or, for "headless", bypass
// the broker entirely.
//
// Startup sequence for "init":
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Construct broker.Config and broker.New
//  4. Run until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agentrelay/relay/internal/broker"
	"github.com/agentrelay/relay/internal/cloud"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	dataDir         string
	socketPath      string
	apiPort         string
	workspaceToken  string
	logLevel        string
	cloudURL        string
	cloudToken      string
	cloudBrokerName string
}

// errBadArgs marks an error as an argument-usage mistake rather than a
// startup failure, per spec §6's distinct exit code for each (2 vs 1).
type errBadArgs struct{ err error }

func (e errBadArgs) Error() string { return e.err.Error() }
func (e errBadArgs) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var bad errBadArgs
		if errors.As(err, &bad) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "relay",
		Short: "Agent Relay — real-time message broker for PTY-wrapped CLI agents",
		Long: `Agent Relay runs as a single long-lived broker process on a workstation.
It wraps interactive CLI agents in PTY sessions, routes messages between them
and programmatic clients, and optionally mirrors that routing to a parent
relay broker over a cloud WebSocket uplink.`,
	}

	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("RELAY_DATA_DIR", defaultDataDir()), "directory for the message log, outbox, and credentials")
	root.PersistentFlags().StringVar(&cfg.socketPath, "socket", envOrDefault("RELAY_SOCKET", defaultSocketPath()), "local stream transport socket path")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")

	root.AddCommand(newInitCmd(cfg))
	root.AddCommand(newPTYCmd(cfg))
	root.AddCommand(newHeadlessCmd(cfg))
	root.AddCommand(newListenCmd(cfg))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newInitCmd is the broker-run subcommand (spec §6: "init — run as broker,
// accepting an optional --api-port").
func newInitCmd(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Run as the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.apiPort, "api-port", envOrDefault("RELAY_API_PORT", ""), "optional listening address for the HTTP/WS port, e.g. :7420")
	cmd.Flags().StringVar(&cfg.workspaceToken, "workspace-token", envOrDefault("RELAY_WORKSPACE_TOKEN", ""), "bearer token gating the listening HTTP/WS port (empty disables gating)")
	cmd.Flags().StringVar(&cfg.cloudURL, "cloud-url", envOrDefault("RELAY_CLOUD_URL", ""), "parent relay broker WebSocket URL (empty disables the cloud uplink)")
	cmd.Flags().StringVar(&cfg.cloudToken, "cloud-token", envOrDefault("RELAY_CLOUD_TOKEN", ""), "bearer token presented to the cloud uplink")
	cmd.Flags().StringVar(&cfg.cloudBrokerName, "cloud-broker-name", envOrDefault("RELAY_CLOUD_BROKER_NAME", ""), "identity this broker presents to the cloud uplink")
	return cmd
}

// newPTYCmd wraps one CLI in a PTY session by asking an already-running
// broker to SPAWN it, then streams the envelopes sent to its launcher
// connection (not the agent's DELIVERs) to stdout as JSON lines until that
// connection ends (spec §6: "pty <cli> [args] — wrap one CLI in a PTY
// session, used internally").
func newPTYCmd(cfg *config) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:                "pty <cli> [args...]",
		Short:              "Wrap a CLI in a PTY session under a running broker",
		Args:               requireArgs(1, "pty requires a <cli> argument"),
		DisableFlagParsing: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cliName := args[0]
			cliArgs := args[1:]
			if name == "" {
				name = cliName
			}
			if err := spawnAndWatch(cmd.Context(), cfg, name, cliName, cliArgs); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name to register (defaults to the CLI name)")
	return cmd
}

// newHeadlessCmd runs a CLI one-shot with no broker involvement and no
// injection (spec §6: "headless <cli> [args] — run a CLI one-shot, with no
// injection").
func newHeadlessCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "headless <cli> [args...]",
		Short: "Run a CLI one-shot with no relay injection",
		Args:  requireArgs(1, "headless requires a <cli> argument"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHeadless(cmd.Context(), args[0], args[1:])
		},
	}
}

// newListenCmd attaches to a running broker as an inert participant, printing
// every envelope it observes (spec §6: "listen — attach as an inert
// participant").
func newListenCmd(cfg *config) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Attach to a running broker as an inert observer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = fmt.Sprintf("listener-%d", os.Getpid())
			}
			return watchOnly(cmd.Context(), cfg, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name to register (defaults to listener-<pid>)")
	return cmd
}

func runBroker(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cloudCfg *cloud.Config
	if cfg.cloudURL != "" {
		cloudCfg = &cloud.Config{
			URL:        cfg.cloudURL,
			BrokerName: cfg.cloudBrokerName,
			Token:      cfg.cloudToken,
			StateDir:   cfg.dataDir,
		}
	}

	b, err := broker.New(broker.Config{
		Version:         version,
		DataDir:         cfg.dataDir,
		LocalSocketPath: cfg.socketPath,
		HTTPAddr:        cfg.apiPort,
		WorkspaceToken:  cfg.workspaceToken,
		LogLevel:        gormLogLevel(cfg.logLevel),
		Cloud:           cloudCfg,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to construct broker: %w", err)
	}

	logger.Info("starting relay broker",
		zap.String("version", version),
		zap.String("data_dir", cfg.dataDir),
		zap.String("socket", cfg.socketPath),
	)

	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("broker exited with error: %w", err)
	}

	logger.Info("relay broker stopped")
	return nil
}

// defaultDataDir returns the platform-appropriate default data directory.
func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return dir + "/.relay"
	}
	return ".relay"
}

func defaultSocketPath() string {
	return defaultDataDir() + "/relay.sock"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

// requireArgs wraps cobra.MinimumNArgs so a missing positional argument
// reports as errBadArgs (exit code 2) rather than a generic startup failure.
func requireArgs(n int, message string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.MinimumNArgs(n)(cmd, args); err != nil {
			return errBadArgs{fmt.Errorf("%s", message)}
		}
		return nil
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
