// Command server starts one cluster member: it loads configuration
// (defaults < YAML file < RAFTKV_ env vars < flags, per pkg/config),
// wires a pkg/node.Node over a real pkg/wire.Transport, serves inbound
// RPCs, and waits for SIGINT/SIGTERM to shut down in reverse
// construction order. Grounded on the teacher's cmd/server/main.go
// (flag parsing, WAL/store/transport/node construction order, signal
// handling, graceful shutdown), rebuilt on cobra per SPEC_FULL §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coreraft/raftkv/pkg/address"
	"github.com/coreraft/raftkv/pkg/config"
	"github.com/coreraft/raftkv/pkg/node"
	"github.com/coreraft/raftkv/pkg/wire"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "server",
		Short: "Run one raftkv cluster member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, cmd)
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a YAML config file")
	flags.String("id", "", "node ID (human-readable label)")
	flags.String("listen-addr", "", "this node's canonical address, e.g. /ip4/127.0.0.1/tcp/9090")
	flags.StringSlice("peers", nil, "comma-separated list of peer canonical addresses")
	flags.String("db", "", "storage backend (memory)")
	flags.Bool("persist", true, "persist log/meta to disk")
	flags.String("location", "", "data directory path")
	flags.String("session-key", "", "shared-secret HMAC key for wire RPC auth, empty disables auth")
	flags.Int("max-log-retention", 0, "entries retained past the snapshot boundary before compaction")
	flags.Duration("rpc-timeout", 0, "per-RPC timeout")
	flags.Duration("connection-timeout", 0, "dial timeout")
	flags.Duration("min-election-timeout", 0, "minimum election timeout")
	flags.Duration("heartbeat-interval", 0, "leader heartbeat interval")
	flags.Bool("public", false, "bind to the wildcard address instead of the parsed listen host")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, cmd *cobra.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(&cfg, cmd)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	selfAddr, err := address.Parse(cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("parse listenAddr: %w", err)
	}

	var sessionKey []byte
	if cfg.SessionKey != "" {
		sessionKey = []byte(cfg.SessionKey)
	}
	transport := wire.New(selfAddr.ID(), sessionKey, cfg.ConnectionTimeout, cfg.RPCTimeout, logger)

	n, err := node.New(cfg, logger, transport)
	if err != nil {
		return fmt.Errorf("construct node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenAddr := selfAddr.DialTarget()
	if cfg.Public {
		listenAddr = fmt.Sprintf(":%d", selfAddr.Port)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- transport.Serve(ctx, "tcp", listenAddr, n.Handler())
	}()

	n.Start(ctx)
	logger.Info("node started",
		zap.String("id", cfg.ID),
		zap.String("listenAddr", listenAddr),
		zap.Strings("peers", cfg.Peers),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("transport serve failed", zap.Error(err))
		}
	}

	cancel()
	n.Stop()
	if err := transport.Close(); err != nil {
		logger.Warn("transport close", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// applyFlagOverrides layers any flags the operator actually set on top
// of cfg, which already reflects defaults < file < env (spec §6's
// precedence order, flags win last).
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command) {
	flags := cmd.Flags()

	if flags.Changed("id") {
		cfg.ID, _ = flags.GetString("id")
	}
	if flags.Changed("listen-addr") {
		cfg.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("peers") {
		cfg.Peers, _ = flags.GetStringSlice("peers")
	}
	if flags.Changed("db") {
		cfg.DB, _ = flags.GetString("db")
	}
	if flags.Changed("persist") {
		cfg.Persist, _ = flags.GetBool("persist")
	}
	if flags.Changed("location") {
		cfg.Location, _ = flags.GetString("location")
	}
	if flags.Changed("session-key") {
		cfg.SessionKey, _ = flags.GetString("session-key")
	}
	if flags.Changed("max-log-retention") {
		cfg.MaxLogRetention, _ = flags.GetInt("max-log-retention")
	}
	if flags.Changed("rpc-timeout") {
		cfg.RPCTimeout, _ = flags.GetDuration("rpc-timeout")
	}
	if flags.Changed("connection-timeout") {
		cfg.ConnectionTimeout, _ = flags.GetDuration("connection-timeout")
	}
	if flags.Changed("min-election-timeout") {
		cfg.MinElectionTimeout, _ = flags.GetDuration("min-election-timeout")
	}
	if flags.Changed("heartbeat-interval") {
		cfg.HeartbeatInterval, _ = flags.GetDuration("heartbeat-interval")
	}
	if flags.Changed("public") {
		cfg.Public, _ = flags.GetBool("public")
	}
}
