package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jonathanwilner/imsg-rpc/internal/config"
	"github.com/jonathanwilner/imsg-rpc/internal/db"
	"github.com/jonathanwilner/imsg-rpc/internal/imessage"
	"github.com/jonathanwilner/imsg-rpc/internal/rpc"
	"github.com/jonathanwilner/imsg-rpc/internal/watch"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "imsg",
		Short: "imsg - JSON-RPC bridge to the macOS Messages database",
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := map[string]interface{}{
				"version": version,
				"go":      runtime.Version(),
			}
			return printJSON(output)
		},
	}

	var dbPath string
	var configPath string
	rpcCmd := &cobra.Command{
		Use:   "rpc",
		Short: "Serve line-delimited JSON-RPC 2.0 on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(dbPath, configPath)
		},
	}
	rpcCmd.Flags().StringVar(&dbPath, "db", "", "path to chat.db (default: ~/Library/Messages/chat.db)")
	rpcCmd.Flags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/imsg/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(rpcCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runRPC opens the store and serves one connection on stdio. Logs go to
// stderr; stdout carries only protocol frames.
func runRPC(dbPath, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	opts := []rpc.Option{
		rpc.WithWatchConfig(watch.Config{
			PollInterval: cfg.PollInterval(),
			MaxInterval:  cfg.MaxInterval(),
			BatchSize:    cfg.Watch.BatchSize,
		}),
		rpc.WithDefaultRegion(cfg.DefaultRegion),
	}
	if cfg.Watch.FSNotify {
		notifier := watch.NewNotifier(cfg.DBPath, log)
		go func() {
			if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("fs notifier stopped")
			}
		}()
		opts = append(opts, rpc.WithNotifier(notifier))
	}

	sender := imessage.NewSender(log)
	contacts := imessage.NewContacts(log)
	server := rpc.NewServer(store, sender, contacts, log, opts...)

	log.Info().Str("db", cfg.DBPath).Msg("serving rpc on stdio")
	if err := server.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		return err
	}
	log.Info().Msg("connection closed")
	return nil
}

func printJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}
