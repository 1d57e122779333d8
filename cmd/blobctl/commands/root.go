package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"blobgate/pkg/app"
	"blobgate/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	verbose bool
	// BG is the application shared by every subcommand. Tests inject it.
	BG *app.App
	// owned is set when BG was built here and must be closed after the run.
	owned bool
)

var rootCmd = &cobra.Command{
	Use:          "blobctl",
	Short:        "blobgate: chunked blob store client",
	SilenceUsage: true,
	// Key: PersistentPreRunE runs before every subcommand, so each one finds
	// BG connected and handshaken.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// already injected (integration tests)
		if BG != nil {
			return nil
		}
		cfg, err := config.Current()
		if err != nil {
			return err
		}

		// client logs stay off stdout, which carries command output
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		BG, err = app.NewApp(ctxOf(cmd), cfg, logger)
		if err != nil {
			// name the address: a wrong --server is the usual cause
			return fmt.Errorf("failed to connect to blobgate engine at %s: %w", cfg.Client.ServerAddr, err)
		}
		owned = true
		return nil
	},
	// Close ends the engine session; an injected BG belongs to its test.
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if !owned || BG == nil {
			return nil
		}
		err := BG.Close()
		BG, owned = nil, false
		return err
	},
}

// Execute is the entry point.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// config is loaded once flags are parsed
	cobra.OnInitialize(initConfig)

	// 1. Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.blobgate/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log client activity to stderr")

	// 2. Settings flags, bound into viper: they override the config file and
	// BLOBGATE_* variables
	rootCmd.PersistentFlags().String("server", "", "engine address (host:port)")
	rootCmd.PersistentFlags().String("domain", "", "volume domain")
	bind("client.server_addr", "server")
	bind("client.domain", "domain")
}

func bind(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		fmt.Fprintln(os.Stderr, "Failed to bind flag:", err)
		os.Exit(1)
	}
}

// initConfig reads the config file and environment.
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "Config error:", err)
		os.Exit(1)
	}
}

// ctxOf returns the command's context; RunE invoked directly has none.
func ctxOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func requireApp() error {
	if BG == nil {
		return fmt.Errorf("app not initialized")
	}
	return nil
}
