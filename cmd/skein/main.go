// Command skein is an interactive coding agent. It runs one session against a
// working directory, speaking to the user over the terminal, an IDE bridge, or
// a raw wire stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/skeinlabs/skein/config"
)

var (
	flagDir       string
	flagSession   string
	flagResume    bool
	flagTransport string
	flagModel     string
	flagProvider  string
	flagYolo      bool
	flagMaxSteps  int
	flagConfig    string
	flagDebug     bool
)

func main() {
	root := &cobra.Command{
		Use:   "skein",
		Short: "Interactive coding agent",
		Long: "skein runs an agentic coding session against a working directory.\n" +
			"Every model call, tool invocation, and approval flows through an\n" +
			"append-only session log that survives restarts.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootContext()
			cfg, workDir, err := loadConfig()
			if err != nil {
				return err
			}
			return runSession(ctx, cfg, workDir)
		},
	}

	root.PersistentFlags().StringVar(&flagDir, "dir", "", "working directory (default: current directory)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default: $SKEIN_CONFIG, then <dir>/skein.yaml)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logs")
	root.Flags().StringVar(&flagSession, "session", "", "resume the identified session")
	root.Flags().BoolVar(&flagResume, "resume", false, "resume the most recent session for this directory")
	root.Flags().StringVar(&flagTransport, "transport", "", "transport: term|acp|stream")
	root.Flags().StringVar(&flagModel, "model", "", "model identifier override")
	root.Flags().StringVar(&flagProvider, "provider", "", "provider: anthropic|openai|bedrock")
	root.Flags().BoolVar(&flagYolo, "yolo", false, "approve every tool call without prompting")
	root.Flags().IntVar(&flagMaxSteps, "max-steps", 0, "max model-call iterations per turn")

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions for the working directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootContext()
			cfg, workDir, err := loadConfig()
			if err != nil {
				return err
			}
			return listSessions(ctx, cfg, workDir)
		},
	}
	root.AddCommand(sessionsCmd)

	followCmd := &cobra.Command{
		Use:   "follow <session-id>",
		Short: "Tail a live session's wire stream from the Pulse broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(rootContext())
			defer cancel()
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return followSession(ctx, cfg, args[0])
		},
	}
	root.AddCommand(followCmd)

	mcpCmd := &cobra.Command{
		Use:   "mcp",
		Short: "Show configured MCP server states",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := rootContext()
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return showMCP(ctx, cfg)
		},
	}
	root.AddCommand(mcpCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootContext builds the context every command runs under: structured logging
// plus cancellation on a second interrupt (the first one only cuts the
// in-flight turn, handled in runSession).
func rootContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if flagDebug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

func loadConfig() (*config.Config, string, error) {
	workDir := flagDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("resolve working directory: %w", err)
		}
		workDir = wd
	}
	cfg, err := config.Load(flagConfig, workDir)
	if err != nil {
		return nil, "", err
	}

	// Flags override file values.
	if flagTransport != "" {
		cfg.Transport = flagTransport
	}
	if flagProvider != "" {
		cfg.Provider = flagProvider
		if flagModel == "" {
			cfg.Model = ""
		}
		cfg.APIKeyEnv = ""
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagYolo {
		cfg.Yolo = true
	}
	if flagMaxSteps > 0 {
		cfg.MaxSteps = flagMaxSteps
	}
	if err := cfg.Finalize(); err != nil {
		return nil, "", err
	}
	return cfg, workDir, nil
}

// signalContext cancels the returned context on SIGINT or SIGTERM. Used by
// subcommands without a turn to interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigs)
	}()
	return ctx, cancel
}

// watchInterrupts maps the first SIGINT to a turn interrupt and the second to
// full shutdown. SIGTERM shuts down immediately.
func watchInterrupts(ctx context.Context, interrupt func(reason string), cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		var lastInt time.Time
		for {
			select {
			case <-ctx.Done():
				signal.Stop(sigs)
				return
			case sig := <-sigs:
				if sig == syscall.SIGTERM {
					cancel()
					continue
				}
				if time.Since(lastInt) < 2*time.Second {
					cancel()
					continue
				}
				lastInt = time.Now()
				interrupt("user interrupt")
			}
		}
	}()
}
