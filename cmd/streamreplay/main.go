package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type wsOptions struct {
	baseURL        string
	userID         string
	role           string
	name           string
	prompts        []string
	fragmentsPath  string
	turnTimeout    time.Duration
	interTurnDelay time.Duration
	verbose        bool
}

type fileOptions struct {
	tokensPath  string
	role        string
	name        string
	showLive    bool
	showPending bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "streamreplay: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "streamreplay",
		Short:         "Replay message fragment streams locally or against a running server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newFileCmd(), newWSCmd())
	return root
}

func newFileCmd() *cobra.Command {
	var opts fileOptions
	cmd := &cobra.Command{
		Use:   "file PATH",
		Short: "Assemble an NDJSON fragment log with a local assembler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(cmd, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.tokensPath, "tokens", "", "functional token registry (YAML); built-in defaults when empty")
	cmd.Flags().StringVar(&opts.role, "role", "assistant", "default role for messages without one")
	cmd.Flags().StringVar(&opts.name, "name", "", "default name for messages without one")
	cmd.Flags().BoolVar(&opts.showLive, "live", false, "print every live fragment as it is emitted")
	cmd.Flags().BoolVar(&opts.showPending, "pending", false, "print the buffering message before the final flush")
	return cmd
}

func newWSCmd() *cobra.Command {
	var opts wsOptions
	cmd := &cobra.Command{
		Use:   "ws",
		Short: "Drive a server session over websocket and print what it streams back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(opts.prompts) == 0 && opts.fragmentsPath == "" {
				return fmt.Errorf("one of --prompt or --fragments is required")
			}
			if opts.turnTimeout < time.Second {
				opts.turnTimeout = time.Second
			}
			return runWS(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	cmd.Flags().StringVar(&opts.userID, "user-id", "stream-replay", "user_id for the session")
	cmd.Flags().StringVar(&opts.role, "role", "", "default role for the session")
	cmd.Flags().StringVar(&opts.name, "name", "", "default name for the session")
	cmd.Flags().StringArrayVar(&opts.prompts, "prompt", nil, "prompt to send as one turn (repeatable)")
	cmd.Flags().StringVar(&opts.fragmentsPath, "fragments", "", "NDJSON fragment log to push as a single turn")
	cmd.Flags().DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for turn_end")
	cmd.Flags().DurationVar(&opts.interTurnDelay, "inter-turn", 0, "delay between turns")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print every websocket message")
	return cmd
}
