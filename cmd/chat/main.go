// Package main is a terminal client for the chat edge.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/folio-labs/chat-edge/internal/chatclient"
)

const version = "0.1.0"

type options struct {
	endpoint     string
	origin       string
	userAgent    string
	noTypewriter bool
	bell         bool
	idleTimeout  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:     "chat",
		Short:   "Chat with the portfolio assistant from a terminal",
		Version: version,
		Long: `An interactive terminal client for the chat edge. Replies stream in as they
are generated and are revealed at a steady typing pace.

Commands inside the session:
  /clear   start a new conversation
  /quit    leave

Press Ctrl-C while a reply is streaming to stop it.`,
		Example: `  # Talk to a local edge
  $ chat --endpoint http://localhost:8080/api/chat

  # Print replies as they arrive, without the typing effect
  $ chat --no-typewriter`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.endpoint, "endpoint", "e", "http://localhost:8080/api/chat", "chat endpoint URL")
	f.StringVar(&opts.origin, "origin", "http://localhost:5173", "Origin header sent with each request")
	f.StringVar(&opts.userAgent, "user-agent", chatclient.DefaultUserAgent, "User-Agent header sent with each request")
	f.BoolVar(&opts.noTypewriter, "no-typewriter", false, "print replies as they arrive")
	f.BoolVar(&opts.bell, "bell", false, "ring the terminal bell for each revealed character")
	f.DurationVar(&opts.idleTimeout, "idle-timeout", chatclient.DefaultIdleTimeout, "give up on a reply after this long without data")

	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
