package commands

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragent/internal/conversation"
	"github.com/54b3r/ragent/internal/logging"
)

// NewAskCmd constructs the `ragent ask` command, which runs a single turn
// and prints the answer to stdout.
func NewAskCmd() *cobra.Command {
	var (
		sessionID string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Ask a single question about the indexed documents",
		Long: `Ask one question and print the answer.

Without --session the question runs in a fresh session. With --session it
continues that conversation, so follow-up questions can refer to earlier
answers.

Examples:
  ragent ask "what is the refund policy?"
  ragent ask --session 4f1c0a52-7d0e-4c61-9b0e-3f2a1e9c8d77 "and for digital goods?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			p := newPrinter(cmd.OutOrStdout())
			var onRound conversation.RoundFunc
			if verbose {
				onRound = p.rounds()
			}

			st, err := buildStack(ctx, settings, log, onRound)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close()

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			reply, err := st.controller.Advance(ctx, sessionID, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask (%s): %w", conversation.Kind(err), err)
			}
			p.answer(reply.Content)
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to continue (default: a new session)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Echo each search the model runs")

	return cmd
}
