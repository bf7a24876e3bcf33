package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragent/internal/conversation"
	"github.com/54b3r/ragent/internal/logging"
)

// maxInputLine bounds a single REPL line.
const maxInputLine = 1 << 20

// NewChatCmd constructs the `ragent chat` command, an interactive REPL over
// one session.
func NewChatCmd() *cobra.Command {
	var (
		sessionID string
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat over the indexed documents",
		Long: `Start an interactive chat. Type a question at the "You:" prompt; type
exit or quit (or press Ctrl-D) to leave.

Each chat runs in a session. Pass --session to resume an earlier one; the
session id is printed on start so it can be resumed later.

Examples:
  ragent chat
  ragent chat --verbose
  ragent chat --session 4f1c0a52-7d0e-4c61-9b0e-3f2a1e9c8d77`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			log := logging.FromContext(ctx)

			p := newPrinter(cmd.OutOrStdout())
			var onRound conversation.RoundFunc
			if verbose {
				onRound = p.rounds()
			}

			st, err := buildStack(ctx, settings, log, onRound)
			if err != nil {
				return fmt.Errorf("chat: %w", err)
			}
			defer st.Close()

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.style(dimStyle, "session "+sessionID+" (type exit or quit to leave)"))

			return repl(ctx, cmd.InOrStdin(), p, st.controller, sessionID)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to resume (default: a new session)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Echo each search the model runs")

	return cmd
}

// repl reads questions from in until EOF or exit/quit and runs one turn per
// line. A failed turn is reported and leaves the session as it was, so the
// loop carries on.
func repl(ctx context.Context, in io.Reader, p *printer, runner turnRunner, sessionID string) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxInputLine)

	for {
		p.prompt()
		if !sc.Scan() {
			fmt.Fprintln(p.out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		turnCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT)
		reply, err := runner.Advance(turnCtx, sessionID, line)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.failure(err)
			continue
		}
		p.answer(reply.Content)
	}
}

// turnRunner is the part of the controller the REPL and ask use.
type turnRunner interface {
	Advance(ctx context.Context, sessionID, text string) (conversation.Message, error)
}
