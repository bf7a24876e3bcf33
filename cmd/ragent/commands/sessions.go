package commands

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/ragent/internal/conversation"
	"github.com/54b3r/ragent/internal/logging"
	"github.com/54b3r/ragent/internal/store"
)

// errHistoryDisabled is returned by the sessions commands when persistence
// is turned off.
var errHistoryDisabled = errors.New("sessions: history is disabled (RAGENT_HISTORY_DB=disabled)")

// NewSessionsCmd constructs the `ragent sessions` command group. Without a
// subcommand it lists sessions.
func NewSessionsCmd() *cobra.Command {
	var limit int

	list := func(cmd *cobra.Command, _ []string) error {
		db, err := sessionDB(cmd)
		if err != nil {
			return err
		}
		defer db.Close()

		sums, err := db.List(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(sums) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet.")
			return nil
		}
		return writeSummaries(cmd.OutOrStdout(), sums)
	}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, show, or delete persisted chat sessions",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum sessions to list (0 for all)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show SESSION_ID",
			Short: "Print the transcript of a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := sessionDB(cmd)
				if err != nil {
					return err
				}
				defer db.Close()

				sess, err := db.Load(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("sessions: %s: %w", args[0], err)
				}
				writeTranscript(cmd.OutOrStdout(), sess)
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete SESSION_ID",
			Short: "Delete a session and its transcript",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, err := sessionDB(cmd)
				if err != nil {
					return err
				}
				defer db.Close()

				if err := db.Delete(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("sessions: %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s.\n", args[0])
				return nil
			},
		},
	)

	return cmd
}

func sessionDB(cmd *cobra.Command) (*store.SQLiteStore, error) {
	db, err := openSessionDB(settings, logging.FromContext(cmd.Context()))
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, errHistoryDisabled
	}
	return db, nil
}

func writeSummaries(out io.Writer, sums []store.Summary) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tUPDATED\tMESSAGES\tFIRST QUESTION")
	for _, s := range sums {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			s.ID, s.UpdatedAt.Local().Format(time.DateTime), s.Messages, s.Preview)
	}
	return tw.Flush()
}

// writeTranscript prints every non-system message. Tool traffic is shown
// compactly so the flow of a turn stays readable.
func writeTranscript(out io.Writer, sess *conversation.Session) {
	for _, m := range sess.Transcript {
		switch m.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleHuman:
			fmt.Fprintf(out, "You: %s\n", m.Content)
		case conversation.RoleAssistant:
			for _, c := range m.ToolCalls {
				fmt.Fprintf(out, "  [tool] %s\n", describeCall(c))
			}
			if m.Content != "" {
				fmt.Fprintf(out, "Assistant: %s\n\n", m.Content)
			}
		case conversation.RoleTool:
			fmt.Fprintf(out, "  [result] %s: %d bytes\n", m.ToolName, len(m.Content))
		}
	}
}
