package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/54b3r/ragent/internal/conversation"
)

var (
	youStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	botStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// printer writes answers to out. Markdown is rendered through glamour only
// when out is the terminal; piped output stays raw.
type printer struct {
	out      io.Writer
	markdown *glamour.TermRenderer
	styled   bool
}

func newPrinter(out io.Writer) *printer {
	p := &printer{out: out}
	f, ok := out.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p
	}
	p.styled = true

	width := 100
	if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 20 {
		width = w - 4
	}
	if r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	); err == nil {
		p.markdown = r
	}
	return p
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

// prompt writes the REPL prompt without a newline.
func (p *printer) prompt() {
	fmt.Fprint(p.out, p.style(youStyle, "You:")+" ")
}

// answer prints the model's final reply.
func (p *printer) answer(text string) {
	if p.markdown != nil {
		if rendered, err := p.markdown.Render(text); err == nil {
			fmt.Fprint(p.out, p.style(botStyle, "Assistant:")+"\n"+rendered)
			return
		}
	}
	if p.styled {
		fmt.Fprintln(p.out, p.style(botStyle, "Assistant:"))
	}
	fmt.Fprintln(p.out, text)
}

// failure prints a turn error with its kind.
func (p *printer) failure(err error) {
	fmt.Fprintf(p.out, "%s %v\n", p.style(errorStyle, "Error ("+conversation.Kind(err)+"):"), err)
}

// rounds returns a RoundFunc that echoes each tool call, e.g.
// `searching: "vacation policy"`.
func (p *printer) rounds() conversation.RoundFunc {
	return func(_ context.Context, round int, calls []conversation.ToolCall) {
		for _, c := range calls {
			fmt.Fprintln(p.out, p.style(dimStyle, fmt.Sprintf("  [round %d] %s", round, describeCall(c))))
		}
	}
}

// describeCall summarises a tool call for humans. search_documents calls
// show their query; anything else shows the raw arguments.
func describeCall(c conversation.ToolCall) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(c.Arguments), &args); err == nil && args.Query != "" {
		return fmt.Sprintf("searching: %q", args.Query)
	}
	return c.Name + " " + strings.TrimSpace(c.Arguments)
}
