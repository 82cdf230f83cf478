package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/interrupt"
)

var (
	promptStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	questionStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("3")).Padding(0, 1)
	questionTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3"))
	toolStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("5"))
)

// turnRunner is the part of *agent.Loop the console drives.
type turnRunner interface {
	Run(ctx context.Context, threadID, input string) (*agent.Outcome, error)
	Resume(ctx context.Context, threadID, answer string) (*agent.Outcome, error)
	Pending(ctx context.Context, threadID string) (*interrupt.Token, error)
}

// console is the interactive chat surface.
type console struct {
	mu       sync.Mutex
	w        io.Writer
	renderer *glamour.TermRenderer
}

func newConsole(w io.Writer, renderMarkdown bool) *console {
	c := &console{w: w}
	if renderMarkdown {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err == nil {
			c.renderer = r
		}
	}
	return c
}

// run reads lines from in until EOF, quit/exit, or ctx is cancelled.
// While the thread is suspended, the next line answers the question.
func (c *console) run(ctx context.Context, loop turnRunner, threadID string, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.printf("%s  %s\n", titleStyle.Render("parley"), toolStyle.Render("thread "+threadID+", type quit or exit to leave"))

	pending, err := loop.Pending(ctx, threadID)
	if err != nil {
		return err
	}

	for {
		if pending != nil {
			c.question(pending.Query)
		}
		c.printf("%s ", promptStyle.Render(">"))

		var line string
		select {
		case <-ctx.Done():
			c.printf("\n")
			return nil
		case l, ok := <-lines:
			if !ok {
				c.printf("\n")
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}
		if isQuit(line) {
			c.printf("Goodbye.\n")
			return nil
		}

		var out *agent.Outcome
		if pending != nil {
			out, err = loop.Resume(ctx, threadID, line)
		} else {
			out, err = loop.Run(ctx, threadID, line)
		}
		if err != nil {
			if ctx.Err() != nil {
				c.printf("\n")
				return nil
			}
			c.printf("%s\n", errorStyle.Render("error: "+err.Error()))
			// A failed resume may already have consumed the token.
			if pending, err = loop.Pending(ctx, threadID); err != nil {
				return err
			}
			continue
		}

		if out.Suspended() {
			pending = out.Token
			continue
		}
		pending = nil
		c.reply(out.Reply)
	}
}

// onEvent prints a status line for each tool the agent runs.
func (c *console) onEvent(e events.Event) {
	if e.Kind != events.KindToolCall || e.ToolName == "ask_human" {
		return
	}
	args, _ := e.Data["args"].(string)
	c.printf("%s\n", toolStyle.Render(fmt.Sprintf("  ↳ %s %s", e.ToolName, args)))
}

func (c *console) question(q string) {
	c.printf("%s\n", questionStyle.Render(questionTitle.Render("Question")+"\n"+q))
}

func (c *console) reply(text string) {
	c.printf("%s\n", c.renderMarkdown(text))
}

// renderMarkdown falls back to plain text when the renderer is
// unavailable.
func (c *console) renderMarkdown(text string) string {
	if c.renderer == nil {
		return text
	}
	out, err := c.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

func isQuit(line string) bool {
	switch strings.ToLower(line) {
	case "quit", "exit":
		return true
	}
	return false
}
