// Package repl is the interactive front end: create a session, run it,
// attach feedback and run a follow-up session without leaving the prompt.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/manash/promptloop/internal/display"
	"github.com/manash/promptloop/internal/engine"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

// Runner drives a session to a terminal status.
type Runner interface {
	RunOptimization(ctx context.Context, id string, opts engine.RunOptions) (*session.Session, error)
}

type REPL struct {
	in        io.Reader
	out       io.Writer
	err       io.Writer
	manager   *session.Manager
	runner    Runner
	registry  *models.Registry
	printer   *display.Printer
	displayer *display.Displayer
	commands  map[string]Command
	running   bool

	current       string
	provider      string
	maxIterations int
}

type Config struct {
	In       io.Reader
	Out      io.Writer
	Err      io.Writer
	Manager  *session.Manager
	Runner   Runner
	Registry *models.Registry
	Printer  *display.Printer
	// Displayer previews images on "show"; nil prints references only.
	Displayer *display.Displayer

	Provider      string
	MaxIterations int
}

func New(cfg *Config) *REPL {
	r := &REPL{
		in:            cfg.In,
		out:           cfg.Out,
		err:           cfg.Err,
		manager:       cfg.Manager,
		runner:        cfg.Runner,
		registry:      cfg.Registry,
		printer:       cfg.Printer,
		displayer:     cfg.Displayer,
		commands:      make(map[string]Command),
		provider:      cfg.Provider,
		maxIterations: cfg.MaxIterations,
	}
	if r.printer == nil {
		r.printer = display.NewPrinter(cfg.Out, nil)
	}
	r.registerCommands()
	return r
}

func (r *REPL) Run(ctx context.Context) error {
	r.running = true
	r.printWelcome()

	scanner := bufio.NewScanner(r.in)
	for r.running {
		r.printPrompt()
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := r.execute(ctx, line); err != nil {
			fmt.Fprintf(r.err, "Error: %v\n", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	return scanner.Err()
}

func (r *REPL) execute(ctx context.Context, line string) error {
	parts := parseCommand(line)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(parts[0])
	cmd, ok := r.commands[name]
	if !ok {
		return fmt.Errorf("unknown command: %s (type 'help' for available commands)", name)
	}
	return cmd.Execute(ctx, r, parts[1:])
}

func (r *REPL) Stop() {
	r.running = false
}

// Current returns the selected session ID, or "".
func (r *REPL) Current() string {
	return r.current
}

func (r *REPL) currentSession(ctx context.Context) (*session.Session, error) {
	if r.current == "" {
		return nil, fmt.Errorf("no session selected: use 'new <goal>' or 'use <id>'")
	}
	return r.manager.GetSession(ctx, r.current)
}

func (r *REPL) printWelcome() {
	fmt.Fprintln(r.out, "promptloop interactive mode")
	fmt.Fprintln(r.out, "Type 'help' for available commands, 'quit' to exit.")
	fmt.Fprintln(r.out)
}

func (r *REPL) printPrompt() {
	if r.current != "" {
		fmt.Fprintf(r.out, "promptloop [%s] (%s)> ", r.provider, shortID(r.current))
	} else {
		fmt.Fprintf(r.out, "promptloop [%s]> ", r.provider)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func parseCommand(line string) []string {
	var parts []string
	var current strings.Builder
	inQuotes := false
	quoteChar := rune(0)

	for _, ch := range line {
		switch {
		case ch == '"' || ch == '\'':
			if inQuotes && ch == quoteChar {
				inQuotes = false
				quoteChar = 0
			} else if !inQuotes {
				inQuotes = true
				quoteChar = ch
			} else {
				current.WriteRune(ch)
			}
		case ch == ' ' && !inQuotes:
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
