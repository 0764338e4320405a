package repl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/manash/promptloop/internal/engine"
	"github.com/manash/promptloop/internal/session"
)

type Command interface {
	Name() string
	Aliases() []string
	Description() string
	Usage() string
	Execute(ctx context.Context, r *REPL, args []string) error
}

func allCommands() []Command {
	return []Command{
		&NewCommand{},
		&UseCommand{},
		&PromptCommand{},
		&RunCommand{},
		&FeedbackCommand{},
		&ShowCommand{},
		&ListCommand{},
		&ProviderCommand{},
		&CostCommand{},
		&HelpCommand{},
		&QuitCommand{},
	}
}

func (r *REPL) registerCommands() {
	for _, cmd := range allCommands() {
		r.commands[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases() {
			r.commands[alias] = cmd
		}
	}
}

// NewCommand creates a draft session and selects it.
type NewCommand struct{}

func (c *NewCommand) Name() string        { return "new" }
func (c *NewCommand) Aliases() []string   { return []string{"n"} }
func (c *NewCommand) Description() string { return "Create a session for a goal and select it" }
func (c *NewCommand) Usage() string       { return "new <goal>" }

func (c *NewCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	sess, err := r.manager.CreateSession(ctx, session.CreateRequest{
		UserGoal:      strings.Join(args, " "),
		ImageProvider: r.provider,
		MaxIterations: r.maxIterations,
	})
	if err != nil {
		return err
	}
	r.current = sess.ID
	fmt.Fprintf(r.out, "Created session %s (%s, budget %d)\n", sess.ID, sess.ImageProvider, sess.MaxIterations)
	return nil
}

// UseCommand selects an existing session by ID or unique ID prefix.
type UseCommand struct{}

func (c *UseCommand) Name() string        { return "use" }
func (c *UseCommand) Aliases() []string   { return []string{"load"} }
func (c *UseCommand) Description() string { return "Select a session by ID or ID prefix" }
func (c *UseCommand) Usage() string       { return "use <id>" }

func (c *UseCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", c.Usage())
	}

	sessions, err := r.manager.ListSessions(ctx)
	if err != nil {
		return err
	}

	var matches []*session.Session
	for _, s := range sessions {
		if s.ID == args[0] {
			matches = []*session.Session{s}
			break
		}
		if strings.HasPrefix(s.ID, args[0]) {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return fmt.Errorf("no session matches %q", args[0])
	case 1:
		r.current = matches[0].ID
		r.provider = matches[0].ImageProvider
		fmt.Fprintf(r.out, "Using session %s (%s)\n", matches[0].ID, matches[0].Status)
		return nil
	default:
		return fmt.Errorf("%q matches %d sessions, use a longer prefix", args[0], len(matches))
	}
}

// PromptCommand sets the explicit first prompt of a draft session.
type PromptCommand struct{}

func (c *PromptCommand) Name() string        { return "prompt" }
func (c *PromptCommand) Aliases() []string   { return []string{"p"} }
func (c *PromptCommand) Description() string { return "Set the first prompt of the current draft session" }
func (c *PromptCommand) Usage() string       { return "prompt <text>" }

func (c *PromptCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	if r.current == "" {
		return fmt.Errorf("no session selected: use 'new <goal>' or 'use <id>'")
	}

	if _, err := r.manager.UpdatePrompt(ctx, r.current, strings.Join(args, " ")); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "Prompt updated")
	return nil
}

// RunCommand runs the optimisation loop on the current session.
type RunCommand struct{}

func (c *RunCommand) Name() string        { return "run" }
func (c *RunCommand) Aliases() []string   { return []string{"r", "go"} }
func (c *RunCommand) Description() string { return "Run the optimisation loop on the current session" }
func (c *RunCommand) Usage() string       { return "run [max_iterations]" }

func (c *RunCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if r.current == "" {
		return fmt.Errorf("no session selected: use 'new <goal>' or 'use <id>'")
	}

	var opts engine.RunOptions
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid max_iterations %q", args[0])
		}
		opts.MaxIterations = n
	}

	fmt.Fprintln(r.out, "Running...")
	sess, err := r.runner.RunOptimization(ctx, r.current, opts)
	if err != nil {
		return err
	}

	r.printer.Iterations(sess.Iterations)
	fmt.Fprintf(r.out, "Finished: %s (%s)\n", sess.Status, sess.StatusReason)
	return nil
}

// FeedbackCommand attaches user feedback to an iteration.
type FeedbackCommand struct{}

func (c *FeedbackCommand) Name() string        { return "feedback" }
func (c *FeedbackCommand) Aliases() []string   { return []string{"fb"} }
func (c *FeedbackCommand) Description() string { return "Attach feedback to an iteration of the current session" }
func (c *FeedbackCommand) Usage() string       { return "feedback <index> <text>" }

func (c *FeedbackCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: %s", c.Usage())
	}
	if r.current == "" {
		return fmt.Errorf("no session selected: use 'new <goal>' or 'use <id>'")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid iteration index %q", args[0])
	}

	it, err := r.manager.AttachFeedback(ctx, r.current, index, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Feedback attached to iteration %d\n", it.Index)
	return nil
}

// ShowCommand prints the current session, or previews one iteration.
type ShowCommand struct{}

func (c *ShowCommand) Name() string        { return "show" }
func (c *ShowCommand) Aliases() []string   { return []string{"s", "view"} }
func (c *ShowCommand) Description() string { return "Show the current session or preview an iteration image" }
func (c *ShowCommand) Usage() string       { return "show [index]" }

func (c *ShowCommand) Execute(ctx context.Context, r *REPL, args []string) error {
	sess, err := r.currentSession(ctx)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		r.printer.Session(sess)
		return nil
	}

	index, err := strconv.Atoi(args[0])
	if err != nil || index < 0 || index >= len(sess.Iterations) {
		return fmt.Errorf("no iteration %q in session %s", args[0], sess.ID)
	}
	it := sess.Iterations[index]
	r.printer.Iteration(it)
	if r.displayer != nil && it.ImagePath != nil {
		return r.displayer.Show(ctx, *it.ImagePath)
	}
	return nil
}

// ListCommand lists sessions, most recently updated first.
type ListCommand struct{}

func (c *ListCommand) Name() string        { return "list" }
func (c *ListCommand) Aliases() []string   { return []string{"ls"} }
func (c *ListCommand) Description() string { return "List sessions" }
func (c *ListCommand) Usage() string       { return "list" }

func (c *ListCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	sessions, err := r.manager.ListSessions(ctx)
	if err != nil {
		return err
	}
	r.printer.Sessions(sessions, r.current)
	return nil
}

// ProviderCommand gets or sets the provider used by "new".
type ProviderCommand struct{}

func (c *ProviderCommand) Name() string        { return "provider" }
func (c *ProviderCommand) Aliases() []string   { return []string{"prov"} }
func (c *ProviderCommand) Description() string { return "Get or set the provider for new sessions" }
func (c *ProviderCommand) Usage() string       { return "provider [name]" }

func (c *ProviderCommand) Execute(_ context.Context, r *REPL, args []string) error {
	if len(args) == 0 {
		fmt.Fprintf(r.out, "Current provider: %s\n", r.provider)
		fmt.Fprintf(r.out, "Available: %s\n", strings.Join(r.registry.List(), ", "))
		return nil
	}

	if _, err := r.registry.Lookup(args[0]); err != nil {
		return fmt.Errorf("unknown provider %q: available %v", args[0], r.registry.List())
	}
	r.provider = args[0]
	fmt.Fprintf(r.out, "Provider set to %s\n", r.provider)
	return nil
}

// CostCommand shows what the current session has spent.
type CostCommand struct{}

func (c *CostCommand) Name() string        { return "cost" }
func (c *CostCommand) Aliases() []string   { return []string{"$"} }
func (c *CostCommand) Description() string { return "Show the cost of the current session" }
func (c *CostCommand) Usage() string       { return "cost" }

func (c *CostCommand) Execute(ctx context.Context, r *REPL, _ []string) error {
	if r.current == "" {
		return fmt.Errorf("no session selected: use 'new <goal>' or 'use <id>'")
	}
	summary, err := r.manager.SessionCost(ctx, r.current)
	if err != nil {
		return err
	}
	r.printer.Cost(summary)
	return nil
}

type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Aliases() []string   { return []string{"?"} }
func (c *HelpCommand) Description() string { return "Show available commands" }
func (c *HelpCommand) Usage() string       { return "help" }

func (c *HelpCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out)

	for _, cmd := range allCommands() {
		aliases := ""
		if len(cmd.Aliases()) > 0 {
			aliases = fmt.Sprintf(" (%s)", strings.Join(cmd.Aliases(), ", "))
		}
		fmt.Fprintf(r.out, "  %-20s%s\n", cmd.Name()+aliases, cmd.Description())
		fmt.Fprintf(r.out, "  %-20sUsage: %s\n", "", cmd.Usage())
	}
	return nil
}

type QuitCommand struct{}

func (c *QuitCommand) Name() string        { return "quit" }
func (c *QuitCommand) Aliases() []string   { return []string{"exit", "q"} }
func (c *QuitCommand) Description() string { return "Exit interactive mode" }
func (c *QuitCommand) Usage() string       { return "quit" }

func (c *QuitCommand) Execute(_ context.Context, r *REPL, _ []string) error {
	fmt.Fprintln(r.out, "Goodbye!")
	r.Stop()
	return nil
}
