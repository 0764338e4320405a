package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manash/promptloop/internal/batch"
	"github.com/manash/promptloop/internal/cost"
	"github.com/manash/promptloop/internal/engine"
	"github.com/manash/promptloop/internal/keys"
	"github.com/manash/promptloop/internal/repl"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// paramFlags are the image parameter flags shared by create and optimize.
type paramFlags struct {
	provider      string
	model         string
	size          string
	quality       string
	style         string
	params        []string
	maxIterations int
}

func (f *paramFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.provider, "provider", "p", models.ProviderOpenAI, "image provider (openai, grok, nano_banana)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "provider model (defaults to the configured or provider default)")
	cmd.Flags().StringVarP(&f.size, "size", "s", "", "image size (e.g., 1024x1024)")
	cmd.Flags().StringVarP(&f.quality, "quality", "q", "", "quality level")
	cmd.Flags().StringVar(&f.style, "style", "", "style (vivid, natural)")
	cmd.Flags().StringArrayVar(&f.params, "param", nil, "extra provider parameter as key=value (repeatable)")
	cmd.Flags().IntVarP(&f.maxIterations, "max-iterations", "n", 0, "iteration budget, 1-10 (defaults to the configured budget)")
}

func (f *paramFlags) request(cfg configView, goal string) (session.CreateRequest, error) {
	params := models.Params{}
	for _, kv := range f.params {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return session.CreateRequest{}, models.NewValidationError("param", "invalid parameter %q: want key=value", kv)
		}
		params[k] = v
	}
	for k, v := range map[string]string{
		models.ParamModel:   f.model,
		models.ParamSize:    f.size,
		models.ParamQuality: f.quality,
		models.ParamStyle:   f.style,
	} {
		if v != "" {
			params[k] = v
		}
	}
	applyModelDefault(cfg, f.provider, params)

	budget := f.maxIterations
	if budget == 0 {
		budget = cfg.maxIterations
	}
	return session.CreateRequest{
		UserGoal:      goal,
		ImageProvider: f.provider,
		ImageParams:   params,
		MaxIterations: budget,
	}, nil
}

// configView is the slice of the configuration that session creation reads.
type configView struct {
	maxIterations int
	models        map[string]string
}

func (s *services) configView() configView {
	v := configView{maxIterations: s.cfg.Engine.MaxIterations, models: map[string]string{}}
	for _, name := range []string{models.ProviderOpenAI, models.ProviderGrok, models.ProviderNanoBanana} {
		if m := s.cfg.Provider(name).Model; m != "" {
			v.models[name] = m
		}
	}
	return v
}

// applyModelDefault sets the configured model for the provider unless the
// caller chose one.
func applyModelDefault(cfg configView, provider string, params models.Params) {
	if _, ok := params[models.ParamModel]; ok {
		return
	}
	if m, ok := cfg.models[provider]; ok {
		params[models.ParamModel] = m
	}
}

// runFlags are the per-run overrides shared by run and optimize.
type runFlags struct {
	maxIterations int
	threshold     int
	show          bool
}

func (f *runFlags) register(cmd *cobra.Command, withBudget bool) {
	if withBudget {
		cmd.Flags().IntVarP(&f.maxIterations, "max-iterations", "n", 0, "iteration budget for this run, 1-10")
	}
	cmd.Flags().IntVarP(&f.threshold, "threshold", "t", -1, "acceptance score, 0-100 (defaults to the configured threshold)")
	cmd.Flags().BoolVar(&f.show, "show", false, "display the best image in the terminal (Kitty graphics protocol)")
}

func (f *runFlags) options() engine.RunOptions {
	opts := engine.RunOptions{MaxIterations: f.maxIterations}
	if f.threshold >= 0 {
		threshold := f.threshold
		opts.AcceptanceThreshold = &threshold
	}
	return opts
}

func newCreateCmd(app *App) *cobra.Command {
	var flags paramFlags
	var prompt string

	cmd := &cobra.Command{
		Use:   "create <goal>",
		Short: "Create a draft session for a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				req, err := flags.request(s.configView(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				sess, err := s.manager.CreateSession(cmd.Context(), req)
				if err != nil {
					return err
				}
				if prompt != "" {
					if sess, err = s.manager.UpdatePrompt(cmd.Context(), sess.ID, prompt); err != nil {
						return err
					}
				}
				fmt.Fprintf(app.Out, "Created session %s (%s, budget %d)\n", sess.ID, sess.ImageProvider, sess.MaxIterations)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&prompt, "prompt", "", "explicit first prompt (defaults to the goal)")
	return cmd
}

func newOptimizeCmd(app *App) *cobra.Command {
	var flags paramFlags
	var run runFlags
	var prompt string

	cmd := &cobra.Command{
		Use:   "optimize <goal>",
		Short: "Create a session and run it in one step",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return app.withServices(func(s *services) error {
				req, err := flags.request(s.configView(), strings.Join(args, " "))
				if err != nil {
					return err
				}
				eng, err := app.newEngine(ctx, s, req.ImageProvider)
				if err != nil {
					return err
				}
				sess, err := s.manager.CreateSession(ctx, req)
				if err != nil {
					return err
				}
				if prompt != "" {
					if _, err := s.manager.UpdatePrompt(ctx, sess.ID, prompt); err != nil {
						return err
					}
				}
				fmt.Fprintf(app.Out, "Created session %s\n", sess.ID)
				return app.runSession(ctx, s, eng, sess.ID, run)
			})
		},
	}
	flags.register(cmd)
	run.register(cmd, false)
	cmd.Flags().StringVar(&prompt, "prompt", "", "explicit first prompt (defaults to the goal)")
	return cmd
}

func newPromptCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <session-id> <text>",
		Short: "Set the first prompt of a draft session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				if _, err := s.manager.UpdatePrompt(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
					return err
				}
				fmt.Fprintln(app.Out, "Prompt updated")
				return nil
			})
		},
	}
}

func newRunCmd(app *App) *cobra.Command {
	var run runFlags

	cmd := &cobra.Command{
		Use:   "run <session-id>",
		Short: "Run the optimisation loop on a draft session",
		Long: `Run generates, judges and revises until the judge score reaches the
acceptance threshold or the budget is spent. Ctrl-C stops after the current
step; iterations already recorded are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return app.withServices(func(s *services) error {
				sess, err := s.manager.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				eng, err := app.newEngine(ctx, s, sess.ImageProvider)
				if err != nil {
					return err
				}
				return app.runSession(ctx, s, eng, sess.ID, run)
			})
		},
	}
	run.register(cmd, true)
	return cmd
}

func (a *App) runSession(ctx context.Context, s *services, eng *engine.Engine, id string, run runFlags) error {
	fmt.Fprintln(a.Out, "Running...")
	sess, err := eng.RunOptimization(ctx, id, run.options())
	s.writeMetrics()
	if err != nil {
		return err
	}

	fmt.Fprintln(a.Out)
	s.printer.Session(sess)
	if summary, err := s.manager.SessionCost(context.WithoutCancel(ctx), sess.ID); err == nil {
		s.printer.Cost(summary)
	}

	if run.show {
		if best, ok := sess.Best(); ok && best.ImagePath != nil {
			if err := a.NewDisplayer(a.Out).Show(ctx, *best.ImagePath); err != nil {
				fmt.Fprintf(a.Err, "Warning: could not display image: %v\n", err)
			}
		}
	}

	if sess.Status == session.StatusFailed {
		return fmt.Errorf("session %s failed: %s", sess.ID, sess.StatusReason)
	}
	return nil
}

func newFeedbackCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <session-id> <index> <text>",
		Short: "Attach feedback to an iteration",
		Long: `Feedback is folded into the next prompt revision of a running session,
or kept on the record for a finished one.`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return models.NewValidationError("index", "invalid iteration index %q", args[1])
			}
			return app.withServices(func(s *services) error {
				it, err := s.manager.AttachFeedback(cmd.Context(), args[0], index, strings.Join(args[2:], " "))
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Feedback attached to iteration %d\n", it.Index)
				return nil
			})
		},
	}
}

// sessionView is the JSON shape of "show --json": the session plus media
// URLs for its images.
type sessionView struct {
	*session.Session
	ImageURLs map[int]string `json:"image_urls,omitempty"`
	BestIndex *int           `json:"best_index,omitempty"`
}

func newShowCmd(app *App) *cobra.Command {
	var asJSON, preview bool
	var index int

	cmd := &cobra.Command{
		Use:     "show <session-id>",
		Aliases: []string{"get"},
		Short:   "Show a session and its iterations",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				sess, err := s.manager.GetSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				if asJSON {
					view := sessionView{Session: sess, ImageURLs: map[int]string{}}
					for _, it := range sess.Iterations {
						if ref := s.printer.ImageRef(it); ref != "" {
							view.ImageURLs[it.Index] = ref
						}
					}
					if best, ok := sess.Best(); ok {
						view.BestIndex = &best.Index
					}
					enc := json.NewEncoder(app.Out)
					enc.SetIndent("", "  ")
					return enc.Encode(view)
				}

				if !cmd.Flags().Changed("iteration") {
					s.printer.Session(sess)
					if preview {
						if best, ok := sess.Best(); ok && best.ImagePath != nil {
							return app.NewDisplayer(app.Out).Show(cmd.Context(), *best.ImagePath)
						}
					}
					return nil
				}

				if index < 0 || index >= len(sess.Iterations) {
					return models.NewNotFoundError("iteration %d not found in session %s", index, sess.ID)
				}
				it := sess.Iterations[index]
				s.printer.Iteration(it)
				if preview && it.ImagePath != nil {
					return app.NewDisplayer(app.Out).Show(cmd.Context(), *it.ImagePath)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session as JSON")
	cmd.Flags().BoolVar(&preview, "preview", false, "display the image in the terminal (Kitty graphics protocol)")
	cmd.Flags().IntVarP(&index, "iteration", "i", 0, "show a single iteration")
	return cmd
}

func newListCmd(app *App) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions, most recently updated first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				var list []*session.Session
				var err error
				if status != "" {
					st, perr := session.ParseStatus(status)
					if perr != nil {
						return perr
					}
					list, err = s.store.ListSessionsByStatus(cmd.Context(), st)
				} else {
					list, err = s.manager.ListSessions(cmd.Context())
				}
				if err != nil {
					return err
				}
				s.printer.Sessions(list, "")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions in this status (draft, running, done, failed)")
	return cmd
}

func newDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <session-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session that is not running",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				if err := s.manager.DeleteSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "Deleted session %s\n", args[0])
				return nil
			})
		},
	}
}

func newProvidersCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List image providers and their parameters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				s.printer.Providers(app.Registry)
				return nil
			})
		},
	}
}

func newBatchCmd(app *App) *cobra.Command {
	var provider string
	var maxIterations, parallel int
	var threshold int
	var stopOnError bool

	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Optimise every goal in a file",
		Long: `Batch reads goals from a text file (one per line, # comments) or a JSON
array of {"goal", "provider", "params", "max_iterations"} objects and runs one
session per goal.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := batch.ParseFile(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			return app.withServices(func(s *services) error {
				view := s.configView()
				providers := []string{provider}
				for i := range items {
					if items[i].Params == nil {
						items[i].Params = models.Params{}
					}
					p := items[i].Provider
					if p == "" {
						p = provider
					}
					applyModelDefault(view, p, items[i].Params)
					if !slices.Contains(providers, p) {
						providers = append(providers, p)
					}
				}

				eng, err := app.newEngine(ctx, s, providers...)
				if err != nil {
					return err
				}

				opts := batch.Options{
					Provider:      provider,
					MaxIterations: maxIterations,
					Parallel:      parallel,
					StopOnError:   stopOnError,
				}
				if opts.MaxIterations == 0 {
					opts.MaxIterations = s.cfg.Engine.MaxIterations
				}
				if opts.Parallel == 0 {
					opts.Parallel = s.cfg.Batch.Parallel
				}
				if threshold >= 0 {
					opts.AcceptanceThreshold = &threshold
				}

				fmt.Fprintf(app.Out, "Processing %d goals with %d workers\n\n", len(items), opts.Parallel)
				proc := batch.NewProcessor(s.manager, eng, app.Out, app.Err, s.logger)
				results, err := proc.Process(ctx, items, opts)
				s.writeMetrics()
				proc.PrintSummary(results)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", models.ProviderOpenAI, "default provider for goals that do not name one")
	cmd.Flags().IntVarP(&maxIterations, "max-iterations", "n", 0, "default iteration budget")
	cmd.Flags().IntVarP(&threshold, "threshold", "t", -1, "acceptance score, 0-100")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "concurrent sessions (defaults to the configured value)")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "stop at the first failed goal")
	return cmd
}

func newRecoverCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Finish sessions left running by an interrupted process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				eng, err := app.newRecoveryEngine(cmd.Context(), s)
				if err != nil {
					return err
				}
				ids, err := eng.Recover(cmd.Context())
				for _, id := range ids {
					fmt.Fprintf(app.Out, "Recovered %s\n", id)
				}
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Fprintln(app.Out, "No interrupted sessions")
				}
				return nil
			})
		},
	}
}

func newCostCmd(app *App) *cobra.Command {
	var byProvider bool

	cmd := &cobra.Command{
		Use:   "cost [session-id]",
		Short: "Show estimated image generation costs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withServices(func(s *services) error {
				ctx := cmd.Context()
				switch {
				case len(args) == 1:
					summary, err := s.manager.SessionCost(ctx, args[0])
					if err != nil {
						return err
					}
					s.printer.Cost(summary)
				case byProvider:
					summaries, err := s.store.GetCostByProvider(ctx)
					if err != nil {
						return err
					}
					s.printer.ProviderCosts(summaries)
				default:
					summary, err := s.store.GetTotalCost(ctx)
					if err != nil {
						return err
					}
					s.printer.Cost(summary)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&byProvider, "by-provider", false, "break the total down by provider")
	cmd.AddCommand(newCostSetPriceCmd(app))
	return cmd
}

func newCostSetPriceCmd(app *App) *cobra.Command {
	var size, quality string

	cmd := &cobra.Command{
		Use:   "set-price <model> <usd-per-image>",
		Short: "Override the per-image price of a model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := strconv.ParseFloat(args[1], 64)
			if err != nil || price < 0 {
				return models.NewValidationError("price", "invalid price %q", args[1])
			}
			if size == "*" && quality != "" {
				return models.NewValidationError("quality", "--quality needs an explicit --size")
			}
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			if err := cost.SetPrice(cfg.PricingFile(), args[0], size, quality, price, app.Clock.Now()); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Price for %s set to $%.4f per image\n", args[0], price)
			return nil
		},
	}
	cmd.Flags().StringVarP(&size, "size", "s", "*", "only this size (default every size)")
	cmd.Flags().StringVarP(&quality, "quality", "q", "", "only this quality")
	return cmd
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage stored provider API keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <provider> [key]",
		Short: "Store an API key (reads stdin when the key is omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 2 {
				key = args[1]
			} else {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if scanner.Scan() {
					key = strings.TrimSpace(scanner.Text())
				}
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("failed to read key: %w", err)
				}
			}

			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			if err := store.Set(args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Stored %s key %s\n", args[0], keys.MaskKey(key))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List providers with a usable key and where it comes from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := app.keyResolver()
			for _, name := range app.Registry.List() {
				key, source, err := resolver.Resolve("", name)
				if err != nil {
					fmt.Fprintf(app.Out, "%-12s  (not set, %s)\n", name, keys.EnvVars[name])
					continue
				}
				fmt.Fprintf(app.Out, "%-12s  %s  [%s]\n", name, keys.MaskKey(key), source)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "delete <provider>",
		Aliases: []string{"rm"},
		Short:   "Remove a stored API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted %s key\n", args[0])
			return nil
		},
	})

	return cmd
}

func newReplCmd(app *App) *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:     "repl",
		Aliases: []string{"interactive", "i"},
		Short:   "Create, run and refine sessions interactively",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			return app.withServices(func(s *services) error {
				eng, err := app.newEngine(ctx, s, app.availableProviders(provider)...)
				if err != nil {
					return err
				}
				r := repl.New(&repl.Config{
					In:            cmd.InOrStdin(),
					Out:           app.Out,
					Err:           app.Err,
					Manager:       s.manager,
					Runner:        eng,
					Registry:      app.Registry,
					Printer:       s.printer,
					Displayer:     app.NewDisplayer(app.Out),
					Provider:      provider,
					MaxIterations: s.cfg.Engine.MaxIterations,
				})
				err = r.Run(ctx)
				s.writeMetrics()
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", models.ProviderOpenAI, "provider for new sessions")
	return cmd
}

// availableProviders is the starting provider plus every other provider
// with a resolvable key, so the REPL can switch providers mid-session.
func (a *App) availableProviders(start string) []string {
	resolver := a.keyResolver()
	names := []string{start}
	for _, name := range a.Registry.List() {
		if name == start {
			continue
		}
		if _, _, err := resolver.Resolve("", name); err == nil {
			names = append(names, name)
		}
	}
	return names
}
