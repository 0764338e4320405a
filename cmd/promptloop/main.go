package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manash/promptloop/internal/clock"
	"github.com/manash/promptloop/internal/config"
	"github.com/manash/promptloop/internal/cost"
	"github.com/manash/promptloop/internal/display"
	"github.com/manash/promptloop/internal/engine"
	"github.com/manash/promptloop/internal/image"
	"github.com/manash/promptloop/internal/keys"
	"github.com/manash/promptloop/internal/lock"
	"github.com/manash/promptloop/internal/logging"
	"github.com/manash/promptloop/internal/metrics"
	"github.com/manash/promptloop/internal/provider"
	"github.com/manash/promptloop/internal/provider/gemini"
	"github.com/manash/promptloop/internal/provider/openai"
	"github.com/manash/promptloop/internal/revision"
	"github.com/manash/promptloop/internal/security"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

const metricsNamespace = "promptloop"

type App struct {
	In       io.Reader
	Out      io.Writer
	Err      io.Writer
	Registry *models.Registry
	GetEnv   func(string) string
	Clock    clock.Clock

	NewKeyStore  func() (*keys.Store, error)
	NewLogger    func(cfg config.LogConfig) (*zap.Logger, error)
	NewBackend   func(name string, cfg provider.Config, logger *zap.Logger) (provider.Backend, error)
	NewJudge     func(cfg provider.Config, model string, logger *zap.Logger) (provider.Judge, error)
	NewReviser   func(cfg provider.Config, model string, logger *zap.Logger) (revision.Strategy, error)
	NewDisplayer func(out io.Writer) *display.Displayer

	configPath  string
	dataDir     string
	logLevel    string
	apiKey      string
	judgeAPIKey string
}

func DefaultApp() *App {
	return &App{
		In:       os.Stdin,
		Out:      os.Stdout,
		Err:      os.Stderr,
		Registry: models.DefaultRegistry(),
		GetEnv:   os.Getenv,
		Clock:    clock.Real(),

		NewKeyStore: keys.NewStore,
		NewLogger:   logging.New,
		NewBackend:  newBackend,
		NewJudge: func(cfg provider.Config, model string, logger *zap.Logger) (provider.Judge, error) {
			client, err := openai.New(models.ProviderOpenAI, cfg, logger)
			if err != nil {
				return nil, err
			}
			return openai.NewJudge(client, model), nil
		},
		NewReviser: func(cfg provider.Config, model string, logger *zap.Logger) (revision.Strategy, error) {
			client, err := openai.New(models.ProviderOpenAI, cfg, logger)
			if err != nil {
				return nil, err
			}
			return openai.NewReviser(client, model), nil
		},
		NewDisplayer: func(out io.Writer) *display.Displayer {
			return display.New(out)
		},
	}
}

func newBackend(name string, cfg provider.Config, logger *zap.Logger) (provider.Backend, error) {
	switch name {
	case models.ProviderOpenAI, models.ProviderGrok:
		return openai.New(name, cfg, logger)
	case models.ProviderNanoBanana:
		return gemini.New(cfg, logger)
	default:
		return nil, models.NewValidationError("provider", "unknown provider %q", name)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promptloop",
		Short: "Refine image prompts with an automated judge",
		Long: `promptloop turns a goal into an image by iterating: generate an image,
score it against the goal with a vision judge, revise the prompt and try again
until the score reaches the acceptance threshold or the iteration budget runs out.

Supported providers: openai, grok, nano_banana

Examples:
  promptloop optimize "a red fox in fresh snow, golden hour"
  promptloop create -p grok --max-iterations 5 "a lighthouse in a storm"
  promptloop run <session-id> --threshold 90
  promptloop feedback <session-id> 1 "warmer light"
  promptloop batch goals.txt --parallel 4`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)
	if app.In != nil {
		cmd.SetIn(app.In)
	}

	cmd.PersistentFlags().StringVar(&app.configPath, "config", "", "config file (defaults to $PROMPTLOOP_CONFIG)")
	cmd.PersistentFlags().StringVar(&app.dataDir, "data-dir", "", "directory for the database and images")
	cmd.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&app.apiKey, "api-key", "", "API key for the image provider")
	cmd.PersistentFlags().StringVar(&app.judgeAPIKey, "judge-api-key", "", "API key for the judge (defaults to the OpenAI key)")

	cmd.AddCommand(
		newCreateCmd(app),
		newOptimizeCmd(app),
		newPromptCmd(app),
		newRunCmd(app),
		newFeedbackCmd(app),
		newShowCmd(app),
		newListCmd(app),
		newDeleteCmd(app),
		newProvidersCmd(app),
		newBatchCmd(app),
		newRecoverCmd(app),
		newCostCmd(app),
		newKeysCmd(app),
		newReplCmd(app),
	)
	return cmd
}

// services are the collaborators shared by every command that touches the
// session database.
type services struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *session.Store
	manager  *session.Manager
	printer  *display.Printer
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	closers  []func() error
}

func (s *services) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	_ = s.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) loadConfig() (*config.Config, error) {
	path := a.configPath
	if path == "" {
		path = a.GetEnv(config.EnvPrefix + "_CONFIG")
	}
	cfg, err := config.NewLoader().
		WithConfigPath(path).
		WithLookupEnv(func(key string) (string, bool) {
			v := a.GetEnv(key)
			return v, v != ""
		}).
		Load()
	if err != nil {
		return nil, err
	}
	if a.dataDir != "" {
		cfg.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	return cfg, nil
}

func (a *App) open() (*services, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := a.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := session.NewStoreWithPath(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	s := &services{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		manager:  session.NewManager(store, a.Registry, a.Clock, logger),
		printer:  display.NewPrinter(a.Out, image.NewResolver(cfg.ImagesDir(), cfg.MediaPrefix)),
		metrics:  metrics.NewCollector(metricsNamespace, reg, logger),
		gatherer: reg,
		closers:  []func() error{store.Close},
	}
	return s, nil
}

// withServices opens the database for the duration of fn.
func (a *App) withServices(fn func(s *services) error) error {
	s, err := a.open()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// writeMetrics dumps the run metrics when a textfile path is configured.
func (s *services) writeMetrics() {
	if s.cfg.MetricsFile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(s.cfg.MetricsFile, s.gatherer); err != nil {
		s.logger.Warn("failed to write metrics file", zap.String("path", s.cfg.MetricsFile), zap.Error(err))
	}
}

func (a *App) keyResolver() *keys.Resolver {
	store, err := a.NewKeyStore()
	if err != nil {
		store = nil
	}
	return keys.NewResolver(store).WithGetenv(a.GetEnv)
}

// engineOptions are the options shared by every engine: lease, ledger,
// metrics, clock and thresholds.
func (a *App) engineOptions(ctx context.Context, s *services) ([]engine.Option, error) {
	var locker lock.Locker = lock.NewMemory()
	if s.cfg.Redis.Addr != "" {
		r, err := lock.DialRedis(ctx, lock.RedisConfig{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
			Prefix:   s.cfg.Redis.Prefix,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, r.Close)
		locker = r
	}

	overrides, err := cost.LoadOverrides(s.cfg.PricingFile())
	if err != nil {
		return nil, err
	}
	ledger := cost.NewLedger(s.store, cost.NewCalculator(overrides), s.metrics, s.logger)

	return []engine.Option{
		engine.WithLocker(locker),
		engine.WithLedger(ledger),
		engine.WithMetrics(s.metrics),
		engine.WithClock(a.Clock),
		engine.WithLogger(s.logger),
		engine.WithConfig(engine.Config{
			AcceptanceThreshold: s.cfg.Engine.AcceptanceThreshold,
			LeaseTTL:            s.cfg.Engine.LeaseTTL,
		}),
	}, nil
}

// newSaver stores generated images. Provider URLs must be https and must not
// resolve to private addresses.
func newSaver(dir string) *image.Saver {
	return image.NewSaver(dir, image.WithURLValidator(security.NewURLValidator(false)))
}

// newEngine builds an engine able to generate with the named providers.
// Missing keys are reported here, before any session changes status.
func (a *App) newEngine(ctx context.Context, s *services, providers ...string) (*engine.Engine, error) {
	opts, err := a.engineOptions(ctx, s)
	if err != nil {
		return nil, err
	}

	resolver := a.keyResolver()
	saver := newSaver(s.cfg.ImagesDir())
	factory := provider.NewFactory(a.Registry, saver, s.logger)
	for i, name := range providers {
		if factory.Supports(name) {
			continue
		}
		// --api-key names the key of the primary provider only.
		explicit := ""
		if i == 0 {
			explicit = a.apiKey
		}
		key, source, err := resolver.Resolve(explicit, name)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("resolved api key", zap.String("provider", name), zap.String("source", string(source)))

		mc := s.cfg.Provider(name)
		backend, err := a.NewBackend(name, provider.Config{APIKey: key, BaseURL: mc.BaseURL, Timeout: mc.Timeout}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s provider: %w", name, err)
		}
		factory.Register(backend)
	}

	judgeKey, _, err := resolver.Resolve(a.judgeAPIKey, models.ProviderOpenAI)
	if err != nil {
		return nil, fmt.Errorf("judge: %w", err)
	}
	judgeCfg := provider.Config{APIKey: judgeKey, BaseURL: s.cfg.Judge.BaseURL, Timeout: s.cfg.Judge.Timeout}
	judge, err := a.NewJudge(judgeCfg, s.cfg.Judge.Model, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create judge: %w", err)
	}

	retrier := provider.NewRetrier(provider.RetryConfig(s.cfg.Retry), s.metrics, s.logger)

	if s.cfg.Reviser.Mode == config.ReviserLLM {
		reviser, err := a.NewReviser(judgeCfg, s.cfg.Reviser.Model, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create reviser: %w", err)
		}
		opts = append(opts, engine.WithReviser(revision.StrategyFunc(func(ctx context.Context, in revision.Input) (revision.Revision, error) {
			return provider.Retry(ctx, retrier, "reviser", models.ProviderOpenAI, func(ctx context.Context) (revision.Revision, error) {
				return reviser.Revise(ctx, in)
			})
		})))
	}

	return engine.New(
		s.store,
		a.Registry,
		provider.NewRetryingGenerator(factory, retrier),
		provider.NewRetryingJudge(judge, models.ProviderOpenAI, retrier),
		opts...,
	), nil
}

// newRecoveryEngine builds an engine that only recovers sessions, so no
// provider keys are needed.
func (a *App) newRecoveryEngine(ctx context.Context, s *services) (*engine.Engine, error) {
	opts, err := a.engineOptions(ctx, s)
	if err != nil {
		return nil, err
	}
	return engine.New(s.store, a.Registry, nil, nil, opts...), nil
}
