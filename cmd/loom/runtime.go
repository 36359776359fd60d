package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/internal/config"
	"github.com/nevindra/loom/mcp"
	"github.com/nevindra/loom/observer"
	"github.com/nevindra/loom/provider/resolve"
	"github.com/nevindra/loom/store/postgres"
	"github.com/nevindra/loom/store/sqlite"
	"github.com/nevindra/loom/tools/fetch"
	"github.com/nevindra/loom/tools/file"
	"github.com/nevindra/loom/tools/shell"
)

// runtime is everything a CLI command needs to run threads.
type runtime struct {
	agent   *loom.Agent
	store   loom.ThreadStore
	inst    *observer.Instruments
	logger  *slog.Logger
	closers []func(context.Context) error
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}
	if err := rt.open(ctx, cfg); err != nil {
		rt.close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) open(ctx context.Context, cfg config.Config) error {
	store, err := openStore(ctx, cfg.Store, rt.logger)
	if err != nil {
		return err
	}
	if store != nil {
		rt.store = store
		rt.closers = append(rt.closers, func(context.Context) error { return store.Close() })
	}

	model, err := newModel(cfg, rt.logger)
	if err != nil {
		return err
	}

	agentOpts := []loom.AgentOption{
		loom.WithInstructions(cfg.Thread.System),
		loom.WithMaxTicks(cfg.Thread.MaxTicks),
		loom.WithConcurrency(cfg.Thread.Concurrency),
		loom.WithLogger(rt.logger),
		loom.WithToolkit(builtinTools(notesPath(cfg), nil)),
	}
	agentOpts = append(agentOpts, toolkits(cfg.Tools)...)

	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName, pricing(cfg.Observer.Pricing))
		if err != nil {
			return fmt.Errorf("observer: %w", err)
		}
		rt.inst = inst
		rt.closers = append(rt.closers, shutdown)
		model = observer.WrapModel(model, cfg.Model.Model, inst)
		agentOpts = append(agentOpts,
			loom.WithTracer(observer.NewTracer()),
			loom.WithProcessors(observer.NewActionRecorder(inst)))
	}

	for _, s := range cfg.MCP {
		c, err := mcp.Dial(ctx, s.Command, s.Args,
			mcp.WithClientLogger(rt.logger.With("mcp", s.Name)),
			mcp.WithToolPrefix(s.Prefix))
		if err != nil {
			return fmt.Errorf("mcp %s: %w", s.Name, err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return c.Close() })
		info, err := c.Initialize(ctx)
		if err != nil {
			return fmt.Errorf("mcp %s: %w", s.Name, err)
		}
		rt.logger.Info("mcp server connected", "mcp", s.Name, "server", info.Name, "tools", len(c.Tools()))
		agentOpts = append(agentOpts, loom.WithToolkit(c))
	}

	rt.agent = loom.NewAgent(cfg.Thread.AgentID, model, agentOpts...)
	return nil
}

func toolkits(cfg config.ToolsConfig) []loom.AgentOption {
	var opts []loom.AgentOption
	if cfg.Fetch {
		opts = append(opts, loom.WithToolkit(fetch.New()))
	}
	if cfg.Files {
		opts = append(opts, loom.WithToolkit(file.New(cfg.Workspace)))
	}
	if cfg.Shell {
		opts = append(opts, loom.WithToolkit(shell.New(cfg.Workspace, time.Duration(cfg.ShellTimeout)*time.Second)))
	}
	return opts
}

func newModel(cfg config.Config, logger *slog.Logger) (loom.Model, error) {
	model, err := resolve.Model(resolve.Config{
		Provider:    cfg.Model.Provider,
		APIKey:      cfg.Model.APIKey,
		Model:       cfg.Model.Model,
		BaseURL:     cfg.Model.BaseURL,
		Temperature: cfg.Model.Temperature,
		TopP:        cfg.Model.TopP,
		MaxTokens:   cfg.Model.MaxTokens,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	model = loom.WithRetry(model,
		loom.RetryMaxAttempts(cfg.Retry.MaxAttempts),
		loom.RetryBaseDelay(time.Duration(cfg.Retry.BaseDelayMS)*time.Millisecond),
		loom.RetryLogger(logger))

	var limits []loom.RateLimitOption
	if cfg.RateLimit.RPM > 0 {
		limits = append(limits, loom.RPM(cfg.RateLimit.RPM))
	}
	if cfg.RateLimit.TPM > 0 {
		limits = append(limits, loom.TPM(cfg.RateLimit.TPM))
	}
	if len(limits) > 0 {
		model = loom.WithRateLimit(model, limits...)
	}
	return model, nil
}

// openStore returns nil when checkpointing is disabled.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (loom.ThreadStore, error) {
	var store loom.ThreadStore
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		store = sqlite.New(cfg.Path, sqlite.WithLogger(logger))
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		store = pg
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("store: %w", err)
	}
	return store, nil
}

func pricing(in map[string]config.ObserverPricing) map[string]observer.ModelPricing {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(in))
	for model, p := range in {
		out[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}
	return out
}

func notesPath(cfg config.Config) string {
	if cfg.Store.Path != "" {
		return filepath.Join(filepath.Dir(cfg.Store.Path), "notes.md")
	}
	return "notes.md"
}

func (rt *runtime) threadOpts() []loom.ThreadOption {
	if rt.store == nil {
		return nil
	}
	return []loom.ThreadOption{loom.WithThreadStore(rt.store)}
}

func (rt *runtime) execute(ctx context.Context, th *loom.Thread) (loom.Result, error) {
	if rt.inst != nil {
		return observer.Execute(ctx, rt.inst, th)
	}
	return th.Execute(ctx)
}

func (rt *runtime) resume(ctx context.Context, th *loom.Thread, resp loom.ApprovalResponse) (loom.Result, error) {
	if rt.inst != nil {
		return observer.Resume(ctx, rt.inst, th, resp)
	}
	return th.Resume(ctx, resp)
}

// close runs closers in reverse order.
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	return errors.Join(errs...)
}
