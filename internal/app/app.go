// Package app assembles the gateway, the persistence layer, the stage
// collaborators and the orchestrator from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/nidhogg/agency/internal/agent"
	"github.com/nidhogg/agency/internal/config"
	"github.com/nidhogg/agency/internal/notify"
	"github.com/nidhogg/agency/internal/orchestrator"
	"github.com/nidhogg/agency/internal/provider"
	"github.com/nidhogg/agency/internal/store"
	"go.uber.org/zap"
)

// App is a fully wired agency instance.
type App struct {
	Config       *config.Config
	Gateway      *provider.Gateway
	Memory       orchestrator.Memory
	History      *store.Store // nil without Postgres
	Events       *orchestrator.RedisSink
	Notifier     *notify.Broadcaster
	Search       *store.Searcher
	Orchestrator *orchestrator.Orchestrator
	Manager      *orchestrator.Manager

	hub    *notify.Hub
	redis  *store.RedisMemory
	logger *zap.Logger
}

// Option customises Build.
type Option func(*options)

type options struct {
	confirmer orchestrator.Confirmer
	runner    agent.CommandRunner
}

// WithConfirmer sets the default deploy gate. Without it every deploy is
// declined unless a run supplies its own confirmer.
func WithConfirmer(c orchestrator.Confirmer) Option {
	return func(o *options) { o.confirmer = c }
}

// WithCommandRunner replaces the container tool runner used by the deployer.
func WithCommandRunner(r agent.CommandRunner) Option {
	return func(o *options) { o.runner = r }
}

// Build wires an App. Optional infrastructure (Postgres, Redis, chat
// platforms) that cannot be reached is logged and skipped.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{confirmer: agent.StaticConfirmer(false)}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, logger: logger}
	gw, err := buildGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Gateway = gw

	a.buildPersistence(ctx)
	a.buildNotifier()

	pc := cfg.Pipeline
	pool := orchestrator.NewPool(pc.Workers)
	failsafe, err := agent.NewFailsafe(pc.Denylist, logger)
	if err != nil {
		return nil, err
	}
	stages := orchestrator.Stages{
		Planner:   agent.NewArchitect(gw, cfg.Models.Architect, false, logger),
		Generator: agent.NewCoder(gw, cfg.Models.Coder, logger),
		Safety:    failsafe,
		Tester:    agent.NewRunner(pool, pc.Interpreters, pc.TestTimeout.Std(), logger),
		Repairer:  agent.NewFixer(gw, cfg.Models.Fixer, pool, logger),
		Reviewer:  agent.NewReviewer(gw, cfg.Models.Reviewer, pool, logger),
		Deployer: agent.NewDeployer(agent.DeployConfig{
			Tool:         pc.ContainerTool,
			Image:        pc.Image,
			Port:         pc.Port,
			RunContainer: pc.RunContainer,
			Timeout:      pc.DeployTimeout.Std(),
		}, o.runner, logger),
		Documenter: agent.NewDocumenter(a.Notifier, logger),
	}

	exts, err := buildExtensions(pc, logger)
	if err != nil {
		return nil, err
	}

	sink := orchestrator.EventSink(orchestrator.NewLogSink(logger))
	if a.Events != nil {
		sink = orchestrator.MultiSink{sink, a.Events}
	}
	runOpts := orchestrator.Options{
		ProjectsDir:  pc.ProjectsDir,
		Confirmer:    o.confirmer,
		Memory:       a.Memory,
		Events:       sink,
		Extensions:   exts,
		ReviewUsable: gw.Usable,
	}
	if a.History != nil {
		runOpts.History = a.History
	}
	orch, err := orchestrator.New(stages, runOpts, logger)
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orch
	a.Manager = orchestrator.NewManager(orch, 100, logger)
	return a, nil
}

func buildGateway(cfg *config.Config, logger *zap.Logger) (*provider.Gateway, error) {
	descs := []struct {
		kind provider.BackendKind
		bc   config.BackendConfig
	}{
		{provider.KindOpenAI, cfg.Backends.OpenAI},
		{provider.KindAnthropic, cfg.Backends.Anthropic},
		{provider.KindLocal, cfg.Backends.Local},
	}

	var backends []provider.Backend
	for _, d := range descs {
		b, err := provider.NewBackend(provider.BackendConfig{
			Kind:          d.kind,
			Endpoint:      d.bc.Endpoint,
			APIKey:        d.bc.APIKey,
			Model:         d.bc.Model,
			FallbackModel: d.bc.FallbackModel,
			Timeout:       d.bc.Timeout.Std(),
			MaxTokens:     d.bc.MaxTokens,
			Temperature:   d.bc.Temperature,
			RateLimit:     d.bc.RateLimit,
			Burst:         d.bc.Burst,
		}, logger)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	policy := provider.RetryPolicy{
		Attempts:   cfg.Retry.Attempts,
		Delay:      cfg.Retry.Delay.Std(),
		Multiplier: cfg.Retry.Multiplier,
		MaxDelay:   cfg.Retry.MaxDelay.Std(),
	}
	gw := provider.NewGateway(backends, provider.NewModelRegistry(provider.DefaultCapabilities()), policy, logger)
	for _, d := range descs {
		gw.SetRateLimit(d.kind, d.bc.RateLimit, d.bc.Burst)
	}
	return gw, nil
}

// buildPersistence chooses the memory: Postgres and Redis when configured
// (both through a Tee), otherwise the in-process store. Database-backed
// memory is fronted by an LRU cache. Search reads the primary store.
func (a *App) buildPersistence(ctx context.Context) {
	db := a.Config.Database
	var backing []orchestrator.Memory
	var index store.Index

	if db.Postgres.DSN != "" {
		pg, err := store.New(ctx, db.Postgres.DSN, a.logger)
		if err != nil {
			a.logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(err))
		} else if err := pg.Migrate(ctx, db.Migrations); err != nil {
			a.logger.Warn("migration failed, running without persistence", zap.Error(err))
			pg.Close()
		} else {
			pg.SetOpTimeout(db.OpTimeout.Std())
			a.History = pg
			backing = append(backing, pg)
			index = pg
		}
	}

	if db.Redis.URL != "" {
		rm, err := store.NewRedisMemory(ctx, db.Redis.URL, a.logger)
		if err != nil {
			a.logger.Warn("Redis unavailable, running without shared memory", zap.Error(err))
		} else {
			a.redis = rm
			backing = append(backing, rm)
			if index == nil {
				index = rm
			}
		}
		sink, err := orchestrator.NewRedisSink(ctx, db.Redis.URL, a.logger)
		if err != nil {
			a.logger.Warn("Redis unavailable, run events are logged only", zap.Error(err))
		} else {
			a.Events = sink
		}
	}

	switch len(backing) {
	case 0:
		mem := store.NewMemoryStore()
		a.Memory = mem
		a.Search = store.NewSearcher(mem, 0)
		return
	case 1:
		a.Memory = backing[0]
	default:
		a.Memory = store.NewTee(backing[0], backing[1:]...)
	}
	a.Search = store.NewSearcher(index, 0)
	cached, err := store.NewCachedMemory(a.Memory, db.CacheSize)
	if err != nil {
		a.logger.Warn("memory cache disabled", zap.Error(err))
		return
	}
	a.Memory = cached
}

func (a *App) buildNotifier() {
	n := a.Config.Notify
	hub := notify.NewHub(a.logger)
	if n.Slack.Enabled {
		s, err := notify.NewSlackNotifier(n.Slack.BotToken, n.Slack.ChannelID, a.logger)
		if err != nil {
			a.logger.Warn("slack notifier disabled", zap.Error(err))
		} else {
			hub.Register(s)
		}
	}
	if n.Discord.Enabled {
		d, err := notify.NewDiscordNotifier(n.Discord.BotToken, n.Discord.ChannelID, a.logger)
		if err != nil {
			a.logger.Warn("discord notifier disabled", zap.Error(err))
		} else {
			hub.Register(d)
		}
	}
	a.hub = hub
	a.Notifier = notify.NewBroadcaster(hub, a.logger)
}

func buildExtensions(pc config.PipelineConfig, logger *zap.Logger) (*orchestrator.ExtensionRegistry, error) {
	reg := orchestrator.NewExtensionRegistry()
	for _, name := range pc.Extensions {
		var ext orchestrator.Extension
		switch name {
		case "supervisor":
			ext = agent.NewSupervisor(logger)
		case "evolution":
			ext = agent.NewEvolutionLog(pc.EvolutionLog, logger)
		default:
			return nil, fmt.Errorf("unknown extension %q", name)
		}
		if err := reg.Register(ext); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Close stops active runs and releases every connection.
func (a *App) Close(ctx context.Context) {
	if a.Manager != nil {
		a.Manager.Shutdown(ctx)
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.History != nil {
		a.History.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
}
