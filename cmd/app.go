package cmd

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"nexus/agent"
	"nexus/browser"
	"nexus/config"
	"nexus/eventbus"
	"nexus/llm"
	"nexus/orchestrator"
	"nexus/report"
	"nexus/store"
	"nexus/summarizer"
	"nexus/tasks"
)

// app is the wired core shared by serve and run.
type app struct {
	cfg          *config.Config
	stores       *store.Bundle
	bus          *eventbus.Bus
	engines      *llm.Engines
	orchestrator *orchestrator.Orchestrator
}

type appOptions struct {
	probeEngines  bool
	enableLogging bool
}

func newApp(cfg *config.Config, opts appOptions, logger hclog.Logger) (*app, error) {
	stores, err := store.NewBundle(&cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := eventbus.New(logger)
	engines := llm.NewEngines(cfg, stores.Users, logger)
	adapter := agent.NewAdapter(browser.NewLauncher(cfg.Browser, logger), logger)

	orch := orchestrator.New(orchestrator.Deps{
		Tasks:      tasks.NewStore(stores.Tasks, logger),
		Bus:        bus,
		Stores:     stores,
		Engines:    engines,
		Adapter:    orchestrator.AgentAdapter(adapter),
		Reports:    report.NewGenerator(report.DefaultRunRoot, logger),
		Summarizer: summarizer.New(engines, cfg.Summarizer, logger),
	}, orchestrator.Options{
		RunRoot:       cfg.Artifacts.RunRoot,
		Origin:        cfg.Server.Origin,
		ProbeEngines:  opts.probeEngines,
		EnableLogging: opts.enableLogging,
	}, logger)

	return &app{
		cfg:          cfg,
		stores:       stores,
		bus:          bus,
		engines:      engines,
		orchestrator: orch,
	}, nil
}

func (a *app) Close() error {
	return a.stores.Close()
}
