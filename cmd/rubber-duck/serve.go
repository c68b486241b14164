// ABOUTME: serve command: wires storage, agents, ducks, feedback review, Matrix and the servers
// ABOUTME: Runs every component until a signal arrives, then waits for sessions to stop

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/beanlab/rubber-duck-sub000/internal/agent"
	"github.com/beanlab/rubber-duck-sub000/internal/builtins"
	"github.com/beanlab/rubber-duck-sub000/internal/config"
	"github.com/beanlab/rubber-duck-sub000/internal/conversation"
	"github.com/beanlab/rubber-duck-sub000/internal/duck"
	"github.com/beanlab/rubber-duck-sub000/internal/feedback"
	"github.com/beanlab/rubber-duck-sub000/internal/kvstore"
	"github.com/beanlab/rubber-duck-sub000/internal/llm"
	"github.com/beanlab/rubber-duck-sub000/internal/metrics"
	"github.com/beanlab/rubber-duck-sub000/internal/queue"
	"github.com/beanlab/rubber-duck-sub000/internal/retry"
	"github.com/beanlab/rubber-duck-sub000/internal/server"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
	"github.com/beanlab/rubber-duck-sub000/internal/transport"
	"github.com/beanlab/rubber-duck-sub000/internal/transport/matrix"
)

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Ducks:      %d\n", len(cfg.Ducks))
	if cfg.Server.HTTPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	logger.Info("starting rubber-duck", "config", configPath, "ducks", len(cfg.Ducks))
	return app.run(ctx)
}

// app holds the wired components of a running instance.
type app struct {
	records  *store.SQLiteStore
	state    *kvstore.Store
	crypto   *matrix.Crypto
	bridge   *matrix.Bridge
	ducks    *duck.Orchestrator
	feedback *feedback.Manager
	server   *server.Server
	events   *conversation.EventBroadcaster
	logger   *slog.Logger
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	var err error

	a.records, err = store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	a.state, err = kvstore.Open(cfg.Database.StatePath)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	client, err := matrix.New(matrix.Config{
		Homeserver:  cfg.Matrix.Homeserver,
		UserID:      cfg.Matrix.UserID,
		AccessToken: cfg.Matrix.AccessToken,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Matrix.RecoveryKey != "" {
		dataDir := cfg.Matrix.DataDir
		if dataDir == "" {
			dataDir = getDataPath()
		}
		a.crypto, err = matrix.EnableCrypto(ctx, client, cfg.Matrix.RecoveryKey, dataDir)
		if err != nil {
			return nil, fmt.Errorf("setting up encryption: %w", err)
		}
	}

	ducks, err := buildDucks(cfg, a.state, logger)
	if err != nil {
		return nil, err
	}

	targets := make([]feedback.Target, 0, len(cfg.Feedback))
	for _, f := range cfg.Feedback {
		targets = append(targets, feedback.Target{
			ChannelID:       f.ChannelID,
			ReviewChannelID: f.ReviewChannelID,
			Timeout:         f.Timeout,
		})
	}
	a.feedback, err = feedback.NewManager(feedback.Config{
		Store:     a.state,
		Recorder:  a.records,
		Transport: client,
		Targets:   targets,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating feedback manager: %w", err)
	}

	a.events = conversation.NewEventBroadcaster(logger)
	a.ducks, err = duck.New(duck.Deps{
		Transport: client,
		Recorder:  a.records,
		History:   a.records,
		Backend: llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
		}, logger),
		Retry: retry.Policy{
			MaxRetries:        cfg.Retry.MaxRetries,
			InitialDelay:      cfg.Retry.InitialDelay,
			BackoffMultiplier: cfg.Retry.BackoffMultiplier,
			AttemptTimeout:    cfg.AI.RequestTimeout,
		},
		Feedback:       a.feedback,
		Inboxes:        queue.NewRegistry[transport.Message](),
		Events:         a.events,
		Metrics:        m,
		Logger:         logger,
		AdminChannelID: cfg.Admin.ChannelID,
	}, ducks)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	a.bridge = matrix.NewBridge(client, duck.NewDispatcher(a.ducks, a.feedback, logger), logger)
	a.server = server.New(server.Config{
		HTTPAddr: cfg.Server.HTTPAddr,
		GRPCAddr: cfg.Server.GRPCAddr,
		Gatherer: registry,
		Ready:    a.bridge.Ready,
		Usage:    a.records,
		Events:   a.events,
		Logger:   logger,
	})

	ok = true
	return a, nil
}

// buildDucks creates the agent registry and one router per duck.
func buildDucks(cfg *config.Config, state *kvstore.Store, logger *slog.Logger) ([]*duck.Duck, error) {
	defs := make([]agent.Definition, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		defs = append(defs, agent.Definition{
			Name:         ac.Name,
			Instructions: ac.Instructions,
			Model:        ac.Model,
			Tools:        ac.Tools,
			Handoffs:     ac.Handoffs,
		})
	}
	agents, err := agent.NewRegistry(defs, builtins.Tools(state))
	if err != nil {
		return nil, fmt.Errorf("building agent registry: %w", err)
	}
	logger.Info("agents loaded", "agents", agents.Names())

	ducks := make([]*duck.Duck, 0, len(cfg.Ducks))
	for _, dc := range cfg.Ducks {
		router, err := agent.NewRouter(agents, state, agent.RouterConfig{
			Agents:        dc.Agents,
			StartingAgent: dc.StartingAgent,
		}, logger.With("duck", dc.Name))
		if err != nil {
			return nil, fmt.Errorf("duck %q: %w", dc.Name, err)
		}
		ducks = append(ducks, &duck.Duck{
			Name:               dc.Name,
			ChannelID:          dc.ChannelID,
			GuildID:            dc.GuildID,
			Timeout:            dc.Timeout,
			Introduction:       dc.Introduction,
			MaxHandoffsPerTurn: dc.MaxHandoffsPerTurn,
			Router:             router,
		})
	}
	return ducks, nil
}

// run blocks until ctx is cancelled or a component fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Go(func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		})
	}
	start("server", a.server.Run)
	start("feedback", a.feedback.Run)
	start("matrix", a.bridge.Run)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case runErr = <-errCh:
		a.logger.Error("component failed, shutting down", "error", runErr)
		cancel()
	}

	wg.Wait()
	a.ducks.Wait()
	a.events.Close()
	return runErr
}

func (a *app) close() {
	if err := a.crypto.Close(); err != nil {
		a.logger.Warn("closing crypto store", "error", err)
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn("closing state store", "error", err)
		}
	}
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			a.logger.Warn("closing record store", "error", err)
		}
	}
}
