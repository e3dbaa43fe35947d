package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cyph3rasi/kyber/internal/agent"
	"github.com/cyph3rasi/kyber/internal/agent/providers"
	"github.com/cyph3rasi/kyber/internal/bus"
	"github.com/cyph3rasi/kyber/internal/channels"
	"github.com/cyph3rasi/kyber/internal/channels/discord"
	"github.com/cyph3rasi/kyber/internal/channels/telegram"
	"github.com/cyph3rasi/kyber/internal/channels/whatsapp"
	"github.com/cyph3rasi/kyber/internal/config"
	"github.com/cyph3rasi/kyber/internal/dispatch"
	"github.com/cyph3rasi/kyber/internal/gateway"
	"github.com/cyph3rasi/kyber/internal/observability"
	"github.com/cyph3rasi/kyber/internal/sessions"
	"github.com/cyph3rasi/kyber/internal/tasks"
	"github.com/cyph3rasi/kyber/internal/tools"
	"github.com/cyph3rasi/kyber/internal/workspace"
)

const (
	errorLogCapacity = 200
	shutdownTimeout  = 10 * time.Second
)

// runServe wires every subsystem together and blocks until shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	errorLog := observability.NewErrorLog(errorLogCapacity)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	messageBus := bus.New(registry)

	sessionManager, err := sessions.NewManager(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	taskRegistry, err := tasks.NewRegistry(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("tasks: %w", err)
	}

	bootstrap, err := workspace.Bootstrap(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if len(bootstrap.Created) > 0 {
		logger.Info("workspace bootstrapped", "created", bootstrap.Created)
	}

	promptBuilder := workspace.NewContextBuilder(cfg.Workspace, func() []string {
		var lines []string
		for _, task := range taskRegistry.GetActiveTasks() {
			line := fmt.Sprintf("%s %s", task.Reference, task.Label)
			if task.CurrentAction != "" {
				line += " — " + task.CurrentAction
			}
			lines = append(lines, line)
		}
		return lines
	})

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		return err
	}

	toolRegistry := agent.NewToolRegistry(cfg.Agent.Budgets.ToolCall, logger)
	builtins := []agent.Tool{tools.ReadFile{}, tools.WriteFile{}, tools.ListDir{}, tools.Exec{}}
	for _, tool := range builtins {
		if err := toolRegistry.Register(tool); err != nil {
			return fmt.Errorf("register tool %s: %w", tool.Name(), err)
		}
	}

	core := agent.New(agent.Options{
		Provider:        provider,
		Tools:           toolRegistry,
		Sessions:        sessionManager,
		Tasks:           taskRegistry,
		Bus:             messageBus,
		Prompt:          promptBuilder,
		Logger:          logger,
		ErrorLog:        errorLog,
		Workspace:       cfg.Workspace,
		HistoryMessages: cfg.Agent.HistoryMessages,
		MaxIterations:   cfg.Agent.MaxIterations,
		Budgets:         cfg.Agent.Budgets,
		Registerer:      registry,
	})

	channelManager, err := buildChannels(cfg, messageBus, logger)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := channelManager.StartAll(runCtx); err != nil {
		return fmt.Errorf("channels: %w", err)
	}

	dispatcher := dispatch.New(dispatch.Options{
		Bus:         messageBus,
		Manager:     channelManager,
		Logger:      logger,
		ErrorLog:    errorLog,
		SendTimeout: cfg.Agent.Budgets.Send,
		Registerer:  registry,
	})
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(runCtx)
		close(dispatcherDone)
	}()
	go messageBus.DispatchStatus(runCtx)

	// Inbound pump: each message gets its own goroutine so one slow turn
	// never blocks other chats.
	go func() {
		for {
			msg, err := messageBus.ConsumeInbound(runCtx)
			if err != nil {
				return
			}
			go core.HandleInbound(runCtx, msg)
		}
	}()

	gatewayServer := gateway.New(gateway.Options{
		Addr:        cfg.Gateway.Addr,
		AuthToken:   cfg.Gateway.AuthToken,
		Agent:       core,
		Tasks:       taskRegistry,
		Bus:         messageBus,
		ErrorLog:    errorLog,
		Logger:      logger,
		ChatTimeout: cfg.Agent.Budgets.ChatTurn,
		Gatherer:    registry,
	})
	gatewayServer.Start()

	logger.Info("kyber is running",
		"channels", channelManager.Names(),
		"provider", provider.Name(),
		"gateway", cfg.Gateway.Addr,
		"workspace", cfg.Workspace)

	<-runCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown failed", "error", err)
	}
	// The dispatcher's final retry pass needs the adapters still running, so
	// wait for it before stopping channels.
	select {
	case <-dispatcherDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatcher did not finish draining in time")
	}
	if err := channelManager.StopAll(shutdownCtx); err != nil {
		logger.Warn("channel shutdown failed", "error", err)
	}
	sessionManager.Flush()

	logger.Info("kyber stopped")
	return nil
}

// buildProvider creates the configured chat provider.
func buildProvider(cfg *config.Config, logger *slog.Logger) (agent.ChatProvider, error) {
	switch cfg.Providers.Default {
	case "anthropic":
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider selected but ANTHROPIC_API_KEY is not set")
		}
		return providers.NewAnthropic(providers.AnthropicConfig{
			APIKey:  cfg.Providers.Anthropic.APIKey,
			BaseURL: cfg.Providers.Anthropic.BaseURL,
			Model:   cfg.Providers.Anthropic.Model,
			Logger:  logger,
		})
	case "openai":
		if cfg.Providers.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY is not set")
		}
		return providers.NewOpenAI(providers.OpenAIConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Providers.OpenAI.Model,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (want anthropic or openai)", cfg.Providers.Default)
	}
}

// buildChannels registers the enabled chat adapters.
func buildChannels(cfg *config.Config, b *bus.MessageBus, logger *slog.Logger) (*channels.Manager, error) {
	manager := channels.NewManager(logger)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.New(telegram.Config{
			Token:     cfg.Channels.Telegram.Token,
			Allowlist: channels.Allowlist(cfg.Channels.Telegram.Allowlist),
			Logger:    logger,
		}, b)
		if err != nil {
			return nil, err
		}
		manager.Register(adapter)
	}

	if cfg.Channels.Discord.Enabled {
		adapter, err := discord.New(discord.Config{
			Token:     cfg.Channels.Discord.Token,
			Allowlist: channels.Allowlist(cfg.Channels.Discord.Allowlist),
			Logger:    logger,
		}, b)
		if err != nil {
			return nil, err
		}
		manager.Register(adapter)
	}

	if cfg.Channels.WhatsApp.Enabled {
		adapter, err := whatsapp.New(whatsapp.Config{
			DataDir:   cfg.DataDir,
			Allowlist: channels.Allowlist(cfg.Channels.WhatsApp.Allowlist),
			Logger:    logger,
		}, b)
		if err != nil {
			return nil, err
		}
		manager.Register(adapter)
	}

	return manager, nil
}
