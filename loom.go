// Package loom is an actor-style agent runtime: independent, stateful agents
// each process a private stream of typed activities one at a time behind a
// bounded, priority-aware mailbox, expose their state to concurrent readers
// without locks, and live under a supervisory service that creates, routes
// to, and terminates them by identity.
//
// The typed API lives in the runtime and agent packages:
//
//	svc := runtime.NewService[int]()
//	h, err := svc.Create(ctx, "counter", 0,
//	    runtime.WithWorkflow(func(ctx context.Context, act *agent.Activity, n int) (int, error) {
//	        return n + 1, nil
//	    }))
//	_ = h.Send(ctx, agent.NewActivity(agent.TypeCommand, "counter", nil))
//
// This package adds a config-driven entry point for map-state agents, used by
// the loom binary.
package loom

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/internal/observability"
	"github.com/loomworks/loom/pkg/config"
	obsmetrics "github.com/loomworks/loom/pkg/observability"
	"github.com/loomworks/loom/runtime"
)

// MapState is the state type of config-declared agents: a plain string-keyed
// map merged by the default workflow.
type MapState = map[string]any

// New creates a runtime service for map-state agents with the given options.
func New(opts ...runtime.ServiceOption) *runtime.Service[MapState] {
	return runtime.NewService[MapState](opts...)
}

// Run boots the runtime from a YAML config file: it creates the declared
// agents and schedules, serves metrics and health endpoints when configured,
// and blocks until SIGINT/SIGTERM. Intended as the body of the loom binary.
func Run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(cfg)
}

// RunWithConfig boots the runtime from an already loaded configuration.
func RunWithConfig(cfg *config.Config) error {
	ctx := context.Background()

	if err := observability.InitFromEnv(); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}
	if cfg.MetricsEnabled() {
		obsmetrics.InitMetrics()
	}

	svc, scheduler, err := Build(ctx, cfg)
	if err != nil {
		return err
	}

	if scheduler != nil {
		scheduler.Start()
		defer scheduler.Stop()
	}

	var obsServer *obsmetrics.Server
	if cfg.Observability.Port > 0 {
		checker := obsmetrics.InitHealthChecker()
		checker.RegisterCheck(obsmetrics.PingCheck())
		checker.RegisterCheck(&obsmetrics.HealthCheck{
			Name:     "runtime",
			Critical: true,
			CheckFunc: func(context.Context) error {
				if len(svc.List()) < len(cfg.Agents) {
					return fmt.Errorf("only %d of %d agents live", len(svc.List()), len(cfg.Agents))
				}
				return nil
			},
		})

		obsServer = obsmetrics.NewServer(cfg.Observability.Port)
		go func() {
			log.Printf("Observability server listening on :%d", cfg.Observability.Port)
			if err := obsServer.Start(); err != nil {
				log.Printf("Observability server stopped: %v", err)
			}
		}()
	}

	log.Printf("Runtime started with %d agents. Press Ctrl+C to stop.", len(cfg.Agents))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if obsServer != nil {
		if err := obsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: observability server shutdown: %v", err)
		}
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: runtime shutdown: %v", err)
	}
	if err := observability.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: tracing shutdown: %v", err)
	}

	return nil
}

// Build constructs a service and optional scheduler from configuration
// without blocking. Exposed separately so tests and embedders can drive the
// lifecycle themselves.
func Build(ctx context.Context, cfg *config.Config) (*runtime.Service[MapState], *runtime.Scheduler, error) {
	opts := []runtime.ServiceOption{
		runtime.WithDefaultMailbox(mailboxConfig(cfg.Runtime.Mailbox)),
		runtime.WithMetrics(cfg.MetricsEnabled()),
	}
	if cfg.Runtime.SendRatePerSecond > 0 {
		opts = append(opts, runtime.WithSendRateLimit(cfg.Runtime.SendRatePerSecond, cfg.Runtime.SendBurst))
	}

	svc := New(opts...)

	for _, def := range cfg.Agents {
		initial := def.InitialState
		if initial == nil {
			initial = make(MapState)
		}

		createOpts := []runtime.CreateOption[MapState]{}
		if def.Mailbox != nil {
			createOpts = append(createOpts, runtime.WithMailbox[MapState](mailboxConfig(*def.Mailbox)))
		}

		if _, err := svc.Create(ctx, agent.ID(def.ID), initial, createOpts...); err != nil {
			_ = svc.Shutdown(ctx)
			return nil, nil, fmt.Errorf("failed to create agent %q: %w", def.ID, err)
		}
	}

	var scheduler *runtime.Scheduler
	if len(cfg.Schedules) > 0 {
		scheduler = runtime.NewScheduler(svc)
		for _, def := range cfg.Schedules {
			typ := agent.ActivityType(def.ActivityType)
			if typ == "" {
				typ = agent.TypeEvent
			}
			id := agent.ID(def.AgentID)
			payload := def.Payload

			err := scheduler.Schedule(def.Name, def.Spec, id, func() *agent.Activity {
				return agent.NewActivity(typ, id, payload)
			})
			if err != nil {
				_ = svc.Shutdown(ctx)
				return nil, nil, err
			}
		}
	}

	return svc, scheduler, nil
}

func mailboxConfig(def config.MailboxDef) runtime.MailboxConfig {
	return runtime.MailboxConfig{
		Size:                 def.Size,
		EnablePrioritization: def.EnablePrioritization,
		PriorityQueueSize:    def.PriorityQueueSize,
		BackpressureTimeout:  def.BackpressureTimeout(),
	}
}
