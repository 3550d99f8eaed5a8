package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/p2engine/convorch/internal/agentruntime"
	"github.com/p2engine/convorch/internal/artifactbus"
	"github.com/p2engine/convorch/internal/config"
	"github.com/p2engine/convorch/internal/dedup"
	"github.com/p2engine/convorch/internal/janitor"
	"github.com/p2engine/convorch/internal/posteffect"
	"github.com/p2engine/convorch/internal/queue"
	"github.com/p2engine/convorch/internal/stack"
	"github.com/p2engine/convorch/internal/telemetry"
	"github.com/p2engine/convorch/internal/tools"
	"github.com/p2engine/convorch/internal/workers"
)

// engine bundles every long-lived component a command might need, built
// once from config and shared by serve and the point-operation commands.
type engine struct {
	cfg   config.Config
	rdb   *redis.Client
	bus   *artifactbus.Bus
	ticks *queue.Queue
	tools *queue.Queue

	toolsReg   *tools.Registry
	postEffect *posteffect.Registry
	agents     *workers.AgentRegistry
	policy     dedup.Policy

	log telemetry.Logger
}

// buildEngine loads configuration and wires every component that doesn't
// depend on which subcommand is running.
func buildEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	log := telemetry.NewClueLogger()

	driver, err := buildArtifactDriver(ctx, cfg)
	if err != nil {
		return nil, err
	}
	bus := artifactbus.New(rdb, driver,
		artifactbus.WithLogger(log),
		artifactbus.WithMaxArtifactsPerSession(int64(cfg.MaxArtifactsPerSess)),
	)

	ticksQ := queue.New(rdb, "ticks")
	toolsQ := queue.New(rdb, "tools")

	toolsReg := tools.NewRegistry(rdb)
	registerBuiltinTools(toolsReg)

	agents := workers.NewAgentRegistry()
	if err := registerConfiguredAgents(agents, toolsReg, rdb, cfg); err != nil {
		return nil, err
	}

	var policy dedup.Policy
	switch cfg.DedupPolicy {
	case "strict":
		policy = dedup.NewStrictPolicy(rdb, telemetry.NoopMetrics{}, cfg.DedupTTL)
	case "none":
		policy = dedup.NonePolicy{}
	default:
		policy = dedup.NewPenaltyPolicy(rdb, telemetry.NoopMetrics{}, cfg.DedupTTL)
	}

	return &engine{
		cfg:        cfg,
		rdb:        rdb,
		bus:        bus,
		ticks:      ticksQ,
		tools:      toolsQ,
		toolsReg:   toolsReg,
		postEffect: posteffect.NewRegistry(log),
		agents:     agents,
		policy:     policy,
		log:        log,
	}, nil
}

func buildArtifactDriver(ctx context.Context, cfg config.Config) (artifactbus.Driver, error) {
	if cfg.ArtifactStorage == "s3" {
		return artifactbus.NewS3Driver(ctx, artifactbus.S3DriverConfig{
			Bucket:       cfg.S3.Bucket,
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			Prefix:       cfg.S3.Prefix,
			UsePathStyle: cfg.S3.UsePathStyle,
		})
	}
	return artifactbus.NewFSDriver(cfg.ArtifactBaseDir, true), nil
}

// registerConfiguredAgents registers one agent per deployment: an
// Anthropic-backed agent named "assistant" when ANTHROPIC_API_KEY is set,
// falling back to the deterministic echo agent otherwise so the engine is
// runnable without a provider key.
func registerConfiguredAgents(agents *workers.AgentRegistry, toolsReg *tools.Registry, rdb *redis.Client, cfg config.Config) error {
	if cfg.AnthropicAPIKey != "" {
		agent, err := llmAgent(toolsReg, rdb, cfg)
		if err != nil {
			return fmt.Errorf("build llm agent: %w", err)
		}
		agents.Register(agent)
		return nil
	}
	agents.Register(echoAgent())
	return nil
}

// stackFor resolves the interaction stack for a (conversation, agent) pair,
// shared by both workers and point commands.
func (e *engine) stackFor(ctx context.Context, conversationID, agentID string) *stack.Stack {
	return stack.New(ctx, e.rdb, e.bus, conversationID, agentID, stack.WithLogger(e.log))
}

func (e *engine) tunables() agentruntime.Tunables {
	return agentruntime.Tunables{
		ToolTimeoutSeconds:      e.cfg.ToolTimeout.Seconds(),
		MinAgentResponseSeconds: float64(e.cfg.MinAgentResponseSec),
		MaxReflections:          e.cfg.MaxReflections,
	}
}

func (e *engine) janitor() *janitor.Janitor {
	return janitor.New(e.rdb, janitor.Config{
		CronSpec:           e.cfg.JanitorCronSpec,
		BranchPruneHorizon: e.cfg.BranchPruneHorizon,
		DeadAgentTimeout:   e.cfg.DeadAgentTimeout,
	}, janitor.WithLogger(e.log))
}
