package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/wfengine/internal/audit"
	"github.com/basket/wfengine/internal/bus"
	"github.com/basket/wfengine/internal/channels"
	"github.com/basket/wfengine/internal/config"
	otelPkg "github.com/basket/wfengine/internal/otel"
	"github.com/basket/wfengine/internal/telemetry"
	"github.com/basket/wfengine/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS_INIT", err)
	}

	store, err := workflow.Open(cfg.ResolvedDBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	eventBus := bus.NewWithLogger(logger)
	if err := eventBus.EnableDurable(store.DB()); err != nil {
		fatalStartup(logger, "E_BUS_DURABLE_INIT", err)
	}
	publisher := bus.NewWorkflowPublisher(eventBus)

	clock := time.Now
	svc := workflow.NewService(store, nil, publisher, clock, logger)
	resolver := workflow.NewResolver(store, publisher, svc.OnTaskResolved, clock, logger)

	scheduler := workflow.NewScheduler(store, publisher, clock, workflow.SchedulerConfig{
		Interval: time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
	}, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	sweepInterval := time.Duration(cfg.Resolver.TimeoutSweepIntervalSeconds) * time.Second
	go runTimeoutSweepLoop(ctx, resolver, sweepInterval, logger)

	adapterSub := eventBus.Subscribe(bus.TopicEvtAdapterMessageCreated)
	go runAdapterEventLoop(ctx, adapterSub, resolver, logger)

	cmdSub, err := eventBus.SubscribeWorkQueue("workflow-commands", "cmd.workflow.")
	if err != nil {
		fatalStartup(logger, "E_BUS_WORKQUEUE_SUBSCRIBE", err)
	}
	go runCommandLoop(ctx, cmdSub, svc, logger)

	if cfg.Channels.Discord.Enabled {
		if cfg.Channels.Discord.Token == "" {
			logger.Warn("discord channel enabled but token is missing")
		} else {
			discord := channels.NewDiscordChannel(
				cfg.Channels.Discord.Token,
				cfg.Channels.Discord.AllowedGuildIDs,
				cfg.Channels.Discord.AllowedChanIDs,
				store,
				noopGeneralRouter{},
				eventBus,
				logger,
			)
			go func() {
				if err := discord.Start(ctx); err != nil {
					logger.Error("discord_channel_exited", "error", err)
				}
			}()
			logger.Info("startup phase", "phase", "discord_channel_started")
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) == "config.yaml" {
				logger.Info("config.yaml changed on disk; restart to apply", "path", ev.Path, "op", ev.Op.String())
			}
		}
	}()

	lifecycleSub := eventBus.Subscribe(bus.TopicEvtWorkflowLifecycleChanged)
	go runLifecycleMetricsLoop(ctx, lifecycleSub, metrics)
	taskSub := eventBus.Subscribe(bus.TopicEvtWorkflowTaskLifecycleChanged)
	go runTaskMetricsLoop(ctx, taskSub, metrics)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	// Deferred scheduler.Stop/store.Close/otelProvider.Shutdown/audit.Close
	// drain in LIFO order as main returns.
}

// runTimeoutSweepLoop drives the Timeout Resolver on a fixed interval,
// independent of the Scheduler's own tick loop (the two cover disjoint
// task kinds).
func runTimeoutSweepLoop(ctx context.Context, resolver *workflow.Resolver, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := resolver.SweepTimeouts(ctx); err != nil {
				logger.Error("timeout_sweep_failed", "error", err)
			}
		}
	}
}

// runAdapterEventLoop feeds every inbound chat message to the Reply
// Resolver, regardless of which channel adapter produced it.
func runAdapterEventLoop(ctx context.Context, sub *bus.Subscription, resolver *workflow.Resolver, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(bus.EvtAdapterMessageCreated)
			if !ok {
				continue
			}
			event := workflow.AdapterEvent{
				Platform:  payload.Platform,
				ChannelID: payload.ChannelID,
				MessageID: payload.MessageID,
				UserID:    payload.UserID,
				UserName:  payload.UserName,
				Text:      payload.Text,
				TS:        payload.TS,
				Raw:       payload.Raw,
			}
			if err := resolver.HandleAdapterEvent(ctx, event); err != nil {
				logger.Error("adapter_event_handling_failed", "error", err)
			}
		}
	}
}

// runCommandLoop drains cmd.workflow.* from the durable outbox and
// dispatches each to the matching Service handler. Replay payloads
// arrive as raw JSON; live payloads keep their original Go type.
func runCommandLoop(ctx context.Context, sub *bus.Subscription, svc *workflow.Service, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := dispatchCommand(ctx, svc, ev); err != nil {
				logger.Error("workflow_command_failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func dispatchCommand(ctx context.Context, svc *workflow.Service, ev bus.Event) error {
	switch ev.Topic {
	case bus.TopicCmdWorkflowCreate:
		cmd, err := decodeEvent[bus.CmdWorkflowCreate](ev)
		if err != nil {
			return err
		}
		return svc.HandleCreateWorkflow(ctx, cmd.WorkflowID, cmd.Definition)
	case bus.TopicCmdWorkflowTaskCreate:
		cmd, err := decodeEvent[bus.CmdWorkflowTaskCreate](ev)
		if err != nil {
			return err
		}
		return svc.HandleCreateTask(ctx, cmd.WorkflowID, cmd.TaskID, cmd.Kind, cmd.Description, cmd.Input)
	case bus.TopicCmdWorkflowCancel:
		cmd, err := decodeEvent[bus.CmdWorkflowCancel](ev)
		if err != nil {
			return err
		}
		return svc.HandleCancelWorkflow(ctx, cmd.WorkflowID, cmd.Reason)
	default:
		return nil
	}
}

// runLifecycleMetricsLoop keeps wfengine.workflow.active in sync with
// workflow lifecycle transitions: +1 entering queued, -1 entering a
// terminal state.
func runLifecycleMetricsLoop(ctx context.Context, sub *bus.Subscription, metrics *otelPkg.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			evt, err := decodeEvent[bus.EvtWorkflowLifecycleChanged](ev)
			if err != nil {
				continue
			}
			switch workflow.State(evt.State) {
			case workflow.StateQueued:
				metrics.WorkflowsActive.Add(ctx, 1)
			case workflow.StateResolved, workflow.StateFailed, workflow.StateCancelled:
				metrics.WorkflowsActive.Add(ctx, -1)
			}
		}
	}
}

// runTaskMetricsLoop keeps wfengine.task.active in sync with task
// lifecycle transitions the same way.
func runTaskMetricsLoop(ctx context.Context, sub *bus.Subscription, metrics *otelPkg.Metrics) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			evt, err := decodeEvent[bus.EvtWorkflowTaskLifecycleChanged](ev)
			if err != nil {
				continue
			}
			switch {
			case workflow.State(evt.State) == workflow.StateBlocked && evt.Detail == "created":
				metrics.TasksActive.Add(ctx, 1)
			case workflow.State(evt.State).IsTerminal():
				metrics.TasksActive.Add(ctx, -1)
			}
		}
	}
}

// decodeEvent recovers a typed payload from a bus.Event, handling both
// a live in-process value (its original Go type) and an outbox replay
// value (json.RawMessage) the same way.
func decodeEvent[T any](ev bus.Event) (T, error) {
	var zero T
	switch payload := ev.Payload.(type) {
	case T:
		return payload, nil
	case json.RawMessage:
		var out T
		if err := json.Unmarshal(payload, &out); err != nil {
			return zero, fmt.Errorf("decode replayed %s: %w", ev.Topic, err)
		}
		return out, nil
	default:
		return zero, fmt.Errorf("unexpected payload type %T for topic %s", ev.Payload, ev.Topic)
	}
}

// noopGeneralRouter is the out-of-scope general chat pipeline stub:
// nothing in this repo implements the LLM request path a non-suppressed
// message would otherwise be forwarded to.
type noopGeneralRouter struct{}

func (noopGeneralRouter) RouteGeneralMessage(context.Context, workflow.AdapterEvent) error { return nil }

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"engine","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
