package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/wfengine/internal/shared"
)

// LifecyclePublisher is the narrow bus-facing interface the Resolver
// (and later the Scheduler and Service) depend on, so this package
// never imports internal/bus directly — it is handed a publisher by
// the wiring layer instead, favoring narrow collaborator interfaces
// over a concrete *bus.Bus dependency.
type LifecyclePublisher interface {
	PublishTaskLifecycleChanged(workflowID, taskID string, state State, detail string, ts time.Time)
	PublishTaskResolved(workflowID, taskID string, result json.RawMessage)
}

// OnTaskResolved is the Resolver→Service edge: a resolved task
// re-triggers aggregation for its workflow. Wired directly to
// Service.OnTaskResolved by the process wiring layer.
type OnTaskResolved func(ctx context.Context, workflowID string, event AdapterEvent)

// Clock returns the current time. Injected everywhere "now" matters so
// tests can drive the engine with a fake clock instead of time.Sleep.
type Clock func() time.Time

// Resolver implements both resolver operations: the event-driven
// Reply Resolver and the sweep-driven Timeout Resolver.
type Resolver struct {
	store     *Store
	publisher LifecyclePublisher
	onResolve OnTaskResolved
	clock     Clock
	logger    *slog.Logger
}

// NewResolver constructs a Resolver. clock defaults to time.Now if nil.
func NewResolver(store *Store, publisher LifecyclePublisher, onResolve OnTaskResolved, clock Clock, logger *slog.Logger) *Resolver {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, publisher: publisher, onResolve: onResolve, clock: clock, logger: logger}
}

// HandleAdapterEvent is the Reply Resolver: for each adapter
// event, find candidate discord.wait_for_reply tasks in the event's
// channel, run the Reply Matcher against each, and resolve the first
// (only — anchors are unique per channel+message) strict match.
func (r *Resolver) HandleAdapterEvent(ctx context.Context, event AdapterEvent) error {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	r.logger.Info("adapter event received", "channel_id", event.ChannelID, "trace_id", traceID)

	candidates, err := r.store.ListActiveDiscordWaitForReplyTasksByChannelID(ctx, event.ChannelID)
	if err != nil {
		return fmt.Errorf("workflow: list wait_for_reply candidates: %w", err)
	}

	for _, candidate := range candidates {
		resolvedBy, result := MatchReply(event, candidate.DiscordChannelID, candidate.DiscordMessageID, candidate.DiscordFromUserID)
		if resolvedBy == "" {
			continue
		}

		task, err := r.store.GetTask(ctx, candidate.WorkflowID, candidate.TaskID)
		if err != nil {
			return fmt.Errorf("workflow: re-read matched task: %w", err)
		}
		if task.State.IsTerminal() {
			continue
		}
		if task.State == StateResolved && task.ResolvedBy == resolvedBy {
			// Re-delivery of the same event: no-op (invariant 5 / property 3).
			continue
		}

		resultJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("workflow: marshal reply result: %w", err)
		}

		now := r.clock()
		task.State = StateResolved
		task.Result = resultJSON
		task.ResolvedBy = resolvedBy
		task.UpdatedAt = now
		task.ResolvedAt = &now
		if err := r.store.UpsertTask(ctx, task); err != nil {
			return fmt.Errorf("workflow: persist resolved task: %w", err)
		}

		r.publisher.PublishTaskLifecycleChanged(task.WorkflowID, task.TaskID, StateResolved, "reply matched", now)
		r.publisher.PublishTaskResolved(task.WorkflowID, task.TaskID, resultJSON)
		r.logger.Info("task resolved", "workflow_id", task.WorkflowID, "task_id", task.TaskID, "trace_id", traceID)

		if r.onResolve != nil {
			r.onResolve(ctx, task.WorkflowID, event)
		}
	}
	return nil
}

// timeoutResult is the task.result shape written by the Timeout
// Resolver.
type timeoutResult struct {
	Kind      string `json:"kind"`
	TimeoutAt int64  `json:"timeoutAt"`
	TS        int64  `json:"ts"`
}

// SweepTimeouts is the Timeout Resolver: the default path for
// non-time-based tasks that carry a deadline. time.wait_until and
// time.cron are excluded — the Scheduler drives those because
// firing them publishes a request, not just a resolution.
func (r *Resolver) SweepTimeouts(ctx context.Context) error {
	now := r.clock()
	candidates, err := r.store.ListActiveTimeoutTasks(ctx, now)
	if err != nil {
		return fmt.Errorf("workflow: list timeout candidates: %w", err)
	}

	for _, candidate := range candidates {
		if candidate.Kind == KindTimeWaitUntil || candidate.Kind == KindTimeCron {
			continue
		}

		traceID := shared.NewTraceID()
		taskCtx := shared.WithTraceID(ctx, traceID)

		task, err := r.store.GetTask(taskCtx, candidate.WorkflowID, candidate.TaskID)
		if err != nil {
			return fmt.Errorf("workflow: re-read timeout candidate: %w", err)
		}
		if task.State.IsTerminal() {
			continue
		}

		nowMs := now.UnixMilli()
		resolvedBy := fmt.Sprintf("timeout:%d", nowMs)
		result := timeoutResult{Kind: "timeout", TimeoutAt: nowMs, TS: nowMs}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("workflow: marshal timeout result: %w", err)
		}

		task.State = StateResolved
		task.Result = resultJSON
		task.ResolvedBy = resolvedBy
		task.UpdatedAt = now
		task.ResolvedAt = &now
		if err := r.store.UpsertTask(taskCtx, task); err != nil {
			return fmt.Errorf("workflow: persist timed-out task: %w", err)
		}

		r.publisher.PublishTaskLifecycleChanged(task.WorkflowID, task.TaskID, StateResolved, "timed out", now)
		r.publisher.PublishTaskResolved(task.WorkflowID, task.TaskID, resultJSON)
		r.logger.Info("task timed out", "workflow_id", task.WorkflowID, "task_id", task.TaskID, "trace_id", traceID)

		if r.onResolve != nil {
			r.onResolve(taskCtx, task.WorkflowID, AdapterEvent{Text: "<timeout>", TS: nowMs})
		}
	}
	return nil
}
