package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/wfengine/internal/shared"
)

// RequestMessage is the outbound shape the Scheduler and Service hand
// to Publisher.PublishRequestMessage — mirrors bus.CmdRequestMessage
// without importing the bus package.
type RequestMessage struct {
	Queue         string
	Messages      []ChatMessagePair
	Raw           map[string]interface{}
	RequestID     string
	SessionID     string
	RequestClient string
}

// Publisher is the full bus-facing surface the Scheduler and Service
// need. It is a superset of LifecyclePublisher, so any Publisher also
// satisfies that narrower interface.
type Publisher interface {
	LifecyclePublisher
	PublishWorkflowLifecycleChanged(workflowID string, state State, detail string, ts time.Time)
	PublishWorkflowResolved(workflowID string, result json.RawMessage)
	PublishRequestMessage(ctx context.Context, req RequestMessage) error
}

// SchedulerConfig configures the polling interval; see Config in the
// wiring layer for the user-facing (YAML/env) version of this knob.
type SchedulerConfig struct {
	Interval time.Duration
}

// Scheduler claims and fires scheduled trigger tasks (time.wait_until,
// time.cron), reschedules cron, and publishes job requests.
type Scheduler struct {
	store     *Store
	publisher Publisher
	clock     Clock
	interval  time.Duration
	logger    *slog.Logger

	ticking sync.Mutex // re-entrancy guard: one in-flight tick at a time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler constructs a Scheduler. A zero/negative cfg.Interval
// defaults to 1 second.
func NewScheduler(store *Store, publisher Publisher, clock Clock, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, publisher: publisher, clock: clock, interval: cfg.Interval, logger: logger}
}

// Start begins the polling loop in a background goroutine. Stop (or
// cancelling ctx) ends it; Start blocks until the loop goroutine has
// been launched, not until it exits.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
}

// Stop cancels the polling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one sweep. The re-entrancy guard means a tick that outruns
// the interval (a slow fire, a stalled store) is skipped rather than
// stacked "ticks are serialized against themselves".
func (s *Scheduler) tick(ctx context.Context) {
	if !s.ticking.TryLock() {
		return
	}
	defer s.ticking.Unlock()

	now := s.clock()
	candidates, err := s.store.ListActiveTimeoutTasks(ctx, now)
	if err != nil {
		s.logger.Error("scheduler_list_candidates_failed", "error", err)
		return
	}

	for _, candidate := range candidates {
		if candidate.Kind != KindTimeWaitUntil && candidate.Kind != KindTimeCron {
			continue
		}
		if err := s.fireCandidate(ctx, candidate, now); err != nil {
			// Swallow/log per-candidate errors so one bad task cannot
			// stall the sweep.
			s.logger.Error("scheduler_fire_candidate_failed",
				"workflow_id", candidate.WorkflowID, "task_id", candidate.TaskID, "error", err)
		}
	}
}

func (s *Scheduler) fireCandidate(ctx context.Context, candidate Task, now time.Time) error {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	s.logger.Info("scheduled trigger firing", "workflow_id", candidate.WorkflowID, "task_id", candidate.TaskID, "trace_id", traceID)

	task, err := s.store.GetTask(ctx, candidate.WorkflowID, candidate.TaskID)
	if err != nil {
		return fmt.Errorf("re-read candidate: %w", err)
	}
	if task.State.IsTerminal() || task.TimeoutAt == nil || task.TimeoutAt.After(now) {
		return nil // no longer due, or already resolved by a concurrent sweep
	}

	if err := s.store.TryClaimTimeoutTask(ctx, task.WorkflowID, task.TaskID, now); err != nil {
		if err == ErrClaimMissed {
			return nil // another sweeper won the lease
		}
		return fmt.Errorf("claim candidate: %w", err)
	}
	// Re-read after the claim: state is now "running" under our lease.
	task, err = s.store.GetTask(ctx, task.WorkflowID, task.TaskID)
	if err != nil {
		return fmt.Errorf("re-read claimed task: %w", err)
	}

	wf, err := s.store.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return fmt.Errorf("re-read workflow: %w", err)
	}

	if wf.State.IsTerminal() {
		return s.cancelClaimedTask(ctx, task, now, "workflow already terminal")
	}
	if wf.Definition.Version != VersionV3 {
		return s.failClaimedTask(ctx, wf, task, now, "invalid workflow definition: not a V3 scheduled workflow")
	}

	return s.fireScheduledTrigger(ctx, wf, task, now)
}

func (s *Scheduler) cancelClaimedTask(ctx context.Context, task Task, now time.Time, reason string) error {
	result, _ := json.Marshal(map[string]string{"kind": "terminal", "reason": reason})
	task.State = StateCancelled
	task.Result = result
	task.UpdatedAt = now
	task.ResolvedAt = &now
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("persist cancelled claimed task: %w", err)
	}
	s.publisher.PublishTaskLifecycleChanged(task.WorkflowID, task.TaskID, StateCancelled, reason, now)
	return nil
}

func (s *Scheduler) failClaimedTask(ctx context.Context, wf Workflow, task Task, now time.Time, reason string) error {
	result, _ := json.Marshal(map[string]string{"kind": "error", "reason": reason})
	task.State = StateFailed
	task.Result = result
	task.UpdatedAt = now
	task.ResolvedAt = &now
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("persist failed claimed task: %w", err)
	}
	s.publisher.PublishTaskLifecycleChanged(task.WorkflowID, task.TaskID, StateFailed, reason, now)

	wf.State = StateFailed
	wf.UpdatedAt = now
	if err := s.store.UpsertWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist failed workflow: %w", err)
	}
	s.publisher.PublishWorkflowLifecycleChanged(wf.WorkflowID, StateFailed, reason, now)
	return nil
}

// fireScheduledTrigger is the Scheduled Trigger Handler.
func (s *Scheduler) fireScheduledTrigger(ctx context.Context, wf Workflow, task Task, firedAt time.Time) error {
	bumped, err := s.store.BumpResumeSeq(ctx, wf.WorkflowID)
	if err != nil {
		if err == ErrWorkflowNotFound {
			// Workflow vanished between the reread in fireCandidate and
			// here (e.g. a concurrent cancel); leave it alone.
			return nil
		}
		return fmt.Errorf("workflow: bump resume seq: %w", err)
	}

	requestID := RequestID(wf.WorkflowID, bumped.ResumeSeq)
	sessionID := fmt.Sprintf("job:%s", wf.WorkflowID)
	messages := BuildScheduledJobMessages(wf, task, bumped.ResumeSeq, firedAt)

	// Publish the "running" lifecycle event before the request, to
	// preserve causal ordering for downstream observers.
	s.publisher.PublishWorkflowLifecycleChanged(wf.WorkflowID, StateRunning,
		fmt.Sprintf("trigger fired (%s)", task.Kind), firedAt)

	req := RequestMessage{
		Queue:    "prompt",
		Messages: messages,
		Raw: map[string]interface{}{
			"workflowId": wf.WorkflowID,
			"taskId":     task.TaskID,
			"schedule":   wf.Definition.Schedule,
			"firedAtMs":  firedAt.UnixMilli(),
		},
		RequestID:     requestID,
		SessionID:     sessionID,
		RequestClient: "unknown",
	}
	if err := s.publisher.PublishRequestMessage(ctx, req); err != nil {
		return fmt.Errorf("publish scheduled job request: %w", err)
	}

	switch task.Kind {
	case KindTimeWaitUntil:
		return s.resolveOneShot(ctx, wf, task, firedAt, requestID)
	case KindTimeCron:
		return s.rescheduleCron(ctx, wf, task, firedAt, requestID)
	default:
		return fmt.Errorf("unexpected scheduled trigger kind %q", task.Kind)
	}
}

func (s *Scheduler) resolveOneShot(ctx context.Context, wf Workflow, task Task, firedAt time.Time, requestID string) error {
	result, err := json.Marshal(map[string]interface{}{
		"kind":      "scheduled_fired",
		"firedAtMs": firedAt.UnixMilli(),
		"requestId": requestID,
	})
	if err != nil {
		return fmt.Errorf("marshal one-shot result: %w", err)
	}

	task.State = StateResolved
	task.Result = result
	task.ResolvedBy = fmt.Sprintf("time:%d", firedAt.UnixMilli())
	task.UpdatedAt = firedAt
	task.ResolvedAt = &firedAt
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("persist resolved one-shot task: %w", err)
	}
	s.publisher.PublishTaskLifecycleChanged(wf.WorkflowID, task.TaskID, StateResolved, "one-shot fired", firedAt)
	s.publisher.PublishTaskResolved(wf.WorkflowID, task.TaskID, result)

	wf.State = StateResolved
	wf.UpdatedAt = firedAt
	wf.ResolvedAt = &firedAt
	if err := s.store.UpsertWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist resolved workflow: %w", err)
	}
	s.publisher.PublishWorkflowLifecycleChanged(wf.WorkflowID, StateResolved, "one-shot fired", firedAt)
	s.publisher.PublishWorkflowResolved(wf.WorkflowID, result)
	return nil
}

func (s *Scheduler) rescheduleCron(ctx context.Context, wf Workflow, task Task, firedAt time.Time, requestID string) error {
	var cronInput timeCronInput
	if err := json.Unmarshal(task.Input, &cronInput); err != nil {
		return s.failClaimedTask(ctx, wf, task, firedAt, fmt.Sprintf("invalid cron input: %v", err))
	}

	nextMs, err := ComputeNextCronAtMs(CronSpec{
		Expr:       cronInput.Expr,
		TZ:         cronInput.TZ,
		StartAtMs:  cronInput.StartAtMs,
		SkipMissed: cronInput.SkipMissed,
	}, firedAt.UnixMilli())
	if err != nil {
		return s.failClaimedTask(ctx, wf, task, firedAt, fmt.Sprintf("invalid cron expression: %v", err))
	}
	nextAt := time.UnixMilli(nextMs).UTC()

	result, err := json.Marshal(map[string]interface{}{
		"kind":      "cron_tick",
		"firedAtMs": firedAt.UnixMilli(),
		"requestId": requestID,
		"nextAtMs":  nextMs,
	})
	if err != nil {
		return fmt.Errorf("marshal cron tick result: %w", err)
	}

	task.State = StateBlocked
	task.Result = result
	task.TimeoutAt = &nextAt
	task.UpdatedAt = firedAt
	if err := s.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("persist rescheduled cron task: %w", err)
	}
	s.publisher.PublishTaskLifecycleChanged(wf.WorkflowID, task.TaskID, StateBlocked, "cron tick, rescheduled", firedAt)
	s.publisher.PublishTaskResolved(wf.WorkflowID, task.TaskID, result)

	// The workflow remains blocked — it is not resolved by a cron tick.
	wf.UpdatedAt = firedAt
	if err := s.store.UpsertWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow after cron tick: %w", err)
	}
	return nil
}
