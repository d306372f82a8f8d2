package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/wfengine/internal/shared"
	"github.com/google/uuid"
)

// Service owns the cmd.workflow command handlers and the Aggregator.
// It is the only writer of workflow-level state transitions other
// than the Scheduler (which owns V3 scheduled-trigger firing).
//
// Mutations here serialize per workflowId through workflowLock: the
// Aggregator can be re-entered from both the Reply Resolver and the
// Timeout Resolver for the same workflow concurrently, and without a
// keyed mutex two such calls could both observe "not yet resolved"
// and double-publish the resume request.
type Service struct {
	store     *Store
	resolver  *Resolver
	publisher Publisher
	clock     Clock
	logger    *slog.Logger

	locksMu      sync.Mutex
	workflowLock map[string]*sync.Mutex
}

// NewService constructs a Service. clock defaults to time.Now if nil.
func NewService(store *Store, resolver *Resolver, publisher Publisher, clock Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: store, resolver: resolver, publisher: publisher, clock: clock, logger: logger,
		workflowLock: make(map[string]*sync.Mutex),
	}
}

// withWorkflowLock serializes fn against every other call for the same
// workflowID, across HandleCreateWorkflow/HandleCreateTask/
// HandleCancelWorkflow/tryResolveWorkflow alike.
func (svc *Service) withWorkflowLock(workflowID string, fn func() error) error {
	svc.locksMu.Lock()
	lock, ok := svc.workflowLock[workflowID]
	if !ok {
		lock = &sync.Mutex{}
		svc.workflowLock[workflowID] = lock
	}
	svc.locksMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// OnTaskResolved is the callback handed to NewResolver so a resolved
// task re-triggers the Aggregator. Wiring glues Resolver.onResolve to
// this method.
func (svc *Service) OnTaskResolved(ctx context.Context, workflowID string, _ AdapterEvent) {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	if err := svc.tryResolveWorkflow(ctx, workflowID); err != nil {
		svc.logger.Error("workflow_aggregate_failed", "workflow_id", workflowID, "trace_id", shared.TraceID(ctx), "error", err)
	}
}

// HandleCreateWorkflow is the cmd.workflow.create handler. It is
// idempotent: re-delivery of the same workflowId with an
// already-persisted workflow is a no-op.
func (svc *Service) HandleCreateWorkflow(ctx context.Context, workflowID string, definitionJSON []byte) error {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	svc.logger.Info("workflow create received", "workflow_id", workflowID, "trace_id", traceID)
	return svc.withWorkflowLock(workflowID, func() error {
		return svc.handleCreateWorkflow(ctx, workflowID, definitionJSON)
	})
}

func (svc *Service) handleCreateWorkflow(ctx context.Context, workflowID string, definitionJSON []byte) error {
	if _, err := svc.store.GetWorkflow(ctx, workflowID); err == nil {
		return nil // already created; command re-delivery
	} else if err != ErrWorkflowNotFound {
		return fmt.Errorf("workflow: check existing workflow: %w", err)
	}

	var def Definition
	if err := json.Unmarshal(definitionJSON, &def); err != nil {
		return fmt.Errorf("%w: unmarshal workflow definition: %v", ErrValidation, err)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	now := svc.clock()
	wf := Workflow{
		WorkflowID: workflowID,
		State:      StateQueued,
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := svc.store.UpsertWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("workflow: persist new workflow: %w", err)
	}
	svc.publisher.PublishWorkflowLifecycleChanged(workflowID, StateQueued, "created", now)

	if def.Version == VersionV3 {
		if err := svc.seedScheduledTriggerTask(ctx, wf, now); err != nil {
			return err
		}
	}
	return nil
}

// seedScheduledTriggerTask creates the single time.wait_until or
// time.cron task a V3 workflow's schedule implies. wait_for is
// a relative-delay sugar over wait_until, resolved to an absolute
// runAtMs at creation time.
func (svc *Service) seedScheduledTriggerTask(ctx context.Context, wf Workflow, now time.Time) error {
	sched := wf.Definition.Schedule

	var kind string
	var input []byte
	var err error

	switch sched.Mode {
	case ScheduleWaitUntil:
		kind = KindTimeWaitUntil
		input, err = json.Marshal(timeWaitUntilInput{RunAtMs: sched.RunAtMs})
	case ScheduleWaitFor:
		kind = KindTimeWaitUntil
		input, err = json.Marshal(timeWaitUntilInput{RunAtMs: now.UnixMilli() + sched.DelayMs})
	case ScheduleCron:
		kind = KindTimeCron
		input, err = json.Marshal(timeCronInput{
			Expr: sched.Expr, TZ: sched.TZ, StartAtMs: sched.StartAtMs, SkipMissed: sched.SkipMissed,
		})
	default:
		return fmt.Errorf("%w: unknown schedule.mode %q", ErrValidation, sched.Mode)
	}
	if err != nil {
		return fmt.Errorf("workflow: marshal scheduled trigger input: %w", err)
	}

	return svc.createTask(ctx, wf.WorkflowID, uuid.NewString(), kind, "scheduled trigger", input, now)
}

// HandleCreateTask is the cmd.workflow.task_create handler, used by
// V2 workflows to add wait tasks. Re-delivery of an existing
// (workflowId, taskId) is a no-op.
func (svc *Service) HandleCreateTask(ctx context.Context, workflowID, taskID, kind, description string, input []byte) error {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	svc.logger.Info("task create received", "workflow_id", workflowID, "task_id", taskID, "kind", kind, "trace_id", traceID)
	return svc.withWorkflowLock(workflowID, func() error {
		return svc.handleCreateTask(ctx, workflowID, taskID, kind, description, input)
	})
}

func (svc *Service) handleCreateTask(ctx context.Context, workflowID, taskID, kind, description string, input []byte) error {
	wf, err := svc.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State.IsTerminal() {
		return fmt.Errorf("workflow: workflow %s is already terminal (%s)", workflowID, wf.State)
	}

	if _, err := svc.store.GetTask(ctx, workflowID, taskID); err == nil {
		return nil // already created; command re-delivery
	} else if err != ErrTaskNotFound {
		return fmt.Errorf("workflow: check existing task: %w", err)
	}

	now := svc.clock()
	if err := svc.createTask(ctx, workflowID, taskID, kind, description, input, now); err != nil {
		return err
	}

	if wf.State == StateQueued {
		wf.State = StateRunning
		wf.UpdatedAt = now
		if err := svc.store.UpsertWorkflow(ctx, wf); err != nil {
			return fmt.Errorf("workflow: mark workflow running: %w", err)
		}
		svc.publisher.PublishWorkflowLifecycleChanged(workflowID, StateRunning, "task created", now)
	}
	return nil
}

func (svc *Service) createTask(ctx context.Context, workflowID, taskID, kind, description string, input []byte, now time.Time) error {
	fields, err := DeriveIndexFields(kind, input, now)
	if err != nil {
		return err
	}

	task := Task{
		WorkflowID:  workflowID,
		TaskID:      taskID,
		Kind:        kind,
		Description: description,
		State:       StateBlocked,
		Input:       input,
		CreatedAt:   now,
		UpdatedAt:   now,
		IndexFields: fields,
	}
	if err := svc.store.UpsertTask(ctx, task); err != nil {
		return fmt.Errorf("workflow: persist new task: %w", err)
	}
	svc.publisher.PublishTaskLifecycleChanged(workflowID, taskID, StateBlocked, "created", now)
	return nil
}

// HandleCancelWorkflow is the cmd.workflow.cancel handler. Cancelling
// a workflow cascades to every non-terminal task.
func (svc *Service) HandleCancelWorkflow(ctx context.Context, workflowID, reason string) error {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	svc.logger.Info("workflow cancel received", "workflow_id", workflowID, "reason", reason, "trace_id", traceID)
	return svc.withWorkflowLock(workflowID, func() error {
		return svc.handleCancelWorkflow(ctx, workflowID, reason)
	})
}

func (svc *Service) handleCancelWorkflow(ctx context.Context, workflowID, reason string) error {
	wf, err := svc.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State.IsTerminal() {
		return nil // already terminal; cancel is idempotent
	}

	now := svc.clock()
	tasks, err := svc.store.ListTasks(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("workflow: list tasks for cancel: %w", err)
	}
	for _, t := range tasks {
		if t.State.IsTerminal() {
			continue
		}
		t.State = StateCancelled
		t.UpdatedAt = now
		t.ResolvedAt = &now
		t.ResolvedBy = "cancelled"
		if err := svc.store.UpsertTask(ctx, t); err != nil {
			return fmt.Errorf("workflow: persist cancelled task: %w", err)
		}
		svc.publisher.PublishTaskLifecycleChanged(workflowID, t.TaskID, StateCancelled, reason, now)
	}

	wf.State = StateCancelled
	wf.UpdatedAt = now
	wf.ResolvedAt = &now
	if err := svc.store.UpsertWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("workflow: persist cancelled workflow: %w", err)
	}
	svc.publisher.PublishWorkflowLifecycleChanged(workflowID, StateCancelled, reason, now)
	return nil
}

// tryResolveWorkflow is the Aggregator: it re-reads the
// workflow and its tasks, applies the completion predicate, and on
// satisfaction marks the workflow resolved, publishes its lifecycle
// events, and — guarded by resumePublishedAt so a racing re-delivery
// cannot double-publish — bumps the resume sequence and publishes the
// resume request.
func (svc *Service) tryResolveWorkflow(ctx context.Context, workflowID string) error {
	return svc.withWorkflowLock(workflowID, func() error {
		return svc.tryResolveWorkflowLocked(ctx, workflowID)
	})
}

func (svc *Service) tryResolveWorkflowLocked(ctx context.Context, workflowID string) error {
	wf, err := svc.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.State.IsTerminal() {
		return nil
	}
	if wf.Definition.Version != VersionV2 {
		return nil // only V2 workflows aggregate over a flat task set
	}

	tasks, err := svc.store.ListTasks(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("workflow: list tasks for aggregation: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	resolvedCount := 0
	var triggerTask *Task
	for i := range tasks {
		t := &tasks[i]
		switch t.State {
		case StateResolved:
			resolvedCount++
			if triggerTask == nil || t.ResolvedAt.After(*triggerTask.ResolvedAt) {
				triggerTask = t
			}
		case StateFailed, StateCancelled:
			// A failed/cancelled task never counts toward "all"; the
			// workflow simply stays blocked on it.
		}
	}

	satisfied := false
	switch wf.Definition.Completion {
	case CompletionAny:
		satisfied = resolvedCount > 0
	case CompletionAll:
		satisfied = resolvedCount == len(tasks)
	}
	if !satisfied || triggerTask == nil {
		return nil
	}

	now := svc.clock()
	wf.State = StateResolved
	wf.UpdatedAt = now
	wf.ResolvedAt = &now
	if err := svc.store.UpsertWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("workflow: persist resolved workflow: %w", err)
	}

	resultJSON, _ := json.Marshal(map[string]interface{}{
		"completion": wf.Definition.Completion,
		"resolved":   resolvedCount,
		"total":      len(tasks),
	})
	svc.publisher.PublishWorkflowLifecycleChanged(workflowID, StateResolved, "completion satisfied", now)
	svc.publisher.PublishWorkflowResolved(workflowID, resultJSON)

	if wf.ResumePublishedAt != nil {
		return nil // already published a resume for this resolution
	}

	bumped, err := svc.store.BumpResumeSeq(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("workflow: bump resume seq: %w", err)
	}

	var triggerEvent AdapterEvent
	if len(triggerTask.Result) > 0 {
		_ = json.Unmarshal(triggerTask.Result, &triggerEvent)
	}
	triggerText := triggerTask.Description
	if len(triggerTask.Result) > 0 {
		var reply ReplyResult
		if err := json.Unmarshal(triggerTask.Result, &reply); err == nil && reply.Text != "" {
			triggerText = reply.Text
			triggerEvent.Platform = "discord"
			triggerEvent.ChannelID = reply.ChannelID
			triggerEvent.MessageID = reply.ReplyMessageID
			triggerEvent.UserID = reply.ReplyUserID
			triggerEvent.UserName = reply.ReplyUserName
		}
	}

	requestID := RequestID(workflowID, bumped.ResumeSeq)
	messages := BuildResumeMessages(bumped, tasks, triggerEvent, triggerText)

	req := RequestMessage{
		Queue:    "prompt",
		Messages: messages,
		Raw: map[string]interface{}{
			"workflowId": workflowID,
			"resumeSeq":  bumped.ResumeSeq,
		},
		RequestID:     requestID,
		SessionID:     wf.Definition.ResumeTarget.SessionID,
		RequestClient: wf.Definition.ResumeTarget.Client,
	}
	if err := svc.publisher.PublishRequestMessage(ctx, req); err != nil {
		return fmt.Errorf("workflow: publish resume request: %w", err)
	}

	bumped.ResumePublishedAt = &now
	if err := svc.store.UpsertWorkflow(ctx, bumped); err != nil {
		return fmt.Errorf("workflow: persist resume_published_at: %w", err)
	}
	return nil
}
