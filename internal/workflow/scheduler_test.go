package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func seedV3Workflow(t *testing.T, store *Store, workflowID string, schedule Schedule, now time.Time) {
	t.Helper()
	wf := Workflow{
		WorkflowID: workflowID,
		State:      StateRunning,
		Definition: Definition{Version: VersionV3, Schedule: schedule, Job: Job{UserPrompt: "do the thing"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.UpsertWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
}

func TestScheduler_FiresWaitUntil_ResolvesWorkflow(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)

	seedV3Workflow(t, store, "wf-1", Schedule{Mode: ScheduleWaitUntil, RunAtMs: due.UnixMilli()}, now)
	input, _ := json.Marshal(timeWaitUntilInput{RunAtMs: due.UnixMilli()})
	task := Task{
		WorkflowID: "wf-1", TaskID: "t-1", Kind: KindTimeWaitUntil, State: StateBlocked,
		Input: input, CreatedAt: now, UpdatedAt: now, IndexFields: IndexFields{TimeoutAt: &due},
	}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	pub := &fakePublisher{}
	scheduler := NewScheduler(store, pub, func() time.Time { return now }, SchedulerConfig{Interval: time.Hour}, nil)
	scheduler.tick(context.Background())

	gotTask, err := store.GetTask(context.Background(), "wf-1", "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if gotTask.State != StateResolved {
		t.Fatalf("task.State = %v, want resolved", gotTask.State)
	}
	wf, err := store.GetWorkflow(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.State != StateResolved {
		t.Fatalf("workflow.State = %v, want resolved", wf.State)
	}
	if pub.requestCount() != 1 {
		t.Fatalf("requestCount = %d, want 1", pub.requestCount())
	}
}

func TestScheduler_FiresCron_ReschedulesInsteadOfResolving(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)

	seedV3Workflow(t, store, "wf-1", Schedule{Mode: ScheduleCron, Expr: "* * * * *", TZ: "UTC"}, now)
	input, _ := json.Marshal(timeCronInput{Expr: "* * * * *", TZ: "UTC"})
	task := Task{
		WorkflowID: "wf-1", TaskID: "t-1", Kind: KindTimeCron, State: StateBlocked,
		Input: input, CreatedAt: now, UpdatedAt: now, IndexFields: IndexFields{TimeoutAt: &due},
	}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	pub := &fakePublisher{}
	scheduler := NewScheduler(store, pub, func() time.Time { return now }, SchedulerConfig{Interval: time.Hour}, nil)
	scheduler.tick(context.Background())

	gotTask, err := store.GetTask(context.Background(), "wf-1", "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if gotTask.State != StateBlocked {
		t.Fatalf("cron task.State = %v, want still blocked (rescheduled, not resolved)", gotTask.State)
	}
	if gotTask.TimeoutAt == nil || !gotTask.TimeoutAt.After(now) {
		t.Fatalf("TimeoutAt = %v, want a future reschedule", gotTask.TimeoutAt)
	}

	wf, err := store.GetWorkflow(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow: %v", err)
	}
	if wf.State.IsTerminal() {
		t.Fatal("cron workflow must remain non-terminal across ticks")
	}
	if pub.requestCount() != 1 {
		t.Fatalf("requestCount = %d, want 1", pub.requestCount())
	}
}

func TestScheduler_SkipsNotYetDue(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)

	seedV3Workflow(t, store, "wf-1", Schedule{Mode: ScheduleWaitUntil, RunAtMs: future.UnixMilli()}, now)
	input, _ := json.Marshal(timeWaitUntilInput{RunAtMs: future.UnixMilli()})
	task := Task{
		WorkflowID: "wf-1", TaskID: "t-1", Kind: KindTimeWaitUntil, State: StateBlocked,
		Input: input, CreatedAt: now, UpdatedAt: now, IndexFields: IndexFields{TimeoutAt: &future},
	}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	pub := &fakePublisher{}
	scheduler := NewScheduler(store, pub, func() time.Time { return now }, SchedulerConfig{Interval: time.Hour}, nil)
	scheduler.tick(context.Background())

	if pub.requestCount() != 0 {
		t.Fatalf("requestCount = %d, want 0 (nothing due yet)", pub.requestCount())
	}
}

func TestScheduler_CancelledWorkflow_CancelsClaimedTask(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)

	wf := Workflow{
		WorkflowID: "wf-1", State: StateCancelled,
		Definition: Definition{Version: VersionV3, Schedule: Schedule{Mode: ScheduleWaitUntil, RunAtMs: due.UnixMilli()}, Job: Job{UserPrompt: "x"}},
		CreatedAt:  now, UpdatedAt: now, ResolvedAt: &now,
	}
	if err := store.UpsertWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	input, _ := json.Marshal(timeWaitUntilInput{RunAtMs: due.UnixMilli()})
	task := Task{
		WorkflowID: "wf-1", TaskID: "t-1", Kind: KindTimeWaitUntil, State: StateBlocked,
		Input: input, CreatedAt: now, UpdatedAt: now, IndexFields: IndexFields{TimeoutAt: &due},
	}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	pub := &fakePublisher{}
	scheduler := NewScheduler(store, pub, func() time.Time { return now }, SchedulerConfig{Interval: time.Hour}, nil)
	scheduler.tick(context.Background())

	gotTask, err := store.GetTask(context.Background(), "wf-1", "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if gotTask.State != StateCancelled {
		t.Fatalf("task.State = %v, want cancelled (workflow was already terminal)", gotTask.State)
	}
	if pub.requestCount() != 0 {
		t.Fatalf("requestCount = %d, want 0: an already-cancelled workflow must never fire a request", pub.requestCount())
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{}
	scheduler := NewScheduler(store, pub, nil, SchedulerConfig{Interval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	scheduler.Start(ctx)
	scheduler.Stop()
}
