package workflow

import (
	"context"
	"testing"
	"time"
)

func seedWaitForReplyTask(t *testing.T, store *Store, workflowID, taskID, channelID, messageID, fromUserID string, now time.Time) {
	t.Helper()
	task := Task{
		WorkflowID: workflowID, TaskID: taskID, Kind: KindDiscordWaitForReply, State: StateBlocked,
		Input: []byte(`{}`), CreatedAt: now, UpdatedAt: now,
		IndexFields: IndexFields{DiscordChannelID: channelID, DiscordMessageID: messageID, DiscordFromUserID: fromUserID},
	}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestResolver_HandleAdapterEvent_ResolvesMatch(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	seedWaitForReplyTask(t, store, "wf-1", "t-1", "chan-1", "msg-1", "", clock.Now())

	pub := &fakePublisher{}
	var resolvedWorkflows []string
	resolver := NewResolver(store, pub, func(_ context.Context, workflowID string, _ AdapterEvent) {
		resolvedWorkflows = append(resolvedWorkflows, workflowID)
	}, clock.Now, nil)

	event := discordEvent("chan-1", "msg-2", "user-1", "msg-1")
	if err := resolver.HandleAdapterEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleAdapterEvent: %v", err)
	}

	task, err := store.GetTask(context.Background(), "wf-1", "t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.State != StateResolved {
		t.Fatalf("task.State = %v, want resolved", task.State)
	}
	if task.ResolvedBy != "msg-2" {
		t.Fatalf("task.ResolvedBy = %q, want msg-2", task.ResolvedBy)
	}
	if len(resolvedWorkflows) != 1 || resolvedWorkflows[0] != "wf-1" {
		t.Fatalf("onResolve callback = %v, want [wf-1]", resolvedWorkflows)
	}
	if len(pub.taskResolved) != 1 {
		t.Fatalf("expected one PublishTaskResolved call, got %d", len(pub.taskResolved))
	}
}

func TestResolver_HandleAdapterEvent_NoMatchIsNoop(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	seedWaitForReplyTask(t, store, "wf-1", "t-1", "chan-1", "msg-1", "", now)

	pub := &fakePublisher{}
	resolver := NewResolver(store, pub, nil, nil, nil)

	event := discordEvent("chan-1", "msg-2", "user-1", "") // not a reply
	if err := resolver.HandleAdapterEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleAdapterEvent: %v", err)
	}
	task, _ := store.GetTask(context.Background(), "wf-1", "t-1")
	if task.State != StateBlocked {
		t.Fatalf("task.State = %v, want still blocked", task.State)
	}
}

func TestResolver_HandleAdapterEvent_RedeliveryIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	seedWaitForReplyTask(t, store, "wf-1", "t-1", "chan-1", "msg-1", "", now)

	pub := &fakePublisher{}
	calls := 0
	resolver := NewResolver(store, pub, func(context.Context, string, AdapterEvent) { calls++ }, nil, nil)

	event := discordEvent("chan-1", "msg-2", "user-1", "msg-1")
	if err := resolver.HandleAdapterEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleAdapterEvent (first): %v", err)
	}
	if err := resolver.HandleAdapterEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleAdapterEvent (redelivery): %v", err)
	}
	if calls != 1 {
		t.Fatalf("onResolve called %d times, want 1 (redelivery of the same event is a no-op)", calls)
	}
}

func TestResolver_SweepTimeouts_ExcludesSchedulerKinds(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	waitUntil := Task{WorkflowID: "wf-1", TaskID: "t-wu", Kind: KindTimeWaitUntil, State: StateBlocked, Input: []byte(`{}`), CreatedAt: now, UpdatedAt: now, IndexFields: IndexFields{TimeoutAt: &past}}
	if err := store.UpsertTask(context.Background(), waitUntil); err != nil {
		t.Fatalf("seed time.wait_until: %v", err)
	}

	pub := &fakePublisher{}
	resolver := NewResolver(store, pub, nil, func() time.Time { return now }, nil)
	if err := resolver.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}

	task, _ := store.GetTask(context.Background(), "wf-1", "t-wu")
	if task.State != StateBlocked {
		t.Fatal("time.wait_until tasks must never be resolved by SweepTimeouts; that is the Scheduler's job")
	}
}

func TestResolver_SweepTimeouts_ResolvesDueTask(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	task := Task{WorkflowID: "wf-1", TaskID: "t-1", Kind: KindDiscordWaitForReply, State: StateBlocked, Input: []byte(`{}`), CreatedAt: now, UpdatedAt: now, IndexFields: IndexFields{TimeoutAt: &past}}
	if err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	pub := &fakePublisher{}
	resolver := NewResolver(store, pub, nil, func() time.Time { return now }, nil)
	if err := resolver.SweepTimeouts(context.Background()); err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}

	got, _ := store.GetTask(context.Background(), "wf-1", "t-1")
	if got.State != StateResolved {
		t.Fatalf("task.State = %v, want resolved", got.State)
	}
	if len(pub.taskResolved) != 1 {
		t.Fatalf("expected one PublishTaskResolved call, got %d", len(pub.taskResolved))
	}
}
