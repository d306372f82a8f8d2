package bus

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite3: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBus_PublishDurable_RequiresEnableDurable(t *testing.T) {
	b := New()
	if err := b.PublishDurable("cmd.workflow.create", "x"); err == nil {
		t.Fatal("expected error when EnableDurable was never called")
	}
}

func TestBus_SubscribeWorkQueue_ReplaysFromBeginOffset(t *testing.T) {
	b := New()
	db := openTestDB(t)
	if err := b.EnableDurable(db); err != nil {
		t.Fatalf("EnableDurable: %v", err)
	}

	if err := b.PublishDurable("cmd.workflow.create", map[string]string{"workflowId": "wf-1"}); err != nil {
		t.Fatalf("PublishDurable: %v", err)
	}
	if err := b.PublishDurable("cmd.workflow.create", map[string]string{"workflowId": "wf-2"}); err != nil {
		t.Fatalf("PublishDurable: %v", err)
	}

	// A brand-new consumer replays both commands from the beginning,
	// even though it subscribed after both were published.
	sub, err := b.SubscribeWorkQueue("engine", "cmd.")
	if err != nil {
		t.Fatalf("SubscribeWorkQueue: %v", err)
	}
	defer b.Unsubscribe(sub)

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-sub.Ch():
			raw, ok := ev.Payload.(json.RawMessage)
			if !ok {
				t.Fatalf("expected json.RawMessage replay payload, got %T", ev.Payload)
			}
			var body map[string]string
			if err := json.Unmarshal(raw, &body); err != nil {
				t.Fatalf("unmarshal replayed payload: %v", err)
			}
			got = append(got, body["workflowId"])
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for replayed event")
		}
	}
	if len(got) != 2 || got[0] != "wf-1" || got[1] != "wf-2" {
		t.Fatalf("expected replay in order [wf-1 wf-2], got %v", got)
	}
}

func TestBus_SubscribeWorkQueue_SkipsAcknowledgedRows(t *testing.T) {
	b := New()
	db := openTestDB(t)
	if err := b.EnableDurable(db); err != nil {
		t.Fatalf("EnableDurable: %v", err)
	}

	if err := b.PublishDurable("cmd.workflow.create", map[string]string{"workflowId": "wf-1"}); err != nil {
		t.Fatalf("PublishDurable: %v", err)
	}

	sub1, err := b.SubscribeWorkQueue("engine", "cmd.")
	if err != nil {
		t.Fatalf("SubscribeWorkQueue: %v", err)
	}
	select {
	case <-sub1.Ch():
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for first replay")
	}
	b.Unsubscribe(sub1)

	// A second SubscribeWorkQueue call under the same consumer name must
	// not replay what was already acknowledged.
	sub2, err := b.SubscribeWorkQueue("engine", "cmd.")
	if err != nil {
		t.Fatalf("SubscribeWorkQueue (resume): %v", err)
	}
	defer b.Unsubscribe(sub2)

	select {
	case ev := <-sub2.Ch():
		t.Fatalf("unexpected replayed event after ack: %v", ev)
	case <-time.After(100 * time.Millisecond):
		// Expected: nothing left to replay.
	}
}

func TestBus_SubscribeWorkQueue_IgnoresNonMatchingTopics(t *testing.T) {
	b := New()
	db := openTestDB(t)
	if err := b.EnableDurable(db); err != nil {
		t.Fatalf("EnableDurable: %v", err)
	}

	if err := b.PublishDurable("evt.adapter.message_created", "irrelevant"); err != nil {
		t.Fatalf("PublishDurable: %v", err)
	}

	sub, err := b.SubscribeWorkQueue("engine", "cmd.")
	if err != nil {
		t.Fatalf("SubscribeWorkQueue: %v", err)
	}
	defer b.Unsubscribe(sub)

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event for non-matching topic prefix: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
