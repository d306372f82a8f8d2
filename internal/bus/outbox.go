package bus

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// durableSchema creates the outbox and per-consumer cursor tables backing
// work-queue-mode subscriptions. A row in bus_outbox is retained forever
// (callers prune old rows out of band); bus_cursor tracks, per named
// consumer, the highest outbox id it has acknowledged.
const durableSchema = `
CREATE TABLE IF NOT EXISTS bus_outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	topic TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_bus_outbox_topic ON bus_outbox(topic);

CREATE TABLE IF NOT EXISTS bus_cursor (
	consumer TEXT PRIMARY KEY,
	last_id INTEGER NOT NULL DEFAULT 0
);
`

// EnableDurable provisions the outbox/cursor tables on db and attaches it
// to the bus. Topics published via PublishDurable are persisted here
// before fanout, giving work-queue subscribers a "begin offset" replay
// instead of only seeing events published after they subscribe.
func (b *Bus) EnableDurable(db *sql.DB) error {
	if _, err := db.Exec(durableSchema); err != nil {
		return fmt.Errorf("bus: create durable schema: %w", err)
	}
	b.mu.Lock()
	b.db = db
	b.mu.Unlock()
	return nil
}

// retryOnBusy retries fn while SQLite reports the database is locked,
// backing off with jitter. SQLite's single-writer WAL semantics mean a
// busy error is transient, not a real failure.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 8
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") && !strings.Contains(err.Error(), "SQLITE_BUSY") {
			return err
		}
		backoff := time.Duration(1<<uint(attempt)) * time.Millisecond
		backoff += time.Duration(rand.Intn(5)) * time.Millisecond
		time.Sleep(backoff)
	}
	return err
}

// PublishDurable persists payload to the outbox (so new work-queue
// subscribers can replay it from their begin offset) and then delivers
// it to current subscribers exactly like Publish.
func (b *Bus) PublishDurable(topic string, payload interface{}) error {
	b.mu.RLock()
	db := b.db
	b.mu.RUnlock()
	if db == nil {
		return errors.New("bus: EnableDurable was not called")
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for topic %s: %w", topic, err)
	}

	err = retryOnBusy(func() error {
		_, execErr := db.Exec(`INSERT INTO bus_outbox (topic, payload) VALUES (?, ?)`, topic, string(encoded))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("bus: persist outbox row for topic %s: %w", topic, err)
	}

	b.Publish(topic, payload)
	return nil
}

// SubscribeWorkQueue returns a subscription that first replays every
// outbox row with id greater than consumer's last acknowledged id and
// matching topicPrefix, then behaves like a normal fanout subscription
// for anything published afterward. Replay payloads arrive as raw JSON
// ([]byte) on Event.Payload; live payloads keep their original Go type.
func (b *Bus) SubscribeWorkQueue(consumer, topicPrefix string) (*Subscription, error) {
	b.mu.RLock()
	db := b.db
	b.mu.RUnlock()
	if db == nil {
		return nil, errors.New("bus: EnableDurable was not called")
	}

	var lastID int64
	err := retryOnBusy(func() error {
		row := db.QueryRow(`SELECT last_id FROM bus_cursor WHERE consumer = ?`, consumer)
		scanErr := row.Scan(&lastID)
		if errors.Is(scanErr, sql.ErrNoRows) {
			_, insErr := db.Exec(`INSERT INTO bus_cursor (consumer, last_id) VALUES (?, 0)`, consumer)
			lastID = 0
			return insErr
		}
		return scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("bus: load cursor for consumer %s: %w", consumer, err)
	}

	sub := b.Subscribe(topicPrefix)

	rows, err := db.Query(`SELECT id, topic, payload FROM bus_outbox WHERE id > ? AND topic LIKE ? ORDER BY id ASC`,
		lastID, topicPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("bus: replay outbox for consumer %s: %w", consumer, err)
	}
	defer rows.Close()

	var maxReplayed int64
	for rows.Next() {
		var id int64
		var topic, payload string
		if err := rows.Scan(&id, &topic, &payload); err != nil {
			return nil, fmt.Errorf("bus: scan outbox row: %w", err)
		}
		sub.ch <- Event{Topic: topic, Payload: json.RawMessage(payload)}
		if id > maxReplayed {
			maxReplayed = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bus: iterate outbox rows: %w", err)
	}

	if maxReplayed > 0 {
		if err := b.AckWorkQueue(consumer, maxReplayed); err != nil {
			return nil, err
		}
	}

	return sub, nil
}

// AckWorkQueue advances consumer's cursor to id, so a future
// SubscribeWorkQueue call does not replay rows up to and including id.
func (b *Bus) AckWorkQueue(consumer string, id int64) error {
	b.mu.RLock()
	db := b.db
	b.mu.RUnlock()
	if db == nil {
		return errors.New("bus: EnableDurable was not called")
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(`UPDATE bus_cursor SET last_id = ? WHERE consumer = ? AND last_id < ?`, id, consumer, id)
		return err
	})
}
