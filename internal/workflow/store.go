package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schema is applied idempotently on Open. Timestamps are stored as
// SQLite DATETIME (UTC, RFC3339-with-millis) text so lexical ordering
// matches chronological ordering; second-granularity comparisons are
// avoided by keeping full millisecond precision in the stored string.
const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	workflow_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	resolved_at TEXT,
	resume_published_at TEXT,
	definition_json TEXT NOT NULL,
	resume_seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS workflow_tasks (
	workflow_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	input_json TEXT NOT NULL,
	result_json TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	resolved_at TEXT,
	resolved_by TEXT,
	discord_channel_id TEXT,
	discord_message_id TEXT,
	discord_from_user_id TEXT,
	timeout_at TEXT,
	PRIMARY KEY (workflow_id, task_id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_workflow_state ON workflow_tasks(workflow_id, state);
CREATE INDEX IF NOT EXISTS idx_tasks_kind_channel_state ON workflow_tasks(kind, discord_channel_id, state);
CREATE INDEX IF NOT EXISTS idx_tasks_timeout_state ON workflow_tasks(timeout_at, state);
`

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Store is the durable, single-writer mapping from workflowId→Workflow
// and (workflowId, taskId)→Task. All mutations and their indexed reads
// serialize through one *sql.DB handle opened with a single
// connection, giving single-writer embedded SQL discipline.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite-backed Store at path and
// applies the schema. WAL mode plus a single open connection gives the
// single-writer semantics requires without an explicit in-process
// mutex duplicating what SQLite already serializes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("workflow: open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("workflow: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle, e.g. for bus.Bus.EnableDurable to
// share the same SQLite file for its outbox tables.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// retryOnBusy retries fn while SQLite reports the database is locked,
// with jittered exponential backoff. WAL mode with a single writer
// connection makes busy errors rare but possible under concurrent
// reader load; they are transient, never a real failure.
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

// GetWorkflow returns the workflow, or ErrWorkflowNotFound.
func (s *Store) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, state, created_at, updated_at, resolved_at, resume_published_at, definition_json, resume_seq
		FROM workflows WHERE workflow_id = ?`, workflowID)
	return scanWorkflow(row)
}

func scanWorkflow(row rowScanner) (Workflow, error) {
	var wf Workflow
	var createdAt, updatedAt string
	var resolvedAt, resumePublishedAt sql.NullString
	var defJSON string

	err := row.Scan(&wf.WorkflowID, &wf.State, &createdAt, &updatedAt, &resolvedAt, &resumePublishedAt, &defJSON, &wf.ResumeSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return Workflow{}, ErrWorkflowNotFound
	}
	if err != nil {
		return Workflow{}, fmt.Errorf("workflow: scan workflow: %w", err)
	}

	if wf.CreatedAt, err = parseTime(createdAt); err != nil {
		return Workflow{}, fmt.Errorf("workflow: parse created_at: %w", err)
	}
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Workflow{}, fmt.Errorf("workflow: parse updated_at: %w", err)
	}
	if wf.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return Workflow{}, fmt.Errorf("workflow: parse resolved_at: %w", err)
	}
	if wf.ResumePublishedAt, err = parseTimePtr(resumePublishedAt); err != nil {
		return Workflow{}, fmt.Errorf("workflow: parse resume_published_at: %w", err)
	}
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return Workflow{}, fmt.Errorf("workflow: unmarshal definition: %w", err)
	}
	return wf, nil
}

// UpsertWorkflow inserts wf, or replaces it entirely if workflowId
// already exists. Callers that only want to mutate specific fields
// should GetWorkflow, modify the struct, then UpsertWorkflow.
func (s *Store) UpsertWorkflow(ctx context.Context, wf Workflow) error {
	defJSON, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("workflow: marshal definition: %w", err)
	}
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflows (workflow_id, state, created_at, updated_at, resolved_at, resume_published_at, definition_json, resume_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(workflow_id) DO UPDATE SET
				state = excluded.state,
				updated_at = excluded.updated_at,
				resolved_at = excluded.resolved_at,
				resume_published_at = excluded.resume_published_at,
				definition_json = excluded.definition_json,
				resume_seq = excluded.resume_seq`,
			wf.WorkflowID, wf.State, formatTime(wf.CreatedAt), formatTime(wf.UpdatedAt),
			formatTimePtr(wf.ResolvedAt), formatTimePtr(wf.ResumePublishedAt), string(defJSON), wf.ResumeSeq)
		return err
	})
}

// BumpResumeSeq atomically increments workflowId's resume_seq and
// returns the updated workflow, or ErrWorkflowNotFound if it does not
// exist. Runs inside a transaction so the increment and the read are
// atomic even though the Store already serializes all writes.
func (s *Store) BumpResumeSeq(ctx context.Context, workflowID string) (Workflow, error) {
	var result Workflow
	err := retryOnBusy(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `UPDATE workflows SET resume_seq = resume_seq + 1 WHERE workflow_id = ?`, workflowID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrWorkflowNotFound
		}

		row := tx.QueryRowContext(ctx, `
			SELECT workflow_id, state, created_at, updated_at, resolved_at, resume_published_at, definition_json, resume_seq
			FROM workflows WHERE workflow_id = ?`, workflowID)
		result, err = scanWorkflow(row)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Workflow{}, err
	}
	return result, nil
}

// GetTask returns the task, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, workflowID, taskID string) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelectSQL+` WHERE workflow_id = ? AND task_id = ?`, workflowID, taskID)
	return scanTask(row)
}

const taskSelectSQL = `
	SELECT workflow_id, task_id, kind, description, state, input_json, result_json,
	       created_at, updated_at, resolved_at, resolved_by,
	       discord_channel_id, discord_message_id, discord_from_user_id, timeout_at
	FROM workflow_tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var description string
	var resultJSON sql.NullString
	var createdAt, updatedAt string
	var resolvedAt, resolvedBy, discordChannelID, discordMessageID, discordFromUserID, timeoutAt sql.NullString

	err := row.Scan(&t.WorkflowID, &t.TaskID, &t.Kind, &description, &t.State, &t.Input, &resultJSON,
		&createdAt, &updatedAt, &resolvedAt, &resolvedBy,
		&discordChannelID, &discordMessageID, &discordFromUserID, &timeoutAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("workflow: scan task: %w", err)
	}
	t.Description = description
	if resultJSON.Valid {
		t.Result = json.RawMessage(resultJSON.String)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("workflow: parse created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Task{}, fmt.Errorf("workflow: parse updated_at: %w", err)
	}
	if t.ResolvedAt, err = parseTimePtr(resolvedAt); err != nil {
		return Task{}, fmt.Errorf("workflow: parse resolved_at: %w", err)
	}
	t.ResolvedBy = resolvedBy.String
	t.DiscordChannelID = discordChannelID.String
	t.DiscordMessageID = discordMessageID.String
	t.DiscordFromUserID = discordFromUserID.String
	if t.TimeoutAt, err = parseTimePtr(timeoutAt); err != nil {
		return Task{}, fmt.Errorf("workflow: parse timeout_at: %w", err)
	}
	return t, nil
}

// UpsertTask inserts t, or replaces it entirely if (workflowId, taskId)
// already exists.
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_tasks (
				workflow_id, task_id, kind, description, state, input_json, result_json,
				created_at, updated_at, resolved_at, resolved_by,
				discord_channel_id, discord_message_id, discord_from_user_id, timeout_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(workflow_id, task_id) DO UPDATE SET
				kind = excluded.kind,
				description = excluded.description,
				state = excluded.state,
				input_json = excluded.input_json,
				result_json = excluded.result_json,
				updated_at = excluded.updated_at,
				resolved_at = excluded.resolved_at,
				resolved_by = excluded.resolved_by,
				discord_channel_id = excluded.discord_channel_id,
				discord_message_id = excluded.discord_message_id,
				discord_from_user_id = excluded.discord_from_user_id,
				timeout_at = excluded.timeout_at`,
			t.WorkflowID, t.TaskID, t.Kind, t.Description, t.State, string(t.Input), nullableJSON(t.Result),
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.ResolvedAt), nullableString(t.ResolvedBy),
			nullableString(t.DiscordChannelID), nullableString(t.DiscordMessageID), nullableString(t.DiscordFromUserID),
			formatTimePtr(t.TimeoutAt))
		return err
	})
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// ListTasks returns every task belonging to workflowID.
func (s *Store) ListTasks(ctx context.Context, workflowID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectSQL+` WHERE workflow_id = ? ORDER BY task_id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

func scanTaskRows(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate tasks: %w", err)
	}
	return tasks, nil
}

// ListActiveDiscordWaitForReplyTasksByChannelID returns non-terminal
// discord.wait_for_reply tasks for channelID.
func (s *Store) ListActiveDiscordWaitForReplyTasksByChannelID(ctx context.Context, channelID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectSQL+`
		WHERE kind = ? AND discord_channel_id = ? AND state IN ('queued','running','blocked')
		ORDER BY created_at`, KindDiscordWaitForReply, channelID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list active wait_for_reply tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListDiscordWaitForReplyTasksByChannelIDAndMessageID returns
// discord.wait_for_reply tasks anchored to (channelID, messageID),
// including resolved ones — so a router racing the Resolver's commit
// still sees the just-resolved task.
func (s *Store) ListDiscordWaitForReplyTasksByChannelIDAndMessageID(ctx context.Context, channelID, messageID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectSQL+`
		WHERE kind = ? AND discord_channel_id = ? AND discord_message_id = ?
		  AND state IN ('queued','running','blocked','resolved')
		ORDER BY created_at`, KindDiscordWaitForReply, channelID, messageID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list anchored wait_for_reply tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListActiveTimeoutTasks returns every non-terminal task whose
// timeout_at is at or before now.
func (s *Store) ListActiveTimeoutTasks(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelectSQL+`
		WHERE timeout_at IS NOT NULL AND timeout_at <= ?
		  AND state IN ('queued','running','blocked')
		ORDER BY timeout_at`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("workflow: list active timeout tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRows(rows)
}

// ListWorkflows returns every workflow, most recently created first.
// Used by operational tooling and by tests asserting a cancelled
// workflow is still listed (scenario 5).
func (s *Store) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, state, created_at, updated_at, resolved_at, resume_published_at, definition_json, resume_seq
		FROM workflows ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("workflow: list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate workflows: %w", err)
	}
	return workflows, nil
}

// TryClaimTimeoutTask is the single-writer lease: it sets
// state=running, updated_at=now iff the row still has timeout_at <= now
// and is in a claimable (not already claimed, not terminal) state.
// Returns ErrClaimMissed (not a hard error) when another caller already
// claimed it, or it is no longer due. "running" is deliberately excluded
// from the claimable source states — it marks a row as already claimed,
// so a second claimer must miss rather than re-claim it.
func (s *Store) TryClaimTimeoutTask(ctx context.Context, workflowID, taskID string, now time.Time) error {
	return retryOnBusy(func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_tasks
			SET state = 'running', updated_at = ?
			WHERE workflow_id = ? AND task_id = ?
			  AND timeout_at IS NOT NULL AND timeout_at <= ?
			  AND state IN ('queued','blocked')`,
			formatTime(now), workflowID, taskID, formatTime(now))
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrClaimMissed
		}
		return nil
	})
}
