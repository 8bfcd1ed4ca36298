// Package registry implements the persistent store of agent records,
// the blocker graph, and the webhook dedup table.
//
// The store is a single-writer, transactional embedded database. All
// writes are serialised by an in-process mutex in addition to SQLite's
// own locking, because multiple goroutines (router, manager,
// reconciliation, tools) write concurrently and the registry is the
// only shared-mutable store in the system.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nbaertsch/squadron/internal/models"
)

// ErrNotFound is returned when a lookup by key matches no record.
var ErrNotFound = errors.New("registry: not found")

// ErrDuplicateAgent is returned by Create when agent_id already exists.
var ErrDuplicateAgent = errors.New("registry: duplicate agent_id")

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id        TEXT PRIMARY KEY,
	role            TEXT NOT NULL,
	issue_number    INTEGER,
	pr_number       INTEGER,
	session_id      TEXT,
	status          TEXT NOT NULL,
	branch          TEXT,
	worktree_path   TEXT,
	blocked_by      TEXT NOT NULL DEFAULT '[]',
	iteration_count INTEGER NOT NULL DEFAULT 0,
	tool_call_count INTEGER NOT NULL DEFAULT 0,
	turn_count      INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	active_since    TEXT,
	sleeping_since  TEXT
);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
CREATE INDEX IF NOT EXISTS idx_agents_issue ON agents(issue_number);

CREATE TABLE IF NOT EXISTS seen_events (
	delivery_id  TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	received_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_events_received ON seen_events(received_at);
`

// Registry is the persistent agent store.
type Registry struct {
	db *sql.DB
	mu sync.Mutex // serialises all writes; see package doc.
}

// Open opens (creating if absent) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded DB — avoid SQLITE_BUSY churn
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: init schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts a new agent record. Fails with ErrDuplicateAgent if
// agent_id already exists.
func (r *Registry) Create(ctx context.Context, rec *models.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	blockedBy, err := json.Marshal(rec.BlockedBy)
	if err != nil {
		return fmt.Errorf("registry: marshal blocked_by: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO agents (
			agent_id, role, issue_number, pr_number, session_id, status,
			branch, worktree_path, blocked_by, iteration_count,
			tool_call_count, turn_count, created_at, updated_at,
			active_since, sleeping_since
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.AgentID, rec.Role, nullableInt(rec.IssueNumber), nullableInt(rec.PRNumber),
		rec.SessionID, string(rec.Status), rec.Branch, rec.WorktreePath, string(blockedBy),
		rec.IterationCount, rec.ToolCallCount, rec.TurnCount,
		timeToString(&rec.CreatedAt), timeToString(&rec.UpdatedAt),
		timeToString(rec.ActiveSince), timeToString(rec.SleepingSince),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("registry: create %s: %w", rec.AgentID, err)
	}
	return nil
}

// Get returns the record for agent_id, or ErrNotFound.
func (r *Registry) Get(ctx context.Context, agentID string) (*models.AgentRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// GetByIssue returns the non-terminal record for issue n, if any.
// At most one such record can exist at a time.
func (r *Registry) GetByIssue(ctx context.Context, issueNumber int) (*models.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectCols+` FROM agents WHERE issue_number = ?`, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("registry: get_by_issue %d: %w", issueNumber, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		if rec.Status.Live() {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// GetAgentsForIssue returns every record (any status) tracking issueNumber,
// used by spawn-policy reuse checks across roles.
func (r *Registry) GetAgentsForIssue(ctx context.Context, issueNumber int) ([]*models.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectCols+` FROM agents WHERE issue_number = ?`, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("registry: agents_for_issue %d: %w", issueNumber, err)
	}
	defer rows.Close()
	return scanAllRows(rows)
}

// ByStatus returns every record with the given status.
func (r *Registry) ByStatus(ctx context.Context, status models.AgentStatus) ([]*models.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectCols+` FROM agents WHERE status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("registry: by_status %s: %w", status, err)
	}
	defer rows.Close()
	return scanAllRows(rows)
}

// AllActive returns every record in CREATED ∪ ACTIVE ∪ SLEEPING.
func (r *Registry) AllActive(ctx context.Context) ([]*models.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectCols+` FROM agents WHERE status IN (?,?,?)`,
		string(models.StatusCreated), string(models.StatusActive), string(models.StatusSleeping))
	if err != nil {
		return nil, fmt.Errorf("registry: all_active: %w", err)
	}
	defer rows.Close()
	return scanAllRows(rows)
}

// AgentsBlockedBy returns every SLEEPING record with issue in its
// blocked_by set.
func (r *Registry) AgentsBlockedBy(ctx context.Context, issue int) ([]*models.AgentRecord, error) {
	sleeping, err := r.ByStatus(ctx, models.StatusSleeping)
	if err != nil {
		return nil, err
	}
	var out []*models.AgentRecord
	for _, a := range sleeping {
		if a.HasBlocker(issue) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Update replaces rec in full, always stamping updated_at.
func (r *Registry) Update(ctx context.Context, rec *models.AgentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateLocked(ctx, rec)
}

func (r *Registry) updateLocked(ctx context.Context, rec *models.AgentRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	blockedBy, err := json.Marshal(rec.BlockedBy)
	if err != nil {
		return fmt.Errorf("registry: marshal blocked_by: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE agents SET
			role = ?, issue_number = ?, pr_number = ?, session_id = ?,
			status = ?, branch = ?, worktree_path = ?, blocked_by = ?,
			iteration_count = ?, tool_call_count = ?, turn_count = ?,
			updated_at = ?, active_since = ?, sleeping_since = ?
		WHERE agent_id = ?`,
		rec.Role, nullableInt(rec.IssueNumber), nullableInt(rec.PRNumber), rec.SessionID,
		string(rec.Status), rec.Branch, rec.WorktreePath, string(blockedBy),
		rec.IterationCount, rec.ToolCallCount, rec.TurnCount,
		timeToString(&rec.UpdatedAt), timeToString(rec.ActiveSince), timeToString(rec.SleepingSince),
		rec.AgentID,
	)
	if err != nil {
		return fmt.Errorf("registry: update %s: %w", rec.AgentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("registry: update %s: %w", rec.AgentID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddBlocker adds issue to agentID's blocked_by set after verifying it
// would not create a self-block or a cycle in the blocker graph
// (invariants 3.2.3, 3.2.4). Returns false, nil mutation on rejection.
func (r *Registry) AddBlocker(ctx context.Context, agentID string, issue int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.getLocked(ctx, agentID)
	if err != nil {
		return false, err
	}

	if issue == rec.IssueNumber {
		return false, nil // self-block
	}

	cyclic, err := r.wouldCreateCycleLocked(ctx, rec, issue)
	if err != nil {
		return false, err
	}
	if cyclic {
		return false, nil
	}

	if rec.HasBlocker(issue) {
		return true, nil // already present — idempotent no-op
	}
	rec.BlockedBy = append(rec.BlockedBy, issue)
	if err := r.updateLocked(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveBlocker removes issue from agentID's blocked_by set. A missing
// entry is a no-op.
func (r *Registry) RemoveBlocker(ctx context.Context, agentID string, issue int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.getLocked(ctx, agentID)
	if err != nil {
		return err
	}
	out := rec.BlockedBy[:0]
	for _, b := range rec.BlockedBy {
		if b != issue {
			out = append(out, b)
		}
	}
	rec.BlockedBy = out
	return r.updateLocked(ctx, rec)
}

// wouldCreateCycleLocked implements the BFS cycle check from: to
// decide whether adding an edge A -> new is safe, let B = GetByIssue(new).
// If B is absent, no cycle is possible. Otherwise BFS over B's
// blocked_by chain; if any reachable agent is working on A's own
// issue_number, a cycle would form. O(V+E) over the reachable subgraph.
func (r *Registry) wouldCreateCycleLocked(ctx context.Context, a *models.AgentRecord, newBlocker int) (bool, error) {
	b, err := r.getByIssueLocked(ctx, newBlocker)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	visited := map[int]bool{newBlocker: true}
	queue := append([]int(nil), b.BlockedBy...)

	for len(queue) > 0 {
		issue := queue[0]
		queue = queue[1:]
		if visited[issue] {
			continue
		}
		visited[issue] = true

		worker, err := r.getByIssueLocked(ctx, issue)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return false, err
		}
		if worker.IssueNumber == a.IssueNumber {
			return true, nil
		}
		queue = append(queue, worker.BlockedBy...)
	}
	return false, nil
}

func (r *Registry) getLocked(ctx context.Context, agentID string) (*models.AgentRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+selectCols+` FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

func (r *Registry) getByIssueLocked(ctx context.Context, issueNumber int) (*models.AgentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+selectCols+` FROM agents WHERE issue_number = ?`, issueNumber)
	if err != nil {
		return nil, fmt.Errorf("registry: get_by_issue %d: %w", issueNumber, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		if rec.Status.Live() {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// HasSeenEvent reports whether delivery_id was already recorded.
func (r *Registry) HasSeenEvent(ctx context.Context, deliveryID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM seen_events WHERE delivery_id = ?`, deliveryID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("registry: has_seen_event: %w", err)
	}
	return n > 0, nil
}

// MarkEventSeen records delivery_id as processed. Idempotent: a
// duplicate call is a no-op.
func (r *Registry) MarkEventSeen(ctx context.Context, deliveryID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO seen_events (delivery_id, event_type, received_at) VALUES (?,?,?)
		 ON CONFLICT(delivery_id) DO NOTHING`,
		deliveryID, eventType, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("registry: mark_event_seen: %w", err)
	}
	return nil
}

// PruneOldEvents deletes seen_events rows older than maxAge and
// returns the number of rows removed.
func (r *Registry) PruneOldEvents(ctx context.Context, maxAge time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge).Format(time.RFC3339Nano)
	res, err := r.db.ExecContext(ctx, `DELETE FROM seen_events WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("registry: prune_old_events: %w", err)
	}
	return res.RowsAffected()
}

const selectCols = `agent_id, role, issue_number, pr_number, session_id, status,
	branch, worktree_path, blocked_by, iteration_count, tool_call_count,
	turn_count, created_at, updated_at, active_since, sleeping_since`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row *sql.Row) (*models.AgentRecord, error) {
	rec, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanAgentRows(rows *sql.Rows) (*models.AgentRecord, error) {
	return scanRow(rows)
}

func scanAllRows(rows *sql.Rows) ([]*models.AgentRecord, error) {
	var out []*models.AgentRecord
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRow(s scanner) (*models.AgentRecord, error) {
	var (
		rec                          models.AgentRecord
		issueNumber, prNumber        sql.NullInt64
		blockedByJSON                string
		createdAt, updatedAt         string
		activeSince, sleepingSince   sql.NullString
		status                       string
	)
	err := s.Scan(
		&rec.AgentID, &rec.Role, &issueNumber, &prNumber, &rec.SessionID, &status,
		&rec.Branch, &rec.WorktreePath, &blockedByJSON, &rec.IterationCount,
		&rec.ToolCallCount, &rec.TurnCount, &createdAt, &updatedAt,
		&activeSince, &sleepingSince,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.AgentStatus(status)
	rec.IssueNumber = int(issueNumber.Int64)
	rec.PRNumber = int(prNumber.Int64)
	if err := json.Unmarshal([]byte(blockedByJSON), &rec.BlockedBy); err != nil {
		return nil, fmt.Errorf("registry: unmarshal blocked_by for %s: %w", rec.AgentID, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if activeSince.Valid {
		t, err := time.Parse(time.RFC3339Nano, activeSince.String)
		if err == nil {
			rec.ActiveSince = &t
		}
	}
	if sleepingSince.Valid {
		t, err := time.Parse(time.RFC3339Nano, sleepingSince.String)
		if err == nil {
			rec.SleepingSince = &t
		}
	}
	return &rec, nil
}

func nullableInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func timeToString(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
