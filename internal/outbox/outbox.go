// Package outbox is the local durable queue for best-effort Monitor calls
// (spec §4.2, §7): heartbeats, system-state-events, and slice PATCHes that
// must never block workflow logic get a local, crash-safe fallback instead
// of being dropped on the first failure. Adapted from the teacher's
// migration-driven SQLite state manager.
package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/swf-agents/internal/resilience"
)

//go:embed migrations/001_pending_calls.sql
var migrationV1 string

// Sender performs the actual best-effort HTTP call once the outbox
// decides it is due for a retry. monitorclient.Client's internal do()
// method is not exported, so callers supply a thin adapter.
type Sender func(ctx context.Context, method, path string, body []byte) error

// Outbox persists calls that failed their first attempt and retries them
// on a background flusher.
type Outbox struct {
	db     *sql.DB
	sender Sender
	retry  *resilience.RetryPolicy

	mu       sync.Mutex
	maxTries int
}

// Open creates (or reuses) the SQLite-backed queue at dbPath.
func Open(dbPath string, sender Sender) (*Outbox, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating outbox directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening outbox database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	o := &Outbox{db: db, sender: sender, retry: resilience.DefaultRetryPolicy(), maxTries: 10}
	if err := o.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running outbox migrations: %w", err)
	}
	return o, nil
}

func (o *Outbox) migrate() error {
	var version int
	err := o.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := o.db.Exec(migrationV1); err != nil && !strings.Contains(err.Error(), "already exists") {
			return err
		}
	}
	return nil
}

// Enqueue persists a call for later retry. method/path/body describe the
// HTTP request exactly as monitorclient would have issued it.
func (o *Outbox) Enqueue(ctx context.Context, method, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding outbox body: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	_, err = o.db.ExecContext(ctx,
		`INSERT INTO pending_calls (method, path, body) VALUES (?, ?, ?)`,
		method, path, string(data))
	return err
}

type pendingCall struct {
	id       int64
	method   string
	path     string
	body     string
	attempts int
}

// Flush attempts every call whose next_attempt_at has passed. Calls that
// exceed maxTries are dropped (best-effort has a ceiling: spec §7 draws
// the line at "log and continue", not "retry forever").
func (o *Outbox) Flush(ctx context.Context) error {
	rows, err := o.db.QueryContext(ctx,
		`SELECT id, method, path, body, attempts FROM pending_calls WHERE next_attempt_at <= ? ORDER BY id`,
		time.Now().UTC())
	if err != nil {
		return err
	}

	var calls []pendingCall
	for rows.Next() {
		var c pendingCall
		if err := rows.Scan(&c.id, &c.method, &c.path, &c.body, &c.attempts); err != nil {
			rows.Close()
			return err
		}
		calls = append(calls, c)
	}
	rows.Close()

	for _, c := range calls {
		if err := o.sender(ctx, c.method, c.path, []byte(c.body)); err != nil {
			o.reschedule(ctx, c)
			continue
		}
		o.delete(ctx, c.id)
	}
	return nil
}

func (o *Outbox) reschedule(ctx context.Context, c pendingCall) {
	attempts := c.attempts + 1
	if attempts >= o.maxTries {
		o.delete(ctx, c.id)
		return
	}
	next := time.Now().UTC().Add(o.retry.CalculateDelayNoJitter(attempts))
	o.db.ExecContext(ctx, `UPDATE pending_calls SET attempts = ?, next_attempt_at = ? WHERE id = ?`, attempts, next, c.id)
}

func (o *Outbox) delete(ctx context.Context, id int64) {
	o.db.ExecContext(ctx, `DELETE FROM pending_calls WHERE id = ?`, id)
}

// Pending returns the number of calls still queued.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_calls`).Scan(&n)
	return n, err
}

// Run flushes the outbox on a fixed interval until ctx is done.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = o.Flush(ctx)
		}
	}
}

// Close closes the underlying database handle.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// HTTPSender adapts a plain *http.Client + base URL/token into a Sender,
// for use by monitorclient when it hands a failed best-effort call to the
// outbox instead of dropping it.
func HTTPSender(client *http.Client, baseURL, token string) Sender {
	return func(ctx context.Context, method, path string, body []byte) error {
		req, err := http.NewRequestWithContext(ctx, method, baseURL+"/api/"+strings.TrimPrefix(path, "/"), strings.NewReader(string(body)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Token "+token)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("outbox replay status %d", resp.StatusCode)
		}
		return nil
	}
}
