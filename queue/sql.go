package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLQueue is a durable Queue backed by SQLite or PostgreSQL, generalizing
// internal/db/db.go's dual-driver Open/detectDriver/ph() pattern (also
// adapted by kv.SQLStore) into a polling work-queue table. Rows are claimed
// by setting claimed_at so multiple Listen loops (e.g. across process
// restarts, or several delivery workers) do not double-process a message.
type SQLQueue struct {
	db         *sql.DB
	driver     string
	pollEvery  time.Duration
	visibility time.Duration
}

// OpenSQLQueue opens databaseURL (bare file path or "sqlite://..." for
// SQLite, "postgres://..." for PostgreSQL) and ensures the backing table
// exists.
func OpenSQLQueue(ctx context.Context, databaseURL string) (*SQLQueue, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("queue: ping db: %w", err)
	}

	if driver == "sqlite" {
		const maxConns = 4
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return nil, fmt.Errorf("queue: sqlite pragma (%s): %w", pragma, err)
			}
		}
	}

	q := &SQLQueue{db: db, driver: driver, pollEvery: time.Second, visibility: 30 * time.Second}
	if err := q.migrate(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}

const createQueueTableSQL = `CREATE TABLE IF NOT EXISTS queue_messages (
	id          TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	attempt     INTEGER NOT NULL DEFAULT 1,
	ready_at    BIGINT NOT NULL,
	claimed_at  BIGINT NOT NULL DEFAULT 0
)`

func (q *SQLQueue) migrate(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, createQueueTableSQL); err != nil {
		return fmt.Errorf("queue: migrate: %w", err)
	}
	return nil
}

func (q *SQLQueue) ph(n int) string {
	if q.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Close releases the underlying database connection.
func (q *SQLQueue) Close() error { return q.db.Close() }

func (q *SQLQueue) Enqueue(ctx context.Context, payload json.RawMessage, delay time.Duration) (string, error) {
	id := newMessageID()
	readyAt := time.Now().Add(delay).UnixNano()
	insert := fmt.Sprintf(
		`INSERT INTO queue_messages (id, payload, attempt, ready_at, claimed_at) VALUES (%s, %s, 1, %s, 0)`,
		q.ph(1), q.ph(2), q.ph(3),
	)
	if _, err := q.db.ExecContext(ctx, insert, id, string(payload), readyAt); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

func (q *SQLQueue) EnqueueMany(ctx context.Context, payloads []json.RawMessage, delay time.Duration) ([]string, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: enqueue many: %w", err)
	}
	defer tx.Rollback()

	ids := make([]string, 0, len(payloads))
	readyAt := time.Now().Add(delay).UnixNano()
	insert := fmt.Sprintf(
		`INSERT INTO queue_messages (id, payload, attempt, ready_at, claimed_at) VALUES (%s, %s, 1, %s, 0)`,
		q.ph(1), q.ph(2), q.ph(3),
	)
	for _, p := range payloads {
		id := newMessageID()
		if _, err := tx.ExecContext(ctx, insert, id, string(p), readyAt); err != nil {
			return nil, fmt.Errorf("queue: enqueue many: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: enqueue many: commit: %w", err)
	}
	return ids, nil
}

// Listen polls for ready, unclaimed messages every pollEvery, claims one at
// a time via a conditional UPDATE (race-free across multiple Listen loops
// sharing the same table), and redelivers claims left stale past
// visibility — the same crash-recovery role the teacher's fixed
// request/retry cycle in DeliverActivity never needed for a synchronous,
// single-process bridge. A handler failing with a *RetryError controls its
// own redelivery delay and give-up point (delivery.Pipeline's RetryPolicy);
// any other error falls back to a fixed linear backoff with no attempt cap.
func (q *SQLQueue) Listen(ctx context.Context, handler HandlerFunc) error {
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for {
				msg, ok, err := q.claimOne(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				err := handler(ctx, msg)
				if err == nil {
					q.delete(ctx, msg.ID)
					continue
				}

				var re *RetryError
				if errors.As(err, &re) {
					if re.Abandon {
						q.delete(ctx, msg.ID)
						continue
					}
					delay := re.Delay
					if delay <= 0 {
						delay = time.Duration(msg.Attempt+1) * time.Second
					}
					q.releaseForRetry(ctx, msg.ID, msg.Attempt+1, delay)
					continue
				}

				q.releaseForRetry(ctx, msg.ID, msg.Attempt+1, time.Duration(msg.Attempt+1)*time.Second)
			}
		}
	}
}

func (q *SQLQueue) claimOne(ctx context.Context) (Message, bool, error) {
	now := time.Now().UnixNano()
	staleClaim := time.Now().Add(-q.visibility).UnixNano()

	selectSQL := fmt.Sprintf(
		`SELECT id, payload, attempt FROM queue_messages WHERE ready_at <= %s AND claimed_at <= %s ORDER BY ready_at ASC LIMIT 1`,
		q.ph(1), q.ph(2),
	)
	var id, payload string
	var attempt int
	err := q.db.QueryRowContext(ctx, selectSQL, now, staleClaim).Scan(&id, &payload, &attempt)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("queue: claim: %w", err)
	}

	claimSQL := fmt.Sprintf(`UPDATE queue_messages SET claimed_at = %s WHERE id = %s AND claimed_at <= %s`,
		q.ph(1), q.ph(2), q.ph(3))
	res, err := q.db.ExecContext(ctx, claimSQL, time.Now().UnixNano(), id, staleClaim)
	if err != nil {
		return Message{}, false, fmt.Errorf("queue: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		// Lost the race to another Listen loop; caller's outer loop retries.
		return Message{}, false, nil
	}

	return Message{ID: id, Payload: json.RawMessage(payload), Attempt: attempt}, true, nil
}

func (q *SQLQueue) releaseForRetry(ctx context.Context, id string, nextAttempt int, delay time.Duration) {
	updateSQL := fmt.Sprintf(`UPDATE queue_messages SET attempt = %s, ready_at = %s, claimed_at = 0 WHERE id = %s`,
		q.ph(1), q.ph(2), q.ph(3))
	_, _ = q.db.ExecContext(ctx, updateSQL, nextAttempt, time.Now().Add(delay).UnixNano(), id)
}

func (q *SQLQueue) delete(ctx context.Context, id string) {
	deleteSQL := fmt.Sprintf(`DELETE FROM queue_messages WHERE id = %s`, q.ph(1))
	_, _ = q.db.ExecContext(ctx, deleteSQL, id)
}
