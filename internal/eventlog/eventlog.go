package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Append-only audit trail of lifecycle transitions. One row per transition,
// keyed by the entity's natural key (attempt id, purchase id).
const (
	TypeAttemptStarted    = "AttemptStarted"
	TypeAttemptPaused     = "AttemptPaused"
	TypeAttemptResumed    = "AttemptResumed"
	TypeAttemptFinished   = "AttemptFinished"
	TypeAttemptReconciled = "AttemptReconciled"
	TypeSectionCompleted  = "SectionCompleted"
	TypePurchaseGranted   = "PurchaseGranted"
	TypeAccountDeleted    = "AccountDeleted"
	TypeAccountRecovered  = "AccountRecovered"
)

type Log struct{ db *sql.DB }

func New(db *sql.DB) *Log { return &Log{db: db} }

func (l *Log) Append(ctx context.Context, typ, key string, payload any) error {
	data := "{}"
	if payload != nil {
		if buf, err := json.Marshal(payload); err == nil {
			data = string(buf)
		}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO event_log (typ, key, data, created_at) VALUES ($1,$2,$3,$4)`,
		typ, key, data, time.Now().UnixMilli())
	return err
}

type Event struct {
	Offset    int64           `json:"offset"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Recent returns the newest events for one key, newest first.
func (l *Log) Recent(ctx context.Context, key string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT "offset", typ, key, data, created_at FROM event_log
		 WHERE key=$1 ORDER BY "offset" DESC LIMIT $2`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var data string
		var created int64
		if err := rows.Scan(&e.Offset, &e.Type, &e.Key, &data, &created); err != nil {
			return nil, err
		}
		e.Data = json.RawMessage(data)
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}
