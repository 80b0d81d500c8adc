package threads

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

type postgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store backed by the active_threads and
// completed_threads tables.
func NewPostgresStore(db *sql.DB) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) ListActive(ctx context.Context) ([]ThreadRecord, error) {
	return s.list(ctx, `
		SELECT id, user_id, channel, thread_ts, message_ts
		FROM active_threads
		ORDER BY id ASC
	`)
}

func (s *postgresStore) ListCompleted(ctx context.Context) ([]ThreadRecord, error) {
	return s.list(ctx, `
		SELECT id, user_id, channel, thread_ts, message_ts
		FROM completed_threads
		ORDER BY id ASC
	`)
}

func (s *postgresStore) list(ctx context.Context, query string) ([]ThreadRecord, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThreadRecord
	for rows.Next() {
		var rec ThreadRecord
		var id int64
		if err := rows.Scan(&id, &rec.UserID, &rec.Channel, &rec.ThreadTS, &rec.MessageTS); err != nil {
			return nil, err
		}
		rec.RecordID = strconv.FormatInt(id, 10)
		if rec.UserID == "" || rec.ThreadTS == "" {
			return nil, fmt.Errorf("thread row %s is missing user_id or thread_ts", rec.RecordID)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) CreateActive(ctx context.Context, rec ThreadRecord) (string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO active_threads (user_id, channel, thread_ts, message_ts, last_activity_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id
	`, rec.UserID, rec.Channel, rec.ThreadTS, rec.MessageTS).Scan(&id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *postgresStore) CreateCompleted(ctx context.Context, rec ThreadRecord) (string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO completed_threads (user_id, channel, thread_ts, message_ts)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, rec.UserID, rec.Channel, rec.ThreadTS, rec.MessageTS).Scan(&id)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *postgresStore) TouchActive(ctx context.Context, recordID string, at time.Time) error {
	id, err := parseRecordID(recordID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE active_threads SET last_activity_at = $2 WHERE id = $1
	`, id, at)
	return err
}

func (s *postgresStore) DeleteActive(ctx context.Context, recordID string) error {
	return s.deleteRow(ctx, "active_threads", recordID)
}

func (s *postgresStore) DeleteCompleted(ctx context.Context, recordID string) error {
	return s.deleteRow(ctx, "completed_threads", recordID)
}

func (s *postgresStore) deleteRow(ctx context.Context, table, recordID string) error {
	id, err := parseRecordID(recordID)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = $1`, id)
	return err
}

func parseRecordID(recordID string) (int64, error) {
	id, err := strconv.ParseInt(recordID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad record id %q: %w", recordID, err)
	}
	return id, nil
}
