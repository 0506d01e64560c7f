package store

import (
	"context"
	"database/sql"
	"time"
)

// HistoryEntry records one successful delivery. Append-only; the engine
// never mutates or deletes rows here.
type HistoryEntry struct {
	ID         int64
	SenderID   int64
	TargetID   int64
	TargetName string
	SentAt     time.Time
	Text       string
}

func (s *Store) AppendHistory(ctx context.Context, e HistoryEntry) error {
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO send_history(sender_id, target_id, target_name, sent_at, text)
		 VALUES(?,?,?,?,?)`,
		e.SenderID, e.TargetID, nullStr(e.TargetName), e.SentAt.Format(time.RFC3339Nano), e.Text,
	)
	return err
}

// History returns the most recent entries for a sender, newest first.
func (s *Store) History(ctx context.Context, senderID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, target_id, target_name, sent_at, text
		 FROM send_history WHERE sender_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?`,
		senderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var name, text sql.NullString
		var sentAt string
		if err := rows.Scan(&e.ID, &e.SenderID, &e.TargetID, &name, &sentAt, &text); err != nil {
			return nil, err
		}
		e.TargetName = strOrEmpty(name)
		e.Text = strOrEmpty(text)
		if ts, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			e.SentAt = ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
