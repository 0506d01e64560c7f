package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned by point lookups when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// Sender is an authenticated account capable of posting messages.
// Credential is the opaque string a live connection is dialed from.
type Sender struct {
	ID         int64
	Credential string
	Label      string
}

// Target is a destination a sender may post into. TargetID is stored as the
// collapsed positive key (transport.GidKey); Ref is the human-readable
// reference used to re-resolve the destination live.
type Target struct {
	SenderID int64
	TargetID int64
	Ref      string
}

func (s *Store) UpsertSender(ctx context.Context, sd Sender) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO senders(sender_id, credential, label) VALUES(?,?,?)
		 ON CONFLICT(sender_id) DO UPDATE SET credential=excluded.credential, label=excluded.label`,
		sd.ID, sd.Credential, nullStr(sd.Label),
	)
	return err
}

func (s *Store) Sender(ctx context.Context, id int64) (Sender, error) {
	var sd Sender
	var label sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id, credential, label FROM senders WHERE sender_id = ?`, id,
	).Scan(&sd.ID, &sd.Credential, &label)
	if errors.Is(err, sql.ErrNoRows) {
		return Sender{}, ErrNotFound
	}
	if err != nil {
		return Sender{}, err
	}
	sd.Label = strOrEmpty(label)
	return sd, nil
}

func (s *Store) Senders(ctx context.Context) ([]Sender, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, credential, label FROM senders ORDER BY sender_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sender
	for rows.Next() {
		var sd Sender
		var label sql.NullString
		if err := rows.Scan(&sd.ID, &sd.Credential, &label); err != nil {
			return nil, err
		}
		sd.Label = strOrEmpty(label)
		out = append(out, sd)
	}
	return out, rows.Err()
}

// DeleteSender removes a sender and cascades to its targets, broadcast
// records and history inside one transaction.
func (s *Store) DeleteSender(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM broadcasts WHERE sender_id = ?`,
		`DELETE FROM targets WHERE sender_id = ?`,
		`DELETE FROM send_history WHERE sender_id = ?`,
		`DELETE FROM senders WHERE sender_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpsertTarget(ctx context.Context, t Target) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(sender_id, target_id, ref) VALUES(?,?,?)
		 ON CONFLICT(sender_id, target_id) DO UPDATE SET ref=excluded.ref`,
		t.SenderID, t.TargetID, t.Ref,
	)
	return err
}

func (s *Store) Target(ctx context.Context, senderID, targetID int64) (Target, error) {
	var t Target
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id, target_id, ref FROM targets WHERE sender_id = ? AND target_id = ?`,
		senderID, targetID,
	).Scan(&t.SenderID, &t.TargetID, &t.Ref)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrNotFound
	}
	if err != nil {
		return Target{}, err
	}
	return t, nil
}

func (s *Store) Targets(ctx context.Context, senderID int64) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, target_id, ref FROM targets WHERE sender_id = ? ORDER BY target_id`,
		senderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(&t.SenderID, &t.TargetID, &t.Ref); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTarget removes the target and its broadcast record together so a
// dangling record can never resurrect a deleted destination.
func (s *Store) DeleteTarget(ctx context.Context, senderID, targetID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM broadcasts WHERE sender_id = ? AND target_id = ?`, senderID, targetID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM targets WHERE sender_id = ? AND target_id = ?`, senderID, targetID); err != nil {
		return err
	}
	return tx.Commit()
}
