package store

import (
	"context"
	"database/sql"
	"errors"
)

// BroadcastRecord describes what should be sent to one (sender, target)
// pair, how often, and whether it is currently running.
//
// Active is the durable signal that a job should be scheduled; it is the
// reconciliation source of truth independent of the in-memory scheduler.
type BroadcastRecord struct {
	SenderID int64
	TargetID int64

	// Kind is the job-identity kind the record was scheduled under
	// ("broadcast" for single-target, "broadcastall" for batch), so a
	// restart rebuilds the job with the same identity it had before.
	Kind string

	Text            string
	IntervalMinutes int
	// IntervalMaxMinutes is zero for fixed-interval broadcasts; when set,
	// the trigger jitters uniformly in [IntervalMinutes, IntervalMaxMinutes].
	IntervalMaxMinutes int

	Active      bool
	ErrorReason string
	PhotoRef    string
}

// Configured reports whether the record carries enough intent to schedule.
func (r BroadcastRecord) Configured() bool {
	return r.IntervalMinutes > 0 && (r.Text != "" || r.PhotoRef != "")
}

// UpsertBroadcast creates or replaces the record for the pair and marks it
// active. Exactly one record exists per pair.
func (s *Store) UpsertBroadcast(ctx context.Context, r BroadcastRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(sender_id, target_id, kind, text, interval_minutes, interval_max_minutes, is_active, error_reason, photo_ref)
		 VALUES(?,?,?,?,?,?,1,NULL,?)
		 ON CONFLICT(sender_id, target_id) DO UPDATE SET
		   kind=excluded.kind,
		   text=excluded.text,
		   interval_minutes=excluded.interval_minutes,
		   interval_max_minutes=excluded.interval_max_minutes,
		   is_active=1,
		   error_reason=NULL,
		   photo_ref=excluded.photo_ref`,
		r.SenderID, r.TargetID, r.Kind, r.Text, r.IntervalMinutes, r.IntervalMaxMinutes, nullStr(r.PhotoRef),
	)
	return err
}

func (s *Store) Broadcast(ctx context.Context, senderID, targetID int64) (BroadcastRecord, error) {
	var r BroadcastRecord
	var reason, photo sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id, target_id, kind, text, interval_minutes, interval_max_minutes, is_active, error_reason, photo_ref
		 FROM broadcasts WHERE sender_id = ? AND target_id = ?`,
		senderID, targetID,
	).Scan(&r.SenderID, &r.TargetID, &r.Kind, &r.Text, &r.IntervalMinutes, &r.IntervalMaxMinutes, &r.Active, &reason, &photo)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastRecord{}, ErrNotFound
	}
	if err != nil {
		return BroadcastRecord{}, err
	}
	r.ErrorReason = strOrEmpty(reason)
	r.PhotoRef = strOrEmpty(photo)
	return r, nil
}

// Activate flips the pair active and clears any prior failure reason.
// A single statement keeps concurrent writers from interleaving partial
// updates on the row.
func (s *Store) Activate(ctx context.Context, senderID, targetID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET is_active = 1, error_reason = NULL WHERE sender_id = ? AND target_id = ?`,
		senderID, targetID)
	return err
}

// Deactivate stops the pair durably, recording why.
func (s *Store) Deactivate(ctx context.Context, senderID, targetID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET is_active = 0, error_reason = ? WHERE sender_id = ? AND target_id = ?`,
		nullStr(reason), senderID, targetID)
	return err
}

// ClearError drops the failure reason after a successful delivery without
// touching the rest of the row.
func (s *Store) ClearError(ctx context.Context, senderID, targetID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET error_reason = NULL WHERE sender_id = ? AND target_id = ?`,
		senderID, targetID)
	return err
}

// UpdateContent edits a running broadcast's message in place. The delivery
// worker re-reads the record before every attempt, so edits take effect
// without rescheduling.
func (s *Store) UpdateContent(ctx context.Context, senderID, targetID int64, text, photoRef string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET text = ?, photo_ref = ? WHERE sender_id = ? AND target_id = ?`,
		text, nullStr(photoRef), senderID, targetID)
	return err
}

func (s *Store) ActiveBroadcasts(ctx context.Context, senderID int64) ([]BroadcastRecord, error) {
	return s.queryBroadcasts(ctx,
		`SELECT sender_id, target_id, kind, text, interval_minutes, interval_max_minutes, is_active, error_reason, photo_ref
		 FROM broadcasts WHERE sender_id = ? AND is_active = 1 ORDER BY target_id`, senderID)
}

// AllActive lists every active record across senders; used by startup
// reconciliation to rebuild the scheduled-job set.
func (s *Store) AllActive(ctx context.Context) ([]BroadcastRecord, error) {
	return s.queryBroadcasts(ctx,
		`SELECT sender_id, target_id, kind, text, interval_minutes, interval_max_minutes, is_active, error_reason, photo_ref
		 FROM broadcasts WHERE is_active = 1 ORDER BY sender_id, target_id`)
}

func (s *Store) queryBroadcasts(ctx context.Context, q string, args ...any) ([]BroadcastRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastRecord
	for rows.Next() {
		var r BroadcastRecord
		var reason, photo sql.NullString
		if err := rows.Scan(&r.SenderID, &r.TargetID, &r.Kind, &r.Text, &r.IntervalMinutes, &r.IntervalMaxMinutes, &r.Active, &reason, &photo); err != nil {
			return nil, err
		}
		r.ErrorReason = strOrEmpty(reason)
		r.PhotoRef = strOrEmpty(photo)
		out = append(out, r)
	}
	return out, rows.Err()
}
