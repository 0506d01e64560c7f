package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tgblaster/pkg/logx"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSenderRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	sd := Sender{ID: 7, Credential: "token-7", Label: "main"}
	if err := s.UpsertSender(ctx, sd); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.Sender(ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != sd {
		t.Fatalf("got %+v, want %+v", got, sd)
	}

	// Upsert replaces in place.
	sd.Label = "renamed"
	if err := s.UpsertSender(ctx, sd); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	all, err := s.Senders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].Label != "renamed" {
		t.Fatalf("senders = %+v", all)
	}

	if _, err := s.Sender(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing sender: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSenderCascades(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	mustSeed(t, s, 7, 100)
	if err := s.AppendHistory(ctx, HistoryEntry{SenderID: 7, TargetID: 100, SentAt: time.Now()}); err != nil {
		t.Fatalf("history: %v", err)
	}

	if err := s.DeleteSender(ctx, 7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Sender(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("sender survived delete: %v", err)
	}
	if _, err := s.Broadcast(ctx, 7, 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("broadcast survived delete: %v", err)
	}
	if targets, _ := s.Targets(ctx, 7); len(targets) != 0 {
		t.Fatalf("targets survived delete: %+v", targets)
	}
	if hist, _ := s.History(ctx, 7, 10); len(hist) != 0 {
		t.Fatalf("history survived delete: %+v", hist)
	}
}

func TestBroadcastLifecycle(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	rec := BroadcastRecord{
		SenderID:           7,
		TargetID:           100,
		Kind:               "broadcast",
		Text:               "hello",
		IntervalMinutes:    25,
		IntervalMaxMinutes: 35,
		PhotoRef:           "https://example.com/a.jpg",
	}
	if err := s.UpsertBroadcast(ctx, rec); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Broadcast(ctx, 7, 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Active {
		t.Fatal("fresh record should be active")
	}
	if got.Kind != "broadcast" || got.IntervalMinutes != 25 || got.IntervalMaxMinutes != 35 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if !got.Configured() {
		t.Fatal("record with text and interval should be configured")
	}

	if err := s.Deactivate(ctx, 7, 100, "stopped by operator"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, _ = s.Broadcast(ctx, 7, 100)
	if got.Active || got.ErrorReason != "stopped by operator" {
		t.Fatalf("after deactivate: %+v", got)
	}

	if err := s.Activate(ctx, 7, 100); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ = s.Broadcast(ctx, 7, 100)
	if !got.Active || got.ErrorReason != "" {
		t.Fatalf("activate should clear the reason: %+v", got)
	}
}

func TestConfigured(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		rec  BroadcastRecord
		want bool
	}{
		{"text and interval", BroadcastRecord{Text: "x", IntervalMinutes: 5}, true},
		{"photo only", BroadcastRecord{PhotoRef: "id", IntervalMinutes: 5}, true},
		{"no interval", BroadcastRecord{Text: "x"}, false},
		{"no content", BroadcastRecord{IntervalMinutes: 5}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.rec.Configured(); got != tc.want {
				t.Fatalf("Configured() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAllActive(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()

	mustSeed(t, s, 7, 100)
	mustSeed(t, s, 7, 200)
	mustSeed(t, s, 8, 300)
	if err := s.Deactivate(ctx, 7, 200, "stopped by operator"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	recs, err := s.AllActive(ctx)
	if err != nil {
		t.Fatalf("all active: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d active records, want 2: %+v", len(recs), recs)
	}
	if recs[0].SenderID != 7 || recs[0].TargetID != 100 || recs[1].SenderID != 8 {
		t.Fatalf("unexpected order: %+v", recs)
	}
}

func TestHistoryNewestFirstWithLimit(t *testing.T) {
	t.Parallel()
	s := testStore(t)
	ctx := context.Background()
	mustSeed(t, s, 7, 100)

	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := HistoryEntry{
			SenderID: 7, TargetID: 100, TargetName: "room",
			SentAt: base.Add(time.Duration(i) * time.Minute),
			Text:   "msg",
		}
		if err := s.AppendHistory(ctx, e); err != nil {
			t.Fatalf("append #%d: %v", i, err)
		}
	}

	got, err := s.History(ctx, 7, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if !got[0].SentAt.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("first entry not newest: %+v", got[0])
	}
	if !got[0].SentAt.After(got[1].SentAt) || !got[1].SentAt.After(got[2].SentAt) {
		t.Fatalf("entries not newest-first: %+v", got)
	}
}

func mustSeed(t *testing.T, s *Store, senderID, targetID int64) {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertSender(ctx, Sender{ID: senderID, Credential: "tok"}); err != nil {
		t.Fatalf("seed sender: %v", err)
	}
	if err := s.UpsertTarget(ctx, Target{SenderID: senderID, TargetID: targetID, Ref: "@room"}); err != nil {
		t.Fatalf("seed target: %v", err)
	}
	rec := BroadcastRecord{
		SenderID: senderID, TargetID: targetID,
		Kind: "broadcast", Text: "hello", IntervalMinutes: 30,
	}
	if err := s.UpsertBroadcast(ctx, rec); err != nil {
		t.Fatalf("seed broadcast: %v", err)
	}
}
