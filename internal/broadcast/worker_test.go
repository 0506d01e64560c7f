package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tgblaster/internal/eventbus"
	"tgblaster/internal/store"
	"tgblaster/internal/transport"
	"tgblaster/pkg/logx"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPair(t *testing.T, st *store.Store, senderID, targetID int64, rec store.BroadcastRecord) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertSender(ctx, store.Sender{ID: senderID, Credential: "tok"}); err != nil {
		t.Fatalf("seed sender: %v", err)
	}
	if err := st.UpsertTarget(ctx, store.Target{SenderID: senderID, TargetID: targetID, Ref: "@room"}); err != nil {
		t.Fatalf("seed target: %v", err)
	}
	rec.SenderID, rec.TargetID = senderID, targetID
	if err := st.UpsertBroadcast(ctx, rec); err != nil {
		t.Fatalf("seed broadcast: %v", err)
	}
}

func fastWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxAttempts:    3,
		RetryDelay:     time.Millisecond,
		FloodMargin:    time.Millisecond,
		SendsPerMinute: 100000,
	}
}

func newTestWorker(t *testing.T, st *store.Store, conn *fakeConn) (*Worker, *fakeDialer, *fakeCanceller) {
	t.Helper()
	dialer := &fakeDialer{conn: conn}
	jobs := &fakeCanceller{}
	w := NewWorker(fastWorkerConfig(), st, dialer, NewResolver(logx.Nop()), jobs, eventbus.New(), logx.Nop())
	return w, dialer, jobs
}

func roomConn() *fakeConn {
	conn := newFakeConn()
	conn.addChat(transport.Chat{ID: -1000000000100, Title: "room", CanPost: true}, "@room")
	return conn
}

func TestDeliverSuccess(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := roomConn()
	w, _, jobs := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(conn.sentTexts) != 1 || conn.sentTexts[0] != "hello" {
		t.Fatalf("sent = %v", conn.sentTexts)
	}
	hist, err := st.History(context.Background(), 7, 10)
	if err != nil || len(hist) != 1 {
		t.Fatalf("history = %v (%v)", hist, err)
	}
	if hist[0].TargetName != "room" {
		t.Fatalf("history target name = %q", hist[0].TargetName)
	}
	if len(jobs.ids) != 0 {
		t.Fatalf("success must not cancel the job: %v", jobs.ids)
	}
}

func TestDeliverUsesCurrentRecordContent(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "edited", IntervalMinutes: 30})
	conn := roomConn()
	w, _, _ := newTestWorker(t, st, conn)

	// Payload carries the content captured at scheduling time; the row has
	// since been edited and the edit must win.
	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "stale"}
	if err := w.Deliver(context.Background(), p); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(conn.sentTexts) != 1 || conn.sentTexts[0] != "edited" {
		t.Fatalf("sent = %v, want the edited text", conn.sentTexts)
	}
}

func TestDeliverRetriesRateLimitThenSucceeds(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := roomConn()
	conn.textErrs = []error{transport.RateLimited(errors.New("flood"), 0), nil}
	w, dialer, _ := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if dialer.dials != 2 {
		t.Fatalf("dials = %d, want one per attempt", dialer.dials)
	}
	if len(conn.sentTexts) != 1 {
		t.Fatalf("sent = %v", conn.sentTexts)
	}
	rec, _ := st.Broadcast(context.Background(), 7, 100)
	if !rec.Active {
		t.Fatal("record should stay active after recovery")
	}
}

func TestDeliverForbiddenIsTerminal(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := roomConn()
	conn.textErrs = []error{transport.Forbidden(errors.New("kicked"))}
	w, dialer, jobs := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	if dialer.dials != 1 {
		t.Fatalf("permission failure must not retry, dials = %d", dialer.dials)
	}
	rec, _ := st.Broadcast(context.Background(), 7, 100)
	if rec.Active || rec.ErrorReason == "" {
		t.Fatalf("record after terminal failure: %+v", rec)
	}
	if len(jobs.ids) != 1 || jobs.ids[0] != "broadcast:7:100" {
		t.Fatalf("cancelled jobs = %v", jobs.ids)
	}
}

func TestDeliverSendTimeNotFoundGetsFreshResolve(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := roomConn()
	conn.textErrs = []error{transport.NotFound(errors.New("group chat was upgraded")), nil}
	w, dialer, jobs := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if dialer.dials != 2 {
		t.Fatalf("dials = %d, want a second attempt after the send-time not-found", dialer.dials)
	}
	if len(conn.sentTexts) != 1 {
		t.Fatalf("sent = %v", conn.sentTexts)
	}
	rec, _ := st.Broadcast(context.Background(), 7, 100)
	if !rec.Active {
		t.Fatalf("record = %+v, want still active", rec)
	}
	if len(jobs.ids) != 0 {
		t.Fatalf("cancelled jobs = %v", jobs.ids)
	}
}

func TestDeliverRepeatedSendTimeNotFoundIsTerminal(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := roomConn()
	conn.textErrs = []error{
		transport.NotFound(errors.New("chat not found")),
		transport.NotFound(errors.New("chat not found")),
	}
	w, dialer, jobs := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	if dialer.dials != 2 {
		t.Fatalf("dials = %d, want exactly one re-resolve", dialer.dials)
	}
	rec, _ := st.Broadcast(context.Background(), 7, 100)
	if rec.Active || rec.ErrorReason != "target not found" {
		t.Fatalf("record = %+v", rec)
	}
	if len(jobs.ids) != 1 || jobs.ids[0] != "broadcast:7:100" {
		t.Fatalf("cancelled jobs = %v", jobs.ids)
	}
}

func TestDeliverUnresolvableTargetIsTerminal(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := newFakeConn() // resolves nothing
	w, dialer, jobs := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	if dialer.dials != 1 {
		t.Fatalf("an exhausted resolver must not retry, dials = %d", dialer.dials)
	}
	rec, _ := st.Broadcast(context.Background(), 7, 100)
	if rec.Active || rec.ErrorReason != "target not found" {
		t.Fatalf("record = %+v", rec)
	}
	if len(jobs.ids) != 1 {
		t.Fatalf("cancelled jobs = %v", jobs.ids)
	}
}

func TestDeliverExhaustsAttemptBudget(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := roomConn()
	conn.textErrs = []error{
		errors.New("net down"), errors.New("net down"), errors.New("net down"),
	}
	w, dialer, jobs := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	if dialer.dials != 3 {
		t.Fatalf("dials = %d, want MaxAttempts", dialer.dials)
	}
	rec, _ := st.Broadcast(context.Background(), 7, 100)
	if rec.Active || !strings.Contains(rec.ErrorReason, "after 3 attempts") {
		t.Fatalf("record = %+v", rec)
	}
	if len(jobs.ids) != 1 {
		t.Fatalf("cancelled jobs = %v", jobs.ids)
	}
}

func TestDeliverPhotoFallsBackToText(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{
		Kind: "broadcast", Text: "caption", PhotoRef: "broken-ref", IntervalMinutes: 30,
	})
	conn := roomConn()
	conn.photoErrs = []error{errors.New("bad photo")}
	w, dialer, _ := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "caption", PhotoRef: "broken-ref"}
	if err := w.Deliver(context.Background(), p); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if dialer.dials != 1 {
		t.Fatalf("fallback must happen within the attempt, dials = %d", dialer.dials)
	}
	if len(conn.sentPhotos) != 0 || len(conn.sentTexts) != 1 {
		t.Fatalf("photos = %v, texts = %v", conn.sentPhotos, conn.sentTexts)
	}
}

func TestDeliverCannotPostIsForbidden(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedPair(t, st, 7, 100, store.BroadcastRecord{Kind: "broadcast", Text: "hello", IntervalMinutes: 30})
	conn := newFakeConn()
	conn.addChat(transport.Chat{ID: -1000000000100, Title: "showcase", CanPost: false}, "@room")
	w, _, jobs := newTestWorker(t, st, conn)

	p := Payload{Kind: KindSolo, SenderID: 7, TargetID: 100, Text: "hello"}
	if err := w.Deliver(context.Background(), p); err == nil {
		t.Fatal("expected error")
	}
	rec, _ := st.Broadcast(context.Background(), 7, 100)
	if rec.Active {
		t.Fatalf("record = %+v", rec)
	}
	if len(jobs.ids) != 1 {
		t.Fatalf("cancelled jobs = %v", jobs.ids)
	}
}

func TestJobID(t *testing.T) {
	t.Parallel()
	if got := JobID(KindSolo, 7, -1000000000100); got != "broadcast:7:100" {
		t.Fatalf("JobID = %q", got)
	}
	if got := JobID(KindAll, 7, 100); got != "broadcastall:7:100" {
		t.Fatalf("JobID = %q", got)
	}
	if got := SenderPrefix(KindAll, 7); got != "broadcastall:7:" {
		t.Fatalf("SenderPrefix = %q", got)
	}
}
