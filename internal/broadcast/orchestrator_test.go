package broadcast

import (
	"context"
	"strings"
	"testing"
	"time"

	"tgblaster/internal/eventbus"
	"tgblaster/internal/scheduler"
	"tgblaster/internal/store"
	"tgblaster/internal/transport"
	"tgblaster/pkg/logx"
)

func newTestOrchestrator(t *testing.T, st *store.Store, conn *fakeConn) (*Orchestrator, *scheduler.Service) {
	t.Helper()
	sched := scheduler.New(logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sched.Stop(ctx)
	})
	dialer := &fakeDialer{conn: conn}
	resolver := NewResolver(logx.Nop())
	w := NewWorker(fastWorkerConfig(), st, dialer, resolver, sched, eventbus.New(), logx.Nop())
	o := NewOrchestrator(Config{WarmupDelay: time.Hour}, st, sched, w, dialer, resolver, logx.Nop())
	return o, sched
}

func seedSenderTarget(t *testing.T, st *store.Store, senderID, targetID int64, ref string) {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertSender(ctx, store.Sender{ID: senderID, Credential: "tok"}); err != nil {
		t.Fatalf("seed sender: %v", err)
	}
	if err := st.UpsertTarget(ctx, store.Target{SenderID: senderID, TargetID: targetID, Ref: ref}); err != nil {
		t.Fatalf("seed target: %v", err)
	}
}

func TestScheduleOne(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	o, sched := newTestOrchestrator(t, st, roomConn())

	out := o.ScheduleOne(context.Background(), 7, 100, Intent{Text: "hi", IntervalMin: 25, IntervalMax: 35})
	if out.Status != StatusOK {
		t.Fatalf("outcome = %+v", out)
	}
	if !sched.Exists("broadcast:7:100") {
		t.Fatal("job not registered")
	}
	rec, err := st.Broadcast(context.Background(), 7, 100)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !rec.Active || rec.IntervalMinutes != 25 || rec.IntervalMaxMinutes != 35 || rec.Kind != "broadcast" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestScheduleOneRejectsInvalidIntent(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	o, sched := newTestOrchestrator(t, st, roomConn())

	cases := []struct {
		name   string
		intent Intent
	}{
		{"no interval", Intent{Text: "hi"}},
		{"no content", Intent{IntervalMin: 5}},
		{"max below min", Intent{Text: "hi", IntervalMin: 30, IntervalMax: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if out := o.ScheduleOne(context.Background(), 7, 100, tc.intent); out.Status != StatusError {
				t.Fatalf("outcome = %+v", out)
			}
		})
	}
	if len(sched.Jobs()) != 0 {
		t.Fatalf("jobs = %v", sched.Jobs())
	}
}

func TestStopOneIsIdempotent(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	o, sched := newTestOrchestrator(t, st, roomConn())
	ctx := context.Background()

	o.ScheduleOne(ctx, 7, 100, Intent{Text: "hi", IntervalMin: 30})

	first := o.StopOne(ctx, 7, 100)
	if first.Status != StatusOK {
		t.Fatalf("first stop = %+v", first)
	}
	if sched.Exists("broadcast:7:100") {
		t.Fatal("job survived stop")
	}
	rec, _ := st.Broadcast(ctx, 7, 100)
	if rec.Active || rec.ErrorReason != "stopped by operator" {
		t.Fatalf("record = %+v", rec)
	}

	second := o.StopOne(ctx, 7, 100)
	if second.Status != StatusOK {
		t.Fatalf("second stop = %+v", second)
	}
	recAgain, _ := st.Broadcast(ctx, 7, 100)
	if recAgain.Active != rec.Active || recAgain.ErrorReason != rec.ErrorReason {
		t.Fatalf("stop is not idempotent: %+v vs %+v", rec, recAgain)
	}
}

func TestResumeAfterStop(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	o, sched := newTestOrchestrator(t, st, roomConn())
	ctx := context.Background()

	o.ScheduleOne(ctx, 7, 100, Intent{Text: "hi", IntervalMin: 25, IntervalMax: 35})
	o.StopOne(ctx, 7, 100)

	out := o.Resume(ctx, 7, 100)
	if out.Status != StatusOK {
		t.Fatalf("resume = %+v", out)
	}
	// The stored jitter range survives the stop/resume round trip.
	if !strings.Contains(out.Message, "25-35") {
		t.Fatalf("resume message = %q", out.Message)
	}
	if !sched.Exists("broadcast:7:100") {
		t.Fatal("job not re-registered")
	}
	rec, _ := st.Broadcast(ctx, 7, 100)
	if !rec.Active || rec.ErrorReason != "" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestResumeRefusesWhenAlreadyActive(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	o, _ := newTestOrchestrator(t, st, roomConn())
	ctx := context.Background()

	o.ScheduleOne(ctx, 7, 100, Intent{Text: "hi", IntervalMin: 30})
	out := o.Resume(ctx, 7, 100)
	if out.Status != StatusNoop || !strings.Contains(out.Message, "already active") {
		t.Fatalf("resume = %+v", out)
	}
}

func TestResumeRefusesUnconfigured(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	o, _ := newTestOrchestrator(t, st, roomConn())

	out := o.Resume(context.Background(), 7, 100)
	if out.Status != StatusNoop || !strings.Contains(out.Message, "not configured") {
		t.Fatalf("resume = %+v", out)
	}
}

func TestScheduleBatchSkipsIneligible(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	seedSenderTarget(t, st, 7, 200, "@showcase")
	seedSenderTarget(t, st, 7, 300, "@gone")

	conn := newFakeConn()
	conn.addChat(transport.Chat{ID: -1000000000100, Title: "room", CanPost: true}, "@room")
	conn.addChat(transport.Chat{ID: -1000000000200, Title: "showcase", CanPost: false}, "@showcase")
	o, sched := newTestOrchestrator(t, st, conn)

	out := o.ScheduleBatch(context.Background(), 7, Intent{Text: "hi", IntervalMin: 25, IntervalMax: 35})
	if out.Status != StatusOK {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Message, "1 targets") {
		t.Fatalf("message = %q", out.Message)
	}
	if !sched.Exists("broadcastall:7:100") {
		t.Fatal("eligible target has no job")
	}
	if sched.Exists("broadcastall:7:200") || sched.Exists("broadcastall:7:300") {
		t.Fatalf("ineligible targets were scheduled: %v", sched.Jobs())
	}
	rec, err := st.Broadcast(context.Background(), 7, 100)
	if err != nil || rec.Kind != "broadcastall" {
		t.Fatalf("record = %+v (%v)", rec, err)
	}
}

func TestScheduleBatchReplacesPreviousBatch(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	o, sched := newTestOrchestrator(t, st, roomConn())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if out := o.ScheduleBatch(ctx, 7, Intent{Text: "hi", IntervalMin: 30}); out.Status != StatusOK {
			t.Fatalf("batch #%d: %+v", i, out)
		}
	}
	jobs := sched.Jobs()
	if len(jobs) != 1 || jobs[0] != "broadcastall:7:100" {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	seedSenderTarget(t, st, 7, 100, "@room")
	seedSenderTarget(t, st, 7, 200, "@other")
	conn := roomConn()
	conn.addChat(transport.Chat{ID: -1000000000200, Title: "other", CanPost: true}, "@other")
	o, sched := newTestOrchestrator(t, st, conn)
	ctx := context.Background()

	o.ScheduleBatch(ctx, 7, Intent{Text: "hi", IntervalMin: 30})
	o.ScheduleOne(ctx, 7, 100, Intent{Text: "solo", IntervalMin: 15})

	out := o.StopAll(ctx, 7)
	if out.Status != StatusOK {
		t.Fatalf("stop all = %+v", out)
	}
	if jobs := sched.Jobs(); len(jobs) != 0 {
		t.Fatalf("jobs left: %v", jobs)
	}
	recs, _ := st.ActiveBroadcasts(ctx, 7)
	if len(recs) != 0 {
		t.Fatalf("active records left: %+v", recs)
	}

	if again := o.StopAll(ctx, 7); again.Status != StatusNoop {
		t.Fatalf("second stop all = %+v", again)
	}
}

func TestRestoreRebuildsJobsFromDurableState(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	ctx := context.Background()
	seedSenderTarget(t, st, 7, 100, "@room")
	seedSenderTarget(t, st, 7, 200, "@other")
	seedSenderTarget(t, st, 8, 300, "@third")

	mustUpsert := func(rec store.BroadcastRecord) {
		t.Helper()
		if err := st.UpsertBroadcast(ctx, rec); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	mustUpsert(store.BroadcastRecord{SenderID: 7, TargetID: 100, Kind: "broadcast", Text: "a", IntervalMinutes: 30})
	mustUpsert(store.BroadcastRecord{SenderID: 7, TargetID: 200, Kind: "broadcastall", Text: "b", IntervalMinutes: 25, IntervalMaxMinutes: 35})
	// Crash artifact: active but never finished configuration.
	mustUpsert(store.BroadcastRecord{SenderID: 8, TargetID: 300, Kind: "broadcast"})
	if err := st.Deactivate(ctx, 7, 100, "stopped by operator"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := st.Activate(ctx, 7, 100); err != nil {
		t.Fatalf("activate: %v", err)
	}

	o, sched := newTestOrchestrator(t, st, roomConn())
	if err := o.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	if !sched.Exists("broadcast:7:100") || !sched.Exists("broadcastall:7:200") {
		t.Fatalf("jobs = %v", sched.Jobs())
	}
	if sched.Exists("broadcast:8:300") {
		t.Fatal("unconfigured record must not be restored")
	}
	rec, _ := st.Broadcast(ctx, 8, 300)
	if rec.Active {
		t.Fatalf("unconfigured record should be deactivated: %+v", rec)
	}
}
