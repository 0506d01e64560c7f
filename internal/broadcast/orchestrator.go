package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tgblaster/internal/scheduler"
	"tgblaster/internal/store"
	"tgblaster/internal/transport"
	"tgblaster/pkg/logx"
)

const reasonStopped = "stopped by operator"

// Intent is a validated broadcast configuration, usually produced by the
// setup wizard. Intervals are whole minutes; IntervalMax of zero means a
// fixed interval.
type Intent struct {
	Text        string
	PhotoRef    string
	IntervalMin int
	IntervalMax int
}

func (i Intent) validate() error {
	if i.IntervalMin <= 0 {
		return errors.New("interval must be at least one minute")
	}
	if i.IntervalMax != 0 && i.IntervalMax < i.IntervalMin {
		return errors.New("maximum interval is below the minimum")
	}
	if i.Text == "" && i.PhotoRef == "" {
		return errors.New("broadcast needs text or a photo")
	}
	return nil
}

func (i Intent) trigger() scheduler.Trigger {
	min := time.Duration(i.IntervalMin) * time.Minute
	if i.IntervalMax > i.IntervalMin {
		return scheduler.Jittered(min, time.Duration(i.IntervalMax)*time.Minute)
	}
	return scheduler.FixedEvery(min)
}

func (i Intent) describe() string {
	if i.IntervalMax > i.IntervalMin {
		return fmt.Sprintf("every %d-%d min", i.IntervalMin, i.IntervalMax)
	}
	return fmt.Sprintf("every %d min", i.IntervalMin)
}

func intentFromRecord(rec store.BroadcastRecord) Intent {
	return Intent{
		Text:        rec.Text,
		PhotoRef:    rec.PhotoRef,
		IntervalMin: rec.IntervalMinutes,
		IntervalMax: rec.IntervalMaxMinutes,
	}
}

type Status int

const (
	// StatusOK: the operation changed or confirmed the desired state.
	StatusOK Status = iota
	// StatusNoop: nothing to do; Message explains why.
	StatusNoop
	// StatusError: the operation failed and state may be unchanged.
	StatusError
)

// Outcome is what an operator sees after invoking an operation.
type Outcome struct {
	Status  Status
	Message string
}

func okf(format string, args ...any) Outcome {
	return Outcome{Status: StatusOK, Message: fmt.Sprintf(format, args...)}
}

func noopf(format string, args ...any) Outcome {
	return Outcome{Status: StatusNoop, Message: fmt.Sprintf(format, args...)}
}

func failf(format string, args ...any) Outcome {
	return Outcome{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

type Config struct {
	// WarmupDelay is the fixed delay before a newly scheduled job's first
	// run, long enough for the record write to settle and the operator to
	// see confirmation before the first send.
	WarmupDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.WarmupDelay <= 0 {
		c.WarmupDelay = 10 * time.Second
	}
	return c
}

// Orchestrator owns the lifecycle operations: it is the only writer of
// broadcast records and the only component that registers jobs, so the
// durable active flag and the live job set move together.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	sched    *scheduler.Service
	worker   *Worker
	dialer   transport.Dialer
	resolver *Resolver
	log      logx.Logger
}

func NewOrchestrator(cfg Config, st *store.Store, sched *scheduler.Service, worker *Worker, dialer transport.Dialer, resolver *Resolver, log logx.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    st,
		sched:    sched,
		worker:   worker,
		dialer:   dialer,
		resolver: resolver,
		log:      log.With(logx.String("comp", "orchestrator")),
	}
}

// CancelJob removes the pair's job of one kind without touching the
// durable record. Used when the pair itself is being deleted.
func (o *Orchestrator) CancelJob(kind Kind, senderID, targetID int64) bool {
	return o.sched.Cancel(JobID(kind, senderID, targetID))
}

// CancelSenderJobs removes every job of one kind for a sender.
func (o *Orchestrator) CancelSenderJobs(kind Kind, senderID int64) int {
	return o.sched.CancelPrefix(SenderPrefix(kind, senderID))
}

// ScheduleOne configures and starts a recurring broadcast for one pair.
// The record is written first; the job's warmup delay keeps the first tick
// from racing that write. Rescheduling an existing pair replaces both the
// record and the job.
func (o *Orchestrator) ScheduleOne(ctx context.Context, senderID, targetID int64, intent Intent) Outcome {
	if err := intent.validate(); err != nil {
		return failf("invalid configuration: %v", err)
	}
	rec := store.BroadcastRecord{
		SenderID:           senderID,
		TargetID:           targetID,
		Kind:               string(KindSolo),
		Text:               intent.Text,
		IntervalMinutes:    intent.IntervalMin,
		IntervalMaxMinutes: intent.IntervalMax,
		PhotoRef:           intent.PhotoRef,
	}
	if err := o.store.UpsertBroadcast(ctx, rec); err != nil {
		return failf("save broadcast: %v", err)
	}
	id := JobID(KindSolo, senderID, targetID)
	p := Payload{Kind: KindSolo, SenderID: senderID, TargetID: targetID, Text: intent.Text, PhotoRef: intent.PhotoRef}
	if err := o.sched.Schedule(id, intent.trigger(), o.cfg.WarmupDelay, o.worker.Job(p)); err != nil {
		return failf("schedule job: %v", err)
	}
	o.sched.Start(nil)
	o.log.Info("broadcast scheduled",
		logx.Int64("sender", senderID), logx.Int64("target", targetID), logx.String("cadence", intent.describe()))
	return okf("broadcast scheduled %s, first send in about %s", intent.describe(), o.cfg.WarmupDelay)
}

// Resume restarts a previously stopped pair from its stored configuration.
// It refuses when the job is already live or the record never finished
// configuration, so resume cannot duplicate or invent a broadcast.
func (o *Orchestrator) Resume(ctx context.Context, senderID, targetID int64) Outcome {
	rec, err := o.store.Broadcast(ctx, senderID, targetID)
	if errors.Is(err, store.ErrNotFound) {
		return noopf("broadcast is not configured")
	}
	if err != nil {
		return failf("load broadcast: %v", err)
	}
	if !rec.Configured() {
		return noopf("broadcast is not configured")
	}
	kind := Kind(rec.Kind)
	if kind == "" {
		kind = KindSolo
	}
	id := JobID(kind, senderID, targetID)
	if o.sched.Exists(id) {
		return noopf("broadcast is already active")
	}

	intent := intentFromRecord(rec)
	p := Payload{Kind: kind, SenderID: senderID, TargetID: targetID, Text: rec.Text, PhotoRef: rec.PhotoRef}
	if err := o.sched.Schedule(id, intent.trigger(), o.cfg.WarmupDelay, o.worker.Job(p)); err != nil {
		return failf("schedule job: %v", err)
	}
	if err := o.store.Activate(ctx, senderID, targetID); err != nil {
		// Keep scheduler and store consistent: no durable flag, no job.
		o.sched.Cancel(id)
		return failf("activate broadcast: %v", err)
	}
	o.sched.Start(nil)
	o.log.Info("broadcast resumed", logx.Int64("sender", senderID), logx.Int64("target", targetID))
	return okf("broadcast resumed %s", intent.describe())
}

// StopOne cancels the pair's job under every known kind and deactivates the
// record. Stopping an already-stopped pair converges on the same end state
// without error.
func (o *Orchestrator) StopOne(ctx context.Context, senderID, targetID int64) Outcome {
	removed := false
	for _, k := range Kinds {
		if o.sched.Cancel(JobID(k, senderID, targetID)) {
			removed = true
		}
	}
	if err := o.store.Deactivate(ctx, senderID, targetID, reasonStopped); err != nil {
		return failf("deactivate broadcast: %v", err)
	}
	o.log.Info("broadcast stopped",
		logx.Int64("sender", senderID), logx.Int64("target", targetID), logx.Bool("was_running", removed))
	if !removed {
		return okf("broadcast was not running; it stays stopped")
	}
	return okf("broadcast stopped")
}

// ScheduleBatch sets up one shared-cadence broadcast across all of a
// sender's targets. Targets that cannot be resolved or do not allow posting
// are skipped, the batch proceeds with the rest, and first runs are
// staggered so the batch never bursts.
func (o *Orchestrator) ScheduleBatch(ctx context.Context, senderID int64, intent Intent) Outcome {
	if err := intent.validate(); err != nil {
		return failf("invalid configuration: %v", err)
	}
	sender, err := o.store.Sender(ctx, senderID)
	if err != nil {
		return failf("load sender: %v", err)
	}
	targets, err := o.store.Targets(ctx, senderID)
	if err != nil {
		return failf("load targets: %v", err)
	}
	if len(targets) == 0 {
		return noopf("sender has no targets")
	}

	conn, err := o.dialer.Dial(ctx, sender.Credential)
	if err != nil {
		return failf("connect sender: %v", err)
	}
	defer conn.Close()

	var eligible []store.Target
	var skipped []string
	for _, t := range targets {
		chat, err := o.resolver.Resolve(ctx, conn, t.Ref)
		if err != nil {
			skipped = append(skipped, fmt.Sprintf("%s (unresolvable)", t.Ref))
			continue
		}
		if !chat.CanPost {
			skipped = append(skipped, fmt.Sprintf("%s (posting not allowed)", t.Ref))
			continue
		}
		eligible = append(eligible, t)
	}
	if len(eligible) == 0 {
		return noopf("no eligible targets: %s", strings.Join(skipped, ", "))
	}

	// Replace the whole batch atomically with respect to identities: every
	// previous batch job for this sender goes away before the new set lands.
	o.sched.CancelPrefix(SenderPrefix(KindAll, senderID))

	trig := intent.trigger()
	offsets := scheduler.StaggerOffsets(len(eligible), trig)
	scheduled := 0
	for k, t := range eligible {
		rec := store.BroadcastRecord{
			SenderID:           senderID,
			TargetID:           t.TargetID,
			Kind:               string(KindAll),
			Text:               intent.Text,
			IntervalMinutes:    intent.IntervalMin,
			IntervalMaxMinutes: intent.IntervalMax,
			PhotoRef:           intent.PhotoRef,
		}
		if err := o.store.UpsertBroadcast(ctx, rec); err != nil {
			skipped = append(skipped, fmt.Sprintf("%s (save failed: %v)", t.Ref, err))
			continue
		}
		p := Payload{Kind: KindAll, SenderID: senderID, TargetID: t.TargetID, Text: intent.Text, PhotoRef: intent.PhotoRef}
		id := JobID(KindAll, senderID, t.TargetID)
		if err := o.sched.Schedule(id, trig, o.cfg.WarmupDelay+offsets[k], o.worker.Job(p)); err != nil {
			skipped = append(skipped, fmt.Sprintf("%s (schedule failed: %v)", t.Ref, err))
			continue
		}
		scheduled++
	}
	if scheduled == 0 {
		return failf("no targets could be scheduled: %s", strings.Join(skipped, ", "))
	}
	o.sched.Start(nil)
	o.log.Info("batch broadcast scheduled",
		logx.Int64("sender", senderID), logx.Int("targets", scheduled), logx.Int("skipped", len(skipped)))
	msg := fmt.Sprintf("broadcasting %s to %d targets", intent.describe(), scheduled)
	if len(skipped) > 0 {
		msg += "; skipped " + strings.Join(skipped, ", ")
	}
	return okf("%s", msg)
}

// StopAll stops every active broadcast of one sender. Failures on
// individual pairs are collected and the sweep continues; one broken row
// never leaves the rest running.
func (o *Orchestrator) StopAll(ctx context.Context, senderID int64) Outcome {
	recs, err := o.store.ActiveBroadcasts(ctx, senderID)
	if err != nil {
		return failf("load broadcasts: %v", err)
	}

	// Sweep the scheduler by prefix as well, catching any job whose record
	// was already flipped inactive.
	for _, k := range Kinds {
		o.sched.CancelPrefix(SenderPrefix(k, senderID))
	}

	stopped := 0
	var failures []string
	for _, rec := range recs {
		if err := o.store.Deactivate(ctx, rec.SenderID, rec.TargetID, reasonStopped); err != nil {
			failures = append(failures, fmt.Sprintf("target %d: %v", rec.TargetID, err))
			continue
		}
		stopped++
	}
	o.log.Info("all broadcasts stopped",
		logx.Int64("sender", senderID), logx.Int("stopped", stopped), logx.Int("failed", len(failures)))
	if stopped == 0 && len(failures) == 0 {
		return noopf("no active broadcasts")
	}
	if len(failures) > 0 {
		return failf("stopped %d broadcasts, %d failed: %s", stopped, len(failures), strings.Join(failures, "; "))
	}
	return okf("stopped %d broadcasts", stopped)
}

// Restore rebuilds the scheduled-job set from durable state at startup:
// every active, configured record gets its job back under the kind it was
// created with. Records left active by a crash but no longer configured
// are deactivated rather than skipped silently.
func (o *Orchestrator) Restore(ctx context.Context) error {
	recs, err := o.store.AllActive(ctx)
	if err != nil {
		return fmt.Errorf("load active broadcasts: %w", err)
	}
	restored := 0
	for i, rec := range recs {
		if !rec.Configured() {
			o.log.Warn("active record is not configured, deactivating",
				logx.Int64("sender", rec.SenderID), logx.Int64("target", rec.TargetID))
			if err := o.store.Deactivate(ctx, rec.SenderID, rec.TargetID, "configuration incomplete"); err != nil {
				o.log.Error("deactivate record", logx.Err(err))
			}
			continue
		}
		kind := Kind(rec.Kind)
		if kind == "" {
			kind = KindSolo
		}
		intent := intentFromRecord(rec)
		p := Payload{Kind: kind, SenderID: rec.SenderID, TargetID: rec.TargetID, Text: rec.Text, PhotoRef: rec.PhotoRef}
		// Spread first runs so a restart does not fire every job at once.
		first := o.cfg.WarmupDelay + time.Duration(i)*time.Second
		if err := o.sched.Schedule(JobID(kind, rec.SenderID, rec.TargetID), intent.trigger(), first, o.worker.Job(p)); err != nil {
			o.log.Error("restore job",
				logx.Int64("sender", rec.SenderID), logx.Int64("target", rec.TargetID), logx.Err(err))
			continue
		}
		restored++
	}
	if restored > 0 {
		o.sched.Start(nil)
	}
	o.log.Info("broadcasts restored", logx.Int("count", restored), logx.Int("records", len(recs)))
	return nil
}
