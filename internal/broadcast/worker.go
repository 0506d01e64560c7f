package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"tgblaster/internal/eventbus"
	"tgblaster/internal/store"
	"tgblaster/internal/transport"
	"tgblaster/pkg/logx"
)

// Canceller removes a scheduled job by identity. Satisfied by
// scheduler.Service.
type Canceller interface {
	Cancel(id string) bool
}

// Terminal reasons written to the durable record when a pair is shut down
// by the worker itself.
const (
	reasonForbidden = "no permission to post in target"
	reasonNotFound  = "target not found"
)

type WorkerConfig struct {
	// MaxAttempts bounds transient retries within one delivery tick.
	MaxAttempts int
	// RetryDelay is slept between attempts that failed without a wait hint.
	RetryDelay time.Duration
	// FloodMargin is added on top of platform rate-limit wait hints.
	FloodMargin time.Duration
	// SendsPerMinute caps outbound sends across all jobs of this worker.
	SendsPerMinute int
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.FloodMargin <= 0 {
		c.FloodMargin = 10 * time.Second
	}
	if c.SendsPerMinute <= 0 {
		c.SendsPerMinute = 20
	}
	return c
}

// Payload is the immutable part of a scheduled delivery: who sends to whom,
// plus the content captured at scheduling time. Content is only a fallback;
// every tick re-reads the durable record so operator edits take effect
// without rescheduling.
type Payload struct {
	Kind     Kind
	SenderID int64
	TargetID int64
	Text     string
	PhotoRef string
}

// Worker executes one delivery tick per scheduled job run: dial, resolve,
// send, record. It owns the retry loop and the terminal-failure policy
// (cancel the job, then deactivate the record, in that order).
type Worker struct {
	cfg      WorkerConfig
	store    *store.Store
	dialer   transport.Dialer
	resolver *Resolver
	jobs     Canceller
	bus      eventbus.Bus
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewWorker(cfg WorkerConfig, st *store.Store, dialer transport.Dialer, resolver *Resolver, jobs Canceller, bus eventbus.Bus, log logx.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:      cfg,
		store:    st,
		dialer:   dialer,
		resolver: resolver,
		jobs:     jobs,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.SendsPerMinute)/60.0), 1),
		log:      log.With(logx.String("comp", "worker")),
	}
}

// Job adapts a payload into the scheduler's run function.
func (w *Worker) Job(p Payload) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return w.Deliver(ctx, p)
	}
}

type sendResult struct {
	chat transport.Chat
	text string
}

// resolutionError marks a not-found produced by the resolver itself,
// whose variant ladder is already exhausted.
type resolutionError struct{ err error }

func (e *resolutionError) Error() string { return e.err.Error() }
func (e *resolutionError) Unwrap() error { return e.err }

// Deliver runs the full attempt loop for one tick. Transient failures
// (rate limits, flaky network) retry up to MaxAttempts; permission
// failures, not-found failures that survive a fresh resolve, or an
// exhausted budget deactivate the pair durably and remove its job so the
// failure does not repeat every interval.
func (w *Worker) Deliver(ctx context.Context, p Payload) error {
	log := w.log.With(
		logx.String("kind", string(p.Kind)),
		logx.Int64("sender", p.SenderID),
		logx.Int64("target", p.TargetID),
	)

	sender, err := w.store.Sender(ctx, p.SenderID)
	if err != nil {
		return w.fail(ctx, p, log, "sender credential missing", err)
	}
	ref := strconv.FormatInt(p.TargetID, 10)
	if t, err := w.store.Target(ctx, p.SenderID, p.TargetID); err == nil && t.Ref != "" {
		ref = t.Ref
	}

	var lastErr error
	notFoundRetried := false
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		res, err := w.attempt(ctx, sender.Credential, p, ref, log)
		if err == nil {
			return w.settle(ctx, p, res, log)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		switch transport.Classify(err) {
		case transport.KindForbidden:
			return w.fail(ctx, p, log, reasonForbidden, err)
		case transport.KindNotFound:
			// A not-found from the resolver has already walked every
			// addressing variant. One raised by the send itself (the
			// chat migrated or vanished mid-delivery) gets a single
			// fresh resolve on the next attempt before going terminal.
			var rerr *resolutionError
			if errors.As(err, &rerr) || notFoundRetried {
				return w.fail(ctx, p, log, reasonNotFound, err)
			}
			notFoundRetried = true
			log.Warn("target gone at send time, re-resolving",
				logx.Int("attempt", attempt), logx.Err(err))
			if !sleepCtx(ctx, w.cfg.RetryDelay) {
				return ctx.Err()
			}
		case transport.KindRateLimited:
			wait := transport.WaitHint(err) + w.cfg.FloodMargin
			log.Warn("rate limited, backing off",
				logx.Int("attempt", attempt), logx.Duration("wait", wait), logx.Err(err))
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
		default:
			log.Warn("delivery attempt failed",
				logx.Int("attempt", attempt), logx.Err(err))
			if !sleepCtx(ctx, w.cfg.RetryDelay) {
				return ctx.Err()
			}
		}
	}
	reason := fmt.Sprintf("delivery failed after %d attempts", w.cfg.MaxAttempts)
	return w.fail(ctx, p, log, reason, lastErr)
}

// attempt performs one dial-resolve-send cycle. A photo failure that is not
// a rate limit falls back to text within the same attempt, so a broken
// photo reference degrades the broadcast instead of killing it.
func (w *Worker) attempt(ctx context.Context, credential string, p Payload, ref string, log logx.Logger) (sendResult, error) {
	conn, err := w.dialer.Dial(ctx, credential)
	if err != nil {
		return sendResult{}, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	chat, err := w.resolver.Resolve(ctx, conn, ref)
	if err != nil {
		return sendResult{}, &resolutionError{err}
	}
	if !chat.CanPost {
		return sendResult{}, transport.Forbidden(fmt.Errorf("cannot post to %q", chat.Title))
	}

	// Read the current content; scheduling-time content is only a fallback
	// for records deleted mid-flight.
	text, photo := p.Text, p.PhotoRef
	if rec, err := w.store.Broadcast(ctx, p.SenderID, p.TargetID); err == nil && (rec.Text != "" || rec.PhotoRef != "") {
		text, photo = rec.Text, rec.PhotoRef
	}
	if text == "" && photo == "" {
		return sendResult{}, errors.New("broadcast has no content")
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return sendResult{}, err
	}

	if photo != "" {
		err := conn.SendPhoto(ctx, chat, photo, text)
		if err == nil {
			return sendResult{chat: chat, text: text}, nil
		}
		if transport.Classify(err) == transport.KindRateLimited || text == "" {
			return sendResult{}, err
		}
		log.Warn("photo send failed, falling back to text", logx.Err(err))
	}
	if err := conn.SendText(ctx, chat, text); err != nil {
		return sendResult{}, err
	}
	return sendResult{chat: chat, text: text}, nil
}

// settle records a successful delivery: history row, cleared error reason,
// sent event. Bookkeeping failures are logged, not propagated, because the
// message is already out.
func (w *Worker) settle(ctx context.Context, p Payload, res sendResult, log logx.Logger) error {
	if err := w.store.AppendHistory(ctx, store.HistoryEntry{
		SenderID:   p.SenderID,
		TargetID:   p.TargetID,
		TargetName: res.chat.Title,
		SentAt:     time.Now().UTC(),
		Text:       res.text,
	}); err != nil {
		log.Error("record history", logx.Err(err))
	}
	if err := w.store.ClearError(ctx, p.SenderID, p.TargetID); err != nil {
		log.Error("clear error reason", logx.Err(err))
	}
	w.bus.Publish(eventbus.Event{Type: EventDeliverySent, Data: DeliveryEvent{
		Kind: p.Kind, SenderID: p.SenderID, TargetID: p.TargetID, Target: res.chat.Title,
	}})
	log.Info("broadcast delivered", logx.String("target_name", res.chat.Title))
	return nil
}

// fail shuts the pair down terminally: the job is removed first so no
// further tick can fire, then the record is deactivated with the reason.
func (w *Worker) fail(ctx context.Context, p Payload, log logx.Logger, reason string, cause error) error {
	w.jobs.Cancel(JobID(p.Kind, p.SenderID, p.TargetID))
	if err := w.store.Deactivate(ctx, p.SenderID, p.TargetID, reason); err != nil {
		log.Error("deactivate record", logx.Err(err))
	}
	w.bus.Publish(eventbus.Event{Type: EventDeliveryFailed, Data: DeliveryEvent{
		Kind: p.Kind, SenderID: p.SenderID, TargetID: p.TargetID, Reason: reason,
	}})
	log.Error("broadcast stopped", logx.String("reason", reason), logx.Err(cause))
	if cause != nil {
		return fmt.Errorf("%s: %w", reason, cause)
	}
	return errors.New(reason)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
