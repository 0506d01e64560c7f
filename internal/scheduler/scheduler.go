// Package scheduler maintains the set of currently scheduled recurring jobs,
// keyed by a stable identity string.
//
// Adding a job whose identity already exists replaces the previous
// definition atomically: the old cron entry is removed and the new one added
// under one lock, so old and new definitions never interleave firings.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgblaster/pkg/logx"
)

// minFirstDelay keeps a freshly scheduled job from racing the store write
// that precedes it.
const minFirstDelay = time.Second

type Job func(ctx context.Context) error

type runState struct {
	mu      sync.Mutex
	running bool
}

type entry struct {
	cronID cron.EntryID
	state  *runState
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	c       *cron.Cron
	jobs    map[string]*entry
	running bool

	runCtx context.Context
}

func New(log logx.Logger) *Service {
	return &Service{
		log:    log,
		c:      cron.New(),
		jobs:   map[string]*entry{},
		runCtx: context.Background(),
	}
}

// Start begins firing triggers. Starting an already-running scheduler is a
// no-op. A nil ctx keeps the current run context, so callers that only need
// to ensure the scheduler is running can pass nil.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	if ctx != nil {
		s.runCtx = ctx
	}
	s.c.Start()
	s.log.Info("scheduler started")
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stop := s.c.Stop()
	s.mu.Unlock()

	select {
	case <-stop.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedule registers or replaces the job with the given identity.
//
// firstDelay staggers the first firing; subsequent firings follow the
// trigger. A firing that arrives while the previous run of the same
// identity is still in flight is skipped, so attempts for one identity
// never overlap.
func (s *Service) Schedule(id string, trig Trigger, firstDelay time.Duration, run Job) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("job id required")
	}
	if trig.Min <= 0 {
		return fmt.Errorf("job %s: trigger interval must be positive", id)
	}
	if firstDelay < minFirstDelay {
		firstDelay = minFirstDelay
	}

	st := &runState{}
	wrapped := s.wrap(id, st, run)
	sched := &firstRunSchedule{
		base:  trig.schedule(),
		first: time.Now().Add(firstDelay),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[id]; ok {
		s.c.Remove(prev.cronID)
	}
	cronID := s.c.Schedule(sched, cron.FuncJob(wrapped))
	s.jobs[id] = &entry{cronID: cronID, state: st}
	s.log.Debug("job scheduled",
		logx.String("job", id),
		logx.Duration("first_in", firstDelay),
		logx.Duration("min", trig.Min),
		logx.Duration("max", trig.Max))
	return nil
}

// Cancel removes a job if present. Removing an absent identity is a no-op,
// not an error. Cancellation only prevents future firings; an attempt
// already in flight finishes on its own.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.c.Remove(e.cronID)
	delete(s.jobs, id)
	s.log.Debug("job cancelled", logx.String("job", id))
	return true
}

// CancelPrefix removes every job whose identity starts with prefix and
// returns how many were removed.
func (s *Service) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.jobs {
		if strings.HasPrefix(id, prefix) {
			s.c.Remove(e.cronID)
			delete(s.jobs, id)
			n++
		}
	}
	if n > 0 {
		s.log.Debug("jobs cancelled by prefix", logx.String("prefix", prefix), logx.Int("count", n))
	}
	return n
}

func (s *Service) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

// Jobs returns the scheduled identities, sorted.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Service) wrap(id string, st *runState, run Job) func() {
	return func() {
		st.mu.Lock()
		if st.running {
			st.mu.Unlock()
			s.log.Debug("firing skipped, previous run still in flight", logx.String("job", id))
			return
		}
		st.running = true
		st.mu.Unlock()

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked",
					logx.String("job", id),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
			st.mu.Lock()
			st.running = false
			st.mu.Unlock()
		}()

		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()

		start := time.Now()
		if err := run(ctx); err != nil {
			s.log.Warn("job failed", logx.String("job", id), logx.Duration("dur", time.Since(start)), logx.Err(err))
		} else {
			s.log.Debug("job ok", logx.String("job", id), logx.Duration("dur", time.Since(start)))
		}
	}
}
