package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger describes the recurring cadence of a job.
//
// Max == 0 means a fixed interval of Min. Otherwise firing gaps are drawn
// uniformly from [Min, Max]: the underlying schedule uses the midpoint as
// base and half the range width as jitter.
type Trigger struct {
	Min time.Duration
	Max time.Duration
}

func FixedEvery(d time.Duration) Trigger { return Trigger{Min: d} }

func Jittered(min, max time.Duration) Trigger {
	if max < min {
		min, max = max, min
	}
	return Trigger{Min: min, Max: max}
}

func (t Trigger) jittered() bool { return t.Max > t.Min }

// Base returns the midpoint interval for jittered triggers, or the fixed
// interval otherwise.
func (t Trigger) Base() time.Duration {
	if t.jittered() {
		return (t.Min + t.Max) / 2
	}
	return t.Min
}

func (t Trigger) schedule() cron.Schedule {
	if !t.jittered() {
		return cron.Every(t.Min)
	}
	return &jitterSchedule{
		base:   t.Base(),
		jitter: (t.Max - t.Min) / 2,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// jitterSchedule fires base±jitter after the previous activation, producing
// gaps uniformly distributed across [base-jitter, base+jitter].
type jitterSchedule struct {
	base   time.Duration
	jitter time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func (s *jitterSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	off := time.Duration(s.rng.Int63n(int64(2*s.jitter) + 1))
	s.mu.Unlock()
	return t.Add(s.base - s.jitter + off)
}

// firstRunSchedule wraps a base schedule and overrides the first run time.
// After the first run, it delegates to the base schedule.
type firstRunSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *firstRunSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// StaggerOffsets computes first-run offsets for a batch of n jobs sharing
// one trigger, spreading the batch's sends instead of bursting them: the
// k-th job starts at k*per where per is (Max-Min)/n for jittered triggers
// and Min for fixed ones.
func StaggerOffsets(n int, trig Trigger) []time.Duration {
	if n <= 0 {
		return nil
	}
	per := trig.Min
	if trig.jittered() {
		per = (trig.Max - trig.Min) / time.Duration(n)
	}
	out := make([]time.Duration, n)
	for k := range out {
		out[k] = time.Duration(k) * per
	}
	return out
}
