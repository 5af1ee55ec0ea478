package scheduler

import (
	"context"
	"fmt"
	"time"

	"corthex/internal/logger"
)

var log = logger.Named("scheduler")

// AlignedScheduler runs a task on wall-clock boundaries of Interval, shifted
// by Offset. A 6h interval fires at 00:00, 06:00, 12:00 and 18:00 UTC.
type AlignedScheduler struct {
	Name           string
	Interval       time.Duration
	Offset         time.Duration
	RunImmediately bool

	nowFn func() time.Time
}

func NewAlignedScheduler(name string, interval, offset time.Duration) *AlignedScheduler {
	return &AlignedScheduler{
		Name:     name,
		Interval: interval,
		Offset:   offset,
		nowFn:    time.Now,
	}
}

// Run blocks until ctx is done. Tasks run sequentially; a slow task delays
// the next boundary rather than overlapping it.
func (s *AlignedScheduler) Run(ctx context.Context, task func(context.Context)) error {
	if s == nil || task == nil {
		return fmt.Errorf("scheduler: nil task")
	}
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler %s: invalid interval %s", s.Name, s.Interval)
	}
	if s.Offset < 0 {
		log.Warnf("%s: negative offset=%s, clamp to 0", s.Name, s.Offset)
		s.Offset = 0
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	startAt := s.nowFn().UTC()
	log.Infof("%s: started interval=%s offset=%s run_immediately=%v", s.Name, s.Interval, s.Offset, s.RunImmediately)

	if s.RunImmediately {
		s.invoke(ctx, task)
	}

	for {
		now := s.nowFn().UTC()
		wakeAt, wait := s.nextRun(now)
		log.Debugf("%s: next run at %s (in %s) uptime=%s", s.Name,
			wakeAt.Format(time.RFC3339), wait.Truncate(time.Second), now.Sub(startAt).Truncate(time.Second))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Infof("%s: stopped", s.Name)
			return nil
		case <-timer.C:
		}
		s.invoke(ctx, task)
	}
}

func (s *AlignedScheduler) invoke(ctx context.Context, task func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s: task panic: %v", s.Name, r)
		}
	}()
	started := s.nowFn()
	task(ctx)
	log.Infof("%s: run finished in %s", s.Name, s.nowFn().Sub(started).Truncate(time.Millisecond))
}

// nextRun returns the next boundary strictly after now.
func (s *AlignedScheduler) nextRun(now time.Time) (time.Time, time.Duration) {
	now = now.UTC()
	wakeAt := now.Truncate(s.Interval).Add(s.Offset)
	for !wakeAt.After(now) {
		wakeAt = wakeAt.Add(s.Interval)
	}
	return wakeAt, wakeAt.Sub(now)
}
