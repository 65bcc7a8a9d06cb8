// Package scheduler runs periodic engine loops on a jittered interval with
// backoff after failures.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"ordo/internal/logger"
)

type IntervalScheduler struct {
	Name     string
	Interval time.Duration
	// JitterFrac spreads wakeups by up to this fraction of the interval so
	// several loops do not hit the broker at the same instant.
	JitterFrac     float64
	MaxBackoff     time.Duration
	RunImmediately bool

	ctx   context.Context
	nowFn func() time.Time
}

func NewIntervalScheduler(ctx context.Context, name string, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Name:       name,
		Interval:   interval,
		JitterFrac: 0.1,
		MaxBackoff: 30 * time.Second,
		ctx:        ctx,
		nowFn:      time.Now,
	}
}

// Start runs task until the context ends. A task error doubles the delay up
// to MaxBackoff; a success resets it to the configured interval.
func (s *IntervalScheduler) Start(task func(ctx context.Context) error) {
	if s == nil || task == nil {
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("scheduler[%s]: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("scheduler[%s]: started interval=%s", s.Name, s.Interval)
	delay := s.Interval
	if s.RunImmediately {
		if err := task(s.ctx); err != nil {
			logger.Warnf("scheduler[%s]: %v", s.Name, err)
			delay = s.nextBackoff(delay)
		}
	}

	for {
		timer := time.NewTimer(s.jittered(delay))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			logger.Infof("scheduler[%s]: ctx done, exit", s.Name)
			return
		case <-timer.C:
		}
		if err := task(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.Warnf("scheduler[%s]: %v", s.Name, err)
			delay = s.nextBackoff(delay)
			continue
		}
		delay = s.Interval
	}
}

func (s *IntervalScheduler) jittered(d time.Duration) time.Duration {
	if s.JitterFrac <= 0 {
		return d
	}
	span := float64(d) * s.JitterFrac
	return d + time.Duration(rand.Float64()*span)
}

func (s *IntervalScheduler) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	limit := s.MaxBackoff
	if limit <= 0 {
		limit = 30 * time.Second
	}
	if next > limit {
		next = limit
	}
	return next
}
