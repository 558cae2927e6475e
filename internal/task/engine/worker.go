package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"pingcast/internal/eventbus"
	logx "pingcast/pkg/logx"
)

const slowTask = 750 * time.Millisecond

// work takes tasks until drain closes or ctx ends, then empties the queue
// and returns. Tasks still queued after ctx ended are counted as canceled.
func (s *Service) work(ctx context.Context, g *generation) {
	draining := false
	for {
		if draining {
			select {
			case p := <-g.queue:
				s.run(ctx, p)
				continue
			default:
				return
			}
		}
		select {
		case <-ctx.Done():
			draining = true
		case p := <-g.queue:
			s.run(ctx, p)
		case <-g.drain:
			draining = true
		}
	}
}

func (s *Service) run(ctx context.Context, p pending) {
	start := time.Now()
	delay := max(start.Sub(p.queuedAt), 0)

	if ctx.Err() != nil {
		s.dropCanceled(p, start, delay)
		return
	}

	if s.cfg.MaxQueueDelay > 0 && delay > s.cfg.MaxQueueDelay {
		s.dropStale(p, start, delay)
		return
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	s.log.Trace("task started", logx.String("task", p.task.Name), logx.String("id", p.task.ID), logx.Duration("queue_delay", delay))

	err := invoke(ctx, p, s.log)
	dur := time.Since(start)

	item := p.event(start, delay, "")
	item.Duration = dur
	fields := []logx.Field{logx.String("task", p.task.Name), logx.Duration("queue_delay", delay), logx.Duration("dur", dur)}
	switch {
	case err != nil:
		item.Error = err.Error()
		s.log.Warn("task failed", append(fields, logx.String("id", p.task.ID), logx.Err(err))...)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: item})
	case dur >= slowTask:
		s.log.Info("task completed", fields...)
	default:
		s.log.Debug("task completed", fields...)
	}
	s.hist.add(item)
}

// invoke calls the task under its timeout and turns a panic into an error.
func invoke(ctx context.Context, p pending, log logx.Logger) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			log.Error("task panicked", logx.String("task", p.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return p.task.Run(ctx)
}

func (s *Service) dropStale(p pending, now time.Time, delay time.Duration) {
	n := s.drops.stale.Add(1)
	ev := p.event(now, delay, reasonStale)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: ev})
	s.hist.add(ev)
	s.staleWarn.Do(func() {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", p.task.Name),
			logx.String("id", p.task.ID),
			logx.Duration("queue_delay", delay),
			logx.Uint64("dropped_stale", n),
		)
	})
}

func (s *Service) dropCanceled(p pending, now time.Time, delay time.Duration) {
	s.drops.canceled.Add(1)
	ev := p.event(now, delay, reasonCanceled)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: ev})
	s.hist.add(ev)
	s.log.Debug("task dropped: engine force-stopped", logx.String("task", p.task.Name), logx.String("id", p.task.ID))
}
