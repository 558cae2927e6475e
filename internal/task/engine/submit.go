package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"pingcast/internal/eventbus"
	logx "pingcast/pkg/logx"
)

// Enqueue queues t without blocking. A full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.put(context.Background(), t, false)
}

// Submit waits for queue space until ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.put(ctx, t, true)
}

// Schedule queues t after delay, or right away when delay <= 0. A delayed
// task still waiting when Stop runs is dropped.
func (s *Service) Schedule(delay time.Duration, t Task) error {
	if delay <= 0 {
		return s.Enqueue(t)
	}
	if err := prepare(&t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.acceptingLocked(); err != nil {
		return err
	}
	s.timerID++
	id := s.timerID
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, t) })
	s.log.Trace("task delayed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Duration("delay", delay))
	return nil
}

// fire runs when a Schedule timer elapses. A timer removed by Stop is ignored.
func (s *Service) fire(id uint64, t Task) {
	s.mu.Lock()
	_, live := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()
	if !live {
		return
	}
	err := s.Enqueue(t)
	if err == nil || errors.Is(err, ErrQueueFull) {
		return
	}
	s.drops.delayed.Add(1)
	s.log.Warn("delayed task dropped", logx.String("task", t.Name), logx.String("id", t.ID), logx.Err(err))
}

// prepare checks t and assigns an ID when it has none.
func prepare(t *Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = ulid.Make().String()
	}
	return nil
}

func (s *Service) acceptingLocked() (*generation, error) {
	switch {
	case !s.cfg.Enabled:
		return nil, ErrDisabled
	case s.gen == nil:
		return nil, ErrStopped
	case s.gen.stopped != nil:
		return nil, ErrStopping
	}
	return s.gen, nil
}

func (s *Service) put(ctx context.Context, t Task, wait bool) error {
	if err := prepare(&t); err != nil {
		return err
	}
	s.mu.Lock()
	g, err := s.acceptingLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	p := pending{task: t, queuedAt: time.Now(), timeout: t.Timeout}
	if p.timeout <= 0 {
		p.timeout = s.cfg.DefaultTimeout
	}

	if !wait {
		select {
		case g.queue <- p:
			return nil
		default:
			s.dropFull(p, g)
			return ErrQueueFull
		}
	}
	select {
	case g.queue <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.drain:
		return ErrStopping
	}
}

func (s *Service) dropFull(p pending, g *generation) {
	n := s.drops.queueFull.Add(1)
	now := p.queuedAt
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskDropped, Time: now, Data: p.event(now, 0, reasonQueueFull)})
	s.fullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", p.task.Name),
			logx.String("id", p.task.ID),
			logx.Int("queue_cap", cap(g.queue)),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}
