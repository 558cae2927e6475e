// Package engine runs tasks on a bounded worker pool.
package engine

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"pingcast/internal/eventbus"
	rtsup "pingcast/internal/runtime/supervisor"
	logx "pingcast/pkg/logx"
)

// generation is the state of one Start..Stop cycle.
type generation struct {
	queue chan pending
	drain chan struct{}
	sup   *rtsup.Supervisor

	// stopped is set once Stop begins and closed when every worker exited.
	stopped chan struct{}
}

type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	gen     *generation
	timers  map[uint64]*time.Timer
	timerID uint64

	inFlight atomic.Int32
	drops    dropCounters
	hist     *history

	fullWarn  rate.Sometimes
	staleWarn rate.Sometimes
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		timers:    map[uint64]*time.Timer{},
		hist:      &history{limit: cfg.HistorySize},
		fullWarn:  rate.Sometimes{Interval: 5 * time.Second},
		staleWarn: rate.Sometimes{Interval: 5 * time.Second},
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// Start launches the workers. Calling it while running is a no-op; calling it
// during a Stop waits for that Stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		g := s.gen
		if g == nil {
			break
		}
		s.mu.Unlock()
		if g.stopped == nil {
			return
		}
		select {
		case <-g.stopped:
		case <-ctx.Done():
			return
		}
	}
	g := &generation{
		queue: make(chan pending, s.cfg.QueueSize),
		drain: make(chan struct{}),
		sup:   rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.gen = g
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		g.sup.GoRestart("worker."+strconv.Itoa(i), func(wctx context.Context) error {
			s.work(wctx, g)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop refuses new work and drops delayed tasks that have not fired. Workers
// finish what is queued; when ctx ends first their contexts are canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	g := s.gen
	if g == nil {
		s.mu.Unlock()
		return
	}
	if g.stopped != nil {
		s.mu.Unlock()
		select {
		case <-g.stopped:
		case <-ctx.Done():
		}
		return
	}
	g.stopped = make(chan struct{})
	canceled := s.cancelTimersLocked()
	close(g.drain)
	s.mu.Unlock()

	if canceled > 0 {
		s.drops.delayed.Add(uint64(canceled))
		s.log.Info("delayed tasks dropped on stop", logx.Int("count", canceled))
	}

	go func() {
		_ = g.sup.Wait(context.Background())
		g.sup.Cancel()
		s.mu.Lock()
		if s.gen == g {
			s.gen = nil
		}
		s.mu.Unlock()
		close(g.stopped)
	}()

	select {
	case <-g.stopped:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		g.sup.Cancel()
		s.log.Warn("task engine drain timed out, canceling running tasks", logx.Err(ctx.Err()))
	}
}

func (s *Service) cancelTimersLocked() int {
	n := 0
	for id, t := range s.timers {
		if t.Stop() {
			n++
		}
		delete(s.timers, id)
	}
	return n
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	g := s.gen
	delayed := len(s.timers)
	var qlen, qcap int
	running := false
	if g != nil {
		qlen, qcap = len(g.queue), cap(g.queue)
		running = g.stopped == nil
	}
	s.mu.Unlock()

	return Snapshot{
		Running:  running,
		Workers:  s.cfg.Workers,
		Queued:   qlen,
		Capacity: qcap,
		InFlight: int(s.inFlight.Load()),
		Delayed:  delayed,
		Drops:    s.drops.load(),
		History:  s.hist.list(),
	}
}
