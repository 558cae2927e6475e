package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"pingcast/internal/task/engine"
	logx "pingcast/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

type Config struct {
	Enabled  bool
	Timezone string // IANA name; empty means the host zone
}

// Enqueuer is the part of the task engine the scheduler feeds.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type job struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entry   cron.EntryID

	// warn throttles enqueue failure warnings for this schedule.
	warn *rate.Sometimes
}

type Service struct {
	log    logx.Logger
	eng    Enqueuer
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	jobs map[string]*job
}

func New(cfg Config, eng Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:    log,
		eng:    eng,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:    cfg,
		jobs:   map[string]*job{},
	}
}

// AddSchedule registers run under name, replacing any schedule with that
// name. schedule goes through Normalize. timeout 0 uses the engine default.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" || run == nil {
		return errors.New("scheduler: name and job are required")
	}
	spec, err := Normalize(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	j := &job{name: name, spec: spec, timeout: timeout, run: run, warn: &rate.Sometimes{Interval: enqueueWarnEvery}}
	s.jobs[name] = j
	if s.c == nil {
		return nil
	}
	if err := s.registerLocked(j); err != nil {
		delete(s.jobs, name)
		return err
	}
	s.log.Info("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Time("next", s.c.Entry(j.entry).Next))
	return nil
}

// Remove drops the schedule called name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Info("schedule removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) removeLocked(name string) bool {
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	if s.c != nil && j.entry != 0 {
		s.c.Remove(j.entry)
	}
	delete(s.jobs, name)
	return true
}

func (s *Service) registerLocked(j *job) error {
	id, err := s.c.AddFunc(j.spec, func() { s.trigger(j) })
	if err != nil {
		return err
	}
	j.entry = id
	return nil
}

// trigger hands one run of j to the engine.
func (s *Service) trigger(j *job) {
	if s.eng == nil {
		return
	}
	err := s.eng.Enqueue(engine.Task{Name: j.name, Timeout: j.timeout, Run: j.run})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		s.log.Debug("trigger skipped; engine stopping", logx.String("schedule", j.name))
	default:
		j.warn.Do(func() {
			s.log.Warn("trigger could not enqueue", logx.String("schedule", j.name), logx.Err(err))
		})
	}
}

// Apply takes a new config. A timezone change restarts a running cron so
// every schedule is re-evaluated in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && tzChanged {
		s.stopCronLocked()
		s.startCronLocked()
	}
}

// Start begins firing. Schedules added before Start are registered now.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Warn("scheduler disabled; schedules will not fire", logx.Int("schedules", len(s.jobs)))
		return
	}
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, j := range s.jobs {
		if err := s.registerLocked(j); err != nil {
			s.log.Error("schedule register failed", logx.String("name", j.name), logx.String("spec", j.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.jobs)))
}

// stopCronLocked stops firing. The returned context is done once running
// trigger funcs have returned.
func (s *Service) stopCronLocked() context.Context {
	done := s.c.Stop()
	s.c = nil
	for _, j := range s.jobs {
		j.entry = 0
	}
	return done
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("unknown timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop stops firing. Schedules are kept, so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.c == nil {
		s.mu.Unlock()
		return
	}
	done := s.stopCronLocked()
	s.mu.Unlock()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
	s.log.Info("scheduler stopped")
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo // sorted by name
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = s.location()
	}
	snap := Snapshot{Running: s.c != nil, Timezone: loc.String()}
	for _, j := range s.jobs {
		info := ScheduleInfo{Name: j.name, Spec: j.spec, Timeout: j.timeout}
		if s.c != nil && j.entry != 0 {
			e := s.c.Entry(j.entry)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	sort.Slice(snap.Schedules, func(a, b int) bool { return snap.Schedules[a].Name < snap.Schedules[b].Name })
	return snap
}
