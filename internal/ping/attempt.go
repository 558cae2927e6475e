package ping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pingcast/internal/eventbus"
	"pingcast/internal/task/engine"
	logx "pingcast/pkg/logx"
)

// Job is the immutable payload of a membership attempt.
type Job interface {
	Name() string
	Run(ctx context.Context, e *Engine) error
}

// Attempt is one try of a Job. Attempts are values: a retry is a new Attempt
// with Retries+1 and the same Job, so it can be scheduled while the failed one
// is still unwinding.
type Attempt struct {
	Retries int
	Job     Job
}

func (a Attempt) next() Attempt { return Attempt{Retries: a.Retries + 1, Job: a.Job} }

// exhausted reports whether no further retry may follow this attempt.
func (a Attempt) exhausted(maxRetries int) bool { return a.Retries >= maxRetries }

// submit hands a to the executor after delay.
func (e *Engine) submit(a Attempt, delay time.Duration) {
	t := engine.Task{
		Name:    "ping." + a.Job.Name(),
		Timeout: e.cfg.TaskTimeout,
		Run:     func(ctx context.Context) error { return e.runAttempt(ctx, a) },
	}
	var err error
	if delay > 0 {
		err = e.exec.Schedule(delay, t)
	} else {
		err = e.exec.Enqueue(t)
	}
	if err != nil {
		// Dropped work self-heals on the next login or rotation.
		e.log.Warn("membership attempt not scheduled", logx.String("job", a.Job.Name()), logx.Int("retries", a.Retries), logx.Err(err))
	}
}

// runAttempt executes a and schedules the follow-up attempt on failure.
// The returned error is recorded in the task engine history.
func (e *Engine) runAttempt(ctx context.Context, a Attempt) error {
	err := a.Job.Run(ctx, e)
	if err == nil {
		if a.Retries > 0 {
			e.log.Debug("membership job recovered", logx.String("job", a.Job.Name()), logx.Int("retries", a.Retries))
		}
		return nil
	}

	if errors.Is(err, ErrInvariant) {
		e.log.Error("membership job hit an invariant violation; not retrying", logx.String("job", a.Job.Name()), logx.Err(err))
		e.publishMembershipFailed(a, err)
		return err
	}
	if a.exhausted(e.cfg.MaxRetries) {
		e.log.Warn("membership job dropped after retries", logx.String("job", a.Job.Name()), logx.Int("attempts", a.Retries+1), logx.Err(err))
		e.publishMembershipFailed(a, err)
		return fmt.Errorf("attempt %d (final): %w", a.Retries+1, err)
	}

	n := a.next()
	delay := e.cfg.RetryInterval * time.Duration(n.Retries)
	e.log.Debug("membership job retry scheduled", logx.String("job", a.Job.Name()), logx.Int("retries", n.Retries), logx.Duration("delay", delay), logx.Err(err))
	e.submit(n, delay)
	return fmt.Errorf("attempt %d: %w", a.Retries+1, err)
}

func (e *Engine) publishMembershipFailed(a Attempt, err error) {
	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeMembershipFailed,
		Time: e.now(),
		Data: MembershipEvent{Job: a.Job.Name(), Attempts: a.Retries + 1, Error: err.Error()},
	})
}
