package app

import (
	"context"
	"fmt"
	"time"

	logx "pingcast/pkg/logx"
)

// StopReason is logged when the app shuts down.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
)

// Done closes when the app context ends, after a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Err is the first fatal error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type stopStep struct {
	name  string
	limit time.Duration
	run   func(ctx context.Context) error
}

// Stop tears components down in dependency order. Each step gets its own
// limit, capped by ctx. A step that overruns is left running and the next
// one starts.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	grace := a.set.TaskEngine.ShutdownGrace
	steps := []stopStep{
		{"http", 2 * time.Second, func(c context.Context) error { a.http.Stop(c); return nil }},
		{"scheduler", time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }},
		// The engine cancels its own tasks once grace runs out.
		{"taskengine", grace + 500*time.Millisecond, func(c context.Context) error {
			gctx, cancel := context.WithTimeout(c, grace)
			defer cancel()
			a.engine.Stop(gctx)
			return nil
		}},
		{"audit", time.Second, a.stopTail},
		{"supervisor", 2 * time.Second, a.sup.Wait},
		{"storage", time.Second, func(context.Context) error { return closeQuietly(a.store) }},
	}
	for _, st := range steps {
		a.runStep(ctx, st)
	}

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

func (a *App) runStep(parent context.Context, st stopStep) {
	ctx, cancel := context.WithTimeout(parent, st.limit)
	defer cancel()
	log := a.log.With(logx.String("step", st.name))
	start := time.Now()

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("panic: %v", r)
			}
		}()
		result <- st.run(ctx)
	}()

	select {
	case err := <-result:
		if err != nil {
			log.Warn("stop step failed", logx.Err(err))
		}
		log.Debug("stop step done", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		log.Warn("stop step overran its limit", logx.Err(ctx.Err()), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-result; err != nil {
				log.Warn("late stop step failed", logx.Err(err))
			}
		}()
	}
}

// stopTail closes the recorder's subscription so it writes what is still
// buffered and returns. Past ctx the recorder is canceled.
func (a *App) stopTail(ctx context.Context) error {
	if a.tail == nil {
		return nil
	}
	if a.tailUnsub != nil {
		a.tailUnsub()
	}
	if err := a.tail.Wait(ctx); err != nil {
		a.tail.Cancel()
		return err
	}
	return nil
}
