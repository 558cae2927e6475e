package ping

import (
	"context"
	"fmt"

	"pingcast/internal/eventbus"
	logx "pingcast/pkg/logx"
)

// RotationResult summarizes one rotation. Channel ids are never exposed.
type RotationResult struct {
	Groups    int
	Expired   []string
	Removals  int
	Additions int
	Forced    bool
}

// Rotate regenerates every group's channel id, drops expired sessions and
// schedules the membership migration. The map swap and the sweep happen in one
// critical section; provider calls run later on the executor.
func (e *Engine) Rotate(ctx context.Context) (RotationResult, error) {
	return e.rotate(ctx, false)
}

// ForceRotate is Rotate on operator request. It returns once the map swap is
// done; migration continues in the background.
func (e *Engine) ForceRotate(ctx context.Context) (RotationResult, error) {
	return e.rotate(ctx, true)
}

func (e *Engine) rotate(ctx context.Context, forced bool) (RotationResult, error) {
	if err := ctx.Err(); err != nil {
		return RotationResult{}, err
	}

	var jobs []Job
	e.mu.Lock()
	// Snapshot before the sweep: expired sessions still leave the old channels.
	everyone := deviceIDs(e.sessions.all())
	old, err := e.topics.rotate(e.genChannel)
	if err != nil {
		e.mu.Unlock()
		e.log.Error("rotation aborted", logx.Err(err))
		return RotationResult{}, fmt.Errorf("rotate: %w", err)
	}
	now := e.now()
	expired := e.sessions.sweepExpired(now)

	groups := e.topics.groups()
	removals, additions := 0, 0
	if len(everyone) > 0 {
		for _, g := range groups {
			if ch := old[g]; ch != "" {
				jobs = append(jobs, membershipJob{Op: opRemove, Group: g, Channel: ch, Devices: everyone})
				removals++
			}
		}
	}
	survivors := e.sessions.all()
	for _, g := range groups {
		var members []*Session
		for _, s := range survivors {
			if s.inGroup(g) {
				members = append(members, s)
			}
		}
		if len(members) == 0 {
			continue
		}
		ch, _ := e.topics.channel(g)
		jobs = append(jobs, membershipJob{Op: opAdd, Group: g, Channel: ch, Devices: deviceIDs(members)})
		additions++
	}
	e.rotations++
	e.lastRotation = now
	e.mu.Unlock()

	for _, j := range jobs {
		e.submit(Attempt{Job: j}, 0)
	}

	res := RotationResult{Groups: len(groups), Expired: expired, Removals: removals, Additions: additions, Forced: forced}
	e.log.Info("channels rotated",
		logx.Int("groups", res.Groups),
		logx.Int("expired", len(expired)),
		logx.Int("removals", removals),
		logx.Int("additions", additions),
		logx.Bool("forced", forced),
	)
	for _, id := range expired {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionExpired, Time: now, Data: ExpiredEvent{Identity: id}})
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeRotation, Time: now, Data: RotationEvent{
		Groups: res.Groups, Expired: expired, Removals: removals, Additions: additions, Forced: forced,
	}})
	return res, nil
}
