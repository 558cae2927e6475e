package ping

import (
	"context"
	"errors"
	"fmt"
	"sort"

	logx "pingcast/pkg/logx"
)

// reconcileJob brings one device's provider memberships in line with the
// channels its groups map to right now. Every attempt recomputes the diff, so
// calls that succeeded earlier fall out of it on retry.
type reconcileJob struct {
	Identity string
	DeviceID string
	Groups   []string
}

func (j reconcileJob) Name() string { return "reconcile:" + j.Identity }

func (j reconcileJob) Run(ctx context.Context, e *Engine) error {
	e.mu.Lock()
	desired, err := e.topics.desired(j.Groups)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	actual, err := e.push.ListChannels(ctx, j.DeviceID)
	if err != nil {
		// Unknown membership is not empty membership: retry the whole job.
		return fmt.Errorf("list channels: %w", err)
	}

	toAdd, toRemove := diff(desired, actual)
	if len(toAdd) == 0 && len(toRemove) == 0 {
		e.log.Trace("device in sync", logx.String("identity", j.Identity))
		return nil
	}

	var errs []error
	devices := []string{j.DeviceID}
	for _, ch := range toRemove {
		if err := e.push.RemoveMembers(ctx, devices, ch); err != nil {
			errs = append(errs, fmt.Errorf("remove from %s: %w", ch, err))
		}
	}
	for _, ch := range toAdd {
		if err := e.push.AddMembers(ctx, devices, ch); err != nil {
			errs = append(errs, fmt.Errorf("add to %s: %w", ch, err))
		}
	}
	e.log.Debug("device reconciled",
		logx.String("identity", j.Identity),
		logx.Int("added", len(toAdd)),
		logx.Int("removed", len(toRemove)),
		logx.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

// diff returns desired-minus-actual and actual-minus-desired, each sorted.
func diff(desired, actual []string) (toAdd, toRemove []string) {
	want := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		want[d] = struct{}{}
	}
	have := make(map[string]struct{}, len(actual))
	for _, a := range actual {
		have[a] = struct{}{}
	}
	for d := range want {
		if _, ok := have[d]; !ok {
			toAdd = append(toAdd, d)
		}
	}
	for a := range have {
		if _, ok := want[a]; !ok {
			toRemove = append(toRemove, a)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove
}

type membershipOp int

const (
	opAdd membershipOp = iota
	opRemove
)

func (o membershipOp) String() string {
	if o == opRemove {
		return "remove"
	}
	return "add"
}

// membershipJob adds or removes a fixed set of devices on one channel.
// Rotation creates these for the retired and the fresh channels.
type membershipJob struct {
	Op      membershipOp
	Group   string
	Channel string
	Devices []string
}

func (j membershipJob) Name() string { return fmt.Sprintf("%s:%s", j.Op, j.Group) }

func (j membershipJob) Run(ctx context.Context, e *Engine) error {
	if j.Channel == "" {
		return fmt.Errorf("%w: membership job for %q without channel", ErrInvariant, j.Group)
	}
	var err error
	if j.Op == opRemove {
		err = e.push.RemoveMembers(ctx, j.Devices, j.Channel)
	} else {
		err = e.push.AddMembers(ctx, j.Devices, j.Channel)
	}
	if err != nil {
		return fmt.Errorf("%s %d devices: %w", j.Op, len(j.Devices), err)
	}
	e.log.Debug("channel membership updated", logx.String("op", j.Op.String()), logx.String("group", j.Group), logx.Int("devices", len(j.Devices)))
	return nil
}
