package ping

import (
	"context"
	"fmt"

	"pingcast/internal/eventbus"
	"pingcast/internal/push"
	logx "pingcast/pkg/logx"
)

// Send broadcasts text to group's live channel. A lost ping is tolerated, so
// there is no retry; provider failures come back as *DeliveryError.
func (e *Engine) Send(ctx context.Context, text, group string) error {
	e.mu.Lock()
	ch, ok := e.topics.channel(group)
	e.mu.Unlock()
	if !ok {
		return ErrInvalidGroup
	}
	if ch == "" {
		err := fmt.Errorf("%w: group %q has no channel yet", ErrInvariant, group)
		e.log.Error("send before bootstrap rotation", logx.String("group", group), logx.Err(err))
		return err
	}

	err := e.push.Send(ctx, push.Message{
		Channel:      ch,
		Data:         map[string]string{"group": group, "message": text},
		HighPriority: true,
	})
	if err != nil {
		e.log.Warn("ping delivery failed", logx.String("group", group), logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: eventbus.TypePingFailed, Time: e.now(), Data: PingEvent{Group: group, Bytes: len(text), Error: err.Error()}})
		return &DeliveryError{Group: group, Err: err}
	}
	e.log.Debug("ping sent", logx.String("group", group), logx.Int("bytes", len(text)))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypePingSent, Time: e.now(), Data: PingEvent{Group: group, Bytes: len(text)}})
	return nil
}
