package storage

import (
	"context"
	"encoding/json"
	"time"

	"pingcast/internal/eventbus"
	"pingcast/internal/ping"
	"pingcast/internal/task/engine"
	logx "pingcast/pkg/logx"
)

// Recorder writes bus events to a Store. Refresh events are not recorded;
// devices refresh too often for them to be useful in an audit trail.
type Recorder struct {
	st  Store
	log logx.Logger
	// timeout bounds one append.
	timeout time.Duration
}

func NewRecorder(st Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{st: st, log: log, timeout: time.Second}
}

// Run consumes events until ctx is done or ch is closed.
func (r *Recorder) Run(ctx context.Context, ch <-chan eventbus.Event) {
	if r == nil || r.st == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e, ok := Entry(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, r.timeout)
			if err := r.st.AppendAudit(actx, e); err != nil {
				r.log.Warn("audit append failed", logx.String("kind", e.Kind), logx.Err(err))
			}
			cancel()
		}
	}
}

// Entry maps an event to an audit entry. ok is false for events that are not audited.
func Entry(ev eventbus.Event) (AuditEntry, bool) {
	e := AuditEntry{At: ev.Time}
	switch d := ev.Data.(type) {
	case ping.LoginEvent:
		e.Kind, e.Identity, e.OK = KindLogin, d.Identity, true
		if d.Replaced {
			e.Meta = `{"replaced":true}`
		}
	case ping.ExpiredEvent:
		e.Kind, e.Identity, e.OK = KindExpired, d.Identity, true
	case ping.RotationEvent:
		e.Kind, e.OK, e.Count = KindRotation, true, d.Groups
		e.Meta = metaJSON(map[string]any{
			"forced":    d.Forced,
			"expired":   len(d.Expired),
			"removals":  d.Removals,
			"additions": d.Additions,
		})
	case ping.PingEvent:
		e.Kind, e.Group, e.Count = KindPing, d.Group, d.Bytes
		e.OK = ev.Type == eventbus.TypePingSent
		e.Error = d.Error
	case ping.MembershipEvent:
		e.Kind, e.Count, e.Error = KindMembership, d.Attempts, d.Error
		e.Meta = metaJSON(map[string]any{"job": d.Job})
	case engine.TaskEvent:
		if ev.Type != eventbus.TypeTaskDropped {
			return AuditEntry{}, false
		}
		e.Kind, e.Error = KindTaskDropped, d.Error
		e.Meta = metaJSON(map[string]any{"task": d.Name})
	default:
		return AuditEntry{}, false
	}
	return e, true
}

func metaJSON(m map[string]any) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}
