// Package metrics turns bus events into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pingcast/internal/eventbus"
	"pingcast/internal/ping"
	"pingcast/internal/task/engine"
	logx "pingcast/pkg/logx"
)

const DefaultNamespace = "pingcast"

// StatsSource feeds the gauges. *ping.Engine implements it.
type StatsSource interface {
	Stats() ping.Stats
}

type Collector struct {
	reg *prometheus.Registry
	log logx.Logger

	logins       *prometheus.CounterVec
	refreshes    *prometheus.CounterVec
	expired      prometheus.Counter
	rotations    *prometheus.CounterVec
	memberships  *prometheus.CounterVec
	pings        *prometheus.CounterVec
	tasksDropped *prometheus.CounterVec
	tasksFailed  prometheus.Counter
}

// New registers every series on a private registry. stats may be nil.
func New(namespace string, stats StatsSource, log logx.Logger) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Collector{reg: prometheus.NewRegistry(), log: log}

	c.logins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "logins_total",
		Help:      "Accepted logins by whether an existing session was replaced.",
	}, []string{"replaced"})
	c.refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "refreshes_total",
		Help:      "Challenge refreshes by result (accepted,rejected).",
	}, []string{"result"})
	c.expired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "expired_total",
		Help:      "Sessions dropped by rotation sweeps.",
	})
	c.rotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rotation",
		Name:      "runs_total",
		Help:      "Completed channel rotations by trigger (scheduled,forced).",
	}, []string{"trigger"})
	c.memberships = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "membership",
		Name:      "dropped_total",
		Help:      "Membership jobs given up on, by job kind.",
	}, []string{"kind"})
	c.pings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ping",
		Name:      "sent_total",
		Help:      "Broadcasts by group and result (sent,failed).",
	}, []string{"group", "result"})
	c.tasksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "dropped_total",
		Help:      "Tasks dropped before running, by reason.",
	}, []string{"reason"})
	c.tasksFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "failed_total",
		Help:      "Task runs that returned an error or panicked.",
	})

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.logins, c.refreshes, c.expired, c.rotations, c.memberships, c.pings, c.tasksDropped, c.tasksFailed,
	)
	if stats != nil {
		c.reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "active",
				Help:      "Sessions currently stored, expired ones not yet swept included.",
			}, func() float64 { return float64(stats.Stats().Sessions) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "rotation",
				Name:      "last_timestamp_seconds",
				Help:      "Unix time of the last rotation, 0 before bootstrap.",
			}, func() float64 {
				t := stats.Stats().LastRotation
				if t.IsZero() {
					return 0
				}
				return float64(t.Unix())
			}),
		)
	}
	return c
}

// QueueSource reports task engine depth. *engine.Service implements it.
type QueueSource interface {
	Snapshot() engine.Snapshot
}

// WatchQueue adds gauges for the task engine's queue, running tasks and
// pending retries.
func (c *Collector) WatchQueue(namespace string, src QueueSource) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	gauge := func(name, help string, pick func(engine.Snapshot) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(src.Snapshot())) })
	}
	c.reg.MustRegister(
		gauge("queued", "Tasks waiting for a worker.", func(s engine.Snapshot) int { return s.Queued }),
		gauge("in_flight", "Tasks currently running.", func(s engine.Snapshot) int { return s.InFlight }),
		gauge("delayed", "Retries waiting for their backoff to elapse.", func(s engine.Snapshot) int { return s.Delayed }),
	)
}

// Registry exposes the private registry (tests).
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Run consumes events until ctx is done or ch is closed.
func (c *Collector) Run(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(ev)
		}
	}
}

// Observe updates series for one event. Unknown types are ignored.
func (c *Collector) Observe(ev eventbus.Event) {
	switch d := ev.Data.(type) {
	case ping.LoginEvent:
		c.logins.WithLabelValues(boolLabel(d.Replaced)).Inc()
	case ping.RefreshEvent:
		res := "rejected"
		if d.Accepted {
			res = "accepted"
		}
		c.refreshes.WithLabelValues(res).Inc()
	case ping.ExpiredEvent:
		c.expired.Inc()
	case ping.RotationEvent:
		trigger := "scheduled"
		if d.Forced {
			trigger = "forced"
		}
		c.rotations.WithLabelValues(trigger).Inc()
	case ping.MembershipEvent:
		c.memberships.WithLabelValues(jobKind(d.Job)).Inc()
	case ping.PingEvent:
		res := "sent"
		if ev.Type == eventbus.TypePingFailed {
			res = "failed"
		}
		c.pings.WithLabelValues(d.Group, res).Inc()
	default:
		switch ev.Type {
		case eventbus.TypeTaskDropped:
			c.tasksDropped.WithLabelValues(dropReason(ev.Data)).Inc()
		case eventbus.TypeTaskFailed:
			c.tasksFailed.Inc()
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// jobKind strips the per-identity or per-group suffix from a job name.
func jobKind(name string) string {
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			return name[:i]
		}
	}
	return name
}

func dropReason(data any) string {
	if te, ok := data.(engine.TaskEvent); ok && te.Error != "" {
		return te.Error
	}
	return "unknown"
}
