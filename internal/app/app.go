package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pingcast/internal/config"
	"pingcast/internal/eventbus"
	"pingcast/internal/httpapi"
	"pingcast/internal/metrics"
	"pingcast/internal/ping"
	"pingcast/internal/push"
	rtsup "pingcast/internal/runtime/supervisor"
	"pingcast/internal/storage"
	"pingcast/internal/task/engine"
	"pingcast/internal/task/scheduler"
	logx "pingcast/pkg/logx"
)

const (
	scheduleRotation  = "rotation"
	scheduleHeartbeat = "heartbeat"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	set     config.Settings

	sup  *rtsup.Supervisor
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	// tail runs the audit recorder. It outlives sup so events published
	// while the engine drains are still written.
	tail      *rtsup.Supervisor
	tailUnsub func()

	store    storage.Store
	recorder *storage.Recorder
	metrics  *metrics.Collector

	push   push.Client
	engine *engine.Service
	sched  *scheduler.Service
	ping   *ping.Engine
	http   *httpapi.Server
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	set, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	root := logSvc.Logger()

	bus := eventbus.New()

	var store storage.Store
	if set.Storage.Driver != "" {
		octx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		store, err = storage.Open(octx, storageConfig(set), root.With(logx.String("comp", "storage")))
		cancel()
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", set.Storage.Driver))
	}

	client, err := newPushClient(set, root.With(logx.String("comp", "push")))
	if err != nil {
		closeQuietly(store)
		logSvc.Close()
		return nil, err
	}
	verifier, err := newVerifier(cfg, root.With(logx.String("comp", "auth")))
	if err != nil {
		closeQuietly(store)
		logSvc.Close()
		return nil, err
	}

	engineSvc := engine.New(engineConfig(set), root.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(schedulerConfig(set), engineSvc, root.With(logx.String("comp", "scheduler")))

	pingEng, err := ping.New(pingConfig(set), client, engineSvc, verifier,
		root.With(logx.String("comp", "ping")), ping.WithBus(bus))
	if err != nil {
		closeQuietly(store)
		logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		set:     set,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		push:    client,
		engine:  engineSvc,
		sched:   schedSvc,
		ping:    pingEng,
	}
	if store != nil {
		a.recorder = storage.NewRecorder(store, root.With(logx.String("comp", "audit")))
	}

	opts := httpapi.RouterOptions{AdminToken: set.HTTP.AdminToken, Pprof: set.HTTP.Pprof}
	if set.Metrics.Enabled {
		a.metrics = metrics.New(set.Metrics.Namespace, pingEng, root.With(logx.String("comp", "metrics")))
		a.metrics.WatchQueue(set.Metrics.Namespace, engineSvc)
		opts.Metrics = a.metrics.Handler()
	}
	httpLog := root.With(logx.String("comp", "http"))
	a.http = httpapi.NewServer(serverConfig(set), httpapi.NewRouter(pingEng, httpLog, opts), httpLog)
	return a, nil
}

// Ping exposes the engine (tests and operational tooling).
func (a *App) Ping() *ping.Engine { return a.ping }

// Push exposes the provider client.
func (a *App) Push() push.Client { return a.push }

// HTTPAddr returns the bound listen address once the server is up.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// HTTPReady is closed after the HTTP server first listens.
func (a *App) HTTPReady() <-chan struct{} { return a.http.Ready() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validator)

	// Subscribers first so bootstrap events are observed.
	a.tail = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(a.log))
	if a.recorder != nil {
		events, unsub := a.bus.Subscribe(256)
		a.tailUnsub = unsub
		a.tail.Go0("audit.record", func(c context.Context) {
			a.recorder.Run(c, events)
		})
	}
	if a.metrics != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go0("metrics.observe", func(c context.Context) {
			defer unsub()
			a.metrics.Run(c, events)
		})
	}
	a.startEventTap()

	// Stop drains the engine with its own grace, so canceling sup must not
	// reach the workers.
	a.engine.Start(context.WithoutCancel(a.sup.Context()))

	// Replace the placeholders before anyone can log in or send.
	if _, err := a.ping.Rotate(a.sup.Context()); err != nil {
		return fmt.Errorf("bootstrap rotation: %w", err)
	}

	if err := a.applySchedules(a.set); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())

	a.http.Start(a.sup.Context())

	a.startConfigReload()
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started",
		logx.String("http", a.set.HTTP.Addr),
		logx.String("push", a.set.Push.Driver),
		logx.Strings("groups", a.set.Groups),
		logx.String("rotation", a.set.Rotation.Schedule),
	)
	return nil
}

// applySchedules registers the rotation and the optional heartbeat.
func (a *App) applySchedules(set config.Settings) error {
	if err := a.sched.AddSchedule(scheduleRotation, set.Rotation.Schedule, 0, func(c context.Context) error {
		_, err := a.ping.Rotate(c)
		return err
	}); err != nil {
		return fmt.Errorf("rotation.schedule: %w", err)
	}

	if set.Rotation.Heartbeat == "" {
		a.sched.Remove(scheduleHeartbeat)
		return nil
	}
	if err := a.sched.AddSchedule(scheduleHeartbeat, set.Rotation.Heartbeat, 0, a.heartbeat); err != nil {
		return fmt.Errorf("rotation.heartbeat: %w", err)
	}
	return nil
}

// heartbeat sends a liveness ping to every device.
func (a *App) heartbeat(ctx context.Context) error {
	return a.ping.Send(ctx, "Ping was sent at "+time.Now().Format(time.RFC1123), ping.GroupAll)
}

func (a *App) startEventTap() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Debug-level: refreshes are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) startConfigReload() {
	// Buffer 1: the manager replaces an unread config with the newer one.
	sub := a.cfgm.Subscribe(1)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})
}

// applyConfig hot-applies logging and rotation triggers; other sections are
// reported as needing a restart.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := config.Resolve(newCfg)
	if err != nil {
		a.log.Warn("reloaded config does not resolve; keeping previous", logx.Err(err))
		return
	}

	if err := a.logs.Apply(logConfig(newCfg)); err != nil {
		a.log.Warn("logging config not applied; keeping previous sinks", logx.Err(err))
	}

	if oldCfg == nil || oldCfg.Rotation.Schedule != newCfg.Rotation.Schedule ||
		oldCfg.Rotation.Timezone != newCfg.Rotation.Timezone ||
		oldCfg.Rotation.Heartbeat != newCfg.Rotation.Heartbeat {
		a.sched.Apply(schedulerConfig(set))
		if err := a.applySchedules(set); err != nil {
			a.log.Warn("rotation schedule not applied; keeping previous", logx.Err(err))
		}
	}
	if config.RetryChanged(oldCfg, newCfg) {
		sections = append(sections, "rotation.retry")
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func closeQuietly(st storage.Store) error {
	if st == nil {
		return nil
	}
	return st.Close()
}
