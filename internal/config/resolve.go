package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	logx "pingcast/pkg/logx"
)

const (
	DefaultHTTPAddr         = ":8080"
	DefaultRotationSchedule = "@daily"
	DefaultSessionTTL       = 48 * time.Hour
	MinSessionTTL           = 24 * time.Hour
	DefaultRetryMax         = 3
	DefaultRetryInterval    = 2 * time.Second
	DefaultPushTimeout      = 5 * time.Second
	MaxPushBatch            = 1000
	DefaultShutdownGrace    = 2 * time.Second
	DefaultTaskTimeout      = 30 * time.Second
	GroupAll                = "all"
)

// DefaultGroups is used when the config omits groups.
var DefaultGroups = []string{GroupAll, "caps", "supers"}

// Settings is Config with defaults applied and durations parsed.
// Components take their slice of Settings; they never read raw strings.
type Settings struct {
	HTTP struct {
		Addr         string
		ReadTimeout  time.Duration
		WriteTimeout time.Duration
		IdleTimeout  time.Duration
		AdminToken   string
		Pprof        bool
	}
	Push struct {
		Driver     string
		APIKey     string
		SendURL    string
		IIDURL     string
		Timeout    time.Duration
		RatePerSec int
		Burst      int
		BatchSize  int
	}
	Rotation struct {
		Schedule      string
		Timezone      string
		Heartbeat     string
		RetryMax      int
		RetryInterval time.Duration
	}
	SessionTTL time.Duration
	Groups     []string
	TaskEngine struct {
		Enabled        bool
		Workers        int
		QueueSize      int
		DefaultTimeout time.Duration
		MaxQueueDelay  time.Duration
		HistorySize    int
		ShutdownGrace  time.Duration
	}
	Storage struct {
		Driver      string
		Path        string
		DSN         string
		BusyTimeout time.Duration
	}
	Metrics struct {
		Enabled   bool
		Namespace string
	}
}

// Resolve validates cfg and returns the effective settings.
// All problems are reported together.
func Resolve(cfg *Config) (Settings, error) {
	var s Settings
	if cfg == nil {
		return s, errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDuration(path, raw, def)
		check(err)
		return d
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		check(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	// HTTP
	s.HTTP.Addr = strings.TrimSpace(cfg.HTTP.Addr)
	if s.HTTP.Addr == "" {
		s.HTTP.Addr = DefaultHTTPAddr
	}
	s.HTTP.ReadTimeout = dur("http.read_timeout", cfg.HTTP.ReadTimeout, 10*time.Second)
	s.HTTP.WriteTimeout = dur("http.write_timeout", cfg.HTTP.WriteTimeout, 15*time.Second)
	s.HTTP.IdleTimeout = dur("http.idle_timeout", cfg.HTTP.IdleTimeout, 60*time.Second)
	s.HTTP.AdminToken = strings.TrimSpace(cfg.HTTP.AdminToken)
	s.HTTP.Pprof = cfg.HTTP.Pprof
	if s.HTTP.Pprof && s.HTTP.AdminToken == "" {
		check(errors.New("http.pprof requires http.admin_token"))
	}

	// Push
	s.Push.Driver = strings.ToLower(strings.TrimSpace(cfg.Push.Driver))
	if s.Push.Driver == "" {
		s.Push.Driver = "fcm"
	}
	s.Push.APIKey = strings.TrimSpace(cfg.Push.APIKey)
	s.Push.SendURL = strings.TrimSpace(cfg.Push.SendURL)
	s.Push.IIDURL = strings.TrimSpace(cfg.Push.IIDURL)
	s.Push.Timeout = dur("push.timeout", cfg.Push.Timeout, DefaultPushTimeout)
	s.Push.RatePerSec = cfg.Push.RatePerSec
	s.Push.Burst = cfg.Push.Burst
	s.Push.BatchSize = cfg.Push.BatchSize
	switch s.Push.Driver {
	case "fcm":
		if s.Push.APIKey == "" {
			check(errors.New("push.api_key is required for the fcm driver"))
		}
		for path, raw := range map[string]string{"push.send_url": s.Push.SendURL, "push.iid_url": s.Push.IIDURL} {
			if raw == "" {
				continue
			}
			if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
				check(fmt.Errorf("%s: invalid url %q", path, raw))
			}
		}
	case "memory":
	default:
		check(fmt.Errorf("push.driver: unknown driver %q (use fcm or memory)", s.Push.Driver))
	}
	if s.Push.RatePerSec < 0 || s.Push.Burst < 0 {
		check(errors.New("push.rate_per_sec and push.burst must be >= 0"))
	}
	if s.Push.BatchSize <= 0 || s.Push.BatchSize > MaxPushBatch {
		s.Push.BatchSize = MaxPushBatch
	}

	// Rotation
	s.Rotation.Schedule = strings.TrimSpace(cfg.Rotation.Schedule)
	if s.Rotation.Schedule == "" {
		s.Rotation.Schedule = DefaultRotationSchedule
	}
	s.Rotation.Timezone = strings.TrimSpace(cfg.Rotation.Timezone)
	if s.Rotation.Timezone != "" {
		if _, err := time.LoadLocation(s.Rotation.Timezone); err != nil {
			check(fmt.Errorf("rotation.timezone: %w", err))
		}
	}
	s.Rotation.Heartbeat = strings.TrimSpace(cfg.Rotation.Heartbeat)
	s.Rotation.RetryMax = DefaultRetryMax
	if cfg.Rotation.RetryMax != nil {
		s.Rotation.RetryMax = *cfg.Rotation.RetryMax
		if s.Rotation.RetryMax < 0 {
			check(errors.New("rotation.retry_max must be >= 0"))
		}
	}
	s.Rotation.RetryInterval = dur("rotation.retry_interval", cfg.Rotation.RetryInterval, DefaultRetryInterval)

	// Session
	s.SessionTTL = dur("session.ttl", cfg.Session.TTL, DefaultSessionTTL)
	if s.SessionTTL < MinSessionTTL {
		check(fmt.Errorf("session.ttl must be at least %s", MinSessionTTL))
	}

	// Groups
	groups, err := normalizeGroups(cfg.Groups)
	check(err)
	s.Groups = groups

	// Auth
	for id := range cfg.Auth.Users {
		if id == GroupAll || !contains(groups, id) {
			check(fmt.Errorf("auth.users: %q is not a registered group", id))
		}
	}

	// Task engine
	te := derefTaskEngine(cfg.TaskEngine)
	s.TaskEngine.Enabled = te.Enabled == nil || *te.Enabled
	if !s.TaskEngine.Enabled {
		check(errors.New("task_engine.enabled: the task engine cannot be disabled"))
	}
	s.TaskEngine.Workers = te.Workers
	if s.TaskEngine.Workers < 2 {
		s.TaskEngine.Workers = 2
	}
	s.TaskEngine.QueueSize = te.QueueSize
	if s.TaskEngine.QueueSize <= 0 {
		s.TaskEngine.QueueSize = 256
	}
	s.TaskEngine.HistorySize = te.HistorySize
	if s.TaskEngine.HistorySize <= 0 {
		s.TaskEngine.HistorySize = 200
	}
	s.TaskEngine.DefaultTimeout = dur("task_engine.default_timeout", te.DefaultTimeout, DefaultTaskTimeout)
	s.TaskEngine.MaxQueueDelay = dur("task_engine.max_queue_delay", te.MaxQueueDelay, 0)
	s.TaskEngine.ShutdownGrace = dur("task_engine.shutdown_grace", te.ShutdownGrace, DefaultShutdownGrace)

	// Storage
	if cfg.Storage != nil {
		s.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
		s.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
		s.Storage.DSN = strings.TrimSpace(cfg.Storage.DSN)
		s.Storage.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		switch s.Storage.Driver {
		case "", "none", "disabled":
			s.Storage.Driver = ""
		case "file", "sqlite":
		case "postgres", "pgx":
			s.Storage.Driver = "postgres"
			if s.Storage.DSN == "" {
				check(errors.New("storage.dsn is required for the postgres driver"))
			}
		default:
			check(fmt.Errorf("storage.driver: unknown driver %q", s.Storage.Driver))
		}
	}

	// Metrics
	s.Metrics.Enabled = cfg.Metrics.Enabled
	s.Metrics.Namespace = strings.TrimSpace(cfg.Metrics.Namespace)
	if s.Metrics.Namespace == "" {
		s.Metrics.Namespace = "pingcast"
	}

	return s, errors.Join(errs...)
}

// Validate reports whether cfg resolves cleanly.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

func normalizeGroups(in []string) ([]string, error) {
	if len(in) == 0 {
		in = DefaultGroups
	}
	seen := map[string]struct{}{GroupAll: {}}
	out := []string{GroupAll}
	for _, g := range in {
		g = strings.TrimSpace(g)
		if g == "" {
			return nil, errors.New("groups: empty group name")
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out[1:])
	return out, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
