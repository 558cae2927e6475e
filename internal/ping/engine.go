package ping

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pingcast/internal/eventbus"
	"pingcast/internal/push"
	"pingcast/internal/task/engine"
	logx "pingcast/pkg/logx"
)

// GroupAll is the group every session belongs to.
const GroupAll = "all"

type Config struct {
	// Groups to register. GroupAll is added when missing.
	Groups        []string
	SessionTTL    time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	// TaskTimeout bounds one membership attempt. 0 uses the executor default.
	TaskTimeout time.Duration
}

// Executor runs membership attempts. *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
	Schedule(delay time.Duration, t engine.Task) error
}

// Authenticator verifies login secrets.
type Authenticator interface {
	Check(identity, secret string) bool
}

type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithChannelIDs replaces the random channel id generator.
func WithChannelIDs(gen func() string) Option { return func(e *Engine) { e.genChannel = gen } }

// WithTokens replaces the random challenge token generator.
func WithTokens(gen func() string) Option { return func(e *Engine) { e.genToken = gen } }

// WithBus publishes lifecycle events to bus.
func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

type Engine struct {
	cfg  Config
	push push.Client
	exec Executor
	auth Authenticator
	bus  eventbus.Bus
	log  logx.Logger

	now        func() time.Time
	genChannel func() string
	genToken   func() string

	// mu guards topics, sessions and the rotation counters. Never held across provider calls.
	mu           sync.Mutex
	topics       *topicMap
	sessions     *sessionStore
	rotations    uint64
	lastRotation time.Time
}

func New(cfg Config, client push.Client, exec Executor, auth Authenticator, log logx.Logger, opts ...Option) (*Engine, error) {
	if client == nil || exec == nil || auth == nil {
		return nil, errors.New("ping: push client, executor and authenticator are required")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 48 * time.Hour
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	groups := []string{GroupAll}
	for _, g := range cfg.Groups {
		g = strings.TrimSpace(g)
		if g != "" && g != GroupAll {
			groups = append(groups, g)
		}
	}
	cfg.Groups = groups
	if log.IsZero() {
		log = logx.Nop()
	}

	e := &Engine{
		cfg:        cfg,
		push:       client,
		exec:       exec,
		auth:       auth,
		bus:        eventbus.Nop(),
		log:        log,
		now:        time.Now,
		genChannel: newChannelID,
		genToken:   newToken,
		topics:     newTopicMap(groups),
		sessions:   newSessionStore(cfg.SessionTTL),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Login verifies the credentials and creates (or replaces) the session for
// identity with groups [identity, "all"]. It returns the challenge token and
// schedules reconciliation of the device's memberships.
func (e *Engine) Login(ctx context.Context, identity, secret, deviceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	reject := func(reason string) (string, error) {
		e.log.Info("login rejected", logx.String("identity", identity), logx.String("reason", reason))
		return "", ErrBadLogin
	}
	if identity == "" || identity == GroupAll {
		return reject("identity is not a personal group")
	}
	if deviceID == "" {
		return reject("missing device id")
	}
	e.mu.Lock()
	registered := e.topics.has(identity)
	e.mu.Unlock()
	if !registered {
		return reject("unknown group")
	}
	// Hash verification is slow; keep it outside the lock.
	if !e.auth.Check(identity, secret) {
		return reject("bad secret")
	}

	token := e.genToken()
	groups := []string{identity, GroupAll}
	e.mu.Lock()
	_, replaced := e.sessions.get(identity)
	e.sessions.createOrReplace(identity, deviceID, groups, token, e.now())
	e.mu.Unlock()

	e.log.Info("session created", logx.String("identity", identity), logx.Bool("replaced", replaced))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeLogin, Time: e.now(), Data: LoginEvent{Identity: identity, DeviceID: deviceID, Replaced: replaced}})
	e.submit(Attempt{Job: reconcileJob{Identity: identity, DeviceID: deviceID, Groups: groups}}, 0)
	return token, nil
}

// Refresh renews a live session when token matches. It echoes the token on
// success and returns "" otherwise; a rejected refresh leaves the session as is.
func (e *Engine) Refresh(identity, token string) (string, bool) {
	e.mu.Lock()
	ok := e.sessions.refresh(identity, token, e.now())
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{Type: eventbus.TypeRefresh, Time: e.now(), Data: RefreshEvent{Identity: identity, Accepted: ok}})
	if !ok {
		e.log.Debug("refresh rejected", logx.String("identity", identity))
		return "", false
	}
	e.log.Debug("session renewed", logx.String("identity", identity))
	return token, true
}

// Session returns a copy of identity's session.
func (e *Engine) Session(identity string) (Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions.get(identity)
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Groups returns the registered group names, sorted.
func (e *Engine) Groups() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topics.groups()
}

// Stats is a point-in-time view for health and metrics.
type Stats struct {
	Sessions     int
	Groups       int
	Bootstrapped bool
	Rotations    uint64
	LastRotation time.Time
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Sessions:     e.sessions.len(),
		Groups:       len(e.topics.current),
		Bootstrapped: e.rotations > 0,
		Rotations:    e.rotations,
		LastRotation: e.lastRotation,
	}
}
