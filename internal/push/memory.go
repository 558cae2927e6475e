package push

import (
	"context"
	"sort"
	"sync"
)

type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpList   Op = "list"
	OpSend   Op = "send"
)

// Call is one recorded request against Memory.
type Call struct {
	Op      Op
	Channel string
	Devices []string
	Message Message
}

// Memory is an in-process provider. It keeps real membership state so
// reconciliation converges against it, records every call, and can inject
// failures through SetFailure.
type Memory struct {
	mu      sync.Mutex
	members map[string]map[string]struct{} // channel -> device ids
	calls   []Call
	sent    []Message
	fail    func(Call) error
}

func NewMemory() *Memory {
	return &Memory{members: map[string]map[string]struct{}{}}
}

// SetFailure installs fn; a non-nil result fails the call before any state change.
// Pass nil to clear.
func (m *Memory) SetFailure(fn func(Call) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *Memory) record(c Call) error {
	m.calls = append(m.calls, c)
	if m.fail != nil {
		return m.fail(c)
	}
	return nil
}

func (m *Memory) AddMembers(ctx context.Context, deviceIDs []string, channel string) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpAdd, Channel: channel, Devices: append([]string(nil), deviceIDs...)}); err != nil {
		return err
	}
	set := m.members[channel]
	if set == nil {
		set = map[string]struct{}{}
		m.members[channel] = set
	}
	for _, d := range deviceIDs {
		set[d] = struct{}{}
	}
	return nil
}

func (m *Memory) RemoveMembers(ctx context.Context, deviceIDs []string, channel string) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpRemove, Channel: channel, Devices: append([]string(nil), deviceIDs...)}); err != nil {
		return err
	}
	set := m.members[channel]
	for _, d := range deviceIDs {
		delete(set, d)
	}
	if len(set) == 0 {
		delete(m.members, channel)
	}
	return nil
}

func (m *Memory) ListChannels(ctx context.Context, deviceID string) ([]string, error) {
	if deviceID == "" {
		return nil, ErrEmptyDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpList, Devices: []string{deviceID}}); err != nil {
		return nil, err
	}
	var out []string
	for ch, set := range m.members {
		if _, ok := set[deviceID]; ok {
			out = append(out, ch)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Send(ctx context.Context, msg Message) error {
	if msg.Channel == "" {
		return ErrEmptyChannel
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Op: OpSend, Channel: msg.Channel, Message: msg}); err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

// Calls returns a copy of every recorded call, failed ones included.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CountCalls returns how many recorded calls have op.
func (m *Memory) CountCalls(op Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Sent returns messages that were accepted.
func (m *Memory) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Members returns the sorted device ids subscribed to channel.
func (m *Memory) Members(channel string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.members[channel]))
	for d := range m.members[channel] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds memberships directly, without recording a call.
func (m *Memory) Subscribe(deviceID string, channels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range channels {
		set := m.members[ch]
		if set == nil {
			set = map[string]struct{}{}
			m.members[ch] = set
		}
		set[deviceID] = struct{}{}
	}
}
