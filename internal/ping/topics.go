package ping

import (
	"fmt"
	"sort"
)

// recentWindow is how many retired channel ids per group are remembered.
// A new id differs from the live id and from every remembered one.
const recentWindow = 2

// maxRegenerate bounds collision retries when drawing a new channel id.
const maxRegenerate = 64

// topicMap maps group names to their live channel id. Callers hold Engine.mu.
// An empty id is the pre-bootstrap placeholder.
type topicMap struct {
	current map[string]string
	recent  map[string][]string // newest first, at most recentWindow
}

func newTopicMap(groups []string) *topicMap {
	t := &topicMap{current: make(map[string]string, len(groups)), recent: map[string][]string{}}
	for _, g := range groups {
		t.current[g] = ""
	}
	return t
}

func (t *topicMap) has(group string) bool {
	_, ok := t.current[group]
	return ok
}

func (t *topicMap) channel(group string) (string, bool) {
	ch, ok := t.current[group]
	return ch, ok
}

func (t *topicMap) groups() []string {
	out := make([]string, 0, len(t.current))
	for g := range t.current {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// snapshot copies the live map.
func (t *topicMap) snapshot() map[string]string {
	out := make(map[string]string, len(t.current))
	for g, ch := range t.current {
		out[g] = ch
	}
	return out
}

// rotate draws a fresh id per group and replaces the whole map at once. A new
// id never repeats the group's live or remembered ids, nor another group's
// new id. It returns the previous map. On failure the map is unchanged.
func (t *topicMap) rotate(gen func() string) (map[string]string, error) {
	next := make(map[string]string, len(t.current))
	taken := make(map[string]struct{}, len(t.current))
	for _, g := range t.groups() {
		id, err := t.draw(g, gen, taken)
		if err != nil {
			return nil, err
		}
		next[g] = id
		taken[id] = struct{}{}
	}

	old := t.current
	for g, prev := range old {
		if prev == "" {
			continue
		}
		r := append([]string{prev}, t.recent[g]...)
		if len(r) > recentWindow {
			r = r[:recentWindow]
		}
		t.recent[g] = r
	}
	t.current = next
	return old, nil
}

func (t *topicMap) draw(group string, gen func() string, taken map[string]struct{}) (string, error) {
	for i := 0; i < maxRegenerate; i++ {
		id := gen()
		if id == "" || id == t.current[group] {
			continue
		}
		if _, dup := taken[id]; dup {
			continue
		}
		reused := false
		for _, r := range t.recent[group] {
			if r == id {
				reused = true
				break
			}
		}
		if !reused {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: no fresh channel id for group %q after %d draws", ErrInvariant, group, maxRegenerate)
}

// desired resolves groups to their live channel ids. Placeholder entries are
// skipped; a group missing from the map is an invariant violation.
func (t *topicMap) desired(groups []string) ([]string, error) {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		ch, ok := t.current[g]
		if !ok {
			return nil, fmt.Errorf("%w: session group %q has no topic entry", ErrInvariant, g)
		}
		if ch != "" {
			out = append(out, ch)
		}
	}
	return out, nil
}
