package ping

import (
	"crypto/subtle"
	"sort"
	"time"
)

// Session is a logged-in device. Values handed out by Engine are copies.
type Session struct {
	Identity    string
	DeviceID    string
	Groups      []string
	Token       string
	LastRefresh time.Time
}

func (s *Session) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastRefresh) > ttl
}

func (s *Session) inGroup(group string) bool {
	for _, g := range s.Groups {
		if g == group {
			return true
		}
	}
	return false
}

func (s *Session) clone() Session {
	cp := *s
	cp.Groups = append([]string(nil), s.Groups...)
	return cp
}

// sessionStore maps identity to session. Callers hold Engine.mu.
type sessionStore struct {
	ttl  time.Duration
	byID map[string]*Session
}

func newSessionStore(ttl time.Duration) *sessionStore {
	return &sessionStore{ttl: ttl, byID: map[string]*Session{}}
}

// createOrReplace overwrites any previous session for identity. Memberships of
// the replaced session are left for later reconciliation.
func (st *sessionStore) createOrReplace(identity, deviceID string, groups []string, token string, now time.Time) *Session {
	s := &Session{
		Identity:    identity,
		DeviceID:    deviceID,
		Groups:      append([]string(nil), groups...),
		Token:       token,
		LastRefresh: now.UTC(),
	}
	st.byID[identity] = s
	return s
}

func (st *sessionStore) get(identity string) (*Session, bool) {
	s, ok := st.byID[identity]
	return s, ok
}

// refresh accepts token only for a live session with an equal token.
// A rejected refresh never changes or removes the session.
func (st *sessionStore) refresh(identity, token string, now time.Time) bool {
	s, ok := st.byID[identity]
	if !ok || token == "" || s.expired(now, st.ttl) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return false
	}
	s.LastRefresh = now.UTC()
	return true
}

// sweepExpired removes and returns the sorted identities of expired sessions.
func (st *sessionStore) sweepExpired(now time.Time) []string {
	var removed []string
	for id, s := range st.byID {
		if s.expired(now, st.ttl) {
			delete(st.byID, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// all returns every session, expired ones included, ordered by identity.
func (st *sessionStore) all() []*Session {
	out := make([]*Session, 0, len(st.byID))
	for _, s := range st.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (st *sessionStore) len() int { return len(st.byID) }

// deviceIDs returns the distinct device ids of sessions, in order of first appearance.
func deviceIDs(sessions []*Session) []string {
	seen := make(map[string]struct{}, len(sessions))
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if _, dup := seen[s.DeviceID]; dup {
			continue
		}
		seen[s.DeviceID] = struct{}{}
		out = append(out, s.DeviceID)
	}
	return out
}
