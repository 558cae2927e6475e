package auth

import (
	"fmt"
	"sync"

	logx "pingcast/pkg/logx"
)

// Verifier checks identity/secret pairs against configured hashes.
// Safe for concurrent use.
type Verifier struct {
	params Params
	log    logx.Logger

	mu       sync.RWMutex
	users    map[string]string
	fallback string // hash of the dev password, "" when disabled
}

// NewVerifier builds a verifier from identity -> hash pairs. A non-empty
// devPassword is hashed once and accepted for identities without their own hash.
func NewVerifier(users map[string]string, devPassword string, p Params, log logx.Logger) (*Verifier, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	v := &Verifier{params: p, log: log, users: map[string]string{}}
	for id, h := range users {
		if _, _, _, err := decode(h); err != nil {
			return nil, fmt.Errorf("auth: hash for %q: %w", id, err)
		}
		v.users[id] = h
	}
	if devPassword != "" {
		h, err := Hash(devPassword, p)
		if err != nil {
			return nil, err
		}
		v.fallback = h
		log.Warn("dev password enabled; every identity without a hash accepts it")
	}
	return v, nil
}

// Check reports whether secret is valid for identity.
func (v *Verifier) Check(identity, secret string) bool {
	if secret == "" {
		return false
	}
	v.mu.RLock()
	h, ok := v.users[identity]
	if !ok {
		h = v.fallback
	}
	v.mu.RUnlock()
	if h == "" {
		return false
	}
	match, err := Verify(h, secret, v.params)
	if err != nil {
		v.log.Error("stored hash rejected", logx.String("identity", identity), logx.Err(err))
		return false
	}
	return match
}
