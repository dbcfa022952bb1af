// Package apikey holds the in-process API key store. Keys are provisioned
// from configuration; rotation is add-new + deactivate-old, the identifier of
// a key never changes.
package apikey

import (
	"fmt"
	"sync"
	"time"
)

// Token format bounds. Keys are prefix-tagged opaque strings.
const (
	DefaultPrefix = "rs-"
	MinTokenLen   = 8
	MaxTokenLen   = 128
)

// Limits are the three independent budgets attached to a key.
// Zero means "block everything", not "unlimited".
type Limits struct {
	PerMinute     int
	PerHour       int
	MaxConcurrent int
}

// Key is one provisioned API key.
type Key struct {
	ID       string // immutable identifier, used in logs and telemetry
	Token    string // the opaque bearer value
	Active   bool
	Limits   Limits
	Metadata map[string]string

	CreatedAt time.Time
	LastSeen  time.Time
}

// Info is the read-only snapshot admission hands to the rest of the request
// path. It never aliases store-internal state.
type Info struct {
	ID     string
	Limits Limits
}

// FormatError distinguishes malformed tokens from unknown ones so admission
// can report invalid_api_key_format vs invalid_api_key.
type FormatError struct{ Reason string }

func (e *FormatError) Error() string { return "api key format: " + e.Reason }

// CheckFormat validates the token shape without touching the store.
func CheckFormat(token, prefix string) error {
	if len(token) < MinTokenLen || len(token) > MaxTokenLen {
		return &FormatError{Reason: fmt.Sprintf("length must be in [%d, %d]", MinTokenLen, MaxTokenLen)}
	}
	if prefix != "" && (len(token) < len(prefix) || token[:len(prefix)] != prefix) {
		return &FormatError{Reason: "missing key prefix"}
	}
	for i := 0; i < len(token); i++ {
		if token[i] < 0x21 || token[i] > 0x7e {
			return &FormatError{Reason: "non-printable character"}
		}
	}
	return nil
}

// Store is the mutable key set. The set is small and admin-mutated, so a
// single RWMutex over a map is sufficient; lookups take the read lock and
// last-seen updates are deferred to a write-locked touch.
type Store struct {
	mu     sync.RWMutex
	byTok  map[string]*Key
	prefix string
}

// NewStore returns an empty store expecting tokens with the given prefix.
// An empty prefix disables the prefix check (useful in tests).
func NewStore(prefix string) *Store {
	return &Store{
		byTok:  make(map[string]*Key),
		prefix: prefix,
	}
}

// Prefix returns the expected token prefix.
func (s *Store) Prefix() string { return s.prefix }

// Add provisions a key. The token must be well-formed and unused.
func (s *Store) Add(k Key) error {
	if err := CheckFormat(k.Token, s.prefix); err != nil {
		return err
	}
	if k.ID == "" {
		return fmt.Errorf("apikey: key has no identifier")
	}
	if k.Limits.PerMinute < 0 || k.Limits.PerHour < 0 || k.Limits.MaxConcurrent < 0 {
		return fmt.Errorf("apikey: key %q has negative limits", k.ID)
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byTok[k.Token]; exists {
		return fmt.Errorf("apikey: duplicate token for key %q", k.ID)
	}
	kc := k
	s.byTok[k.Token] = &kc
	return nil
}

// Lookup resolves a bearer token to its key snapshot. ok is false for unknown
// or deactivated keys. A successful lookup updates last-seen.
func (s *Store) Lookup(token string) (Info, bool) {
	s.mu.RLock()
	k, found := s.byTok[token]
	active := found && k.Active
	var info Info
	if active {
		info = Info{ID: k.ID, Limits: k.Limits}
	}
	s.mu.RUnlock()

	if !active {
		return Info{}, false
	}

	s.mu.Lock()
	if k, found := s.byTok[token]; found {
		k.LastSeen = time.Now()
	}
	s.mu.Unlock()
	return info, true
}

// Deactivate flips the active flag off. Unknown tokens are a no-op.
func (s *Store) Deactivate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byTok[token]; ok {
		k.Active = false
	}
}

// Remove deletes a key outright.
func (s *Store) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTok, token)
}

// Len reports the number of provisioned keys, active or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTok)
}

// LastSeen returns the recorded last-seen instant for a token.
func (s *Store) LastSeen(token string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.byTok[token]; ok {
		return k.LastSeen, true
	}
	return time.Time{}, false
}
