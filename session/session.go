// Package session holds the attester's ephemeral per-attempt state.
//
// Validation code reaches sessions only through Store, so the backing store
// can be the in-process MemoryStore or the DB-backed KVStore.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tolelom/tolarcade/cadence"
)

// SeedSize is the number of random bytes in a session seed.
const SeedSize = 32

// Session is one attempt's server-issued context.
type Session struct {
	ID         string              `json:"id"`
	Seed       string              `json:"seed"` // hex, SeedSize bytes
	Owner      string              `json:"owner"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	Heartbeats []cadence.Heartbeat `json:"heartbeats"`
}

// New issues a session for owner with a fresh id and seed.
func New(owner string, now time.Time, ttl time.Duration) (*Session, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return &Session{
		ID:        uuid.NewString(),
		Seed:      hex.EncodeToString(seed),
		Owner:     owner,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// Expired reports whether the session's lifetime has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SeedBytes decodes the hex seed.
func (s *Session) SeedBytes() ([]byte, error) {
	return hex.DecodeString(s.Seed)
}

// LastHeartbeat returns the newest heartbeat, or nil.
func (s *Session) LastHeartbeat() *cadence.Heartbeat {
	if len(s.Heartbeats) == 0 {
		return nil
	}
	return &s.Heartbeats[len(s.Heartbeats)-1]
}

func (s *Session) clone() *Session {
	cp := *s
	cp.Heartbeats = append([]cadence.Heartbeat(nil), s.Heartbeats...)
	return &cp
}

// BuildFunc produces the next heartbeat given the session's current state.
// It runs while the session is locked.
type BuildFunc func(s *Session) (cadence.Heartbeat, error)

// Store is the session capability used by the attestation service.
type Store interface {
	// Get returns a copy of a live session, or an error matching
	// core.ErrSessionNotFound / core.ErrSessionExpired.
	Get(id string) (*Session, error)
	// Set creates or replaces a session.
	Set(s *Session) error
	// AppendHeartbeat builds and appends a heartbeat under the session's
	// lock, so concurrent pings to one session never lose an update.
	AppendHeartbeat(id string, build BuildFunc) (cadence.Heartbeat, error)
	// Delete removes a session; it fails with core.ErrSessionNotFound if the
	// session is already gone, making consumption single-use.
	Delete(id string) error
	// Sweep removes sessions expired at now and returns how many.
	Sweep(now time.Time) (int, error)
}
