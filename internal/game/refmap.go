package game

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

type refEntry struct {
	betID     int64
	roundID   string
	userID    string
	createdAt time.Time
}

// RefMap hands out opaque per-user handles for bets. Clients only ever see
// the ref; the internal bet_id stays server side. Entries are write-once
// and swept once the round's replay window has passed. The map is purely
// in-process and is rebuilt empty on restart.
type RefMap struct {
	mu      sync.RWMutex
	refs    map[string]refEntry
	reverse map[int64]string
}

func NewRefMap() *RefMap {
	return &RefMap{
		refs:    make(map[string]refEntry),
		reverse: make(map[int64]string),
	}
}

// Generate mints a 96-bit random ref for a bet and records ownership.
func (m *RefMap) Generate(betID int64, roundID, userID string) (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", ErrRandomnessUnavailable
	}
	ref := hex.EncodeToString(b)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[ref] = refEntry{betID: betID, roundID: roundID, userID: userID, createdAt: time.Now()}
	m.reverse[betID] = ref
	return ref, nil
}

// Resolve maps a ref back to its bet, enforcing that only the owning user
// may use it.
func (m *RefMap) Resolve(ref, expectedUserID string) (betID int64, roundID string, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.refs[ref]
	if !ok {
		return 0, "", ErrBetNotFound
	}
	if entry.userID != expectedUserID {
		return 0, "", ErrNotOwner
	}
	return entry.betID, entry.roundID, nil
}

// RefFor returns the ref previously minted for a bet, for per-player
// notifications.
func (m *RefMap) RefFor(betID int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.reverse[betID]
	return ref, ok
}

// Sweep removes entries older than maxAge and returns how many were
// dropped. Run periodically; maxAge is the round replay window.
func (m *RefMap) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for ref, entry := range m.refs {
		if entry.createdAt.Before(cutoff) {
			delete(m.refs, ref)
			delete(m.reverse, entry.betID)
			n++
		}
	}
	return n
}

// Len reports the live entry count.
func (m *RefMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.refs)
}
