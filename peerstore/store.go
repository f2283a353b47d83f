// Package peerstore provides a bounded, LRU-evicted cache of known peer
// static keys and the addresses they were last reached at, so an initiator
// can refuse to dial an address that previously answered under a different
// static key.
package peerstore

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gosuda/noisepeer/noise"
)

// Entry records what is known about one remote peer between connections.
type Entry struct {
	StaticKey [33]byte
	Address   string
	LastSeen  time.Time
}

// Store is a concurrency-safe, size-bounded cache of Entry keyed by the
// peer's compressed static public key.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[[33]byte, Entry]
}

// New returns a Store holding at most capacity entries, evicting the least
// recently used once full.
func New(capacity int) (*Store, error) {
	cache, err := lru.New[[33]byte, Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

// Remember records or refreshes an entry for pub, stamping LastSeen with
// seenAt.
func (s *Store) Remember(pub *noise.PublicKey, address string, seenAt time.Time) {
	key := noise.SerializePublicKey(pub)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, Entry{StaticKey: key, Address: address, LastSeen: seenAt})
}

// Lookup returns the cached entry for a compressed static key, if any.
func (s *Store) Lookup(staticKey [33]byte) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(staticKey)
}

// Pinned reports whether remote matches the static key previously recorded
// under expected. A caller uses this to reject a connection outright when
// the presented static key doesn't match what was pinned on a prior
// connection to the same logical peer.
func (s *Store) Pinned(expected [33]byte, remote *noise.PublicKey) bool {
	entry, ok := s.Lookup(expected)
	if !ok {
		return true
	}
	return entry.StaticKey == noise.SerializePublicKey(remote)
}

// AddressPinned reports whether address may be dialed under presented: it
// returns false if address was previously seen bound to a static key other
// than presented, and true otherwise. A dial target whose address now answers
// with a different identity than last time fails this check, the same way
// an SSH client refuses a host whose key no longer matches known_hosts.
func (s *Store) AddressPinned(address string, presented *noise.PublicKey) bool {
	presentedKey := noise.SerializePublicKey(presented)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.cache.Keys() {
		entry, ok := s.cache.Peek(k)
		if ok && entry.Address == address && entry.StaticKey != presentedKey {
			return false
		}
	}
	return true
}

// Forget evicts the entry for a static key, e.g. after a pin mismatch.
func (s *Store) Forget(staticKey [33]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(staticKey)
}

// Len returns the number of entries currently cached.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
