// Package idempotency is the reference implementation of the
// request-idempotency key store the API layer consults. A key maps to
// the hash of the request body and the serialized response; replays
// with the same body get the recorded response verbatim, replays with a
// different body are conflicts.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"bay.dev/bay/bayerr"
)

const DefaultCapacity = 4096

type record struct {
	bodyHash string
	response []byte
	done     bool
}

// Store is a bounded in-memory key store. Eviction of old keys is
// acceptable: an evicted key behaves like a fresh request, which is the
// documented contract for keys past their retention window.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *record]
}

func New(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, *record](capacity)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

// HashBody derives the body fingerprint stored with a key.
func HashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Outcome of Begin.
type Outcome int

const (
	// Fresh means the key is new; the caller executes the request and
	// must Complete (or Abandon) it.
	Fresh Outcome = iota

	// Replay means the key completed before with the same body; the
	// recorded response is returned.
	Replay

	// InFlight means another request with this key started but has not
	// completed. Callers surface a retryable conflict.
	InFlight
)

// Begin claims key for a request with the given body hash.
func (s *Store) Begin(key, bodyHash string) (Outcome, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cache.Get(key)
	if !ok {
		s.cache.Add(key, &record{bodyHash: bodyHash})
		return Fresh, nil, nil
	}

	if rec.bodyHash != bodyHash {
		return 0, nil, bayerr.Conflict("idempotency key reused with a different request body").
			With("key", key)
	}
	if !rec.done {
		return InFlight, nil, nil
	}
	return Replay, rec.response, nil
}

// Complete records the response for key. The response is replayed
// bit-exact on subsequent Begin calls, error bodies included.
func (s *Store) Complete(key string, response []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.cache.Get(key); ok {
		rec.response = response
		rec.done = true
	}
}

// Abandon forgets an in-flight key so the client can retry after a
// crash mid-request.
func (s *Store) Abandon(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.cache.Get(key); ok && !rec.done {
		s.cache.Remove(key)
	}
}

// Len reports the number of cached keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
