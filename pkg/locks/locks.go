// Package locks hands out per-key mutexes so lifecycle operations on
// the same sandbox serialize while unrelated sandboxes proceed in
// parallel. Entries are reference counted and dropped once the last
// holder releases, so the map does not grow with every sandbox ever
// touched.
package locks

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire blocks until the lock for key is held or ctx is done. On
// success it returns a release func; releasing more than once is safe.
func (r *Registry) Acquire(ctx context.Context, key string) (func(), error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		r.drop(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.sem
			r.drop(key, e)
		})
	}
	return release, nil
}

// drop decrements the refcount and removes the entry at zero. An entry
// is only ever deleted when nothing holds or waits on it, so a later
// Acquire for the same key starting fresh is correct.
func (r *Registry) drop(key string, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Cleanup removes the entry for key if it is idle. Callers use it after
// deleting an entity to make sure nothing lingers for a key that will
// never be locked again.
func (r *Registry) Cleanup(key string) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok && e.refs == 0 {
		delete(r.entries, key)
	}
	r.mu.Unlock()
}

// Len reports how many keys currently have an entry. Exposed for tests
// and the admin surface.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
