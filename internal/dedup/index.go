// Package dedup tracks which product keys a crawl run no longer needs to visit.
package dedup

import "sync"

// Index is a concurrency-safe set of processed keys plus the keys currently
// claimed by in-flight tasks.
type Index struct {
	mu        sync.Mutex
	processed map[string]struct{}
	inFlight  map[string]struct{}
}

// New returns an Index seeded with already-persisted keys. Empty keys are ignored.
func New(seed ...string) *Index {
	idx := &Index{
		processed: make(map[string]struct{}, len(seed)),
		inFlight:  make(map[string]struct{}),
	}
	for _, key := range seed {
		if key != "" {
			idx.processed[key] = struct{}{}
		}
	}
	return idx
}

// Claim reserves key for the caller. It returns false when the key was
// already processed or another task holds it.
func (i *Index) Claim(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.processed[key]; ok {
		return false
	}
	if _, ok := i.inFlight[key]; ok {
		return false
	}
	i.inFlight[key] = struct{}{}
	return true
}

// Commit marks keys as processed.
func (i *Index) Commit(keys ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, key := range keys {
		if key == "" {
			continue
		}
		delete(i.inFlight, key)
		i.processed[key] = struct{}{}
	}
}

// Release drops a claim so a later task may retry the key.
func (i *Index) Release(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.inFlight, key)
}

// Contains reports whether key has been processed.
func (i *Index) Contains(key string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.processed[key]
	return ok
}

// Len returns the number of processed keys.
func (i *Index) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.processed)
}
