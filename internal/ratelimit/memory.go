package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 64

// MemoryStore is the in-process Store implementation: a sharded map of
// per-identity windows. Each identity has its own lock, so admissions for
// independent identities never contend while admissions for one identity are
// strictly ordered.
type MemoryStore struct {
	shards [shardCount]shard
	now    func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
	dur    time.Duration // window duration from the last Admit
}

// NewMemoryStore creates a memory store. If sweepInterval is positive, a
// background sweep removes identities whose windows have fully expired.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		now:  time.Now,
		stop: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*window)
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Close stops the background sweep.
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)%shardCount]
}

func (s *MemoryStore) Admit(_ context.Context, key string, limit int, windowDur time.Duration) (Decision, error) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	w, ok := sh.windows[key]
	if !ok {
		w = &window{}
		sh.windows[key] = w
	}
	sh.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	now := s.now()
	w.dur = windowDur
	w.purge(now.Add(-windowDur))

	count := len(w.stamps)
	d := Decision{Limit: limit}

	if count < limit {
		w.stamps = append(w.stamps, now)
		d.Allowed = true
		d.Remaining = limit - count - 1
	} else {
		d.Allowed = false
		d.Remaining = 0
		// The caller may retry once the oldest admission exits the window.
		d.RetryAfter = w.stamps[0].Add(windowDur).Sub(now)
	}
	if len(w.stamps) > 0 {
		d.ResetAt = w.stamps[0].Add(windowDur)
	} else {
		d.ResetAt = now.Add(windowDur)
	}
	return d, nil
}

// purge drops timestamps older than cutoff. Must be called with w.mu held.
func (w *window) purge(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes identities whose timestamps have all aged out of that
// identity's own window, so a sweep cadence shorter than a class window can
// never evict in-window stamps. It takes the shard lock and then each window
// lock, the same order Admit uses, so a concurrent Admit either sees the
// entry before removal or creates a fresh one afterward.
func (s *MemoryStore) sweep() {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.mu.Lock()
			w.purge(now.Add(-w.dur))
			empty := len(w.stamps) == 0
			w.mu.Unlock()
			if empty {
				delete(sh.windows, key)
			}
		}
		sh.mu.Unlock()
	}
}

// SnapshotUsage reports current per-identity window occupancy, sorted by
// identity for stable output.
func (s *MemoryStore) SnapshotUsage() []Usage {
	var out []Usage
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.mu.Lock()
			u := Usage{Identity: key, Count: len(w.stamps)}
			if len(w.stamps) > 0 {
				u.Oldest = w.stamps[0]
			}
			w.mu.Unlock()
			if u.Count > 0 {
				out = append(out, u)
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
