// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/binary"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultShardCount is the default number of registry shards.
const DefaultShardCount = 64

type shard struct {
	mu       sync.Mutex
	sessions map[Endpoint]Session
}

// Registry maps peer endpoints to sessions. Endpoints are spread over
// independently locked shards, so peers on different shards never contend
// and every operation on one endpoint is serialized with every other
// operation on it, including expiry.
type Registry struct {
	shards []shard
	seed   maphash.Seed
	count  atomic.Int64
	logger *slog.Logger
}

// NewRegistry creates a registry with the given number of shards.
// If shards is 0, DefaultShardCount is used.
func NewRegistry(logger *slog.Logger, shards int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if shards <= 0 {
		shards = DefaultShardCount
	}
	r := &Registry{
		shards: make([]shard, shards),
		seed:   maphash.MakeSeed(),
		logger: logger,
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[Endpoint]Session)
	}
	return r
}

func (r *Registry) shardFor(ep Endpoint) *shard {
	var h maphash.Hash
	h.SetSeed(r.seed)
	h.WriteString(ep.Host)
	var b [3]byte
	b[0] = ep.Version
	binary.BigEndian.PutUint16(b[1:], ep.Port)
	h.Write(b[:])
	return &r.shards[h.Sum64()%uint64(len(r.shards))]
}

// Lookup returns a copy of the session for ep.
func (r *Registry) Lookup(ep Endpoint) (Session, bool) {
	sh := r.shardFor(ep)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[ep]
	return s, ok
}

// Upsert stores s under s.Endpoint. A session in StateClosed or StateUnseen
// is removed instead.
func (r *Registry) Upsert(s Session) {
	r.Apply(s.Endpoint, func(*Session) *Session {
		return &s
	})
}

// Remove deletes the session for ep and returns it.
func (r *Registry) Remove(ep Endpoint) (Session, bool) {
	sh := r.shardFor(ep)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[ep]
	if ok {
		delete(sh.sessions, ep)
		r.count.Add(-1)
	}
	return s, ok
}

// Apply runs fn with exclusive access to the record of ep. fn receives a
// copy of the current session, or nil if there is none, and returns the
// record to store; returning nil, or a session in StateClosed, removes it.
// Apply returns the stored session and whether one exists afterwards.
//
// fn must not call back into the registry for an endpoint on the same shard.
func (r *Registry) Apply(ep Endpoint, fn func(cur *Session) *Session) (Session, bool) {
	sh := r.shardFor(ep)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var cur *Session
	existing, ok := sh.sessions[ep]
	if ok {
		c := existing
		cur = &c
	}

	next := fn(cur)
	if next == nil || next.State == StateClosed || next.State == StateUnseen {
		if ok {
			delete(sh.sessions, ep)
			r.count.Add(-1)
		}
		return Session{}, false
	}

	stored := *next
	stored.Endpoint = ep
	sh.sessions[ep] = stored
	if !ok {
		r.count.Add(1)
	}
	return stored, true
}

// ExpireStale removes every session whose last activity is older than
// timeout, whatever its state, and returns the removed sessions.
func (r *Registry) ExpireStale(now time.Time, timeout time.Duration) []Session {
	var removed []Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for ep, s := range sh.sessions {
			if now.Sub(s.LastActivity) > timeout {
				delete(sh.sessions, ep)
				r.count.Add(-1)
				removed = append(removed, s)
			}
		}
		sh.mu.Unlock()
	}

	if len(removed) > 0 {
		r.logger.Debug("expired stale sessions", slog.Int("count", len(removed)))
	}
	return removed
}

// Drain removes and returns all sessions.
func (r *Registry) Drain() []Session {
	var removed []Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for ep, s := range sh.sessions {
			delete(sh.sessions, ep)
			r.count.Add(-1)
			removed = append(removed, s)
		}
		sh.mu.Unlock()
	}
	return removed
}

// CountByState returns the number of sessions in each state.
func (r *Registry) CountByState() map[State]int {
	counts := make(map[State]int)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.Lock()
		for _, s := range sh.sessions {
			counts[s.State]++
		}
		sh.mu.Unlock()
	}
	return counts
}

// Count returns the number of sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}
