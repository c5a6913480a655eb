package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-pod deployments and tests.
// Expiry is checked lazily on read plus a periodic sweep.
type MemoryStore struct {
	mu     sync.Mutex
	kv     map[string]memEntry
	sets   map[string]map[string]struct{}
	subs   map[string]map[int]func([]byte)
	subSeq int
	done   chan struct{}
	closed bool
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore creates a memory store and starts its sweep loop.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		kv:   make(map[string]memEntry),
		sets: make(map[string]map[string]struct{}),
		subs: make(map[string]map[int]func([]byte)),
		done: make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, e := range s.kv {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(s.kv, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) get(key string) (memEntry, bool) {
	e, ok := s.kv[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.kv, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = memEntry{value: value, expiresAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(key); ok {
		return false, nil
	}
	s.kv[key] = memEntry{value: value, expiresAt: expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		s.kv[key] = memEntry{value: "1", expiresAt: expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		n = 0
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	s.kv[key] = e
	return n, nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	handlers := make([]func([]byte), 0, len(s.subs[channel]))
	for _, h := range s.subs[channel] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	// Asynchronous delivery, matching the pub/sub semantics of Redis.
	for _, h := range handlers {
		go h(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]func([]byte))
	}
	s.subSeq++
	id := s.subSeq
	s.subs[channel][id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[channel], id)
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
