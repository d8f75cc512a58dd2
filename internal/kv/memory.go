package kv

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-memory Store used by tests and local development. All
// operations are mutex-protected. TTLs are recorded but never enforced;
// tests assert on LastTTL instead of sleeping.
//
// Setting Err makes every subsequent operation fail with it, which is how
// tests exercise fail-open and fail-closed paths.
type Memory struct {
	mu sync.Mutex

	Err error

	strings  map[string]string
	counters map[string]int64
	sets     map[string]map[string]struct{}
	zsets    map[string]map[string]float64

	// LastTTL records the most recent TTL applied to each key.
	LastTTL map[string]time.Duration
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		strings:  make(map[string]string),
		counters: make(map[string]int64),
		sets:     make(map[string]map[string]struct{}),
		zsets:    make(map[string]map[string]float64),
		LastTTL:  make(map[string]time.Duration),
	}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	if v, ok := m.strings[key]; ok {
		return v, nil
	}
	if n, ok := m.counters[key]; ok {
		return strconv.FormatInt(n, 10), nil
	}
	return "", ErrNotFound
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.strings[key] = value
	m.LastTTL[key] = ttl
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, key := range keys {
		delete(m.strings, key)
		delete(m.counters, key)
		delete(m.sets, key)
		delete(m.zsets, key)
		delete(m.LastTTL, key)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.LastTTL[key] = ttl
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) Decr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	m.counters[key]--
	return m.counters[key], nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return int64(len(m.sets[key])), nil
}

func (m *Memory) ZAdd(_ context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	zset, ok := m.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (m *Memory) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	ranked := m.rankedLocked(key)
	n := int64(len(ranked))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}
	return ranked[start : stop+1], nil
}

func (m *Memory) ZRemRangeByRank(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	// Rank 0 is the lowest score; ranked is descending, so index from the tail.
	ranked := m.rankedLocked(key)
	n := int64(len(ranked))
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = n + start
	}
	for rank := start; rank <= stop && rank < n; rank++ {
		if rank < 0 {
			continue
		}
		delete(m.zsets[key], ranked[n-1-rank])
	}
	return nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) Close() error { return nil }

// rankedLocked returns members by descending score, ties broken by member
// for determinism.
func (m *Memory) rankedLocked(key string) []string {
	zset := m.zsets[key]
	members := make([]string, 0, len(zset))
	for member := range zset {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := zset[members[i]], zset[members[j]]
		if si != sj {
			return si > sj
		}
		return members[i] > members[j]
	})
	return members
}
