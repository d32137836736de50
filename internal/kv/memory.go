package kv

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type kind int

const (
	kindString kind = iota
	kindHash
	kindSet
)

type entry struct {
	kind     kind
	str      string
	hash     map[string]string
	set      map[string]struct{}
	expireAt time.Time // zero means no expiry
}

// Memory is an in-process Store. Expired keys are removed lazily when they
// are touched or listed.
type Memory struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*entry), now: time.Now}
}

// NewMemoryWithClock returns a store whose expiry is driven by now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{data: make(map[string]*entry), now: now}
}

// live returns the entry for key, evicting it first if it has expired.
// Caller must hold m.mu.
func (m *Memory) live(key string) *entry {
	e, ok := m.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !m.now().Before(e.expireAt) {
		delete(m.data, key)
		return nil
	}
	return e
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return "", ErrNil
	}
	if e.kind != kindString {
		return "", ErrWrongType
	}
	return e.str, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = &entry{kind: kindString, str: value, expireAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.data[key] = &entry{kind: kindString, str: value, expireAt: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if m.live(k) != nil {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key) != nil, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(m.data, key)
		return true, nil
	}
	e.expireAt = m.now().Add(ttl)
	return true, nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return Missing, nil
	}
	if e.expireAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expireAt.Sub(m.now()), nil
}

func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if m.live(k) != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// hashFor returns the hash at key, creating it when create is set.
// Caller must hold m.mu.
func (m *Memory) hashFor(key string, create bool) (*entry, error) {
	e := m.live(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		m.data[key] = e
		return e, nil
	}
	if e.kind != kindHash {
		return nil, ErrWrongType
	}
	return e, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.hashFor(key, true)
	if err != nil {
		return 0, err
	}
	var cur int64
	if s, ok := e.hash[field]; ok {
		cur, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: hash value is not an integer")
		}
	}
	cur += n
	e.hash[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) HSetMax(_ context.Context, key, field string, v int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.hashFor(key, true)
	if err != nil {
		return err
	}
	if s, ok := e.hash[field]; ok {
		if cur, err := strconv.ParseInt(s, 10, 64); err == nil && cur >= v {
			return nil
		}
	}
	e.hash[field] = strconv.FormatInt(v, 10)
	return nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.hashFor(key, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if e != nil {
		for k, v := range e.hash {
			out[k] = v
		}
	}
	return out, nil
}

// setFor returns the set at key, creating it when create is set.
// Caller must hold m.mu.
func (m *Memory) setFor(key string, create bool) (*entry, error) {
	e := m.live(key)
	if e == nil {
		if !create {
			return nil, nil
		}
		e = &entry{kind: kindSet, set: make(map[string]struct{})}
		m.data[key] = e
		return e, nil
	}
	if e.kind != kindSet {
		return nil, ErrWrongType
	}
	return e, nil
}

func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.setFor(key, true)
	if err != nil {
		return err
	}
	for _, mem := range members {
		e.set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.setFor(key, false)
	if err != nil || e == nil {
		return err
	}
	for _, mem := range members {
		delete(e.set, mem)
	}
	if len(e.set) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *Memory) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.setFor(key, false)
	if err != nil || e == nil {
		return []string{}, err
	}
	out := make([]string, 0, len(e.set))
	for mem := range e.set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.setFor(key, false)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.set)), nil
}

func (m *Memory) Rename(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(src)
	if e == nil {
		return fmt.Errorf("kv: rename %s: no such key", src)
	}
	delete(m.data, src)
	m.data[dst] = e
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
