package substrate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cosim-robotics/coreplane/internal/coreerr"
)

// MemStore is an in-process Store used by component tests, the same
// "fake over mock" choice the teacher makes with adapter/mock: a real
// implementation of the interface rather than a hand-wound mock tied to
// one test's expectations. It also doubles as a single-process demo
// substrate when no Redis instance is available.
type MemStore struct {
	mu sync.Mutex

	kv     map[string]entry
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	counts map[string]entry

	streams map[string][]StreamEntry
	seq     int64

	subs map[string][]chan Message
}

type entry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func NewMemStore() *MemStore {
	return &MemStore{
		kv:      make(map[string]entry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		counts:  make(map[string]entry),
		streams: make(map[string][]StreamEntry),
		subs:    make(map[string][]chan Message),
	}
}

func (m *MemStore) expired(e entry) bool {
	return !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || m.expired(e) {
		return nil, coreerr.NotFoundf("key %q", key)
	}
	return e.value, nil
}

func (m *MemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = m.mkEntry(value, ttl)
	return nil
}

func (m *MemStore) mkEntry(value []byte, ttl time.Duration) entry {
	e := entry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	return e
}

func (m *MemStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.kv[key]; ok && !m.expired(e) {
		return false, nil
	}
	m.kv[key] = m.mkEntry(value, ttl)
	return true, nil
}

func (m *MemStore) HSet(_ context.Context, key string, fields map[string]string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (m *MemStore) HGet(_ context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", coreerr.NotFoundf("hash %q", key)
	}
	v, ok := h[field]
	if !ok {
		return "", coreerr.NotFoundf("field %q of %q", field, key)
	}
	return v, nil
}

func (m *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *MemStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	return nil
}

func (m *MemStore) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

func (m *MemStore) SRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(s, mem)
	}
	if len(s) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemStore) SMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for mem := range m.sets[key] {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) SCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.sets[key])), nil
}

func (m *MemStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.counts[key]
	if !ok || m.expired(e) {
		e = m.mkEntry([]byte("1"), ttl)
		m.counts[key] = e
		return 1, nil
	}
	n, _ := strconv.ParseInt(string(e.value), 10, 64)
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.counts[key] = e
	return n, nil
}

func (m *MemStore) StreamAdd(_ context.Context, stream string, maxLen int64, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	strValues := make(map[string]string, len(values))
	for k, v := range values {
		strValues[k] = toStr(v)
	}
	entries := append(m.streams[stream], StreamEntry{ID: strconv.FormatInt(m.seq, 10), Values: strValues})
	if maxLen > 0 && int64(len(entries)) > maxLen {
		entries = entries[int64(len(entries))-maxLen:]
	}
	m.streams[stream] = entries
	return nil
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

func (m *MemStore) StreamRange(_ context.Context, stream string, afterID string, count int64) ([]StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.streams[stream]
	start := 0
	if afterID != "" {
		afterSeq, _ := strconv.ParseInt(afterID, 10, 64)
		for i, e := range entries {
			seq, _ := strconv.ParseInt(e.ID, 10, 64)
			if seq > afterSeq {
				start = i
				goto found
			}
		}
		return nil, nil
	found:
	}
	out := entries[start:]
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	result := make([]StreamEntry, len(out))
	copy(result, out)
	return result, nil
}

func (m *MemStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	subs := append([]chan Message(nil), m.subs[channel]...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (m *MemStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	ch := make(chan Message, 64)
	m.mu.Lock()
	for _, c := range channels {
		m.subs[c] = append(m.subs[c], ch)
	}
	m.mu.Unlock()
	return &memSubscription{store: m, channels: channels, ch: ch}, nil
}

type memSubscription struct {
	store    *MemStore
	channels []string
	ch       chan Message
}

func (s *memSubscription) Channel() <-chan Message { return s.ch }

func (s *memSubscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	for _, c := range s.channels {
		subs := s.store.subs[c]
		for i, ch := range subs {
			if ch == s.ch {
				s.store.subs[c] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	close(s.ch)
	return nil
}

// Transact applies ops one at a time through the single-op methods, each
// taking the store's mutex on its own. The batch is not isolated: a
// concurrent reader can observe it partly applied, and ops before a
// failing one stay applied.
func (m *MemStore) Transact(ctx context.Context, ops ...TxOp) error {
	for _, op := range ops {
		switch op.Kind {
		case TxSAdd:
			if err := m.SAdd(ctx, op.Key, op.Members...); err != nil {
				return err
			}
		case TxSRem:
			if err := m.SRem(ctx, op.Key, op.Members...); err != nil {
				return err
			}
		case TxHSet:
			if err := m.HSet(ctx, op.Key, op.Fields, op.TTL); err != nil {
				return err
			}
		case TxDel:
			if err := m.Del(ctx, op.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *MemStore) Close() error { return nil }
