package store

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type valueKind int

const (
	kindString valueKind = iota
	kindHash
	kindZSet
)

type memEntry struct {
	kind    valueKind
	str     string
	hash    map[string]string
	zset    map[string]float64
	expires time.Time
}

// MemoryStore is an in-process Store. Expired keys are dropped lazily on
// access. It backs single-process deployments without Redis and the tests.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]*memEntry
	now    func() time.Time
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]*memEntry),
		now:  time.Now,
	}
}

// lookup returns the live entry for key. Caller must hold s.mu.
func (s *MemoryStore) lookup(key string) (*memEntry, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.expires.IsZero() && !s.now().Before(e.expires) {
		delete(s.data, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) typed(key string, kind valueKind) (*memEntry, error) {
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNil
	}
	if e.kind != kind {
		return nil, ErrWrongType
	}
	return e, nil
}

func (s *MemoryStore) hashFor(key string, create bool) (*memEntry, error) {
	e, err := s.typed(key, kindHash)
	if err == ErrNil && create {
		e = &memEntry{kind: kindHash, hash: make(map[string]string)}
		s.data[key] = e
		return e, nil
	}
	return e, err
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindString)
	if err != nil {
		return "", err
	}
	return e.str, nil
}

func (s *MemoryStore) setString(key, value string, ttl time.Duration) {
	e := &memEntry{kind: kindString, str: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.data[key] = e
}

func (s *MemoryStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.setString(key, value, ttl)
	return nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.setString(key, value, ttl)
	return true, nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindHash)
	if err != nil {
		return "", err
	}
	v, ok := e.hash[field]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	e, err := s.typed(key, kindHash)
	if err == ErrNil {
		return out, nil
	} else if err != nil {
		return nil, err
	}

	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HMGet(ctx context.Context, key string, fields ...string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(fields))
	e, err := s.typed(key, kindHash)
	if err == ErrNil {
		return out, nil
	} else if err != nil {
		return nil, err
	}

	for i, f := range fields {
		out[i] = e.hash[f]
	}
	return out, nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.hashFor(key, true)
	if err != nil {
		return err
	}
	e.hash[field] = value
	return nil
}

func (s *MemoryStore) HSetNXPair(ctx context.Context, guardKey, guardField, guardValue, key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	guard, err := s.hashFor(guardKey, true)
	if err != nil {
		return false, err
	}
	if _, ok := guard.hash[guardField]; ok {
		return false, nil
	}

	payload, err := s.hashFor(key, true)
	if err != nil {
		return false, err
	}

	guard.hash[guardField] = guardValue
	payload.hash[field] = value
	return true, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindHash)
	if err == ErrNil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var n int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			n++
		}
	}
	if len(e.hash) == 0 {
		delete(s.data, key)
	}
	return n, nil
}

func (s *MemoryStore) HLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindHash)
	if err == ErrNil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	return int64(len(e.hash)), nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindZSet)
	if err == ErrNil {
		e = &memEntry{kind: kindZSet, zset: make(map[string]float64)}
		s.data[key] = e
	} else if err != nil {
		return err
	}

	e.zset[member] = score
	return nil
}

func (s *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindZSet)
	if err == ErrNil {
		return []string{}, nil
	} else if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(e.zset))
	for m := range e.zset {
		members = append(members, m)
	}
	// ties are ordered lexicographically, like Redis
	sort.Slice(members, func(i, j int) bool {
		si, sj := e.zset[members[i]], e.zset[members[j]]
		if si != sj {
			return si < sj
		}
		return members[i] < members[j]
	})

	n := int64(len(members))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}

	return members[start : stop+1], nil
}

func (s *MemoryStore) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.typed(key, kindZSet)
	if err == ErrNil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	var n int64
	for _, m := range members {
		if _, ok := e.zset[m]; ok {
			delete(e.zset, m)
			n++
		}
	}
	if len(e.zset) == 0 {
		delete(s.data, key)
	}
	return n, nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for k := range s.data {
		if _, ok := s.lookup(k); !ok {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, k := range keys {
		if _, ok := s.lookup(k); ok {
			delete(s.data, k)
			n++
		}
	}
	return n, nil
}
