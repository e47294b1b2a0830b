package cachestore

import (
	"strconv"
	"time"

	"github.com/HiImSmiley/socketleyd/internal/xerr"
)

func (s *Store) putString(key string, val []byte, expireAt *time.Time) error {
	need := keySize(key, int64(len(val)))

	if e, ok := s.getLiveLocked(key); ok {
		if e.kind != KindString {
			return errTypeConflict
		}
		delta := int64(len(val)) - int64(len(e.str))
		if delta > 0 && !s.reserveLocked(delta) {
			return errOutOfMemory
		}
		s.currentMemory += delta
		e.str = val
		e.expireAt = expireAt
		e.size += delta
		s.touchLRULocked(key, e)
		return nil
	}

	if !s.reserveLocked(need) {
		return errOutOfMemory
	}
	e := &entry{kind: KindString, str: val, expireAt: expireAt, size: need}
	s.data[key] = e
	s.currentMemory += need
	s.touchLRULocked(key, e)
	return nil
}

// Set stores key=val, clearing any prior TTL (spec §4.7 string "set").
func (s *Store) Set(key string, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putString(key, val, nil); err != nil {
		return err
	}
	s.replicate("set", []byte(key), val)
	return nil
}

// SetEX stores key=val with a TTL in whole seconds.
func (s *Store) SetEX(key string, val []byte, seconds int64) error {
	exp := time.Now().Add(time.Duration(seconds) * time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putString(key, val, &exp); err != nil {
		return err
	}
	s.replicate("setex", []byte(key), []byte(strconv.FormatInt(seconds, 10)), val)
	return nil
}

// PSetEX is SetEX with a millisecond TTL.
func (s *Store) PSetEX(key string, val []byte, ms int64) error {
	exp := time.Now().Add(time.Duration(ms) * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putString(key, val, &exp); err != nil {
		return err
	}
	s.replicate("psetex", []byte(key), []byte(strconv.FormatInt(ms, 10)), val)
	return nil
}

// SetNX sets key only if it does not already exist; reports whether it did.
func (s *Store) SetNX(key string, val []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getLiveLocked(key); ok {
		return false, nil
	}
	if err := s.putString(key, val, nil); err != nil {
		return false, err
	}
	s.replicate("setnx", []byte(key), val)
	return true, nil
}

// Get returns the string value, or (nil, false, nil) if absent/expired;
// a key holding another type yields the type-conflict error.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return nil, false, nil
	}
	if e.kind != KindString {
		return nil, false, errTypeConflict
	}
	s.touchLRULocked(key, e)
	return e.str, true, nil
}

// GetSet atomically sets key=val and returns the previous value, if any.
func (s *Store) GetSet(key string, val []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev []byte
	var had bool
	if e, ok := s.getLiveLocked(key); ok {
		if e.kind != KindString {
			return nil, false, errTypeConflict
		}
		prev, had = e.str, true
	}
	if err := s.putString(key, val, nil); err != nil {
		return nil, false, err
	}
	s.replicate("getset", []byte(key), val)
	return prev, had, nil
}

// MGet returns one slot per key: the value, or nil if the key is
// absent, expired, or holds a non-string type (spec SUPPLEMENT: a type
// conflict inside mget yields the missing-value sentinel for that key
// only, it does not fail the whole command).
func (s *Store) MGet(keys []string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(keys))
	for i, k := range keys {
		e, ok := s.getLiveLocked(k)
		if !ok || e.kind != KindString {
			continue
		}
		s.touchLRULocked(k, e)
		out[i] = e.str
	}
	return out
}

// MSet sets every key=val pair, failing whole on the first type conflict
// (keys already written before the conflict remain set — matches a
// simple sequential apply, which is what the wire protocols issue this
// as under the hood).
func (s *Store) MSet(pairs map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range pairs {
		if err := s.putString(k, v, nil); err != nil {
			return err
		}
	}
	for k, v := range pairs {
		s.replicate("set", []byte(k), v)
	}
	return nil
}

// Append appends to an existing string (or creates it), returning the
// new length.
func (s *Store) Append(key string, suffix []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		if err := s.putString(key, append([]byte(nil), suffix...), nil); err != nil {
			return 0, err
		}
		s.replicate("append", []byte(key), suffix)
		return len(suffix), nil
	}
	if e.kind != KindString {
		return 0, errTypeConflict
	}

	need := int64(len(suffix))
	if !s.reserveLocked(need) {
		return 0, errOutOfMemory
	}
	e.str = append(e.str, suffix...)
	e.size += need
	s.currentMemory += need
	s.touchLRULocked(key, e)
	s.replicate("append", []byte(key), suffix)
	return len(e.str), nil
}

// Strlen returns the byte length of a string value, 0 if absent.
func (s *Store) Strlen(key string) (int, error) {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return 0, err
	}
	return len(v), nil
}

func (s *Store) incrBy(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	var cur int64
	if ok {
		if e.kind != KindString {
			return 0, errTypeConflict
		}
		n, err := strconv.ParseInt(string(e.str), 10, 64)
		if err != nil {
			return 0, xerr.New(xerr.CodeBadInput, "value is not an integer")
		}
		cur = n
	}
	cur += delta
	buf := []byte(strconv.FormatInt(cur, 10))
	if err := s.putString(key, buf, nil); err != nil {
		return 0, err
	}
	return cur, nil
}

func (s *Store) Incr(key string) (int64, error) {
	n, err := s.incrBy(key, 1)
	if err == nil {
		s.replicate("incr", []byte(key))
	}
	return n, err
}

func (s *Store) Decr(key string) (int64, error) {
	n, err := s.incrBy(key, -1)
	if err == nil {
		s.replicate("decr", []byte(key))
	}
	return n, err
}

func (s *Store) IncrBy(key string, delta int64) (int64, error) {
	n, err := s.incrBy(key, delta)
	if err == nil {
		s.replicate("incrby", []byte(key), []byte(strconv.FormatInt(delta, 10)))
	}
	return n, err
}

func (s *Store) DecrBy(key string, delta int64) (int64, error) {
	n, err := s.incrBy(key, -delta)
	if err == nil {
		s.replicate("decrby", []byte(key), []byte(strconv.FormatInt(delta, 10)))
	}
	return n, err
}
