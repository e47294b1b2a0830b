package cachestore

import "time"

// Expire sets a TTL of seconds from now; reports whether the key existed.
func (s *Store) Expire(key string, seconds int64) bool {
	return s.expireAt(key, time.Now().Add(time.Duration(seconds)*time.Second))
}

func (s *Store) PExpire(key string, ms int64) bool {
	return s.expireAt(key, time.Now().Add(time.Duration(ms)*time.Millisecond))
}

func (s *Store) ExpireAt(key string, unixSeconds int64) bool {
	return s.expireAt(key, time.Unix(unixSeconds, 0))
}

func (s *Store) PExpireAt(key string, unixMillis int64) bool {
	return s.expireAt(key, time.UnixMilli(unixMillis))
}

func (s *Store) expireAt(key string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return false
	}
	e.expireAt = &at
	return true
}

// Persist clears a key's TTL, reporting whether it had one.
func (s *Store) Persist(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok || e.expireAt == nil {
		return false
	}
	e.expireAt = nil
	return true
}

// TTL returns remaining seconds, -1 if the key has no expiry, -2 if
// absent (Redis-style sentinel convention carried by the text/resp
// front-ends).
func (s *Store) TTL(key string) int64 {
	ms := s.PTTLRaw(key)
	if ms < 0 {
		return ms
	}
	return (ms + 999) / 1000
}

func (s *Store) PTTL(key string) int64 {
	return s.PTTLRaw(key)
}

func (s *Store) PTTLRaw(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return -2
	}
	if e.expireAt == nil {
		return -1
	}
	remaining := time.Until(*e.expireAt)
	if remaining < 0 {
		return 0
	}
	return remaining.Milliseconds()
}
