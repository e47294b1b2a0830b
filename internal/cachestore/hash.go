package cachestore

func (s *Store) HSet(key, field string, val []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		e = &entry{kind: KindHash, hash: make(map[string][]byte), size: int64(len(key))}
		s.data[key] = e
		s.currentMemory += int64(len(key))
	} else if e.kind != KindHash {
		return false, errTypeConflict
	}

	prev, existed := e.hash[field]
	delta := int64(len(field)) + int64(len(val)) - int64(len(field)) - int64(len(prev))
	if !existed {
		delta = int64(len(field)) + int64(len(val))
	}
	if delta > 0 && !s.reserveLocked(delta) {
		return false, errOutOfMemory
	}

	e.hash[field] = val
	e.size += delta
	s.currentMemory += delta
	s.touchLRULocked(key, e)
	s.replicate("hset", []byte(key), []byte(field), val)
	return !existed, nil
}

func (s *Store) HGet(key, field string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return nil, false, nil
	}
	if e.kind != KindHash {
		return nil, false, errTypeConflict
	}
	s.touchLRULocked(key, e)
	v, exists := e.hash[field]
	return v, exists, nil
}

func (s *Store) HDel(key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return false, nil
	}
	if e.kind != KindHash {
		return false, errTypeConflict
	}
	v, exists := e.hash[field]
	if !exists {
		return false, nil
	}
	delete(e.hash, field)
	delta := int64(len(field)) + int64(len(v))
	e.size -= delta
	s.currentMemory -= delta

	if len(e.hash) == 0 {
		s.deleteLocked(key, e)
	} else {
		s.touchLRULocked(key, e)
	}
	s.replicate("hdel", []byte(key), []byte(field))
	return true, nil
}

func (s *Store) HLen(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return 0, nil
	}
	if e.kind != KindHash {
		return 0, errTypeConflict
	}
	return len(e.hash), nil
}

func (s *Store) HGetAll(key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return nil, nil
	}
	if e.kind != KindHash {
		return nil, errTypeConflict
	}
	s.touchLRULocked(key, e)

	out := make(map[string][]byte, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out, nil
}
