package cachestore

func (s *Store) SAdd(key string, members ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		e = &entry{kind: KindSet, set: make(map[string]struct{}), size: int64(len(key))}
		s.data[key] = e
		s.currentMemory += int64(len(key))
	} else if e.kind != KindSet {
		return 0, errTypeConflict
	}

	added := 0
	var need int64
	for _, m := range members {
		if _, exists := e.set[string(m)]; !exists {
			need += int64(len(m))
		}
	}
	if !s.reserveLocked(need) {
		return 0, errOutOfMemory
	}
	for _, m := range members {
		k := string(m)
		if _, exists := e.set[k]; exists {
			continue
		}
		e.set[k] = struct{}{}
		e.size += int64(len(m))
		s.currentMemory += int64(len(m))
		added++
	}
	s.touchLRULocked(key, e)
	if added > 0 {
		s.replicate("sadd", append([][]byte{[]byte(key)}, members...)...)
	}
	return added, nil
}

func (s *Store) SRem(key string, members ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return 0, nil
	}
	if e.kind != KindSet {
		return 0, errTypeConflict
	}

	removed := 0
	for _, m := range members {
		k := string(m)
		if _, exists := e.set[k]; !exists {
			continue
		}
		delete(e.set, k)
		e.size -= int64(len(m))
		s.currentMemory -= int64(len(m))
		removed++
	}
	if len(e.set) == 0 {
		s.deleteLocked(key, e)
	} else {
		s.touchLRULocked(key, e)
	}
	if removed > 0 {
		s.replicate("srem", append([][]byte{[]byte(key)}, members...)...)
	}
	return removed, nil
}

func (s *Store) SIsMember(key string, member []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return false, nil
	}
	if e.kind != KindSet {
		return false, errTypeConflict
	}
	_, exists := e.set[string(member)]
	return exists, nil
}

func (s *Store) SCard(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return 0, nil
	}
	if e.kind != KindSet {
		return 0, errTypeConflict
	}
	return len(e.set), nil
}

func (s *Store) SMembers(key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.getLiveLocked(key)
	if !ok {
		return nil, nil
	}
	if e.kind != KindSet {
		return nil, errTypeConflict
	}
	out := make([][]byte, 0, len(e.set))
	for m := range e.set {
		out = append(out, []byte(m))
	}
	return out, nil
}
