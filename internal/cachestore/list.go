package cachestore

func (s *Store) getOrCreateList(key string) (*entry, error) {
	e, ok := s.getLiveLocked(key)
	if !ok {
		e = &entry{kind: KindList}
		s.data[key] = e
		s.currentMemory += int64(len(key))
		e.size = int64(len(key))
		return e, nil
	}
	if e.kind != KindList {
		return nil, errTypeConflict
	}
	return e, nil
}

func (s *Store) pushLocked(key string, values [][]byte, front bool) (int, error) {
	e, err := s.getOrCreateList(key)
	if err != nil {
		return 0, err
	}

	var need int64
	for _, v := range values {
		need += int64(len(v))
	}
	if !s.reserveLocked(need) {
		return 0, errOutOfMemory
	}

	if front {
		for _, v := range values {
			e.list = append([][]byte{v}, e.list...)
		}
	} else {
		e.list = append(e.list, values...)
	}
	e.size += need
	s.currentMemory += need
	s.touchLRULocked(key, e)
	return len(e.list), nil
}

func (s *Store) LPush(key string, values ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.pushLocked(key, values, true)
	if err == nil {
		s.replicate("lpush", append([][]byte{[]byte(key)}, values...)...)
	}
	return n, err
}

func (s *Store) RPush(key string, values ...[]byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.pushLocked(key, values, false)
	if err == nil {
		s.replicate("rpush", append([][]byte{[]byte(key)}, values...)...)
	}
	return n, err
}

func (s *Store) popLocked(key string, front bool) ([]byte, bool, error) {
	e, ok := s.getLiveLocked(key)
	if !ok {
		return nil, false, nil
	}
	if e.kind != KindList {
		return nil, false, errTypeConflict
	}
	if len(e.list) == 0 {
		return nil, false, nil
	}

	var v []byte
	if front {
		v = e.list[0]
		e.list = e.list[1:]
	} else {
		v = e.list[len(e.list)-1]
		e.list = e.list[:len(e.list)-1]
	}
	e.size -= int64(len(v))
	s.currentMemory -= int64(len(v))
	if len(e.list) == 0 {
		s.deleteLocked(key, e)
	} else {
		s.touchLRULocked(key, e)
	}
	return v, true, nil
}

func (s *Store) LPop(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok, err := s.popLocked(key, true)
	if err == nil && ok {
		s.replicate("lpop", []byte(key))
	}
	return v, ok, err
}

func (s *Store) RPop(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok, err := s.popLocked(key, false)
	if err == nil && ok {
		s.replicate("rpop", []byte(key))
	}
	return v, ok, err
}

func (s *Store) LLen(key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLiveLocked(key)
	if !ok {
		return 0, nil
	}
	if e.kind != KindList {
		return 0, errTypeConflict
	}
	return len(e.list), nil
}

// LIndex supports Redis-style negative indices (-1 = last element).
func (s *Store) LIndex(key string, idx int) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLiveLocked(key)
	if !ok {
		return nil, false, nil
	}
	if e.kind != KindList {
		return nil, false, errTypeConflict
	}
	i := idx
	if i < 0 {
		i += len(e.list)
	}
	if i < 0 || i >= len(e.list) {
		return nil, false, nil
	}
	s.touchLRULocked(key, e)
	return e.list[i], true, nil
}

// LRange returns [start, stop] inclusive, Redis-style negative indices.
func (s *Store) LRange(key string, start, stop int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getLiveLocked(key)
	if !ok {
		return nil, nil
	}
	if e.kind != KindList {
		return nil, errTypeConflict
	}

	n := len(e.list)
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
	if start > stop || n == 0 {
		return nil, nil
	}
	s.touchLRULocked(key, e)

	out := make([][]byte, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}
