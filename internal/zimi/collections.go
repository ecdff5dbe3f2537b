package zimi

import "sort"

// Collection returns the archive ids in the named collection.
func (s *State) Collection(name string) ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.collections[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(ids))
	copy(out, ids)
	return out, true
}

// Collections returns a copy of all collections.
func (s *State) Collections() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.collections))
	for name, ids := range s.collections {
		cp := make([]string, len(ids))
		copy(cp, ids)
		out[name] = cp
	}
	return out
}

// SetCollection creates or replaces the named collection. Duplicate ids are
// dropped and the member list is kept sorted.
func (s *State) SetCollection(name string, ids []string) error {
	seen := make(map[string]bool, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[name] = uniq
	return s.writeJSON("collections.json", s.collections)
}

// DeleteCollection removes the named collection. Deleting a collection that
// does not exist is not an error.
func (s *State) DeleteCollection(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		return nil
	}
	delete(s.collections, name)
	return s.writeJSON("collections.json", s.collections)
}

// RemoveFromCollections drops an archive id from every collection, used when
// an archive is deleted.
func (s *State) RemoveFromCollections(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for name, ids := range s.collections {
		kept := ids[:0]
		for _, v := range ids {
			if v != id {
				kept = append(kept, v)
			}
		}
		if len(kept) != len(ids) {
			s.collections[name] = kept
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.writeJSON("collections.json", s.collections)
}
