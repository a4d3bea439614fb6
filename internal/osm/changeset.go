package osm

import (
	"sync"
	"sync/atomic"

	"github.com/pka/hecate/internal/errs"
)

// changeset is a transient mutation grouping that sits above deltas: its id
// is independent of delta ids, and each changeset carries its own lock so
// concurrent uploads to different changesets never contend.
type changeset struct {
	mu      sync.Mutex
	id      int64
	author  int64
	comment string
	closed  bool
}

// changesetStore is the in-memory changeset table keyed by id.
type changesetStore struct {
	mu   sync.RWMutex
	next int64
	sets map[int64]*changeset
}

func newChangesetStore() *changesetStore {
	return &changesetStore{sets: make(map[int64]*changeset)}
}

func (s *changesetStore) create(author int64, comment string) int64 {
	id := atomic.AddInt64(&s.next, 1)
	cs := &changeset{id: id, author: author, comment: comment}
	s.mu.Lock()
	s.sets[id] = cs
	s.mu.Unlock()
	return id
}

func (s *changesetStore) get(id int64) (*changeset, error) {
	s.mu.RLock()
	cs, ok := s.sets[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, "changeset not found")
	}
	return cs, nil
}

func (s *changesetStore) close(id int64) error {
	cs, err := s.get(id)
	if err != nil {
		return err
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closed = true
	return nil
}
