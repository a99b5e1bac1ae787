package workflow

import "sync"

// lockTable hands out one mutex per workflow id so concurrent transition
// requests for the same workflow serialize while unrelated workflows proceed
// in parallel. Entries are reference-counted and removed once idle.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func (t *lockTable) acquire(id string) (release func()) {
	t.mu.Lock()
	if t.locks == nil {
		t.locks = make(map[string]*entry)
	}
	e, ok := t.locks[id]
	if !ok {
		e = &entry{}
		t.locks[id] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
