// Package idpool implements a reusable dense-integer id allocator, used
// throughout the manager for ikernel ids and custom ring ids.
package idpool

import "github.com/behrlich/nica-manager/internal/nicaerr"

// Pool allocates small integers starting above minID, reusing released
// ids before minting new ones. Not safe for concurrent use; callers in
// this manager only ever touch a Pool from the single event-loop goroutine.
type Pool struct {
	minID  int
	maxID  int
	lastID int
	free   map[int]struct{}
	inUse  map[int]struct{}
}

// New creates a Pool that hands out ids in (minID, maxID]. maxID <= 0
// means unbounded.
func New(minID, maxID int) *Pool {
	return &Pool{
		minID:  minID,
		maxID:  maxID,
		lastID: minID,
		free:   make(map[int]struct{}),
		inUse:  make(map[int]struct{}),
	}
}

// GetID allocates the next id, preferring a released id over minting a
// new one.
func (p *Pool) GetID() (int, error) {
	return p.GetIDWhere(func(int) bool { return true })
}

// GetIDWhere allocates the next id matching pred, reusing a released id
// first. Ids skipped while minting because they failed pred are banked
// into the free set so they are not lost, mirroring the original
// allocator's condition-filtered scan.
func (p *Pool) GetIDWhere(pred func(id int) bool) (int, error) {
	for id := range p.free {
		if pred(id) {
			delete(p.free, id)
			p.inUse[id] = struct{}{}
			return id, nil
		}
	}

	for {
		if p.maxID > 0 && p.lastID >= p.maxID {
			return 0, nicaerr.New("idpool.GetID", nicaerr.CategoryNoSpace, "id pool exhausted")
		}
		p.lastID++
		id := p.lastID
		if pred(id) {
			p.inUse[id] = struct{}{}
			return id, nil
		}
		p.free[id] = struct{}{}
	}
}

// ReleaseID returns id to the free set so it can be reused.
func (p *Pool) ReleaseID(id int) {
	delete(p.inUse, id)
	p.free[id] = struct{}{}
}

// InUse reports whether id is currently allocated.
func (p *Pool) InUse(id int) bool {
	_, ok := p.inUse[id]
	return ok
}
