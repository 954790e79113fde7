package p2p

import (
	"sort"
	"sync"

	"github.com/uhyunpark/perpcore/pkg/events"
)

// Backlog keeps the most recent events in seq order so lagging peers can catch up
type Backlog struct {
	mu   sync.RWMutex
	max  int
	evs  []events.Event
	last uint64
}

func NewBacklog(max int) *Backlog {
	if max <= 0 {
		max = 4096
	}
	return &Backlog{max: max}
}

// Append records evs, ignoring any seq already held
func (b *Backlog) Append(evs []events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range evs {
		if e.Seq <= b.last {
			continue
		}
		b.evs = append(b.evs, e)
		b.last = e.Seq
	}
	if over := len(b.evs) - b.max; over > 0 {
		b.evs = append([]events.Event(nil), b.evs[over:]...)
	}
}

// Since returns up to limit events with seq greater than after
// ok is false when events after `after` have already been evicted
func (b *Backlog) Since(after uint64, limit int) (evs []events.Event, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.evs) == 0 {
		return nil, after >= b.last
	}
	if b.evs[0].Seq > after+1 {
		return nil, false
	}
	i := sort.Search(len(b.evs), func(i int) bool { return b.evs[i].Seq > after })
	end := len(b.evs)
	if limit > 0 && i+limit < end {
		end = i + limit
	}
	return append([]events.Event(nil), b.evs[i:end]...), true
}

// Resume sets the seq the next appended event follows (after a restart)
func (b *Backlog) Resume(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.last {
		b.last = seq
		b.evs = nil
	}
}

// Last is the highest seq recorded
func (b *Backlog) Last() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.last
}
