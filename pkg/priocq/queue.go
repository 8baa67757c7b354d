// Package priocq is the mesh forward queue: strict priority between classes,
// deficit round robin between next hops inside a class.
package priocq

import (
	"context"
	"sync"
	"time"
)

// Class is a priority class: Control > Realtime > Bulk.
type Class int

const (
	Control Class = iota
	Realtime
	Bulk
	numClasses
)

func (c Class) String() string {
	switch c {
	case Control:
		return "control"
	case Realtime:
		return "realtime"
	case Bulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Item is one queued frame.
type Item struct {
	Dest    string // next-hop peer id; one DRR flow per Dest
	Class   Class
	Size    int
	Value   any
	Arrived time.Time
}

type flow struct {
	q       []Item
	deficit int
	quantum int
}

type level struct {
	flows map[string]*flow
	order []string
	idx   int
	n     int
}

// Queue is safe for concurrent use by many producers and consumers.
type Queue struct {
	mu     sync.Mutex
	lvls   [numClasses]*level
	notify chan struct{}
	limit  int
	size   int
}

// New creates a queue holding at most limit items (0 = unbounded).
func New(limit int) *Queue {
	q := &Queue{notify: make(chan struct{}, 1), limit: limit}
	for i := range q.lvls {
		q.lvls[i] = &level{flows: make(map[string]*flow)}
	}
	return q
}

func quantum(c Class) int {
	switch c {
	case Control:
		return 2048
	case Realtime:
		return 8192
	default:
		return 65536
	}
}

// Enqueue appends it to its class and flow. It returns false when the queue
// is full; control items are always admitted.
func (q *Queue) Enqueue(it Item) bool {
	if it.Class < Control || it.Class >= numClasses {
		it.Class = Bulk
	}
	if it.Size <= 0 {
		it.Size = 1
	}
	if it.Arrived.IsZero() {
		it.Arrived = time.Now()
	}
	q.mu.Lock()
	if q.limit > 0 && q.size >= q.limit && it.Class != Control {
		q.mu.Unlock()
		return false
	}
	lvl := q.lvls[it.Class]
	f := lvl.flows[it.Dest]
	if f == nil {
		f = &flow{quantum: quantum(it.Class)}
		lvl.flows[it.Dest] = f
		lvl.order = append(lvl.order, it.Dest)
	}
	f.q = append(f.q, it)
	lvl.n++
	q.size++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dequeue blocks until an item is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Item, error) {
	for {
		if it, ok := q.TryDequeue(); ok {
			return it, nil
		}
		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// TryDequeue pops the next item without blocking.
func (q *Queue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lvl := range q.lvls {
		if lvl.n == 0 {
			continue
		}
		// Each pass tops up deficits, so an item larger than its quantum is
		// served after enough rounds.
		for {
			if it, ok := lvl.pop(); ok {
				q.size--
				if q.size > 0 {
					select {
					case q.notify <- struct{}{}:
					default:
					}
				}
				return it, true
			}
		}
	}
	return Item{}, false
}

func (lvl *level) pop() (Item, bool) {
	n := len(lvl.order)
	for i := 0; i < n; i++ {
		j := (lvl.idx + i) % n
		key := lvl.order[j]
		f := lvl.flows[key]
		if len(f.q) == 0 {
			continue
		}
		if f.deficit < f.q[0].Size {
			f.deficit += f.quantum
			continue
		}
		it := f.q[0]
		f.q[0] = Item{}
		f.q = f.q[1:]
		f.deficit -= it.Size
		lvl.n--
		if len(f.q) == 0 {
			f.deficit = 0
			lvl.remove(j)
		} else {
			lvl.idx = (j + 1) % n
		}
		return it, true
	}
	return Item{}, false
}

func (lvl *level) remove(j int) {
	delete(lvl.flows, lvl.order[j])
	lvl.order = append(lvl.order[:j], lvl.order[j+1:]...)
	if len(lvl.order) == 0 {
		lvl.idx = 0
		return
	}
	lvl.idx = j % len(lvl.order)
}
