package engine

import (
	"sort"
	"sync"
	"time"

	rulengine "github.com/forgeworks/go-rulengine"
)

// resumePoint marks where a suspended execution picks back up after its
// continuation timer fires. Waited means the pending delay has already been
// honored and must not be waited again.
type resumePoint struct {
	actionIndex     int
	escalationLevel int
	inEscalation    bool
	waited          bool
}

// queueItem is one pending rule invocation. The execution is created lazily
// when processing starts; resume is non-nil only for continuations.
type queueItem struct {
	rc          *rulengine.Context
	exec        *rulengine.Execution
	resume      *resumePoint
	synchronous bool
	enqueuedAt  time.Time
}

func (q *queueItem) priority() int {
	if q.rc == nil || q.rc.Rule == nil {
		return 0
	}
	return q.rc.Rule.Priority.Weight()
}

// queueSet holds one FIFO per rule. Draining happens in sweeps: each sweep
// takes one item from every rule, highest priority first, and within a rule
// items stay strictly ordered.
type queueSet struct {
	mu     sync.Mutex
	byRule map[string][]*queueItem
}

func newQueueSet() *queueSet {
	return &queueSet{byRule: make(map[string][]*queueItem)}
}

// Push appends an item to its rule's queue.
func (qs *queueSet) Push(item *queueItem) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	id := item.rc.Rule.ID
	qs.byRule[id] = append(qs.byRule[id], item)
}

// PushFront puts a resumed continuation at the head of its rule's queue so it
// runs before anything queued for the same rule in the meantime.
func (qs *queueSet) PushFront(item *queueItem) {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	id := item.rc.Rule.ID
	qs.byRule[id] = append([]*queueItem{item}, qs.byRule[id]...)
}

// PopSweep removes the head of every non-empty queue and returns them ordered
// by priority, highest first. Each sweep gives every rule exactly one turn, so
// a backlogged high-priority rule yields between its items instead of starving
// the rest. Ties keep map order, which is deliberately unspecified.
func (qs *queueSet) PopSweep() []*queueItem {
	qs.mu.Lock()
	defer qs.mu.Unlock()

	var out []*queueItem
	for id, items := range qs.byRule {
		if len(items) == 0 {
			delete(qs.byRule, id)
			continue
		}
		out = append(out, items[0])
		rest := items[1:]
		if len(rest) == 0 {
			delete(qs.byRule, id)
		} else {
			qs.byRule[id] = rest
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority() > out[j].priority() })
	return out
}

// Len returns the total number of queued items.
func (qs *queueSet) Len() int {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	n := 0
	for _, items := range qs.byRule {
		n += len(items)
	}
	return n
}
