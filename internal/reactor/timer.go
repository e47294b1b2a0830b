package reactor

import "container/heap"

// timerEntry is one (deadline, token) pair in the reactor's timer
// min-heap (spec §4.1 "detail floor for timers").
type timerEntry struct {
	deadline int64 // UnixNano
	token    Token
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timers wraps the heap with the operations the reactor needs: add one
// deadline, peek the next one, and pop everything that has fired.
type timers struct {
	h timerHeap
}

func newTimers() *timers {
	t := &timers{}
	heap.Init(&t.h)
	return t
}

func (t *timers) add(deadlineNano int64, token Token) {
	heap.Push(&t.h, &timerEntry{deadline: deadlineNano, token: token})
}

func (t *timers) remove(token Token) {
	for i, e := range t.h {
		if e.token == token {
			heap.Remove(&t.h, i)
			return
		}
	}
}

// next returns the nearest deadline and whether one exists at all.
func (t *timers) next() (int64, bool) {
	if len(t.h) == 0 {
		return 0, false
	}
	return t.h[0].deadline, true
}

// popExpired removes and returns every entry whose deadline is <= now.
func (t *timers) popExpired(now int64) []Token {
	var out []Token
	for len(t.h) > 0 && t.h[0].deadline <= now {
		e := heap.Pop(&t.h).(*timerEntry)
		out = append(out, e.token)
	}
	return out
}
