// Package dedupe tracks which page analyses the worker has already indexed.
package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/DeafMist/page-companion/internal/models"
)

// analysis identifies one extraction of one page. The record id already hashes
// url, text and extraction time; the url is kept so distinct pages never share
// a slot even if their ids were to collide.
type analysis struct {
	url string
	id  string
}

type slot struct {
	key    analysis
	marked time.Time
}

// Window remembers page records indexed within ttl, holding at most capacity
// of them. The least recently marked record goes first.
type Window struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	slots    map[analysis]*list.Element
	recency  *list.List // front is the oldest mark
	now      func() time.Time
}

// NewWindow creates a window; non-positive arguments fall back to 1 and one hour.
func NewWindow(capacity int, ttl time.Duration) *Window {
	return &Window{
		ttl:      cmpOr(ttl, time.Hour),
		capacity: max(capacity, 1),
		slots:    make(map[analysis]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

func keyOf(page models.PageRecord) analysis {
	return analysis{url: page.URL, id: page.ID}
}

// Seen reports whether page was indexed inside the window. It does not mark it.
func (w *Window) Seen(page models.PageRecord) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.slots[keyOf(page)]
	if !ok {
		return false
	}
	return w.now().Sub(el.Value.(*slot).marked) <= w.ttl
}

// Remember marks page as indexed now.
func (w *Window) Remember(page models.PageRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	key := keyOf(page)
	if el, ok := w.slots[key]; ok {
		el.Value.(*slot).marked = now
		w.recency.MoveToBack(el)
	} else {
		w.slots[key] = w.recency.PushBack(&slot{key: key, marked: now})
	}
	w.expire(now)
}

// Len returns how many records are remembered.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.slots)
}

func (w *Window) expire(now time.Time) {
	for front := w.recency.Front(); front != nil; front = w.recency.Front() {
		s := front.Value.(*slot)
		if w.recency.Len() <= w.capacity && now.Sub(s.marked) <= w.ttl {
			return
		}
		w.recency.Remove(front)
		delete(w.slots, s.key)
	}
}

func cmpOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
