package lru

// LRU is a map that remembers use order. A maxSize <= 0 disables eviction,
// so the LRU grows until entries are deleted explicitly.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	l list[K, V]
	m map[K]*elem[K, V]
}

func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	return &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V]),
	}
}

// Add inserts or replaces the value of key. Replacing never evicts.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.l.moveToBack(e)
		return
	}

	// Reuse the oldest element when full.
	if q.maxSize > 0 && q.l.length >= q.maxSize {
		e := q.l.front
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
		delete(q.m, e.key)
		e.key = key
		e.v = v
		q.m[key] = e
		q.l.moveToBack(e)
		return
	}

	e := &elem[K, V]{key: key, v: v}
	q.m[key] = e
	q.l.pushBack(e)
}

func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.l.moveToBack(e)
	return e.v, true
}

// Peek is Get without touching the use order.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.v, true
}

func (q *LRU[K, V]) Del(key K) {
	e := q.m[key]
	if e == nil {
		return
	}
	q.delElem(e)
}

// Clean removes every entry for which f returns true.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	e := q.l.front
	for e != nil {
		next := e.next
		if f(e.key, e.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

// Range calls f from the least to the most recently used entry until f
// returns false.
func (q *LRU[K, V]) Range(f func(key K, v V) bool) {
	for e := q.l.front; e != nil; e = e.next {
		if !f(e.key, e.v) {
			return
		}
	}
}

func (q *LRU[K, V]) Len() int {
	return q.l.length
}

func (q *LRU[K, V]) delElem(e *elem[K, V]) {
	key, v := e.key, e.v
	q.l.remove(e)
	delete(q.m, key)
	if q.onEvict != nil {
		q.onEvict(key, v)
	}
}
