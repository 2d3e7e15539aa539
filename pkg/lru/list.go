package lru

// list is a doubly linked list of entries ordered from least to most
// recently used.
type list[K comparable, V any] struct {
	front, back *elem[K, V]
	length      int
}

type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

func (l *list[K, V]) pushBack(e *elem[K, V]) {
	l.length++
	if l.back == nil {
		l.front = e
		l.back = e
		return
	}
	e.prev = l.back
	l.back.next = e
	l.back = e
}

func (l *list[K, V]) moveToBack(e *elem[K, V]) {
	if l.back == e {
		return
	}
	l.unlink(e)
	l.length++
	e.prev = l.back
	e.next = nil
	l.back.next = e
	l.back = e
}

func (l *list[K, V]) remove(e *elem[K, V]) {
	l.unlink(e)
	e.prev = nil
	e.next = nil
}

func (l *list[K, V]) unlink(e *elem[K, V]) {
	l.length--
	p, n := e.prev, e.next
	if p != nil {
		p.next = n
	} else {
		l.front = n
	}
	if n != nil {
		n.prev = p
	} else {
		l.back = p
	}
}
