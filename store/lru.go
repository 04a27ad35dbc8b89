package store

/*
Element is an entry of the eviction index. It owns the sector record it
indexes and remembers whether it currently sits in the list.

An element starts out either attached (eviction may pick it up) or
detached (pinned, e.g. a tree root that must never be evicted behind its
owner's back). A detached element can be attached later; an element that
was removed through DetachRemove is done for good and must never enter
the list again.
*/
type Element struct {
	sector Sector

	prev *Element
	next *Element

	attached bool
	removed  bool
	pinned   bool
}

// Sector returns the sector record the element indexes.
func (e *Element) Sector() *Sector {
	return &e.sector
}

// Pinned reports whether the element was created detached and has not
// had a finalizer registered since; a pinned element is exempt from
// forced removal after eviction.
func (e *Element) Pinned() bool {
	return e.pinned
}

// Removed reports whether the element left the index for good.
func (e *Element) Removed() bool {
	return e.removed
}

/*
LRU is a doubly-linked list of elements ordered by recency of use. The
front holds the most recently used element, the back the next eviction
victim.

Unlike a map-backed cache the index does not look elements up by ID;
owners hold on to their elements directly and the list only answers
"who goes next".
*/
type LRU struct {
	front  *Element
	back   *Element
	length uint
}

// NewLRU returns an empty index.
func NewLRU() *LRU {
	return &LRU{}
}

// Len returns the number of attached elements.
func (l *LRU) Len() uint {
	return l.length
}

/*
NewElement creates an element for the given sector and attaches it at
the front of the list.
*/
func (l *LRU) NewElement(s Sector) *Element {
	e := &Element{sector: s}
	l.PushFront(e)
	return e
}

/*
NewDetachedElement creates a pinned element for the given sector without
attaching it. The caller decides if and when it joins the list.
*/
func NewDetachedElement(s Sector) *Element {
	return &Element{sector: s, pinned: true}
}

// PushFront attaches e at the front. The element must be neither
// attached nor removed.
func (l *LRU) PushFront(e *Element) {
	if e.attached {
		panic("element is already attached")
	}
	if e.removed {
		panic("element was removed from the index")
	}

	e.prev = nil
	e.next = l.front
	if l.front != nil {
		l.front.prev = e
	} else {
		l.back = e
	}
	l.front = e
	e.attached = true
	l.length++
}

// PeekBack returns the element at the back without detaching it, or nil
// if the list is empty.
func (l *LRU) PeekBack() *Element {
	return l.back
}

// PopBack detaches and returns the element at the back, or nil if the
// list is empty.
func (l *LRU) PopBack() *Element {
	e := l.back
	if e != nil {
		l.Detach(e)
	}
	return e
}

// Detach removes e from the list. It may be attached again later.
func (l *LRU) Detach(e *Element) {
	if !e.attached {
		panic("element is not attached")
	}

	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.front = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.back = e.prev
	}
	e.prev = nil
	e.next = nil
	e.attached = false
	l.length--
}

// DetachRemove removes e from the list for good. A removed element can
// never be attached again.
func (l *LRU) DetachRemove(e *Element) {
	if e.attached {
		l.Detach(e)
	}
	e.removed = true
}

// Use marks e as most recently used, moving it to the front if attached.
// Detached and removed elements are left alone.
func (l *LRU) Use(e *Element) {
	if !e.attached {
		return
	}
	if l.front == e {
		return
	}
	l.Detach(e)
	l.PushFront(e)
}
