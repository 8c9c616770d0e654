// Package lru implements a weighted least-recently-used map. It is not safe
// for concurrent use; owners guard it with their own mutex.
package lru

import "container/list"

// Entry is a key/value pair removed by eviction.
type Entry[K comparable, V any] struct {
	Key    K
	Value  V
	Weight int64
}

// Cache evicts least-recently-used entries once the summed weight exceeds
// its maximum. An entry is never evicted by its own insertion, so a single
// oversize entry can leave the cache above the maximum until the next Add.
type Cache[K comparable, V any] struct {
	max   int64
	size  int64
	ll    *list.List
	items map[K]*list.Element
}

// New returns an empty cache holding up to limit units of weight.
func New[K comparable, V any](limit int64) *Cache[K, V] {
	return &Cache[K, V]{
		max:   limit,
		ll:    list.New(),
		items: make(map[K]*list.Element),
	}
}

// Add inserts or replaces key and marks it most recently used. It returns
// the entries evicted to make room, oldest first.
func (c *Cache[K, V]) Add(key K, value V, weight int64) []Entry[K, V] {
	if el, ok := c.items[key]; ok {
		e := el.Value.(*Entry[K, V])
		c.size += weight - e.Weight
		e.Value = value
		e.Weight = weight
		c.ll.MoveToFront(el)
		return c.evict(el)
	}
	el := c.ll.PushFront(&Entry[K, V]{Key: key, Value: value, Weight: weight})
	c.items[key] = el
	c.size += weight
	return c.evict(el)
}

func (c *Cache[K, V]) evict(keep *list.Element) []Entry[K, V] {
	var out []Entry[K, V]
	for c.size > c.max {
		back := c.ll.Back()
		if back == nil || back == keep {
			break
		}
		out = append(out, c.removeElement(back))
	}
	return out
}

func (c *Cache[K, V]) removeElement(el *list.Element) Entry[K, V] {
	c.ll.Remove(el)
	e := el.Value.(*Entry[K, V])
	delete(c.items, e.Key)
	c.size -= e.Weight
	return *e
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		return el.Value.(*Entry[K, V]).Value, true
	}
	var zero V
	return zero, false
}

// Peek returns the value for key without touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	if el, ok := c.items[key]; ok {
		return el.Value.(*Entry[K, V]).Value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present without touching recency.
func (c *Cache[K, V]) Contains(key K) bool {
	_, ok := c.items[key]
	return ok
}

// Remove deletes key and returns the removed entry.
func (c *Cache[K, V]) Remove(key K) (Entry[K, V], bool) {
	if el, ok := c.items[key]; ok {
		return c.removeElement(el), true
	}
	return Entry[K, V]{}, false
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int { return c.ll.Len() }

// Size returns the summed weight of all entries.
func (c *Cache[K, V]) Size() int64 { return c.size }

// Max returns the weight limit.
func (c *Cache[K, V]) Max() int64 { return c.max }

// SetMax changes the weight limit and returns any entries evicted.
func (c *Cache[K, V]) SetMax(limit int64) []Entry[K, V] {
	c.max = limit
	return c.evict(nil)
}

// Clear removes everything and returns the removed entries.
func (c *Cache[K, V]) Clear() []Entry[K, V] {
	out := make([]Entry[K, V], 0, c.ll.Len())
	for el := c.ll.Back(); el != nil; el = c.ll.Back() {
		out = append(out, c.removeElement(el))
	}
	return out
}

// Keys returns keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	out := make([]K, 0, c.ll.Len())
	for el := c.ll.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Entry[K, V]).Key)
	}
	return out
}
