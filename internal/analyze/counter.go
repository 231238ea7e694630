package analyze

import (
	"sort"
	"strings"

	"github.com/wegman-software/golt/internal/strtab"
)

const none = -1

type counted struct {
	s                   string
	keys, values, total int64
	prev, next          int32
}

// stringCounter counts strings in a bounded table. Entries form a list
// ordered by last use; when the table is full the least recently used
// entry below the current threshold is evicted. The threshold rises
// whenever a full sweep finds nothing to evict, so rare strings seen early
// cannot crowd out common strings seen late.
type stringCounter struct {
	max      int
	minCount int64

	entries []counted
	free    []int32
	index   map[string]int32
	head    int32 // most recently used
	tail    int32 // eviction candidate
}

func newStringCounter(max int) *stringCounter {
	if max < 2 {
		max = 2
	}
	return &stringCounter{
		max:      max,
		minCount: 2,
		index:    make(map[string]int32),
		head:     none,
		tail:     none,
	}
}

func (c *stringCounter) Len() int {
	return len(c.index)
}

func (c *stringCounter) unlink(i int32) {
	e := &c.entries[i]
	if e.prev != none {
		c.entries[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != none {
		c.entries[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = none, none
}

func (c *stringCounter) pushFront(i int32) {
	e := &c.entries[i]
	e.prev, e.next = none, c.head
	if c.head != none {
		c.entries[c.head].prev = i
	}
	c.head = i
	if c.tail == none {
		c.tail = i
	}
}

// evict removes one entry, walking from the least recently used end. The
// most recently used entry is never evicted.
func (c *stringCounter) evict() {
	for {
		for i := c.tail; i != none && i != c.head; i = c.entries[i].prev {
			if c.entries[i].total < c.minCount {
				c.unlink(i)
				delete(c.index, c.entries[i].s)
				c.entries[i] = counted{}
				c.free = append(c.free, i)
				return
			}
		}
		c.minCount++
	}
}

// Add records occurrences of s as a key, a value and a role.
func (c *stringCounter) Add(s string, keys, values, roles int64) {
	i, ok := c.index[s]
	if !ok {
		if len(c.index) >= c.max {
			c.evict()
		}
		if n := len(c.free); n > 0 {
			i = c.free[n-1]
			c.free = c.free[:n-1]
		} else {
			c.entries = append(c.entries, counted{})
			i = int32(len(c.entries) - 1)
		}
		c.entries[i] = counted{s: s, prev: none, next: none}
		c.index[s] = i
		c.pushFront(i)
	} else if i != c.head {
		c.unlink(i)
		c.pushFront(i)
	}
	e := &c.entries[i]
	e.keys += keys
	e.values += values
	e.total += keys + values + roles
}

// Ranked returns the strings used at least min times, most frequent
// first. Surrounding whitespace is trimmed and the counts of strings that
// trim to the same text are merged; strings that are empty after trimming
// are dropped.
func (c *stringCounter) Ranked(min int64) []strtab.Entry {
	merged := make(map[string]*strtab.Entry, len(c.index))
	for _, i := range c.index {
		e := &c.entries[i]
		s := strings.TrimSpace(e.s)
		if s == "" {
			continue
		}
		m, ok := merged[s]
		if !ok {
			m = &strtab.Entry{String: s}
			merged[s] = m
		}
		m.Total += e.total
		m.Keys += e.keys
		m.Values += e.values
	}
	out := make([]strtab.Entry, 0, len(merged))
	for _, m := range merged {
		if m.Total >= min {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].String < out[j].String
	})
	return out
}
