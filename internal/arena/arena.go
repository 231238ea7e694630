// Package arena allocates and places the byte-addressable records ("structs")
// that make up a tile buffer.
//
// Building a tile is a two-pass affair: records are first allocated and
// filled with their payload bytes and pointer fixups, then Layout assigns
// every record its final location and WriteTo copies payloads into the
// buffer, resolving relative pointers against the placed targets.
// Records are never moved or freed individually; a tile is rebuilt as a
// whole.
package arena

import (
	"encoding/binary"
	"fmt"
)

// Handle identifies a record within one Arena.
type Handle int

// NoHandle is returned where no record exists.
const NoHandle Handle = -1

const unplaced = -1

type pointer struct {
	offset int
	target Handle
	bits   int32
}

type record struct {
	Struct
	content  []byte
	pointers []pointer
}

// Arena tracks the records of a single tile under construction.
// An Arena must only be mutated by one goroutine.
type Arena struct {
	records []record
	shared  map[string]Handle
}

// New creates an empty arena.
func New() *Arena {
	return &Arena{shared: make(map[string]Handle)}
}

// Len returns the number of allocated records.
func (a *Arena) Len() int {
	return len(a.records)
}

// Allocate appends a new record of the given size and alignment.
func (a *Arena) Allocate(size, alignment int) Handle {
	var s Struct
	s.SetSize(size)
	s.SetAlignment(alignment)
	s.location = unplaced
	a.records = append(a.records, record{Struct: s})
	return Handle(len(a.records) - 1)
}

// Intern returns the record registered under key, or allocates a new one
// and registers it. The second result reports whether the record already
// existed.
func (a *Arena) Intern(key string, size, alignment int) (Handle, bool) {
	if h, ok := a.shared[key]; ok {
		return h, true
	}
	h := a.Allocate(size, alignment)
	a.shared[key] = h
	return h, false
}

// SharedCount returns the number of interned records.
func (a *Arena) SharedCount() int {
	return len(a.shared)
}

// Struct returns a copy of the record's placement attributes.
func (a *Arena) Struct(h Handle) Struct {
	return a.records[h].Struct
}

// SetAnchor sets the distance from the record's start to its reference point.
func (a *Arena) SetAnchor(h Handle, anchor int) {
	a.records[h].SetAnchor(anchor)
}

// SetContent stores the payload of a record; the record's size becomes
// the payload length.
func (a *Arena) SetContent(h Handle, content []byte) {
	r := &a.records[h]
	r.content = content
	r.SetSize(len(content))
}

// AddPointer registers a 32-bit relative pointer stored at offset within
// record h. Once placed, the stored value is the target's reference
// address minus the pointer's own address, OR'ed with bits.
func (a *Arena) AddPointer(h Handle, offset int, target Handle, bits int32) {
	r := &a.records[h]
	r.pointers = append(r.pointers, pointer{offset: offset, target: target, bits: bits})
}

// Place fixes the location of a record at the first address at or after
// base that satisfies its alignment, and returns that location.
func (a *Arena) Place(h Handle, base int) int {
	r := &a.records[h]
	r.location = alignUp(base, r.alignment)
	return r.location
}

// Layout places all unplaced records in allocation order, starting at base,
// and returns the offset just past the last record.
func (a *Arena) Layout(base int) int {
	pos := base
	for i := range a.records {
		r := &a.records[i]
		if r.location == unplaced {
			a.Place(Handle(i), pos)
		}
		if end := r.location + r.size; end > pos {
			pos = end
		}
	}
	return pos
}

// AnchorOf returns the anchor of a record.
func (a *Arena) AnchorOf(h Handle) int {
	return a.records[h].anchor
}

// LocationOf returns the placed location of a record, or -1 if unplaced.
func (a *Arena) LocationOf(h Handle) int {
	return a.records[h].location
}

// Address returns location + anchor, the record's fixed reference point.
func (a *Arena) Address(h Handle) int {
	return a.records[h].Address()
}

// WriteTo copies every placed record into buf and resolves its pointers.
func (a *Arena) WriteTo(buf []byte) error {
	for i := range a.records {
		r := &a.records[i]
		if r.location == unplaced {
			return fmt.Errorf("record %d was never placed", i)
		}
		if r.location+r.size > len(buf) {
			return fmt.Errorf("record %d (%d bytes at %d) exceeds buffer of %d bytes",
				i, r.size, r.location, len(buf))
		}
		copy(buf[r.location:], r.content)
		for _, p := range r.pointers {
			target := &a.records[p.target]
			if target.location == unplaced {
				return fmt.Errorf("record %d points to unplaced record %d", i, p.target)
			}
			at := r.location + p.offset
			rel := int32(target.Address()-at) | p.bits
			binary.LittleEndian.PutUint32(buf[at:], uint32(rel))
		}
	}
	return nil
}

func alignUp(pos, alignment int) int {
	return (pos + alignment - 1) &^ (alignment - 1)
}
