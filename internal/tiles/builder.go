package tiles

import (
	"fmt"

	"github.com/wegman-software/golt/internal/arena"
	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/varint"
)

// MaxID is the largest feature id the header word can hold.
const MaxID = 1<<56 - 1

type stubKey struct {
	t  feature.Type
	id int64
}

type entry struct {
	f    *feature.Feature
	stub arena.Handle
	body arena.Handle
}

// Builder encodes the features of one tile into a tile buffer. A Builder
// owns its arena and must be used by a single goroutine; build tiles in
// parallel by giving each its own Builder.
type Builder struct {
	tile    ID
	dict    Strings
	arena   *arena.Arena
	entries []*entry
	stubs   map[stubKey]*entry
	built   bool
}

// NewBuilder creates a builder for the given tile.
func NewBuilder(tile ID, dict Strings) *Builder {
	return &Builder{
		tile:  tile,
		dict:  dict,
		arena: arena.New(),
		stubs: make(map[stubKey]*entry),
	}
}

// Tile returns the tile being built.
func (b *Builder) Tile() ID {
	return b.tile
}

// Len returns the number of stubs added so far.
func (b *Builder) Len() int {
	return len(b.entries)
}

// Add registers a feature. Local features must carry a body; a foreign
// feature contributes only its stub, keeping its TipDelta.
func (b *Builder) Add(f *feature.Feature) error {
	if f.IsForeign() {
		return b.add(foreignStub(f, f.TipDelta))
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.Type() != feature.Node && f.Body == nil {
		return fmt.Errorf("%s has no body", f)
	}
	return b.add(f)
}

// AddForeign registers a stub for a feature whose body lives in the owner
// tile. Tags and relation tables are not carried by foreign stubs.
func (b *Builder) AddForeign(f *feature.Feature, owner ID) error {
	return b.add(foreignStub(f, b.tile.TIP().Delta(owner.TIP())))
}

func foreignStub(f *feature.Feature, tipDelta int32) *feature.Feature {
	return &feature.Feature{
		ID:       f.ID,
		Flags:    f.Flags&^feature.WayNode | feature.Foreign,
		Bounds:   f.Bounds,
		TipDelta: tipDelta,
	}
}

func (b *Builder) add(f *feature.Feature) error {
	if b.built {
		return fmt.Errorf("tile %s already built", b.tile)
	}
	if f.ID < 0 || f.ID > MaxID {
		return fmt.Errorf("%s: id out of range", f)
	}
	key := stubKey{f.Type(), f.ID}
	if _, ok := b.stubs[key]; ok {
		return fmt.Errorf("duplicate %s in tile %s", f, b.tile)
	}
	e := &entry{f: f, stub: arena.NoHandle, body: arena.NoHandle}
	b.entries = append(b.entries, e)
	b.stubs[key] = e
	return nil
}

// TagTable returns the shared record holding tags, creating it on first use.
func (b *Builder) TagTable(tags feature.Tags) arena.Handle {
	content := encodeTagTable(tags, b.dict)
	h, existed := b.arena.Intern("T"+string(content), len(content), tableAlign)
	if !existed {
		b.arena.SetContent(h, content)
	}
	return h
}

// RelationTable returns the shared record holding a relation table.
func (b *Builder) RelationTable(refs []feature.ParentRef) arena.Handle {
	content := encodeRelationTable(refs, b.dict)
	h, existed := b.arena.Intern("R"+string(content), len(content), tableAlign)
	if !existed {
		b.arena.SetContent(h, content)
	}
	return h
}

// BodyStruct returns the placement of a local feature's body after Build.
func (b *Builder) BodyStruct(t feature.Type, id int64) (arena.Struct, bool) {
	e, ok := b.stubs[stubKey{t, id}]
	if !ok || e.body == arena.NoHandle || !b.built {
		return arena.Struct{}, false
	}
	return b.arena.Struct(e.body), true
}

// Build lays out all records and returns the tile buffer.
func (b *Builder) Build() ([]byte, error) {
	if b.built {
		return nil, fmt.Errorf("tile %s already built", b.tile)
	}
	sortEntries(b.entries)

	// Stubs come first so bodies can point at any of them.
	for _, e := range b.entries {
		e.stub = b.arena.Allocate(stubSize(e.f.Type()), stubAlign)
	}
	for _, e := range b.entries {
		if err := b.encodeStub(e); err != nil {
			return nil, err
		}
	}

	headerEnd := headerSize + indexEntry*len(b.entries)
	end := b.arena.Layout(headerEnd)
	buf := make([]byte, end)
	putInt32(buf, 0, magic)
	putInt32(buf, 4, int32(b.tile))
	putInt32(buf, 8, int32(len(b.entries)))
	for i, e := range b.entries {
		putInt32(buf, headerSize+indexEntry*i, int32(b.arena.LocationOf(e.stub)))
	}
	if err := b.arena.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("tile %s: %w", b.tile, err)
	}
	b.built = true
	return buf, nil
}

func sortEntries(entries []*entry) {
	fs := make([]*feature.Feature, len(entries))
	index := make(map[*feature.Feature]*entry, len(entries))
	for i, e := range entries {
		fs[i] = e.f
		index[e.f] = e
	}
	feature.Sort(fs)
	for i, f := range fs {
		entries[i] = index[f]
	}
}

func (b *Builder) encodeStub(e *entry) error {
	f := e.f
	t := f.Type()
	flags := f.Flags
	local := !f.IsForeign()
	if local {
		flags &^= feature.RelationMember
		if len(f.Relations) > 0 {
			flags |= feature.RelationMember
		}
		if t == feature.Way {
			flags &^= feature.WayNode
			if len(f.Way().Nodes) > 0 {
				flags |= feature.WayNode
			}
		}
	}

	content := make([]byte, stubSize(t))
	word1 := uint32(uint64(f.ID)>>32)<<8 | uint32(flags&0xff)
	putInt32(content, 0, int32(word1))
	putInt32(content, 4, int32(uint32(f.ID)))

	if local && len(f.Tags) > 0 {
		b.arena.AddPointer(e.stub, offTags, b.TagTable(f.Tags), 0)
	}

	if t == feature.Node {
		putInt32(content, offX, f.Bounds.MinX)
		putInt32(content, offY, f.Bounds.MinY)
	} else {
		putInt32(content, offX, f.Bounds.MinX)
		putInt32(content, offY, f.Bounds.MinY)
		putInt32(content, offMaxX, f.Bounds.MaxX)
		putInt32(content, offMaxY, f.Bounds.MaxY)
	}

	switch {
	case !local:
		putInt32(content, bodySlot(t), f.TipDelta)
	case t == feature.Node:
		if len(f.Relations) > 0 {
			b.arena.AddPointer(e.stub, offNodeBody, b.RelationTable(f.Relations), 0)
		}
	case t == feature.Way:
		body, err := b.encodeWayBody(f)
		if err != nil {
			return err
		}
		e.body = body
		b.arena.AddPointer(e.stub, offAreaBody, body, 0)
	case t == feature.Relation:
		e.body = b.encodeRelationBody(f)
		b.arena.AddPointer(e.stub, offAreaBody, e.body, 0)
	}

	b.arena.SetContent(e.stub, content)
	return nil
}

// encodeWayBody measures the coordinate payload first, then lays out the
// optional prefixes (way-node table, then relation table pointer) in front
// of it. The body's anchor is the total prefix length.
func (b *Builder) encodeWayBody(f *feature.Feature) (arena.Handle, error) {
	wb := f.Way()
	coords := wb.Encoded
	if coords == nil {
		c, err := wb.Coords()
		if err != nil {
			return arena.NoHandle, fmt.Errorf("%s: %w", f, err)
		}
		coords = feature.EncodeCoords(c)
	}

	n := len(wb.Nodes)
	tableLen := n * nodeEntrySize
	relLen := 0
	if len(f.Relations) > 0 {
		relLen = relRefSize
	}
	prefixLen := tableLen + relLen

	content := make([]byte, prefixLen, prefixLen+len(coords))
	content = append(content, coords...)

	alignment := 1
	if prefixLen > 0 {
		alignment = prefixAlign
	}
	h := b.arena.Allocate(0, alignment)

	// Entry 0 sits directly before the relation pointer; later entries
	// grow toward lower addresses.
	for i, ref := range wb.Nodes {
		target, ok := b.stubs[stubKey{feature.Node, ref.ID}]
		if !ok {
			return arena.NoHandle, fmt.Errorf("%s references node/%d: %w", f, ref.ID, ErrMissingStub)
		}
		base := nodeEntrySize * (n - 1 - i)
		putInt32(content, base, ref.TipDelta)
		var bits int32
		if i == n-1 {
			bits = lastEntryFlag
		}
		b.arena.AddPointer(h, base+4, target.stub, bits)
	}
	if relLen > 0 {
		b.arena.AddPointer(h, tableLen, b.RelationTable(f.Relations), 0)
	}

	b.arena.SetContent(h, content)
	b.arena.SetAnchor(h, prefixLen)
	return h, nil
}

func encodeMembers(members []feature.Member, dict Strings) []byte {
	buf := varint.AppendUint(nil, uint64(len(members)))
	var prevID int64
	prevRole := ""
	for _, m := range members {
		head := uint64(m.Type)
		roleChanged := m.Role != prevRole
		if roleChanged {
			head |= 1 << 2
		}
		buf = varint.AppendUint(buf, head)
		buf = varint.AppendInt(buf, m.ID-prevID)
		buf = varint.AppendInt(buf, int64(m.TipDelta))
		if roleChanged {
			buf = appendString(buf, m.Role, dict)
		}
		prevID, prevRole = m.ID, m.Role
	}
	return buf
}

func (b *Builder) encodeRelationBody(f *feature.Feature) arena.Handle {
	payload := encodeMembers(f.Relation().Members, b.dict)

	relLen := 0
	alignment := 1
	if len(f.Relations) > 0 {
		relLen = relRefSize
		alignment = prefixAlign
	}
	content := make([]byte, relLen, relLen+len(payload))
	content = append(content, payload...)

	h := b.arena.Allocate(0, alignment)
	if relLen > 0 {
		b.arena.AddPointer(h, 0, b.RelationTable(f.Relations), 0)
	}
	b.arena.SetContent(h, content)
	b.arena.SetAnchor(h, relLen)
	return h
}
