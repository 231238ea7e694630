package tiles

import (
	"encoding/binary"
	"fmt"

	"github.com/wegman-software/golt/internal/arena"
	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/varint"
)

// Reader decodes features from a tile buffer. The buffer is never
// modified and may be shared by any number of Readers, but a Reader keeps
// per-read state (decoded table caches, the node list of the way being
// decoded) and must not be used from more than one goroutine at a time.
type Reader struct {
	buf       []byte
	tile      ID
	count     int
	headerEnd int
	dict      Strings

	tagTables map[int]feature.Tags
	relTables map[int][]feature.ParentRef

	currentNodes     []int64
	currentTipDeltas []int32
}

// NewReader validates the tile header and returns a reader for buf.
func NewReader(buf []byte, dict Strings) (*Reader, error) {
	if len(buf) < headerSize {
		return nil, corrupt("tile of %d bytes is shorter than its header", len(buf))
	}
	if binary.LittleEndian.Uint32(buf) != magic {
		return nil, corrupt("bad magic %#x", binary.LittleEndian.Uint32(buf))
	}
	count := int(binary.LittleEndian.Uint32(buf[8:]))
	headerEnd := headerSize + indexEntry*count
	if count < 0 || headerEnd > len(buf) {
		return nil, corrupt("stub index of %d entries exceeds tile of %d bytes", count, len(buf))
	}
	return &Reader{
		buf:       buf,
		tile:      ID(getInt32(buf, 4)),
		count:     count,
		headerEnd: headerEnd,
		dict:      dict,
		tagTables: make(map[int]feature.Tags),
		relTables: make(map[int][]feature.ParentRef),
	}, nil
}

// Tile returns the id stored in the tile header.
func (r *Reader) Tile() ID {
	return r.tile
}

// Len returns the number of stubs in the tile.
func (r *Reader) Len() int {
	return r.count
}

// Size returns the buffer length.
func (r *Reader) Size() int {
	return len(r.buf)
}

func (r *Reader) checkPointer(p, n int) error {
	if p < r.headerEnd || p+n > len(r.buf) {
		return corrupt("pointer %d (+%d) outside tile %s of %d bytes", p, n, r.tile, len(r.buf))
	}
	return nil
}

// StubPos returns the position of the i-th stub in canonical order.
func (r *Reader) StubPos(i int) (int, error) {
	if i < 0 || i >= r.count {
		return 0, fmt.Errorf("stub index %d out of range [0,%d)", i, r.count)
	}
	return int(getInt32(r.buf, headerSize+indexEntry*i)), nil
}

func (r *Reader) readHeader(p int) (int64, feature.Flags, error) {
	if err := r.checkPointer(p, 8); err != nil {
		return 0, 0, err
	}
	w1 := binary.LittleEndian.Uint32(r.buf[p:])
	w2 := binary.LittleEndian.Uint32(r.buf[p+4:])
	id := int64(w1>>8)<<32 | int64(w2)
	flags := feature.Flags(w1 & 0xff)
	if flags.Type() > feature.Relation {
		return 0, 0, corrupt("invalid type bits at %d", p)
	}
	return id, flags, nil
}

// ReadStub decodes the fixed-size stub at pos: identity, flags, bounds and
// tags. The body is left unread.
func (r *Reader) ReadStub(pos int) (*feature.Feature, error) {
	id, flags, err := r.readHeader(pos)
	if err != nil {
		return nil, err
	}
	t := flags.Type()
	if err := r.checkPointer(pos, stubSize(t)); err != nil {
		return nil, err
	}

	f := &feature.Feature{ID: id, Flags: flags, Ptr: pos}
	if rel := getInt32(r.buf, pos+offTags); rel != 0 {
		if f.Tags, err = r.readTagTable(pos + offTags + int(rel)); err != nil {
			return nil, fmt.Errorf("%s: %w", f, decodeErr(err))
		}
	}

	x, y := getInt32(r.buf, pos+offX), getInt32(r.buf, pos+offY)
	if t == feature.Node {
		f.Bounds = feature.Bounds{MinX: x, MinY: y, MaxX: x, MaxY: y}
	} else {
		f.Bounds = feature.Bounds{
			MinX: x, MinY: y,
			MaxX: getInt32(r.buf, pos+offMaxX),
			MaxY: getInt32(r.buf, pos+offMaxY),
		}
	}
	if f.IsForeign() {
		f.TipDelta = getInt32(r.buf, pos+bodySlot(t))
	}
	return f, nil
}

// ReadNode decodes the node at pos, stub and body.
func (r *Reader) ReadNode(pos int) (*feature.Feature, error) {
	return r.readTyped(pos, feature.Node)
}

// ReadWay decodes the way at pos, stub and body.
func (r *Reader) ReadWay(pos int) (*feature.Feature, error) {
	return r.readTyped(pos, feature.Way)
}

// ReadRelation decodes the relation at pos, stub and body.
func (r *Reader) ReadRelation(pos int) (*feature.Feature, error) {
	return r.readTyped(pos, feature.Relation)
}

func (r *Reader) readTyped(pos int, want feature.Type) (*feature.Feature, error) {
	f, err := r.ReadStub(pos)
	if err != nil {
		return nil, err
	}
	if f.Type() != want {
		return nil, fmt.Errorf("%w: %s at %d read as %s", ErrTypeMismatch, f, pos, want)
	}
	if !f.IsForeign() {
		if _, err := r.ReadBody(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Feature decodes the stub at pos and, for local features, its body.
func (r *Reader) Feature(pos int) (*feature.Feature, error) {
	f, err := r.ReadStub(pos)
	if err != nil {
		return nil, err
	}
	if !f.IsForeign() {
		if _, err := r.ReadBody(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// ReadBody decodes the body of a stub previously returned by ReadStub and
// returns the placement of the body record. Nodes have no body record of
// their own, so their Struct is zero.
func (r *Reader) ReadBody(f *feature.Feature) (arena.Struct, error) {
	if f.IsForeign() {
		return arena.Struct{}, fmt.Errorf("%s: %w", f, ErrForeign)
	}
	var (
		s   arena.Struct
		err error
	)
	switch f.Type() {
	case feature.Node:
		err = r.readNodeBody(f)
	case feature.Way:
		s, err = r.readWayBody(f)
	case feature.Relation:
		s, err = r.readRelationBody(f)
	}
	if err != nil {
		return arena.Struct{}, fmt.Errorf("%s body: %w", f, decodeErr(err))
	}
	return s, nil
}

func (r *Reader) readNodeBody(f *feature.Feature) error {
	f.Body = &feature.NodeBody{}
	if !f.IsRelationMember() {
		return nil
	}
	refs, err := r.readRelationTableIndirect(f.Ptr + offNodeBody)
	if err != nil {
		return err
	}
	f.Relations = refs
	return nil
}

func (r *Reader) bodyPointer(f *feature.Feature) (int, error) {
	pp := f.Ptr + offAreaBody
	if err := r.checkPointer(pp, 4); err != nil {
		return 0, err
	}
	rel := getInt32(r.buf, pp)
	if rel == 0 {
		return 0, corrupt("null body pointer at %d", pp)
	}
	p := pp + int(rel)
	if err := r.checkPointer(p, 1); err != nil {
		return 0, err
	}
	return p, nil
}

func (r *Reader) readWayBody(f *feature.Feature) (arena.Struct, error) {
	pBody, err := r.bodyPointer(f)
	if err != nil {
		return arena.Struct{}, err
	}

	// Only measure the coordinates; they are kept encoded until needed.
	n, err := feature.MeasureCoords(r.buf, pBody)
	if err != nil {
		return arena.Struct{}, err
	}
	encoded := make([]byte, n)
	copy(encoded, r.buf[pBody:pBody+n])

	var prefixes []int
	alignment := 1
	p := pBody
	if f.IsRelationMember() {
		if f.Relations, err = r.readRelationTableIndirect(p - relRefSize); err != nil {
			return arena.Struct{}, err
		}
		p -= relRefSize
		prefixes = append(prefixes, relRefSize)
		alignment = prefixAlign
	}

	var nodes []feature.NodeRef
	if f.Flags.Has(feature.WayNode) {
		pBefore, err := r.readNodeTable(p)
		if err != nil {
			r.resetTables()
			return arena.Struct{}, err
		}
		nodes = make([]feature.NodeRef, len(r.currentNodes))
		for i, id := range r.currentNodes {
			nodes[i] = feature.NodeRef{ID: id, TipDelta: r.currentTipDeltas[i]}
		}
		prefixes = append(prefixes, p-pBefore)
		r.resetTables()
		alignment = prefixAlign
	}

	f.Body = feature.NewWayBody(encoded, nodes)
	s := arena.Reverse(pBody, n, prefixes...)
	s.GrowAlignment(alignment)
	return s, nil
}

// readNodeTable walks the way-node table that ends at p, collecting node
// ids and tip deltas into the reader's current lists. It returns the
// address of the table's first byte.
func (r *Reader) readNodeTable(p int) (int, error) {
	q := p
	for {
		if err := r.checkPointer(q-nodeEntrySize, nodeEntrySize); err != nil {
			return 0, err
		}
		tip := getInt32(r.buf, q-nodeEntrySize)
		word := getInt32(r.buf, q-4)
		stubPos := q - 4 + int(word&^lastEntryFlag)
		id, flags, err := r.readHeader(stubPos)
		if err != nil {
			return 0, err
		}
		if flags.Type() != feature.Node {
			return 0, fmt.Errorf("%w: way-node entry at %d points to a %s", ErrTypeMismatch, q-4, flags.Type())
		}
		r.currentNodes = append(r.currentNodes, id)
		r.currentTipDeltas = append(r.currentTipDeltas, tip)
		q -= nodeEntrySize
		if word&lastEntryFlag != 0 {
			return q, nil
		}
	}
}

func (r *Reader) resetTables() {
	r.currentNodes = r.currentNodes[:0]
	r.currentTipDeltas = r.currentTipDeltas[:0]
}

func (r *Reader) readRelationBody(f *feature.Feature) (arena.Struct, error) {
	pBody, err := r.bodyPointer(f)
	if err != nil {
		return arena.Struct{}, err
	}

	d := varint.NewDecoder(r.buf, pBody)
	count, err := d.Uint()
	if err != nil {
		return arena.Struct{}, err
	}
	if count > uint64(len(r.buf)) {
		return arena.Struct{}, corrupt("relation claims %d members", count)
	}
	members := make([]feature.Member, 0, count)
	var id int64
	role := ""
	for i := uint64(0); i < count; i++ {
		head, err := d.Uint()
		if err != nil {
			return arena.Struct{}, err
		}
		t := feature.Type(head & 3)
		if t > feature.Relation {
			return arena.Struct{}, corrupt("invalid member type at %d", d.Pos())
		}
		delta, err := d.Int()
		if err != nil {
			return arena.Struct{}, err
		}
		tip, err := d.Int()
		if err != nil {
			return arena.Struct{}, err
		}
		if head&(1<<2) != 0 {
			if role, err = readString(d, r.dict); err != nil {
				return arena.Struct{}, err
			}
		}
		id += delta
		members = append(members, feature.Member{Type: t, ID: id, Role: role, TipDelta: int32(tip)})
	}

	var prefixes []int
	alignment := 1
	if f.IsRelationMember() {
		if f.Relations, err = r.readRelationTableIndirect(pBody - relRefSize); err != nil {
			return arena.Struct{}, err
		}
		prefixes = append(prefixes, relRefSize)
		alignment = prefixAlign
	}

	f.Body = &feature.RelationBody{Members: members}
	s := arena.Reverse(pBody, d.Pos()-pBody, prefixes...)
	s.GrowAlignment(alignment)
	return s, nil
}

// Features decodes every stub in canonical order, including the bodies of
// local features.
func (r *Reader) Features() ([]*feature.Feature, error) {
	features := make([]*feature.Feature, 0, r.count)
	for i := 0; i < r.count; i++ {
		pos, err := r.StubPos(i)
		if err != nil {
			return nil, err
		}
		f, err := r.Feature(pos)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

// Lookup finds a feature by type and id using the sorted stub index.
// It returns nil if the tile holds no such stub.
func (r *Reader) Lookup(t feature.Type, id int64) (*feature.Feature, error) {
	want := &feature.Feature{ID: id, Flags: feature.Flags(0).WithType(t)}
	lo, hi := 0, r.count
	for lo < hi {
		mid := (lo + hi) / 2
		pos, err := r.StubPos(mid)
		if err != nil {
			return nil, err
		}
		midID, flags, err := r.readHeader(pos)
		if err != nil {
			return nil, err
		}
		c := feature.Compare(&feature.Feature{ID: midID, Flags: flags}, want)
		switch {
		case c == 0:
			return r.Feature(pos)
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return nil, nil
}
