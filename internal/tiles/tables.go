package tiles

import (
	"fmt"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/varint"
)

// Strings is the string-code dictionary consulted when encoding and
// decoding tag and role strings. A nil Strings stores every string
// literally.
type Strings interface {
	Code(s string) (int, bool)
	String(code int) (string, bool)
}

// A string reference is a varint whose low bit selects between a
// dictionary code (0) and a literal of the given length (1).
func appendString(buf []byte, s string, dict Strings) []byte {
	if dict != nil {
		if code, ok := dict.Code(s); ok {
			return varint.AppendUint(buf, uint64(code)<<1)
		}
	}
	buf = varint.AppendUint(buf, uint64(len(s))<<1|1)
	return append(buf, s...)
}

func readString(d *varint.Decoder, dict Strings) (string, error) {
	v, err := d.Uint()
	if err != nil {
		return "", err
	}
	if v&1 == 0 {
		if dict == nil {
			return "", corrupt("string code %d without a dictionary", v>>1)
		}
		s, ok := dict.String(int(v >> 1))
		if !ok {
			return "", corrupt("unknown string code %d", v>>1)
		}
		return s, nil
	}
	b, err := d.Bytes(int(v >> 1))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeTagTable(tags feature.Tags, dict Strings) []byte {
	buf := varint.AppendUint(nil, uint64(len(tags)))
	for _, tag := range tags {
		buf = appendString(buf, tag.Key, dict)
		buf = appendString(buf, tag.Value, dict)
	}
	return buf
}

func encodeRelationTable(refs []feature.ParentRef, dict Strings) []byte {
	buf := varint.AppendUint(nil, uint64(len(refs)))
	var prev int64
	for _, ref := range refs {
		buf = varint.AppendInt(buf, ref.RelationID-prev)
		buf = varint.AppendInt(buf, int64(ref.TipDelta))
		buf = appendString(buf, ref.Role, dict)
		prev = ref.RelationID
	}
	return buf
}

func (r *Reader) readTagTable(p int) (feature.Tags, error) {
	if tags, ok := r.tagTables[p]; ok {
		return tags, nil
	}
	if err := r.checkPointer(p, 1); err != nil {
		return nil, err
	}
	d := varint.NewDecoder(r.buf, p)
	count, err := d.Uint()
	if err != nil {
		return nil, fmt.Errorf("tag table at %d: %w", p, err)
	}
	if count > uint64(len(r.buf)) {
		return nil, corrupt("tag table at %d claims %d tags", p, count)
	}
	tags := make(feature.Tags, 0, count)
	for i := uint64(0); i < count; i++ {
		k, err := readString(d, r.dict)
		if err != nil {
			return nil, fmt.Errorf("tag table at %d: %w", p, err)
		}
		v, err := readString(d, r.dict)
		if err != nil {
			return nil, fmt.Errorf("tag table at %d: %w", p, err)
		}
		tags = append(tags, feature.Tag{Key: k, Value: v})
	}
	r.tagTables[p] = tags
	return tags, nil
}

// readRelationTableIndirect follows the relation table pointer stored at p.
func (r *Reader) readRelationTableIndirect(p int) ([]feature.ParentRef, error) {
	if err := r.checkPointer(p, relRefSize); err != nil {
		return nil, err
	}
	rel := getInt32(r.buf, p)
	if rel == 0 {
		return nil, corrupt("relation member without relation table at %d", p)
	}
	return r.readRelationTable(p + int(rel))
}

func (r *Reader) readRelationTable(p int) ([]feature.ParentRef, error) {
	if refs, ok := r.relTables[p]; ok {
		return refs, nil
	}
	if err := r.checkPointer(p, 1); err != nil {
		return nil, err
	}
	d := varint.NewDecoder(r.buf, p)
	count, err := d.Uint()
	if err != nil {
		return nil, fmt.Errorf("relation table at %d: %w", p, err)
	}
	if count > uint64(len(r.buf)) {
		return nil, corrupt("relation table at %d claims %d entries", p, count)
	}
	refs := make([]feature.ParentRef, 0, count)
	var id int64
	for i := uint64(0); i < count; i++ {
		delta, err := d.Int()
		if err != nil {
			return nil, fmt.Errorf("relation table at %d: %w", p, err)
		}
		tip, err := d.Int()
		if err != nil {
			return nil, fmt.Errorf("relation table at %d: %w", p, err)
		}
		role, err := readString(d, r.dict)
		if err != nil {
			return nil, fmt.Errorf("relation table at %d: %w", p, err)
		}
		id += delta
		refs = append(refs, feature.ParentRef{RelationID: id, Role: role, TipDelta: int32(tip)})
	}
	r.relTables[p] = refs
	return refs, nil
}
