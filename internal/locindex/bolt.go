package locindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/tiles"
	"github.com/wegman-software/golt/internal/varint"
)

const fileMode = 0600

var (
	nodesBucket     = []byte("nodes")
	waysBucket      = []byte("ways")
	relationsBucket = []byte("relations")
	// nodeWaysBucket keys are nodeID|wayID.
	nodeWaysBucket = []byte("node-ways")
	// membersBucket keys are type|memberID|relationID.
	membersBucket = []byte("members")
	// coordNodesBucket keys are x|y|nodeID.
	coordNodesBucket = []byte("coord-nodes")

	allBuckets = [][]byte{nodesBucket, waysBucket, relationsBucket, nodeWaysBucket, membersBucket, coordNodesBucket}
)

// BoltIndex stores the index in a single bolt file.
type BoltIndex struct {
	db   *bolt.DB
	log  *zap.Logger
	Path string
}

// OpenBolt opens or creates the index file at path.
func OpenBolt(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open location index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index buckets: %w", err)
	}
	return &BoltIndex{db: db, log: logger.Named("locindex"), Path: path}, nil
}

// Close closes the index file.
func (b *BoltIndex) Close() error {
	return b.db.Close()
}

func idKey(id int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func pairKey(prefix []byte, a, b int64) []byte {
	k := make([]byte, 0, len(prefix)+16)
	k = append(k, prefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(a))
	return binary.BigEndian.AppendUint64(k, uint64(b))
}

func coordPrefix(c feature.Coord) []byte {
	k := make([]byte, 0, 16)
	k = binary.BigEndian.AppendUint32(k, uint32(c.X))
	return binary.BigEndian.AppendUint32(k, uint32(c.Y))
}

func coordKey(c feature.Coord, id int64) []byte {
	return binary.BigEndian.AppendUint64(coordPrefix(c), uint64(id))
}

func appendLocation(buf []byte, loc Location) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(loc.TIP))
	return binary.LittleEndian.AppendUint32(buf, uint32(loc.Ptr))
}

func readLocation(v []byte) (Location, error) {
	if len(v) < 8 {
		return NoLocation, fmt.Errorf("index record of %d bytes too short", len(v))
	}
	return Location{
		TIP: tiles.TIP(int32(binary.LittleEndian.Uint32(v))),
		Ptr: int32(binary.LittleEndian.Uint32(v[4:])),
	}, nil
}

func encodeNode(n *NodeRecord) []byte {
	buf := appendLocation(make([]byte, 0, 16), n.Loc)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(n.Coord.X))
	return binary.LittleEndian.AppendUint32(buf, uint32(n.Coord.Y))
}

func decodeNode(id int64, v []byte) (*NodeRecord, error) {
	loc, err := readLocation(v)
	if err != nil {
		return nil, err
	}
	if len(v) < 16 {
		return nil, fmt.Errorf("node/%d: record of %d bytes too short", id, len(v))
	}
	return &NodeRecord{
		ID:  id,
		Loc: loc,
		Coord: feature.Coord{
			X: int32(binary.LittleEndian.Uint32(v[8:])),
			Y: int32(binary.LittleEndian.Uint32(v[12:])),
		},
	}, nil
}

func encodeWay(w *WayRecord) []byte {
	buf := appendLocation(nil, w.Loc)
	buf = varint.AppendUint(buf, uint64(len(w.Nodes)))
	var prev int64
	for _, id := range w.Nodes {
		buf = varint.AppendInt(buf, id-prev)
		prev = id
	}
	return buf
}

func decodeWay(id int64, v []byte) (*WayRecord, error) {
	loc, err := readLocation(v)
	if err != nil {
		return nil, err
	}
	d := varint.NewDecoder(v, 8)
	n, err := d.Uint()
	if err != nil {
		return nil, fmt.Errorf("way/%d: %w", id, err)
	}
	w := &WayRecord{ID: id, Loc: loc, Nodes: make([]int64, 0, n)}
	var prev int64
	for i := uint64(0); i < n; i++ {
		delta, err := d.Int()
		if err != nil {
			return nil, fmt.Errorf("way/%d: %w", id, err)
		}
		prev += delta
		w.Nodes = append(w.Nodes, prev)
	}
	return w, nil
}

func encodeRelation(r *RelationRecord) []byte {
	buf := appendLocation(nil, r.Loc)
	buf = varint.AppendUint(buf, uint64(len(r.Members)))
	var prev int64
	for _, m := range r.Members {
		buf = append(buf, byte(m.Type))
		buf = varint.AppendInt(buf, m.ID-prev)
		buf = varint.AppendUint(buf, uint64(len(m.Role)))
		buf = append(buf, m.Role...)
		prev = m.ID
	}
	return buf
}

func decodeRelation(id int64, v []byte) (*RelationRecord, error) {
	loc, err := readLocation(v)
	if err != nil {
		return nil, err
	}
	d := varint.NewDecoder(v, 8)
	n, err := d.Uint()
	if err != nil {
		return nil, fmt.Errorf("relation/%d: %w", id, err)
	}
	r := &RelationRecord{ID: id, Loc: loc, Members: make([]Member, 0, n)}
	var prev int64
	for i := uint64(0); i < n; i++ {
		t, err := d.Bytes(1)
		if err != nil {
			return nil, fmt.Errorf("relation/%d: %w", id, err)
		}
		delta, err := d.Int()
		if err != nil {
			return nil, fmt.Errorf("relation/%d: %w", id, err)
		}
		roleLen, err := d.Uint()
		if err != nil {
			return nil, fmt.Errorf("relation/%d: %w", id, err)
		}
		role, err := d.Bytes(int(roleLen))
		if err != nil {
			return nil, fmt.Errorf("relation/%d: %w", id, err)
		}
		prev += delta
		r.Members = append(r.Members, Member{Type: feature.Type(t[0]), ID: prev, Role: string(role)})
	}
	return r, nil
}

// PutNodes inserts or replaces node records and their coordinate entries.
func (b *BoltIndex) PutNodes(_ context.Context, nodes []NodeRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(nodesBucket)
		coords := tx.Bucket(coordNodesBucket)
		for i := range nodes {
			n := &nodes[i]
			if err := unlinkNode(tx, n.ID); err != nil {
				return err
			}
			if err := bucket.Put(idKey(n.ID), encodeNode(n)); err != nil {
				return err
			}
			if err := coords.Put(coordKey(n.Coord, n.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutWays inserts or replaces way records and their node back-references.
func (b *BoltIndex) PutWays(_ context.Context, ways []WayRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for i := range ways {
			w := &ways[i]
			if err := unlinkWay(tx, w.ID); err != nil {
				return err
			}
			if err := tx.Bucket(waysBucket).Put(idKey(w.ID), encodeWay(w)); err != nil {
				return err
			}
			reverse := tx.Bucket(nodeWaysBucket)
			for _, n := range w.Nodes {
				if err := reverse.Put(pairKey(nil, n, w.ID), []byte{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// PutRelations inserts or replaces relation records and their member
// back-references.
func (b *BoltIndex) PutRelations(_ context.Context, rels []RelationRecord) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for i := range rels {
			r := &rels[i]
			if err := unlinkRelation(tx, r.ID); err != nil {
				return err
			}
			if err := tx.Bucket(relationsBucket).Put(idKey(r.ID), encodeRelation(r)); err != nil {
				return err
			}
			reverse := tx.Bucket(membersBucket)
			for _, m := range r.Members {
				if err := reverse.Put(pairKey([]byte{byte(m.Type)}, m.ID, r.ID), []byte{}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func unlinkNode(tx *bolt.Tx, id int64) error {
	v := tx.Bucket(nodesBucket).Get(idKey(id))
	if v == nil {
		return nil
	}
	old, err := decodeNode(id, v)
	if err != nil {
		return err
	}
	return tx.Bucket(coordNodesBucket).Delete(coordKey(old.Coord, id))
}

func unlinkWay(tx *bolt.Tx, id int64) error {
	v := tx.Bucket(waysBucket).Get(idKey(id))
	if v == nil {
		return nil
	}
	old, err := decodeWay(id, v)
	if err != nil {
		return err
	}
	reverse := tx.Bucket(nodeWaysBucket)
	for _, n := range old.Nodes {
		if err := reverse.Delete(pairKey(nil, n, id)); err != nil {
			return err
		}
	}
	return nil
}

func unlinkRelation(tx *bolt.Tx, id int64) error {
	v := tx.Bucket(relationsBucket).Get(idKey(id))
	if v == nil {
		return nil
	}
	old, err := decodeRelation(id, v)
	if err != nil {
		return err
	}
	reverse := tx.Bucket(membersBucket)
	for _, m := range old.Members {
		if err := reverse.Delete(pairKey([]byte{byte(m.Type)}, m.ID, id)); err != nil {
			return err
		}
	}
	return nil
}

func bucketFor(t feature.Type) []byte {
	switch t {
	case feature.Node:
		return nodesBucket
	case feature.Way:
		return waysBucket
	}
	return relationsBucket
}

// SetLocations rewrites the location of existing records.
func (b *BoltIndex) SetLocations(_ context.Context, placements []Placement) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, p := range placements {
			bucket := tx.Bucket(bucketFor(p.Type))
			k := idKey(p.ID)
			v := bucket.Get(k)
			if v == nil {
				return fmt.Errorf("%s/%d: not in index", p.Type, p.ID)
			}
			// Values returned by Get are only valid inside the
			// transaction and must not be modified.
			nv := appendLocation(make([]byte, 0, len(v)), p.Loc)
			nv = append(nv, v[8:]...)
			if err := bucket.Put(k, nv); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltIndex) get(bucket []byte, id int64, decode func([]byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get(idKey(id))
		if v == nil {
			return nil
		}
		return decode(v)
	})
}

// Node returns a node record, or nil.
func (b *BoltIndex) Node(_ context.Context, id int64) (*NodeRecord, error) {
	var n *NodeRecord
	err := b.get(nodesBucket, id, func(v []byte) (err error) {
		n, err = decodeNode(id, v)
		return err
	})
	return n, err
}

// Way returns a way record, or nil.
func (b *BoltIndex) Way(_ context.Context, id int64) (*WayRecord, error) {
	var w *WayRecord
	err := b.get(waysBucket, id, func(v []byte) (err error) {
		w, err = decodeWay(id, v)
		return err
	})
	return w, err
}

// Relation returns a relation record, or nil.
func (b *BoltIndex) Relation(_ context.Context, id int64) (*RelationRecord, error) {
	var r *RelationRecord
	err := b.get(relationsBucket, id, func(v []byte) (err error) {
		r, err = decodeRelation(id, v)
		return err
	})
	return r, err
}

func (b *BoltIndex) scanReverse(bucket, prefix []byte) ([]int64, error) {
	var ids []int64
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, int64(binary.BigEndian.Uint64(k[len(prefix):])))
		}
		return nil
	})
	return ids, err
}

// WaysForNode returns the ways containing a node, ascending.
func (b *BoltIndex) WaysForNode(_ context.Context, nodeID int64) ([]int64, error) {
	return b.scanReverse(nodeWaysBucket, idKey(nodeID))
}

// NodesAt returns the nodes located exactly at c, ascending.
func (b *BoltIndex) NodesAt(_ context.Context, c feature.Coord) ([]int64, error) {
	return b.scanReverse(coordNodesBucket, coordPrefix(c))
}

// RelationsForMember returns the relations listing a feature, ascending.
func (b *BoltIndex) RelationsForMember(_ context.Context, t feature.Type, id int64) ([]int64, error) {
	return b.scanReverse(membersBucket, append([]byte{byte(t)}, idKey(id)...))
}

// Delete removes a record and its back-references.
func (b *BoltIndex) Delete(_ context.Context, t feature.Type, id int64) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		switch t {
		case feature.Node:
			if err := unlinkNode(tx, id); err != nil {
				return err
			}
		case feature.Way:
			if err := unlinkWay(tx, id); err != nil {
				return err
			}
		case feature.Relation:
			if err := unlinkRelation(tx, id); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketFor(t)).Delete(idKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%d: %w", t, id, err)
	}
	b.log.Debug("Deleted index record", zap.Stringer("type", t), zap.Int64("id", id))
	return nil
}
