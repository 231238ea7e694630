// Package tiles encodes features into tile buffers and decodes them again.
//
// A tile buffer starts with a header and a stub index, followed by the
// records placed by an arena: fixed-size feature stubs, shared tag and
// relation tables, and variable-length bodies. All pointers are signed
// 32-bit offsets relative to the address they are stored at.
//
//	header   magic "GOLT" | tile id | stub count | stub offsets...
//	stub     +0  (id>>32)<<8 | flags   +4 low 32 bits of id
//	         +8  tag table pointer (0 = untagged)
//	node     +12 x  +16 y  +20 relation table pointer
//	way/rel  +12 minX  +16 minY  +20 maxX  +24 maxY  +28 body pointer
//
// Foreign stubs keep the TIP delta of their owning tile in the slot that
// would otherwise hold the body (or relation table) pointer.
//
// A way body starts at the body pointer with the coordinate block; an
// optional relation table pointer sits in the 4 bytes before it, and an
// optional way-node table of 8-byte entries grows backward before that.
package tiles

import (
	"encoding/binary"

	"github.com/wegman-software/golt/internal/feature"
)

const (
	magic = 0x544c4f47 // "GOLT"

	headerSize   = 12
	indexEntry   = 4
	stubAlign    = 4
	tableAlign   = 2
	prefixAlign  = 2
	nodeStubSize = 24
	areaStubSize = 32

	offTags       = 8
	offX          = 12
	offY          = 16
	offMaxX       = 20
	offMaxY       = 24
	offNodeBody   = 20
	offAreaBody   = 28
	relRefSize    = 4
	nodeEntrySize = 8
	lastEntryFlag = 1
)

func stubSize(t feature.Type) int {
	if t == feature.Node {
		return nodeStubSize
	}
	return areaStubSize
}

// bodySlot returns the stub offset of the body pointer.
func bodySlot(t feature.Type) int {
	if t == feature.Node {
		return offNodeBody
	}
	return offAreaBody
}

func getInt32(buf []byte, p int) int32 {
	return int32(binary.LittleEndian.Uint32(buf[p:]))
}

func putInt32(buf []byte, p int, v int32) {
	binary.LittleEndian.PutUint32(buf[p:], uint32(v))
}
