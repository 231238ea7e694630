package arena

import "fmt"

// Struct describes the placement of one record: its size, required
// alignment, anchor and location. Location + Anchor is the record's
// reference address, which stays fixed regardless of how many optional
// prefix fields are laid out before it.
type Struct struct {
	size      int
	alignment int
	anchor    int
	location  int
}

func (s *Struct) Size() int      { return s.size }
func (s *Struct) Alignment() int { return s.alignment }
func (s *Struct) Anchor() int    { return s.anchor }
func (s *Struct) Location() int  { return s.location }

// Address returns the reference address (location + anchor).
func (s *Struct) Address() int {
	return s.location + s.anchor
}

func (s *Struct) SetSize(size int) {
	if size < 0 {
		panic(fmt.Sprintf("arena: negative struct size %d", size))
	}
	s.size = size
}

// SetAlignment sets the required alignment in bytes, which must be a
// power of two.
func (s *Struct) SetAlignment(alignment int) {
	if alignment < 1 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("arena: alignment %d is not a power of two", alignment))
	}
	s.alignment = alignment
}

// GrowAlignment raises the alignment to at least the given value.
func (s *Struct) GrowAlignment(alignment int) {
	if alignment > s.alignment {
		s.SetAlignment(alignment)
	}
}

func (s *Struct) SetAnchor(anchor int)     { s.anchor = anchor }
func (s *Struct) SetLocation(location int) { s.location = location }

// Reverse computes the placement of a record whose fixed payload starts at
// address and is preceded by optional prefix blocks of the given lengths.
// The prefixes occupy the bytes immediately before address, so the anchor
// equals their total length and the record starts that many bytes earlier.
func Reverse(address, payloadLen int, prefixLens ...int) Struct {
	prefix := 0
	for _, n := range prefixLens {
		prefix += n
	}
	s := Struct{alignment: 1}
	s.SetSize(prefix + payloadLen)
	s.SetAnchor(prefix)
	s.SetLocation(address - prefix)
	return s
}
