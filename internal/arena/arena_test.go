package arena

import (
	"encoding/binary"
	"testing"
)

func TestPlaceRespectsAlignment(t *testing.T) {
	tests := []struct {
		name      string
		alignment int
		base      int
		want      int
	}{
		{"byte aligned", 1, 13, 13},
		{"word aligned odd base", 2, 13, 14},
		{"word aligned even base", 2, 14, 14},
		{"dword aligned", 4, 13, 16},
		{"dword aligned exact", 4, 16, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			h := a.Allocate(8, tt.alignment)
			if got := a.Place(h, tt.base); got != tt.want {
				t.Errorf("Place(%d) with alignment %d = %d, want %d", tt.base, tt.alignment, got, tt.want)
			}
			if a.LocationOf(h) != tt.want {
				t.Errorf("LocationOf = %d, want %d", a.LocationOf(h), tt.want)
			}
		})
	}
}

func TestInternDeduplicates(t *testing.T) {
	a := New()
	h1, existed := a.Intern("amenity=cafe", 6, 2)
	if existed {
		t.Fatal("first intern reported an existing record")
	}
	h2, existed := a.Intern("amenity=cafe", 6, 2)
	if !existed {
		t.Error("second intern did not report an existing record")
	}
	if h1 != h2 {
		t.Errorf("expected same handle, got %d and %d", h1, h2)
	}
	h3, _ := a.Intern("amenity=pub", 6, 2)
	if h3 == h1 {
		t.Error("different keys produced the same handle")
	}
	if a.SharedCount() != 2 {
		t.Errorf("expected 2 shared records, got %d", a.SharedCount())
	}
}

func TestReverseAnchorInvariant(t *testing.T) {
	const address = 1000
	const payload = 11

	cases := [][]int{
		nil,
		{4},
		{16},
		{16, 4},
		{8, 8, 4},
	}
	for _, prefixes := range cases {
		s := Reverse(address, payload, prefixes...)
		if s.Address() != address {
			t.Errorf("prefixes %v: location+anchor = %d, want %d", prefixes, s.Address(), address)
		}
		total := 0
		for _, p := range prefixes {
			total += p
		}
		if s.Anchor() != total {
			t.Errorf("prefixes %v: anchor = %d, want %d", prefixes, s.Anchor(), total)
		}
		if s.Size() != total+payload {
			t.Errorf("prefixes %v: size = %d, want %d", prefixes, s.Size(), total+payload)
		}
	}
}

func TestLayoutAndPointers(t *testing.T) {
	a := New()

	target := a.Allocate(0, 4)
	a.SetContent(target, []byte{1, 2, 3, 4, 5, 6})
	a.SetAnchor(target, 2)

	src := a.Allocate(0, 4)
	a.SetContent(src, make([]byte, 8))
	a.AddPointer(src, 4, target, 1)

	end := a.Layout(3)
	if a.LocationOf(target) != 4 {
		t.Fatalf("target placed at %d, want 4", a.LocationOf(target))
	}
	if a.LocationOf(src) != 12 {
		t.Fatalf("source placed at %d, want 12", a.LocationOf(src))
	}
	if end != 20 {
		t.Fatalf("layout end = %d, want 20", end)
	}

	buf := make([]byte, end)
	if err := a.WriteTo(buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if buf[4] != 1 || buf[9] != 6 {
		t.Errorf("target content not copied: %v", buf[4:10])
	}

	at := a.LocationOf(src) + 4
	rel := int32(binary.LittleEndian.Uint32(buf[at:]))
	if rel&1 != 1 {
		t.Errorf("flag bit lost: %d", rel)
	}
	if got := at + int(rel&^1); got != a.Address(target) {
		t.Errorf("pointer resolves to %d, want %d", got, a.Address(target))
	}
}

func TestWriteToUnplaced(t *testing.T) {
	a := New()
	a.Allocate(4, 1)
	if err := a.WriteTo(make([]byte, 16)); err == nil {
		t.Error("expected error for unplaced record")
	}
}
