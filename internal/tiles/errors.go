package tiles

import (
	"errors"
	"fmt"

	"github.com/wegman-software/golt/internal/varint"
)

var (
	// ErrCorruptTile means a pointer or header resolved outside the buffer
	// or to data that cannot be valid. The tile must not be trusted.
	ErrCorruptTile = errors.New("corrupt tile")
	// ErrTypeMismatch means the stored type bits disagree with the codec
	// that was asked to decode the feature.
	ErrTypeMismatch = errors.New("feature type mismatch")
	// ErrTruncatedVarint means a varint ran past the end of the buffer.
	ErrTruncatedVarint = varint.ErrTruncated
	// ErrForeign means a body was requested for a feature that only has a
	// stub in this tile.
	ErrForeign = errors.New("feature is foreign to this tile")
	// ErrMissingStub means a tile being built references a feature that
	// has no stub in the tile.
	ErrMissingStub = errors.New("referenced feature has no stub in tile")
)

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptTile, fmt.Sprintf(format, args...))
}

// decodeErr classifies an overlong varint as corruption; any other error is
// returned unchanged.
func decodeErr(err error) error {
	if errors.Is(err, varint.ErrOverflow) && !errors.Is(err, ErrCorruptTile) {
		return fmt.Errorf("%w: %w", ErrCorruptTile, err)
	}
	return err
}
