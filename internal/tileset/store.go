// Package tileset stores encoded tiles as one file per tile under a
// directory laid out as <zoom>/<column>/<row>.golt, with the purgatory in
// purgatory.golt at the root.
package tileset

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/edsrzf/mmap-go"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/strtab"
	"github.com/wegman-software/golt/internal/tiles"
)

const (
	fileExt       = ".golt"
	purgatoryName = "purgatory" + fileExt
	dirMode       = 0755
	fileMode      = 0644
)

// ErrNoTile means the store has no file for a tile.
var ErrNoTile = errors.New("tile not in store")

// Store is a directory of tile files. Writes replace whole files
// atomically, so readers see either the old or the new tile.
type Store struct {
	Dir string
	log *zap.Logger
}

// Open returns a store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, fmt.Errorf("failed to create tile directory: %w", err)
	}
	return &Store{Dir: dir, log: logger.Named("tileset")}, nil
}

// Path returns the file holding a tile.
func (s *Store) Path(id tiles.ID) string {
	if id == tiles.PurgatoryTile {
		return filepath.Join(s.Dir, purgatoryName)
	}
	t := id.Tile()
	return filepath.Join(s.Dir, strconv.Itoa(tiles.Zoom), strconv.Itoa(t.Column), strconv.Itoa(t.Row)+fileExt)
}

// Write stores a tile buffer, replacing any previous version.
func (s *Store) Write(id tiles.ID, buf []byte) error {
	path := s.Path(id)
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("tile %s: %w", id, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("tile %s: %w", id, err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tile %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("tile %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tile %s: %w", id, err)
	}
	if err := os.Chmod(tmp.Name(), fileMode); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tile %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("tile %s: %w", id, err)
	}
	s.log.Debug("Wrote tile", zap.Stringer("tile", id), zap.Int("bytes", len(buf)))
	return nil
}

// Remove deletes a tile. Removing a missing tile is not an error.
func (s *Store) Remove(id tiles.ID) error {
	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tile %s: %w", id, err)
	}
	return nil
}

// Load reads a tile into memory. The returned buffer is owned by the
// caller and outlives the store.
func (s *Store) Load(id tiles.ID) ([]byte, error) {
	buf, err := os.ReadFile(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("tile %s: %w", id, ErrNoTile)
	}
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", id, err)
	}
	return buf, nil
}

// Tiles lists the stored tiles in ascending id order. The purgatory, when
// present, comes first.
func (s *Store) Tiles() ([]tiles.ID, error) {
	var ids []tiles.ID
	if _, err := os.Stat(filepath.Join(s.Dir, purgatoryName)); err == nil {
		ids = append(ids, tiles.PurgatoryTile)
	}
	root := filepath.Join(s.Dir, strconv.Itoa(tiles.Zoom))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), fileExt) {
			return nil
		}
		row, err := strconv.Atoi(strings.TrimSuffix(d.Name(), fileExt))
		if err != nil {
			return nil
		}
		col, err := strconv.Atoi(filepath.Base(filepath.Dir(path)))
		if err != nil {
			return nil
		}
		id := tiles.Tile{Row: row, Column: col}.ID()
		if id.Valid() {
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tiles: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Mapped is a tile file mapped read-only into memory. Its bytes are valid
// until Close; features decoded from them may alias the mapping.
type Mapped struct {
	file *os.File
	data mmap.MMap
}

// Map memory-maps a tile for reading.
func (s *Store) Map(id tiles.ID) (*Mapped, error) {
	f, err := os.Open(s.Path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("tile %s: %w", id, ErrNoTile)
	}
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tile %s: %w", id, err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("tile %s: %w: empty file", id, tiles.ErrCorruptTile)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap tile %s: %w", id, err)
	}
	return &Mapped{file: f, data: data}, nil
}

// Bytes returns the mapped tile.
func (m *Mapped) Bytes() []byte {
	return m.data
}

// Close unmaps the tile and closes its file.
func (m *Mapped) Close() error {
	if err := m.data.Unmap(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}

const dictionaryName = "strings.txt"

// WriteDictionary saves the string table tiles in this store are encoded
// with.
func (s *Store) WriteDictionary(t *strtab.Table) error {
	entries := make([]strtab.Entry, t.Len())
	for i, str := range t.Strings() {
		entries[i] = strtab.Entry{String: str}
	}
	var buf bytes.Buffer
	if err := strtab.Write(&buf, entries); err != nil {
		return err
	}
	path := filepath.Join(s.Dir, dictionaryName)
	if err := os.WriteFile(path, buf.Bytes(), fileMode); err != nil {
		return fmt.Errorf("failed to write dictionary: %w", err)
	}
	return nil
}

// Dictionary returns the store's string table, or nil when tiles were
// built without one.
func (s *Store) Dictionary() (tiles.Strings, error) {
	t, err := strtab.Load(filepath.Join(s.Dir, dictionaryName), 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}
