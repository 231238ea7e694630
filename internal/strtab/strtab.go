// Package strtab holds the ranked string dictionary used to replace common
// keys, values and roles with small integer codes when tiles are built.
package strtab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Table maps strings to codes; a lower code means a more frequent string.
type Table struct {
	strings []string
	codes   map[string]int
}

// New creates a table from strings in rank order. Duplicates keep their
// first (best) rank.
func New(ranked []string) *Table {
	t := &Table{codes: make(map[string]int, len(ranked))}
	for _, s := range ranked {
		if _, ok := t.codes[s]; ok {
			continue
		}
		t.codes[s] = len(t.strings)
		t.strings = append(t.strings, s)
	}
	return t
}

// Len returns the number of strings.
func (t *Table) Len() int {
	return len(t.strings)
}

// Code returns the code assigned to s.
func (t *Table) Code(s string) (int, bool) {
	code, ok := t.codes[s]
	return code, ok
}

// String returns the string with the given code.
func (t *Table) String(code int) (string, bool) {
	if code < 0 || code >= len(t.strings) {
		return "", false
	}
	return t.strings[code], true
}

// Strings returns the ranked strings.
func (t *Table) Strings() []string {
	return t.strings
}

// Read parses a string summary: a tab-separated file whose first column is
// the string and whose rows are in rank order. The header line is skipped.
// At most max strings are read (0 means no limit).
func Read(r io.Reader, max int) (*Table, error) {
	var ranked []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		text := sc.Text()
		if text == "" {
			continue
		}
		s, _, _ := strings.Cut(text, "\t")
		s, err := strconv.Unquote(s)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid string: %w", line, err)
		}
		ranked = append(ranked, s)
		if max > 0 && len(ranked) == max {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read string summary: %w", err)
	}
	return New(ranked), nil
}

// Load reads a string summary file.
func Load(path string, max int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open string summary: %w", err)
	}
	defer f.Close()
	return Read(f, max)
}

// Entry is one row of a string summary.
type Entry struct {
	String string
	Total  int64
	Keys   int64
	Values int64
}

// Write emits a string summary for entries, which must already be ranked.
func Write(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "string\ttotal\tkeys\tvalues\troles")
	for _, e := range entries {
		roles := e.Total - e.Keys - e.Values
		fmt.Fprintf(bw, "%s\t%d\t%d\t%d\t%d\n", strconv.Quote(e.String), e.Total, e.Keys, e.Values, roles)
	}
	return bw.Flush()
}
