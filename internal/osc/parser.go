// Package osc reads OSM change files into a Changeset.
package osc

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/logger"
)

// Parser parses OSC (OSM Change) files
type Parser struct {
	stats Stats
}

// NewParser creates a new OSC parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns parsing statistics
func (p *Parser) Stats() Stats {
	return p.stats
}

// ParseFile parses an OSC file and streams changes to a channel
// Supports both plain XML and gzip-compressed files
func (p *Parser) ParseFile(ctx context.Context, filename string) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		f, err := os.Open(filename)
		if err != nil {
			errChan <- fmt.Errorf("failed to open OSC file: %w", err)
			return
		}
		defer f.Close()

		var reader io.Reader = f
		if strings.HasSuffix(filename, ".gz") {
			gzReader, err := gzip.NewReader(f)
			if err != nil {
				errChan <- fmt.Errorf("failed to create gzip reader: %w", err)
				return
			}
			defer gzReader.Close()
			reader = gzReader
		}

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- fmt.Errorf("%s: %w", filename, err)
		}
	}()

	return changes, errChan
}

// ParseReader parses OSC data from a reader
func (p *Parser) ParseReader(ctx context.Context, reader io.Reader) (<-chan Change, <-chan error) {
	changes := make(chan Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

// parse walks the document and decodes each element inside a
// create/modify/delete block into its osm type.
func (p *Parser) parse(ctx context.Context, reader io.Reader, changes chan<- Change) error {
	decoder := xml.NewDecoder(reader)
	var currentAction Action

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}

		se, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		var obj osm.Object
		switch se.Name.Local {
		case "create":
			currentAction = ActionCreate
			continue
		case "modify":
			currentAction = ActionModify
			continue
		case "delete":
			currentAction = ActionDelete
			continue
		case "node":
			obj = &osm.Node{}
		case "way":
			obj = &osm.Way{}
		case "relation":
			obj = &osm.Relation{}
		default:
			continue
		}

		if currentAction == "" {
			return fmt.Errorf("<%s> outside of create/modify/delete", se.Name.Local)
		}
		if err := decoder.DecodeElement(obj, &se); err != nil {
			return fmt.Errorf("failed to decode <%s>: %w", se.Name.Local, err)
		}

		change := Change{Action: currentAction, Object: obj}
		select {
		case changes <- change:
			p.stats.add(change)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Collect drains a change stream into a changeset.
func Collect(changes <-chan Change, errs <-chan error, into *Changeset) error {
	for c := range changes {
		into.Add(c)
	}
	return <-errs
}

// ReadFiles parses change files in order and merges them into one
// changeset.
func ReadFiles(ctx context.Context, filenames ...string) (*Changeset, Stats, error) {
	log := logger.Named("osc")
	cs := NewChangeset()
	var total Stats

	for _, name := range filenames {
		p := NewParser()
		changes, errs := p.ParseFile(ctx, name)
		if err := Collect(changes, errs, cs); err != nil {
			return nil, total, err
		}
		s := p.Stats()
		total.merge(&s)
		log.Info("Read change file",
			zap.String("file", name),
			zap.Int64("changes", s.Total()),
			zap.Int64("nodes_deleted", s.NodesDeleted),
			zap.Int64("ways_deleted", s.WaysDeleted),
			zap.Int64("relations_deleted", s.RelationsDeleted))
	}
	return cs, total, nil
}

func (s *Stats) merge(o *Stats) {
	s.NodesCreated += o.NodesCreated
	s.NodesModified += o.NodesModified
	s.NodesDeleted += o.NodesDeleted
	s.WaysCreated += o.WaysCreated
	s.WaysModified += o.WaysModified
	s.WaysDeleted += o.WaysDeleted
	s.RelationsCreated += o.RelationsCreated
	s.RelationsModified += o.RelationsModified
	s.RelationsDeleted += o.RelationsDeleted
}
