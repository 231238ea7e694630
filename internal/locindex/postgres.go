package locindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/golt/internal/feature"
	"github.com/wegman-software/golt/internal/logger"
	"github.com/wegman-software/golt/internal/tiles"
)

// PGIndex keeps the index in three PostgreSQL tables, which lets several
// tile sets share one database schema-by-schema.
type PGIndex struct {
	pool   *pgxpool.Pool
	schema string
	log    *zap.Logger
}

// pgMember is the JSON shape of a relation member. The keys match the
// containment query in RelationsForMember.
type pgMember struct {
	Type string `json:"Type"`
	Ref  int64  `json:"Ref"`
	Role string `json:"Role"`
}

var memberCodes = map[feature.Type]string{feature.Node: "n", feature.Way: "w", feature.Relation: "r"}

// OpenPG connects to the database and creates the index tables if needed.
func OpenPG(ctx context.Context, connString, schema string) (*PGIndex, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	idx := NewPG(pool, schema)
	if err := idx.EnsureTables(ctx, false); err != nil {
		pool.Close()
		return nil, err
	}
	return idx, nil
}

// NewPG wraps an existing pool.
func NewPG(pool *pgxpool.Pool, schema string) *PGIndex {
	if schema == "" {
		schema = "public"
	}
	return &PGIndex{pool: pool, schema: schema, log: logger.Named("locindex")}
}

// Close releases the pool.
func (p *PGIndex) Close() error {
	p.pool.Close()
	return nil
}

func (p *PGIndex) table(name string) string {
	return pgx.Identifier{p.schema, name}.Sanitize()
}

// EnsureTables creates the index tables and their lookup indexes.
func (p *PGIndex) EnsureTables(ctx context.Context, dropExisting bool) error {
	tables := []struct {
		name   string
		schema string
	}{
		{
			name: "golt_nodes",
			schema: `CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				x INTEGER NOT NULL,
				y INTEGER NOT NULL,
				tip INTEGER NOT NULL,
				ptr INTEGER NOT NULL
			)`,
		},
		{
			name: "golt_ways",
			schema: `CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				nodes BIGINT[] NOT NULL,
				tip INTEGER NOT NULL,
				ptr INTEGER NOT NULL
			)`,
		},
		{
			name: "golt_rels",
			schema: `CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				members JSONB NOT NULL,
				tip INTEGER NOT NULL,
				ptr INTEGER NOT NULL
			)`,
		},
	}

	for _, t := range tables {
		name := p.table(t.name)
		if dropExisting {
			p.log.Info("Dropping index table", zap.String("table", t.name))
			if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name+" CASCADE"); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", t.name, err)
			}
		}
		if _, err := p.pool.Exec(ctx, fmt.Sprintf(t.schema, name)); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS golt_nodes_xy_idx ON %s (x, y)", p.table("golt_nodes")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS golt_ways_nodes_idx ON %s USING GIN (nodes)", p.table("golt_ways")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS golt_rels_members_idx ON %s USING GIN (members jsonb_path_ops)", p.table("golt_rels")),
	}
	for _, sql := range indexes {
		if _, err := p.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (p *PGIndex) sendBatch(ctx context.Context, batch *pgx.Batch) error {
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// PutNodes upserts node records.
func (p *PGIndex) PutNodes(ctx context.Context, nodes []NodeRecord) error {
	sql := fmt.Sprintf(`INSERT INTO %s (id, x, y, tip, ptr) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET x = EXCLUDED.x, y = EXCLUDED.y, tip = EXCLUDED.tip, ptr = EXCLUDED.ptr`,
		p.table("golt_nodes"))
	batch := &pgx.Batch{}
	for _, n := range nodes {
		batch.Queue(sql, n.ID, n.Coord.X, n.Coord.Y, int32(n.Loc.TIP), n.Loc.Ptr)
	}
	if err := p.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to store nodes: %w", err)
	}
	return nil
}

// PutWays upserts way records.
func (p *PGIndex) PutWays(ctx context.Context, ways []WayRecord) error {
	sql := fmt.Sprintf(`INSERT INTO %s (id, nodes, tip, ptr) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET nodes = EXCLUDED.nodes, tip = EXCLUDED.tip, ptr = EXCLUDED.ptr`,
		p.table("golt_ways"))
	batch := &pgx.Batch{}
	for _, w := range ways {
		batch.Queue(sql, w.ID, w.Nodes, int32(w.Loc.TIP), w.Loc.Ptr)
	}
	if err := p.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to store ways: %w", err)
	}
	return nil
}

// PutRelations upserts relation records.
func (p *PGIndex) PutRelations(ctx context.Context, rels []RelationRecord) error {
	sql := fmt.Sprintf(`INSERT INTO %s (id, members, tip, ptr) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET members = EXCLUDED.members, tip = EXCLUDED.tip, ptr = EXCLUDED.ptr`,
		p.table("golt_rels"))
	batch := &pgx.Batch{}
	for _, r := range rels {
		members := make([]pgMember, len(r.Members))
		for i, m := range r.Members {
			members[i] = pgMember{Type: memberCodes[m.Type], Ref: m.ID, Role: m.Role}
		}
		membersJSON, err := json.Marshal(members)
		if err != nil {
			return fmt.Errorf("relation/%d: %w", r.ID, err)
		}
		batch.Queue(sql, r.ID, membersJSON, int32(r.Loc.TIP), r.Loc.Ptr)
	}
	if err := p.sendBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to store relations: %w", err)
	}
	return nil
}

func (p *PGIndex) tableFor(t feature.Type) string {
	switch t {
	case feature.Node:
		return p.table("golt_nodes")
	case feature.Way:
		return p.table("golt_ways")
	}
	return p.table("golt_rels")
}

// SetLocations updates the location columns of existing rows.
func (p *PGIndex) SetLocations(ctx context.Context, placements []Placement) error {
	batch := &pgx.Batch{}
	for _, pl := range placements {
		batch.Queue(fmt.Sprintf("UPDATE %s SET tip = $2, ptr = $3 WHERE id = $1", p.tableFor(pl.Type)),
			pl.ID, int32(pl.Loc.TIP), pl.Loc.Ptr)
	}
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for _, pl := range placements {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("failed to place %s/%d: %w", pl.Type, pl.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s/%d: not in index", pl.Type, pl.ID)
		}
	}
	return nil
}

func location(tip, ptr int32) Location {
	return Location{TIP: tiles.TIP(tip), Ptr: ptr}
}

// Node returns a node record, or nil.
func (p *PGIndex) Node(ctx context.Context, id int64) (*NodeRecord, error) {
	var n NodeRecord
	var tip, ptr int32
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT x, y, tip, ptr FROM %s WHERE id = $1", p.table("golt_nodes")), id,
	).Scan(&n.Coord.X, &n.Coord.Y, &tip, &ptr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.ID, n.Loc = id, location(tip, ptr)
	return &n, nil
}

// Way returns a way record, or nil.
func (p *PGIndex) Way(ctx context.Context, id int64) (*WayRecord, error) {
	var w WayRecord
	var tip, ptr int32
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT nodes, tip, ptr FROM %s WHERE id = $1", p.table("golt_ways")), id,
	).Scan(&w.Nodes, &tip, &ptr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.ID, w.Loc = id, location(tip, ptr)
	return &w, nil
}

// Relation returns a relation record, or nil.
func (p *PGIndex) Relation(ctx context.Context, id int64) (*RelationRecord, error) {
	var membersJSON []byte
	var tip, ptr int32
	err := p.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT members, tip, ptr FROM %s WHERE id = $1", p.table("golt_rels")), id,
	).Scan(&membersJSON, &tip, &ptr)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var members []pgMember
	if err := json.Unmarshal(membersJSON, &members); err != nil {
		return nil, fmt.Errorf("relation/%d: bad member list: %w", id, err)
	}
	r := &RelationRecord{ID: id, Loc: location(tip, ptr), Members: make([]Member, len(members))}
	for i, m := range members {
		t, err := feature.ParseType(m.Type)
		if err != nil {
			return nil, fmt.Errorf("relation/%d: %w", id, err)
		}
		r.Members[i] = Member{Type: t, ID: m.Ref, Role: m.Role}
	}
	return r, nil
}

func (p *PGIndex) queryIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// WaysForNode returns the ways containing a node, ascending.
func (p *PGIndex) WaysForNode(ctx context.Context, nodeID int64) ([]int64, error) {
	return p.queryIDs(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE nodes @> ARRAY[$1]::bigint[] ORDER BY id", p.table("golt_ways")),
		nodeID)
}

// NodesAt returns the nodes located exactly at c, ascending.
func (p *PGIndex) NodesAt(ctx context.Context, c feature.Coord) ([]int64, error) {
	return p.queryIDs(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE x = $1 AND y = $2 ORDER BY id", p.table("golt_nodes")),
		c.X, c.Y)
}

// RelationsForMember returns the relations listing a feature, ascending.
func (p *PGIndex) RelationsForMember(ctx context.Context, t feature.Type, id int64) ([]int64, error) {
	pattern, err := json.Marshal([]map[string]any{{"Type": memberCodes[t], "Ref": id}})
	if err != nil {
		return nil, err
	}
	return p.queryIDs(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE members @> $1::jsonb ORDER BY id", p.table("golt_rels")),
		string(pattern))
}

// Delete removes a row.
func (p *PGIndex) Delete(ctx context.Context, t feature.Type, id int64) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.tableFor(t)), id); err != nil {
		return fmt.Errorf("failed to delete %s/%d: %w", t, id, err)
	}
	return nil
}
