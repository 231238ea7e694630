package locindex

import (
	"context"
	"fmt"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/wegman-software/golt/internal/feature"
)

// openTestPG connects to the database named by GOLT_TEST_DATABASE and
// isolates the test in its own schema.
func openTestPG(t *testing.T) *PGIndex {
	t.Helper()
	conn := os.Getenv("GOLT_TEST_DATABASE")
	if conn == "" {
		t.Skip("GOLT_TEST_DATABASE not set")
	}
	ctx := context.Background()
	schema := fmt.Sprintf("golt_test_%d", time.Now().UnixNano())

	idx, err := OpenPG(ctx, conn, "public")
	if err != nil {
		t.Fatalf("OpenPG: %v", err)
	}
	if _, err := idx.pool.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		idx.Close()
		t.Fatal(err)
	}
	idx.schema = schema
	if err := idx.EnsureTables(ctx, false); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		idx.pool.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		idx.Close()
	})
	return idx
}

func TestPGRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := openTestPG(t)

	if err := idx.PutNodes(ctx, []NodeRecord{{ID: 1, Coord: feature.Coord{X: 3, Y: 4}, Loc: Location{TIP: 9, Ptr: 12}}}); err != nil {
		t.Fatal(err)
	}
	if err := idx.PutWays(ctx, []WayRecord{{ID: 10, Nodes: []int64{1, 2}}, {ID: 11, Nodes: []int64{2, 3}}}); err != nil {
		t.Fatal(err)
	}
	rel := RelationRecord{ID: 20, Members: []Member{{Type: feature.Way, ID: 10, Role: "outer"}}}
	if err := idx.PutRelations(ctx, []RelationRecord{rel}); err != nil {
		t.Fatal(err)
	}

	n, err := idx.Node(ctx, 1)
	if err != nil || n == nil || n.Coord != (feature.Coord{X: 3, Y: 4}) || n.Loc.Ptr != 12 {
		t.Errorf("Node(1) = %+v, %v", n, err)
	}
	if n, err := idx.Node(ctx, 2); n != nil || err != nil {
		t.Errorf("Node(2) = %+v, %v; want nil, nil", n, err)
	}

	if got, err := idx.NodesAt(ctx, feature.Coord{X: 3, Y: 4}); err != nil || !slices.Equal(got, []int64{1}) {
		t.Errorf("NodesAt(3,4) = %v, %v", got, err)
	}

	got, err := idx.WaysForNode(ctx, 2)
	if err != nil || !slices.Equal(got, []int64{10, 11}) {
		t.Errorf("WaysForNode(2) = %v, %v", got, err)
	}
	got, err = idx.RelationsForMember(ctx, feature.Way, 10)
	if err != nil || !slices.Equal(got, []int64{20}) {
		t.Errorf("RelationsForMember(way/10) = %v, %v", got, err)
	}
	if got, _ := idx.RelationsForMember(ctx, feature.Node, 10); len(got) != 0 {
		t.Errorf("RelationsForMember(node/10) = %v", got)
	}

	r, err := idx.Relation(ctx, 20)
	if err != nil || r == nil || !slices.Equal(r.Members, rel.Members) {
		t.Errorf("Relation(20) = %+v, %v", r, err)
	}

	if err := idx.Delete(ctx, feature.Way, 10); err != nil {
		t.Fatal(err)
	}
	if got, _ := idx.WaysForNode(ctx, 1); len(got) != 0 {
		t.Errorf("after delete WaysForNode(1) = %v", got)
	}
}
