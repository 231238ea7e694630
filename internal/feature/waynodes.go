package feature

// MarkWayNodes sets WayNode on exactly the local nodes of fs that appear
// in the node table of a local way in fs. Every way through a node covers
// the node's tile, so one tile's features decide the flag. Features whose
// flag changes are replaced by copies.
func MarkWayNodes(fs []*Feature) {
	used := make(map[int64]bool)
	for _, f := range fs {
		if wb := f.Way(); wb != nil && !f.IsForeign() {
			for _, ref := range wb.Nodes {
				used[ref.ID] = true
			}
		}
	}
	for i, f := range fs {
		if f.Type() != Node || f.IsForeign() || f.Flags.Has(WayNode) == used[f.ID] {
			continue
		}
		g := *f
		g.Flags ^= WayNode
		fs[i] = &g
	}
}
