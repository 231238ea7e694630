package feature

// areaKeys lists keys that make a closed way an area. A false entry means
// the key keeps the way linear even when it is closed.
var areaKeys = map[string]bool{
	"building": true,
	"landuse":  true,
	"natural":  true,
	"leisure":  true,
	"amenity":  true,
	"shop":     true,
	"tourism":  true,
	"man_made": true,
	"waterway": false,
	"highway":  false,
	"barrier":  false,
	"railway":  false,
}

// IsAreaWay reports whether a way describes an area. Only closed ways
// qualify; an explicit area tag wins over the key table.
func IsAreaWay(closed bool, tags Tags) bool {
	if !closed {
		return false
	}
	if v, ok := tags.Get("area"); ok {
		return v == "yes"
	}
	for _, tag := range tags {
		if area, ok := areaKeys[tag.Key]; ok {
			return area
		}
	}
	return false
}

// IsAreaRelation reports whether a relation describes an area.
func IsAreaRelation(tags Tags) bool {
	switch v, _ := tags.Get("type"); v {
	case "multipolygon", "boundary":
		return true
	}
	return false
}

// IsClosed reports whether a node list forms a ring.
func IsClosed(nodes []int64) bool {
	return len(nodes) >= 4 && nodes[0] == nodes[len(nodes)-1]
}
