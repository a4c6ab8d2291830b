package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Params are the query parameters that participate in cache key derivation,
// beyond the owner/table identity that forms the key prefix.
type Params struct {
	PangenomeID string
	Offset      int
	Limit       int
	SortColumn  string
	SortOrder   string
	Search      string
	Filters     map[string]string
}

// canonicalParams is the serialization shape hashed into the key. Field
// order is fixed by the struct and filters are flattened to a sorted pair
// list so that map iteration order never leaks into the hash. A nil filter
// map and an empty one serialize identically: both mean "no filtering".
type canonicalParams struct {
	PangenomeID string      `json:"pangenome_id"`
	Offset      int         `json:"offset"`
	Limit       int         `json:"limit"`
	SortColumn  string      `json:"sort_column"`
	SortOrder   string      `json:"sort_order"`
	Search      string      `json:"search_value"`
	Filters     [][2]string `json:"query_filters"`
}

func (p Params) canonical() canonicalParams {
	order := p.SortOrder
	if p.SortColumn == "" {
		order = ""
	} else if order == "" {
		order = "asc"
	}
	filters := make([][2]string, 0, len(p.Filters))
	for k, v := range p.Filters {
		filters = append(filters, [2]string{k, v})
	}
	sort.Slice(filters, func(i, j int) bool { return filters[i][0] < filters[j][0] })
	return canonicalParams{
		PangenomeID: p.PangenomeID,
		Offset:      p.Offset,
		Limit:       p.Limit,
		SortColumn:  p.SortColumn,
		SortOrder:   order,
		Search:      p.Search,
		Filters:     filters,
	}
}

// Key derives the deterministic result-cache key for a query. The owner and
// table identity stay readable in the prefix (they also namespace the key:
// different owners can never collide), and the remaining parameters are
// hashed from a canonical serialization so that semantically identical
// requests always map to the same key.
func Key(ownerID, tableID, tableName string, p Params) string {
	buf, _ := json.Marshal(p.canonical())
	sum := sha256.Sum256(buf)
	return segment(ownerID) + ":" + segment(tableID) + ":" + segment(tableName) + ":" + hex.EncodeToString(sum[:])
}

// segment keeps a prefix component readable while making the ":" separators
// unambiguous: a component containing the separator is flattened and tagged
// with a short hash of its raw value, so ("a:b", "c") and ("a", "b:c") can
// never derive the same prefix.
func segment(s string) string {
	if !strings.Contains(s, ":") {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return strings.ReplaceAll(s, ":", "_") + "-" + hex.EncodeToString(sum[:4])
}
