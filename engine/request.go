package engine

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidRequest marks request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

const (
	// AnonymousOwner is the namespace for requests without an owner id.
	AnonymousOwner = "anonymous"

	// Internal listing names for cache key derivation. Real table names
	// come from SQLite identifiers and never start with "!".
	tablesListing     = "!tables"
	pangenomesListing = "!pangenomes"
)

// Request identifies one paginated table read. Limit 0 means unbounded.
type Request struct {
	OwnerID     string            `json:"-" msgpack:"-"`
	TableID     string            `json:"berdl_table_id" msgpack:"berdl_table_id"`
	PangenomeID string            `json:"pangenome_id,omitempty" msgpack:"pangenome_id"`
	TableName   string            `json:"table_name" msgpack:"table_name"`
	Offset      int               `json:"offset" msgpack:"offset"`
	Limit       int               `json:"limit" msgpack:"limit"`
	SortColumn  string            `json:"sort_column,omitempty" msgpack:"sort_column"`
	SortOrder   string            `json:"sort_order,omitempty" msgpack:"sort_order"`
	Search      string            `json:"search_value,omitempty" msgpack:"search_value"`
	Filters     map[string]string `json:"query_filters,omitempty" msgpack:"query_filters"`
}

// Validate rejects malformed requests before any cache or disk work.
func (r Request) Validate() error {
	if r.TableID == "" {
		return errors.Wrap(ErrInvalidRequest, "table id is required")
	}
	if r.TableName == "" {
		return errors.Wrap(ErrInvalidRequest, "table name is required")
	}
	if r.Offset < 0 {
		return errors.Wrapf(ErrInvalidRequest, "offset %d must not be negative", r.Offset)
	}
	if r.Limit < 0 {
		return errors.Wrapf(ErrInvalidRequest, "limit %d must not be negative", r.Limit)
	}
	switch strings.ToLower(r.SortOrder) {
	case "", "asc", "desc":
	default:
		return errors.Wrapf(ErrInvalidRequest, "sort order %q must be asc or desc", r.SortOrder)
	}
	return nil
}

// withDefaults normalizes the request before cache key derivation so that
// equivalent requests share one cache entry.
func (r Request) withDefaults() Request {
	if r.OwnerID == "" {
		r.OwnerID = AnonymousOwner
	}
	r.SortOrder = strings.ToLower(r.SortOrder)
	return r
}

// TableData is one page of query results plus provenance and timing. It is
// the value stored in the result cache and returned on the wire.
type TableData struct {
	Headers        []string   `json:"headers" msgpack:"headers"`
	Data           [][]string `json:"data" msgpack:"data"`
	RowCount       int        `json:"row_count" msgpack:"row_count"`
	TotalCount     int64      `json:"total_count" msgpack:"total_count"`
	FilteredCount  int64      `json:"filtered_count" msgpack:"filtered_count"`
	TableName      string     `json:"table_name" msgpack:"table_name"`
	Source         string     `json:"source" msgpack:"source"`
	ResponseTimeMS float64    `json:"response_time_ms" msgpack:"response_time_ms"`
	DBQueryMS      float64    `json:"db_query_ms" msgpack:"db_query_ms"`
	ConversionMS   float64    `json:"conversion_ms" msgpack:"conversion_ms"`
}
