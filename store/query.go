package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Query holds the pagination, sorting, and filtering parameters for a single
// table read. The zero value means "all rows in original order".
type Query struct {
	// Offset is the number of matching rows to skip.
	Offset int
	// Limit caps the number of rows returned. Zero or negative means no cap.
	Limit int
	// SortColumn orders the result by this column when set.
	SortColumn string
	// SortOrder is "asc" or "desc"; empty defaults to "asc" when SortColumn
	// is set.
	SortOrder string
	// Search matches rows where any column contains the value,
	// case-insensitively.
	Search string
	// Filters are per-column substring matches, AND-ed together and AND-ed
	// with Search.
	Filters map[string]string
}

// Result is the outcome of one paginated query.
type Result struct {
	Headers       []string
	Rows          [][]string
	TotalCount    int64
	FilteredCount int64
	QueryMS       float64
	ConversionMS  float64
}

// Run executes q against table. Counts are computed in a fixed order:
// TotalCount ignores the predicate entirely, FilteredCount applies it before
// pagination, and Rows carries the window [Offset, Offset+Limit) of the
// filtered, sorted result. NULLs come back as empty strings and every value
// is stringified.
func (d *DB) Run(ctx context.Context, table string, q Query) (*Result, error) {
	headers, err := d.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	if err := q.validate(headers); err != nil {
		return nil, err
	}

	queryStart := time.Now()

	var total int64
	if err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+quoteIdent(table),
	).Scan(&total); err != nil {
		return nil, errors.Wrapf(err, "failed to count rows of %s", table)
	}

	where, args := q.predicate(headers)

	filtered := total
	if where != "" {
		if err := d.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+quoteIdent(table)+where, args...,
		).Scan(&filtered); err != nil {
			return nil, errors.Wrapf(err, "failed to count filtered rows of %s", table)
		}
	}

	stmt := "SELECT * FROM " + quoteIdent(table) + where + q.orderBy() + q.window()
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to query %s", table)
	}
	defer rows.Close()

	raw := make([][]any, 0, 64)
	for rows.Next() {
		cells := make([]any, len(headers))
		ptrs := make([]any, len(headers))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrapf(err, "failed to scan row of %s", table)
		}
		raw = append(raw, cells)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read rows of %s", table)
	}
	queryMS := float64(time.Since(queryStart).Microseconds()) / 1000

	conversionStart := time.Now()
	data := make([][]string, len(raw))
	for i, cells := range raw {
		row := make([]string, len(cells))
		for j, cell := range cells {
			row[j] = cellString(cell)
		}
		data[i] = row
	}
	conversionMS := float64(time.Since(conversionStart).Microseconds()) / 1000

	return &Result{
		Headers:       headers,
		Rows:          data,
		TotalCount:    total,
		FilteredCount: filtered,
		QueryMS:       queryMS,
		ConversionMS:  conversionMS,
	}, nil
}

// validate rejects unknown sort and filter columns up front so typos surface
// as ErrInvalidColumn instead of silently matching nothing.
func (q Query) validate(headers []string) error {
	if q.SortColumn != "" && !slices.Contains(headers, q.SortColumn) {
		return errors.Wrapf(ErrInvalidColumn, "sort column %q", q.SortColumn)
	}
	for col := range q.Filters {
		if !slices.Contains(headers, col) {
			return errors.Wrapf(ErrInvalidColumn, "filter column %q", col)
		}
	}
	return nil
}

// predicate builds the WHERE clause: per-column filters AND-ed together,
// then AND-ed with an any-column group for the global search. Substring
// matching is done with instr on lowercased text, which needs no LIKE
// escaping.
func (q Query) predicate(headers []string) (string, []any) {
	var clauses []string
	var args []any

	cols := make([]string, 0, len(q.Filters))
	for col := range q.Filters {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		clauses = append(clauses, "instr(lower(CAST("+quoteIdent(col)+" AS TEXT)), lower(?)) > 0")
		args = append(args, q.Filters[col])
	}

	if q.Search != "" {
		group := make([]string, 0, len(headers))
		for _, col := range headers {
			group = append(group, "instr(lower(CAST("+quoteIdent(col)+" AS TEXT)), lower(?)) > 0")
			args = append(args, q.Search)
		}
		clauses = append(clauses, "("+strings.Join(group, " OR ")+")")
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// orderBy appends rowid as a tie-break so equal sort values keep their
// original relative order.
func (q Query) orderBy() string {
	if q.SortColumn == "" {
		return ""
	}
	dir := " ASC"
	if strings.EqualFold(q.SortOrder, "desc") {
		dir = " DESC"
	}
	return " ORDER BY " + quoteIdent(q.SortColumn) + dir + ", rowid ASC"
}

// window renders LIMIT/OFFSET. SQLite requires a LIMIT clause to use
// OFFSET, so an unbounded query with an offset uses LIMIT -1.
func (q Query) window() string {
	if q.Limit <= 0 && q.Offset <= 0 {
		return ""
	}
	limit := int64(-1)
	if q.Limit > 0 {
		limit = int64(q.Limit)
	}
	clause := " LIMIT " + strconv.FormatInt(limit, 10)
	if q.Offset > 0 {
		clause += " OFFSET " + strconv.Itoa(q.Offset)
	}
	return clause
}

// cellString renders a scanned SQLite value the way the wire format expects:
// NULL becomes "", blobs and text pass through, numbers render without
// exponent noise.
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}
