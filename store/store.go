package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

var (
	// ErrTableNotFound means the requested table is absent from the backing file.
	ErrTableNotFound = errors.New("table not found")
	// ErrInvalidColumn means a sort or filter column is not in the table schema.
	ErrInvalidColumn = errors.New("invalid column")
)

// pangenomeTable is the optional metadata table bundled into backing files.
// It is never listed as a user table.
const pangenomeTable = "pangenomes"

// DB wraps a single SQLite backing file, providing schema inspection,
// lazy index creation, and the paginated query path.
type DB struct {
	db   *sql.DB
	path string

	mu      sync.Mutex
	indexed map[string]bool
}

// Open opens the backing file at path. WAL mode is enabled for concurrent
// read performance.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open backing file %s", path)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to configure backing file %s", path)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to ping backing file %s", path)
	}
	return &DB{db: db, path: path, indexed: make(map[string]bool)}, nil
}

// Path returns the filesystem path of the backing file.
func (d *DB) Path() string {
	return d.path
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Tables lists the user tables in the backing file, sorted by name.
// SQLite system tables and the pangenome metadata table are excluded.
func (d *DB) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "failed to scan table name")
		}
		if name == pangenomeTable {
			continue
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Columns returns the column names of table in schema order.
// Returns ErrTableNotFound when the table does not exist.
func (d *DB) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect table %s", table)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrapf(err, "failed to scan column of %s", table)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, errors.Wrapf(ErrTableNotFound, "%s", table)
	}
	return columns, nil
}

// EnsureIndexed creates a single-column index for every column of table that
// does not already have one. The DDL uses IF NOT EXISTS, so the operation is
// idempotent; a per-table memo makes repeat calls free within this process.
func (d *DB) EnsureIndexed(ctx context.Context, table string) error {
	d.mu.Lock()
	done := d.indexed[table]
	d.mu.Unlock()
	if done {
		return nil
	}

	columns, err := d.Columns(ctx, table)
	if err != nil {
		return err
	}
	for _, col := range columns {
		ddl := "CREATE INDEX IF NOT EXISTS " +
			quoteIdent("idx_"+table+"_"+col) +
			" ON " + quoteIdent(table) + " (" + quoteIdent(col) + ")"
		if _, err := d.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrapf(err, "failed to index %s.%s", table, col)
		}
	}

	d.mu.Lock()
	d.indexed[table] = true
	d.mu.Unlock()
	return nil
}

// Pangenome describes one pangenome bundled in a backing file or listed by
// the upstream object metadata.
type Pangenome struct {
	ID           string `json:"pangenome_id" msgpack:"pangenome_id"`
	Taxonomy     string `json:"pangenome_taxonomy" msgpack:"pangenome_taxonomy"`
	UserGenomes  int64  `json:"user_genomes" msgpack:"user_genomes"`
	BerdlGenomes int64  `json:"berdl_genomes" msgpack:"berdl_genomes"`
	HandleRef    string `json:"handle_ref" msgpack:"handle_ref"`
}

// Pangenomes reads the pangenome metadata table. Backing files without one
// yield an empty list, not an error.
func (d *DB) Pangenomes(ctx context.Context) ([]Pangenome, error) {
	var exists int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`,
		pangenomeTable,
	).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "failed to probe pangenome metadata")
	}
	if exists == 0 {
		return []Pangenome{}, nil
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT pangenome_id, pangenome_taxonomy, user_genomes, berdl_genomes, handle_ref
		FROM pangenomes ORDER BY pangenome_id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read pangenome metadata")
	}
	defer rows.Close()

	pangenomes := []Pangenome{}
	for rows.Next() {
		var pg Pangenome
		if err := rows.Scan(&pg.ID, &pg.Taxonomy, &pg.UserGenomes, &pg.BerdlGenomes, &pg.HandleRef); err != nil {
			return nil, errors.Wrap(err, "failed to scan pangenome row")
		}
		pangenomes = append(pangenomes, pg)
	}
	return pangenomes, rows.Err()
}

// quoteIdent quotes a SQLite identifier. Table and column names come from
// user input, so they are always quoted rather than interpolated bare.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
