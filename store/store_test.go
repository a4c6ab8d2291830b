package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDB builds a backing file with the Genes fixture table.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "genes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	_, err = d.db.Exec(`CREATE TABLE "Genes" ("ID" TEXT, "Function" TEXT)`)
	require.NoError(t, err)
	_, err = d.db.Exec(`INSERT INTO "Genes" VALUES
		('g1', 'DNA repair'),
		('g2', 'metabolism'),
		('g3', 'DNA replication')`)
	require.NoError(t, err)
	return d
}

func TestTablesExcludesMetadata(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.db.Exec(`CREATE TABLE "Proteins" ("ID" TEXT)`)
	require.NoError(t, err)
	_, err = d.db.Exec(`CREATE TABLE pangenomes (
		pangenome_id TEXT, pangenome_taxonomy TEXT,
		user_genomes INTEGER, berdl_genomes INTEGER, handle_ref TEXT)`)
	require.NoError(t, err)

	tables, err := d.Tables(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"Genes", "Proteins"}, tables)
}

func TestColumns(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	cols, err := d.Columns(ctx, "Genes")
	assert.NoError(t, err)
	assert.Equal(t, []string{"ID", "Function"}, cols)

	_, err = d.Columns(ctx, "Nonexistent")
	assert.True(t, errors.Is(err, ErrTableNotFound))
}

func TestEnsureIndexedIdempotent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.EnsureIndexed(ctx, "Genes"))

	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'index' AND tbl_name = 'Genes' AND name LIKE 'idx_%'`,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Second call is memoized and side-effect free.
	require.NoError(t, d.EnsureIndexed(ctx, "Genes"))
	err = d.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'index' AND tbl_name = 'Genes' AND name LIKE 'idx_%'`,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, d.indexed["Genes"])
}

func TestEnsureIndexedUnknownTable(t *testing.T) {
	d := newTestDB(t)
	err := d.EnsureIndexed(context.Background(), "Nope")
	assert.True(t, errors.Is(err, ErrTableNotFound))
}

func TestPangenomesAbsent(t *testing.T) {
	d := newTestDB(t)
	pgs, err := d.Pangenomes(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, pgs)
}

func TestPangenomes(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.db.Exec(`CREATE TABLE pangenomes (
		pangenome_id TEXT, pangenome_taxonomy TEXT,
		user_genomes INTEGER, berdl_genomes INTEGER, handle_ref TEXT)`)
	require.NoError(t, err)
	_, err = d.db.Exec(`INSERT INTO pangenomes VALUES
		('pg_lims', 'Acinetobacter baylyi', 1, 12, 'KBH_1'),
		('pg_adp1', 'Acinetobacter sp. ADP1', 2, 8, 'KBH_2')`)
	require.NoError(t, err)

	pgs, err := d.Pangenomes(ctx)
	assert.NoError(t, err)
	require.Len(t, pgs, 2)
	assert.Equal(t, "pg_adp1", pgs[0].ID)
	assert.Equal(t, "pg_lims", pgs[1].ID)
	assert.Equal(t, "Acinetobacter baylyi", pgs[1].Taxonomy)
	assert.Equal(t, int64(12), pgs[1].BerdlGenomes)
	assert.Equal(t, "KBH_1", pgs[1].HandleRef)
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "no", "such", "dir", "x.db"))
	assert.Error(t, err)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"Genes"`, quoteIdent("Genes"))
	assert.Equal(t, `"we""ird"`, quoteIdent(`we"ird`))
}
