package diskcache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berdl/tableserve/logger"
	"github.com/berdl/tableserve/store"
)

// writeFixture creates a backing file with a small Genes table.
func writeFixture(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE "Genes" ("ID" TEXT, "Function" TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO "Genes" VALUES ('g1', 'DNA repair'), ('g2', 'metabolism')`)
	require.NoError(t, err)
}

// countingSource counts how many fetches reached the underlying source.
type countingSource struct {
	inner   Source
	fetches atomic.Int64
}

func (s *countingSource) Fetch(ctx context.Context, tableID, pangenomeID, dest string) error {
	s.fetches.Add(1)
	return s.inner.Fetch(ctx, tableID, pangenomeID, dest)
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *countingSource) {
	t.Helper()
	srcDir := t.TempDir()
	writeFixture(t, filepath.Join(srcDir, "tbl_1.db"))
	src := &countingSource{inner: FileSource{Dir: srcDir}}

	opts = append([]Option{WithSweepInterval(time.Hour)}, opts...)
	m, err := NewManager(context.Background(), t.TempDir(), src, logger.NewTestLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, src
}

func TestResolveMaterializesOnce(t *testing.T) {
	m, src := newTestManager(t)
	ctx := context.Background()

	h, err := m.Resolve(ctx, "alice", "tbl_1", "")
	require.NoError(t, err)
	tables, err := h.DB().Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Genes"}, tables)
	h.Release()

	h2, err := m.Resolve(ctx, "alice", "tbl_1", "")
	require.NoError(t, err)
	h2.Release()

	assert.Equal(t, int64(1), src.fetches.Load())
	assert.FileExists(t, m.Path("alice", "tbl_1", ""))
}

func TestResolveOwnerIsolation(t *testing.T) {
	m, src := newTestManager(t)
	ctx := context.Background()

	ha, err := m.Resolve(ctx, "alice", "tbl_1", "")
	require.NoError(t, err)
	defer ha.Release()
	hb, err := m.Resolve(ctx, "bob", "tbl_1", "")
	require.NoError(t, err)
	defer hb.Release()

	assert.NotEqual(t, m.Path("alice", "tbl_1", ""), m.Path("bob", "tbl_1", ""))
	assert.FileExists(t, m.Path("alice", "tbl_1", ""))
	assert.FileExists(t, m.Path("bob", "tbl_1", ""))
	assert.Equal(t, int64(2), src.fetches.Load())
}

func TestResolveUnknownTable(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Resolve(context.Background(), "alice", "does_not_exist", "")
	assert.True(t, errors.Is(err, store.ErrTableNotFound))
}

func TestResolvePangenomeFile(t *testing.T) {
	m, _ := newTestManager(t)

	path := m.Path("alice", "tbl_1", "pg_adp1")
	assert.True(t, strings.HasSuffix(path, filepath.Join("alice", "tbl_1", "pg_adp1.db")))
	assert.NotEqual(t, path, m.Path("alice", "tbl_1", ""))
}

func TestSweepReclaimsIdle(t *testing.T) {
	m, src := newTestManager(t, WithRetention(10*time.Millisecond))
	ctx := context.Background()

	h, err := m.Resolve(ctx, "alice", "tbl_1", "")
	require.NoError(t, err)
	h.Release()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, m.SweepNow())
	assert.NoFileExists(t, m.Path("alice", "tbl_1", ""))

	// The next read rematerializes from the source.
	h, err = m.Resolve(ctx, "alice", "tbl_1", "")
	require.NoError(t, err)
	h.Release()
	assert.Equal(t, int64(2), src.fetches.Load())
}

func TestSweepSkipsLeasedFiles(t *testing.T) {
	m, _ := newTestManager(t, WithRetention(10*time.Millisecond))
	ctx := context.Background()

	h, err := m.Resolve(ctx, "alice", "tbl_1", "")
	require.NoError(t, err)
	defer h.Release()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, m.SweepNow())
	assert.FileExists(t, m.Path("alice", "tbl_1", ""))

	// The leased handle keeps working through the sweep.
	tables, err := h.DB().Tables(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"Genes"}, tables)
}

func TestSweepReclaimsOrphans(t *testing.T) {
	m, _ := newTestManager(t, WithRetention(time.Minute))

	// A file left behind by a previous process, older than the window.
	orphan := m.Path("carol", "tbl_9", "")
	require.NoError(t, os.MkdirAll(filepath.Dir(orphan), 0o755))
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(orphan, old, old))

	assert.Equal(t, 1, m.SweepNow())
	assert.NoFileExists(t, orphan)
}

func TestPathSanitization(t *testing.T) {
	m, _ := newTestManager(t)

	p := m.Path("../../etc", "tbl/../1", "")
	rel, err := filepath.Rel(m.root, p)
	require.NoError(t, err)
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		assert.NotEqual(t, "..", part)
	}
}

func TestPathDistinctIDsNeverAlias(t *testing.T) {
	m, _ := newTestManager(t)

	// Rewriting ':' to '_' alone would map both owners onto a_b.
	assert.NotEqual(t, m.Path("a:b", "tbl_1", ""), m.Path("a_b", "tbl_1", ""))
	assert.NotEqual(t, m.Path("user@kbase", "tbl_1", ""), m.Path("user_kbase", "tbl_1", ""))
	assert.NotEqual(t, m.Path("alice", "tbl/1", ""), m.Path("alice", "tbl_1", ""))

	// Clean ids keep their readable layout.
	assert.True(t, strings.HasSuffix(m.Path("alice", "tbl_1", ""),
		filepath.Join("alice", "tbl_1", "default.db")))
}

func TestManagerCloseStopsSweep(t *testing.T) {
	srcDir := t.TempDir()
	writeFixture(t, filepath.Join(srcDir, "tbl_1.db"))
	m, err := NewManager(context.Background(), t.TempDir(), FileSource{Dir: srcDir},
		logger.NewTestLogger(), WithSweepInterval(time.Millisecond))
	require.NoError(t, err)

	h, err := m.Resolve(context.Background(), "alice", "tbl_1", "")
	require.NoError(t, err)
	h.Release()

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}
