package diskcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/berdl/tableserve/logger"
	"github.com/berdl/tableserve/store"
)

const (
	// DefaultRetention is how long a materialized backing file survives on
	// disk before the sweep reclaims it.
	DefaultRetention = 24 * time.Hour

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = time.Hour

	defaultFileName = "default"
)

type config struct {
	retention     time.Duration
	sweepInterval time.Duration
}

type Option func(*config)

// WithRetention overrides how long materialized backing files are kept.
func WithRetention(d time.Duration) Option {
	return func(c *config) {
		c.retention = d
	}
}

// WithSweepInterval overrides how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) {
		c.sweepInterval = d
	}
}

// entry tracks one backing file on disk. refs counts outstanding Handles;
// the sweep only reclaims entries with no readers.
type entry struct {
	mu         sync.Mutex
	db         *store.DB
	refs       int
	fetchedAt  time.Time
	lastAccess time.Time
}

// Handle is a leased view of a materialized backing file. Callers must
// Release it when done so the retention sweep can reclaim the file.
type Handle struct {
	db      *store.DB
	release func()
	once    sync.Once
}

// DB returns the store backing this handle.
func (h *Handle) DB() *store.DB {
	return h.db
}

// Release returns the lease. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(h.release)
}

// Manager keeps per-owner backing files on local disk, materializing them
// from a Source on first use and sweeping away anything materialized longer
// ago than the retention window. Indexes built on a backing file live
// exactly as long as the file does.
type Manager struct {
	root      string
	source    Source
	log       logger.Logger
	retention time.Duration

	mu      sync.Mutex
	entries map[string]*entry

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates a disk cache rooted at root. The background sweep runs
// until ctx is cancelled or Close is called.
func NewManager(ctx context.Context, root string, source Source, log logger.Logger, opts ...Option) (*Manager, error) {
	cfg := config{
		retention:     DefaultRetention,
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache root %s", root)
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		root:      root,
		source:    source,
		log:       log.WithPrefix("[diskcache]"),
		retention: cfg.retention,
		entries:   make(map[string]*entry),
		cancel:    cancel,
	}
	m.wg.Add(1)
	go m.run(ctx, cfg.sweepInterval)
	return m, nil
}

func (m *Manager) run(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.SweepNow(); n > 0 {
				m.log.Debug("sweep reclaimed %d backing files", n)
			}
		}
	}
}

// Close stops the sweep and closes every open backing file.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, ent := range m.entries {
			ent.mu.Lock()
			if ent.db != nil {
				ent.db.Close()
				ent.db = nil
			}
			ent.mu.Unlock()
		}
	})
	return nil
}

// sanitize keeps path components from escaping the cache root. Anything
// outside [A-Za-z0-9._-] becomes an underscore, and a component that would
// be empty or dot-only is replaced wholesale. A rewritten component gets a
// short hash of the raw value appended so two distinct ids can never
// collapse onto the same directory.
func sanitize(component string) string {
	var b strings.Builder
	clean := true
	for _, r := range component {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
			clean = false
		}
	}
	s := b.String()
	if strings.Trim(s, "._") == "" {
		s = "_"
		clean = false
	}
	if clean {
		return s
	}
	sum := sha256.Sum256([]byte(component))
	return s + "-" + hex.EncodeToString(sum[:4])
}

// Path returns where the backing file for this table lives on disk.
func (m *Manager) Path(ownerID, tableID, pangenomeID string) string {
	name := defaultFileName
	if pangenomeID != "" {
		name = sanitize(pangenomeID)
	}
	return filepath.Join(m.root, sanitize(ownerID), sanitize(tableID), name+".db")
}

// Resolve leases the backing file for (ownerID, tableID, pangenomeID),
// fetching it from the source when it is missing or has aged out. The
// returned Handle must be Released.
func (m *Manager) Resolve(ctx context.Context, ownerID, tableID, pangenomeID string) (*Handle, error) {
	path := m.Path(ownerID, tableID, pangenomeID)

	m.mu.Lock()
	ent, ok := m.entries[path]
	if !ok {
		ent = &entry{}
		m.entries[path] = ent
	}
	m.mu.Unlock()

	ent.mu.Lock()
	defer ent.mu.Unlock()

	now := time.Now()
	if ent.db != nil && ent.refs == 0 && now.Sub(ent.fetchedAt) > m.retention {
		// Aged out between sweeps; rematerialize below.
		ent.db.Close()
		ent.db = nil
		os.Remove(path)
	}

	if ent.db == nil {
		if stale(path, m.retention) {
			os.Remove(path)
		}
		fetchedAt := now
		if info, err := os.Stat(path); err == nil {
			// Surviving file from a previous process; its mtime is when it
			// was materialized.
			fetchedAt = info.ModTime()
		} else {
			if err := m.fetch(ctx, tableID, pangenomeID, path); err != nil {
				return nil, err
			}
			m.log.Info("materialized %s for owner %s", tableID, ownerID)
		}
		db, err := store.Open(path)
		if err != nil {
			os.Remove(path)
			return nil, err
		}
		ent.db = db
		ent.fetchedAt = fetchedAt
	}

	ent.refs++
	ent.lastAccess = now

	return &Handle{
		db: ent.db,
		release: func() {
			ent.mu.Lock()
			ent.refs--
			ent.mu.Unlock()
		},
	}, nil
}

// fetch downloads into a temp file and renames it into place so a failed
// transfer never leaves a partial backing file behind.
func (m *Manager) fetch(ctx context.Context, tableID, pangenomeID, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}
	tmp := path + ".tmp"
	if err := m.source.Fetch(ctx, tableID, pangenomeID, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return errors.Wrap(os.Rename(tmp, path), "failed to move backing file into place")
}

func stale(path string, retention time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > retention
}

// SweepNow reclaims every unleased backing file older than the retention
// window and returns how many files it removed. Files left over from
// previous processes are judged by mtime.
func (m *Manager) SweepNow() int {
	var removed int

	m.mu.Lock()
	tracked := make(map[string]*entry, len(m.entries))
	for path, ent := range m.entries {
		tracked[path] = ent
	}
	m.mu.Unlock()

	for path, ent := range tracked {
		ent.mu.Lock()
		if ent.refs == 0 && ent.db != nil && time.Since(ent.fetchedAt) > m.retention {
			ent.db.Close()
			ent.db = nil
			if err := os.Remove(path); err == nil {
				removed++
			}
			m.mu.Lock()
			delete(m.entries, path)
			m.mu.Unlock()
		}
		ent.mu.Unlock()
	}

	filepath.WalkDir(m.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".db") {
			return nil
		}
		if _, ok := tracked[path]; ok {
			return nil
		}
		m.mu.Lock()
		_, open := m.entries[path]
		m.mu.Unlock()
		if open {
			return nil
		}
		if stale(path, m.retention) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	return removed
}
