package engine

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/berdl/tableserve/cache"
	"github.com/berdl/tableserve/diskcache"
	"github.com/berdl/tableserve/logger"
	"github.com/berdl/tableserve/store"
)

const (
	// DefaultTTL is how long table query results stay in the result cache.
	DefaultTTL = time.Hour

	// DefaultListTTL is the shorter window for table and pangenome listings.
	DefaultListTTL = 5 * time.Minute

	// SourceCache marks a response served from the result cache.
	SourceCache = "cache"
	// SourceStore marks a response computed against the backing file.
	SourceStore = "store"
)

type config struct {
	ttl     time.Duration
	listTTL time.Duration
}

type Option func(*config)

// WithTTL overrides how long query results stay cached.
func WithTTL(d time.Duration) Option {
	return func(c *config) {
		c.ttl = d
	}
}

// WithListTTL overrides the cache window for listings.
func WithListTTL(d time.Duration) Option {
	return func(c *config) {
		c.listTTL = d
	}
}

// Engine coordinates the result cache, the disk cache, and the store. It
// holds no persistent state of its own.
type Engine struct {
	cache   *cache.Resilient
	disk    *diskcache.Manager
	source  diskcache.Source
	log     logger.Logger
	ttl     time.Duration
	listTTL time.Duration
	group   singleflight.Group
}

// New wires an engine. results may wrap a nil cache, which disables the
// result tier without changing any semantics.
func New(results *cache.Resilient, disk *diskcache.Manager, source diskcache.Source, log logger.Logger, opts ...Option) *Engine {
	cfg := config{
		ttl:     DefaultTTL,
		listTTL: DefaultListTTL,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		cache:   results,
		disk:    disk,
		source:  source,
		log:     log.WithPrefix("[engine]"),
		ttl:     cfg.ttl,
		listTTL: cfg.listTTL,
	}
}

// GetTableData serves one paginated view of a table. Cache hits are
// returned as-is with Source "cache"; misses are computed behind a
// per-key singleflight so concurrent identical requests share one query.
func (e *Engine) GetTableData(ctx context.Context, req Request) (*TableData, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req = req.withDefaults()
	start := time.Now()
	log := e.log.With(map[string]interface{}{"request_id": uuid.New().String()})

	key := cache.Key(req.OwnerID, req.TableID, req.TableName, cache.Params{
		PangenomeID: req.PangenomeID,
		Offset:      req.Offset,
		Limit:       req.Limit,
		SortColumn:  req.SortColumn,
		SortOrder:   req.SortOrder,
		Search:      req.Search,
		Filters:     req.Filters,
	})

	if state, hit := cache.LookupAs[TableData](ctx, e.cache, key); state == cache.LookupHit {
		hit.Source = SourceCache
		hit.ResponseTimeMS = msSince(start)
		log.Debug("cache hit for %s/%s", req.TableID, req.TableName)
		return &hit, nil
	}

	v, err, shared := e.group.Do(key, func() (interface{}, error) {
		// The flight is shared with other callers, so its lifetime must
		// not be tied to whichever caller happened to start it.
		ctx := context.WithoutCancel(ctx)
		td, err := e.query(ctx, req)
		if err != nil {
			return nil, err
		}
		e.cache.Put(ctx, key, *td, e.ttl)
		return td, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		log.Debug("joined in-flight query for %s/%s", req.TableID, req.TableName)
	}

	// Each caller gets its own copy so per-request timing never races.
	td := *(v.(*TableData))
	td.ResponseTimeMS = msSince(start)
	return &td, nil
}

// query runs one cold read against the backing file.
func (e *Engine) query(ctx context.Context, req Request) (*TableData, error) {
	handle, err := e.disk.Resolve(ctx, req.OwnerID, req.TableID, req.PangenomeID)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	db := handle.DB()
	if err := db.EnsureIndexed(ctx, req.TableName); err != nil {
		return nil, err
	}
	res, err := db.Run(ctx, req.TableName, store.Query{
		Offset:     req.Offset,
		Limit:      req.Limit,
		SortColumn: req.SortColumn,
		SortOrder:  req.SortOrder,
		Search:     req.Search,
		Filters:    req.Filters,
	})
	if err != nil {
		return nil, err
	}

	return &TableData{
		Headers:       res.Headers,
		Data:          res.Rows,
		RowCount:      len(res.Rows),
		TotalCount:    res.TotalCount,
		FilteredCount: res.FilteredCount,
		TableName:     req.TableName,
		Source:        SourceStore,
		DBQueryMS:     res.QueryMS,
		ConversionMS:  res.ConversionMS,
	}, nil
}

// ListTables returns the queryable tables in a backing file.
func (e *Engine) ListTables(ctx context.Context, ownerID, tableID, pangenomeID string) ([]string, error) {
	if ownerID == "" {
		ownerID = AnonymousOwner
	}
	if tableID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "table id is required")
	}
	key := cache.Key(ownerID, tableID, tablesListing, cache.Params{PangenomeID: pangenomeID})
	if state, hit := cache.LookupAs[[]string](ctx, e.cache, key); state == cache.LookupHit {
		return hit, nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		handle, err := e.disk.Resolve(ctx, ownerID, tableID, pangenomeID)
		if err != nil {
			return nil, err
		}
		defer handle.Release()
		tables, err := handle.DB().Tables(ctx)
		if err != nil {
			return nil, err
		}
		e.cache.Put(ctx, key, tables, e.listTTL)
		return tables, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// ListPangenomes returns the pangenomes bundled with a table. A source
// that serves metadata directly is preferred; otherwise the default
// backing file's metadata table is read.
func (e *Engine) ListPangenomes(ctx context.Context, ownerID, tableID string) ([]store.Pangenome, error) {
	if ownerID == "" {
		ownerID = AnonymousOwner
	}
	if tableID == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "table id is required")
	}
	key := cache.Key(ownerID, tableID, pangenomesListing, cache.Params{})
	if state, hit := cache.LookupAs[[]store.Pangenome](ctx, e.cache, key); state == cache.LookupHit {
		return hit, nil
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		pangenomes, err := e.listPangenomes(ctx, ownerID, tableID)
		if err != nil {
			return nil, err
		}
		e.cache.Put(ctx, key, pangenomes, e.listTTL)
		return pangenomes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Pangenome), nil
}

func (e *Engine) listPangenomes(ctx context.Context, ownerID, tableID string) ([]store.Pangenome, error) {
	if ps, ok := e.source.(diskcache.PangenomeSource); ok {
		return ps.Pangenomes(ctx, tableID)
	}
	handle, err := e.disk.Resolve(ctx, ownerID, tableID, "")
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	return handle.DB().Pangenomes(ctx)
}

// Close releases the engine's caches.
func (e *Engine) Close() error {
	err := e.cache.Close()
	if derr := e.disk.Close(); err == nil {
		err = derr
	}
	return err
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
