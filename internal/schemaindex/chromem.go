package schemaindex

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/gofrs/flock"
	chromem "github.com/philippgille/chromem-go"

	"github.com/schemapilot/schemapilot/internal/log"
)

const chromemCollection = "schema"

// ChromemIndex stores embedded snippets in per-tenant chromem-go databases
// under a root directory, one subdirectory per tenant.
//
// Full builds go to a scratch directory that is renamed over the live one, so
// readers either see the old index or the new one, never a half-written
// state. A file lock next to each tenant directory serializes writers across
// processes; the worker and a manual rebuild command may run concurrently.
// Readers never take the lock: a search loads whatever directory is live and
// must not wait out a rebuild's embedding calls.
type ChromemIndex struct {
	dir    string
	embed  EmbedFunc
	logger log.Logger
}

// NewChromemIndex creates a file-backed index rooted at dir.
func NewChromemIndex(dir string, embed EmbedFunc, logger log.Logger) *ChromemIndex {
	return &ChromemIndex{dir: dir, embed: embed, logger: logger}
}

func (x *ChromemIndex) path(dbName string) string { return filepath.Join(x.dir, dbName) }

func (x *ChromemIndex) lock(dbName string) *flock.Flock {
	return flock.New(x.path(dbName) + ".lock")
}

func (x *ChromemIndex) Build(ctx context.Context, dbName string, docs []Document) error {
	if err := os.MkdirAll(x.dir, 0o755); err != nil {
		return x.wrap("build", err)
	}

	fl := x.lock(dbName)
	if err := fl.Lock(); err != nil {
		return x.wrap("build", err)
	}
	defer fl.Unlock() //nolint:errcheck

	live := x.path(dbName)
	scratch := live + ".tmp"
	if err := os.RemoveAll(scratch); err != nil {
		return x.wrap("build", err)
	}

	db, err := chromem.NewPersistentDB(scratch, false)
	if err != nil {
		return x.wrap("build", err)
	}
	if len(docs) > 0 {
		col, err := db.GetOrCreateCollection(chromemCollection, nil, x.embed)
		if err != nil {
			return x.wrap("build", err)
		}
		if err := col.AddDocuments(ctx, toChromemDocs(docs), runtime.NumCPU()); err != nil {
			return x.wrap("build", err)
		}
	}

	// Publish with two renames rather than deleting the live directory
	// first: lock-free readers see the old index until the very last moment.
	old := live + ".old"
	if err := os.RemoveAll(old); err != nil {
		return x.wrap("build", err)
	}
	if _, err := os.Stat(live); err == nil {
		if err := os.Rename(live, old); err != nil {
			return x.wrap("build", err)
		}
	}
	if err := os.Rename(scratch, live); err != nil {
		return x.wrap("build", err)
	}
	if err := os.RemoveAll(old); err != nil {
		x.logger.Warn("removing replaced index", "db", dbName, "error", err)
	}
	x.logger.Info("schema index built", "backend", "chromem", "db", dbName, "tables", len(docs))
	return nil
}

func (x *ChromemIndex) Search(ctx context.Context, dbName, query string, topK int) ([]Hit, error) {
	col, err := x.openCollection(dbName)
	if err != nil {
		return nil, err
	}
	if col == nil {
		return nil, nil // built but empty tenant
	}

	k := topK
	if n := col.Count(); n < k {
		k = n
	}
	if k == 0 {
		return nil, nil
	}

	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, x.wrap("search", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		// chromem similarity is cosine in [-1,1]; shift to [0,1].
		hits = append(hits, Hit{
			Table: r.ID,
			Score: normalizeScore((float64(r.Similarity) + 1) / 2),
			Text:  r.Content,
		})
	}
	sortHits(hits)
	return hits, nil
}

func (x *ChromemIndex) UpsertTable(ctx context.Context, dbName string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	fl := x.lock(dbName)
	if err := fl.Lock(); err != nil {
		return x.wrap("upsert", err)
	}
	defer fl.Unlock() //nolint:errcheck

	if _, err := os.Stat(x.path(dbName)); err != nil {
		if os.IsNotExist(err) {
			return ErrIndexNotFound
		}
		return x.wrap("upsert", err)
	}

	db, err := chromem.NewPersistentDB(x.path(dbName), false)
	if err != nil {
		return x.wrap("upsert", err)
	}
	col, err := db.GetOrCreateCollection(chromemCollection, nil, x.embed)
	if err != nil {
		return x.wrap("upsert", err)
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID()
	}
	if col.Count() > 0 {
		if err := col.Delete(ctx, nil, nil, ids...); err != nil {
			return x.wrap("upsert", err)
		}
	}
	if err := col.AddDocuments(ctx, toChromemDocs(docs), runtime.NumCPU()); err != nil {
		return x.wrap("upsert", err)
	}
	return nil
}

func (x *ChromemIndex) DeleteTable(ctx context.Context, dbName, schema, table string) error {
	fl := x.lock(dbName)
	if err := fl.Lock(); err != nil {
		return x.wrap("delete", err)
	}
	defer fl.Unlock() //nolint:errcheck

	col, err := x.openCollection(dbName)
	if err != nil || col == nil || col.Count() == 0 {
		return err
	}
	if err := col.Delete(ctx, nil, nil, schema+"."+table); err != nil {
		return x.wrap("delete", err)
	}
	return nil
}

func (x *ChromemIndex) Ready(_ context.Context, dbName string) (bool, error) {
	info, err := os.Stat(x.path(dbName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, x.wrap("ready", err)
	}
	return info.IsDir(), nil
}

// openCollection returns the tenant's collection, nil when the index exists
// but holds no documents yet, or ErrIndexNotFound when no index was built.
func (x *ChromemIndex) openCollection(dbName string) (*chromem.Collection, error) {
	if _, err := os.Stat(x.path(dbName)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrIndexNotFound
		}
		return nil, x.wrap("open", err)
	}
	db, err := chromem.NewPersistentDB(x.path(dbName), false)
	if err != nil {
		return nil, x.wrap("open", err)
	}
	return db.GetCollection(chromemCollection, x.embed), nil
}

func toChromemDocs(docs []Document) []chromem.Document {
	out := make([]chromem.Document, len(docs))
	for i, d := range docs {
		out[i] = chromem.Document{
			ID:      d.ID(),
			Content: d.Text,
			Metadata: map[string]string{
				"schema": d.Schema,
				"table":  d.Table,
			},
		}
	}
	return out
}

func (x *ChromemIndex) wrap(op string, err error) error {
	return &BackendError{Backend: "chromem", Op: op, Err: err}
}
