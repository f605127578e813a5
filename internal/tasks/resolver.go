package tasks

import (
	"context"
	"sort"
	"sync"

	"github.com/hoshinobot/booru-sync/internal/booru"
	"github.com/hoshinobot/booru-sync/internal/logging"
	"github.com/hoshinobot/booru-sync/internal/store"
)

// Fetcher is the slice of the upstream client the ingestion tasks consume.
// *booru.Client satisfies it; tests substitute stubs.
type Fetcher interface {
	Tags(ctx context.Context, page booru.PageSelector, limit int) ([]booru.Tag, error)
	SearchTags(ctx context.Context, names []string) ([]booru.Tag, error)
	Posts(ctx context.Context, page booru.PageSelector, limit int) ([]booru.PostResponse, error)
	PostVersions(ctx context.Context, page booru.PageSelector, limit int) ([]booru.PostVersionResponse, error)
}

// ResolveTags maps every name to a tag id. Names already in the store keep
// their stored id; the rest are fetched from the upstream and upserted with
// the given mode; names the upstream does not know either get synthetic
// rows with negative ids. The whole resolution is one committed
// transaction, so a post referencing the result can rely on every id
// existing.
//
// The caller must own st exclusively for the duration of the call:
// synthetic ids are allocated from MIN(id) inside the transaction, and two
// resolvers on separate connections could hand out the same id.
func ResolveTags(ctx context.Context, f Fetcher, st *store.Store, names []string, mode store.InsertMode) (map[string]int32, error) {
	sorted := dedupe(names)
	known := make(map[string]int32, len(sorted))

	tx, err := st.Work(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var missing []string
	for _, n := range sorted {
		id, err := st.TagID(ctx, tx, n)
		if err != nil {
			return nil, err
		}
		if id != 0 {
			known[n] = id
		} else {
			missing = append(missing, n)
		}
	}

	if len(missing) > 0 {
		fetched, err := searchAll(ctx, f, missing)
		if err != nil {
			return nil, err
		}
		for _, tag := range fetched {
			tag.PostCount = 0
			if err := st.InsertTag(ctx, tx, tag, mode); err != nil {
				return nil, err
			}
			known[tag.Name] = tag.ID
			logging.Tracef("[Resolver] tag #%d: %s", tag.ID, tag.Name)
		}

		// Names the server does not know get fabricated rows. Only names
		// absent from the store are eligible; a stored synthetic keeps its
		// id, otherwise its name would collide with the new row.
		var still []string
		for _, n := range missing {
			if known[n] <= 0 {
				still = append(still, n)
			}
		}
		if len(still) > 0 {
			lowest, err := st.LowestTagTx(ctx, tx)
			if err != nil {
				return nil, err
			}
			next := lowest
			if next > 0 {
				next = 0
			}
			for _, n := range still {
				next--
				synthetic := booru.Tag{ID: next, Name: n, Category: booru.CategoryGeneral}
				if err := st.InsertTag(ctx, tx, synthetic, mode); err != nil {
					return nil, err
				}
				known[n] = next
			}
		}
		logging.Debugf("[Resolver] resolved %d missing names, %d unknown upstream", len(missing), len(still))
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return known, nil
}

// dedupe returns the unique non-empty names in sorted order. Sorting keeps
// store lookups and synthetic allocation deterministic.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// searchAll looks names up upstream in chunks of at most PageLimit, one
// in-flight request per chunk.
func searchAll(ctx context.Context, f Fetcher, names []string) ([]booru.Tag, error) {
	chunks := (len(names) + booru.PageLimit - 1) / booru.PageLimit
	pages := make([][]booru.Tag, chunks)
	errs := make([]error, chunks)

	var wg sync.WaitGroup
	for i := 0; i < chunks; i++ {
		lo := i * booru.PageLimit
		hi := lo + booru.PageLimit
		if hi > len(names) {
			hi = len(names)
		}
		wg.Add(1)
		go func(slot int, chunk []string) {
			defer wg.Done()
			pages[slot], errs[slot] = f.SearchTags(ctx, chunk)
		}(i, names[lo:hi])
	}
	wg.Wait()

	var out []booru.Tag
	for i := range pages {
		if errs[i] != nil {
			return nil, errs[i]
		}
		out = append(out, pages[i]...)
	}
	return out, nil
}
