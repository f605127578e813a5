package tasks

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/hoshinobot/booru-sync/internal/booru"
	"github.com/hoshinobot/booru-sync/internal/logging"
	"github.com/hoshinobot/booru-sync/internal/store"
)

// PostSync walks the post stream forward from the stored high-water mark,
// resolving tag names and ingesting media assets, posts, and the change
// log. Posts and their assets land in one transaction per page; tag counts
// are maintained locally from the ingested pages.
type PostSync struct {
	fetcher  Fetcher
	store    *store.Store
	interval time.Duration
}

// NewPostSync builds the task. A non-positive interval selects the default
// of one minute.
func NewPostSync(f Fetcher, st *store.Store, interval time.Duration) *PostSync {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PostSync{fetcher: f, store: st, interval: interval}
}

func (p *PostSync) ID() string              { return "fetch_posts" }
func (p *PostSync) Interval() time.Duration { return p.interval }
func (p *PostSync) Mode() TimingMode        { return PerInvocation }

func (p *PostSync) Execute(ctx context.Context) error {
	if err := p.syncPosts(ctx); err != nil {
		return err
	}
	return p.syncVersions(ctx)
}

func (p *PostSync) syncPosts(ctx context.Context) error {
	cursor, err := p.store.LatestPost(ctx)
	if err != nil {
		return err
	}
	log.Printf("[fetch_posts] latest post: #%d", cursor)

	for ctx.Err() == nil {
		page, err := p.fetcher.Posts(ctx, booru.PageAfter(uint32(cursor)), booru.PostLimit)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		// Oldest first, so a failed page leaves no gap behind the cursor.
		sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })

		var names []string
		for i := range page {
			names = append(names, page[i].TagNames()...)
		}
		tagIDs, err := ResolveTags(ctx, p.fetcher, p.store, names, store.InsertOverwrite)
		if err != nil {
			return err
		}
		counts := make(map[int32]int32, len(tagIDs))
		for _, id := range tagIDs {
			counts[id] = 0
		}

		tx, err := p.store.Work(ctx)
		if err != nil {
			return err
		}
		for i := range page {
			post, err := page[i].Post(tagIDs)
			if err != nil {
				tx.Rollback()
				return err
			}
			for _, id := range post.Tags {
				counts[id]++
			}
			if err := p.store.InsertMediaAsset(ctx, tx, page[i].MediaAsset); err != nil {
				tx.Rollback()
				return err
			}
			if err := p.store.InsertPost(ctx, tx, post); err != nil {
				tx.Rollback()
				return err
			}
		}
		ids := make([]int32, 0, len(counts))
		for id := range counts {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if err := p.store.IncrementPostCount(ctx, tx, id, counts[id]); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logging.Debugf("[fetch_posts] ingested %d posts touching %d tags", len(page), len(ids))

		cursor, err = p.store.LatestPost(ctx)
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *PostSync) syncVersions(ctx context.Context) error {
	cursor, err := p.store.LatestPostVersion(ctx)
	if err != nil {
		return err
	}

	for ctx.Err() == nil {
		page, err := p.fetcher.PostVersions(ctx, booru.PageAfter(uint32(cursor)), booru.PageLimit)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })

		var names []string
		for i := range page {
			names = append(names, page[i].TagNames()...)
		}
		// The change log mentions names without category or count data, so
		// rows fetched here must not clobber what tag sync wrote.
		tagIDs, err := ResolveTags(ctx, p.fetcher, p.store, names, store.InsertWeak)
		if err != nil {
			return err
		}

		tx, err := p.store.Work(ctx)
		if err != nil {
			return err
		}
		for i := range page {
			v, err := page[i].PostVersion(tagIDs)
			if err != nil {
				tx.Rollback()
				return err
			}
			if err := p.store.InsertPostVersion(ctx, tx, v); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		cursor = page[len(page)-1].ID
		logging.Debugf("[fetch_posts] recorded %d post versions through #%d", len(page), cursor)
	}
	return ctx.Err()
}
