package tasks

import (
	"context"
	"log"
	"time"

	"github.com/hoshinobot/booru-sync/internal/booru"
	"github.com/hoshinobot/booru-sync/internal/logging"
	"github.com/hoshinobot/booru-sync/internal/store"
)

// TagSync walks the upstream tag index forward from the stored high-water
// mark, one id-descending page at a time, until a fetch comes back empty.
type TagSync struct {
	fetcher  Fetcher
	store    *store.Store
	interval time.Duration
}

// NewTagSync builds the task. A non-positive interval selects the default
// of five minutes.
func NewTagSync(f Fetcher, st *store.Store, interval time.Duration) *TagSync {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &TagSync{fetcher: f, store: st, interval: interval}
}

func (t *TagSync) ID() string              { return "fetch_tags" }
func (t *TagSync) Interval() time.Duration { return t.interval }
func (t *TagSync) Mode() TimingMode        { return PerInvocation }

func (t *TagSync) Execute(ctx context.Context) error {
	cursor, err := t.store.LatestTag(ctx)
	if err != nil {
		return err
	}
	if cursor < 0 {
		// Only fabricated rows so far; walk the real index from the start.
		cursor = 0
	}
	log.Printf("[fetch_tags] fetching tags after #%d", cursor)

	for ctx.Err() == nil {
		page, err := t.fetcher.Tags(ctx, booru.PageAfter(uint32(cursor)), booru.PageLimit)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		tx, err := t.store.Work(ctx)
		if err != nil {
			return err
		}
		for i := range page {
			// Counts are maintained locally by post ingestion; the index
			// values would double-count what is already mirrored.
			page[i].PostCount = 0
			if err := t.store.InsertTag(ctx, tx, page[i], store.InsertWeak); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		// Pages are id-descending, so the first entry is the new cursor.
		cursor = page[0].ID
		logging.Debugf("[fetch_tags] stored %d tags through #%d", len(page), cursor)
	}
	return ctx.Err()
}
