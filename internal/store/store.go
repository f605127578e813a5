package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hoshinobot/booru-sync/internal/booru"
	"github.com/hoshinobot/booru-sync/internal/env"
	"github.com/lib/pq"
)

// ConsistencyError reports a broken uniqueness assumption in the mirror
// schema, found while reading.
type ConsistencyError struct {
	Name string
	Rows int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("tag %q has %d rows, expected at most one", e.Name, e.Rows)
}

// InsertMode picks the conflict policy for tag upserts.
type InsertMode int

const (
	// InsertWeak leaves an existing row alone on conflict.
	InsertWeak InsertMode = iota
	// InsertOverwrite replaces every column on id conflict.
	InsertOverwrite
)

const (
	sqlGetTagIDByName = `SELECT id FROM tags WHERE name = $1`

	sqlInsertMediaAsset = `
		INSERT INTO media_assets
		  (id, md5, file_ext, file_size, image_width, image_height, duration, pixel_hash, status, file_key, is_public, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		  (md5, file_ext, file_size, image_width, image_height, duration, pixel_hash, status, file_key, is_public, created_at, updated_at)
		  = (EXCLUDED.md5, EXCLUDED.file_ext, EXCLUDED.file_size, EXCLUDED.image_width, EXCLUDED.image_height, EXCLUDED.duration,
		     EXCLUDED.pixel_hash, EXCLUDED.status, EXCLUDED.file_key, EXCLUDED.is_public, EXCLUDED.created_at, EXCLUDED.updated_at)`

	sqlInsertMediaAssetVariant = `
		INSERT INTO media_asset_variants (asset_id, type, width, height, file_ext)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`

	sqlInsertPost = `
		INSERT INTO posts
		  (id, uploader_id, approver_id, tags, rating, parent, source, media_asset,
		   fav_count, has_children, up_score, down_score, is_pending, is_flagged, is_deleted, is_banned,
		   pixiv_id, bit_flags, last_comment, last_bump, last_note, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (id) DO UPDATE SET
		  (uploader_id, approver_id, tags, rating, parent, source, media_asset,
		   fav_count, has_children, up_score, down_score, is_pending, is_flagged, is_deleted, is_banned,
		   pixiv_id, bit_flags, last_comment, last_bump, last_note, created_at, updated_at)
		  = (EXCLUDED.uploader_id, EXCLUDED.approver_id, EXCLUDED.tags, EXCLUDED.rating, EXCLUDED.parent,
		     EXCLUDED.source, EXCLUDED.media_asset, EXCLUDED.fav_count, EXCLUDED.has_children, EXCLUDED.up_score,
		     EXCLUDED.down_score, EXCLUDED.is_pending, EXCLUDED.is_flagged, EXCLUDED.is_deleted, EXCLUDED.is_banned,
		     EXCLUDED.pixiv_id, EXCLUDED.bit_flags, EXCLUDED.last_comment, EXCLUDED.last_bump, EXCLUDED.last_note,
		     EXCLUDED.created_at, EXCLUDED.updated_at)`

	sqlInsertPostVersion = `
		INSERT INTO post_versions
		  (id, post_id, updater_id, updated_at, version, added_tags, removed_tags, new_rating, new_parent, new_source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
		  (post_id, updater_id, updated_at, version, added_tags, removed_tags, new_rating, new_parent, new_source)
		  = (EXCLUDED.post_id, EXCLUDED.updater_id, EXCLUDED.updated_at, EXCLUDED.version, EXCLUDED.added_tags,
		     EXCLUDED.removed_tags, EXCLUDED.new_rating, EXCLUDED.new_parent, EXCLUDED.new_source)`

	sqlLatestPostVersionFor = `SELECT COALESCE(MAX(id), 0) FROM post_versions WHERE post_id = $1`

	sqlInsertTagWeak = `
		INSERT INTO tags (id, name, post_count, category, is_deprecated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	sqlInsertTagOverwrite = `
		INSERT INTO tags (id, name, post_count, category, is_deprecated, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		  (name, post_count, category, is_deprecated, created_at, updated_at)
		  = (EXCLUDED.name, EXCLUDED.post_count, EXCLUDED.category, EXCLUDED.is_deprecated, EXCLUDED.created_at, EXCLUDED.updated_at)`

	sqlIncrementPostCount = `UPDATE tags SET post_count = post_count + $2 WHERE id = $1`
)

// Store is a prepared-statement gateway over the mirror schema. Each task
// owns its own Store on its own connection; the type is not meant for
// concurrent use.
type Store struct {
	db *sql.DB

	getTagIDByName       *sql.Stmt
	insertMediaAsset     *sql.Stmt
	insertAssetVariant   *sql.Stmt
	insertPost           *sql.Stmt
	insertPostVersion    *sql.Stmt
	latestPostVersionFor *sql.Stmt
	insertTagWeak        *sql.Stmt
	insertTagOverwrite   *sql.Stmt
	incrementPostCount   *sql.Stmt
}

// Open connects using DATABASE_URL. An empty value falls back to lib/pq's
// PG* environment conventions. The pool is pinned to one connection so
// transactions and cursor reads share it.
func Open(ctx context.Context) (*Store, error) {
	db, err := sql.Open("postgres", env.Get("DATABASE_URL"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s, err := New(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New prepares every statement up front so schema drift fails at startup,
// not mid-sync.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	for _, p := range []struct {
		name   string
		target **sql.Stmt
		query  string
	}{
		{"get_tag_id_by_name", &s.getTagIDByName, sqlGetTagIDByName},
		{"insert_media_asset", &s.insertMediaAsset, sqlInsertMediaAsset},
		{"insert_media_asset_variant", &s.insertAssetVariant, sqlInsertMediaAssetVariant},
		{"insert_post", &s.insertPost, sqlInsertPost},
		{"insert_post_version", &s.insertPostVersion, sqlInsertPostVersion},
		{"latest_post_version_for_post", &s.latestPostVersionFor, sqlLatestPostVersionFor},
		{"insert_tag_weak", &s.insertTagWeak, sqlInsertTagWeak},
		{"insert_tag_overwrite", &s.insertTagOverwrite, sqlInsertTagOverwrite},
		{"increment_post_count", &s.incrementPostCount, sqlIncrementPostCount},
	} {
		stmt, err := db.PrepareContext(ctx, p.query)
		if err != nil {
			s.closeStmts()
			return nil, fmt.Errorf("prepare %s: %w", p.name, err)
		}
		*p.target = stmt
	}
	return s, nil
}

func (s *Store) Close() error {
	s.closeStmts()
	return s.db.Close()
}

func (s *Store) closeStmts() {
	for _, stmt := range []*sql.Stmt{
		s.getTagIDByName, s.insertMediaAsset, s.insertAssetVariant,
		s.insertPost, s.insertPostVersion, s.latestPostVersionFor,
		s.insertTagWeak, s.insertTagOverwrite, s.incrementPostCount,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// Work begins a transaction on the store's connection.
func (s *Store) Work(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// InsertTag upserts one tag row under the given conflict policy.
func (s *Store) InsertTag(ctx context.Context, tx *sql.Tx, tag booru.Tag, mode InsertMode) error {
	stmt := s.insertTagWeak
	if mode == InsertOverwrite {
		stmt = s.insertTagOverwrite
	}
	_, err := tx.StmtContext(ctx, stmt).ExecContext(ctx,
		tag.ID, tag.Name, tag.PostCount, tag.Category, tag.IsDeprecated,
		nullTimestamp(tag.CreatedAt), nullTimestamp(tag.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert tag %d %q: %w", tag.ID, tag.Name, err)
	}
	return nil
}

// InsertMediaAsset upserts the asset row and its variants.
func (s *Store) InsertMediaAsset(ctx context.Context, tx *sql.Tx, asset booru.MediaAsset) error {
	_, err := tx.StmtContext(ctx, s.insertMediaAsset).ExecContext(ctx,
		asset.ID, nullString(asset.MD5), string(asset.FileType), asset.FileSize,
		asset.Width, asset.Height, nullFloat32(asset.Duration),
		nullString(asset.PixelHash), string(asset.Status), nullString(asset.FileKey),
		asset.IsPublic, nullTimestamp(asset.CreatedAt), nullTimestamp(asset.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert media asset %d: %w", asset.ID, err)
	}
	for _, v := range asset.Variants {
		_, err := tx.StmtContext(ctx, s.insertAssetVariant).ExecContext(ctx,
			asset.ID, v.Type, v.Width, v.Height, string(v.FileType))
		if err != nil {
			return fmt.Errorf("insert media asset %d variant %q: %w", asset.ID, v.Type, err)
		}
	}
	return nil
}

// InsertPost upserts one post row.
func (s *Store) InsertPost(ctx context.Context, tx *sql.Tx, p booru.Post) error {
	_, err := tx.StmtContext(ctx, s.insertPost).ExecContext(ctx,
		p.ID, p.UploaderID, nullInt32(p.ApproverID), int32Array(p.Tags),
		string(p.Rating), nullInt32(p.Parent), nullString(p.Source), p.MediaAsset,
		p.FavCount, p.HasChildren, p.UpScore, p.DownScore,
		p.IsPending, p.IsFlagged, p.IsDeleted, p.IsBanned,
		nullInt32(p.PixivID), p.BitFlags,
		nullTimestamp(p.LastComment), nullTimestamp(p.LastBump), nullTimestamp(p.LastNote),
		nullTimestamp(p.CreatedAt), nullTimestamp(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert post %d: %w", p.ID, err)
	}
	return nil
}

// InsertPostVersion upserts one change-log row.
func (s *Store) InsertPostVersion(ctx context.Context, tx *sql.Tx, v booru.PostVersion) error {
	_, err := tx.StmtContext(ctx, s.insertPostVersion).ExecContext(ctx,
		v.ID, v.PostID, v.UpdaterID, nullTimestamp(v.UpdatedAt), v.Version,
		int32Array(v.AddedTags), int32Array(v.RemovedTags),
		nullRating(v.NewRating), nullInt32(v.NewParent), nullStringPtr(v.NewSource))
	if err != nil {
		return fmt.Errorf("insert post version %d: %w", v.ID, err)
	}
	return nil
}

// IncrementPostCount adds delta to a tag's locally maintained post count.
func (s *Store) IncrementPostCount(ctx context.Context, tx *sql.Tx, tagID, delta int32) error {
	_, err := tx.StmtContext(ctx, s.incrementPostCount).ExecContext(ctx, tagID, delta)
	if err != nil {
		return fmt.Errorf("increment post count tag=%d: %w", tagID, err)
	}
	return nil
}

// TagID returns the id recorded for name, 0 when absent.
func (s *Store) TagID(ctx context.Context, tx *sql.Tx, name string) (int32, error) {
	rows, err := tx.StmtContext(ctx, s.getTagIDByName).QueryContext(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("tag id for %q: %w", name, err)
	}
	defer rows.Close()

	var id int32
	count := 0
	for rows.Next() {
		count++
		if count == 1 {
			if err := rows.Scan(&id); err != nil {
				return 0, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if count > 1 {
		return 0, &ConsistencyError{Name: name, Rows: count}
	}
	return id, nil
}

// LatestPostVersionFor returns the highest change-log id recorded for a
// post, 0 when none.
func (s *Store) LatestPostVersionFor(ctx context.Context, postID int32) (int32, error) {
	var v int32
	if err := s.latestPostVersionFor.QueryRowContext(ctx, postID).Scan(&v); err != nil {
		return 0, fmt.Errorf("latest version for post %d: %w", postID, err)
	}
	return v, nil
}

func (s *Store) LatestTag(ctx context.Context) (int32, error) {
	return s.latestID(ctx, "tags")
}

func (s *Store) LatestPost(ctx context.Context) (int32, error) {
	return s.latestID(ctx, "posts")
}

func (s *Store) LatestMediaAsset(ctx context.Context) (int32, error) {
	return s.latestID(ctx, "media_assets")
}

func (s *Store) LatestPostVersion(ctx context.Context) (int32, error) {
	return s.latestID(ctx, "post_versions")
}

func (s *Store) latestID(ctx context.Context, table string) (int32, error) {
	var id int32
	query := fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest id of %s: %w", table, err)
	}
	return id, nil
}

// LowestTag returns the smallest tag id, 0 on an empty table. Synthetic ids
// make this negative once any have been allocated.
func (s *Store) LowestTag(ctx context.Context) (int32, error) {
	var id int32
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MIN(id), 0) FROM tags").Scan(&id); err != nil {
		return 0, fmt.Errorf("lowest tag id: %w", err)
	}
	return id, nil
}

// LowestTagTx is LowestTag inside a transaction, for synthetic allocation.
func (s *Store) LowestTagTx(ctx context.Context, tx *sql.Tx) (int32, error) {
	var id int32
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MIN(id), 0) FROM tags").Scan(&id); err != nil {
		return 0, fmt.Errorf("lowest tag id: %w", err)
	}
	return id, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return nullString(*s)
}

func nullInt32(p *int32) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullFloat32(p *float32) any {
	if p == nil {
		return nil
	}
	return float64(*p)
}

func nullRating(r *booru.Rating) any {
	if r == nil {
		return nil
	}
	return string(*r)
}

func nullTimestamp(t booru.Timestamp) any {
	if t.IsZero() {
		return nil
	}
	return t.String()
}

// int32Array widens ids for pq's int64 array binding; empty slices become
// NULL.
func int32Array(ids []int32) any {
	if len(ids) == 0 {
		return nil
	}
	out := make([]int64, len(ids))
	for i, v := range ids {
		out[i] = int64(v)
	}
	return pq.Array(out)
}
