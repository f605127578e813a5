package booru

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Page sizes enforced by the upstream API.
const (
	PostLimit = 200
	PageLimit = 1000
)

// TimestampLayout is the upstream timestamp shape: millisecond precision
// with a numeric zone offset.
const TimestampLayout = "2006-01-02T15:04:05.000-07:00"

// Timestamp is an upstream timestamp normalized to UTC. The zero value
// stands for "not set" and is stored as NULL.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC()}
}

// ParseTimestamp parses the canonical layout, falling back to RFC3339 with
// any fractional precision for lenient API decoding.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Timestamp{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
	}
	return Timestamp{t.UTC()}, nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimestampLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.String() + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = Timestamp{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// PagePosition says how a page selector's value anchors the listing.
type PagePosition int

const (
	PosAbsolute PagePosition = iota
	PosBefore
	PosAfter
)

// PageSelector addresses a listing page: an absolute page number, or the
// slice of ids strictly before/after a cursor.
type PageSelector struct {
	Pos   PagePosition
	Value uint32
}

func PageAt(v uint32) PageSelector     { return PageSelector{PosAbsolute, v} }
func PageBefore(v uint32) PageSelector { return PageSelector{PosBefore, v} }
func PageAfter(v uint32) PageSelector  { return PageSelector{PosAfter, v} }

func (p PageSelector) String() string {
	switch p.Pos {
	case PosBefore:
		return "b" + strconv.FormatUint(uint64(p.Value), 10)
	case PosAfter:
		return "a" + strconv.FormatUint(uint64(p.Value), 10)
	default:
		return strconv.FormatUint(uint64(p.Value), 10)
	}
}

// ParsePageSelector inverts String.
func ParsePageSelector(s string) (PageSelector, error) {
	if s == "" {
		return PageSelector{}, fmt.Errorf("empty page selector")
	}
	pos := PosAbsolute
	switch s[0] {
	case 'b':
		pos = PosBefore
		s = s[1:]
	case 'a':
		pos = PosAfter
		s = s[1:]
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return PageSelector{}, fmt.Errorf("page selector %q: %w", s, err)
	}
	return PageSelector{Pos: pos, Value: uint32(v)}, nil
}

func (p PageSelector) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// TagCategory is serialized as a bare integer by the API and by name in
// Postgres. Code 2 is unused upstream.
type TagCategory int

const (
	CategoryGeneral   TagCategory = 0
	CategoryArtist    TagCategory = 1
	CategoryCopyright TagCategory = 3
	CategoryCharacter TagCategory = 4
	CategoryMeta      TagCategory = 5
)

func (c TagCategory) String() string {
	switch c {
	case CategoryGeneral:
		return "general"
	case CategoryArtist:
		return "artist"
	case CategoryCopyright:
		return "copyright"
	case CategoryCharacter:
		return "character"
	case CategoryMeta:
		return "meta"
	default:
		return fmt.Sprintf("tag_category(%d)", int(c))
	}
}

// Value binds the category to its Postgres enum label.
func (c TagCategory) Value() (driver.Value, error) {
	switch c {
	case CategoryGeneral, CategoryArtist, CategoryCopyright, CategoryCharacter, CategoryMeta:
		return c.String(), nil
	default:
		return nil, fmt.Errorf("unknown tag category %d", int(c))
	}
}

// Rating is the post content rating, a single lowercase letter on the wire
// and a Postgres enum label in the mirror.
type Rating string

const (
	RatingGeneral      Rating = "g"
	RatingSensitive    Rating = "s"
	RatingQuestionable Rating = "q"
	RatingExplicit     Rating = "e"
)

// AssetStatus is the upstream media asset lifecycle state.
type AssetStatus string

const (
	AssetProcessing AssetStatus = "processing"
	AssetActive     AssetStatus = "active"
	AssetDeleted    AssetStatus = "deleted"
	AssetExpunged   AssetStatus = "expunged"
	AssetFailed     AssetStatus = "failed"
)

// FileType is the upstream file extension enum.
type FileType string

const (
	FileJPG  FileType = "jpg"
	FilePNG  FileType = "png"
	FileGIF  FileType = "gif"
	FileWebP FileType = "webp"
	FileAVIF FileType = "avif"
	FileMP4  FileType = "mp4"
	FileWebM FileType = "webm"
	FileSWF  FileType = "swf"
	FileZIP  FileType = "zip"
)

// UserLevel is the account permission tier reported by /profile.json.
type UserLevel int

const (
	LevelAnonymous   UserLevel = 0
	LevelRestricted  UserLevel = 10
	LevelMember      UserLevel = 20
	LevelGold        UserLevel = 30
	LevelPlatinum    UserLevel = 31
	LevelBuilder     UserLevel = 32
	LevelContributor UserLevel = 35
	LevelApprover    UserLevel = 37
	LevelModerator   UserLevel = 40
	LevelAdmin       UserLevel = 50
	LevelOwner       UserLevel = 60
)

func (l UserLevel) String() string {
	switch l {
	case LevelAnonymous:
		return "anonymous"
	case LevelRestricted:
		return "restricted"
	case LevelMember:
		return "member"
	case LevelGold:
		return "gold"
	case LevelPlatinum:
		return "platinum"
	case LevelBuilder:
		return "builder"
	case LevelContributor:
		return "contributor"
	case LevelApprover:
		return "approver"
	case LevelModerator:
		return "moderator"
	case LevelAdmin:
		return "admin"
	case LevelOwner:
		return "owner"
	default:
		return fmt.Sprintf("user_level(%d)", int(l))
	}
}

// Profile is the authenticated user as reported by the startup handshake.
type Profile struct {
	ID    int32     `json:"id"`
	Name  string    `json:"name"`
	Level UserLevel `json:"level"`
}

// Tag is both the /tags.json payload and the mirror row.
type Tag struct {
	ID           int32       `json:"id"`
	Name         string      `json:"name"`
	Category     TagCategory `json:"category"`
	PostCount    int32       `json:"post_count"`
	IsDeprecated bool        `json:"is_deprecated"`
	CreatedAt    Timestamp   `json:"created_at"`
	UpdatedAt    Timestamp   `json:"updated_at"`
}

// Synthetic reports whether the tag id was fabricated locally for a name the
// upstream does not know.
func (t Tag) Synthetic() bool {
	return t.ID < 0
}

// MediaAssetVariant is one derived rendition of an asset.
type MediaAssetVariant struct {
	Type     string   `json:"type"`
	Width    int32    `json:"width"`
	Height   int32    `json:"height"`
	FileType FileType `json:"file_ext"`
}

// MediaAsset is the uploaded file behind a post. MD5, PixelHash, and FileKey
// are empty for assets the account is not allowed to see.
type MediaAsset struct {
	ID        int32               `json:"id"`
	MD5       string              `json:"md5"`
	FileType  FileType            `json:"file_ext"`
	FileSize  int64               `json:"file_size"`
	Width     int32               `json:"image_width"`
	Height    int32               `json:"image_height"`
	Duration  *float32            `json:"duration"`
	PixelHash string              `json:"pixel_hash"`
	Status    AssetStatus         `json:"status"`
	FileKey   string              `json:"file_key"`
	IsPublic  bool                `json:"is_public"`
	Variants  []MediaAssetVariant `json:"variants"`
	CreatedAt Timestamp           `json:"created_at"`
	UpdatedAt Timestamp           `json:"updated_at"`
}

// Post is the mirror row: tag names already translated to ids, the media
// asset reduced to its id.
type Post struct {
	ID          int32
	UploaderID  int32
	ApproverID  *int32
	Tags        []int32
	Rating      Rating
	Parent      *int32
	Source      string
	MediaAsset  int32
	FavCount    int32
	HasChildren bool
	UpScore     int32
	DownScore   int32
	IsPending   bool
	IsFlagged   bool
	IsDeleted   bool
	IsBanned    bool
	PixivID     *int32
	BitFlags    int64
	LastComment Timestamp
	LastBump    Timestamp
	LastNote    Timestamp
	CreatedAt   Timestamp
	UpdatedAt   Timestamp
}

// PostVersion is one entry of the upstream change log, tag names already
// translated. New* fields carry a value only when that aspect changed.
type PostVersion struct {
	ID          int32
	PostID      int32
	UpdaterID   int32
	UpdatedAt   Timestamp
	Version     int32
	AddedTags   []int32
	RemovedTags []int32
	NewRating   *Rating
	NewParent   *int32
	NewSource   *string
}

// PostResponse is the raw /posts.json payload, requested with the only=
// field list in PostFields.
type PostResponse struct {
	ID                  int32      `json:"id"`
	UploaderID          int32      `json:"uploader_id"`
	ApproverID          *int32     `json:"approver_id"`
	TagString           string     `json:"tag_string"`
	Rating              Rating     `json:"rating"`
	ParentID            *int32     `json:"parent_id"`
	Source              string     `json:"source"`
	MediaAsset          MediaAsset `json:"media_asset"`
	FavCount            int32      `json:"fav_count"`
	HasChildren         bool       `json:"has_children"`
	UpScore             int32      `json:"up_score"`
	DownScore           int32      `json:"down_score"`
	IsPending           bool       `json:"is_pending"`
	IsFlagged           bool       `json:"is_flagged"`
	IsDeleted           bool       `json:"is_deleted"`
	IsBanned            bool       `json:"is_banned"`
	PixivID             *int32     `json:"pixiv_id"`
	BitFlags            int64      `json:"bit_flags"`
	LastCommentBumpedAt Timestamp  `json:"last_comment_bumped_at"`
	LastCommentedAt     Timestamp  `json:"last_commented_at"`
	LastNotedAt         Timestamp  `json:"last_noted_at"`
	CreatedAt           Timestamp  `json:"created_at"`
	UpdatedAt           Timestamp  `json:"updated_at"`
}

// PostFields is the only= projection requested for post listings. It names
// exactly the attributes the ingestion consumes, which keeps tag_string_*,
// file URLs, and the rest of the default payload off the wire.
var PostFields = strings.Join([]string{
	"id", "uploader_id", "approver_id", "tag_string", "rating", "parent_id",
	"source", "media_asset", "fav_count", "has_children", "up_score",
	"down_score", "is_pending", "is_flagged", "is_deleted", "is_banned",
	"pixiv_id", "bit_flags", "last_comment_bumped_at", "last_commented_at",
	"last_noted_at", "created_at", "updated_at",
}, ",")

// TagNames returns the whitespace-split tag_string.
func (pr *PostResponse) TagNames() []string {
	return strings.Fields(pr.TagString)
}

// Post builds the mirror row. Every name in tag_string must be present in
// tagIDs; the resolver guarantees that for resolved pages.
func (pr *PostResponse) Post(tagIDs map[string]int32) (Post, error) {
	tags, err := translateTags(pr.TagNames(), tagIDs)
	if err != nil {
		return Post{}, fmt.Errorf("post %d: %w", pr.ID, err)
	}
	return Post{
		ID:          pr.ID,
		UploaderID:  pr.UploaderID,
		ApproverID:  pr.ApproverID,
		Tags:        tags,
		Rating:      pr.Rating,
		Parent:      pr.ParentID,
		Source:      pr.Source,
		MediaAsset:  pr.MediaAsset.ID,
		FavCount:    pr.FavCount,
		HasChildren: pr.HasChildren,
		UpScore:     pr.UpScore,
		DownScore:   pr.DownScore,
		IsPending:   pr.IsPending,
		IsFlagged:   pr.IsFlagged,
		IsDeleted:   pr.IsDeleted,
		IsBanned:    pr.IsBanned,
		PixivID:     pr.PixivID,
		BitFlags:    pr.BitFlags,
		LastComment: pr.LastCommentedAt,
		LastBump:    pr.LastCommentBumpedAt,
		LastNote:    pr.LastNotedAt,
		CreatedAt:   pr.CreatedAt,
		UpdatedAt:   pr.UpdatedAt,
	}, nil
}

// PostVersionResponse is the raw /post_versions.json payload.
type PostVersionResponse struct {
	ID            int32     `json:"id"`
	PostID        int32     `json:"post_id"`
	UpdaterID     *int32    `json:"updater_id"`
	AddedTags     []string  `json:"added_tags"`
	RemovedTags   []string  `json:"removed_tags"`
	Rating        Rating    `json:"rating"`
	RatingChanged bool      `json:"rating_changed"`
	ParentID      *int32    `json:"parent_id"`
	ParentChanged bool      `json:"parent_changed"`
	Source        string    `json:"source"`
	SourceChanged bool      `json:"source_changed"`
	Version       int32     `json:"version"`
	UpdatedAt     Timestamp `json:"updated_at"`
}

// TagNames returns every tag name the version touches.
func (vr *PostVersionResponse) TagNames() []string {
	names := make([]string, 0, len(vr.AddedTags)+len(vr.RemovedTags))
	names = append(names, vr.AddedTags...)
	names = append(names, vr.RemovedTags...)
	return names
}

// PostVersion builds the mirror row, keeping new_* fields only where the
// corresponding *_changed flag is set.
func (vr *PostVersionResponse) PostVersion(tagIDs map[string]int32) (PostVersion, error) {
	added, err := translateTags(vr.AddedTags, tagIDs)
	if err != nil {
		return PostVersion{}, fmt.Errorf("post version %d: %w", vr.ID, err)
	}
	removed, err := translateTags(vr.RemovedTags, tagIDs)
	if err != nil {
		return PostVersion{}, fmt.Errorf("post version %d: %w", vr.ID, err)
	}
	v := PostVersion{
		ID:          vr.ID,
		PostID:      vr.PostID,
		UpdatedAt:   vr.UpdatedAt,
		Version:     vr.Version,
		AddedTags:   added,
		RemovedTags: removed,
	}
	if vr.UpdaterID != nil {
		v.UpdaterID = *vr.UpdaterID
	}
	if vr.RatingChanged {
		r := vr.Rating
		v.NewRating = &r
	}
	if vr.ParentChanged {
		v.NewParent = vr.ParentID
	}
	if vr.SourceChanged {
		s := vr.Source
		v.NewSource = &s
	}
	return v, nil
}

func translateTags(names []string, tagIDs map[string]int32) ([]int32, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]int32, 0, len(names))
	for _, n := range names {
		id, ok := tagIDs[n]
		if !ok {
			return nil, fmt.Errorf("unresolved tag %q", n)
		}
		out = append(out, id)
	}
	return out, nil
}
