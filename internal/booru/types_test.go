package booru

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTimestamp_RoundTrip(t *testing.T) {
	ts := NewTimestamp(time.Date(2024, 3, 15, 7, 30, 45, 123_000_000, time.UTC))
	s := ts.String()
	if s != "2024-03-15T07:30:45.123+00:00" {
		t.Fatalf("unexpected format: %q", s)
	}
	back, err := ParseTimestamp(s)
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if !back.Equal(ts.Time) {
		t.Fatalf("round trip mismatch: %s != %s", back, ts)
	}
}

func TestParseTimestamp_NormalizesOffsetToUTC(t *testing.T) {
	ts, err := ParseTimestamp("2008-02-05T01:14:06.000-05:00")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if ts.Hour() != 6 || ts.Location() != time.UTC {
		t.Fatalf("expected 06:14:06 UTC, got %s", ts)
	}
	if got := ts.String(); got != "2008-02-05T06:14:06.000+00:00" {
		t.Fatalf("unexpected format: %q", got)
	}
}

func TestParseTimestamp_LenientFallback(t *testing.T) {
	// The canonical layout demands exactly three fractional digits; API
	// responses occasionally omit them.
	ts, err := ParseTimestamp("2024-01-02T03:04:05Z")
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if ts.Minute() != 4 {
		t.Fatalf("unexpected parse result: %s", ts)
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Fatalf("expected error for garbage input")
	}
}

func TestTimestamp_JSON(t *testing.T) {
	var parsed struct {
		At Timestamp `json:"at"`
	}
	if err := json.Unmarshal([]byte(`{"at":"2024-03-15T07:30:45.123+00:00"}`), &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed.At.IsZero() || parsed.At.Second() != 45 {
		t.Fatalf("unexpected value: %s", parsed.At)
	}

	out, err := json.Marshal(parsed)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"at":"2024-03-15T07:30:45.123+00:00"}` {
		t.Fatalf("unexpected marshal output: %s", out)
	}

	if err := json.Unmarshal([]byte(`{"at":null}`), &parsed); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !parsed.At.IsZero() {
		t.Fatalf("null should decode to the zero timestamp")
	}
	out, _ = json.Marshal(parsed)
	if string(out) != `{"at":null}` {
		t.Fatalf("zero timestamp should marshal as null, got %s", out)
	}
}

func TestPageSelector_RoundTrip(t *testing.T) {
	cases := []struct {
		sel  PageSelector
		want string
	}{
		{PageAt(0), "0"},
		{PageAt(17), "17"},
		{PageBefore(9), "b9"},
		{PageAfter(123456), "a123456"},
	}
	for _, c := range cases {
		if got := c.sel.String(); got != c.want {
			t.Fatalf("String() = %q, want %q", got, c.want)
		}
		back, err := ParsePageSelector(c.want)
		if err != nil {
			t.Fatalf("ParsePageSelector(%q): %v", c.want, err)
		}
		if back != c.sel {
			t.Fatalf("round trip mismatch for %q: %+v != %+v", c.want, back, c.sel)
		}
	}
}

func TestParsePageSelector_Invalid(t *testing.T) {
	for _, s := range []string{"", "a", "b", "x7", "a-1", "a99999999999999999999"} {
		if _, err := ParsePageSelector(s); err == nil {
			t.Fatalf("expected error for %q", s)
		}
	}
}

func TestPageSelector_MarshalsAsString(t *testing.T) {
	out, err := json.Marshal(map[string]any{"page": PageAfter(42)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"page":"a42"}` {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestTagCategory_Value(t *testing.T) {
	v, err := CategoryCharacter.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v != "character" {
		t.Fatalf("expected character, got %v", v)
	}

	// Code 2 is a hole in the upstream enum.
	if _, err := TagCategory(2).Value(); err == nil {
		t.Fatalf("expected error for unused category code")
	}
}

func TestUserLevel_String(t *testing.T) {
	if LevelGold.String() != "gold" {
		t.Fatalf("expected gold, got %q", LevelGold)
	}
	if LevelOwner.String() != "owner" {
		t.Fatalf("expected owner, got %q", LevelOwner)
	}
	if got := UserLevel(33).String(); got != "user_level(33)" {
		t.Fatalf("unexpected fallback: %q", got)
	}
}

func TestTag_Synthetic(t *testing.T) {
	if (Tag{ID: 42}).Synthetic() {
		t.Fatalf("positive ids are not synthetic")
	}
	if !(Tag{ID: -1}).Synthetic() {
		t.Fatalf("negative ids are synthetic")
	}
}

const samplePostJSON = `{
	"id": 105,
	"uploader_id": 39,
	"approver_id": null,
	"tag_string": "1girl hatsune_miku highres",
	"rating": "g",
	"parent_id": null,
	"source": "https://example.org/art/105",
	"media_asset": {
		"id": 900,
		"md5": "d41d8cd98f00b204e9800998ecf8427e",
		"file_ext": "png",
		"file_size": 123456,
		"image_width": 1200,
		"image_height": 900,
		"duration": null,
		"pixel_hash": "aabbcc",
		"status": "active",
		"file_key": "ZqXy7",
		"is_public": true,
		"variants": [
			{"type": "180x180", "width": 180, "height": 135, "file_ext": "jpg"},
			{"type": "original", "width": 1200, "height": 900, "file_ext": "png"}
		],
		"created_at": "2024-03-15T07:30:45.123-04:00",
		"updated_at": "2024-03-15T07:30:45.123-04:00"
	},
	"fav_count": 3,
	"has_children": false,
	"up_score": 2,
	"down_score": 0,
	"is_pending": false,
	"is_flagged": false,
	"is_deleted": false,
	"is_banned": false,
	"pixiv_id": 77001,
	"bit_flags": 0,
	"last_comment_bumped_at": "2024-03-16T00:00:00.000+00:00",
	"last_commented_at": "2024-03-16T01:00:00.000+00:00",
	"last_noted_at": null,
	"created_at": "2024-03-15T07:30:45.123-04:00",
	"updated_at": "2024-03-15T07:30:45.123-04:00"
}`

func TestPostResponse_Post(t *testing.T) {
	var pr PostResponse
	if err := json.Unmarshal([]byte(samplePostJSON), &pr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	tagIDs := map[string]int32{"1girl": 10, "hatsune_miku": 20, "highres": 30}
	post, err := pr.Post(tagIDs)
	if err != nil {
		t.Fatalf("Post: %v", err)
	}

	if post.ID != 105 || post.UploaderID != 39 {
		t.Fatalf("unexpected ids: %+v", post)
	}
	if len(post.Tags) != 3 || post.Tags[0] != 10 || post.Tags[1] != 20 || post.Tags[2] != 30 {
		t.Fatalf("unexpected tags: %v", post.Tags)
	}
	if post.MediaAsset != 900 {
		t.Fatalf("expected media asset id 900, got %d", post.MediaAsset)
	}
	if post.Rating != RatingGeneral {
		t.Fatalf("expected rating g, got %q", post.Rating)
	}
	if post.PixivID == nil || *post.PixivID != 77001 {
		t.Fatalf("expected pixiv id 77001, got %v", post.PixivID)
	}
	if post.ApproverID != nil || post.Parent != nil {
		t.Fatalf("expected nil approver and parent")
	}
	// last_bump comes from last_comment_bumped_at, last_comment from
	// last_commented_at.
	if post.LastBump.Hour() != 0 || post.LastComment.Hour() != 1 {
		t.Fatalf("bump/comment mapping wrong: bump=%s comment=%s", post.LastBump, post.LastComment)
	}
	if !post.LastNote.IsZero() {
		t.Fatalf("expected zero last note")
	}
	// Offsets normalize to UTC.
	if post.CreatedAt.Hour() != 11 {
		t.Fatalf("expected created_at 11:30 UTC, got %s", post.CreatedAt)
	}

	if pr.MediaAsset.Duration != nil {
		t.Fatalf("expected nil duration")
	}
	if len(pr.MediaAsset.Variants) != 2 || pr.MediaAsset.Variants[0].FileType != FileJPG {
		t.Fatalf("unexpected variants: %+v", pr.MediaAsset.Variants)
	}
}

func TestPostResponse_Post_UnresolvedTag(t *testing.T) {
	pr := PostResponse{ID: 1, TagString: "known unknown"}
	_, err := pr.Post(map[string]int32{"known": 5})
	if err == nil {
		t.Fatalf("expected error for unresolved tag")
	}
}

func TestPostVersionResponse_PostVersion(t *testing.T) {
	parent := int32(50)
	vr := PostVersionResponse{
		ID:            7000,
		PostID:        105,
		UpdaterID:     nil,
		AddedTags:     []string{"highres"},
		RemovedTags:   []string{"lowres"},
		Rating:        RatingSensitive,
		RatingChanged: true,
		ParentID:      &parent,
		ParentChanged: false,
		Source:        "https://example.org/new",
		SourceChanged: true,
		Version:       4,
	}

	v, err := vr.PostVersion(map[string]int32{"highres": 30, "lowres": -1})
	if err != nil {
		t.Fatalf("PostVersion: %v", err)
	}
	if v.UpdaterID != 0 {
		t.Fatalf("nil updater should map to 0, got %d", v.UpdaterID)
	}
	if len(v.AddedTags) != 1 || v.AddedTags[0] != 30 {
		t.Fatalf("unexpected added tags: %v", v.AddedTags)
	}
	if len(v.RemovedTags) != 1 || v.RemovedTags[0] != -1 {
		t.Fatalf("unexpected removed tags: %v", v.RemovedTags)
	}
	if v.NewRating == nil || *v.NewRating != RatingSensitive {
		t.Fatalf("expected rating change to s, got %v", v.NewRating)
	}
	if v.NewParent != nil {
		t.Fatalf("parent did not change, expected nil")
	}
	if v.NewSource == nil || *v.NewSource != "https://example.org/new" {
		t.Fatalf("expected source change, got %v", v.NewSource)
	}
}
