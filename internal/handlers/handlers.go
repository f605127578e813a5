package handlers

import (
	"net/http"
	"time"

	"github.com/hoshinobot/booru-sync/internal/booru"
	"github.com/hoshinobot/booru-sync/internal/store"
	"github.com/hoshinobot/booru-sync/internal/tasks"
)

// Handler serves the operational endpoints. It reads cursors through its
// own store so status requests never contend with the ingestion tasks'
// single-connection gateways.
type Handler struct {
	store     *store.Store
	runner    *tasks.Runner
	profile   booru.Profile
	rateLimit int
	started   time.Time
}

func New(st *store.Store, runner *tasks.Runner, profile booru.Profile, rateLimit int) *Handler {
	return &Handler{
		store:     st,
		runner:    runner,
		profile:   profile,
		rateLimit: rateLimit,
		started:   time.Now(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusCursors reports the mirror's high-water marks plus the lowest tag
// id, which goes negative once synthetic placeholders exist.
type statusCursors struct {
	Tags         int32 `json:"tags"`
	Posts        int32 `json:"posts"`
	MediaAssets  int32 `json:"media_assets"`
	PostVersions int32 `json:"post_versions"`
	LowestTag    int32 `json:"lowest_tag"`
}

type statusResponse struct {
	User      booru.Profile  `json:"user"`
	RateLimit int            `json:"rate_limit"`
	StartedAt time.Time      `json:"started_at"`
	Uptime    string         `json:"uptime"`
	Tasks     []tasks.Status `json:"tasks"`
	Cursors   statusCursors  `json:"cursors"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		cur statusCursors
		err error
	)
	if cur.Tags, err = h.store.LatestTag(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cur.Posts, err = h.store.LatestPost(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cur.MediaAssets, err = h.store.LatestMediaAsset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cur.PostVersions, err = h.store.LatestPostVersion(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cur.LowestTag, err = h.store.LowestTag(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		User:      h.profile,
		RateLimit: h.rateLimit,
		StartedAt: h.started,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Tasks:     h.runner.Snapshot(),
		Cursors:   cur,
	})
}
