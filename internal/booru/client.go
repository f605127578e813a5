package booru

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hoshinobot/booru-sync/internal/logging"
	"github.com/hoshinobot/booru-sync/internal/ratelimit"
)

// ErrInvalidArgument marks caller mistakes that never reach the wire.
var ErrInvalidArgument = errors.New("invalid argument")

// HTTPError is a final upstream response with status >= 400. It is never
// retried: the server spoke, it just said no.
type HTTPError struct {
	Status int
	URL    string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream status=%d url=%s body=%s", e.Status, e.URL, truncate(e.Body, 600))
}

// UnavailableError is returned once the transport retry schedule is
// exhausted without ever receiving an HTTP status.
type UnavailableError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("upstream unavailable after %d attempts url=%s: %v", e.Attempts, e.URL, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// ParseError is a 2xx response whose body did not decode into the expected
// shape.
type ParseError struct {
	URL    string
	Status int
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("upstream parse error status=%d url=%s: %v", e.Status, e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// retrySchedule is the inter-attempt sleep plan for transport failures. The
// slot is slept after every failed attempt, including the last, before
// giving up.
var retrySchedule = []time.Duration{
	100 * time.Millisecond,
	250 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	500 * time.Millisecond,
	500 * time.Millisecond,
	1000 * time.Millisecond,
	1000 * time.Millisecond,
	1000 * time.Millisecond,
	1000 * time.Millisecond,
}

type Config struct {
	BaseURL string
	Login   string
	APIKey  string
	Limiter *ratelimit.Bucket
	Client  *http.Client
}

// Client talks to a danbooru-style API. Every request authenticates with
// HTTP Basic auth and consumes a limiter token per wire attempt.
type Client struct {
	base     string
	login    string
	apiKey   string
	limiter  *ratelimit.Bucket
	hc       *http.Client
	ua       string
	profile  Profile
	schedule []time.Duration
}

// New builds a client and performs the startup handshake: it fetches the
// authenticated user's profile and bakes the user id into the User-Agent.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Login == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: login and api key are required", ErrInvalidArgument)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://danbooru.donmai.us"
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	c := &Client{
		base:     base,
		login:    cfg.Login,
		apiKey:   cfg.APIKey,
		limiter:  cfg.Limiter,
		hc:       hc,
		ua:       "hoshino.bot user " + cfg.Login,
		schedule: retrySchedule,
	}

	var p Profile
	params := url.Values{"only": {"id,name,level"}}
	if err := c.Get(ctx, "profile", params, &p); err != nil {
		return nil, fmt.Errorf("profile handshake: %w", err)
	}
	c.profile = p
	c.ua = fmt.Sprintf("hoshino.bot user %s (#%d)", cfg.Login, p.ID)
	log.Printf("[Booru] authenticated user=%s id=%d level=%s", p.Name, p.ID, p.Level)
	return c, nil
}

// Profile returns the user recorded by the startup handshake.
func (c *Client) Profile() Profile {
	return c.profile
}

// Get issues a query-string request.
func (c *Client) Get(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, false, out)
}

// Post issues a JSON-body request.
func (c *Client) Post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, false, out)
}

// Fetch issues a POST the server treats as a GET (X-HTTP-Method-Override).
// Listings whose parameter sets outgrow a query string go through here.
func (c *Client) Fetch(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, body, true, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, override bool, out any) error {
	u := c.base + "/" + path + ".json"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	logging.Tracef("[Booru] %s %s", method, u)

	var lastErr error
	attempts := 0
	for attempt := range c.schedule {
		attempts++

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.login, c.apiKey)
		req.Header.Set("User-Agent", c.ua)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if override {
			req.Header.Set("X-HTTP-Method-Override", "get")
		}

		if c.limiter != nil {
			c.limiter.Acquire()
		}
		res, err := c.hc.Do(req)
		if err != nil {
			// No HTTP status: the request may never have reached the
			// server. Those are the only failures worth retrying.
			lastErr = err
			logging.Debugf("[Booru] transport failure attempt=%d url=%s err=%v", attempts, u, err)
			c.sleepSlot(ctx, attempt)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		resBody, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()

		if res.StatusCode >= 400 {
			return &HTTPError{Status: res.StatusCode, URL: u, Body: string(resBody)}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resBody, out); err != nil {
			if payload != nil {
				pretty, _ := json.MarshalIndent(body, "", "  ")
				log.Printf("[Booru] parse error status=%d url=%s request=%s err=%v", res.StatusCode, u, pretty, err)
			} else {
				log.Printf("[Booru] parse error status=%d url=%s params=%v err=%v", res.StatusCode, u, params, err)
			}
			return &ParseError{URL: u, Status: res.StatusCode, Err: err}
		}
		return nil
	}

	return &UnavailableError{URL: u, Attempts: attempts, Err: lastErr}
}

func (c *Client) sleepSlot(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(c.schedule[attempt]):
	}
}

// Tags lists the tag catalog page addressed by the selector, newest first.
func (c *Client) Tags(ctx context.Context, page PageSelector, limit int) ([]Tag, error) {
	if limit > PageLimit {
		return nil, fmt.Errorf("%w: limit %d exceeds page limit %d", ErrInvalidArgument, limit, PageLimit)
	}
	params := url.Values{
		"limit": {strconv.Itoa(limit)},
		"page":  {page.String()},
	}
	var tags []Tag
	if err := c.Get(ctx, "tags", params, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// SearchTags looks up tags by exact name, up to PageLimit names per call.
func (c *Client) SearchTags(ctx context.Context, names []string) ([]Tag, error) {
	if len(names) > PageLimit {
		return nil, fmt.Errorf("%w: %d names exceeds page limit %d", ErrInvalidArgument, len(names), PageLimit)
	}
	if len(names) == 0 {
		return nil, nil
	}
	body := map[string]any{
		"limit":  len(names),
		"search": map[string]any{"name": names},
	}
	var tags []Tag
	if err := c.Fetch(ctx, "tags", body, &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

// Posts lists the post page addressed by the selector with the PostFields
// projection.
func (c *Client) Posts(ctx context.Context, page PageSelector, limit int) ([]PostResponse, error) {
	if limit > PageLimit {
		return nil, fmt.Errorf("%w: limit %d exceeds page limit %d", ErrInvalidArgument, limit, PageLimit)
	}
	body := map[string]any{
		"limit": limit,
		"page":  page,
		"only":  PostFields,
	}
	var posts []PostResponse
	if err := c.Fetch(ctx, "posts", body, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

// PostVersions lists the change-log page addressed by the selector.
func (c *Client) PostVersions(ctx context.Context, page PageSelector, limit int) ([]PostVersionResponse, error) {
	if limit > PageLimit {
		return nil, fmt.Errorf("%w: limit %d exceeds page limit %d", ErrInvalidArgument, limit, PageLimit)
	}
	body := map[string]any{
		"limit": limit,
		"page":  page,
	}
	var versions []PostVersionResponse
	if err := c.Fetch(ctx, "post_versions", body, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
