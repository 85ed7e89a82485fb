package stac

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danhartree/stacvals/internal/fetch"
	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/observability"
)

const maxSearchPages = 1000 // cursor-loop guard

type Client struct {
	http      *http.Client
	fetcher   *fetch.Fetcher
	log       zerolog.Logger
	clock     clockwork.Clock
	token     string
	pageLimit int
	retries   int
	backoff   time.Duration
}

type ClientOption func(*Client)

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithPageLimit(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

func WithRetries(n int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

func WithClock(clk clockwork.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

func NewClient(hc *http.Client, fetcher *fetch.Fetcher, log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		http:      hc,
		fetcher:   fetcher,
		log:       log.With().Str("component", "stac").Logger(),
		clock:     clockwork.NewRealClock(),
		pageLimit: 100,
		retries:   2,
		backoff:   time.Second,
	}
	if c.http == nil {
		c.http = fetch.NewOutbound()
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Search runs the query against the catalog's search endpoint. Each
// collection is searched concurrently; results keep the caller's
// collection order and are datetime-ascending within a collection.
// Zero matches across all collections yields ErrNoItemsFound.
func (c *Client) Search(ctx context.Context, q model.Query, variable string) ([]model.AssetReference, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	perCollection := make([][]model.AssetReference, len(q.Collections))
	g, gctx := errgroup.WithContext(ctx)
	for i, col := range q.Collections {
		g.Go(func() error {
			refs, err := c.searchCollection(gctx, q, col, variable)
			if err != nil {
				return err
			}
			sort.SliceStable(refs, func(a, b int) bool {
				return refs[a].Datetime.Before(refs[b].Datetime)
			})
			perCollection[i] = refs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []model.AssetReference
	for _, refs := range perCollection {
		out = append(out, refs...)
	}
	if q.MaxItems > 0 && len(out) > q.MaxItems {
		out = out[:q.MaxItems]
	}
	if len(out) == 0 {
		return nil, model.ErrNoItemsFound
	}
	return out, nil
}

func (c *Client) searchCollection(ctx context.Context, q model.Query, collection, variable string) ([]model.AssetReference, error) {
	endpoint := strings.TrimRight(q.Catalog, "/") + "/search"
	body := map[string]any{
		"collections": []string{collection},
		"datetime":    q.TimeRange(),
		"limit":       c.pageLimit,
	}
	if filter := QueryToFilter(q.StacQuery); filter != nil {
		body["filter"] = filter
		body["filter-lang"] = "cql2-json"
	}

	log := c.log.With().Str("collection", collection).Logger()

	var refs []model.AssetReference
	method := http.MethodPost
	pageBody := body
	pageURL := endpoint

	for page := 0; page < maxSearchPages; page++ {
		start := c.clock.Now()
		resp, err := c.searchPage(ctx, method, pageURL, pageBody)
		if err != nil {
			observability.ObserveSearch(collection, "error", c.clock.Since(start).Seconds())
			return nil, err
		}
		observability.ObserveSearch(collection, "ok", c.clock.Since(start).Seconds())
		observability.AddSearchItems(collection, len(resp.Features))

		for _, it := range resp.Features {
			if it.Collection == "" {
				it.Collection = collection
			}
			ref, err := AssetReference(it, variable)
			if err != nil {
				// items without usable assets are skipped, not fatal
				log.Warn().Str("item", it.ID).Err(err).Msg("skipping item")
				continue
			}
			refs = append(refs, ref)
			if q.MaxItems > 0 && len(refs) >= q.MaxItems {
				return refs, nil
			}
		}

		next := findNext(resp.Links)
		if next == nil {
			break
		}
		pageURL = next.Href
		method = http.MethodGet
		pageBody = nil
		if strings.EqualFold(next.Method, http.MethodPost) {
			method = http.MethodPost
			pageBody = mergeNextBody(body, next.Body)
		}
		log.Debug().Int("page", page+1).Int("items", len(refs)).Msg("following next page")
	}
	return refs, nil
}

type searchResponse struct {
	Features []Item `json:"features"`
	Links    []Link `json:"links"`
}

// searchPage performs one search request with bounded retries. Search
// is read-only, so retrying is safe.
func (c *Client) searchPage(ctx context.Context, method, url string, body map[string]any) (*searchResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", model.ErrCatalogUnreachable, ctx.Err())
			case <-c.clock.After(c.backoff * time.Duration(attempt)):
			}
		}
		resp, retryable, err := c.doSearch(ctx, method, url, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", model.ErrCatalogUnreachable, lastErr)
}

func (c *Client) doSearch(ctx context.Context, method, url string, body map[string]any) (*searchResponse, bool, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, false, fmt.Errorf("marshal search body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("search %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retryable, fmt.Errorf("search %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, false, fmt.Errorf("decode search response: %w", err)
	}
	return &sr, false, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func findNext(links []Link) *Link {
	for i := range links {
		if strings.EqualFold(links[i].Rel, "next") && links[i].Href != "" {
			return &links[i]
		}
	}
	return nil
}

// next links may carry a partial body to merge over the original one.
func mergeNextBody(base map[string]any, patch json.RawMessage) map[string]any {
	merged := make(map[string]any, len(base)+2)
	for k, v := range base {
		merged[k] = v
	}
	if len(patch) > 0 {
		var p map[string]any
		if err := json.Unmarshal(patch, &p); err == nil {
			for k, v := range p {
				merged[k] = v
			}
		}
	}
	return merged
}

// ResolveItems handles explicit mode: each entry is either a STAC item
// URL (or file/s3 reference) or inline item JSON.
func (c *Client) ResolveItems(ctx context.Context, items []string, variable string) ([]model.AssetReference, error) {
	if len(items) == 0 {
		return nil, model.ErrNoItemsFound
	}
	refs := make([]model.AssetReference, 0, len(items))
	for _, raw := range items {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		var data []byte
		if strings.HasPrefix(trimmed, "{") {
			data = []byte(trimmed)
		} else {
			b, err := c.fetchItem(ctx, trimmed)
			if err != nil {
				return nil, err
			}
			data = b
		}

		var it Item
		if err := json.Unmarshal(data, &it); err != nil {
			return nil, fmt.Errorf("%w: stac item %s: %v", model.ErrMalformedInput, trimmed, err)
		}
		ref, err := AssetReference(it, variable)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrMalformedInput, err)
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, model.ErrNoItemsFound
	}
	sort.SliceStable(refs, func(a, b int) bool {
		return refs[a].Datetime.Before(refs[b].Datetime)
	})
	return refs, nil
}

func (c *Client) fetchItem(ctx context.Context, src string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", model.ErrCatalogUnreachable, ctx.Err())
			case <-c.clock.After(c.backoff * time.Duration(attempt)):
			}
		}
		b, err := c.fetcher.Get(ctx, src)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: item %s: %v", model.ErrCatalogUnreachable, src, lastErr)
}
