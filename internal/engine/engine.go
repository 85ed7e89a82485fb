// Package engine runs one extraction end to end: load points, resolve
// catalog assets, sample, post-process and write the artifact.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/config"
	"github.com/danhartree/stacvals/internal/fetch"
	"github.com/danhartree/stacvals/internal/logger"
	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/output"
	"github.com/danhartree/stacvals/internal/points"
	"github.com/danhartree/stacvals/internal/postprocess"
	"github.com/danhartree/stacvals/internal/raster"
	"github.com/danhartree/stacvals/internal/raster/cog"
	"github.com/danhartree/stacvals/internal/raster/kerchunk"
	"github.com/danhartree/stacvals/internal/sampler"
	"github.com/danhartree/stacvals/internal/stac"
	"github.com/danhartree/stacvals/internal/stac/searchcache"
)

// Request is one extraction, CLI and HTTP front doors both map onto it.
type Request struct {
	Query     model.Query    // catalog search, ignored when Items is set
	Items     []string       // pre-resolved item documents or references
	PointsSrc string         // inline JSON, file path or URL
	PointsOpt points.Options // key names for keyed-record input
	Extra     model.ExtraArgs
	Token     string // bearer token for the catalog
	OutputDir string // empty uses the configured default
}

// Summary reports what a run produced.
type Summary struct {
	Points    int    `json:"points"`
	Assets    int    `json:"assets"`
	OutputDir string `json:"output_dir"`
	Empty     bool   `json:"empty"`
}

type Engine struct {
	cfg     config.Config
	log     zerolog.Logger
	hc      *http.Client
	fetcher *fetch.Fetcher
	cache   *searchcache.Store
	sampler *sampler.Sampler
	writer  *output.Writer
	timeout time.Duration
}

func New(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Engine, error) {
	hc := fetch.NewOutbound()
	fetcher := fetch.New(hc, log)

	cache, err := searchcache.New(ctx, cfg.SearchCacheSize, cfg.SearchCacheTTL, cfg.RedisAddr, log)
	if err != nil {
		return nil, fmt.Errorf("search cache: %w", err)
	}

	var cogOpts []cog.Option
	if cfg.OverviewPixelSize > 0 {
		cogOpts = append(cogOpts, cog.WithOverviewPixelSize(cfg.OverviewPixelSize))
	}
	openers := raster.Openers{
		model.BackendCOG:      cog.NewOpener(fetcher, log, cogOpts...),
		model.BackendKerchunk: kerchunk.NewOpener(fetcher, log),
	}

	return &Engine{
		cfg:     cfg,
		log:     log.With().Str("component", "engine").Logger(),
		hc:      hc,
		fetcher: fetcher,
		cache:   cache,
		sampler: sampler.New(openers, log,
			sampler.WithWorkers(cfg.SampleWorkers),
			sampler.WithRetries(cfg.ReadRetries, cfg.ReadRetryBackoff)),
		writer:  output.NewWriter(log),
		timeout: cfg.RequestTimeout,
	}, nil
}

func (e *Engine) Close() error {
	return e.cache.Close()
}

// Run executes one extraction. An empty catalog result is a success: the
// artifact directory is still written, with empty data files.
func (e *Engine) Run(ctx context.Context, req Request) (*Summary, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	log := logger.FromContext(ctx, &e.log)

	dir := req.OutputDir
	if dir == "" {
		dir = e.cfg.OutputDir
	}

	pts, err := points.Load(ctx, e.fetcher, req.PointsSrc, req.PointsOpt)
	if err != nil {
		return nil, err
	}

	assets, err := e.resolveAssets(ctx, req)
	empty := false
	if errors.Is(err, model.ErrNoItemsFound) {
		empty = true
		assets = nil
	} else if err != nil {
		return nil, err
	}

	series, err := e.sampler.Run(ctx, pts, assets)
	if err != nil {
		return nil, err
	}
	series, err = postprocess.Apply(series, req.Extra)
	if err != nil {
		return nil, err
	}

	art := output.Artifact{
		Points:      pts,
		Series:      series,
		NamePattern: req.Extra.OutputName,
		Unit:        req.Extra.Unit,
		OutputType:  req.Extra.OutputType,
	}
	if req.Extra.OutputType == model.OutputMinMax {
		art.Aggregates = postprocess.Aggregate(series, req.Extra.Unit)
	}
	if err := e.writer.Write(dir, art); err != nil {
		return nil, err
	}

	log.Info().
		Int("points", len(pts)).
		Int("assets", len(assets)).
		Bool("empty", empty).
		Str("output_dir", dir).
		Msg("extraction complete")
	return &Summary{Points: len(pts), Assets: len(assets), OutputDir: dir, Empty: empty}, nil
}

// resolveAssets prefers pre-resolved items; otherwise it searches the
// catalog, read-through over the search cache. Token-bearing searches
// bypass the cache so one caller's results never leak to another.
func (e *Engine) resolveAssets(ctx context.Context, req Request) ([]model.AssetReference, error) {
	client := stac.NewClient(e.hc, e.fetcher, e.log,
		stac.WithToken(req.Token),
		stac.WithPageLimit(e.cfg.SearchPageLimit),
		stac.WithRetries(e.cfg.SearchRetries, e.cfg.SearchBackoff))

	if len(req.Items) > 0 {
		refs, err := client.ResolveItems(ctx, req.Items, req.Extra.Variable)
		if err != nil {
			return nil, err
		}
		return capAssets(refs, req.Extra.MaxItems), nil
	}

	q := req.Query
	if q.MaxItems == 0 {
		q.MaxItems = req.Extra.MaxItems
	}

	useCache := req.Token == ""
	key := searchcache.Key(q, req.Extra.Variable)
	if useCache {
		if refs, ok := e.cache.Get(ctx, key); ok {
			if len(refs) == 0 {
				return nil, model.ErrNoItemsFound
			}
			return refs, nil
		}
	}

	refs, err := client.Search(ctx, q, req.Extra.Variable)
	if errors.Is(err, model.ErrNoItemsFound) {
		if useCache {
			e.cache.Put(ctx, key, nil)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if useCache {
		e.cache.Put(ctx, key, refs)
	}
	return refs, nil
}

func capAssets(refs []model.AssetReference, max int) []model.AssetReference {
	if max > 0 && len(refs) > max {
		return refs[:max]
	}
	return refs
}
