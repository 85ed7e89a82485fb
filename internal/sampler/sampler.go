// Package sampler reads point values out of resolved assets with a
// bounded worker pool. Each worker opens one asset, samples every point
// against it, and closes it; a failed asset degrades to nodata for all
// points instead of failing the run.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/observability"
	"github.com/danhartree/stacvals/internal/raster"
)

const (
	defaultWorkers = 4
	defaultRetries = 2
	defaultBackoff = 500 * time.Millisecond
)

type Sampler struct {
	openers raster.Openers
	log     zerolog.Logger
	clock   clockwork.Clock
	workers int
	retries int
	backoff time.Duration
}

type Option func(*Sampler)

// WithWorkers bounds how many assets are open concurrently.
func WithWorkers(n int) Option {
	return func(s *Sampler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithRetries configures open retries for transient asset failures.
func WithRetries(n int, backoff time.Duration) Option {
	return func(s *Sampler) {
		s.retries = n
		s.backoff = backoff
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Sampler) { s.clock = c }
}

func New(openers raster.Openers, log zerolog.Logger, opts ...Option) *Sampler {
	s := &Sampler{
		openers: openers,
		log:     log.With().Str("component", "sampler").Logger(),
		clock:   clockwork.NewRealClock(),
		workers: defaultWorkers,
		retries: defaultRetries,
		backoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run samples every point against every asset and returns one series
// per point, in point order, with samples ordered by asset datetime.
func (s *Sampler) Run(ctx context.Context, points []model.Point, assets []model.AssetReference) ([]model.SeriesResult, error) {
	if len(points) == 0 || len(assets) == 0 {
		return emptySeries(points), nil
	}

	// Column j of the matrix belongs to exactly one worker, so workers
	// never write the same slot.
	matrix := make([][]model.SampleResult, len(points))
	for i := range matrix {
		matrix[i] = make([]model.SampleResult, len(assets))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for j := range assets {
		g.Go(func() error {
			s.sampleAsset(gctx, points, assets[j], matrix, j)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	order := assetOrder(assets)
	out := make([]model.SeriesResult, len(points))
	for i, pt := range points {
		samples := make([]model.SampleResult, 0, len(assets))
		for _, j := range order {
			samples = append(samples, matrix[i][j])
		}
		out[i] = model.SeriesResult{PointID: pt.ID, Samples: samples}
	}
	return out, nil
}

// sampleAsset fills column j. Any failure leaves nodata samples behind
// so one broken asset cannot sink the run.
func (s *Sampler) sampleAsset(ctx context.Context, points []model.Point, asset model.AssetReference, matrix [][]model.SampleResult, j int) {
	for i, pt := range points {
		matrix[i][j] = model.SampleResult{
			PointID:  pt.ID,
			Asset:    asset,
			Variable: asset.Variable,
		}
	}
	backend := string(asset.BackendKind)

	ds, err := s.open(ctx, asset)
	if err != nil {
		s.log.Warn().Err(err).Str("uri", asset.URI).Msg("asset unreadable, run continues with nodata")
		for range points {
			observability.IncSample(backend, observability.SampleError)
		}
		return
	}
	defer ds.Close()

	for i, pt := range points {
		if ctx.Err() != nil {
			observability.IncSample(backend, observability.SampleError)
			continue
		}
		v, err := ds.Sample(ctx, pt.Lon, pt.Lat)
		switch {
		case err != nil:
			s.log.Warn().Err(err).Str("uri", asset.URI).Str("point", pt.ID).Msg("sample failed")
			observability.IncSample(backend, observability.SampleError)
		case v == nil:
			observability.IncSample(backend, observability.SampleNodata)
		default:
			matrix[i][j].Value = v
			observability.IncSample(backend, observability.SampleOK)
		}
	}
}

func (s *Sampler) open(ctx context.Context, asset model.AssetReference) (raster.Dataset, error) {
	opener, ok := s.openers[asset.BackendKind]
	if !ok {
		return nil, fmt.Errorf("no opener for backend %q", asset.BackendKind)
	}
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.clock.After(s.backoff * time.Duration(attempt)):
			}
		}
		ds, err := opener.Open(ctx, asset)
		if err == nil {
			return ds, nil
		}
		lastErr = err
		var re *model.AssetReadError
		if !errors.As(err, &re) || !re.Transient {
			return nil, err
		}
	}
	return nil, lastErr
}

func emptySeries(points []model.Point) []model.SeriesResult {
	out := make([]model.SeriesResult, len(points))
	for i, pt := range points {
		out[i] = model.SeriesResult{PointID: pt.ID, Samples: []model.SampleResult{}}
	}
	return out
}

// assetOrder yields asset indexes sorted by datetime, then URI for
// stability, so series read oldest to newest.
func assetOrder(assets []model.AssetReference) []int {
	order := make([]int, len(assets))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		da, db := assets[order[a]].Datetime, assets[order[b]].Datetime
		if !da.Equal(db) {
			return da.Before(db)
		}
		return assets[order[a]].URI < assets[order[b]].URI
	})
	return order
}
