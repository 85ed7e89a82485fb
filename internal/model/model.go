// Package model defines the core domain types shared across the engine.
package model

import (
	"errors"
	"fmt"
	"time"
)

// BackendKind selects how a raster asset is opened and read.
type BackendKind string

const (
	BackendCOG      BackendKind = "cog"
	BackendKerchunk BackendKind = "kerchunk"
)

// Point is one georeferenced sample location in WGS84 degrees.
// Immutable once loaded.
type Point struct {
	ID         string
	Lon        float64
	Lat        float64
	Properties map[string]any
}

// AssetReference identifies one raster asset resolved from a STAC item.
type AssetReference struct {
	URI         string
	BackendKind BackendKind
	Datetime    time.Time
	Collection  string
	Variable    string
	Unit        string
	NoData      *float64 // overrides the asset's own nodata marker when the file has none
	SourceFile  string
}

// SampleResult is the value read for one (point, asset) pair.
// A nil Value means nodata (fill value or point outside the asset extent).
type SampleResult struct {
	PointID  string
	Asset    AssetReference
	Value    *float64
	Variable string
}

// SeriesResult holds all samples for one point, datetime ascending.
type SeriesResult struct {
	PointID string
	Samples []SampleResult
}

// AggregatedResult is the min/max summary of one point's series over
// non-nodata values. Count zero leaves Min and Max nil.
type AggregatedResult struct {
	PointID string
	Min     *float64
	Max     *float64
	Unit    string
	Count   int
}

// Query defines a STAC search scope.
type Query struct {
	Catalog     string
	Collections []string
	Start       time.Time
	End         time.Time
	StacQuery   map[string]any
	MaxItems    int
}

func (q Query) Validate() error {
	if q.Catalog == "" {
		return fmt.Errorf("%w: stac_catalog is required", ErrMalformedInput)
	}
	if len(q.Collections) == 0 {
		return fmt.Errorf("%w: stac_collection is required", ErrMalformedInput)
	}
	if q.Start.IsZero() || q.End.IsZero() {
		return fmt.Errorf("%w: start_date and end_date are required", ErrMalformedInput)
	}
	if q.End.Before(q.Start) {
		return fmt.Errorf("%w: start_date %s is after end_date %s",
			ErrMalformedInput, q.Start.Format("2006-01-02"), q.End.Format("2006-01-02"))
	}
	if q.MaxItems < 0 {
		return fmt.Errorf("%w: max_items must be non-negative", ErrMalformedInput)
	}
	return nil
}

// TimeRange renders the search window in STAC datetime interval form.
func (q Query) TimeRange() string {
	return q.Start.UTC().Format(time.RFC3339) + "/" + q.End.UTC().Format(time.RFC3339)
}

var (
	// ErrMalformedInput marks unusable point or query input. Fatal.
	ErrMalformedInput = errors.New("malformed input")

	// ErrCatalogUnreachable marks a catalog fetch that failed after
	// bounded retries. Fatal.
	ErrCatalogUnreachable = errors.New("catalog unreachable")

	// ErrNoItemsFound marks a search that matched nothing. Treated as
	// empty-result success, not failure.
	ErrNoItemsFound = errors.New("no items found")

	// ErrInvalidExpression marks a rejected value expression. Fatal.
	ErrInvalidExpression = errors.New("invalid expression")
)

// AssetReadError is a per-asset read failure. Recoverable: the asset is
// skipped and contributes nodata. Transient failures (network) may be
// retried; permanent ones (corrupt or unsupported content) are not.
type AssetReadError struct {
	URI       string
	Transient bool
	Err       error
}

func (e *AssetReadError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("asset read (%s) %s: %v", kind, e.URI, e.Err)
}

func (e *AssetReadError) Unwrap() error { return e.Err }

// ReadFailure wraps err as an AssetReadError for uri.
func ReadFailure(uri string, transient bool, err error) *AssetReadError {
	return &AssetReadError{URI: uri, Transient: transient, Err: err}
}
