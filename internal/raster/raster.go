// Package raster defines the backend seam between the sampler and the
// concrete raster readers.
package raster

import (
	"context"

	"github.com/danhartree/stacvals/internal/model"
)

// Dataset is an opened raster asset positioned for point reads. Open
// once, read many points, close. Implementations are used from a single
// goroutine.
type Dataset interface {
	// Sample reads the value at a WGS84 location. A nil value with nil
	// error is nodata: fill value or a point outside the asset extent.
	Sample(ctx context.Context, lon, lat float64) (*float64, error)
	Close() error
}

// Opener creates datasets for one backend kind. The kind is fixed at
// resolve time from asset metadata; openers never sniff content.
type Opener interface {
	Open(ctx context.Context, ref model.AssetReference) (Dataset, error)
}

// Openers maps each backend kind to its opener.
type Openers map[model.BackendKind]Opener

// RangeReader reads a byte range out of a remote or local object.
type RangeReader interface {
	ReadRange(ctx context.Context, uri string, off, length int64) ([]byte, error)
}

// BlobReader reads an entire object.
type BlobReader interface {
	Get(ctx context.Context, uri string) ([]byte, error)
}
