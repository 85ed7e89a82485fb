// Package cog reads single-band values out of Cloud-Optimized GeoTIFFs
// using byte-range requests. It understands classic and BigTIFF layouts,
// tiled and stripped data, overview levels, and the deflate, LZW and
// zstd compressors commonly produced by GDAL.
package cog

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/image/tiff/lzw"

	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/observability"
	"github.com/danhartree/stacvals/internal/raster"
)

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagPixelScale      = 33550
	tagTiepoint        = 33922
	tagGeoKeys         = 34735
	tagGDALNodata      = 42113

	compressionNone       = 1
	compressionLZW        = 5
	compressionDeflate    = 8
	compressionOldDeflate = 32946
	compressionZstd       = 50000

	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3

	geoKeyGeographicType = 2048
	geoKeyProjectedCS    = 3072

	// First fetch covers the header and the IFD chain of every COG we
	// have seen in the wild. Larger layouts fall back to extra ranges.
	headerPrefetch = 32 * 1024

	defaultTileCache = 64
)

// Opener opens COG datasets over a range reader.
type Opener struct {
	reader       raster.RangeReader
	log          zerolog.Logger
	tileCache    int
	overviewSize float64
}

type Option func(*Opener)

// WithTileCache sets the per-dataset decoded-tile cache capacity.
func WithTileCache(n int) Option {
	return func(o *Opener) {
		if n > 0 {
			o.tileCache = n
		}
	}
}

// WithOverviewPixelSize makes Sample read from the coarsest overview
// whose pixel size, in CRS units, does not exceed size. Zero reads
// full resolution.
func WithOverviewPixelSize(size float64) Option {
	return func(o *Opener) { o.overviewSize = size }
}

func NewOpener(reader raster.RangeReader, log zerolog.Logger, opts ...Option) *Opener {
	o := &Opener{
		reader:    reader,
		log:       log.With().Str("component", "cog").Logger(),
		tileCache: defaultTileCache,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Opener) Open(ctx context.Context, ref model.AssetReference) (raster.Dataset, error) {
	start := time.Now()
	defer func() { observability.ObserveAssetOpen(string(model.BackendCOG), time.Since(start).Seconds()) }()

	head, err := o.reader.ReadRange(ctx, ref.URI, 0, headerPrefetch)
	if err != nil {
		return nil, model.ReadFailure(ref.URI, true, err)
	}
	src := &source{ctx: ctx, reader: o.reader, uri: ref.URI, head: head}
	ds, err := parse(src)
	if err != nil {
		return nil, model.ReadFailure(ref.URI, false, err)
	}
	ds.uri = ref.URI
	ds.src = src
	ds.overviewSize = o.overviewSize
	if ds.nodata == nil {
		ds.nodata = ref.NoData
	}
	ds.log = o.log
	ds.tiles, err = lru.New[uint64, []byte](o.tileCache)
	if err != nil {
		return nil, err
	}
	ds.project, err = raster.ForEPSG(ds.epsg)
	if err != nil {
		return nil, model.ReadFailure(ref.URI, false, err)
	}
	o.log.Debug().
		Str("uri", ref.URI).
		Int("levels", len(ds.levels)).
		Int("epsg", ds.epsg).
		Msg("cog opened")
	return ds, nil
}

// source serves byte ranges, preferring the prefetched header.
type source struct {
	ctx    context.Context
	reader raster.RangeReader
	uri    string
	head   []byte
}

func (s *source) readAt(off, length int64) ([]byte, error) {
	if off >= 0 && off+length <= int64(len(s.head)) {
		return s.head[off : off+length], nil
	}
	b, err := s.reader.ReadRange(s.ctx, s.uri, off, length)
	if err != nil {
		return nil, model.ReadFailure(s.uri, true, err)
	}
	if int64(len(b)) < length {
		return nil, fmt.Errorf("short range read at %d: got %d want %d", off, len(b), length)
	}
	return b, nil
}

// level is one resolution in the overview pyramid. Level 0 is full
// resolution; strips are treated as image-wide tiles.
type level struct {
	width, height   uint32
	tileW, tileH    uint32
	offsets, counts []uint64
	compression     uint16
	predictor       uint16
	bits            uint16
	format          uint16
	samples         uint16
}

func (l *level) tilesAcross() uint32 { return (l.width + l.tileW - 1) / l.tileW }

type dataset struct {
	uri          string
	src          *source
	log          zerolog.Logger
	levels       []level
	order        binary.ByteOrder
	originX      float64
	originY      float64
	scaleX       float64
	scaleY       float64
	epsg         int
	nodata       *float64
	project      raster.Transform
	overviewSize float64
	tiles        *lru.Cache[uint64, []byte]
}

func (d *dataset) Close() error {
	d.tiles.Purge()
	return nil
}

func (d *dataset) Sample(ctx context.Context, lon, lat float64) (*float64, error) {
	d.src.ctx = ctx
	x, y := d.project(lon, lat)
	li := d.pickLevel()
	lvl := &d.levels[li]
	factor := float64(d.levels[0].width) / float64(lvl.width)
	px := (x - d.originX) / (d.scaleX * factor)
	py := (d.originY - y) / (d.scaleY * factor)
	col, row := int64(math.Floor(px)), int64(math.Floor(py))
	if col < 0 || row < 0 || col >= int64(lvl.width) || row >= int64(lvl.height) {
		return nil, nil
	}

	tileCol := uint32(col) / lvl.tileW
	tileRow := uint32(row) / lvl.tileH
	tileIdx := tileRow*lvl.tilesAcross() + tileCol
	if int(tileIdx) >= len(lvl.offsets) {
		return nil, fmt.Errorf("tile %d out of range for level %d", tileIdx, li)
	}
	data, err := d.tile(li, lvl, tileIdx)
	if err != nil {
		return nil, err
	}

	inX := uint32(col) % lvl.tileW
	inY := uint32(row) % lvl.tileH
	pixSize := uint32(lvl.bits/8) * uint32(lvl.samples)
	off := (uint64(inY)*uint64(lvl.tileW) + uint64(inX)) * uint64(pixSize)
	if off+uint64(lvl.bits/8) > uint64(len(data)) {
		return nil, fmt.Errorf("pixel offset %d beyond tile of %d bytes", off, len(data))
	}
	v := decodeSample(data[off:], lvl.bits, lvl.format, d.order)
	if d.isNodata(v) {
		return nil, nil
	}
	return &v, nil
}

func (d *dataset) isNodata(v float64) bool {
	if d.nodata == nil {
		return math.IsNaN(v)
	}
	if math.IsNaN(*d.nodata) {
		return math.IsNaN(v)
	}
	return v == *d.nodata
}

// pickLevel returns the coarsest overview whose pixel size stays at or
// under the configured ceiling.
func (d *dataset) pickLevel() int {
	if d.overviewSize <= 0 {
		return 0
	}
	best := 0
	for i := range d.levels {
		factor := float64(d.levels[0].width) / float64(d.levels[i].width)
		if d.scaleX*factor <= d.overviewSize {
			best = i
		}
	}
	return best
}

func (d *dataset) tile(li int, lvl *level, idx uint32) ([]byte, error) {
	key := uint64(li)<<32 | uint64(idx)
	if b, ok := d.tiles.Get(key); ok {
		return b, nil
	}
	raw, err := d.src.readAt(int64(lvl.offsets[idx]), int64(lvl.counts[idx]))
	if err != nil {
		return nil, err
	}
	data, err := decompress(raw, lvl.compression)
	if err != nil {
		return nil, model.ReadFailure(d.uri, false, err)
	}
	if lvl.predictor == 2 {
		if err := undoHorizontalPred(data, lvl, d.order); err != nil {
			return nil, model.ReadFailure(d.uri, false, err)
		}
	}
	d.tiles.Add(key, data)
	return data, nil
}

func decompress(raw []byte, compression uint16) ([]byte, error) {
	switch compression {
	case compressionNone:
		return raw, nil
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		return io.ReadAll(r)
	case compressionDeflate, compressionOldDeflate:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case compressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compression %d", compression)
	}
}

// undoHorizontalPred reverses TIFF predictor 2 in place, row by row.
func undoHorizontalPred(data []byte, lvl *level, order binary.ByteOrder) error {
	bytesPer := int(lvl.bits / 8)
	rowLen := int(lvl.tileW) * int(lvl.samples) * bytesPer
	if rowLen == 0 || len(data)%rowLen != 0 {
		return fmt.Errorf("predictor row length %d does not divide %d bytes", rowLen, len(data))
	}
	stride := int(lvl.samples)
	for base := 0; base < len(data); base += rowLen {
		row := data[base : base+rowLen]
		switch lvl.bits {
		case 8:
			for i := stride; i < len(row); i++ {
				row[i] += row[i-stride]
			}
		case 16:
			for i := stride * 2; i+1 < len(row); i += 2 {
				order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[i-stride*2:]))
			}
		case 32:
			for i := stride * 4; i+3 < len(row); i += 4 {
				order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[i-stride*4:]))
			}
		default:
			return fmt.Errorf("predictor unsupported for %d-bit samples", lvl.bits)
		}
	}
	return nil
}

func decodeSample(b []byte, bits, format uint16, order binary.ByteOrder) float64 {
	switch format {
	case sampleFloat:
		switch bits {
		case 32:
			return float64(math.Float32frombits(order.Uint32(b)))
		case 64:
			return math.Float64frombits(order.Uint64(b))
		}
	case sampleInt:
		switch bits {
		case 8:
			return float64(int8(b[0]))
		case 16:
			return float64(int16(order.Uint16(b)))
		case 32:
			return float64(int32(order.Uint32(b)))
		}
	default:
		switch bits {
		case 8:
			return float64(b[0])
		case 16:
			return float64(order.Uint16(b))
		case 32:
			return float64(order.Uint32(b))
		}
	}
	return math.NaN()
}
