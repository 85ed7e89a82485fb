// Package kerchunk samples values out of kerchunk reference files: JSON
// indexes that map zarr chunk keys onto byte ranges of remote archives,
// letting NetCDF-style data be read without opening the archive itself.
package kerchunk

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zlib"
	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/observability"
	"github.com/danhartree/stacvals/internal/raster"
)

const defaultChunkCache = 32

// Reader fetches reference files whole and archive chunks by range.
type Reader interface {
	raster.BlobReader
	raster.RangeReader
}

type Opener struct {
	reader     Reader
	log        zerolog.Logger
	chunkCache int
}

type Option func(*Opener)

func WithChunkCache(n int) Option {
	return func(o *Opener) {
		if n > 0 {
			o.chunkCache = n
		}
	}
}

func NewOpener(reader Reader, log zerolog.Logger, opts ...Option) *Opener {
	o := &Opener{
		reader:     reader,
		log:        log.With().Str("component", "kerchunk").Logger(),
		chunkCache: defaultChunkCache,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// refEntry is one value in the refs map: inline bytes, or a pointer
// into a remote archive.
type refEntry struct {
	inline []byte
	url    string
	offset int64
	length int64
}

func (e *refEntry) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if rest, ok := strings.CutPrefix(s, "base64:"); ok {
			dec, err := base64.StdEncoding.DecodeString(rest)
			if err != nil {
				return fmt.Errorf("base64 ref: %w", err)
			}
			e.inline = dec
			return nil
		}
		e.inline = []byte(s)
		return nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if len(arr) == 0 || len(arr) > 3 {
		return fmt.Errorf("ref array has %d elements", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.url); err != nil {
		return err
	}
	e.length = -1
	if len(arr) == 3 {
		if err := json.Unmarshal(arr[1], &e.offset); err != nil {
			return err
		}
		if err := json.Unmarshal(arr[2], &e.length); err != nil {
			return err
		}
	}
	return nil
}

type zarray struct {
	Shape      []int64         `json:"shape"`
	Chunks     []int64         `json:"chunks"`
	Dtype      string          `json:"dtype"`
	Compressor *compressor     `json:"compressor"`
	FillValue  json.RawMessage `json:"fill_value"`
	Order      string          `json:"order"`
	Filters    json.RawMessage `json:"filters"`
}

type compressor struct {
	ID string `json:"id"`
}

type zattrs struct {
	Dimensions []string `json:"_ARRAY_DIMENSIONS"`
}

type dataset struct {
	uri      string
	reader   Reader
	log      zerolog.Logger
	refs     map[string]refEntry
	variable string
	meta     zarray
	dims     []string
	latDim   int
	lonDim   int
	lats     []float64
	lons     []float64
	elemSize int
	order    binary.ByteOrder
	kind     byte // 'f', 'i' or 'u'
	fill     *float64
	chunks   *lru.Cache[string, []byte]
}

func (o *Opener) Open(ctx context.Context, ref model.AssetReference) (raster.Dataset, error) {
	start := time.Now()
	defer func() {
		observability.ObserveAssetOpen(string(model.BackendKerchunk), time.Since(start).Seconds())
	}()

	body, err := o.reader.Get(ctx, ref.URI)
	if err != nil {
		return nil, model.ReadFailure(ref.URI, true, err)
	}
	refs, err := parseRefs(body)
	if err != nil {
		return nil, model.ReadFailure(ref.URI, false, err)
	}
	ds := &dataset{uri: ref.URI, reader: o.reader, log: o.log, refs: refs}
	ds.chunks, err = lru.New[string, []byte](o.chunkCache)
	if err != nil {
		return nil, err
	}
	if err := ds.bind(ctx, ref.Variable); err != nil {
		return nil, model.ReadFailure(ref.URI, false, err)
	}
	if ds.fill == nil {
		ds.fill = ref.NoData
	}
	o.log.Debug().
		Str("uri", ref.URI).
		Str("variable", ds.variable).
		Strs("dims", ds.dims).
		Msg("kerchunk opened")
	return ds, nil
}

// parseRefs accepts both the versioned envelope {"version":1,"refs":{...}}
// and a bare refs map.
func parseRefs(body []byte) (map[string]refEntry, error) {
	var envelope struct {
		Version int                 `json:"version"`
		Refs    map[string]refEntry `json:"refs"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Refs) > 0 {
		return envelope.Refs, nil
	}
	var flat map[string]refEntry
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("reference file is not valid json: %w", err)
	}
	if len(flat) == 0 {
		return nil, fmt.Errorf("reference file has no refs")
	}
	return flat, nil
}

var coordinateNames = map[string]bool{
	"lat": true, "latitude": true, "lon": true, "longitude": true,
	"time": true, "x": true, "y": true, "crs": true, "spatial_ref": true,
}

// bind resolves the data variable, its metadata and its coordinate axes.
func (ds *dataset) bind(ctx context.Context, variable string) error {
	if variable == "" {
		for key := range ds.refs {
			name, ok := strings.CutSuffix(key, "/.zarray")
			if !ok || coordinateNames[name] {
				continue
			}
			if variable != "" && variable != name {
				return fmt.Errorf("ambiguous data variable: %q and %q", variable, name)
			}
			variable = name
		}
		if variable == "" {
			return fmt.Errorf("no data variable in reference file")
		}
	}
	ds.variable = variable

	if err := ds.readJSON(variable+"/.zarray", &ds.meta); err != nil {
		return fmt.Errorf("variable %q: %w", variable, err)
	}
	if err := checkGrid(ds.meta); err != nil {
		return fmt.Errorf("variable %q: %w", variable, err)
	}
	if ds.meta.Order != "" && ds.meta.Order != "C" {
		return fmt.Errorf("variable %q uses %s order, only C supported", variable, ds.meta.Order)
	}
	if len(ds.meta.Filters) > 0 && string(ds.meta.Filters) != "null" {
		return fmt.Errorf("variable %q uses zarr filters, unsupported", variable)
	}
	if err := ds.parseDtype(ds.meta.Dtype); err != nil {
		return fmt.Errorf("variable %q: %w", variable, err)
	}
	ds.fill = parseFill(ds.meta.FillValue)

	var attrs zattrs
	if err := ds.readJSON(variable+"/.zattrs", &attrs); err == nil {
		ds.dims = attrs.Dimensions
	}
	if len(ds.dims) == 0 {
		return fmt.Errorf("variable %q has no _ARRAY_DIMENSIONS", variable)
	}
	if len(ds.dims) != len(ds.meta.Shape) {
		return fmt.Errorf("variable %q: %d dims for %d axes", variable, len(ds.dims), len(ds.meta.Shape))
	}

	ds.latDim, ds.lonDim = -1, -1
	for i, d := range ds.dims {
		switch d {
		case "lat", "latitude", "y":
			ds.latDim = i
		case "lon", "longitude", "x":
			ds.lonDim = i
		}
	}
	if ds.latDim < 0 || ds.lonDim < 0 {
		return fmt.Errorf("variable %q lacks lat/lon axes among %v", variable, ds.dims)
	}

	var err error
	if ds.lats, err = ds.coordinate(ctx, ds.dims[ds.latDim], ds.meta.Shape[ds.latDim]); err != nil {
		return err
	}
	if ds.lons, err = ds.coordinate(ctx, ds.dims[ds.lonDim], ds.meta.Shape[ds.lonDim]); err != nil {
		return err
	}
	return nil
}

func (ds *dataset) readJSON(key string, out any) error {
	e, ok := ds.refs[key]
	if !ok {
		return fmt.Errorf("missing %s", key)
	}
	if e.inline == nil {
		return fmt.Errorf("%s is not inline", key)
	}
	return json.Unmarshal(e.inline, out)
}

func (ds *dataset) parseDtype(dt string) error {
	if len(dt) < 3 {
		return fmt.Errorf("bad dtype %q", dt)
	}
	switch dt[0] {
	case '<', '|':
		ds.order = binary.LittleEndian
	case '>':
		ds.order = binary.BigEndian
	default:
		return fmt.Errorf("bad dtype %q", dt)
	}
	ds.kind = dt[1]
	switch ds.kind {
	case 'f', 'i', 'u':
	default:
		return fmt.Errorf("unsupported dtype kind %q", dt)
	}
	n, err := strconv.Atoi(dt[2:])
	if err != nil || n < 1 || n > 8 {
		return fmt.Errorf("bad dtype %q", dt)
	}
	ds.elemSize = n
	return nil
}

func parseFill(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, perr := strconv.ParseFloat(s, 64); perr == nil {
			return &v
		}
	}
	return nil
}

// checkGrid rejects array metadata the chunk math cannot handle. Chunk
// extents divide the index space, so every extent must be positive.
func checkGrid(meta zarray) error {
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.Chunks) {
		return fmt.Errorf("malformed shape/chunks %v/%v", meta.Shape, meta.Chunks)
	}
	for d := range meta.Shape {
		if meta.Shape[d] < 0 || meta.Chunks[d] <= 0 {
			return fmt.Errorf("invalid axis %d: shape %d, chunk %d", d, meta.Shape[d], meta.Chunks[d])
		}
	}
	return nil
}

// coordinate reads a 1-D axis variable in full.
func (ds *dataset) coordinate(ctx context.Context, name string, length int64) ([]float64, error) {
	var meta zarray
	if err := ds.readJSON(name+"/.zarray", &meta); err != nil {
		return nil, fmt.Errorf("coordinate %q: %w", name, err)
	}
	if len(meta.Shape) != 1 || meta.Shape[0] != length {
		return nil, fmt.Errorf("coordinate %q has shape %v, want [%d]", name, meta.Shape, length)
	}
	if err := checkGrid(meta); err != nil {
		return nil, fmt.Errorf("coordinate %q: %w", name, err)
	}
	axis := &dataset{uri: ds.uri, reader: ds.reader, refs: ds.refs, meta: meta}
	if err := axis.parseDtype(meta.Dtype); err != nil {
		return nil, fmt.Errorf("coordinate %q: %w", name, err)
	}
	axis.chunks = ds.chunks

	out := make([]float64, 0, length)
	chunkLen := meta.Chunks[0]
	for start := int64(0); start < length; start += chunkLen {
		data, err := axis.chunkData(ctx, name, []int64{start / chunkLen})
		if err != nil {
			return nil, fmt.Errorf("coordinate %q: %w", name, err)
		}
		for i := int64(0); i < chunkLen && start+i < length; i++ {
			off := i * int64(axis.elemSize)
			if off+int64(axis.elemSize) > int64(len(data)) {
				return nil, fmt.Errorf("coordinate %q chunk too short", name)
			}
			out = append(out, axis.value(data[off:]))
		}
	}
	return out, nil
}

func (ds *dataset) Close() error {
	ds.chunks.Purge()
	return nil
}

func (ds *dataset) Sample(ctx context.Context, lon, lat float64) (*float64, error) {
	latIdx, ok := nearestIndex(ds.lats, lat)
	if !ok {
		return nil, nil
	}
	lonIdx, ok := nearestIndex(ds.lons, lon)
	if !ok {
		return nil, nil
	}

	// Leading axes (time, level) read at index zero.
	idx := make([]int64, len(ds.meta.Shape))
	idx[ds.latDim] = latIdx
	idx[ds.lonDim] = lonIdx

	chunkCoord := make([]int64, len(idx))
	within := make([]int64, len(idx))
	for d := range idx {
		chunkCoord[d] = idx[d] / ds.meta.Chunks[d]
		within[d] = idx[d] % ds.meta.Chunks[d]
	}
	data, err := ds.chunkData(ctx, ds.variable, chunkCoord)
	if err != nil {
		return nil, err
	}

	var off int64
	for d := range within {
		off = off*ds.meta.Chunks[d] + within[d]
	}
	off *= int64(ds.elemSize)
	if off+int64(ds.elemSize) > int64(len(data)) {
		return nil, model.ReadFailure(ds.uri, false, fmt.Errorf("chunk for %v is %d bytes, need %d", chunkCoord, len(data), off+int64(ds.elemSize)))
	}
	v := ds.value(data[off:])
	if math.IsNaN(v) || (ds.fill != nil && (v == *ds.fill || (math.IsNaN(*ds.fill) && math.IsNaN(v)))) {
		return nil, nil
	}
	return &v, nil
}

// nearestIndex finds the closest grid index to v on a monotonic axis,
// ascending or descending. Points more than one cell beyond either end
// fall outside the grid.
func nearestIndex(axis []float64, v float64) (int64, bool) {
	if len(axis) == 0 {
		return 0, false
	}
	if len(axis) == 1 {
		return 0, true
	}
	best, bestDist := 0, math.Abs(axis[0]-v)
	for i := 1; i < len(axis); i++ {
		if d := math.Abs(axis[i]-v); d < bestDist {
			best, bestDist = i, d
		}
	}
	step := math.Abs(axis[1] - axis[0])
	if step > 0 && bestDist > step {
		return 0, false
	}
	return int64(best), true
}

func (ds *dataset) chunkData(ctx context.Context, variable string, coord []int64) ([]byte, error) {
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = strconv.FormatInt(c, 10)
	}
	key := variable + "/" + strings.Join(parts, ".")
	if b, ok := ds.chunks.Get(key); ok {
		return b, nil
	}

	e, ok := ds.refs[key]
	if !ok {
		return nil, model.ReadFailure(ds.uri, false, fmt.Errorf("missing chunk %s", key))
	}
	var raw []byte
	var err error
	switch {
	case e.inline != nil:
		raw = e.inline
	case e.length >= 0:
		raw, err = ds.reader.ReadRange(ctx, e.url, e.offset, e.length)
	default:
		raw, err = ds.reader.Get(ctx, e.url)
	}
	if err != nil {
		return nil, model.ReadFailure(ds.uri, true, err)
	}

	data, err := ds.decompress(raw)
	if err != nil {
		return nil, model.ReadFailure(ds.uri, false, fmt.Errorf("chunk %s: %w", key, err))
	}
	ds.chunks.Add(key, data)
	return data, nil
}

func (ds *dataset) decompress(raw []byte) ([]byte, error) {
	if ds.meta.Compressor == nil {
		return raw, nil
	}
	switch ds.meta.Compressor.ID {
	case "zlib":
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("unsupported compressor %q", ds.meta.Compressor.ID)
	}
}

func (ds *dataset) value(b []byte) float64 {
	switch ds.kind {
	case 'f':
		switch ds.elemSize {
		case 4:
			return float64(math.Float32frombits(ds.order.Uint32(b)))
		case 8:
			return math.Float64frombits(ds.order.Uint64(b))
		}
	case 'i':
		switch ds.elemSize {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(ds.order.Uint16(b)))
		case 4:
			return float64(int32(ds.order.Uint32(b)))
		case 8:
			return float64(int64(ds.order.Uint64(b)))
		}
	case 'u':
		switch ds.elemSize {
		case 1:
			return float64(b[0])
		case 2:
			return float64(ds.order.Uint16(b))
		case 4:
			return float64(ds.order.Uint32(b))
		case 8:
			return float64(ds.order.Uint64(b))
		}
	}
	return math.NaN()
}
