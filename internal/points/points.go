// Package points loads sample locations from GeoJSON feature
// collections or keyed JSON record arrays.
package points

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	h3 "github.com/uber/h3-go/v4"

	"github.com/danhartree/stacvals/internal/fetch"
	"github.com/danhartree/stacvals/internal/model"
)

// Resolution used when deriving ids for features that carry none. Res 12
// cells are ~300m across, small enough to tell request points apart.
const idCellResolution = 12

type Options struct {
	LatKey string
	LonKey string
}

func (o Options) withDefaults() Options {
	if o.LatKey == "" {
		o.LatKey = "latitude"
	}
	if o.LonKey == "" {
		o.LonKey = "longitude"
	}
	return o
}

// Load resolves src, which may be inline JSON or a file/http(s)/s3
// reference, and parses the points inside.
func Load(ctx context.Context, f *fetch.Fetcher, src string, opt Options) ([]model.Point, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty points input", model.ErrMalformedInput)
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return Parse([]byte(trimmed), opt)
	}
	data, err := f.Get(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: points source %s: %v", model.ErrMalformedInput, trimmed, err)
	}
	return Parse(data, opt)
}

// Parse decodes either a GeoJSON FeatureCollection or a JSON array of
// records with configurable latitude/longitude keys.
func Parse(data []byte, opt Options) ([]model.Point, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty points document", model.ErrMalformedInput)
	}
	if trimmed[0] == '[' {
		return FromRecords(trimmed, opt)
	}
	return FromGeoJSON(trimmed)
}

// FromGeoJSON parses a FeatureCollection of Point features.
func FromGeoJSON(data []byte) ([]model.Point, error) {
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse geojson: %v", model.ErrMalformedInput, err)
	}

	pts := make([]model.Point, 0, len(fc.Features))
	for i, ft := range fc.Features {
		if ft == nil || ft.Geometry == nil {
			return nil, fmt.Errorf("%w: feature %d has no geometry", model.ErrMalformedInput, i)
		}
		geom, ok := ft.Geometry.(orb.Point)
		if !ok {
			return nil, fmt.Errorf("%w: feature %d geometry is %s (want Point)",
				model.ErrMalformedInput, i, ft.Geometry.GeoJSONType())
		}
		lon, lat := geom.Lon(), geom.Lat()
		if err := checkCoords(i, lon, lat); err != nil {
			return nil, err
		}

		props := map[string]any{}
		for k, v := range ft.Properties {
			props[k] = v
		}
		id := featureID(ft.ID, props)
		if id == "" {
			id = syntheticID(lat, lon, i)
		}
		pts = append(pts, model.Point{ID: id, Lon: lon, Lat: lat, Properties: props})
	}
	return dedupeIDs(pts), nil
}

// FromRecords parses a JSON array of flat objects carrying coordinates
// under the configured keys. All other keys become properties.
func FromRecords(data []byte, opt Options) ([]model.Point, error) {
	opt = opt.withDefaults()

	var records []map[string]any
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: parse points array: %v", model.ErrMalformedInput, err)
	}

	pts := make([]model.Point, 0, len(records))
	for i, rec := range records {
		lat, ok := asFloat(rec[opt.LatKey])
		if !ok {
			return nil, fmt.Errorf("%w: record %d: key %q missing or non-numeric",
				model.ErrMalformedInput, i, opt.LatKey)
		}
		lon, ok := asFloat(rec[opt.LonKey])
		if !ok {
			return nil, fmt.Errorf("%w: record %d: key %q missing or non-numeric",
				model.ErrMalformedInput, i, opt.LonKey)
		}
		if err := checkCoords(i, lon, lat); err != nil {
			return nil, err
		}

		props := map[string]any{}
		for k, v := range rec {
			if k == opt.LatKey || k == opt.LonKey {
				continue
			}
			props[k] = v
		}
		id := featureID(nil, props)
		if id == "" {
			id = syntheticID(lat, lon, i)
		}
		pts = append(pts, model.Point{ID: id, Lon: lon, Lat: lat, Properties: props})
	}
	return dedupeIDs(pts), nil
}

func checkCoords(i int, lon, lat float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: feature %d latitude %v out of range -90..90",
			model.ErrMalformedInput, i, lat)
	}
	if lon < -180 || lon > 180 {
		return fmt.Errorf("%w: feature %d longitude %v out of range -180..180",
			model.ErrMalformedInput, i, lon)
	}
	return nil
}

func featureID(explicit any, props map[string]any) string {
	if s := idString(explicit); s != "" {
		return s
	}
	return idString(props["id"])
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	case int:
		return fmt.Sprintf("%d", t)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// syntheticID derives a stable id from the point's H3 cell so reruns of
// the same input name the same points.
func syntheticID(lat, lon float64, ordinal int) string {
	cell, err := h3.LatLngToCell(h3.LatLng{Lat: lat, Lng: lon}, idCellResolution)
	if err != nil {
		return fmt.Sprintf("pt-%d", ordinal)
	}
	return fmt.Sprintf("%s-%d", cell.String(), ordinal)
}

// ids must be unique within a request; later duplicates get a suffix.
func dedupeIDs(pts []model.Point) []model.Point {
	seen := map[string]int{}
	for i := range pts {
		id := pts[i].ID
		if n, dup := seen[id]; dup {
			seen[id] = n + 1
			pts[i].ID = fmt.Sprintf("%s-%d", id, n+1)
			continue
		}
		seen[id] = 0
	}
	return pts
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
