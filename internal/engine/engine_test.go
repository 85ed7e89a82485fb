package engine

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/config"
	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/output"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		SampleWorkers:    2,
		ReadRetries:      1,
		ReadRetryBackoff: time.Millisecond,
		SearchPageLimit:  100,
		SearchRetries:    0,
		SearchBackoff:    time.Millisecond,
		SearchCacheSize:  8,
		SearchCacheTTL:   time.Minute,
		OutputDir:        filepath.Join(t.TempDir(), "asset_output"),
	}
}

func newEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg, zerolog.New(zerolog.NewTestWriter(t)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func f64chunk(vs ...float64) string {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return "base64:" + base64.StdEncoding.EncodeToString(b)
}

func f32chunk(vs ...float32) string {
	b := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return "base64:" + base64.StdEncoding.EncodeToString(b)
}

// newRasterServer serves a kerchunk reference file describing a 2x2
// temperature grid in kelvin: lats 50,49 north to south, lons 10,11.
func newRasterServer(t *testing.T, values [4]float32) *httptest.Server {
	t.Helper()
	zarray := func(shape, chunks []int64, dtype string) string {
		b, err := json.Marshal(map[string]any{
			"shape": shape, "chunks": chunks, "dtype": dtype,
			"compressor": nil, "fill_value": nil, "order": "C",
			"filters": nil, "zarr_format": 2,
		})
		if err != nil {
			t.Fatalf("marshal zarray: %v", err)
		}
		return string(b)
	}
	refs := map[string]any{
		"tas/.zarray": zarray([]int64{2, 2}, []int64{2, 2}, "<f4"),
		"tas/.zattrs": `{"_ARRAY_DIMENSIONS":["lat","lon"]}`,
		"tas/0.0":     f32chunk(values[0], values[1], values[2], values[3]),
		"lat/.zarray": zarray([]int64{2}, []int64{2}, "<f8"),
		"lat/0":       f64chunk(50, 49),
		"lon/.zarray": zarray([]int64{2}, []int64{2}, "<f8"),
		"lon/0":       f64chunk(10, 11),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{"version": 1, "refs": refs})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func stacItem(id, collection, datetime, href string) map[string]any {
	return map[string]any{
		"id":         id,
		"collection": collection,
		"properties": map[string]any{"datetime": datetime},
		"assets": map[string]any{
			"references": map[string]any{
				"href":  href,
				"type":  "application/json",
				"roles": []string{"references"},
			},
		},
	}
}

func newCatalog(t *testing.T, items ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		resp := map[string]any{"type": "FeatureCollection", "features": items, "links": []any{}}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const pointsGeoJSON = `{
	"type": "FeatureCollection",
	"features": [
		{"type":"Feature","id":"p1","geometry":{"type":"Point","coordinates":[10,50]},"properties":{}},
		{"type":"Feature","id":"p2","geometry":{"type":"Point","coordinates":[11,49]},"properties":{}}
	]
}`

func TestRunEndToEnd(t *testing.T) {
	raster := newRasterServer(t, [4]float32{300, 301, 302, 303})
	catalog := newCatalog(t, stacItem("it1", "cmip6", "2024-06-15T00:00:00Z", raster.URL+"/refs.json"))
	e := newEngine(t, testConfig(t))

	dir := filepath.Join(t.TempDir(), "out")
	sum, err := e.Run(context.Background(), Request{
		Query: model.Query{
			Catalog:     catalog.URL,
			Collections: []string{"cmip6"},
			Start:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		},
		PointsSrc: pointsGeoJSON,
		Extra: model.ExtraArgs{
			Expression: "x - 273",
			Unit:       "°C",
			Variable:   "tas",
			OutputName: "{variable}_{date}",
		},
		OutputDir: dir,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Points != 2 || sum.Assets != 1 || sum.Empty {
		t.Fatalf("summary = %+v", sum)
	}

	f, err := os.Open(filepath.Join(dir, output.DataFile))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if rows[0][1] != "tas_2024-06-15" {
		t.Fatalf("csv header = %v", rows[0])
	}
	// p1 sits at the grid's northwest corner: 300K minus the offset.
	if rows[1][0] != "p1" || rows[1][1] != "27" {
		t.Fatalf("p1 row = %v", rows[1])
	}
	if rows[2][0] != "p2" || rows[2][1] != "30" {
		t.Fatalf("p2 row = %v", rows[2])
	}
}

func TestRunEmptyCatalogResultIsSuccess(t *testing.T) {
	catalog := newCatalog(t)
	e := newEngine(t, testConfig(t))

	dir := filepath.Join(t.TempDir(), "out")
	sum, err := e.Run(context.Background(), Request{
		Query: model.Query{
			Catalog:     catalog.URL,
			Collections: []string{"cmip6"},
			Start:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		},
		PointsSrc: pointsGeoJSON,
		OutputDir: dir,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sum.Empty || sum.Assets != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, name := range []string{output.ResultFile, output.DataFile, output.CatalogFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
	}
}

func TestRunPreResolvedItems(t *testing.T) {
	raster := newRasterServer(t, [4]float32{280, 281, 282, 283})
	item, err := json.Marshal(stacItem("it1", "cmip6", "2024-06-15T00:00:00Z", raster.URL+"/refs.json"))
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	e := newEngine(t, testConfig(t))

	dir := filepath.Join(t.TempDir(), "out")
	sum, err := e.Run(context.Background(), Request{
		Items:     []string{string(item)},
		PointsSrc: pointsGeoJSON,
		Extra:     model.ExtraArgs{Variable: "tas", OutputType: model.OutputMinMax},
		OutputDir: dir,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if sum.Assets != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	body, err := os.ReadFile(filepath.Join(dir, output.MinMaxFile))
	if err != nil {
		t.Fatalf("read minmax: %v", err)
	}
	var doc struct {
		Points []output.MinMaxEntry `json:"points"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("parse minmax: %v", err)
	}
	if len(doc.Points) != 2 || doc.Points[0].Count != 1 || *doc.Points[0].Min != 280 {
		t.Fatalf("minmax = %+v", doc.Points)
	}
}

func TestRunSearchCacheServesSecondRun(t *testing.T) {
	raster := newRasterServer(t, [4]float32{300, 301, 302, 303})
	var searches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		searches.Add(1)
		resp := map[string]any{
			"type":     "FeatureCollection",
			"features": []any{stacItem("it1", "cmip6", "2024-06-15T00:00:00Z", raster.URL+"/refs.json")},
			"links":    []any{},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	e := newEngine(t, testConfig(t))

	req := Request{
		Query: model.Query{
			Catalog:     srv.URL,
			Collections: []string{"cmip6"},
			Start:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		},
		PointsSrc: pointsGeoJSON,
		Extra:     model.ExtraArgs{Variable: "tas"},
		OutputDir: filepath.Join(t.TempDir(), "out"),
	}
	for i := 0; i < 2; i++ {
		if _, err := e.Run(context.Background(), req); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if got := searches.Load(); got != 1 {
		t.Fatalf("catalog searched %d times, want 1", got)
	}
}

func TestRunSearchCacheIsPerVariable(t *testing.T) {
	zarray := func(shape, chunks []int64, dtype string) string {
		b, err := json.Marshal(map[string]any{
			"shape": shape, "chunks": chunks, "dtype": dtype,
			"compressor": nil, "fill_value": nil, "order": "C",
			"filters": nil, "zarr_format": 2,
		})
		if err != nil {
			t.Fatalf("marshal zarray: %v", err)
		}
		return string(b)
	}
	refs := map[string]any{
		"tas/.zarray": zarray([]int64{2, 2}, []int64{2, 2}, "<f4"),
		"tas/.zattrs": `{"_ARRAY_DIMENSIONS":["lat","lon"]}`,
		"tas/0.0":     f32chunk(300, 301, 302, 303),
		"pr/.zarray":  zarray([]int64{2, 2}, []int64{2, 2}, "<f4"),
		"pr/.zattrs":  `{"_ARRAY_DIMENSIONS":["lat","lon"]}`,
		"pr/0.0":      f32chunk(5, 5, 5, 5),
		"lat/.zarray": zarray([]int64{2}, []int64{2}, "<f8"),
		"lat/0":       f64chunk(50, 49),
		"lon/.zarray": zarray([]int64{2}, []int64{2}, "<f8"),
		"lon/0":       f64chunk(10, 11),
	}
	raster := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := json.Marshal(map[string]any{"version": 1, "refs": refs})
		w.Write(body)
	}))
	defer raster.Close()
	catalog := newCatalog(t, stacItem("it1", "cmip6", "2024-06-15T00:00:00Z", raster.URL+"/refs.json"))
	e := newEngine(t, testConfig(t))

	firstCol := func(dir string) string {
		t.Helper()
		f, err := os.Open(filepath.Join(dir, output.DataFile))
		if err != nil {
			t.Fatalf("open csv: %v", err)
		}
		defer f.Close()
		rows, err := csv.NewReader(f).ReadAll()
		if err != nil {
			t.Fatalf("parse csv: %v", err)
		}
		return rows[1][1]
	}

	req := Request{
		Query: model.Query{
			Catalog:     catalog.URL,
			Collections: []string{"cmip6"},
			Start:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		},
		PointsSrc: pointsGeoJSON,
	}

	req.Extra = model.ExtraArgs{Variable: "tas"}
	req.OutputDir = filepath.Join(t.TempDir(), "tas")
	if _, err := e.Run(context.Background(), req); err != nil {
		t.Fatalf("tas run: %v", err)
	}
	if got := firstCol(req.OutputDir); got != "300" {
		t.Fatalf("tas value = %q, want 300", got)
	}

	// same query, different variable: the cached tas references must
	// not be replayed
	req.Extra = model.ExtraArgs{Variable: "pr"}
	req.OutputDir = filepath.Join(t.TempDir(), "pr")
	if _, err := e.Run(context.Background(), req); err != nil {
		t.Fatalf("pr run: %v", err)
	}
	if got := firstCol(req.OutputDir); got != "5" {
		t.Fatalf("pr value = %q, want 5", got)
	}
}

func TestRunMalformedPointsInput(t *testing.T) {
	e := newEngine(t, testConfig(t))
	_, err := e.Run(context.Background(), Request{PointsSrc: ""})
	if !errors.Is(err, model.ErrMalformedInput) {
		t.Fatalf("err = %v, want ErrMalformedInput", err)
	}
}

func TestRunInvalidExpression(t *testing.T) {
	raster := newRasterServer(t, [4]float32{1, 2, 3, 4})
	item, err := json.Marshal(stacItem("it1", "cmip6", "2024-06-15T00:00:00Z", raster.URL+"/refs.json"))
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	e := newEngine(t, testConfig(t))
	_, err = e.Run(context.Background(), Request{
		Items:     []string{string(item)},
		PointsSrc: pointsGeoJSON,
		Extra:     model.ExtraArgs{Expression: "x +", Variable: "tas"},
		OutputDir: filepath.Join(t.TempDir(), "out"),
	})
	if !errors.Is(err, model.ErrInvalidExpression) {
		t.Fatalf("err = %v, want ErrInvalidExpression", err)
	}
}
