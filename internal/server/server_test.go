package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/config"
	"github.com/danhartree/stacvals/internal/engine"
	"github.com/danhartree/stacvals/internal/jobs"
	"github.com/danhartree/stacvals/internal/output"
)

func testConfig(t *testing.T) config.Config {
	return config.Config{
		SampleWorkers:    2,
		ReadRetries:      1,
		ReadRetryBackoff: time.Millisecond,
		SearchPageLimit:  100,
		SearchBackoff:    time.Millisecond,
		SearchCacheSize:  8,
		SearchCacheTTL:   time.Minute,
		OutputDir:        filepath.Join(t.TempDir(), "asset_output"),
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []jobs.Event
}

func (p *recordingPublisher) Publish(ev jobs.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) statuses() []jobs.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]jobs.Status, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Status
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *recordingPublisher) {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))
	eng, err := engine.New(context.Background(), testConfig(t), log)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	pub := &recordingPublisher{}
	return New(eng, jobs.NewStore(nil), pub, log), pub
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

// newRasterServer serves a kerchunk reference file for a 2x2 grid,
// lats 50,49 and lons 10,11.
func newRasterServer(t *testing.T) *httptest.Server {
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
		"tas/0.0":     f32chunk(300, 301, 302, 303),
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

func itemJSON(t *testing.T, href string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"id":         "it1",
		"collection": "cmip6",
		"properties": map[string]any{"datetime": "2024-06-15T00:00:00Z"},
		"assets": map[string]any{
			"references": map[string]any{
				"href":  href,
				"type":  "application/json",
				"roles": []string{"references"},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal item: %v", err)
	}
	return b
}

const pointsGeoJSON = `{
	"type": "FeatureCollection",
	"features": [
		{"type":"Feature","id":"p1","geometry":{"type":"Point","coordinates":[10,50]},"properties":{}},
		{"type":"Feature","id":"p2","geometry":{"type":"Point","coordinates":[11,49]},"properties":{}}
	]
}`

func postJSON(t *testing.T, h http.Handler, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}
}

func TestExtractSync(t *testing.T) {
	raster := newRasterServer(t)
	s, _ := newTestServer(t)
	dir := filepath.Join(t.TempDir(), "out")

	rec := postJSON(t, s.Router(), "/extract", map[string]any{
		"stac_items": []json.RawMessage{itemJSON(t, raster.URL+"/refs.json")},
		"points":     json.RawMessage(pointsGeoJSON),
		"extra_args": map[string]any{"variable": "tas"},
		"output_dir": dir,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("extract status = %d, body %s", rec.Code, rec.Body)
	}
	var sum engine.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Points != 2 || sum.Assets != 1 || sum.Empty {
		t.Fatalf("summary = %+v", sum)
	}
	data, err := os.ReadFile(filepath.Join(dir, output.ResultFile))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !strings.Contains(string(data), `"p1"`) {
		t.Fatalf("result missing point: %s", data)
	}
}

func TestExtractAssetsFieldCarriesPoints(t *testing.T) {
	raster := newRasterServer(t)
	s, _ := newTestServer(t)
	dir := filepath.Join(t.TempDir(), "out")

	rec := postJSON(t, s.Router(), "/extract", map[string]any{
		"stac_items": []json.RawMessage{itemJSON(t, raster.URL+"/refs.json")},
		"assets":     json.RawMessage(pointsGeoJSON),
		"extra_args": map[string]any{"variable": "tas"},
		"output_dir": dir,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("extract status = %d, body %s", rec.Code, rec.Body)
	}
	var sum engine.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.Points != 2 {
		t.Fatalf("points = %d, want 2", sum.Points)
	}
}

func TestExtractBadBody(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/extract", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestExtractBadDate(t *testing.T) {
	s, _ := newTestServer(t)
	rec := postJSON(t, s.Router(), "/extract", map[string]any{
		"stac_catalog":    "http://invalid.example/stac",
		"stac_collection": "cmip6",
		"start_date":      "June 2024",
		"end_date":        "2024-06-30",
		"points":          json.RawMessage(pointsGeoJSON),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestJobLifecycle(t *testing.T) {
	raster := newRasterServer(t)
	s, pub := newTestServer(t)
	router := s.Router()
	dir := filepath.Join(t.TempDir(), "out")

	rec := postJSON(t, router, "/jobs", map[string]any{
		"stac_items": []json.RawMessage{itemJSON(t, raster.URL+"/refs.json")},
		"points":     json.RawMessage(pointsGeoJSON),
		"extra_args": map[string]any{"variable": "tas"},
		"output_dir": dir,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created jobs.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if created.Status != jobs.StatusPending {
		t.Fatalf("created status = %q", created.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	var job jobs.Job
	for {
		get := httptest.NewRecorder()
		router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/jobs/"+created.ID, nil))
		if get.Code != http.StatusOK {
			t.Fatalf("get status = %d", get.Code)
		}
		if err := json.Unmarshal(get.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status == jobs.StatusSucceeded || job.Status == jobs.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", job.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if job.Status != jobs.StatusSucceeded {
		t.Fatalf("job status = %q, error %q", job.Status, job.Error)
	}
	if job.Summary == nil || job.Summary.Points != 2 {
		t.Fatalf("job summary = %+v", job.Summary)
	}

	got := pub.statuses()
	want := []jobs.Status{jobs.StatusPending, jobs.StatusRunning, jobs.StatusSucceeded}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestGetUnknownJob(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
