package sampler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/raster"
)

type fakeDataset struct {
	offset float64
	closed *atomic.Int32
}

func (d *fakeDataset) Sample(_ context.Context, lon, lat float64) (*float64, error) {
	if lon < 0 {
		return nil, fmt.Errorf("bad read at %v", lon)
	}
	if lat == 0 {
		return nil, nil
	}
	v := lon + lat + d.offset
	return &v, nil
}

func (d *fakeDataset) Close() error {
	if d.closed != nil {
		d.closed.Add(1)
	}
	return nil
}

type fakeOpener struct {
	offsets   map[string]float64
	failing   map[string]error
	transient map[string]*atomic.Int32 // failures left per URI
	opens     atomic.Int32
	closed    atomic.Int32
}

func (o *fakeOpener) Open(_ context.Context, ref model.AssetReference) (raster.Dataset, error) {
	o.opens.Add(1)
	if err, ok := o.failing[ref.URI]; ok {
		return nil, err
	}
	if left, ok := o.transient[ref.URI]; ok && left.Load() > 0 {
		left.Add(-1)
		return nil, model.ReadFailure(ref.URI, true, errors.New("connection reset"))
	}
	return &fakeDataset{offset: o.offsets[ref.URI], closed: &o.closed}, nil
}

func testLog(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}

func asset(uri string, at time.Time) model.AssetReference {
	return model.AssetReference{URI: uri, BackendKind: model.BackendCOG, Datetime: at, Variable: "tas"}
}

func TestRunOrdersSamplesByDatetime(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assets := []model.AssetReference{
		asset("b", base.Add(48*time.Hour)),
		asset("a", base),
		asset("c", base.Add(24*time.Hour)),
	}
	op := &fakeOpener{offsets: map[string]float64{"a": 100, "b": 200, "c": 300}}
	s := New(raster.Openers{model.BackendCOG: op}, testLog(t))

	points := []model.Point{{ID: "p1", Lon: 1, Lat: 2}, {ID: "p2", Lon: 3, Lat: 4}}
	series, err := s.Run(context.Background(), points, assets)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("got %d series, want 2", len(series))
	}
	gotURIs := make([]string, 0, 3)
	for _, sm := range series[0].Samples {
		gotURIs = append(gotURIs, sm.Asset.URI)
	}
	if want := []string{"a", "c", "b"}; !reflect.DeepEqual(gotURIs, want) {
		t.Fatalf("sample order = %v, want %v", gotURIs, want)
	}
	if v := series[1].Samples[2].Value; v == nil || *v != 3+4+200 {
		t.Fatalf("p2 newest value = %v, want 207", v)
	}
	if got := op.closed.Load(); got != 3 {
		t.Fatalf("%d datasets closed, want 3", got)
	}
}

func TestRunWorkerCountDoesNotChangeResults(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var assets []model.AssetReference
	offsets := map[string]float64{}
	for i := 0; i < 9; i++ {
		uri := fmt.Sprintf("asset-%d", i)
		assets = append(assets, asset(uri, base.Add(time.Duration(i)*time.Hour)))
		offsets[uri] = float64(i * 10)
	}
	points := []model.Point{{ID: "p1", Lon: 5, Lat: 5}, {ID: "p2", Lon: 6, Lat: 7}}

	run := func(workers int) []model.SeriesResult {
		op := &fakeOpener{offsets: offsets}
		s := New(raster.Openers{model.BackendCOG: op}, testLog(t), WithWorkers(workers))
		out, err := s.Run(context.Background(), points, assets)
		if err != nil {
			t.Fatalf("run with %d workers: %v", workers, err)
		}
		return out
	}
	if serial, parallel := run(1), run(4); !reflect.DeepEqual(serial, parallel) {
		t.Fatalf("results differ between 1 and 4 workers")
	}
}

func TestRunFailedAssetDegradesToNodata(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	assets := []model.AssetReference{asset("good", base), asset("bad", base.Add(time.Hour))}
	op := &fakeOpener{
		offsets: map[string]float64{"good": 0},
		failing: map[string]error{"bad": model.ReadFailure("bad", false, errors.New("not a tiff"))},
	}
	s := New(raster.Openers{model.BackendCOG: op}, testLog(t))

	series, err := s.Run(context.Background(), []model.Point{{ID: "p1", Lon: 1, Lat: 1}}, assets)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v := series[0].Samples[0].Value; v == nil || *v != 2 {
		t.Fatalf("good asset value = %v, want 2", v)
	}
	if v := series[0].Samples[1].Value; v != nil {
		t.Fatalf("failed asset value = %v, want nil", *v)
	}
}

func TestRunRetriesTransientOpen(t *testing.T) {
	var left atomic.Int32
	left.Store(1)
	op := &fakeOpener{
		offsets:   map[string]float64{"flaky": 0},
		transient: map[string]*atomic.Int32{"flaky": &left},
	}
	s := New(raster.Openers{model.BackendCOG: op}, testLog(t), WithRetries(2, time.Millisecond))

	series, err := s.Run(context.Background(), []model.Point{{ID: "p1", Lon: 1, Lat: 1}},
		[]model.AssetReference{asset("flaky", time.Now())})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v := series[0].Samples[0].Value; v == nil || *v != 2 {
		t.Fatalf("value after retry = %v, want 2", v)
	}
	if got := op.opens.Load(); got != 2 {
		t.Fatalf("%d opens, want 2", got)
	}
}

func TestRunPermanentOpenFailureDoesNotRetry(t *testing.T) {
	op := &fakeOpener{
		failing: map[string]error{"bad": model.ReadFailure("bad", false, errors.New("garbage header"))},
	}
	s := New(raster.Openers{model.BackendCOG: op}, testLog(t), WithRetries(3, time.Millisecond))

	if _, err := s.Run(context.Background(), []model.Point{{ID: "p1", Lon: 1, Lat: 1}},
		[]model.AssetReference{asset("bad", time.Now())}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := op.opens.Load(); got != 1 {
		t.Fatalf("%d opens, want 1", got)
	}
}

func TestRunUnknownBackendDegradesToNodata(t *testing.T) {
	s := New(raster.Openers{}, testLog(t))
	series, err := s.Run(context.Background(), []model.Point{{ID: "p1", Lon: 1, Lat: 1}},
		[]model.AssetReference{{URI: "x", BackendKind: "netcdf"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v := series[0].Samples[0].Value; v != nil {
		t.Fatalf("value = %v, want nil", *v)
	}
}

func TestRunEmptyInputs(t *testing.T) {
	s := New(raster.Openers{}, testLog(t))
	series, err := s.Run(context.Background(), []model.Point{{ID: "p1"}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(series) != 1 || len(series[0].Samples) != 0 {
		t.Fatalf("series = %+v, want one empty series", series)
	}
}
