// Package output writes the extraction artifact: a directory holding
// the sampled values as GeoJSON and CSV, the optional min/max summary,
// and a small static catalog describing the artifact. Reruns over the
// same inputs produce byte-identical files.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/postprocess"
)

const (
	ResultFile  = "result.geojson"
	DataFile    = "data.csv"
	MinMaxFile  = "minmax.json"
	CatalogFile = "catalog.json"
	ItemFile    = "extraction-item.json"

	stacVersion = "1.0.0"
	catalogID   = "asset-values"
)

// Artifact is everything the writer needs to lay down one run.
type Artifact struct {
	Points      []model.Point
	Series      []model.SeriesResult
	Aggregates  []model.AggregatedResult
	NamePattern string
	Unit        string
	OutputType  model.OutputType
}

type Writer struct {
	log zerolog.Logger
}

func NewWriter(log zerolog.Logger) *Writer {
	return &Writer{log: log.With().Str("component", "output").Logger()}
}

// Write creates dir and lays down every file for the artifact. An empty
// run still produces the directory and (empty) files.
func (w *Writer) Write(dir string, art Artifact) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	assets := artifactAssets(art.Series)
	names := postprocess.Names(art.NamePattern, assets)

	if err := w.writeGeoJSON(filepath.Join(dir, ResultFile), art, names); err != nil {
		return err
	}
	if err := w.writeCSV(filepath.Join(dir, DataFile), art, names); err != nil {
		return err
	}
	if art.OutputType == model.OutputMinMax {
		if err := w.writeMinMax(filepath.Join(dir, MinMaxFile), art.Aggregates); err != nil {
			return err
		}
	}
	if err := w.writeCatalog(dir, art, assets); err != nil {
		return err
	}
	w.log.Info().
		Str("dir", dir).
		Int("points", len(art.Points)).
		Int("assets", len(assets)).
		Msg("artifact written")
	return nil
}

// artifactAssets recovers the asset order shared by every series.
func artifactAssets(series []model.SeriesResult) []model.AssetReference {
	if len(series) == 0 {
		return nil
	}
	assets := make([]model.AssetReference, len(series[0].Samples))
	for i, sm := range series[0].Samples {
		assets[i] = sm.Asset
	}
	return assets
}

// ReturnedValue is one sampled value attached to a feature.
type ReturnedValue struct {
	Value    *float64 `json:"value"`
	Datetime string   `json:"datetime,omitempty"`
	Unit     string   `json:"unit,omitempty"`
}

func (w *Writer) writeGeoJSON(path string, art Artifact, names []string) error {
	fc := geojson.NewFeatureCollection()
	for i, pt := range art.Points {
		ft := geojson.NewFeature(orb.Point{pt.Lon, pt.Lat})
		ft.ID = pt.ID
		for k, v := range pt.Properties {
			ft.Properties[k] = v
		}
		ft.Properties["id"] = pt.ID

		returned := map[string]ReturnedValue{}
		if i < len(art.Series) {
			for j, sm := range art.Series[i].Samples {
				rv := ReturnedValue{Value: finite(sm.Value), Unit: art.Unit}
				if !sm.Asset.Datetime.IsZero() {
					rv.Datetime = sm.Asset.Datetime.UTC().Format(time.RFC3339)
				}
				returned[names[j]] = rv
			}
		}
		ft.Properties["returned_values"] = returned
		fc.Append(ft)
	}
	body, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", ResultFile, err)
	}
	return writeFile(path, append(body, '\n'))
}

func (w *Writer) writeCSV(path string, art Artifact, names []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", DataFile, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(append([]string{"id"}, names...)); err != nil {
		return err
	}
	for i, pt := range art.Points {
		row := make([]string, 0, len(names)+1)
		row = append(row, pt.ID)
		if i < len(art.Series) {
			for _, sm := range art.Series[i].Samples {
				row = append(row, formatValue(sm.Value))
			}
		}
		for len(row) < len(names)+1 {
			row = append(row, "")
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write %s: %w", DataFile, err)
	}
	return f.Close()
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

// finite maps NaN and ±Inf to nodata. Expressions like x/0 produce
// non-finite floats, which json.Marshal rejects outright.
func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// MinMaxEntry is one point's aggregate in minmax.json.
type MinMaxEntry struct {
	ID    string   `json:"id"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Unit  string   `json:"unit,omitempty"`
	Count int      `json:"count"`
}

type minMaxDocument struct {
	Points []MinMaxEntry `json:"points"`
}

func (w *Writer) writeMinMax(path string, aggs []model.AggregatedResult) error {
	doc := minMaxDocument{Points: make([]MinMaxEntry, 0, len(aggs))}
	for _, a := range aggs {
		doc.Points = append(doc.Points, MinMaxEntry{
			ID: a.PointID, Min: finite(a.Min), Max: finite(a.Max), Unit: a.Unit, Count: a.Count,
		})
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", MinMaxFile, err)
	}
	return writeFile(path, append(body, '\n'))
}

// writeCatalog emits catalog.json plus a STAC item wrapping the data
// files. Timestamps derive from the newest asset, never the wall clock,
// so identical inputs write identical bytes.
func (w *Writer) writeCatalog(dir string, art Artifact, assets []model.AssetReference) error {
	ts := artifactTimestamp(assets)

	item := map[string]any{
		"type":         "Feature",
		"stac_version": stacVersion,
		"id":           "extraction-" + ts.UTC().Format("20060102T150405Z"),
		"geometry":     nil,
		"properties": map[string]any{
			"datetime": ts.UTC().Format(time.RFC3339),
		},
		"links": []map[string]any{
			{"rel": "root", "href": "./" + CatalogFile, "type": "application/json"},
			{"rel": "parent", "href": "./" + CatalogFile, "type": "application/json"},
		},
		"assets": map[string]any{
			"result": map[string]any{"href": "./" + ResultFile, "type": "application/geo+json"},
			"data":   map[string]any{"href": "./" + DataFile, "type": "text/csv"},
		},
	}
	if art.OutputType == model.OutputMinMax {
		item["assets"].(map[string]any)["minmax"] = map[string]any{
			"href": "./" + MinMaxFile, "type": "application/json",
		}
	}
	body, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", ItemFile, err)
	}
	if err := writeFile(filepath.Join(dir, ItemFile), append(body, '\n')); err != nil {
		return err
	}

	catalog := map[string]any{
		"type":         "Catalog",
		"stac_version": stacVersion,
		"id":           catalogID,
		"description":  "Values extracted from catalog assets at the requested points.",
		"links": []map[string]any{
			{"rel": "root", "href": "./" + CatalogFile, "type": "application/json"},
			{"rel": "item", "href": "./" + ItemFile, "type": "application/json"},
		},
	}
	body, err = json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", CatalogFile, err)
	}
	return writeFile(filepath.Join(dir, CatalogFile), append(body, '\n'))
}

func artifactTimestamp(assets []model.AssetReference) time.Time {
	ts := time.Unix(0, 0).UTC()
	for _, a := range assets {
		if a.Datetime.After(ts) {
			ts = a.Datetime
		}
	}
	return ts
}

func writeFile(path string, body []byte) error {
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
