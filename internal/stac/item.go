// Package stac resolves raster asset references from STAC catalogs,
// either from explicit item references or through paginated searches.
package stac

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danhartree/stacvals/internal/model"
)

// Item is the slice of a STAC item the resolver needs.
type Item struct {
	ID         string           `json:"id"`
	Collection string           `json:"collection"`
	Properties itemProperties   `json:"properties"`
	Assets     map[string]Asset `json:"assets"`
	Links      []Link           `json:"links"`
}

type itemProperties struct {
	Datetime string `json:"datetime"`
	// Some collections publish only a range.
	StartDatetime string `json:"start_datetime"`
}

type Asset struct {
	Href  string       `json:"href"`
	Type  string       `json:"type"`
	Roles []string     `json:"roles"`
	Title string       `json:"title"`
	Bands []rasterBand `json:"raster:bands"`
}

type rasterBand struct {
	Nodata *float64 `json:"nodata"`
	Unit   string   `json:"unit"`
}

type Link struct {
	Rel    string          `json:"rel"`
	Href   string          `json:"href"`
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body"`
}

// AssetReference picks the raster asset out of an item. COG assets win;
// a JSON asset flagged as a reference index selects the kerchunk
// backend, mirroring how the source catalogs publish virtual datasets.
func AssetReference(it Item, variable string) (model.AssetReference, error) {
	dt, err := itemDatetime(it)
	if err != nil {
		return model.AssetReference{}, err
	}

	if a, ok := pickCOG(it.Assets); ok {
		return assetRef(it, a, model.BackendCOG, dt, variable), nil
	}
	if a, ok := pickKerchunk(it.Assets); ok {
		return assetRef(it, a, model.BackendKerchunk, dt, variable), nil
	}
	return model.AssetReference{}, fmt.Errorf("item %s: no sampleable asset", it.ID)
}

func assetRef(it Item, a Asset, kind model.BackendKind, dt time.Time, variable string) model.AssetReference {
	ref := model.AssetReference{
		URI:         a.Href,
		BackendKind: kind,
		Datetime:    dt,
		Collection:  it.Collection,
		Variable:    variable,
		SourceFile:  sourceFileName(a.Href),
	}
	if len(a.Bands) > 0 {
		ref.NoData = a.Bands[0].Nodata
		ref.Unit = a.Bands[0].Unit
	}
	return ref
}

func pickCOG(assets map[string]Asset) (Asset, bool) {
	for _, key := range sortedKeys(assets) {
		a := assets[key]
		if strings.Contains(a.Type, "image/tiff") && a.Href != "" {
			return a, true
		}
	}
	return Asset{}, false
}

func pickKerchunk(assets map[string]Asset) (Asset, bool) {
	for _, key := range sortedKeys(assets) {
		a := assets[key]
		if a.Href == "" {
			continue
		}
		if hasRole(a.Roles, "references") || hasRole(a.Roles, "index") ||
			strings.Contains(a.Type, "kerchunk") ||
			(strings.Contains(a.Type, "application/json") && strings.HasSuffix(a.Href, ".json")) {
			return a, true
		}
	}
	return Asset{}, false
}

func hasRole(roles []string, want string) bool {
	for _, r := range roles {
		if strings.EqualFold(r, want) {
			return true
		}
	}
	return false
}

// map iteration order is random; asset choice must not be.
func sortedKeys(assets map[string]Asset) []string {
	keys := make([]string, 0, len(assets))
	for k := range assets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func itemDatetime(it Item) (time.Time, error) {
	raw := it.Properties.Datetime
	if raw == "" || raw == "null" {
		raw = it.Properties.StartDatetime
	}
	if raw == "" {
		return time.Time{}, fmt.Errorf("item %s: missing datetime", it.ID)
	}
	dt, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("item %s: datetime %q: %w", it.ID, raw, err)
	}
	return dt.UTC(), nil
}

func sourceFileName(href string) string {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(href)
}

// QueryToFilter converts {"prop": value} pairs into a CQL2 JSON filter
// combining equality checks with a single and.
func QueryToFilter(query map[string]any) map[string]any {
	if len(query) == 0 {
		return nil
	}
	args := make([]any, 0, len(query))
	for _, k := range sortedQueryKeys(query) {
		args = append(args, map[string]any{
			"op":   "=",
			"args": []any{map[string]any{"property": "properties." + k}, query[k]},
		})
	}
	if len(args) == 1 {
		return args[0].(map[string]any)
	}
	return map[string]any{"op": "and", "args": args}
}

func sortedQueryKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
