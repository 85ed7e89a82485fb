package postprocess

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/danhartree/stacvals/internal/model"
)

// RenderName expands an output-name pattern for one asset. Placeholders:
// {date}, {time}, {datetime} from the asset datetime, {asset} the source
// file name without extension, {collection} and {variable} from the
// asset metadata. An empty pattern defaults to the asset name.
func RenderName(pattern string, asset model.AssetReference) string {
	if pattern == "" {
		pattern = "{asset}"
	}
	r := strings.NewReplacer(
		"{date}", asset.Datetime.UTC().Format("2006-01-02"),
		"{time}", asset.Datetime.UTC().Format("15-04-05"),
		"{datetime}", asset.Datetime.UTC().Format("2006-01-02T15-04-05"),
		"{asset}", assetName(asset),
		"{collection}", asset.Collection,
		"{variable}", asset.Variable,
	)
	return r.Replace(pattern)
}

// Names renders one output name per asset, suffixing repeats so every
// column or key stays unique.
func Names(pattern string, assets []model.AssetReference) []string {
	out := make([]string, len(assets))
	seen := make(map[string]int, len(assets))
	for i, a := range assets {
		name := RenderName(pattern, a)
		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n)
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}

func assetName(asset model.AssetReference) string {
	name := asset.SourceFile
	if name == "" {
		if u, err := url.Parse(asset.URI); err == nil {
			name = path.Base(u.Path)
		} else {
			name = path.Base(asset.URI)
		}
	}
	return strings.TrimSuffix(name, path.Ext(name))
}
