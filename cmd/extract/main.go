// Command extract runs one extraction from the command line and writes
// the artifact directory.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/danhartree/stacvals/internal/config"
	"github.com/danhartree/stacvals/internal/engine"
	"github.com/danhartree/stacvals/internal/logger"
	"github.com/danhartree/stacvals/internal/model"
	"github.com/danhartree/stacvals/internal/points"
)

var Version = "dev"

const (
	exitOK          = 0
	exitUsage       = 1
	exitMalformed   = 2
	exitUnreachable = 3
)

func main() {
	os.Exit(run())
}

// flagValues captures the parsed command line before it is turned into
// an engine request.
type flagValues struct {
	assets         string
	stacCatalog    string
	stacCollection string
	startDate      string
	endDate        string
	stacQuery      string
	extraArgs      string
	maxItems       int
	token          string
	outputDir      string

	pointsJSON   string
	stacItems    string
	jsonFile     string
	jsonString   string
	latitudeKey  string
	longitudeKey string
}

func parseFlags() flagValues {
	var fv flagValues
	flag.StringVar(&fv.assets, "assets", "", "points: inline GeoJSON, file path or URL")
	flag.StringVar(&fv.stacCatalog, "stac_catalog", "", "STAC API root URL")
	flag.StringVar(&fv.stacCollection, "stac_collection", "", "collection id, comma list or JSON array")
	flag.StringVar(&fv.startDate, "start_date", "", "search start, YYYY-MM-DD or RFC 3339")
	flag.StringVar(&fv.endDate, "end_date", "", "search end, YYYY-MM-DD or RFC 3339")
	flag.StringVar(&fv.stacQuery, "stac_query", "", "extra item property equality filters, JSON object")
	flag.StringVar(&fv.extraArgs, "extra_args", "", "post-processing options, JSON object")
	flag.IntVar(&fv.maxItems, "max_items", 0, "cap on matched items, 0 for no cap")
	flag.StringVar(&fv.token, "token", "", "bearer token for the catalog")
	flag.StringVar(&fv.outputDir, "output_dir", "", "artifact directory, default from OUTPUT_DIR")

	flag.StringVar(&fv.pointsJSON, "points_json", "", "alias for -assets")
	flag.StringVar(&fv.stacItems, "stac_items", "", "pre-resolved items: JSON array or comma-separated references")
	flag.StringVar(&fv.jsonFile, "json_file", "", "alias for -assets with a file path")
	flag.StringVar(&fv.jsonString, "json_string", "", "alias for -assets with inline JSON")
	flag.StringVar(&fv.latitudeKey, "latitude_key", "", "latitude field name for keyed-record points")
	flag.StringVar(&fv.longitudeKey, "longitude_key", "", "longitude field name for keyed-record points")
	flag.Parse()
	return fv
}

func buildRequest(fv flagValues) (engine.Request, error) {
	req := engine.Request{
		Token:     fv.token,
		OutputDir: fv.outputDir,
		PointsOpt: points.Options{LatKey: fv.latitudeKey, LonKey: fv.longitudeKey},
	}
	switch {
	case fv.assets != "":
		req.PointsSrc = fv.assets
	case fv.pointsJSON != "":
		req.PointsSrc = fv.pointsJSON
	case fv.jsonString != "":
		req.PointsSrc = fv.jsonString
	case fv.jsonFile != "":
		req.PointsSrc = fv.jsonFile
	}

	if fv.extraArgs != "" {
		extra, err := model.ParseExtraArgs(fv.extraArgs)
		if err != nil {
			return req, err
		}
		req.Extra = extra
	}
	if req.Extra.MaxItems == 0 {
		req.Extra.MaxItems = fv.maxItems
	}

	items, err := parseItems(fv.stacItems)
	if err != nil {
		return req, err
	}
	req.Items = items
	if len(req.Items) > 0 {
		return req, nil
	}

	start, err := model.ParseDate(fv.startDate)
	if err != nil {
		return req, fmt.Errorf("start_date: %w", err)
	}
	end, err := model.ParseDate(fv.endDate)
	if err != nil {
		return req, fmt.Errorf("end_date: %w", err)
	}
	var query map[string]any
	if fv.stacQuery != "" {
		if err := json.Unmarshal([]byte(fv.stacQuery), &query); err != nil {
			return req, fmt.Errorf("%w: stac_query: %v", model.ErrMalformedInput, err)
		}
	}
	req.Query = model.Query{
		Catalog:     fv.stacCatalog,
		Collections: model.ParseCollections(fv.stacCollection),
		Start:       start,
		End:         end,
		StacQuery:   query,
		MaxItems:    req.Extra.MaxItems,
	}
	return req, nil
}

func run() int {
	fv := parseFlags()

	cfg := config.FromEnv()
	log := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "extract",
	}, os.Stderr)
	log.Info().Str("version", Version).Msg("starting extraction")

	req, err := buildRequest(fv)
	if err != nil {
		return fail(log, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		return fail(log, err)
	}
	defer eng.Close()

	sum, err := eng.Run(ctx, req)
	if err != nil {
		return fail(log, err)
	}
	if sum.Empty {
		log.Info().Str("output_dir", sum.OutputDir).Msg("no items matched, wrote empty artifact")
	} else {
		log.Info().
			Int("points", sum.Points).
			Int("assets", sum.Assets).
			Str("output_dir", sum.OutputDir).
			Msg("extraction complete")
	}
	return exitOK
}

// parseItems decodes the stac_items flag: a JSON array of item
// documents or a comma-separated list of references.
func parseItems(values ...string) ([]string, error) {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.HasPrefix(v, "[") {
			var raws []json.RawMessage
			if err := json.Unmarshal([]byte(v), &raws); err != nil {
				return nil, fmt.Errorf("%w: item list: %v", model.ErrMalformedInput, err)
			}
			for _, raw := range raws {
				var s string
				if err := json.Unmarshal(raw, &s); err == nil {
					out = append(out, s)
				} else {
					out = append(out, string(raw))
				}
			}
			continue
		}
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out, nil
}

func fail(log zerolog.Logger, err error) int {
	log.Error().Err(err).Msg("extraction failed")
	switch {
	case errors.Is(err, model.ErrMalformedInput), errors.Is(err, model.ErrInvalidExpression):
		return exitMalformed
	case errors.Is(err, model.ErrCatalogUnreachable):
		return exitUnreachable
	}
	return exitUsage
}
