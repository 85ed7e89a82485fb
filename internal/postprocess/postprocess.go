// Package postprocess turns raw sampled series into reportable values:
// expression rewriting, unit annotation and min/max aggregation.
package postprocess

import (
	"github.com/danhartree/stacvals/internal/expr"
	"github.com/danhartree/stacvals/internal/model"
)

// Apply rewrites every non-nodata sample through the configured
// expression. Nodata samples pass through untouched. The expression is
// compiled once; a bad expression fails the whole request before any
// value is changed.
func Apply(series []model.SeriesResult, args model.ExtraArgs) ([]model.SeriesResult, error) {
	if args.Expression == "" {
		return series, nil
	}
	ex, err := expr.Parse(args.Expression)
	if err != nil {
		return nil, err
	}
	out := make([]model.SeriesResult, len(series))
	for i, sr := range series {
		samples := make([]model.SampleResult, len(sr.Samples))
		copy(samples, sr.Samples)
		for j := range samples {
			if samples[j].Value == nil {
				continue
			}
			v := ex.Eval(*samples[j].Value)
			samples[j].Value = &v
		}
		out[i] = model.SeriesResult{PointID: sr.PointID, Samples: samples}
	}
	return out, nil
}

// Aggregate reduces each series to min/max over its non-nodata values.
// A series with no readable values keeps nil bounds and count zero.
func Aggregate(series []model.SeriesResult, unit string) []model.AggregatedResult {
	out := make([]model.AggregatedResult, len(series))
	for i, sr := range series {
		agg := model.AggregatedResult{PointID: sr.PointID, Unit: unit}
		for _, sm := range sr.Samples {
			if sm.Value == nil {
				continue
			}
			v := *sm.Value
			if agg.Count == 0 {
				lo, hi := v, v
				agg.Min, agg.Max = &lo, &hi
			} else {
				if v < *agg.Min {
					*agg.Min = v
				}
				if v > *agg.Max {
					*agg.Max = v
				}
			}
			agg.Count++
		}
		out[i] = agg
	}
	return out
}
