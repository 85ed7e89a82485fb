package model

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
		err  bool
	}{
		{in: "2024-06-15", want: time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)},
		{in: "2024-06-15T12:30:00Z", want: time.Date(2024, 6, 15, 12, 30, 0, 0, time.UTC)},
		{in: " 2024-06-15 ", want: time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)},
		{in: "", err: true},
		{in: "June 2024", err: true},
		{in: "15/06/2024", err: true},
	}
	for _, tc := range cases {
		got, err := ParseDate(tc.in)
		if tc.err {
			if !errors.Is(err, ErrMalformedInput) {
				t.Fatalf("ParseDate(%q): err = %v, want ErrMalformedInput", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseDate(%q): %v", tc.in, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("ParseDate(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseCollections(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{in: "cmip6", want: []string{"cmip6"}},
		{in: "a, b ,c", want: []string{"a", "b", "c"}},
		{in: `["a","b"]`, want: []string{"a", "b"}},
		{in: "", want: nil},
		{in: " , ", want: []string{}},
	}
	for _, tc := range cases {
		got := ParseCollections(tc.in)
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseCollections(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestQueryValidate(t *testing.T) {
	base := Query{
		Catalog:     "https://stac.example/api",
		Collections: []string{"cmip6"},
		Start:       time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid query rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Query)
	}{
		{"no catalog", func(q *Query) { q.Catalog = "" }},
		{"no collections", func(q *Query) { q.Collections = nil }},
		{"zero start", func(q *Query) { q.Start = time.Time{} }},
		{"inverted range", func(q *Query) { q.Start, q.End = q.End, q.Start }},
		{"negative cap", func(q *Query) { q.MaxItems = -1 }},
	}
	for _, tc := range cases {
		q := base
		tc.mutate(&q)
		if err := q.Validate(); !errors.Is(err, ErrMalformedInput) {
			t.Fatalf("%s: err = %v, want ErrMalformedInput", tc.name, err)
		}
	}
}

func TestQueryTimeRange(t *testing.T) {
	q := Query{
		Start: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC),
	}
	want := "2024-06-01T00:00:00Z/2024-06-30T12:00:00Z"
	if got := q.TimeRange(); got != want {
		t.Fatalf("TimeRange = %q, want %q", got, want)
	}
}

func TestParseExtraArgs(t *testing.T) {
	ea, err := ParseExtraArgs(`{"expression":"x*2","output_type":"MIN_MAX","unknown":true}`)
	if err != nil {
		t.Fatalf("ParseExtraArgs: %v", err)
	}
	if ea.Expression != "x*2" || ea.OutputType != OutputMinMax {
		t.Fatalf("parsed = %+v", ea)
	}

	if _, err := ParseExtraArgs("{broken"); !errors.Is(err, ErrMalformedInput) {
		t.Fatalf("broken json: err = %v, want ErrMalformedInput", err)
	}

	ea, err = ParseExtraArgs("")
	if err != nil || ea != (ExtraArgs{}) {
		t.Fatalf("empty input: %+v, %v", ea, err)
	}
}
