package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OutputType selects which artifact files a run produces.
type OutputType string

const (
	OutputRaw    OutputType = "raw"
	OutputMinMax OutputType = "min_max"
)

// ExtraArgs carries the optional per-request tuning knobs passed as a
// free-form JSON object. Unknown keys are ignored so newer manifest
// variants keep working against older engines.
type ExtraArgs struct {
	Expression string `json:"expression"`
	OutputName string `json:"output_name"`
	Unit       string `json:"unit"`
	Variable   string `json:"variable"`
	OutputType OutputType `json:"output_type"`
	MaxItems   int    `json:"max_items"`
	CRS        string `json:"crs"`
}

// ParseExtraArgs decodes the extra_args JSON object. Empty input yields
// the zero value.
func ParseExtraArgs(raw string) (ExtraArgs, error) {
	var ea ExtraArgs
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ea, nil
	}
	if err := json.Unmarshal([]byte(raw), &ea); err != nil {
		return ea, fmt.Errorf("%w: extra_args: %v", ErrMalformedInput, err)
	}
	return ea.normalize()
}

// ExtraArgsFromMap converts an already-decoded JSON object, as received
// by the HTTP front door.
func ExtraArgsFromMap(m map[string]any) (ExtraArgs, error) {
	var ea ExtraArgs
	if len(m) == 0 {
		return ea, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ea, fmt.Errorf("%w: extra_args: %v", ErrMalformedInput, err)
	}
	if err := json.Unmarshal(b, &ea); err != nil {
		return ea, fmt.Errorf("%w: extra_args: %v", ErrMalformedInput, err)
	}
	return ea.normalize()
}

func (ea ExtraArgs) normalize() (ExtraArgs, error) {
	ea.OutputType = OutputType(strings.ToLower(strings.TrimSpace(string(ea.OutputType))))
	switch ea.OutputType {
	case "", OutputRaw, OutputMinMax:
	default:
		return ea, fmt.Errorf("%w: output_type %q (want raw|min_max)", ErrMalformedInput, ea.OutputType)
	}
	if ea.MaxItems < 0 {
		return ea, fmt.Errorf("%w: max_items must be non-negative", ErrMalformedInput)
	}
	return ea, nil
}
