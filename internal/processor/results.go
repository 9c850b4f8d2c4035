package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	version "github.com/hashicorp/go-version"
)

// Observation is one decoded measurement. Numbers are kept as decimal text
// so fixed-point conversion downstream is exact.
type Observation struct {
	PointID        string
	Date           time.Time // zero when the payload carries no date
	DisplacementMm json.Number
	Coherence      *json.Number
	VelocityMmYear *json.Number
	Metadata       map[string]any
}

// Results is the decoded output of a completed job.
type Results struct {
	// SchemaVersion is the payload version the decoder selected
	SchemaVersion string

	Observations []Observation

	// Skipped counts entries the service flagged invalid or left empty
	Skipped int

	// Statistics is the service's free-form summary block
	Statistics map[string]any

	// Extra keeps output fields no decoder understands
	Extra map[string]any
}

// DefaultSchemaVersion applies when the output omits schema_version.
const DefaultSchemaVersion = "1.0"

type decoder struct {
	constraint version.Constraints
	decode     func(out map[string]json.RawMessage, res *Results) error
}

var decoders = []decoder{
	{mustConstraint(">= 1.0, < 2.0"), decodeV1},
	{mustConstraint(">= 2.0, < 3.0"), decodeV2},
}

// SupportedSchemas lists the schema_version ranges DecodeResults accepts.
func SupportedSchemas() []string {
	out := make([]string, len(decoders))
	for i, d := range decoders {
		out[i] = d.constraint.String()
	}
	return out
}

func mustConstraint(s string) version.Constraints {
	c, err := version.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// outputKnown lists top-level output keys consumed by the decoders.
var outputKnown = map[string]bool{
	"job_id": true, "status": true, "error": true, "error_trace": true,
	"schema_version": true, "results": true,
}

// DecodeResults selects a decoder by output.schema_version and decodes raw.
func DecodeResults(raw json.RawMessage) (*Results, error) {
	const op = "results"
	if len(raw) == 0 || string(raw) == "null" {
		return nil, malformed(op, "missing output")
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, malformed(op, "output: %v", err)
	}

	schema := DefaultSchemaVersion
	if v, ok := out["schema_version"]; ok {
		if err := json.Unmarshal(v, &schema); err != nil {
			return nil, malformed(op, "schema_version: %v", err)
		}
	}
	ver, err := version.NewVersion(schema)
	if err != nil {
		return nil, malformed(op, "schema_version %q: %v", schema, err)
	}

	var status string
	if v, ok := out["status"]; ok {
		_ = json.Unmarshal(v, &status)
	}
	if status == "error" {
		return nil, &TerminalError{Op: op, Message: "service reported an error"}
	}

	res := &Results{SchemaVersion: ver.String(), Extra: map[string]any{}}
	for k, v := range out {
		if outputKnown[k] {
			continue
		}
		var x any
		if err := json.Unmarshal(v, &x); err == nil {
			res.Extra[k] = x
		}
	}

	for _, d := range decoders {
		if d.constraint.Check(ver) {
			if err := d.decode(out, res); err != nil {
				return nil, err
			}
			return res, nil
		}
	}
	return nil, &TerminalError{Op: op, Message: fmt.Sprintf("unsupported schema version %s", ver)}
}

// v1: one interferometric pair, one value per point.
type v1Results struct {
	SecondaryDate string         `json:"secondary_date"`
	Statistics    map[string]any `json:"statistics"`
	Points        []struct {
		PointID        string       `json:"point_id"`
		DisplacementMm *json.Number `json:"displacement_mm"`
		Coherence      *json.Number `json:"coherence"`
		VelocityMmYear *json.Number `json:"velocity_mm_year"`
		Valid          *bool        `json:"valid"`
		Error          string       `json:"error"`
	} `json:"displacement_points"`
}

func decodeV1(out map[string]json.RawMessage, res *Results) error {
	var r v1Results
	if err := unmarshalResults(out, &r); err != nil {
		return err
	}
	res.Statistics = r.Statistics

	var date time.Time
	if r.SecondaryDate != "" {
		d, err := parseDate(r.SecondaryDate)
		if err != nil {
			return malformed("results", "secondary_date: %v", err)
		}
		date = d
	}

	for _, p := range r.Points {
		if p.DisplacementMm == nil || (p.Valid != nil && !*p.Valid) {
			res.Skipped++
			continue
		}
		if p.PointID == "" {
			return malformed("results", "displacement point without point_id")
		}
		res.Observations = append(res.Observations, Observation{
			PointID:        p.PointID,
			Date:           date,
			DisplacementMm: *p.DisplacementMm,
			Coherence:      p.Coherence,
			VelocityMmYear: p.VelocityMmYear,
		})
	}
	return nil
}

// v2: a time series per point.
type v2Results struct {
	Statistics map[string]any `json:"statistics"`
	TimeSeries []struct {
		PointID      string `json:"point_id"`
		Measurements []struct {
			Date           string         `json:"date"`
			DisplacementMm *json.Number   `json:"displacement_mm"`
			Coherence      *json.Number   `json:"coherence"`
			VelocityMmYear *json.Number   `json:"velocity_mm_year"`
			Metadata       map[string]any `json:"metadata"`
		} `json:"measurements"`
	} `json:"time_series"`
}

func decodeV2(out map[string]json.RawMessage, res *Results) error {
	var r v2Results
	if err := unmarshalResults(out, &r); err != nil {
		return err
	}
	res.Statistics = r.Statistics

	for _, ts := range r.TimeSeries {
		if ts.PointID == "" {
			return malformed("results", "time series without point_id")
		}
		for _, m := range ts.Measurements {
			if m.DisplacementMm == nil {
				res.Skipped++
				continue
			}
			date, err := parseDate(m.Date)
			if err != nil {
				return malformed("results", "point %s date: %v", ts.PointID, err)
			}
			res.Observations = append(res.Observations, Observation{
				PointID:        ts.PointID,
				Date:           date,
				DisplacementMm: *m.DisplacementMm,
				Coherence:      m.Coherence,
				VelocityMmYear: m.VelocityMmYear,
				Metadata:       m.Metadata,
			})
		}
	}
	return nil
}

func unmarshalResults(out map[string]json.RawMessage, v any) error {
	raw, ok := out["results"]
	if !ok || string(raw) == "null" {
		return malformed("results", "missing results block")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return malformed("results", "%v", err)
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, time.RFC3339, "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
