package recognition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"carspot-service/internal/domain/car"
)

// flexString accepts JSON strings, numbers and null; classifiers are loose
// about year and rarity types.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("unsupported value %s", b)
	}
	*f = flexString(n.String())
	return nil
}

var knownFields = map[string]bool{
	"make": true, "model": true, "year": true, "rarity": true, "link": true,
	"error": true, "prediction": true, "response_text": true,
}

// parsePrediction decodes either {"prediction": {...}} or the flat shape.
func parsePrediction(raw []byte) (car.RecognitionResult, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return car.RecognitionResult{}, fmt.Errorf("malformed response: %w", err)
	}

	if msg, ok := top["error"]; ok {
		var e flexString
		_ = json.Unmarshal(msg, &e)
		if e != "" {
			return car.RecognitionResult{}, fmt.Errorf("classifier error: %s", e)
		}
	}

	fields := top
	if nested, ok := top["prediction"]; ok {
		fields = nil
		if err := json.Unmarshal(nested, &fields); err != nil || fields == nil {
			return car.RecognitionResult{}, fmt.Errorf("malformed prediction object")
		}
	}

	_, hasMake := fields["make"]
	_, hasModel := fields["model"]
	if !hasMake && !hasModel {
		return car.RecognitionResult{}, fmt.Errorf("malformed response: no vehicle attributes")
	}

	get := func(name string) string {
		var v flexString
		if r, ok := fields[name]; ok {
			_ = json.Unmarshal(r, &v)
		}
		return string(v)
	}

	res := car.RecognitionResult{
		VehicleInfo: car.VehicleInfo{
			Make:  get("make"),
			Model: get("model"),
			Year:  get("year"),
			Link:  get("link"),
		},
		Rarity: get("rarity"),
	}

	for name, value := range fields {
		if knownFields[name] {
			continue
		}
		var v flexString
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		if res.Metadata == nil {
			res.Metadata = make(map[string]string)
		}
		res.Metadata[name] = string(v)
	}
	return res, nil
}
