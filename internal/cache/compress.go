package cache

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// roundPlaces is the precision kept by RoundNumbers.
const roundPlaces = 2

// RoundNumbers is the default lossy compression: the value is round-tripped
// through JSON with every fractional number rounded to two decimals.
// Integers are left untouched. Values that do not survive the round trip
// return an error and are cached uncompressed.
func RoundNumbers[T any](v T) (T, error) {
	var zero T
	raw, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return zero, err
	}
	out, err := json.Marshal(roundTree(tree))
	if err != nil {
		return zero, err
	}
	var res T
	if err := json.Unmarshal(out, &res); err != nil {
		return zero, err
	}
	return res, nil
}

func roundTree(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = roundTree(val)
		}
		return x
	case []any:
		for i := range x {
			x[i] = roundTree(x[i])
		}
		return x
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			return x
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return x
		}
		p := math.Pow10(roundPlaces)
		return math.Round(f*p) / p
	default:
		return v
	}
}
