package replay

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/provenact/provenact/pkg/contracts"
)

// compareOutputs diffs two JSON output documents field by field.
// Numeric leaves may drift within tolerance; everything else, including
// document shape, must match exactly. Non-JSON outputs fall back to a
// whole-document byte comparison.
func compareOutputs(env string, expected, actual []byte, tol contracts.Tolerance) ([]contracts.Deviation, error) {
	var expDoc, actDoc any
	expErr := json.Unmarshal(expected, &expDoc)
	actErr := json.Unmarshal(actual, &actDoc)
	if expErr != nil || actErr != nil {
		if string(expected) == string(actual) {
			return nil, nil
		}
		return nil, fmt.Errorf("non-JSON outputs differ and cannot be compared field-wise")
	}

	var devs []contracts.Deviation
	walkDiff(env, "", expDoc, actDoc, tol, &devs)
	return devs, nil
}

func walkDiff(env, path string, expected, actual any, tol contracts.Tolerance, devs *[]contracts.Deviation) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			*devs = append(*devs, shapeDeviation(env, path))
			return
		}
		keys := make([]string, 0, len(exp))
		for k := range exp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkDiff(env, joinPath(path, k), exp[k], act[k], tol, devs)
		}
		for k := range act {
			if _, ok := exp[k]; !ok {
				*devs = append(*devs, shapeDeviation(env, joinPath(path, k)))
			}
		}
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			*devs = append(*devs, shapeDeviation(env, path))
			return
		}
		for i := range exp {
			walkDiff(env, fmt.Sprintf("%s[%d]", path, i), exp[i], act[i], tol, devs)
		}
	case float64:
		act, ok := actual.(float64)
		if !ok {
			*devs = append(*devs, shapeDeviation(env, path))
			return
		}
		if !withinTolerance(exp, act, tol) {
			*devs = append(*devs, contracts.Deviation{
				Environment: env,
				Field:       path,
				Expected:    exp,
				Actual:      act,
				Magnitude:   relativeDrift(exp, act),
			})
		}
	default:
		if expected != actual {
			*devs = append(*devs, shapeDeviation(env, path))
		}
	}
}

// withinTolerance accepts drift inside either bound.
func withinTolerance(expected, actual float64, tol contracts.Tolerance) bool {
	diff := math.Abs(actual - expected)
	if diff == 0 {
		return true
	}
	if tol.Absolute > 0 && diff <= tol.Absolute {
		return true
	}
	if tol.Relative > 0 && relativeDrift(expected, actual) <= tol.Relative {
		return true
	}
	return false
}

func relativeDrift(expected, actual float64) float64 {
	diff := math.Abs(actual - expected)
	if expected == 0 {
		return diff
	}
	return diff / math.Abs(expected)
}

func shapeDeviation(env, path string) contracts.Deviation {
	return contracts.Deviation{
		Environment: env,
		Field:       path,
		Magnitude:   math.Inf(1),
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
