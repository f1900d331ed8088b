// Package estimator maps plan features to a deterministic cost estimate.
// Estimation is pure: no I/O, no clock, no randomness. Under-estimation
// is a security risk, so absent features default to conservative
// worst-case values and malformed features fail closed with
// InvalidFeatureError.
package estimator

import (
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/provenact/provenact/pkg/contracts"
)

// Estimator is the pluggable contract: alternate strategies (a learned
// model, a per-kind table) sit behind the same interface.
type Estimator interface {
	Estimate(features contracts.PlanFeatures) (contracts.CostEstimate, error)
}

// Weights are the linear model coefficients.
type Weights struct {
	Node   float64 `yaml:"node"`
	Edge   float64 `yaml:"edge"`
	Radius float64 `yaml:"radius"`
}

// Conservative defaults applied when a feature is absent or zero.
// Worst case on purpose: an over-estimate costs UX, an under-estimate
// costs safety.
const (
	DefaultNodeEst = 1_000_000
	DefaultEdgeEst = 10_000_000
	DefaultRadius  = 10
)

// LinearEstimator implements the weighted-sum cost model with a no-index
// penalty and a floor.
type LinearEstimator struct {
	Weights        Weights
	NoIndexPenalty float64
	FloorMs        float64
}

// NewLinearEstimator returns the default model.
func NewLinearEstimator() *LinearEstimator {
	return &LinearEstimator{
		Weights:        Weights{Node: 0.3, Edge: 0.025, Radius: 1.5},
		NoIndexPenalty: 1.8,
		FloorMs:        5,
	}
}

// Estimate computes base = w1*node + w2*edge + w3*radius, applies the
// no-index penalty, and clamps to the floor. Zero features are
// indistinguishable from omitted ones after JSON decoding, so both are
// treated as unknown and assume the worst-case defaults; an action
// submitted without features can never slip under a cost ceiling.
func (e *LinearEstimator) Estimate(f contracts.PlanFeatures) (contracts.CostEstimate, error) {
	if err := validateNumeric(f); err != nil {
		return contracts.CostEstimate{}, err
	}
	f = withDefaults(f)

	ms := e.Weights.Node*f.NodeEst + e.Weights.Edge*f.EdgeEst + e.Weights.Radius*f.Radius
	reason := contracts.EstimateReasonOK
	if !f.HasIndex {
		ms *= e.NoIndexPenalty
		reason = contracts.EstimateReasonNoIndex
	}
	if ms < e.FloorMs {
		ms = e.FloorMs
	}

	return contracts.CostEstimate{Ms: ms, Reason: reason}, nil
}

// withDefaults substitutes the conservative constants for unknown
// features. HasIndex needs no substitution: false already routes
// through the penalty path.
func withDefaults(f contracts.PlanFeatures) contracts.PlanFeatures {
	if f.NodeEst == 0 {
		f.NodeEst = DefaultNodeEst
	}
	if f.EdgeEst == 0 {
		f.EdgeEst = DefaultEdgeEst
	}
	if f.Radius == 0 {
		f.Radius = DefaultRadius
	}
	return f
}

func validateNumeric(f contracts.PlanFeatures) error {
	checks := []struct {
		name string
		v    float64
	}{
		{"node_est", f.NodeEst},
		{"edge_est", f.EdgeEst},
		{"radius", f.Radius},
	}
	for _, c := range checks {
		if c.v < 0 {
			return &contracts.InvalidFeatureError{Field: c.name, Detail: "must be non-negative"}
		}
		if math.IsNaN(c.v) || math.IsInf(c.v, 0) {
			return &contracts.InvalidFeatureError{Field: c.name, Detail: "must be finite"}
		}
	}
	return nil
}

// featureSchema constrains the raw feature document before the numeric
// model sees it. Unknown top-level keys are rejected so typos cannot
// silently weaken an estimate.
const featureSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "node_est":  {"type": "number", "minimum": 0},
    "edge_est":  {"type": "number", "minimum": 0},
    "radius":    {"type": "number", "minimum": 0},
    "has_index": {"type": "boolean"},
    "custom":    {"type": "object"}
  },
  "additionalProperties": false
}`

var compiledFeatureSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://provenact.schemas.local/plan_features.schema.json"
	if err := c.AddResource(url, strings.NewReader(featureSchema)); err != nil {
		panic(fmt.Sprintf("estimator: schema load failed: %v", err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("estimator: schema compile failed: %v", err))
	}
	return s
}

// ParseFeatures validates a raw feature document and normalizes it into
// PlanFeatures, filling absent fields with conservative defaults.
// has_index defaults to false, which routes through the penalty path.
func ParseFeatures(raw map[string]any) (contracts.PlanFeatures, error) {
	if err := compiledFeatureSchema.Validate(raw); err != nil {
		return contracts.PlanFeatures{}, &contracts.InvalidFeatureError{
			Field:  "features",
			Detail: err.Error(),
		}
	}

	f := contracts.PlanFeatures{
		NodeEst: DefaultNodeEst,
		EdgeEst: DefaultEdgeEst,
		Radius:  DefaultRadius,
	}
	if v, ok := rawNumber(raw, "node_est"); ok {
		f.NodeEst = v
	}
	if v, ok := rawNumber(raw, "edge_est"); ok {
		f.EdgeEst = v
	}
	if v, ok := rawNumber(raw, "radius"); ok {
		f.Radius = v
	}
	if v, ok := raw["has_index"].(bool); ok {
		f.HasIndex = v
	}
	if v, ok := raw["custom"].(map[string]any); ok {
		f.Custom = v
	}
	return f, nil
}

func rawNumber(raw map[string]any, key string) (float64, bool) {
	switch v := raw[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
