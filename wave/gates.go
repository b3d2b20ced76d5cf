package wave

import (
	"fmt"
	"strconv"
	"strings"

	migration "github.com/goliatone/go-migration"
)

// GateType names a quality gate rule.
type GateType string

const (
	GateMaxFailureRate             GateType = "max_failure_rate"
	GateMinSuccessRate             GateType = "min_success_rate"
	GateMaxFailures                GateType = "max_failures"
	GateMaxUnresolvedCompensations GateType = "max_unresolved_compensations"
	GateCompleteness               GateType = "completeness"
	GateDataQuality                GateType = "data_quality"
)

const (
	defaultDataQualityField      = "data_quality_score"
	defaultDataQualityThreshold  = 0.8
	defaultCompletenessThreshold = 1.0
)

// Gate is one quality gate. Threshold meaning depends on Type.
type Gate struct {
	Type           GateType `json:"type" yaml:"type" toml:"type"`
	Threshold      float64  `json:"threshold" yaml:"threshold" toml:"threshold"`
	RequiredFields []string `json:"required_fields,omitempty" yaml:"required_fields" toml:"required_fields"`
	ScoreField     string   `json:"score_field,omitempty" yaml:"score_field" toml:"score_field"`
}

// GateResult is the evaluation of one gate.
type GateResult struct {
	Type      GateType `json:"type"`
	Passed    bool     `json:"passed"`
	Observed  float64  `json:"observed"`
	Threshold float64  `json:"threshold"`
	Message   string   `json:"message,omitempty"`
}

func validateGates(gates []Gate) error {
	for i, g := range gates {
		switch g.Type {
		case GateMaxFailureRate, GateMinSuccessRate:
			if g.Threshold < 0 || g.Threshold > 1 {
				return gateError(i, g, "rate threshold must be within [0,1]")
			}
		case GateMaxFailures, GateMaxUnresolvedCompensations:
			if g.Threshold < 0 {
				return gateError(i, g, "threshold must not be negative")
			}
		case GateCompleteness:
			if len(g.RequiredFields) == 0 {
				return gateError(i, g, "completeness gate requires required_fields")
			}
			if g.Threshold < 0 || g.Threshold > 1 {
				return gateError(i, g, "rate threshold must be within [0,1]")
			}
		case GateDataQuality:
			if g.Threshold < 0 {
				return gateError(i, g, "threshold must not be negative")
			}
		default:
			return gateError(i, g, "unknown gate type")
		}
	}
	return nil
}

func gateError(i int, g Gate, msg string) error {
	return migration.NewError(migration.ErrInvalidDefinition, msg, nil, map[string]any{
		"gate_index": i,
		"gate_type":  string(g.Type),
	})
}

// evaluateGates checks every gate against a finished result. An empty wave
// passes every gate.
func evaluateGates(gates []Gate, res *Result) []GateResult {
	out := make([]GateResult, 0, len(gates))
	total := float64(res.Selected)
	for _, g := range gates {
		gr := GateResult{Type: g.Type, Threshold: g.Threshold}
		switch g.Type {
		case GateMaxFailureRate:
			if total > 0 {
				gr.Observed = float64(res.FailureCount) / total
			}
			gr.Passed = gr.Observed <= g.Threshold
		case GateMinSuccessRate:
			gr.Observed = 1
			if total > 0 {
				gr.Observed = float64(res.SuccessCount) / total
			}
			gr.Passed = gr.Observed >= g.Threshold
		case GateMaxFailures:
			gr.Observed = float64(res.FailureCount)
			gr.Passed = gr.Observed <= g.Threshold
		case GateMaxUnresolvedCompensations:
			gr.Observed = float64(res.Unresolved)
			gr.Passed = gr.Observed <= g.Threshold
		case GateCompleteness:
			if gr.Threshold == 0 {
				gr.Threshold = defaultCompletenessThreshold
			}
			gr.Observed = completeness(res, g.RequiredFields)
			gr.Passed = gr.Observed >= gr.Threshold
		case GateDataQuality:
			if gr.Threshold == 0 {
				gr.Threshold = defaultDataQualityThreshold
			}
			field := g.ScoreField
			if field == "" {
				field = defaultDataQualityField
			}
			gr.Observed = meanScore(res, field)
			gr.Passed = gr.Observed >= gr.Threshold
		}
		if !gr.Passed {
			gr.Message = fmt.Sprintf("%s observed %.4g against threshold %.4g", g.Type, gr.Observed, gr.Threshold)
		}
		out = append(out, gr)
	}
	return out
}

func gatesPassed(results []GateResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Err returns ErrGateFailed listing the failing gates when the wave ended in
// gated-failure, and nil otherwise.
func (r *Result) Err() error {
	if r == nil || r.Status != migration.WaveGatedFailure {
		return nil
	}
	var failed []string
	var messages []string
	for _, g := range r.Gates {
		if !g.Passed {
			failed = append(failed, string(g.Type))
			messages = append(messages, g.Message)
		}
	}
	return migration.NewError(migration.ErrGateFailed, "quality gates failed: "+strings.Join(messages, "; "), nil, map[string]any{
		"wave_id": r.WaveID,
		"gates":   failed,
	})
}

// completeness is the fraction of completed sagas whose output carries every
// required field.
func completeness(res *Result, fields []string) float64 {
	completed, complete := 0, 0
	for _, s := range res.Sagas {
		if s.Status != migration.SagaCompleted {
			continue
		}
		completed++
		out := res.outputs[s.SagaID]
		ok := true
		for _, f := range fields {
			if v, found := out[f]; !found || v == nil || v == "" {
				ok = false
				break
			}
		}
		if ok {
			complete++
		}
	}
	if completed == 0 {
		return 1
	}
	return float64(complete) / float64(completed)
}

// meanScore averages a numeric output field over completed sagas. A missing
// or non-numeric score counts as zero.
func meanScore(res *Result, field string) float64 {
	completed := 0
	sum := 0.0
	for _, s := range res.Sagas {
		if s.Status != migration.SagaCompleted {
			continue
		}
		completed++
		sum += toFloat(res.outputs[s.SagaID][field])
	}
	if completed == 0 {
		return 1
	}
	return sum / float64(completed)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case uint64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err == nil {
			return f
		}
	}
	return 0
}
