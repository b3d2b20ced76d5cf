package wave

import (
	"testing"

	"github.com/stretchr/testify/assert"

	migration "github.com/goliatone/go-migration"
	"github.com/goliatone/go-migration/saga"
)

func gateResult(success, failure, unresolved int) *Result {
	res := &Result{
		Selected:     success + failure,
		SuccessCount: success,
		FailureCount: failure,
		Unresolved:   unresolved,
		outputs:      map[string]map[string]any{},
	}
	for i := 0; i < success; i++ {
		id := string(rune('a' + i))
		res.Sagas = append(res.Sagas, saga.Summary{SagaID: id, Status: migration.SagaCompleted})
		res.outputs[id] = map[string]any{"target_ref": "T", "data_quality_score": 0.9}
	}
	for i := 0; i < failure; i++ {
		res.Sagas = append(res.Sagas, saga.Summary{Status: migration.SagaCompensated})
	}
	return res
}

func TestEvaluateGates(t *testing.T) {
	cases := []struct {
		name   string
		gate   Gate
		result *Result
		passed bool
	}{
		{"failure rate within", Gate{Type: GateMaxFailureRate, Threshold: 0.3}, gateResult(7, 3, 0), true},
		{"failure rate exceeded", Gate{Type: GateMaxFailureRate, Threshold: 0.2}, gateResult(7, 3, 0), false},
		{"success rate met", Gate{Type: GateMinSuccessRate, Threshold: 0.7}, gateResult(7, 3, 0), true},
		{"success rate missed", Gate{Type: GateMinSuccessRate, Threshold: 0.8}, gateResult(7, 3, 0), false},
		{"max failures", Gate{Type: GateMaxFailures, Threshold: 2}, gateResult(7, 3, 0), false},
		{"unresolved", Gate{Type: GateMaxUnresolvedCompensations, Threshold: 0}, gateResult(7, 3, 1), false},
		{"completeness", Gate{Type: GateCompleteness, RequiredFields: []string{"target_ref"}}, gateResult(3, 0, 0), true},
		{"completeness missing field", Gate{Type: GateCompleteness, RequiredFields: []string{"owner"}}, gateResult(3, 0, 0), false},
		{"data quality default", Gate{Type: GateDataQuality}, gateResult(3, 0, 0), true},
		{"data quality strict", Gate{Type: GateDataQuality, Threshold: 0.95}, gateResult(3, 0, 0), false},
		{"empty wave", Gate{Type: GateMinSuccessRate, Threshold: 1}, gateResult(0, 0, 0), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := evaluateGates([]Gate{tc.gate}, tc.result)
			assert.Len(t, out, 1)
			assert.Equal(t, tc.passed, out[0].Passed)
			assert.Equal(t, tc.passed, gatesPassed(out))
			if !tc.passed {
				assert.NotEmpty(t, out[0].Message)
			}
		})
	}
}

func TestValidateGates(t *testing.T) {
	assert.NoError(t, validateGates([]Gate{
		{Type: GateMaxFailureRate, Threshold: 0.1},
		{Type: GateCompleteness, RequiredFields: []string{"id"}},
		{Type: GateDataQuality},
	}))
	assert.Error(t, validateGates([]Gate{{Type: GateMinSuccessRate, Threshold: 1.5}}))
	assert.Error(t, validateGates([]Gate{{Type: GateMaxFailures, Threshold: -1}}))
	assert.Error(t, validateGates([]Gate{{Type: GateCompleteness}}))
	assert.Error(t, validateGates([]Gate{{Type: "bogus"}}))
}

func TestWaveOutputsFeedCompletenessGate(t *testing.T) {
	env := newWaveEnv(t)
	env.register(t, 3, nil)

	waveID, err := env.orch.CreateWave(t.Context(), Definition{
		SagaType: "policy",
		QualityGates: []Gate{
			{Type: GateCompleteness, RequiredFields: []string{"target_ref", "cutover_at"}},
			{Type: GateDataQuality, Threshold: 0.85},
		},
	})
	assert.NoError(t, err)

	res, err := env.orch.ExecuteWave(t.Context(), waveID, 3)
	assert.NoError(t, err)
	assert.Equal(t, migration.WaveCompleted, res.Status)
	assert.True(t, gatesPassed(res.Gates))
}
