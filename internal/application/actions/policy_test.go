package actions

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/instrument-hub/instrument-hub/internal/domain/action"
)

func TestPolicyDefaultsToHighCap(t *testing.T) {
	p := NewPolicy("", nil, zerolog.Nop())
	assert.Equal(t, action.RiskHigh, p.MaxRisk)
	assert.Nil(t, p.CheckBundle(action.RiskHigh))
}

func TestPolicyCapsBundleRisk(t *testing.T) {
	p := NewPolicy(action.RiskLow, nil, zerolog.Nop())
	assert.Nil(t, p.CheckBundle(action.RiskLow))

	f := p.CheckBundle(action.RiskMedium)
	require.NotNil(t, f)
	assert.Equal(t, action.CodeRiskExceedsPolicy, f.Code)
}

func TestPolicyDenyExpressions(t *testing.T) {
	p := NewPolicy(action.RiskHigh, []string{
		`type == 'transport_stop'`,
		`target == 'engine.masterVolume' && value > 0.9`,
	}, zerolog.Nop())

	f := p.CheckAction(action.Action{Type: action.TypeTransportStop, Target: "transport"})
	require.NotNil(t, f)
	assert.Equal(t, action.CodeRiskExceedsPolicy, f.Code)

	f = p.CheckAction(action.Action{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.95})
	require.NotNil(t, f)

	assert.Nil(t, p.CheckAction(action.Action{Type: action.TypeSetParameter, Target: "engine.masterVolume", Value: 0.5}))
	assert.Nil(t, p.CheckAction(action.Action{Type: action.TypeTransportStart, Target: "transport"}))
}

func TestPolicySkipsMalformedExpressions(t *testing.T) {
	p := NewPolicy(action.RiskHigh, []string{`((`, `type == 'set_tempo'`}, zerolog.Nop())
	require.Len(t, p.deny, 1)

	f := p.CheckAction(action.Action{Type: action.TypeSetTempo, Target: "session", Value: 90.0})
	require.NotNil(t, f)
}

func TestPolicyEvaluationErrorIsNoMatch(t *testing.T) {
	// value is nil for string-less, number-less actions; comparison errors
	// must not deny
	p := NewPolicy(action.RiskHigh, []string{`value > 10`}, zerolog.Nop())
	assert.Nil(t, p.CheckAction(action.Action{Type: action.TypeTransportStart, Target: "transport"}))
}
