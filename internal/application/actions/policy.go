package actions

import (
	"fmt"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/instrument-hub/instrument-hub/internal/domain/action"
)

// Policy caps aggregate bundle risk and can deny individual actions via
// expressions evaluated against {type, target, value, risk}.
type Policy struct {
	MaxRisk action.Risk
	deny    []*govaluate.EvaluableExpression
	logger  zerolog.Logger
}

// NewPolicy compiles deny expressions; malformed ones are skipped with a
// warning rather than blocking startup.
func NewPolicy(maxRisk action.Risk, deny []string, logger zerolog.Logger) Policy {
	p := Policy{
		MaxRisk: maxRisk,
		logger:  logger.With().Str("service", "policy").Logger(),
	}
	if p.MaxRisk == "" {
		p.MaxRisk = action.RiskHigh
	}
	for _, expr := range deny {
		compiled, err := govaluate.NewEvaluableExpression(expr)
		if err != nil {
			p.logger.Warn().Err(err).Str("expr", expr).Msg("skipping malformed deny expression")
			continue
		}
		p.deny = append(p.deny, compiled)
	}
	return p
}

// CheckBundle fails a bundle whose aggregate risk exceeds the cap.
func (p Policy) CheckBundle(risk action.Risk) *action.Failure {
	if risk.Rank() > p.MaxRisk.Rank() {
		return &action.Failure{
			Code:    action.CodeRiskExceedsPolicy,
			Message: fmt.Sprintf("bundle risk %s exceeds policy cap %s", risk, p.MaxRisk),
		}
	}
	return nil
}

// CheckAction evaluates deny expressions against one action. Evaluation
// errors count as no match: a broken expression must not take the control
// plane down.
func (p Policy) CheckAction(a action.Action) *action.Failure {
	if len(p.deny) == 0 {
		return nil
	}
	params := map[string]any{
		"type":   a.Type,
		"target": a.Target,
		"risk":   string(action.RiskFor(a.Type)),
		"value":  nil,
	}
	if f, ok := a.FloatValue(); ok {
		params["value"] = f
	} else if s, ok := a.StringValue(); ok {
		params["value"] = s
	}
	for _, expr := range p.deny {
		result, err := expr.Evaluate(params)
		if err != nil {
			p.logger.Debug().Err(err).Str("expr", expr.String()).Msg("deny expression evaluation failed")
			continue
		}
		if matched, ok := result.(bool); ok && matched {
			return &action.Failure{
				ActionID: a.ActionID,
				Code:     action.CodeRiskExceedsPolicy,
				Message:  fmt.Sprintf("action denied by policy expression %q", expr.String()),
			}
		}
	}
	return nil
}
