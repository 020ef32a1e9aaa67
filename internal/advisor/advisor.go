// DPROD Detection Advisor
// Optional AI layer over rule-based detection. Advice can refine a
// config and is tracked by decision ID so deployment outcomes feed back
// into decision quality. Advice never blocks: when the advisor is absent,
// errors out or returns nothing usable, the rule config ships as-is.

// Package advisor layers optional AI guidance over tech detection.
package advisor

import (
	"context"

	"dprod/internal/detect"
	"dprod/internal/logging"
)

// Advice is an advisor's judgment on a rule-detected config.
type Advice struct {
	Config     detect.Config
	DecisionID string
	Verified   bool
}

// Advisor reviews rule-based detection output and may refine it.
// VerifyOutcome reports how the advised deployment ended so the advisor
// can score its decisions.
type Advisor interface {
	Advise(ctx context.Context, projectPath string, ruleConfig detect.Config) (*Advice, error)
	VerifyOutcome(ctx context.Context, decisionID string, successful bool, feedback string) error
}

// NopAdvisor is the default advisor: rule output passes through untouched
// and outcomes are discarded.
type NopAdvisor struct{}

// Advise returns the rule config unchanged.
func (NopAdvisor) Advise(_ context.Context, _ string, ruleConfig detect.Config) (*Advice, error) {
	return &Advice{Config: ruleConfig}, nil
}

// VerifyOutcome discards the outcome.
func (NopAdvisor) VerifyOutcome(context.Context, string, bool, string) error {
	return nil
}

// Result is the combined detection outcome: the config to deploy with,
// the raw rule config it was derived from, and the advisor's decision
// metadata when advice was applied.
type Result struct {
	Config     detect.Config
	RuleConfig detect.Config
	DecisionID string
	AIVerified bool
}

// AdvisedEngine runs rule-based detection and then the advisor.
type AdvisedEngine struct {
	engine  *detect.Engine
	advisor Advisor
}

// NewAdvisedEngine wraps a detection engine with an advisor. A nil
// advisor degrades to NopAdvisor.
func NewAdvisedEngine(engine *detect.Engine, adv Advisor) *AdvisedEngine {
	if adv == nil {
		adv = NopAdvisor{}
	}
	return &AdvisedEngine{engine: engine, advisor: adv}
}

// Detect runs the rule chain, offers the result to the advisor and
// returns whichever config survives. A failing advisor is logged and the
// rule config is used.
func (e *AdvisedEngine) Detect(ctx context.Context, projectPath string) (*Result, error) {
	ruleCfg, err := e.engine.Detect(projectPath)
	if err != nil {
		return nil, err
	}

	advice, aerr := e.advisor.Advise(ctx, projectPath, ruleCfg)
	if aerr != nil || advice == nil {
		if aerr != nil {
			logging.S().Warnw("advisor failed, using rule config",
				"path", projectPath, "error", aerr)
		}
		return &Result{Config: ruleCfg, RuleConfig: ruleCfg}, nil
	}

	cfg := advice.Config
	if cfg.Type == "" || cfg.StartCommand == "" {
		// Partial advice is unusable; ship the rule config.
		cfg = ruleCfg
	}

	if advice.Verified {
		logging.S().Infow("ai-enhanced detection used",
			"path", projectPath, "decision_id", advice.DecisionID)
	}

	return &Result{
		Config:     cfg,
		RuleConfig: ruleCfg,
		DecisionID: advice.DecisionID,
		AIVerified: advice.Verified,
	}, nil
}

// VerifyOutcome reports a deployment result for an advised decision.
// Outcome logging is best-effort; failures are logged and swallowed.
func (e *AdvisedEngine) VerifyOutcome(ctx context.Context, decisionID string, successful bool, feedback string) {
	if decisionID == "" {
		return
	}
	if err := e.advisor.VerifyOutcome(ctx, decisionID, successful, feedback); err != nil {
		logging.S().Warnw("failed to record advisor outcome",
			"decision_id", decisionID, "error", err)
	}
}
