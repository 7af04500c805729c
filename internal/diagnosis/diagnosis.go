// Package diagnosis produces root-cause analyses for classified deployment errors.
package diagnosis

import (
	"context"
	"time"

	"github.com/nholik/deployguard/internal/classify"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/reasoning"
	"github.com/rs/zerolog"
)

const (
	SourceAI    = "ai"
	SourceRules = "rules"
)

// Input is everything a diagnoser may look at.
type Input struct {
	Error          *deploy.Error
	Classification classify.Classification
	Provider       string
	Attempt        int
}

// Diagnoser turns a classified error into an analysis. Implementations never fail;
// they degrade to a rule-based answer instead.
type Diagnoser interface {
	Diagnose(ctx context.Context, in Input) deploy.Analysis
}

// Costs feeds the cost-impact estimate.
type Costs struct {
	HourlyDowntime float64
	ServerMonthly  float64
}

// AIDiagnoser asks a reasoning backend first and falls back to RuleBased.
type AIDiagnoser struct {
	logger    zerolog.Logger
	reasoner  reasoning.Reasoner
	knowledge KnowledgeBase
	fallback  RuleBased
	timeout   time.Duration
}

// Option configures an AIDiagnoser.
type Option func(*AIDiagnoser)

// WithKnowledge overrides the embedded provider knowledge base.
func WithKnowledge(kb KnowledgeBase) Option {
	return func(d *AIDiagnoser) {
		d.knowledge = kb
	}
}

// WithTimeout bounds each reasoning call.
func WithTimeout(timeout time.Duration) Option {
	return func(d *AIDiagnoser) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// NewAIDiagnoser builds a diagnoser. A nil reasoner means every call uses the rules.
func NewAIDiagnoser(logger zerolog.Logger, reasoner reasoning.Reasoner, costs Costs, opts ...Option) *AIDiagnoser {
	d := &AIDiagnoser{
		logger:    logger,
		reasoner:  reasoner,
		knowledge: DefaultKnowledge(),
		fallback:  NewRuleBased(costs),
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Diagnose implements Diagnoser.
func (d *AIDiagnoser) Diagnose(ctx context.Context, in Input) deploy.Analysis {
	if d.reasoner == nil || in.Error == nil {
		return d.fallback.Diagnose(ctx, in)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	prompt := BuildPrompt(in, d.knowledge)
	text, err := d.reasoner.Diagnose(callCtx, prompt)
	if err != nil {
		d.logger.Warn().Err(err).Str("error_id", in.Error.ID).Msg("ai diagnosis failed; using rule-based analysis")
		return d.fallback.Diagnose(ctx, in)
	}

	analysis, err := ParseAnalysis(text)
	if err != nil {
		d.logger.Warn().Err(err).Str("error_id", in.Error.ID).Msg("ai diagnosis unparsable; using rule-based analysis")
		return d.fallback.Diagnose(ctx, in)
	}

	if analysis.EstimatedRepairTime <= 0 {
		analysis.EstimatedRepairTime = RepairMinutes(in.Error.Type)
	}
	if len(analysis.RecommendedActions) == 0 {
		analysis.RecommendedActions = StandardActions(in.Error.Type)
	}
	analysis.CostImpact = d.fallback.CostImpact(in.Error.Type, analysis.EstimatedRepairTime)
	analysis.Source = SourceAI
	return analysis
}
