// Package evaluator grades a call transcript against the checklist of
// behaviours the main agent is expected to show.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"skycredit/internal/llm"
	"skycredit/internal/models"
)

var ErrNoOutcomeChecks = errors.New("evaluator: no outcome checks in evaluation")

type Evaluator struct {
	llm      llm.Predictor
	outcomes []string
	logger   *zap.Logger
}

func New(p llm.Predictor, expectedOutcomes []string, logger *zap.Logger) *Evaluator {
	l := logger.Named("evaluator")
	l.Debug("evaluator initialised", zap.Int("expected_outcomes", len(expectedOutcomes)))
	return &Evaluator{llm: p, outcomes: expectedOutcomes, logger: l}
}

func (e *Evaluator) ExpectedOutcomes() []string {
	return append([]string(nil), e.outcomes...)
}

// Evaluate asks the model to check transcript against every expected outcome.
func (e *Evaluator) Evaluate(ctx context.Context, transcript []string) (*models.Evaluation, error) {
	e.logger.Info("evaluating conversation", zap.Int("messages", len(transcript)))

	numbered := make([]string, len(e.outcomes))
	for i, o := range e.outcomes {
		numbered[i] = fmt.Sprintf("%d. %s", i+1, o)
	}

	var ev models.Evaluation
	if err := e.llm.Predict(ctx, llm.TaskEvaluation, map[string]any{
		"conversation_transcript": strings.Join(transcript, "\n"),
		"expected_outcomes":       strings.Join(numbered, "\n"),
	}, &ev); err != nil {
		e.logger.Error("evaluation error", zap.Error(err))
		return nil, fmt.Errorf("evaluator: failed to evaluate conversation: %w", err)
	}
	if len(ev.OutcomeChecks) == 0 {
		e.logger.Warn("no outcome checks found in evaluation")
		return nil, ErrNoOutcomeChecks
	}

	for i := range ev.OutcomeChecks {
		c := &ev.OutcomeChecks[i]
		c.Status = strings.ToUpper(strings.TrimSpace(c.Status))
		if c.Status != models.OutcomeFollowed {
			c.Status = models.OutcomeNotFollowed
		}
		if c.OutcomeDescription == "" && i < len(e.outcomes) {
			c.OutcomeDescription = e.outcomes[i]
		}
	}

	followed, total, pct := ev.Score()
	e.logger.Info("evaluation completed",
		zap.Int("followed", followed),
		zap.Int("total", total),
		zap.Float64("score", pct),
	)
	return &ev, nil
}
