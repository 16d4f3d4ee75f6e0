package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"skycredit/internal/llm"
	"skycredit/internal/models"
)

const closingSteps = 4

func (a *MainAgent) startClosing(ctx context.Context) (string, error) {
	a.state.ScenarioType = ScenarioClosing
	a.state.ClosingStep = 1
	a.logger.Info("starting call closing")

	res, err := a.closing(ctx, "")
	if err != nil {
		a.logger.Error("closing failed, using script", zap.Error(err))
		a.state.ClosingStep = 2
		a.say(closingFallbackPrompt)
		return closingFallbackPrompt, err
	}
	return a.applyClosing(res), nil
}

func (a *MainAgent) handleClosingStep(ctx context.Context, input string) (string, error) {
	res, err := a.closing(ctx, input)
	if err != nil {
		return a.repeat(llm.TaskClosing, err)
	}
	return a.applyClosing(res), nil
}

func (a *MainAgent) closing(ctx context.Context, customerResponse string) (models.ClosingResult, error) {
	summary := defaultActionsSummary
	if len(a.state.ActionsTaken) > 0 {
		summary = strings.Join(a.state.ActionsTaken, "; ")
	}

	var res models.ClosingResult
	err := a.llm.Predict(ctx, llm.TaskClosing, map[string]any{
		"actions_summary":   summary,
		"step_number":       a.state.ClosingStep,
		"customer_response": customerResponse,
	}, &res)
	return res, err
}

func (a *MainAgent) applyClosing(res models.ClosingResult) string {
	response := res.Response
	if response == "" {
		response = closingFallbackPrompt
	}
	a.say(response)

	next := int(res.NextStep)
	if next <= a.state.ClosingStep {
		next = a.state.ClosingStep + 1
	}
	a.state.ClosingStep = next

	if bool(res.CallComplete) || next > closingSteps {
		a.state.ScenarioType = ScenarioEnded
		a.logger.Info("call complete", zap.Strings("actions", a.state.ActionsTaken))
	}
	return response
}
