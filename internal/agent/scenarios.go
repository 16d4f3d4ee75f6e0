package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"skycredit/internal/llm"
	"skycredit/internal/models"
)

type Scenario string

const (
	ScenarioAccountBalance     Scenario = "account_balance"
	ScenarioArrearsManagement  Scenario = "arrears_management"
	ScenarioPaymentDeferral    Scenario = "payment_deferral"
	ScenarioHardshipAssistance Scenario = "hardship_assistance"
	ScenarioBankingUpdate      Scenario = "banking_update"
	ScenarioClosing            Scenario = "closing"
	ScenarioEnded              Scenario = "ended"
)

// stepLimits is the number of scripted steps in each numbered scenario.
var stepLimits = map[Scenario]int{
	ScenarioArrearsManagement:  8,
	ScenarioPaymentDeferral:    6,
	ScenarioHardshipAssistance: 7,
	ScenarioBankingUpdate:      10,
}

// ParseScenario validates a scenario a call may be started in. The empty
// string selects the account balance inquiry.
func ParseScenario(s string) (Scenario, error) {
	sc := Scenario(strings.TrimSpace(strings.ToLower(s)))
	if sc == "" {
		return ScenarioAccountBalance, nil
	}
	if sc == ScenarioAccountBalance {
		return sc, nil
	}
	if _, ok := stepLimits[sc]; ok {
		return sc, nil
	}
	return "", fmt.Errorf("agent: unknown scenario %q", s)
}

func (a *MainAgent) handleScenarioStep(ctx context.Context, input string) (string, error) {
	sc := a.state.ScenarioType
	if sc == ScenarioAccountBalance {
		return a.handleAccountBalance(ctx, input)
	}
	if _, ok := stepLimits[sc]; ok {
		return a.handleNumberedStep(ctx, sc, input)
	}

	a.logger.Warn("no handler for scenario, closing", zap.String("scenario", string(sc)))
	a.recordAction(fmt.Sprintf("Handled %s request", sc))
	return a.startClosing(ctx)
}

// balanceView is the subset of the account the balance prompt may quote.
func balanceView(c *models.Customer) map[string]any {
	return map[string]any{
		"firstName":      c.FirstName,
		"lastName":       c.LastName,
		"accountBalance": c.AccountBalance,
		// the directory carries no separate instalment amount
		"nextPaymentAmount": c.MinimumAmountDue,
		"nextPaymentDate":   c.NextPaymentDate,
	}
}

func (a *MainAgent) handleAccountBalance(ctx context.Context, input string) (string, error) {
	if a.state.CustomerData == nil {
		a.logger.Warn("account balance requested but customer data missing")
		a.say(unverifiedPrompt)
		return unverifiedPrompt, nil
	}

	view, err := json.Marshal(balanceView(a.state.CustomerData))
	if err != nil {
		return a.repeat(llm.TaskAccountBalance, err)
	}

	var res models.AccountBalanceResult
	if err := a.llm.Predict(ctx, llm.TaskAccountBalance, map[string]any{
		"customer_data":        string(view),
		"customer_input":       input,
		"conversation_history": a.recentHistory(),
	}, &res); err != nil {
		return a.repeat(llm.TaskAccountBalance, err)
	}
	a.logger.Info("account balance response generated",
		zap.Bool("scenario_complete", bool(res.ScenarioComplete)),
		zap.Bool("needs_deferral", bool(res.NeedsDeferral)),
	)

	a.recordAction("Handled account_balance request")
	response := res.Response
	if response == "" {
		response = RepeatPrompt
	}

	lower := strings.ToLower(response)
	if strings.Contains(lower, "anything else") && strings.Contains(lower, "assist") {
		a.say(response)
		return a.startClosing(ctx)
	}

	if res.NeedsDeferral {
		a.say(response)
		a.logger.Info("caller cannot make payment, starting payment deferral")
		step, err := a.handleNumberedStep(ctx, ScenarioPaymentDeferral, input)
		return response + " " + step, err
	}

	a.say(response)
	return response, nil
}

// handleNumberedStep runs one step of the scripted scenario sc. When sc is
// not the current scenario it is entered at step 1, but only once the
// completion has succeeded.
func (a *MainAgent) handleNumberedStep(ctx context.Context, sc Scenario, input string) (string, error) {
	task := string(sc)

	if a.state.CustomerData == nil {
		a.logger.Warn("scenario requested but customer data missing", zap.String("scenario", task))
		a.say(unverifiedPrompt)
		return unverifiedPrompt, nil
	}
	customer, err := a.customerJSON()
	if err != nil {
		return a.repeat(task, err)
	}

	step := a.state.ScenarioStep
	if sc != a.state.ScenarioType || step < 1 {
		step = 1
	}

	var res models.StepResult
	if err := a.llm.Predict(ctx, task, map[string]any{
		"customer_data":     customer,
		"step_number":       step,
		"customer_response": input,
	}, &res); err != nil {
		return a.repeat(task, err)
	}
	if sc != a.state.ScenarioType {
		a.enterScenario(sc)
	}

	response := res.Response
	if response == "" {
		response = RepeatPrompt
	}
	a.say(response)

	next := int(res.NextStep)
	if next < step {
		next = step
	}
	a.logger.Info("scenario step",
		zap.String("scenario", task),
		zap.Int("step", step),
		zap.Int("next_step", next),
	)

	switch {
	case bool(res.NeedsTransfer) && sc == ScenarioPaymentDeferral:
		a.recordAction("Referred payment deferral to hardship assistance")
		a.enterScenario(ScenarioHardshipAssistance)
		return response, nil

	case bool(res.NeedsTransfer):
		a.recordAction("Transferred to hardship team")
		a.state.Transferred = true
		a.state.ScenarioType = ScenarioEnded
		a.logger.Info("call transferred", zap.String("scenario", task))
		return response, nil

	case bool(res.ScenarioComplete) || next > stepLimits[sc]:
		a.recordAction(fmt.Sprintf("Handled %s request", sc))
		closing, err := a.startClosing(ctx)
		return response + " " + closing, err
	}

	a.state.ScenarioStep = next
	return response, nil
}
