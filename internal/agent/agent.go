// Package agent implements the Sky Credit main agent: the conversation state
// machine that walks a caller through verification, one servicing scenario
// and the closing checklist.
//
// A MainAgent is not safe for concurrent use; callers serialise turns.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"skycredit/internal/llm"
	"skycredit/internal/models"
)

// Fixed lines spoken when the completion layer cannot be trusted.
const (
	ScriptedGreeting = "Thank you for calling the Sky Credit Group. My name is Jess, an automated AI voice assistant. Can I please have your name, and find out how I can assist you today?"
	RepeatPrompt     = "I'm sorry, I didn't quite catch that. Could you please repeat that?"

	lookupFailedPrompt    = "I'm sorry, I wasn't able to locate an account with those details. Could you please repeat your reference number or the mobile number on the account?"
	unverifiedPrompt      = "I apologize, but I need to verify your account first. Let me transfer you to an agent."
	closingFallbackPrompt = "Is there anything else I can assist you with today?"
	defaultActionsSummary = "Provided account information"
)

// historyWindow is how many transcript lines scenario prompts see.
const historyWindow = 5

var ErrConversationEnded = errors.New("agent: conversation has ended")

// State is everything the agent knows about the call.
type State struct {
	CustomerData        *models.Customer        `json:"customer_data"`
	Verified            bool                    `json:"verified"`
	ScenarioType        Scenario                `json:"scenario_type"`
	ConversationHistory []string                `json:"conversation_history"`
	VerificationData    models.VerificationData `json:"verification_data"`
	ActionsTaken        []string                `json:"actions_taken"`
	ScenarioStep        int                     `json:"scenario_step"`
	ClosingStep         int                     `json:"closing_step"`
	Transferred         bool                    `json:"transferred"`
}

type MainAgent struct {
	llm    llm.Predictor
	logger *zap.Logger
	entry  Scenario
	state  State
}

type Option func(*MainAgent)

// WithEntryScenario selects the scenario started once the caller is
// verified. The default is the account balance inquiry.
func WithEntryScenario(s Scenario) Option {
	return func(a *MainAgent) { a.entry = s }
}

// WithState resumes a conversation from an earlier Snapshot.
func WithState(s State) Option {
	return func(a *MainAgent) { a.state = s }
}

func New(p llm.Predictor, logger *zap.Logger, opts ...Option) *MainAgent {
	a := &MainAgent{
		llm:    p,
		logger: logger.Named("main_agent"),
		entry:  ScenarioAccountBalance,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// StartConversation produces the opening greeting. On a completion failure
// the scripted greeting is returned together with the error.
func (a *MainAgent) StartConversation(ctx context.Context) (string, error) {
	a.logger.Info("starting conversation: greeting")

	var res models.GreetingResult
	err := a.llm.Predict(ctx, llm.TaskGreeting, nil, &res)
	greeting := strings.TrimSpace(res.Response)
	if err != nil || greeting == "" {
		if err != nil {
			a.logger.Error("greeting failed, using script", zap.Error(err))
		}
		greeting = ScriptedGreeting
	}

	a.say(greeting)
	return greeting, err
}

// ProcessCustomerInput advances the conversation by one caller utterance and
// returns what the assistant says next. When the completion layer fails the
// reply asks the caller to repeat and the error is returned alongside it;
// the state does not advance.
func (a *MainAgent) ProcessCustomerInput(ctx context.Context, input string) (string, error) {
	if a.state.ScenarioType == ScenarioEnded {
		return "", ErrConversationEnded
	}

	a.logger.Info("received customer input", zap.String("input", input))
	a.state.ConversationHistory = append(a.state.ConversationHistory, "Customer: "+input)

	if !a.state.Verified {
		reply, err := a.handleVerification(ctx, input)
		if err != nil || !a.state.Verified {
			return reply, err
		}
		a.logger.Info("verification complete, starting scenario", zap.String("scenario", string(a.entry)))
		a.enterScenario(a.entry)
		return a.handleScenarioStep(ctx, input)
	}

	switch a.state.ScenarioType {
	case ScenarioClosing:
		return a.handleClosingStep(ctx, input)
	case "":
		a.enterScenario(ScenarioAccountBalance)
	}
	return a.handleScenarioStep(ctx, input)
}

// Snapshot returns a deep copy of the current state.
func (a *MainAgent) Snapshot() State {
	s := a.state
	if a.state.CustomerData != nil {
		c := *a.state.CustomerData
		s.CustomerData = &c
	}
	s.ConversationHistory = append([]string(nil), a.state.ConversationHistory...)
	s.ActionsTaken = append([]string(nil), a.state.ActionsTaken...)
	return s
}

// Ended reports whether the call is over.
func (a *MainAgent) Ended() bool {
	return a.state.ScenarioType == ScenarioEnded
}

func (a *MainAgent) enterScenario(s Scenario) {
	a.state.ScenarioType = s
	a.state.ScenarioStep = 1
}

func (a *MainAgent) say(line string) {
	a.state.ConversationHistory = append(a.state.ConversationHistory, "Assistant: "+line)
}

// repeat records the fallback line and hands the error back to the caller.
func (a *MainAgent) repeat(task string, err error) (string, error) {
	a.logger.Error("completion failed, asking caller to repeat", zap.String("task", task), zap.Error(err))
	a.say(RepeatPrompt)
	return RepeatPrompt, err
}

func (a *MainAgent) recordAction(action string) {
	for _, existing := range a.state.ActionsTaken {
		if existing == action {
			return
		}
	}
	a.state.ActionsTaken = append(a.state.ActionsTaken, action)
}

func (a *MainAgent) recentHistory() string {
	h := a.state.ConversationHistory
	if len(h) > historyWindow {
		h = h[len(h)-historyWindow:]
	}
	return strings.Join(h, "\n")
}

func (a *MainAgent) customerJSON() (string, error) {
	b, err := json.Marshal(a.state.CustomerData)
	if err != nil {
		return "", fmt.Errorf("agent: marshal customer: %w", err)
	}
	return string(b), nil
}
