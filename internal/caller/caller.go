// Package caller role-plays the customer side of a call so the main agent
// can be exercised without a human on the line.
package caller

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"skycredit/internal/llm"
	"skycredit/internal/models"
)

const (
	InitialMessage = "Hello"
	RepeatRequest  = "Could you please repeat that?"

	historyWindow = 10
)

type TestingAgent struct {
	llm     llm.Predictor
	persona llm.Persona
	logger  *zap.Logger

	history []string
	ended   bool
}

func New(p llm.Predictor, persona llm.Persona, logger *zap.Logger) *TestingAgent {
	l := logger.Named("testing_agent")
	l.Debug("testing agent initialised", zap.String("persona", persona.Name))
	return &TestingAgent{llm: p, persona: persona, logger: l}
}

func (t *TestingAgent) Persona() llm.Persona { return t.persona }

// InitialMessage is what the customer says when the call connects.
func (t *TestingAgent) InitialMessage() string {
	return InitialMessage
}

// Respond produces the customer's reply to the assistant. ended is true once
// the customer has decided to hang up; every later call also reports ended.
// A completion failure is answered with a request to repeat.
func (t *TestingAgent) Respond(ctx context.Context, assistantMessage string) (reply string, ended bool) {
	if t.ended {
		return "", true
	}

	t.history = append(t.history, "Assistant: "+assistantMessage)
	recent := t.history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	var res models.CallerResult
	if err := t.llm.Predict(ctx, llm.TaskCaller, map[string]any{
		"scenario_context":     t.persona.Context,
		"conversation_history": strings.Join(recent, "\n"),
		"assistant_message":    assistantMessage,
	}, &res); err != nil {
		t.logger.Error("testing agent error", zap.Error(err))
		return RepeatRequest, false
	}

	if res.ShouldEndCall {
		t.logger.Info("testing agent ending conversation")
		t.ended = true
		return "", true
	}

	reply = strings.TrimSpace(res.CustomerResponse)
	if reply == "" {
		reply = RepeatRequest
	}
	t.history = append(t.history, "Customer: "+reply)
	return reply, false
}

func (t *TestingAgent) Ended() bool { return t.ended }

// Reset clears the conversation so the agent can place another call.
func (t *TestingAgent) Reset() {
	t.history = nil
	t.ended = false
}
