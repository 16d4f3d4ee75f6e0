// Package simulation runs a complete call between the main agent and a
// role-playing caller and records the transcript.
package simulation

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"skycredit/internal/agent"
)

const (
	DefaultMaxTurns = 15
	CallEndedLine   = "Customer: [Call ended]"
)

// Assistant is the side of the call being tested.
type Assistant interface {
	StartConversation(ctx context.Context) (string, error)
	ProcessCustomerInput(ctx context.Context, input string) (string, error)
	Ended() bool
}

// Caller is the simulated customer.
type Caller interface {
	InitialMessage() string
	Respond(ctx context.Context, assistantMessage string) (reply string, ended bool)
}

type Options struct {
	// MaxTurns caps the number of assistant replies after the greeting.
	MaxTurns int
	// SkipGreeting starts the call with the customer speaking first.
	SkipGreeting bool
	// OnLine, when set, receives every transcript line as it is produced.
	OnLine func(line string)
	Logger *zap.Logger
}

type Result struct {
	Transcript  []string
	Turns       int
	HitMaxTurns bool
	CallerEnded bool
	AgentEnded  bool
	// Errors counts turns answered with a fallback line.
	Errors int
}

// Run drives the call until the caller hangs up, the agent ends the call or
// the turn cap is reached. It stops early only when ctx is cancelled.
func Run(ctx context.Context, a Assistant, c Caller, opts Options) (*Result, error) {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("simulation")

	res := &Result{}
	emit := func(line string) {
		res.Transcript = append(res.Transcript, line)
		if opts.OnLine != nil {
			opts.OnLine(line)
		}
	}

	if !opts.SkipGreeting {
		greeting, err := a.StartConversation(ctx)
		if err != nil {
			res.Errors++
			logger.Warn("greeting fell back to script", zap.Error(err))
		}
		emit("Assistant: " + greeting)
	}

	customer := c.InitialMessage()
	emit("Customer: " + customer)

	logger.Info("starting conversation loop", zap.Int("max_turns", opts.MaxTurns))
	for res.Turns < opts.MaxTurns {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		reply, err := a.ProcessCustomerInput(ctx, customer)
		if errors.Is(err, agent.ErrConversationEnded) {
			res.AgentEnded = true
			break
		}
		if err != nil {
			res.Errors++
			logger.Warn("assistant turn failed", zap.Int("turn", res.Turns+1), zap.Error(err))
		}
		res.Turns++
		emit("Assistant: " + reply)

		next, ended := c.Respond(ctx, reply)
		if ended {
			logger.Info("customer ended conversation", zap.Int("turn", res.Turns))
			res.CallerEnded = true
			emit(CallEndedLine)
			break
		}
		emit("Customer: " + next)
		customer = next

		if a.Ended() {
			logger.Info("assistant ended conversation", zap.Int("turn", res.Turns))
			res.AgentEnded = true
			break
		}
	}

	if !res.CallerEnded && !res.AgentEnded && res.Turns >= opts.MaxTurns {
		res.HitMaxTurns = true
		logger.Warn("conversation reached maximum turns", zap.Int("max_turns", opts.MaxTurns))
	}
	return res, nil
}
