package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skycredit/internal/agent"
	"skycredit/internal/caller"
	"skycredit/internal/calls"
	"skycredit/internal/config"
	"skycredit/internal/database"
	"skycredit/internal/evaluator"
	"skycredit/internal/llm"
	"skycredit/internal/logging"
	"skycredit/internal/models"
	"skycredit/internal/simulation"
)

const (
	demoTurns = 5
	// parallelCalls caps concurrent simulations under run --all.
	parallelCalls = 3
)

// runCmd runs a full simulated call and evaluates it
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full simulated call and evaluate it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return simulate(cmd, runOptions{
			persona:  personaKey,
			scenario: scenario,
			maxTurns: maxTurns,
			evaluate: true,
			dbPath:   dbPath,
			all:      allPersonas,
		})
	},
}

// demoCmd runs a short call without evaluation
var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a short five-turn call without evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		return simulate(cmd, runOptions{
			persona:  personaKey,
			scenario: scenario,
			maxTurns: demoTurns,
		})
	},
}

type runOptions struct {
	persona  string
	scenario string
	maxTurns int
	evaluate bool
	dbPath   string
	all      bool
}

func simulate(cmd *cobra.Command, o runOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logger, err := logging.New(cfg.LogDir, "simulate.log", level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Sync()

	prompts, err := llm.LoadPrompts(cfg.PromptsPath)
	if err != nil {
		return err
	}
	if o.maxTurns <= 0 {
		o.maxTurns = cfg.MaxTurns
	}

	client := llm.NewClient(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, prompts, logger)
	if o.all {
		return runAll(cmd.Context(), client, prompts, logger, cmd.OutOrStdout(), o)
	}
	return runSession(cmd.Context(), client, prompts, logger, cmd.OutOrStdout(), o)
}

// runSession plays one call and prints the transcript, the final state and,
// when requested, the evaluation.
func runSession(ctx context.Context, p llm.Predictor, prompts *llm.Prompts, logger *zap.Logger, out io.Writer, o runOptions) error {
	persona, ok := prompts.Persona(o.persona)
	if !ok {
		return fmt.Errorf("unknown persona %q (see: simulate personas)", o.persona)
	}
	sc := o.scenario
	if sc == "" {
		sc = persona.Scenario
	}
	entry, err := agent.ParseScenario(sc)
	if err != nil {
		return err
	}

	assistant := agent.New(p, logger, agent.WithEntryScenario(entry))
	customer := caller.New(p, persona, logger)

	fmt.Fprintf(out, "Sky Credit call simulation: %s (%s)\n", persona.Name, entry)
	fmt.Fprintln(out, strings.Repeat("=", 60))

	res, err := simulation.Run(ctx, assistant, customer, simulation.Options{
		MaxTurns: o.maxTurns,
		Logger:   logger,
		OnLine:   func(line string) { fmt.Fprintln(out, line) },
	})
	if err != nil {
		return err
	}
	if res.HitMaxTurns {
		fmt.Fprintf(out, "\nConversation reached maximum turns (%d)\n", o.maxTurns)
	}

	state := assistant.Snapshot()
	printState(out, state, res)

	var ev *models.Evaluation
	if o.evaluate {
		ev, err = evaluator.New(p, prompts.ExpectedOutcomes, logger).Evaluate(ctx, res.Transcript)
		if err != nil {
			fmt.Fprintf(out, "\nEvaluation failed: %v\n", err)
		} else {
			printEvaluation(out, ev)
		}
	}

	if o.dbPath != "" {
		id, err := saveCall(ctx, o.dbPath, logger, entry, state, res, ev)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nSaved as call %s in %s\n", id, o.dbPath)
	}
	return nil
}

// runAll simulates one call per persona concurrently. Each call's output is
// buffered and printed in persona order once all have finished.
func runAll(ctx context.Context, p llm.Predictor, prompts *llm.Prompts, logger *zap.Logger, out io.Writer, o runOptions) error {
	buffers := make([]bytes.Buffer, len(prompts.Personas))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelCalls)
	for i, persona := range prompts.Personas {
		i, persona := i, persona
		g.Go(func() error {
			po := o
			po.persona = persona.Key
			po.scenario = ""
			if err := runSession(gctx, p, prompts, logger.With(zap.String("persona", persona.Key)), &buffers[i], po); err != nil {
				return fmt.Errorf("persona %s: %w", persona.Key, err)
			}
			return nil
		})
	}
	err := g.Wait()

	for i := range buffers {
		out.Write(buffers[i].Bytes())
		fmt.Fprintln(out)
	}
	return err
}

func printState(out io.Writer, s agent.State, res *simulation.Result) {
	fmt.Fprintln(out, "\n"+strings.Repeat("=", 60))
	fmt.Fprintln(out, "Final conversation state")
	fmt.Fprintln(out, strings.Repeat("=", 60))

	name := "None"
	if s.CustomerData != nil {
		name = s.CustomerData.FirstName + " " + s.CustomerData.LastName
	}
	vd, _ := json.Marshal(s.VerificationData)
	fmt.Fprintf(out, "Verified:          %t\n", s.Verified)
	fmt.Fprintf(out, "Customer:          %s\n", name)
	fmt.Fprintf(out, "Scenario:          %s\n", s.ScenarioType)
	fmt.Fprintf(out, "Verification data: %s\n", vd)
	fmt.Fprintf(out, "Actions taken:     %s\n", strings.Join(s.ActionsTaken, "; "))
	fmt.Fprintf(out, "Total turns:       %d\n", res.Turns)
	if res.Errors > 0 {
		fmt.Fprintf(out, "Fallback replies:  %d\n", res.Errors)
	}
}

func printEvaluation(out io.Writer, ev *models.Evaluation) {
	fmt.Fprintln(out, "\nEvaluation against expected outcomes")
	for i, c := range ev.OutcomeChecks {
		mark := "✗"
		if c.Status == models.OutcomeFollowed {
			mark = "✓"
		}
		fmt.Fprintf(out, "%s %d. %s\n", mark, i+1, c.OutcomeDescription)
		fmt.Fprintf(out, "   Evidence: %s\n", c.Evidence)
	}
	followed, total, pct := ev.Score()
	fmt.Fprintf(out, "\nScore: %d/%d outcomes followed (%.1f%%)\n", followed, total, pct)
}

// saveCall stores a finished simulation the same way the API stores live
// calls, so it can be browsed through GET /calls.
func saveCall(ctx context.Context, path string, logger *zap.Logger, entry agent.Scenario, s agent.State, res *simulation.Result, ev *models.Evaluation) (string, error) {
	db, err := database.Init(path, logger)
	if err != nil {
		return "", err
	}
	defer db.Close()

	state, err := calls.EncodeState(entry, s)
	if err != nil {
		return "", err
	}
	c := &models.Call{
		ID:       "sim-" + uuid.NewString(),
		Status:   models.CallEnded,
		Scenario: string(s.ScenarioType),
		Verified: s.Verified,
		State:    state,
	}
	if s.CustomerData != nil {
		c.CustomerRef = s.CustomerData.ClientReferenceNumber
	}
	if err := db.CreateCall(ctx, c); err != nil {
		return "", err
	}

	for _, line := range res.Transcript {
		role, content := models.RoleAssistant, strings.TrimPrefix(line, "Assistant: ")
		if rest, ok := strings.CutPrefix(line, "Customer: "); ok {
			role, content = models.RoleCustomer, rest
		}
		if err := db.InsertMessage(ctx, &models.Message{ID: uuid.NewString(), CallID: c.ID, Role: role, Content: content}); err != nil {
			return "", err
		}
	}
	if ev != nil {
		if _, err := db.SaveEvaluation(ctx, c.ID, ev); err != nil {
			return "", err
		}
	}
	return c.ID, nil
}
