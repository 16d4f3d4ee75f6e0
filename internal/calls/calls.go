// Package calls owns live conversations: it keeps one main agent per call,
// serialises turns on the same call and persists every line spoken.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"skycredit/internal/agent"
	"skycredit/internal/database"
	"skycredit/internal/llm"
	"skycredit/internal/models"
)

var (
	ErrNotFound     = errors.New("calls: call not found")
	ErrExists       = errors.New("calls: call already exists")
	ErrCallEnded    = errors.New("calls: call has ended")
	ErrEmptyInput   = errors.New("calls: empty customer input")
	ErrNoTranscript = errors.New("calls: call has no transcript")
	ErrBadScenario  = errors.New("calls: unknown scenario")
)

// HangupLine marks a transcript where the customer left the call.
const HangupLine = "[Call ended]"

type Store interface {
	CreateCall(ctx context.Context, c *models.Call) error
	UpdateCall(ctx context.Context, c *models.Call) error
	GetCall(ctx context.Context, id string) (*models.Call, error)
	ListCalls(ctx context.Context, f database.CallFilter) ([]models.Call, error)
	InsertMessage(ctx context.Context, m *models.Message) error
	GetMessages(ctx context.Context, callID string) ([]models.Message, error)
	SaveEvaluation(ctx context.Context, callID string, ev *models.Evaluation) (*models.StoredEvaluation, error)
	GetEvaluation(ctx context.Context, callID string) (*models.StoredEvaluation, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, transcript []string) (*models.Evaluation, error)
}

// session is what is persisted in calls.state.
type session struct {
	Entry agent.Scenario `json:"entry"`
	State agent.State    `json:"state"`
}

type Service struct {
	store     Store
	llm       llm.Predictor
	evaluator Evaluator
	logger    *zap.Logger

	mu     sync.Mutex
	agents map[string]*agent.MainAgent
	locks  sync.Map // map[callID] -> *sync.Mutex
}

func NewService(store Store, p llm.Predictor, ev Evaluator, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		llm:       p,
		evaluator: ev,
		logger:    logger.Named("calls"),
		agents:    make(map[string]*agent.MainAgent),
	}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ─── Start ────────────────────────────────────────────────────────────────────

type StartOptions struct {
	// ID is the call identifier; a random one is generated when empty.
	// Voice calls use the carrier's call SID.
	ID string
	// Scenario is entered once the caller is verified.
	Scenario string
}

type StartResult struct {
	Call     *models.Call `json:"call"`
	Greeting string       `json:"greeting"`
	Degraded bool         `json:"degraded,omitempty"`
}

// Start opens a call and produces the assistant's greeting.
func (s *Service) Start(ctx context.Context, opts StartOptions) (*StartResult, error) {
	entry, err := agent.ParseScenario(opts.Scenario)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadScenario, opts.Scenario)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.store.GetCall(ctx, id); err == nil {
		return nil, ErrExists
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	a := agent.New(s.llm, s.logger.With(zap.String("call_id", id)), agent.WithEntryScenario(entry))
	greeting, gerr := a.StartConversation(ctx)
	if gerr != nil {
		s.logger.Warn("greeting degraded to script", zap.String("call_id", id), zap.Error(gerr))
	}

	c := &models.Call{ID: id, Status: models.CallActive, Scenario: string(entry)}
	if err := s.snapshotInto(c, entry, a); err != nil {
		return nil, err
	}
	if err := s.store.CreateCall(ctx, c); err != nil {
		return nil, err
	}
	if err := s.record(ctx, id, models.RoleAssistant, greeting); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.agents[id] = a
	s.mu.Unlock()

	s.logger.Info("call started", zap.String("call_id", id), zap.String("scenario", string(entry)))
	return &StartResult{Call: c, Greeting: greeting, Degraded: gerr != nil}, nil
}

// ─── Turn ─────────────────────────────────────────────────────────────────────

type TurnResult struct {
	CallID   string `json:"call_id"`
	Reply    string `json:"reply"`
	Scenario string `json:"scenario"`
	Verified bool   `json:"verified"`
	Ended    bool   `json:"ended"`
	// Degraded is set when the reply is a fallback line.
	Degraded bool `json:"degraded,omitempty"`
}

// Turn hands one customer utterance to the call's agent and returns the reply.
func (s *Service) Turn(ctx context.Context, id, input string) (*TurnResult, error) {
	if input == "" {
		return nil, ErrEmptyInput
	}

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	c, a, entry, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == models.CallEnded {
		s.release(id)
		return nil, ErrCallEnded
	}

	if err := s.record(ctx, id, models.RoleCustomer, input); err != nil {
		return nil, err
	}

	reply, perr := a.ProcessCustomerInput(ctx, input)
	if errors.Is(perr, agent.ErrConversationEnded) {
		c.Status = models.CallEnded
		s.release(id)
		if err := s.store.UpdateCall(ctx, c); err != nil {
			return nil, err
		}
		return nil, ErrCallEnded
	}
	if perr != nil {
		s.logger.Warn("turn degraded", zap.String("call_id", id), zap.Error(perr))
	}
	if err := s.commit(ctx, c, entry, a, reply); err != nil {
		// The cached agent is now ahead of calls.state; rebuild it next turn.
		s.forget(id)
		return nil, err
	}
	if c.Status == models.CallEnded {
		s.release(id)
	}

	return &TurnResult{
		CallID:   id,
		Reply:    reply,
		Scenario: c.Scenario,
		Verified: c.Verified,
		Ended:    c.Status == models.CallEnded,
		Degraded: perr != nil,
	}, nil
}

// Hangup ends a call from the customer's side.
func (s *Service) Hangup(ctx context.Context, id string) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.getCall(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == models.CallEnded {
		s.release(id)
		return nil
	}
	if err := s.record(ctx, id, models.RoleCustomer, HangupLine); err != nil {
		return err
	}
	c.Status = models.CallEnded
	s.release(id)
	s.logger.Info("customer hung up", zap.String("call_id", id))
	return s.store.UpdateCall(ctx, c)
}

// ─── Read ─────────────────────────────────────────────────────────────────────

type Detail struct {
	Call         *models.Call             `json:"call"`
	Messages     []models.Message         `json:"messages"`
	ActionsTaken []string                 `json:"actions_taken"`
	Evaluation   *models.StoredEvaluation `json:"evaluation,omitempty"`
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	c, err := s.getCall(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &Detail{Call: c, Messages: msgs, ActionsTaken: []string{}}
	if sess, err := decodeSession(c); err == nil && sess.State.ActionsTaken != nil {
		d.ActionsTaken = sess.State.ActionsTaken
	}
	ev, err := s.store.GetEvaluation(ctx, id)
	switch {
	case err == nil:
		d.Evaluation = ev
	case !errors.Is(err, database.ErrNotFound):
		return nil, err
	}
	return d, nil
}

func (s *Service) List(ctx context.Context, f database.CallFilter) ([]models.Call, error) {
	return s.store.ListCalls(ctx, f)
}

// Transcript renders the stored messages the way the evaluator reads them.
func (s *Service) Transcript(ctx context.Context, id string) ([]string, error) {
	if _, err := s.getCall(ctx, id); err != nil {
		return nil, err
	}
	msgs, err := s.store.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, speaker(m.Role)+": "+m.Content)
	}
	return lines, nil
}

// Evaluate grades the call's transcript and stores the result.
func (s *Service) Evaluate(ctx context.Context, id string) (*models.StoredEvaluation, error) {
	transcript, err := s.Transcript(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(transcript) == 0 {
		return nil, ErrNoTranscript
	}
	ev, err := s.evaluator.Evaluate(ctx, transcript)
	if err != nil {
		return nil, err
	}
	return s.store.SaveEvaluation(ctx, id, ev)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func speaker(role string) string {
	if role == models.RoleCustomer {
		return "Customer"
	}
	return "Assistant"
}

func (s *Service) getCall(ctx context.Context, id string) (*models.Call, error) {
	c, err := s.store.GetCall(ctx, id)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

// load returns the call row and its agent, rebuilding the agent from the
// persisted state when this process does not hold it.
func (s *Service) load(ctx context.Context, id string) (*models.Call, *agent.MainAgent, agent.Scenario, error) {
	c, err := s.getCall(ctx, id)
	if err != nil {
		return nil, nil, "", err
	}
	sess, err := decodeSession(c)
	if err != nil {
		return nil, nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[id]; ok {
		return c, a, sess.Entry, nil
	}
	a := agent.New(s.llm, s.logger.With(zap.String("call_id", id)),
		agent.WithEntryScenario(sess.Entry),
		agent.WithState(sess.State),
	)
	s.agents[id] = a
	s.logger.Debug("agent restored from store", zap.String("call_id", id))
	return c, a, sess.Entry, nil
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()
}

// release drops everything held in memory for an ended call. The caller
// holds the call's lock; later lockers see the ended row and stop there.
func (s *Service) release(id string) {
	s.forget(id)
	s.locks.Delete(id)
}

// commit stores the assistant's reply and the agent's new state.
func (s *Service) commit(ctx context.Context, c *models.Call, entry agent.Scenario, a *agent.MainAgent, reply string) error {
	if reply != "" {
		if err := s.record(ctx, c.ID, models.RoleAssistant, reply); err != nil {
			return err
		}
	}
	if err := s.snapshotInto(c, entry, a); err != nil {
		return err
	}
	if a.Ended() {
		c.Status = models.CallEnded
	}
	return s.store.UpdateCall(ctx, c)
}

// EncodeState serialises an agent's state for the calls.state column.
func EncodeState(entry agent.Scenario, st agent.State) (string, error) {
	b, err := json.Marshal(session{Entry: entry, State: st})
	if err != nil {
		return "", fmt.Errorf("calls: encode state: %w", err)
	}
	return string(b), nil
}

func decodeSession(c *models.Call) (session, error) {
	var sess session
	if c.State == "" {
		sess.Entry = agent.ScenarioAccountBalance
		return sess, nil
	}
	if err := json.Unmarshal([]byte(c.State), &sess); err != nil {
		return sess, fmt.Errorf("calls: decode state of %s: %w", c.ID, err)
	}
	return sess, nil
}

// snapshotInto copies the agent's state onto the call row.
func (s *Service) snapshotInto(c *models.Call, entry agent.Scenario, a *agent.MainAgent) error {
	st := a.Snapshot()
	state, err := EncodeState(entry, st)
	if err != nil {
		return err
	}
	c.State = state
	c.Verified = st.Verified
	if st.ScenarioType != "" {
		c.Scenario = string(st.ScenarioType)
	}
	if st.CustomerData != nil {
		c.CustomerRef = st.CustomerData.ClientReferenceNumber
	}
	return nil
}

func (s *Service) record(ctx context.Context, callID, role, content string) error {
	return s.store.InsertMessage(ctx, &models.Message{
		ID:      uuid.NewString(),
		CallID:  callID,
		Role:    role,
		Content: content,
	})
}
