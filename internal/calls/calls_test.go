package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"skycredit/internal/database"
	"skycredit/internal/evaluator"
	"skycredit/internal/llm"
	"skycredit/internal/llm/llmtest"
	"skycredit/internal/models"
)

const (
	greeting     = `{"response":"Thank you for calling the Sky Credit Group. My name is Jess."}`
	paulVerified = `{"response":"Thank you, I'm looking up your account now.","updated_data":{"reference_or_mobile":"XT59591","first_name":"Paul","last_name":"Walshe","date_of_birth":"15th March 1985"},"is_complete":true}`
	askFirstName = `{"response":"Could I have your first name?","updated_data":{},"is_complete":false}`
	balance      = `{"response":"I've located your account. Your balance is $1,491.06. Will the payment of $149.11 go through on the 17th?"}`
	anythingElse = `{"response":"Great, that will process automatically. Is there anything else I can assist you with?"}`
	goodbye      = `{"response":"Thanks for calling Sky Credit, have a great day.","next_step":5,"call_complete":true}`
	evaluation   = `{"outcome_checks":[{"outcome_description":"ask reference","status":"FOLLOWED","evidence":"x"},{"outcome_description":"ask dob","status":"NOT_FOLLOWED","evidence":"y"}]}`
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakyStore fails UpdateCall while failUpdate is set.
type flakyStore struct {
	*database.DB
	failUpdate bool
}

func (f *flakyStore) UpdateCall(ctx context.Context, c *models.Call) error {
	if f.failUpdate {
		return errors.New("disk I/O error")
	}
	return f.DB.UpdateCall(ctx, c)
}

func (s *Service) holds(id string) (inMemory, locked bool) {
	s.mu.Lock()
	_, inMemory = s.agents[id]
	s.mu.Unlock()
	_, locked = s.locks.Load(id)
	return inMemory, locked
}

func newTestService(t *testing.T, p *llmtest.Scripted) (*Service, *database.DB) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	db, err := database.Init(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ev := evaluator.New(p, llm.DefaultPrompts().ExpectedOutcomes, logger)
	return NewService(db, p, ev, logger), db
}

func TestCallLifecycle(t *testing.T) {
	p := llmtest.New().
		On(llm.TaskGreeting, greeting).
		On(llm.TaskVerification, paulVerified).
		On(llm.TaskAccountBalance, balance, anythingElse).
		On(llm.TaskClosing, goodbye).
		On(llm.TaskEvaluation, evaluation)
	svc, _ := newTestService(t, p)
	ctx := context.Background()

	started, err := svc.Start(ctx, StartOptions{})
	require.NoError(t, err)
	id := started.Call.ID
	assert.NotEmpty(t, id)
	assert.Equal(t, "Thank you for calling the Sky Credit Group. My name is Jess.", started.Greeting)
	assert.False(t, started.Degraded)

	turn, err := svc.Turn(ctx, id, "It's XT59591, Paul Walshe, born 15th March 1985")
	require.NoError(t, err)
	assert.True(t, turn.Verified)
	assert.Equal(t, "account_balance", turn.Scenario)
	assert.Contains(t, turn.Reply, "$1,491.06")
	assert.False(t, turn.Ended)

	turn, err = svc.Turn(ctx, id, "Yes it will")
	require.NoError(t, err)
	assert.True(t, turn.Ended)
	assert.Equal(t, "Thanks for calling Sky Credit, have a great day.", turn.Reply)

	held, locked := svc.holds(id)
	assert.False(t, held)
	assert.False(t, locked)

	_, err = svc.Turn(ctx, id, "Hello?")
	assert.ErrorIs(t, err, ErrCallEnded)

	d, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.CallEnded, d.Call.Status)
	assert.Equal(t, "XT59591", d.Call.CustomerRef)
	assert.Len(t, d.Messages, 5)
	assert.Equal(t, models.RoleAssistant, d.Messages[0].Role)
	assert.Equal(t, []string{"Handled account_balance request"}, d.ActionsTaken)
	assert.Nil(t, d.Evaluation)

	stored, err := svc.Evaluate(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Followed)
	assert.Equal(t, 2, stored.Total)

	transcript := p.Calls()[len(p.Calls())-1].Inputs["conversation_transcript"].(string)
	assert.Contains(t, transcript, "Customer: Yes it will\nAssistant: Thanks for calling Sky Credit")

	d, err = svc.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d.Evaluation)
	assert.Equal(t, 1, d.Evaluation.Followed)
}

func TestStart_Validation(t *testing.T) {
	p := llmtest.New().Always(llm.TaskGreeting, greeting)
	svc, _ := newTestService(t, p)
	ctx := context.Background()

	_, err := svc.Start(ctx, StartOptions{Scenario: "closing"})
	assert.ErrorIs(t, err, ErrBadScenario)

	res, err := svc.Start(ctx, StartOptions{ID: "CA123", Scenario: "banking_update"})
	require.NoError(t, err)
	assert.Equal(t, "CA123", res.Call.ID)
	assert.Equal(t, "banking_update", res.Call.Scenario)

	_, err = svc.Start(ctx, StartOptions{ID: "CA123"})
	assert.ErrorIs(t, err, ErrExists)
}

func TestStart_DegradedGreeting(t *testing.T) {
	p := llmtest.New().Fail(llm.TaskGreeting, fmt.Errorf("backend down"))
	svc, _ := newTestService(t, p)

	res, err := svc.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Greeting, "Sky Credit Group")
}

func TestTurn_Errors(t *testing.T) {
	svc, _ := newTestService(t, llmtest.New())
	ctx := context.Background()

	_, err := svc.Turn(ctx, "missing", "hello")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Turn(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTurn_ResumesFromStore(t *testing.T) {
	p := llmtest.New().
		On(llm.TaskGreeting, greeting).
		On(llm.TaskVerification, paulVerified).
		On(llm.TaskAccountBalance, balance, balance)
	svc, db := newTestService(t, p)
	ctx := context.Background()

	res, err := svc.Start(ctx, StartOptions{})
	require.NoError(t, err)
	_, err = svc.Turn(ctx, res.Call.ID, "XT59591, Paul Walshe, 15th March 1985")
	require.NoError(t, err)

	// A fresh service has no agent in memory and rebuilds it from the row.
	restarted := NewService(db, p, nil, zaptest.NewLogger(t))
	turn, err := restarted.Turn(ctx, res.Call.ID, "Sorry, what was the balance?")
	require.NoError(t, err)
	assert.True(t, turn.Verified)
	assert.Equal(t, 1, p.Count(llm.TaskVerification))
	assert.Equal(t, 2, p.Count(llm.TaskAccountBalance))
}

func TestTurn_FailedUpdateRebuildsAgent(t *testing.T) {
	p := llmtest.New().
		On(llm.TaskGreeting, greeting).
		On(llm.TaskVerification, paulVerified, paulVerified).
		On(llm.TaskAccountBalance, balance, balance)
	logger := zaptest.NewLogger(t)
	db, err := database.Init(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	store := &flakyStore{DB: db}
	svc := NewService(store, p, nil, logger)
	ctx := context.Background()

	res, err := svc.Start(ctx, StartOptions{})
	require.NoError(t, err)
	id := res.Call.ID

	store.failUpdate = true
	_, err = svc.Turn(ctx, id, "XT59591, Paul Walshe, 15th March 1985")
	require.Error(t, err)
	held, locked := svc.holds(id)
	assert.False(t, held)
	assert.True(t, locked)

	// The stored state is still unverified, so verification runs again.
	store.failUpdate = false
	turn, err := svc.Turn(ctx, id, "XT59591, Paul Walshe, 15th March 1985")
	require.NoError(t, err)
	assert.True(t, turn.Verified)
	assert.Equal(t, 2, p.Count(llm.TaskVerification))

	c, err := db.GetCall(ctx, id)
	require.NoError(t, err)
	assert.True(t, c.Verified)
}

func TestTurn_DegradedReplyIsRecorded(t *testing.T) {
	p := llmtest.New().
		On(llm.TaskGreeting, greeting).
		Fail(llm.TaskVerification, fmt.Errorf("timeout"))
	svc, _ := newTestService(t, p)
	ctx := context.Background()

	res, err := svc.Start(ctx, StartOptions{})
	require.NoError(t, err)
	turn, err := svc.Turn(ctx, res.Call.ID, "XT59591")
	require.NoError(t, err)
	assert.True(t, turn.Degraded)
	assert.NotEmpty(t, turn.Reply)

	lines, err := svc.Transcript(ctx, res.Call.ID)
	require.NoError(t, err)
	assert.Equal(t, "Customer: XT59591", lines[1])
	assert.Equal(t, "Assistant: "+turn.Reply, lines[2])
}

func TestHangup(t *testing.T) {
	p := llmtest.New().On(llm.TaskGreeting, greeting)
	svc, _ := newTestService(t, p)
	ctx := context.Background()

	res, err := svc.Start(ctx, StartOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Hangup(ctx, res.Call.ID))
	held, locked := svc.holds(res.Call.ID)
	assert.False(t, held)
	assert.False(t, locked)
	// Hanging up twice is a no-op.
	require.NoError(t, svc.Hangup(ctx, res.Call.ID))

	lines, err := svc.Transcript(ctx, res.Call.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Assistant: Thank you for calling the Sky Credit Group. My name is Jess.",
		"Customer: " + HangupLine,
	}, lines)

	_, err = svc.Turn(ctx, res.Call.ID, "wait")
	assert.ErrorIs(t, err, ErrCallEnded)

	ended, err := svc.List(ctx, database.CallFilter{Status: models.CallEnded})
	require.NoError(t, err)
	assert.Len(t, ended, 1)
}

func TestTurn_SerialisedPerCall(t *testing.T) {
	p := llmtest.New().
		On(llm.TaskGreeting, greeting).
		Always(llm.TaskVerification, askFirstName)
	svc, _ := newTestService(t, p)
	ctx := context.Background()

	res, err := svc.Start(ctx, StartOptions{})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Turn(ctx, res.Call.ID, fmt.Sprintf("utterance %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	lines, err := svc.Transcript(ctx, res.Call.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1+2*n)
	for i := 1; i < len(lines); i += 2 {
		assert.Contains(t, lines[i], "Customer: utterance")
		assert.Equal(t, "Assistant: Could I have your first name?", lines[i+1])
	}
}
