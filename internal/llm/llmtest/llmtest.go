// Package llmtest provides a scripted llm.Predictor for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type Call struct {
	Task   string
	Inputs map[string]any
}

// Scripted replays canned JSON replies per task, in order. It is safe for
// concurrent use.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]string
	always  map[string]string
	errs    map[string]error
	calls   []Call
}

func New() *Scripted {
	return &Scripted{
		replies: map[string][]string{},
		always:  map[string]string{},
		errs:    map[string]error{},
	}
}

// On queues replies for task.
func (s *Scripted) On(task string, replies ...string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[task] = append(s.replies[task], replies...)
	return s
}

// Always answers task with reply once its queue is empty.
func (s *Scripted) Always(task, reply string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.always[task] = reply
	return s
}

// Fail makes every completion for task return err.
func (s *Scripted) Fail(task string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[task] = err
	return s
}

func (s *Scripted) Predict(_ context.Context, task string, inputs map[string]any, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Task: task, Inputs: inputs})
	if err := s.errs[task]; err != nil {
		return err
	}
	var reply string
	if q := s.replies[task]; len(q) > 0 {
		reply = q[0]
		s.replies[task] = q[1:]
	} else if r, ok := s.always[task]; ok {
		reply = r
	} else {
		return fmt.Errorf("llmtest: no scripted reply for %s", task)
	}
	return json.Unmarshal([]byte(reply), out)
}

// Calls returns every completion requested so far.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Count returns how many completions were requested for task.
func (s *Scripted) Count(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Task == task {
			n++
		}
	}
	return n
}
