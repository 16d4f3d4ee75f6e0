package llm

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Task names understood by Predict.
const (
	TaskGreeting           = "greeting"
	TaskVerification       = "verification"
	TaskAccountBalance     = "account_balance"
	TaskArrearsManagement  = "arrears_management"
	TaskPaymentDeferral    = "payment_deferral"
	TaskHardshipAssistance = "hardship_assistance"
	TaskBankingUpdate      = "banking_update"
	TaskClosing            = "closing"
	TaskCaller             = "caller"
	TaskEvaluation         = "evaluation"
)

var requiredTasks = []string{
	TaskGreeting, TaskVerification, TaskAccountBalance, TaskArrearsManagement,
	TaskPaymentDeferral, TaskHardshipAssistance, TaskBankingUpdate, TaskClosing,
	TaskCaller, TaskEvaluation,
}

//go:embed prompts.yaml
var defaultPrompts []byte

type Field struct {
	Name string `yaml:"name"`
	Desc string `yaml:"desc"`
}

type Task struct {
	Identity    string  `yaml:"identity"`
	Instruction string  `yaml:"instruction"`
	Inputs      []Field `yaml:"inputs"`
	Outputs     []Field `yaml:"outputs"`
}

type Persona struct {
	Key      string `yaml:"key"`
	Name     string `yaml:"name"`
	Scenario string `yaml:"scenario"`
	Context  string `yaml:"context"`
}

// Prompts is the compiled template set: one system prompt per task, plus the
// caller personas and the evaluation checklist.
type Prompts struct {
	Identity         string          `yaml:"identity"`
	Tasks            map[string]Task `yaml:"tasks"`
	ExpectedOutcomes []string        `yaml:"expected_outcomes"`
	Personas         []Persona       `yaml:"personas"`

	compiled map[string]string
}

// LoadPrompts reads the template file at path, or the built-in templates when
// path is empty.
func LoadPrompts(path string) (*Prompts, error) {
	if path == "" {
		return ParsePrompts(defaultPrompts)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("llm: read prompts: %w", err)
	}
	return ParsePrompts(data)
}

// DefaultPrompts returns the built-in templates. They are validated by tests,
// so a failure here is a programming error.
func DefaultPrompts() *Prompts {
	p, err := ParsePrompts(defaultPrompts)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePrompts parses and compiles a YAML template set.
func ParsePrompts(data []byte) (*Prompts, error) {
	var p Prompts
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("llm: parse prompts YAML: %w", err)
	}

	for _, name := range requiredTasks {
		if _, ok := p.Tasks[name]; !ok {
			return nil, fmt.Errorf("llm: prompts missing task %q", name)
		}
	}
	if len(p.ExpectedOutcomes) == 0 {
		return nil, fmt.Errorf("llm: prompts missing expected_outcomes")
	}

	p.compiled = make(map[string]string, len(p.Tasks))
	for name, t := range p.Tasks {
		if len(t.Outputs) == 0 {
			return nil, fmt.Errorf("llm: task %q declares no outputs", name)
		}
		identity := t.Identity
		if identity == "" {
			identity = p.Identity
		}
		p.compiled[name] = compile(identity, t)
	}
	return &p, nil
}

// SystemPrompt returns the compiled system prompt for a task.
func (p *Prompts) SystemPrompt(task string) (string, bool) {
	s, ok := p.compiled[task]
	return s, ok
}

// Persona returns the persona registered under key.
func (p *Prompts) Persona(key string) (Persona, bool) {
	for _, ps := range p.Personas {
		if ps.Key == key {
			return ps, true
		}
	}
	return Persona{}, false
}

func compile(identity string, t Task) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(identity))
	b.WriteString("\n\nTask: ")
	b.WriteString(strings.TrimSpace(t.Instruction))

	if len(t.Inputs) > 0 {
		b.WriteString("\n\nYou will receive a JSON object with these fields:\n")
		for _, f := range t.Inputs {
			fmt.Fprintf(&b, "- %s: %s\n", f.Name, strings.TrimSpace(f.Desc))
		}
	}

	b.WriteString("\nYou MUST respond ONLY with a valid JSON object matching this exact schema, no extra text:\n{\n")
	for i, f := range t.Outputs {
		sep := ","
		if i == len(t.Outputs)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "  %q: <%s>%s\n", f.Name, strings.TrimSpace(f.Desc), sep)
	}
	b.WriteString("}")
	return b.String()
}
