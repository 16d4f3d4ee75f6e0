package models

import "time"

// ─── Customer directory ──────────────────────────────────────────────────────

type Customer struct {
	FirstName             string  `json:"firstName"`
	LastName              string  `json:"lastName"`
	EmailAddress          string  `json:"emailAddress"`
	MobileNumber          string  `json:"mobileNumber"`
	ClientReferenceNumber string  `json:"clientReferenceNumber"`
	AccountBalance        float64 `json:"accountBalance"`
	ArrearsBalance        float64 `json:"arrearsBalance"`
	MinimumAmountDue      float64 `json:"minimumAmountDue"`
	NextPaymentDate       string  `json:"nextPaymentDate"`
	AccountStatus         string  `json:"accountStatus"`
	DaysPastDue           int     `json:"daysPastDue"`
}

// VerificationData is what the caller has told us so far.
type VerificationData struct {
	ReferenceOrMobile string `json:"reference_or_mobile"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	DateOfBirth       string `json:"date_of_birth"`
}

// Merge copies every non-empty field of u into v.
func (v *VerificationData) Merge(u VerificationData) {
	if u.ReferenceOrMobile != "" {
		v.ReferenceOrMobile = u.ReferenceOrMobile
	}
	if u.FirstName != "" {
		v.FirstName = u.FirstName
	}
	if u.LastName != "" {
		v.LastName = u.LastName
	}
	if u.DateOfBirth != "" {
		v.DateOfBirth = u.DateOfBirth
	}
}

// ─── Completion contracts ────────────────────────────────────────────────────

type GreetingResult struct {
	Response string `json:"response"`
}

type VerificationResult struct {
	Response    string   `json:"response"`
	UpdatedData Embedded `json:"updated_data"`
	IsComplete  Bool     `json:"is_complete"`
}

type AccountBalanceResult struct {
	Response         string `json:"response"`
	ScenarioComplete Bool   `json:"scenario_complete"`
	NeedsDeferral    Bool   `json:"needs_deferral"`
}

// StepResult is returned by every numbered-step scenario.
type StepResult struct {
	Response         string `json:"response"`
	NextStep         Int    `json:"next_step"`
	ScenarioComplete Bool   `json:"scenario_complete"`
	NeedsTransfer    Bool   `json:"needs_transfer"`
}

type ClosingResult struct {
	Response     string `json:"response"`
	NextStep     Int    `json:"next_step"`
	CallComplete Bool   `json:"call_complete"`
}

type CallerResult struct {
	CustomerResponse string `json:"customer_response"`
	ShouldEndCall    Bool   `json:"should_end_call"`
}

// ─── Evaluation ──────────────────────────────────────────────────────────────

const (
	OutcomeFollowed    = "FOLLOWED"
	OutcomeNotFollowed = "NOT_FOLLOWED"
)

type OutcomeCheck struct {
	OutcomeDescription string `json:"outcome_description"`
	Status             string `json:"status"` // "FOLLOWED" | "NOT_FOLLOWED"
	Evidence           string `json:"evidence"`
}

type Evaluation struct {
	OutcomeChecks []OutcomeCheck `json:"outcome_checks"`
}

// Score returns how many outcomes were followed, out of how many checked.
func (e *Evaluation) Score() (followed, total int, percent float64) {
	total = len(e.OutcomeChecks)
	for _, c := range e.OutcomeChecks {
		if c.Status == OutcomeFollowed {
			followed++
		}
	}
	if total > 0 {
		percent = float64(followed) / float64(total) * 100
	}
	return followed, total, percent
}

// ─── Database models ─────────────────────────────────────────────────────────

const (
	CallActive = "ACTIVE"
	CallEnded  = "ENDED"

	RoleAssistant = "assistant"
	RoleCustomer  = "customer"
)

type Call struct {
	ID          string `db:"id" json:"id"`
	Status      string `db:"status" json:"status"` // "ACTIVE" | "ENDED"
	Scenario    string `db:"scenario" json:"scenario"`
	Verified    bool   `db:"verified" json:"verified"`
	CustomerRef string `db:"customer_ref" json:"customer_ref"`
	// State is the agent's serialised conversation state, used to resume
	// a call the process no longer holds in memory.
	State     string    `db:"state" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type Message struct {
	ID        string    `db:"id" json:"id"`
	CallID    string    `db:"call_id" json:"call_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StoredEvaluation is an Evaluation as persisted against a call.
type StoredEvaluation struct {
	CallID     string     `json:"call_id"`
	Evaluation Evaluation `json:"evaluation"`
	Followed   int        `json:"followed"`
	Total      int        `json:"total"`
	CreatedAt  time.Time  `json:"created_at"`
}
