package align

import (
	"github.com/dgallion1/markalign/internal/document"
	"github.com/dgallion1/markalign/internal/extract"
)

// Phase is the controller's position in its state machine.
type Phase string

const (
	PhaseSeeking   Phase = "seeking"
	PhaseExpanding Phase = "expanding"
	PhaseAdvancing Phase = "advancing"
	PhaseDone      Phase = "done"
)

// State is the controller's working state for one document pair. The state
// at the top of any iteration is a valid resume point.
type State struct {
	QPCursor          int                  `json:"qp_cursor"`
	MSCursor          int                  `json:"ms_cursor"`
	QuestionNumber    int                  `json:"question_number"`
	ExpansionAttempts int                  `json:"expansion_attempts"`
	Questions         []*document.Question `json:"accumulated_questions"`
}

// Outcome is the controller's reading of one validated oracle response.
type Outcome interface {
	outcome()
}

// Accepted means the response's questions are taken and the cursors move.
type Accepted struct {
	Questions          []*document.Question
	NextQPCursor       int
	NextMSCursor       int
	NextQuestionNumber *int
	// ExpansionExhausted is set when context was still incomplete but no
	// expansion attempts were left.
	ExpansionExhausted bool
}

// NeedsMoreContext means the window must grow on the flagged sides before
// anything is accepted.
type NeedsMoreContext struct {
	QuestionPaper bool
	MarkScheme    bool
}

func (Accepted) outcome()         {}
func (NeedsMoreContext) outcome() {}

// Classify decides between expansion and acceptance.
func Classify(resp *extract.Response, st State, maxExpansions int) Outcome {
	complete := resp.ContextComplete
	if !complete.Both() && st.ExpansionAttempts < maxExpansions {
		return NeedsMoreContext{
			QuestionPaper: !complete.QuestionPaper,
			MarkScheme:    !complete.MarkScheme,
		}
	}
	return Accepted{
		Questions:          resp.Questions,
		NextQPCursor:       resp.NextQPCursor,
		NextMSCursor:       resp.NextMSCursor,
		NextQuestionNumber: resp.NextQuestionNumber,
		ExpansionExhausted: !complete.Both(),
	}
}
