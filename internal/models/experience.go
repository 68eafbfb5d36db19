package models

import "time"

// State is the observation an action was taken from.
type State struct {
	Embedding []float32      `json:"embedding,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Experience is one recorded (state, action, reward, next state) transition.
type Experience struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	TaskType  string          `json:"task_type,omitempty"`
	ToolName  string          `json:"tool_name"`
	State     State           `json:"state"`
	Action    string          `json:"action"`
	Reward    float64         `json:"reward"`
	Breakdown RewardBreakdown `json:"breakdown"`
	NextState *State          `json:"next_state,omitempty"`
	Done      bool            `json:"done"`
	Timestamp time.Time       `json:"timestamp"`
}

// Succeeded reports whether the recorded outcome was a success.
func (e *Experience) Succeeded() bool {
	return e.Breakdown.Success >= 0.5
}

// Outcome describes the result of one tool execution.
type Outcome struct {
	Success         bool     `json:"success"`
	ExecutionTimeMs float64  `json:"execution_time_ms"`
	TokensUsed      int      `json:"tokens_used,omitempty"`
	QualityScore    *float64 `json:"quality_score,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// Verdict classifies an outcome.
type Verdict string

const (
	VerdictSuccess     Verdict = "success"
	VerdictFailure     Verdict = "failure"
	VerdictInterrupted Verdict = "interrupted"
)

// VerdictFor classifies o. An exit code takes precedence over the success flag:
// 0 is success, 130 (SIGINT) is interrupted, anything else is failure.
func VerdictFor(o Outcome) Verdict {
	if o.ExitCode != nil {
		switch *o.ExitCode {
		case 0:
			return VerdictSuccess
		case 130:
			return VerdictInterrupted
		default:
			return VerdictFailure
		}
	}
	if o.Success {
		return VerdictSuccess
	}
	return VerdictFailure
}

// RewardBreakdown holds the per-component reward in [0,1] and the blended score.
type RewardBreakdown struct {
	Success    float64  `json:"success"`
	Efficiency float64  `json:"efficiency"`
	Quality    float64  `json:"quality"`
	Cost       float64  `json:"cost"`
	Automatic  float64  `json:"automatic"`
	Objective  *float64 `json:"objective,omitempty"`
	Combined   float64  `json:"combined"`
}

// Scalar maps Combined from [0,1] onto the learning reward range [-1,1].
func (b RewardBreakdown) Scalar() float64 {
	return 2*b.Combined - 1
}

// ExperienceMatch is a historical experience returned by similarity or keyword recall.
type ExperienceMatch struct {
	Experience *Experience `json:"experience"`
	Distance   float64     `json:"distance"`
	Score      float64     `json:"score"`
}
