package models

import "time"

// SessionStatus is the lifecycle state of a learning session.
type SessionStatus string

const (
	SessionCreated SessionStatus = "created"
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionEnded   SessionStatus = "ended"
)

// Session scopes one policy and one experience buffer.
type Session struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	SessionType string        `json:"session_type"`
	Status      SessionStatus `json:"status"`
	Algorithm   string        `json:"algorithm"`
	PolicyRef   string        `json:"policy_ref"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
}

// ActionScore is one ranked candidate action.
type ActionScore struct {
	Action     string  `json:"action"`
	QValue     float64 `json:"q_value"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the ranked recommendation for a state.
type Prediction struct {
	SessionID    string        `json:"session_id"`
	StateBucket  uint64        `json:"state_bucket"`
	Action       string        `json:"action"`
	Confidence   float64       `json:"confidence"`
	QValue       float64       `json:"q_value"`
	Explored     bool          `json:"explored"`
	Evidence     int           `json:"evidence"`
	Alternatives []ActionScore `json:"alternatives,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Explanation is the reasoning behind the most recent prediction for a state.
type Explanation struct {
	SessionID   string             `json:"session_id"`
	StateBucket uint64             `json:"state_bucket"`
	Prediction  *Prediction        `json:"prediction,omitempty"`
	QValues     map[string]float64 `json:"q_values"`
	Neighbors   []ExperienceMatch  `json:"neighbors"`
	Summary     string             `json:"summary"`
}

// TrainOptions caps one training run.
type TrainOptions struct {
	BatchSize      int `json:"batch_size,omitempty"`
	Epochs         int `json:"epochs,omitempty"`
	MinExperiences int `json:"min_experiences,omitempty"`
}

// TrainResult reports what a training run did. Reason is set when the run was a no-op.
type TrainResult struct {
	ExperiencesProcessed int     `json:"experiences_processed"`
	Epochs               int     `json:"epochs"`
	AvgTDError           float64 `json:"avg_td_error"`
	Epsilon              float64 `json:"epsilon"`
	DurationMs           int64   `json:"duration_ms"`
	Reason               string  `json:"reason,omitempty"`
}

// Metrics summarizes a session's learning progress.
type Metrics struct {
	SessionID        string     `json:"session_id"`
	TotalExperiences int        `json:"total_experiences"`
	BufferedCount    int        `json:"buffered_count"`
	SuccessRate      float64    `json:"success_rate"`
	AvgReward        float64    `json:"avg_reward"`
	RecentAvgReward  float64    `json:"recent_avg_reward"`
	TrainingSteps    int        `json:"training_steps"`
	Epsilon          float64    `json:"epsilon"`
	PolicyStates     int        `json:"policy_states"`
	Predictions      int        `json:"predictions"`
	LastTrainedAt    *time.Time `json:"last_trained_at,omitempty"`
}

// TransferResult reports a policy merge between sessions.
type TransferResult struct {
	SourceSessionID        string  `json:"source_session_id"`
	TargetSessionID        string  `json:"target_session_id"`
	Similarity             float64 `json:"similarity"`
	ExperiencesTransferred int     `json:"experiences_transferred"`
	StatesMerged           int     `json:"states_merged"`
}
