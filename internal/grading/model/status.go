// Package model holds the run status records shared by the service, repository and controller.
package model

// Stage is a step of the run lifecycle.
type Stage string

const (
	StageReceived         Stage = "received"
	StageStaged           Stage = "staged"
	StageFixturesResolved Stage = "fixtures_resolved"
	StageExecuted         Stage = "executed"
	StageCallbackSent     Stage = "callback_sent"
	StageCleaned          Stage = "cleaned"
)

// Outcome values of a run.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// RunStatus is the last recorded state of a submission's run.
type RunStatus struct {
	SubmissionID string  `json:"submission_id"`
	AssignmentID string  `json:"assignment_id,omitempty"`
	RunID        string  `json:"run_id,omitempty"`
	Stage        Stage   `json:"stage"`
	Status       string  `json:"status"`
	FailedStage  Stage   `json:"failed_stage,omitempty"`
	Language     string  `json:"language,omitempty"`
	Score        float64 `json:"score"`
	TotalTests   int     `json:"total_tests"`
	PassedTests  int     `json:"passed_tests"`
	ErrorCode    int     `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CallbackSent bool    `json:"callback_sent"`
	ReceivedAt   int64   `json:"received_at"`
	FinishedAt   int64   `json:"finished_at,omitempty"`
}

// Final reports whether no further stage will be recorded.
func (s RunStatus) Final() bool {
	return s.Stage == StageCleaned
}

// StatusEventFinal marks the event emitted once a run is cleaned up.
const StatusEventFinal = "final"

// StatusEvent is published for downstream consumers of run outcomes.
type StatusEvent struct {
	Type      string    `json:"type"`
	Status    RunStatus `json:"status"`
	CreatedAt int64     `json:"created_at"`
}
