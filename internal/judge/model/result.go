package model

import "time"

// SubtestResult is the outcome of a single test inside one execution.
type SubtestResult struct {
	Name       string  `json:"name"`
	Passed     bool    `json:"passed"`
	Score      float64 `json:"score"`
	Message    string  `json:"message,omitempty"`
	DurationMs int64   `json:"durationMs,omitempty"`
}

// LogArtifact is a log file produced by the sandbox. Content is inline until
// the worker uploads it; afterwards Key names the stored object.
type LogArtifact struct {
	Name    string `json:"name"`
	Content string `json:"content,omitempty"`
	Key     string `json:"key,omitempty"`
}

// ExecutionOutcome is what the sandbox executor reports for one run.
type ExecutionOutcome struct {
	Score  float64         `json:"score"`
	Status string          `json:"status"`
	Tests  []SubtestResult `json:"tests"`
	Logs   []LogArtifact   `json:"logs,omitempty"`
}

// ResultStatus is the terminal state recorded for a judge record.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// TaskResult is the persisted terminal state of a judge record. Success and
// terminal failure share this shape so consumers always see one of them.
type TaskResult struct {
	JudgeRecordID int64           `json:"judgeRecordId"`
	JobID         string          `json:"jobId"`
	QueuedAt      int64           `json:"queuedAt,omitempty"` // queue timestamp of the task, unix ms
	UserID        string          `json:"userId"`
	ProblemID     int64           `json:"problemId"`
	Status        ResultStatus    `json:"status"`
	Score         float64         `json:"score"`
	OutcomeStatus string          `json:"outcomeStatus,omitempty"`
	Tests         []SubtestResult `json:"tests"`
	Artifacts     []string        `json:"artifacts,omitempty"`
	Error         string          `json:"error,omitempty"`
	PendingTimeMs int64           `json:"pendingTimeMs"`
	Attempts      int             `json:"attempts"`
	FinishedAt    time.Time       `json:"finishedAt"`
}

// CompletionReport is the body a worker or an external executor sends with
// the completion webhook.
type CompletionReport struct {
	JobID         string            `json:"jobId"`
	Failed        bool              `json:"failed"`
	Error         string            `json:"error,omitempty"`
	Outcome       *ExecutionOutcome `json:"outcome,omitempty"`
	PendingTimeMs int64             `json:"pendingTimeMs"`
	Attempts      int               `json:"attempts"`
}
