package model

import (
	"fmt"
	"path"
	"strings"

	"judgeflow/internal/common/storage"
	appErr "judgeflow/pkg/errors"

	"github.com/google/uuid"
)

// Mode selects how the sandbox treats the submission.
type Mode string

const (
	ModeAudit Mode = "audit"
	ModeJudge Mode = "judge"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeAudit || m == ModeJudge
}

// JudgeTask is the payload of one queued judge job. It is built once from a
// validated CreateTaskRequest and never modified after enqueue.
type JudgeTask struct {
	ProblemID      int64             `json:"problemId"`
	JudgeRecordID  int64             `json:"judgeRecordId"`
	UserID         string            `json:"userId"`
	JudgeScript    string            `json:"judgeScript"`
	FsSnapshot     map[string]string `json:"fsSnapshot"`
	Mode           Mode              `json:"mode"`
	Token          string            `json:"token"`
	QueueTimestamp int64             `json:"queueTimestamp"` // unix ms
}

// JobID is the queue id of the task. It is derived from the judge record so
// that a record cannot be queued twice while in flight.
func (t JudgeTask) JobID() string {
	return JobIDFor(t.JudgeRecordID)
}

// JobIDFor returns the queue id for a judge record.
func JobIDFor(judgeRecordID int64) string {
	return fmt.Sprintf("judge-%d", judgeRecordID)
}

// Validate checks the invariants a task must hold before it is queued and
// again when a worker decodes it.
func (t JudgeTask) Validate() error {
	if t.ProblemID <= 0 {
		return appErr.ValidationError("problemId", "must be a positive integer")
	}
	if t.JudgeRecordID <= 0 {
		return appErr.ValidationError("judgeRecordId", "must be a positive integer")
	}
	if strings.TrimSpace(t.UserID) == "" {
		return appErr.ValidationError("userId", "required")
	}
	if strings.TrimSpace(t.JudgeScript) == "" {
		return appErr.ValidationError("judgeScript", "required")
	}
	if t.FsSnapshot == nil {
		return appErr.ValidationError("fsSnapshot", "required")
	}
	if err := CheckSnapshot(t.FsSnapshot); err != nil {
		return err
	}
	if !t.Mode.Valid() {
		return appErr.ValidationError("mode", "must be audit or judge")
	}
	if !IsUUID(t.Token) {
		return appErr.ValidationError("token", "must be a uuid")
	}
	return nil
}

// CheckSnapshot rejects snapshot paths that leave the sandbox root, that name
// the same file twice, or that use a file as the parent of another entry.
func CheckSnapshot(snapshot map[string]string) error {
	files := make(map[string]string, len(snapshot))
	for name := range snapshot {
		key, err := storage.CleanKey(name)
		if err != nil {
			return appErr.ValidationError("fsSnapshot", fmt.Sprintf("invalid path %q", name))
		}
		if other, ok := files[key]; ok {
			return appErr.ValidationError("fsSnapshot", fmt.Sprintf("paths %q and %q name the same file", other, name))
		}
		files[key] = name
	}
	for key, name := range files {
		for dir := path.Dir(key); dir != "."; dir = path.Dir(dir) {
			if other, ok := files[dir]; ok {
				return appErr.ValidationError("fsSnapshot", fmt.Sprintf("%q is both a file and the parent of %q", other, name))
			}
		}
	}
	return nil
}

// CreateTaskRequest is the body of POST /task/create.
type CreateTaskRequest struct {
	ProblemID     int64             `json:"problemId"`
	JudgeRecordID int64             `json:"judgeRecordId"`
	UserID        string            `json:"userId"`
	JudgeScript   string            `json:"judgeScript"`
	FsSnapshot    map[string]string `json:"fsSnapshot"`
	Mode          Mode              `json:"mode"`
	Token         string            `json:"token"`
}

// ToTask validates the request and stamps the queue timestamp.
func (r CreateTaskRequest) ToTask(queueTimestamp int64) (JudgeTask, error) {
	task := JudgeTask{
		ProblemID:      r.ProblemID,
		JudgeRecordID:  r.JudgeRecordID,
		UserID:         strings.TrimSpace(r.UserID),
		JudgeScript:    r.JudgeScript,
		FsSnapshot:     r.FsSnapshot,
		Mode:           r.Mode,
		Token:          strings.ToLower(strings.TrimSpace(r.Token)),
		QueueTimestamp: queueTimestamp,
	}
	if err := task.Validate(); err != nil {
		return JudgeTask{}, err
	}
	return task, nil
}

// IsUUID reports whether s is a canonical 36-character UUID.
func IsUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
