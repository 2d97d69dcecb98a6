package model_test

import (
	"testing"

	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

func validRequest() model.CreateTaskRequest {
	return model.CreateTaskRequest{
		ProblemID:     1,
		JudgeRecordID: 42,
		UserID:        "u1",
		JudgeScript:   "x",
		FsSnapshot:    map[string]string{"/a.ts": "1"},
		Mode:          model.ModeJudge,
		Token:         "0F8FAD5B-D9CB-469F-A165-70867728950E",
	}
}

func TestCreateTaskRequestToTask(t *testing.T) {
	task, err := validRequest().ToTask(1700000000000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task.QueueTimestamp != 1700000000000 {
		t.Fatalf("expected queue timestamp to be stamped")
	}
	if task.Token != "0f8fad5b-d9cb-469f-a165-70867728950e" {
		t.Fatalf("expected normalized token, got %s", task.Token)
	}
	if task.JobID() != "judge-42" {
		t.Fatalf("unexpected job id %s", task.JobID())
	}
}

func TestCreateTaskRequestValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		field string
		edit  func(r *model.CreateTaskRequest)
	}{
		{name: "problem id", field: "problemId", edit: func(r *model.CreateTaskRequest) { r.ProblemID = 0 }},
		{name: "record id", field: "judgeRecordId", edit: func(r *model.CreateTaskRequest) { r.JudgeRecordID = -1 }},
		{name: "user id", field: "userId", edit: func(r *model.CreateTaskRequest) { r.UserID = "  " }},
		{name: "script", field: "judgeScript", edit: func(r *model.CreateTaskRequest) { r.JudgeScript = "" }},
		{name: "snapshot", field: "fsSnapshot", edit: func(r *model.CreateTaskRequest) { r.FsSnapshot = nil }},
		{name: "snapshot escape", field: "fsSnapshot", edit: func(r *model.CreateTaskRequest) { r.FsSnapshot = map[string]string{"../../etc/x": "1"} }},
		{name: "snapshot nested escape", field: "fsSnapshot", edit: func(r *model.CreateTaskRequest) { r.FsSnapshot = map[string]string{"src/../../x": "1"} }},
		{name: "snapshot root", field: "fsSnapshot", edit: func(r *model.CreateTaskRequest) { r.FsSnapshot = map[string]string{"/": "1"} }},
		{name: "snapshot duplicate", field: "fsSnapshot", edit: func(r *model.CreateTaskRequest) { r.FsSnapshot = map[string]string{"/a.ts": "1", "a.ts": "2"} }},
		{name: "snapshot file as dir", field: "fsSnapshot", edit: func(r *model.CreateTaskRequest) { r.FsSnapshot = map[string]string{"a": "1", "a/b": "2"} }},
		{name: "mode", field: "mode", edit: func(r *model.CreateTaskRequest) { r.Mode = "run" }},
		{name: "token", field: "token", edit: func(r *model.CreateTaskRequest) { r.Token = "not-a-uuid" }},
		{name: "braced token", field: "token", edit: func(r *model.CreateTaskRequest) { r.Token = "{0f8fad5b-d9cb-469f-a165-70867728950e}" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := validRequest()
			tt.edit(&req)
			_, err := req.ToTask(1)
			if !appErr.Is(err, appErr.ValidationFailed) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if got := appErr.GetError(err).Details["field"]; got != tt.field {
				t.Fatalf("expected field %s, got %v", tt.field, got)
			}
		})
	}
}

func TestNotificationTargets(t *testing.T) {
	ev := model.NewNotification("payload", "A", "", "C")
	if !ev.Targets("A") || !ev.Targets("C") {
		t.Fatalf("expected A and C to be targeted")
	}
	if ev.Targets("B") || ev.Targets("") {
		t.Fatalf("unexpected target")
	}
}
