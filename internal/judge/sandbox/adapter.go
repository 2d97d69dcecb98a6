// Package sandbox materializes filesystem snapshots and hands them to the
// external sandbox executor.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Root is one materialized snapshot.
type Root struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// ExecutionRequest is the input of Adapter.Execute.
type ExecutionRequest struct {
	JobID         string
	JudgeRecordID int64
	Mode          model.Mode
	Script        string
	Snapshot      map[string]string
}

// Adapter restores snapshots under BaseDir and runs them through Executor.
type Adapter struct {
	BaseDir  string
	Executor Executor
}

// NewAdapter creates the base directory and resolves it to an absolute path.
func NewAdapter(baseDir string, executor Executor) (*Adapter, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("sandbox base dir is required")
	}
	if executor == nil {
		return nil, fmt.Errorf("sandbox executor is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox base dir failed: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create sandbox base dir failed: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Adapter{BaseDir: abs, Executor: executor}, nil
}

// Restore writes every snapshot entry below a new randomly named root.
// Leading slashes are relative to the root; entries that would leave it are
// rejected and nothing is kept on disk.
func (a *Adapter) Restore(snapshot map[string]string) (Root, error) {
	if err := model.CheckSnapshot(snapshot); err != nil {
		return Root{}, err
	}
	id := uuid.NewString()
	root := Root{ID: id, Path: filepath.Join(a.BaseDir, id)}
	if err := os.Mkdir(root.Path, 0o755); err != nil {
		return Root{}, appErr.Wrapf(err, appErr.RestoreFailed, "create sandbox root failed")
	}
	for name, content := range snapshot {
		key, err := storage.CleanKey(name)
		if err != nil {
			a.discard(root.Path)
			return Root{}, appErr.ValidationError("fsSnapshot", fmt.Sprintf("invalid path %q", name))
		}
		full := filepath.Join(root.Path, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			a.discard(root.Path)
			return Root{}, appErr.Wrapf(err, appErr.RestoreFailed, "create parent of %s failed", key)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			a.discard(root.Path)
			return Root{}, appErr.Wrapf(err, appErr.RestoreFailed, "write %s failed", key)
		}
	}
	return root, nil
}

// Cleanup removes a root recursively. Paths that are not strictly inside
// BaseDir are refused with ContainmentViolation and nothing is deleted.
func (a *Adapter) Cleanup(rootPath string) error {
	if !a.contains(rootPath) {
		logger.Error(context.Background(), "refusing to remove path outside sandbox base dir",
			zap.String("path", rootPath),
			zap.String("base_dir", a.BaseDir),
		)
		return appErr.New(appErr.ContainmentViolation).WithDetail("path", rootPath)
	}
	if err := os.RemoveAll(rootPath); err != nil {
		return appErr.Wrapf(err, appErr.RestoreFailed, "remove sandbox root failed")
	}
	return nil
}

// Execute restores the snapshot, runs the executor and removes the root on
// every exit path.
func (a *Adapter) Execute(ctx context.Context, req ExecutionRequest) (model.ExecutionOutcome, error) {
	if a.Executor == nil {
		return model.ExecutionOutcome{}, appErr.New(appErr.SandboxUnavailable).WithMessage("sandbox executor is not configured")
	}
	root, err := a.Restore(req.Snapshot)
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	defer func() {
		if err := a.Cleanup(root.Path); err != nil {
			logger.Error(ctx, "sandbox cleanup failed", zap.String("root", root.Path), zap.Error(err))
		}
	}()

	logger.Debug(ctx, "sandbox root restored", zap.String("root_id", root.ID), zap.Int("files", len(req.Snapshot)))
	outcome, err := a.Executor.Run(ctx, RunRequest{
		JobID:         req.JobID,
		JudgeRecordID: req.JudgeRecordID,
		Mode:          req.Mode,
		Script:        req.Script,
		Root:          root,
	})
	if err != nil {
		return model.ExecutionOutcome{}, err
	}
	return outcome, nil
}

func (a *Adapter) contains(rootPath string) bool {
	if rootPath == "" || a.BaseDir == "" {
		return false
	}
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(a.BaseDir, abs)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || filepath.IsAbs(rel) || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return true
}

func (a *Adapter) discard(rootPath string) {
	if err := a.Cleanup(rootPath); err != nil {
		logger.Warn(context.Background(), "discard partial sandbox root failed", zap.String("root", rootPath), zap.Error(err))
	}
}
