package service

import (
	"context"
	"fmt"
	"time"

	"judgeflow/internal/common/eventbus"
	"judgeflow/internal/judge/model"
	"judgeflow/internal/judge/repository"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// TokenStore issues and consumes one-time webhook tokens.
type TokenStore interface {
	Issue(ctx context.Context, tok model.WebhookToken) (model.WebhookToken, error)
	Consume(ctx context.Context, judgeRecordID int64, token string) (model.WebhookToken, error)
}

// ResultStore persists terminal results and the staged report of the
// running attempt.
type ResultStore interface {
	ResultReader
	Save(ctx context.Context, result model.TaskResult) error
	Stage(ctx context.Context, judgeRecordID int64, report model.CompletionReport, ttl time.Duration) error
	Staged(ctx context.Context, judgeRecordID int64) (*model.CompletionReport, error)
	DropStaged(ctx context.Context, judgeRecordID int64) error
}

// ResultNotification is the payload pushed to live streams when a judge
// record reaches a terminal state.
type ResultNotification struct {
	Type          string             `json:"type"`
	JudgeRecordID int64              `json:"judgeRecordId"`
	ProblemID     int64              `json:"problemId"`
	Status        model.ResultStatus `json:"status"`
	Score         float64            `json:"score"`
}

// CompletionService is the only writer of terminal results. Every completion,
// from the webhook or from an in-process worker, consumes the record's token
// first, so a record is finalized at most once per issued token.
type CompletionService struct {
	tokens     TokenStore
	results    ResultStore
	bus        *eventbus.Bus
	publisher  repository.StatusEventPublisher
	pubTimeout time.Duration
	now        func() time.Time
}

// CompletionServiceConfig holds completion service dependencies.
type CompletionServiceConfig struct {
	Tokens         TokenStore
	Results        ResultStore
	Bus            *eventbus.Bus
	Publisher      repository.StatusEventPublisher
	PublishTimeout time.Duration
}

// NewCompletionService creates a completion service.
func NewCompletionService(cfg CompletionServiceConfig) (*CompletionService, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CompletionService{
		tokens:     cfg.Tokens,
		results:    cfg.Results,
		bus:        cfg.Bus,
		publisher:  cfg.Publisher,
		pubTimeout: timeout,
		now:        time.Now,
	}, nil
}

// Complete consumes the token of judgeRecordID and records the result. When
// report is nil the report staged by the worker is used. A missing, expired,
// mismatched or already used token fails with WebhookTokenInvalid and
// changes nothing.
func (s *CompletionService) Complete(ctx context.Context, judgeRecordID int64, token string, report *model.CompletionReport) (model.TaskResult, error) {
	tok, err := s.tokens.Consume(ctx, judgeRecordID, token)
	if err != nil {
		if appErr.Is(err, appErr.WebhookTokenInvalid) {
			webhookTotal.WithLabelValues("token_rejected").Inc()
		} else {
			webhookTotal.WithLabelValues("error").Inc()
		}
		return model.TaskResult{}, err
	}

	if report == nil {
		staged, err := s.results.Staged(ctx, judgeRecordID)
		if err != nil {
			s.restoreToken(ctx, tok)
			return model.TaskResult{}, err
		}
		report = staged
	}
	result := s.buildResult(tok, report)

	if err := s.results.Save(ctx, result); err != nil {
		s.restoreToken(ctx, tok)
		webhookTotal.WithLabelValues("error").Inc()
		return model.TaskResult{}, appErr.Wrapf(err, appErr.CompletionFailed, "persist judge result failed")
	}
	webhookTotal.WithLabelValues("accepted").Inc()
	if err := s.results.DropStaged(ctx, judgeRecordID); err != nil {
		logger.Warn(ctx, "drop staged report failed", zap.Int64("judge_record_id", judgeRecordID), zap.Error(err))
	}

	s.bus.Emit(model.EventNotification, model.NewNotification(ResultNotification{
		Type:          "judge_result",
		JudgeRecordID: result.JudgeRecordID,
		ProblemID:     result.ProblemID,
		Status:        result.Status,
		Score:         result.Score,
	}, result.UserID))
	s.publishFinal(ctx, result)

	logger.Info(ctx, "judge record completed",
		zap.Int64("judge_record_id", result.JudgeRecordID),
		zap.String("job_id", result.JobID),
		zap.String("status", string(result.Status)),
		zap.Float64("score", result.Score),
	)
	return result, nil
}

func (s *CompletionService) buildResult(tok model.WebhookToken, report *model.CompletionReport) model.TaskResult {
	result := model.TaskResult{
		JudgeRecordID: tok.JudgeRecordID,
		JobID:         tok.JobID,
		QueuedAt:      tok.QueueTimestamp,
		UserID:        tok.UserID,
		ProblemID:     tok.ProblemID,
		Status:        model.ResultCompleted,
		Tests:         []model.SubtestResult{},
		FinishedAt:    s.now().UTC(),
	}
	if report == nil {
		result.Status = model.ResultFailed
		result.Error = "no outcome reported"
		return result
	}
	if report.JobID != "" && result.JobID == "" {
		result.JobID = report.JobID
	}
	result.PendingTimeMs = report.PendingTimeMs
	if result.PendingTimeMs < 0 {
		result.PendingTimeMs = 0
	}
	result.Attempts = report.Attempts
	if report.Failed {
		result.Status = model.ResultFailed
		result.Error = report.Error
		if result.Error == "" {
			result.Error = "judge failed"
		}
	}
	if report.Outcome != nil {
		result.Score = report.Outcome.Score
		result.OutcomeStatus = report.Outcome.Status
		if report.Outcome.Tests != nil {
			result.Tests = report.Outcome.Tests
		}
		for _, artifact := range report.Outcome.Logs {
			if artifact.Key != "" {
				result.Artifacts = append(result.Artifacts, artifact.Key)
			}
		}
	}
	return result
}

// restoreToken puts a consumed token back after the result could not be
// recorded, so that a retried delivery can still complete the record.
func (s *CompletionService) restoreToken(ctx context.Context, tok model.WebhookToken) {
	if _, err := s.tokens.Issue(context.WithoutCancel(ctx), tok); err != nil {
		logger.Error(ctx, "restore webhook token failed",
			zap.Int64("judge_record_id", tok.JudgeRecordID),
			zap.Error(err),
		)
	}
}

func (s *CompletionService) publishFinal(ctx context.Context, result model.TaskResult) {
	if s.publisher == nil {
		return
	}
	ctxPub, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pubTimeout)
	defer cancel()
	if err := s.publisher.PublishFinalStatus(ctxPub, result); err != nil {
		logger.Warn(ctx, "publish final status failed",
			zap.Int64("judge_record_id", result.JudgeRecordID),
			zap.Error(err),
		)
	}
}
