package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

const (
	resultKeyPrefix = "judge:result:"
	stagedKeyPrefix = "judge:staged:"
)

const upsertResultSQL = `INSERT INTO judge_records
	(judge_record_id, job_id, user_id, problem_id, status, score, details, pending_time_ms, attempts, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON DUPLICATE KEY UPDATE
	job_id = VALUES(job_id), user_id = VALUES(user_id), problem_id = VALUES(problem_id),
	status = VALUES(status), score = VALUES(score), details = VALUES(details),
	pending_time_ms = VALUES(pending_time_ms), attempts = VALUES(attempts), finished_at = VALUES(finished_at)`

const selectResultSQL = `SELECT judge_record_id, job_id, user_id, problem_id, status, score, details, pending_time_ms, attempts, finished_at
	FROM judge_records WHERE judge_record_id = ?`

// resultDetails is the JSON stored in the details column.
type resultDetails struct {
	OutcomeStatus string                `json:"outcomeStatus,omitempty"`
	Tests         []model.SubtestResult `json:"tests"`
	Artifacts     []string              `json:"artifacts,omitempty"`
	Error         string                `json:"error,omitempty"`
	QueuedAt      int64                 `json:"queuedAt,omitempty"`
}

// ResultRepository persists terminal judge results in MySQL and keeps a
// status copy in the cache. Without a database the cache is the only store.
type ResultRepository struct {
	db       db.Database
	cache    cache.Cache
	TTL      time.Duration
	EmptyTTL time.Duration
}

// NewResultRepository creates a result repository. database may be nil.
func NewResultRepository(database db.Database, cacheClient cache.Cache, ttl time.Duration) *ResultRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResultRepository{db: database, cache: cacheClient, TTL: ttl, EmptyTTL: 30 * time.Second}
}

func resultKey(judgeRecordID int64) string {
	return resultKeyPrefix + strconv.FormatInt(judgeRecordID, 10)
}

func stagedKey(judgeRecordID int64) string {
	return stagedKeyPrefix + strconv.FormatInt(judgeRecordID, 10)
}

// Stage keeps the worker's report of an attempt until the completion webhook
// turns it into a result.
func (r *ResultRepository) Stage(ctx context.Context, judgeRecordID int64, report model.CompletionReport, ttl time.Duration) error {
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal staged report failed: %w", err)
	}
	if err := r.cache.Set(ctx, stagedKey(judgeRecordID), string(data), ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "stage report failed")
	}
	return nil
}

// Staged returns the staged report of a judge record, if any.
func (r *ResultRepository) Staged(ctx context.Context, judgeRecordID int64) (*model.CompletionReport, error) {
	if r.cache == nil {
		return nil, nil
	}
	raw, err := r.cache.Get(ctx, stagedKey(judgeRecordID))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "load staged report failed")
	}
	if raw == "" {
		return nil, nil
	}
	var report model.CompletionReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "decode staged report failed")
	}
	return &report, nil
}

// DropStaged removes the staged report once it has been recorded.
func (r *ResultRepository) DropStaged(ctx context.Context, judgeRecordID int64) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Del(ctx, stagedKey(judgeRecordID))
}

// Save upserts the result row and refreshes the cached status.
func (r *ResultRepository) Save(ctx context.Context, result model.TaskResult) error {
	if result.JudgeRecordID <= 0 {
		return appErr.ValidationError("judgeRecordId", "must be a positive integer")
	}
	if r.db != nil {
		details, err := json.Marshal(resultDetails{
			OutcomeStatus: result.OutcomeStatus,
			Tests:         result.Tests,
			Artifacts:     result.Artifacts,
			Error:         result.Error,
			QueuedAt:      result.QueuedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal result details failed: %w", err)
		}
		_, err = r.db.Exec(ctx, upsertResultSQL,
			result.JudgeRecordID,
			result.JobID,
			result.UserID,
			result.ProblemID,
			string(result.Status),
			result.Score,
			string(details),
			result.PendingTimeMs,
			result.Attempts,
			result.FinishedAt.UTC(),
		)
		if err != nil {
			if db.IsTransient(err) {
				return appErr.Wrapf(err, appErr.ServiceUnavailable, "save judge result failed")
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "save judge result failed")
		}
	}
	if r.cache == nil {
		if r.db == nil {
			return appErr.New(appErr.CacheError).WithMessage("no result store configured")
		}
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result failed: %w", err)
	}
	ttl := cache.JitterTTL(r.TTL)
	if r.db == nil {
		ttl = r.TTL
	}
	if err := r.cache.Set(ctx, resultKey(result.JudgeRecordID), string(data), ttl); err != nil {
		if r.db == nil {
			return appErr.Wrapf(err, appErr.CacheError, "store judge result failed")
		}
		// The row is durable; a stale cache entry is replaced on the next read miss.
		_ = r.cache.Del(ctx, resultKey(result.JudgeRecordID))
	}
	return nil
}

// Get returns the result of a judge record from the cache, falling back to
// MySQL.
func (r *ResultRepository) Get(ctx context.Context, judgeRecordID int64) (*model.TaskResult, error) {
	if judgeRecordID <= 0 {
		return nil, appErr.ValidationError("judgeRecordId", "must be a positive integer")
	}
	if r.cache == nil {
		res, err := r.load(ctx, judgeRecordID)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, appErr.New(appErr.ResultNotFound)
		}
		return res, nil
	}
	res, err := cache.GetWithCached(ctx, r.cache, resultKey(judgeRecordID), r.TTL, r.EmptyTTL,
		func(res *model.TaskResult) bool { return res == nil },
		func(res *model.TaskResult) string {
			data, _ := json.Marshal(res)
			return string(data)
		},
		func(raw string) (*model.TaskResult, error) {
			var res model.TaskResult
			if err := json.Unmarshal([]byte(raw), &res); err != nil {
				return nil, err
			}
			return &res, nil
		},
		func(ctx context.Context) (*model.TaskResult, error) {
			return r.load(ctx, judgeRecordID)
		},
	)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, appErr.New(appErr.ResultNotFound)
	}
	return res, nil
}

func (r *ResultRepository) load(ctx context.Context, judgeRecordID int64) (*model.TaskResult, error) {
	if r.db == nil {
		return nil, nil
	}
	var (
		res        model.TaskResult
		status     string
		details    sql.NullString
		finishedAt time.Time
	)
	err := r.db.QueryRow(ctx, selectResultSQL, judgeRecordID).Scan(
		&res.JudgeRecordID, &res.JobID, &res.UserID, &res.ProblemID, &status, &res.Score,
		&details, &res.PendingTimeMs, &res.Attempts, &finishedAt,
	)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load judge result failed")
	}
	res.Status = model.ResultStatus(status)
	res.FinishedAt = finishedAt
	if details.Valid && details.String != "" {
		var d resultDetails
		if err := json.Unmarshal([]byte(details.String), &d); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "decode result details failed")
		}
		res.OutcomeStatus = d.OutcomeStatus
		res.Tests = d.Tests
		res.Artifacts = d.Artifacts
		res.Error = d.Error
		res.QueuedAt = d.QueuedAt
	}
	return &res, nil
}
