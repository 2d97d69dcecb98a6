package repository

import (
	"context"
	"strconv"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
)

const tokenKeyPrefix = "judge:webhook:token:"

// issueTokenScript replaces the token hash and sets its expiry in one step.
const issueTokenScript = `
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'token', ARGV[1], 'userId', ARGV[2], 'problemId', ARGV[3], 'jobId', ARGV[4], 'expiresAt', ARGV[5], 'queuedAt', ARGV[7])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`

// consumeTokenScript deletes the token hash only when the presented token
// matches, returning the hash as it was. Mismatches leave it untouched.
const consumeTokenScript = `
local stored = redis.call('HGET', KEYS[1], 'token')
if not stored or stored ~= ARGV[1] then
  return false
end
local fields = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
return fields
`

// TokenRepository stores one-time webhook tokens with per-key expiry.
type TokenRepository struct {
	cache cache.Cache
	TTL   time.Duration
	now   func() time.Time
}

// NewTokenRepository creates a token repository. ttl <= 0 means 30 minutes.
func NewTokenRepository(cacheClient cache.Cache, ttl time.Duration) *TokenRepository {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TokenRepository{cache: cacheClient, TTL: ttl, now: time.Now}
}

func tokenKey(judgeRecordID int64) string {
	return tokenKeyPrefix + strconv.FormatInt(judgeRecordID, 10)
}

// Issue stores tok for its judge record, replacing any earlier token of the
// same record.
func (r *TokenRepository) Issue(ctx context.Context, tok model.WebhookToken) (model.WebhookToken, error) {
	if tok.JudgeRecordID <= 0 {
		return tok, appErr.ValidationError("judgeRecordId", "must be a positive integer")
	}
	if tok.Token == "" {
		return tok, appErr.ValidationError("token", "required")
	}
	if r.cache == nil {
		return tok, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	tok.ExpiresAt = r.now().Add(r.TTL)
	_, err := r.cache.Eval(ctx, issueTokenScript, []string{tokenKey(tok.JudgeRecordID)},
		tok.Token,
		tok.UserID,
		tok.ProblemID,
		tok.JobID,
		tok.ExpiresAt.UnixMilli(),
		r.TTL.Milliseconds(),
		tok.QueueTimestamp,
	)
	if err != nil {
		return tok, appErr.Wrapf(err, appErr.CacheError, "issue webhook token failed")
	}
	return tok, nil
}

// Consume atomically checks and deletes the token of a judge record. A
// missing, expired or mismatched token yields WebhookTokenInvalid, so a
// second call with the same token always fails.
func (r *TokenRepository) Consume(ctx context.Context, judgeRecordID int64, token string) (model.WebhookToken, error) {
	if r.cache == nil {
		return model.WebhookToken{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if token == "" {
		return model.WebhookToken{}, appErr.AuthError(appErr.WebhookTokenInvalid)
	}
	res, err := r.cache.Eval(ctx, consumeTokenScript, []string{tokenKey(judgeRecordID)}, token)
	if err != nil {
		return model.WebhookToken{}, appErr.Wrapf(err, appErr.CacheError, "consume webhook token failed")
	}
	if res == nil {
		return model.WebhookToken{}, appErr.AuthError(appErr.WebhookTokenInvalid)
	}
	flat, ok := res.([]interface{})
	if !ok {
		return model.WebhookToken{}, appErr.Newf(appErr.CacheError, "unexpected token reply %T", res)
	}
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return tokenFromFields(judgeRecordID, fields), nil
}

// Peek reads a token without consuming it. Only for diagnostics; the webhook
// path must use Consume.
func (r *TokenRepository) Peek(ctx context.Context, judgeRecordID int64) (model.WebhookToken, bool, error) {
	if r.cache == nil {
		return model.WebhookToken{}, false, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	fields, err := r.cache.HGetAll(ctx, tokenKey(judgeRecordID))
	if err != nil {
		return model.WebhookToken{}, false, appErr.Wrapf(err, appErr.CacheError, "read webhook token failed")
	}
	if len(fields) == 0 {
		return model.WebhookToken{}, false, nil
	}
	return tokenFromFields(judgeRecordID, fields), true, nil
}

func tokenFromFields(judgeRecordID int64, fields map[string]string) model.WebhookToken {
	tok := model.WebhookToken{
		JudgeRecordID: judgeRecordID,
		Token:         fields["token"],
		UserID:        fields["userId"],
		JobID:         fields["jobId"],
	}
	tok.ProblemID, _ = strconv.ParseInt(fields["problemId"], 10, 64)
	tok.QueueTimestamp, _ = strconv.ParseInt(fields["queuedAt"], 10, 64)
	if ms, err := strconv.ParseInt(fields["expiresAt"], 10, 64); err == nil {
		tok.ExpiresAt = time.UnixMilli(ms)
	}
	return tok
}
