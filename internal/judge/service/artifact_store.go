package service

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/model"
	appErr "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	contentTypeText = "text/plain; charset=utf-8"
	contentTypeZstd = "application/zstd"
)

// ArtifactStore uploads execution logs so that only their keys travel with
// the result.
type ArtifactStore struct {
	storage   storage.ObjectStorage
	prefix    string
	threshold int
}

// NewArtifactStore creates an artifact store. Logs of at least threshold
// bytes are stored zstd-compressed; threshold <= 0 disables compression.
func NewArtifactStore(objectStorage storage.ObjectStorage, prefix string, threshold int) *ArtifactStore {
	return &ArtifactStore{storage: objectStorage, prefix: prefix, threshold: threshold}
}

// Upload stores every log with inline content and returns the logs with
// Content replaced by Key. Logs with unusable names are dropped.
func (s *ArtifactStore) Upload(ctx context.Context, judgeRecordID int64, attempt int, logs []model.LogArtifact) ([]model.LogArtifact, error) {
	if s == nil || s.storage == nil || len(logs) == 0 {
		return logs, nil
	}
	out := make([]model.LogArtifact, 0, len(logs))
	for _, artifact := range logs {
		if artifact.Content == "" {
			if artifact.Key != "" {
				out = append(out, artifact)
			}
			continue
		}
		name, err := storage.CleanKey(artifact.Name)
		if err != nil {
			logger.Warn(ctx, "skip log artifact with invalid name", zap.String("name", artifact.Name))
			continue
		}
		key := path.Join(s.prefix, "judge", fmt.Sprint(judgeRecordID), fmt.Sprint(attempt), name)

		data, compressed, err := storage.MaybeCompress([]byte(artifact.Content), s.threshold)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.StorageError, "compress log artifact failed")
		}
		contentType := contentTypeText
		if compressed {
			contentType = contentTypeZstd
		}
		if err := s.storage.PutObject(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
			return nil, appErr.Wrapf(err, appErr.StorageError, "upload log artifact failed")
		}
		out = append(out, model.LogArtifact{Name: name, Key: key})
	}
	return out, nil
}
