package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/faceshape-relay/internal/logging"
	"github.com/example/faceshape-relay/internal/repository"
)

// ErrStatusNotFound is returned when neither the cache nor the journal know a request.
var ErrStatusNotFound = errors.New("relay status not found")

// Request states.
const (
	StateProcessing = "processing"
	StateCompleted  = "completed"
)

// Status summarizes one relayed request. It never carries the detection payload.
type Status struct {
	RequestID      string    `json:"request_id"`
	State          string    `json:"state"`
	Outcome        string    `json:"outcome,omitempty"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	LatencyMs      int64     `json:"latency_ms"`
	SHA1Hash       string    `json:"sha1_hash,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func statusFromLog(log *repository.RelayLog) Status {
	return Status{
		RequestID:      log.RequestID,
		State:          StateCompleted,
		Outcome:        log.Outcome,
		UpstreamStatus: log.UpstreamStatus,
		LatencyMs:      log.LatencyMs,
		SHA1Hash:       log.SHA1Hash,
		CreatedAt:      log.CreatedAt,
	}
}

// GetStatus reads the cached status of a request, falling back to the journal.
func (uc *RelayUseCase) GetStatus(ctx context.Context, requestID string) (*Status, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_status", requestID)

	if uc.cache != nil {
		status, err := uc.cache.Lookup(ctx, requestID)
		if err == nil {
			return status, nil
		}
		if !errors.Is(err, ErrStatusNotFound) {
			opLogger.Warn("failed to read status cache", zap.Error(err))
		}
	}

	if uc.journal == nil {
		return nil, ErrStatusNotFound
	}
	log, err := uc.journal.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, err
	}
	status := statusFromLog(log)
	return &status, nil
}
