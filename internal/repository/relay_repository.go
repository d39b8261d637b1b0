package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/faceshape-relay/internal/logging"
)

// ErrNotFound is returned when no journal entry matches.
var ErrNotFound = errors.New("relay log not found")

// Relay outcomes recorded in the journal.
const (
	OutcomeSuccess             = "success"
	OutcomeUpstreamRejected    = "upstream_rejected"
	OutcomeUpstreamUnreachable = "upstream_unreachable"
	OutcomeInvalidResponse     = "invalid_response"
	OutcomeLocalIOError        = "local_io_error"
)

// RelayLog is the metadata of one relayed upload. Image bytes and detection
// payloads are never stored.
type RelayLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Filename       string    `gorm:"column:filename;size:255"`
	MIMEType       string    `gorm:"column:mime_type;size:64"`
	SizeBytes      int64     `gorm:"column:size_bytes"`
	SHA1Hash       string    `gorm:"column:sha1_hash;size:40;index"`
	Outcome        string    `gorm:"column:outcome;size:32"`
	UpstreamStatus int       `gorm:"column:upstream_status"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (RelayLog) TableName() string {
	return "relay_logs"
}

// RelayRepository persists relay logs through gorm.
type RelayRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRelayRepository creates a new repository instance.
func NewRelayRepository(db *gorm.DB, logger *zap.Logger) *RelayRepository {
	return &RelayRepository{db: db, logger: logger.Named("relay_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *RelayRepository) AutoMigrate(ctx context.Context) error {
	return logging.NewOperationError("repository.auto_migrate", "", r.db.WithContext(ctx).AutoMigrate(&RelayLog{}))
}

// SaveLog persists a relay log entry.
func (r *RelayRepository) SaveLog(ctx context.Context, log *RelayLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		wrapped := logging.NewOperationError("repository.save_log", log.RequestID, err)
		r.logger.Error("failed to save relay log", zap.Error(wrapped))
		return wrapped
	}
	return nil
}

// FindByRequestID loads the journal entry of one request.
func (r *RelayRepository) FindByRequestID(ctx context.Context, requestID string) (*RelayLog, error) {
	var log RelayLog
	err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, logging.NewOperationError("repository.find_by_request_id", requestID, err)
	}
	return &log, nil
}
