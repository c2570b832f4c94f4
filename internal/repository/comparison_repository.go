package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-kyc/internal/logging"
)

// ComparisonLog records the outcome of a face comparison request for audit
// and duplicate-document investigations.
type ComparisonLog struct {
	ID                uint      `gorm:"primaryKey"`
	RequestID         string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Provider          string    `gorm:"column:provider;size:32"`
	ReferenceSHA1     string    `gorm:"column:reference_sha1;index;size:40"`
	Tolerance         float64   `gorm:"column:tolerance"`
	Threshold         float64   `gorm:"column:threshold"`
	OverallMatch      bool      `gorm:"column:overall_match"`
	AverageConfidence float64   `gorm:"column:average_confidence"`
	TotalFaces        int       `gorm:"column:total_faces"`
	FacesFound        int       `gorm:"column:faces_found"`
	Matches           int       `gorm:"column:matches"`
	Details           string    `gorm:"column:details;type:text"`
	LatencyMs         int64     `gorm:"column:latency_ms"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ComparisonLog) TableName() string {
	return "comparison_logs"
}

// MetricsAggregation is the raw aggregate pulled from the log table.
type MetricsAggregation struct {
	TotalCount        int64
	MatchCount        int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

// ComparisonRepository provides persistence APIs for comparison logs.
type ComparisonRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewComparisonRepository creates a new repository instance.
func NewComparisonRepository(db *gorm.DB, logger *zap.Logger) *ComparisonRepository {
	return &ComparisonRepository{
		db:             db,
		logger:         logger.Named("comparison_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ComparisonRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ComparisonLog{})
}

// SaveLog persists a comparison log entry.
func (r *ComparisonRepository) SaveLog(ctx context.Context, log *ComparisonLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves a comparison log by request identifier.
func (r *ComparisonRepository) FindByRequestID(ctx context.Context, requestID string) (*ComparisonLog, error) {
	var log ComparisonLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// FindByReferenceHash lists prior comparisons of the same reference image.
func (r *ComparisonRepository) FindByReferenceHash(ctx context.Context, sha1Hex, excludeRequestID string) ([]*ComparisonLog, error) {
	var logs []*ComparisonLog
	err := r.executeWithRetry(ctx, "repository.find_by_reference_hash", excludeRequestID, func() error {
		return r.db.WithContext(ctx).
			Where("reference_sha1 = ? AND request_id <> ?", sha1Hex, excludeRequestID).
			Order("created_at DESC").
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarizes persisted comparison outcomes.
func (r *ComparisonRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var agg MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ComparisonLog{}).
			Select(
				"COUNT(*) AS total_count",
				"COALESCE(SUM(CASE WHEN overall_match THEN 1 ELSE 0 END), 0) AS match_count",
				"COALESCE(AVG(average_confidence), 0) AS average_confidence",
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
			).
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *ComparisonRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
