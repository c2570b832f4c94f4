package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-kyc/internal/logging"
	"github.com/example/face-kyc/internal/repository"
)

type cachedComparison struct {
	RequestID         string    `json:"request_id"`
	Provider          string    `json:"provider"`
	ReferenceSHA1     string    `json:"reference_sha1"`
	Tolerance         float64   `json:"tolerance"`
	Threshold         float64   `json:"threshold"`
	OverallMatch      bool      `json:"overall_match"`
	AverageConfidence float64   `json:"average_confidence"`
	TotalFaces        int       `json:"total_faces"`
	FacesFound        int       `json:"faces_found"`
	Matches           int       `json:"matches"`
	Details           string    `json:"details"`
	LatencyMs         int64     `json:"latency_ms"`
	CreatedAt         time.Time `json:"created_at"`
}

func newCachedComparison(log *repository.ComparisonLog) cachedComparison {
	return cachedComparison{
		RequestID:         log.RequestID,
		Provider:          log.Provider,
		ReferenceSHA1:     log.ReferenceSHA1,
		Tolerance:         log.Tolerance,
		Threshold:         log.Threshold,
		OverallMatch:      log.OverallMatch,
		AverageConfidence: log.AverageConfidence,
		TotalFaces:        log.TotalFaces,
		FacesFound:        log.FacesFound,
		Matches:           log.Matches,
		Details:           log.Details,
		LatencyMs:         log.LatencyMs,
		CreatedAt:         log.CreatedAt,
	}
}

func (c cachedComparison) toLog() *repository.ComparisonLog {
	return &repository.ComparisonLog{
		RequestID:         c.RequestID,
		Provider:          c.Provider,
		ReferenceSHA1:     c.ReferenceSHA1,
		Tolerance:         c.Tolerance,
		Threshold:         c.Threshold,
		OverallMatch:      c.OverallMatch,
		AverageConfidence: c.AverageConfidence,
		TotalFaces:        c.TotalFaces,
		FacesFound:        c.FacesFound,
		Matches:           c.Matches,
		Details:           c.Details,
		LatencyMs:         c.LatencyMs,
		CreatedAt:         c.CreatedAt,
	}
}

// DuplicateReport lists prior comparisons that used the same reference
// image as the given request.
type DuplicateReport struct {
	Request    *repository.ComparisonLog
	Duplicates []*repository.ComparisonLog
}

// GetResult retrieves a cached comparison outcome or loads it from
// persistence.
func (uc *ComparisonUseCase) GetResult(ctx context.Context, requestID string) (*repository.ComparisonLog, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	cached, err := uc.cache.Get(ctx, cacheKey(requestID))
	if err == nil {
		var payload cachedComparison
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
		} else {
			return payload.toLog(), nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

// GetDuplicateReport builds a report of requests that reused the same
// reference image.
func (uc *ComparisonUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindByReferenceHash(ctx, log.ReferenceSHA1, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{Request: log, Duplicates: duplicates}, nil
}
