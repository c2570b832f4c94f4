package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-kyc/internal/candidate"
	"github.com/example/face-kyc/internal/faceprovider"
	"github.com/example/face-kyc/internal/imaging"
	"github.com/example/face-kyc/internal/logging"
	"github.com/example/face-kyc/internal/repository"
)

// ErrNoFaceDetected is returned when the reference image contains no
// detectable face. It is fatal for the whole comparison request.
var ErrNoFaceDetected = errors.New("No face detected in reference image")

// Policy is the caller-facing matching knobs, immutable per request.
// Threshold is the minimum similarity to declare a per-face match.
// Tolerance is a secondary gate on the provider's distance metric, lower
// meaning stricter; with the defaults it is implied by the threshold.
type Policy struct {
	Tolerance float64
	Threshold float64
}

// DefaultPolicy returns the documented defaults (0.5, 0.8).
func DefaultPolicy() Policy {
	return Policy{Tolerance: 0.5, Threshold: 0.8}
}

// PerFaceResult is the outcome of matching one candidate face against the
// reference. Confidence and Distance are nil iff FaceFound is false.
type PerFaceResult struct {
	FaceIndex      int      `json:"face_index"`
	FaceFound      bool     `json:"face_found"`
	Match          bool     `json:"match"`
	Confidence     *float64 `json:"confidence"`
	Distance       *float64 `json:"face_distance"`
	MeetsThreshold bool     `json:"meets_threshold"`
}

// Summary counts the per-face outcomes of a request.
type Summary struct {
	TotalFaces int
	FacesFound int
	Matches    int
}

// AggregateResult is the request-level verdict, recomputed fresh per
// request and never persisted beyond its audit log entry.
type AggregateResult struct {
	RequestID         string
	Provider          string
	Tolerance         float64
	Threshold         float64
	OverallMatch      bool
	AverageConfidence float64
	Comparisons       []PerFaceResult
	Summary           Summary
}

// ProviderSource resolves configured recognition backends.
type ProviderSource interface {
	Primary() faceprovider.Provider
	Get(name string) (faceprovider.Provider, error)
}

// ComparisonRepository defines the persistence operations needed by the
// comparison flow.
type ComparisonRepository interface {
	SaveLog(ctx context.Context, log *repository.ComparisonLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ComparisonLog, error)
	FindByReferenceHash(ctx context.Context, sha1Hex, excludeRequestID string) ([]*repository.ComparisonLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ComparisonUseCase fans candidate comparisons out against a recognition
// backend and aggregates them into a single verdict.
type ComparisonUseCase struct {
	providers      ProviderSource
	repo           ComparisonRepository
	cache          Cache
	logger         *zap.Logger
	maxConcurrent  int
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewComparisonUseCase constructs the comparison flow.
func NewComparisonUseCase(providers ProviderSource, repo ComparisonRepository, cache Cache, maxConcurrent int, logger *zap.Logger) *ComparisonUseCase {
	if maxConcurrent < 1 {
		maxConcurrent = 4
	}
	return &ComparisonUseCase{
		providers:      providers,
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("comparison_usecase"),
		maxConcurrent:  maxConcurrent,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Compare matches every candidate face against the reference image.
// providerName selects a specific backend; empty means the configured
// primary. A provider failure on one candidate never aborts the request;
// that entry is recorded as not found and its siblings proceed.
func (uc *ComparisonUseCase) Compare(ctx context.Context, providerName string, reference []byte, candidates []candidate.Candidate, policy Policy) (*AggregateResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.compare_faces", requestID)
	started := time.Now()

	if len(candidates) == 0 {
		return nil, candidate.NewValidationError("Missing cropped faces")
	}

	provider, err := uc.resolveProvider(providerName)
	if err != nil {
		return nil, err
	}
	opLogger = logging.WithProvider(opLogger, provider.Name())

	if _, err := imaging.SniffFormat(reference); err != nil {
		return nil, candidate.NewValidationError("reference_image is not a supported image")
	}

	// Resolve all candidate encodings before any provider call so that a
	// malformed entry fails the request up front.
	normalized := make([][]byte, len(candidates))
	for i, c := range candidates {
		data, err := c.Normalize()
		if err != nil {
			return nil, err
		}
		normalized[i] = data
	}

	// The reference must contain a face before any fan-out happens.
	detections, err := uc.detectWithRetry(ctx, provider, requestID, reference)
	if err != nil {
		opLogger.Error("reference detection failed", zap.Error(err))
		return nil, err
	}
	if len(detections) == 0 {
		return nil, ErrNoFaceDetected
	}

	results := make([]PerFaceResult, len(normalized))
	sem := make(chan struct{}, uc.maxConcurrent)
	var wg sync.WaitGroup
	for i := range normalized {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = uc.compareOne(ctx, provider, requestID, i+1, reference, normalized[i], policy)
		}(i)
	}
	wg.Wait()

	result := aggregate(requestID, provider.Name(), policy, results)

	if err := uc.persist(ctx, requestID, reference, result, time.Since(started)); err != nil {
		opLogger.Error("failed to persist comparison outcome", zap.Error(err))
		return nil, err
	}

	opLogger.Info("comparison complete",
		zap.Bool("overall_match", result.OverallMatch),
		zap.Int("total_faces", result.Summary.TotalFaces),
		zap.Int("faces_found", result.Summary.FacesFound),
		zap.Int("matches", result.Summary.Matches))
	return result, nil
}

func (uc *ComparisonUseCase) resolveProvider(name string) (faceprovider.Provider, error) {
	if name == "" {
		return uc.providers.Primary(), nil
	}
	return uc.providers.Get(name)
}

// compareOne runs a single reference-vs-candidate comparison with retry on
// transient provider errors. Failures are absorbed into the result entry.
func (uc *ComparisonUseCase) compareOne(ctx context.Context, provider faceprovider.Provider, requestID string, faceIndex int, reference, face []byte, policy Policy) PerFaceResult {
	opLogger := logging.WithOperation(uc.logger, "usecase.compare_one", requestID).
		With(zap.Int("face_index", faceIndex))

	var comparison *faceprovider.CompareResult
	err := uc.withRetry(ctx, requestID, "provider.compare_faces", faceprovider.IsTransient, func() error {
		var callErr error
		comparison, callErr = provider.CompareFaces(ctx, reference, face)
		return callErr
	})
	if err != nil {
		opLogger.Warn("candidate comparison failed", zap.Error(err))
		return PerFaceResult{FaceIndex: faceIndex}
	}

	meetsThreshold := comparison.Similarity >= policy.Threshold
	similarity := comparison.Similarity
	distance := comparison.Distance
	return PerFaceResult{
		FaceIndex:      faceIndex,
		FaceFound:      true,
		Match:          meetsThreshold && distance <= policy.Tolerance,
		Confidence:     &similarity,
		Distance:       &distance,
		MeetsThreshold: meetsThreshold,
	}
}

func (uc *ComparisonUseCase) detectWithRetry(ctx context.Context, provider faceprovider.Provider, requestID string, img []byte) ([]faceprovider.Detection, error) {
	var detections []faceprovider.Detection
	err := uc.withRetry(ctx, requestID, "provider.detect_reference", faceprovider.IsTransient, func() error {
		var callErr error
		detections, callErr = provider.DetectFaces(ctx, img)
		return callErr
	})
	return detections, err
}

func aggregate(requestID, providerName string, policy Policy, results []PerFaceResult) *AggregateResult {
	summary := Summary{TotalFaces: len(results)}
	overallMatch := false
	confidenceSum := 0.0
	for _, r := range results {
		if !r.FaceFound {
			continue
		}
		summary.FacesFound++
		confidenceSum += *r.Confidence
		if r.Match {
			summary.Matches++
			overallMatch = true
		}
	}

	averageConfidence := 0.0
	if summary.FacesFound > 0 {
		averageConfidence = confidenceSum / float64(summary.FacesFound)
	}

	return &AggregateResult{
		RequestID:         requestID,
		Provider:          providerName,
		Tolerance:         policy.Tolerance,
		Threshold:         policy.Threshold,
		OverallMatch:      overallMatch,
		AverageConfidence: averageConfidence,
		Comparisons:       results,
		Summary:           summary,
	}
}

func (uc *ComparisonUseCase) persist(ctx context.Context, requestID string, reference []byte, result *AggregateResult, elapsed time.Duration) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.persist_comparison", requestID)

	hash := sha1.Sum(reference)
	details, err := json.Marshal(result.Comparisons)
	if err != nil {
		return logging.NewOperationError("usecase.encode_details", requestID, err)
	}

	log := &repository.ComparisonLog{
		RequestID:         requestID,
		Provider:          result.Provider,
		ReferenceSHA1:     hex.EncodeToString(hash[:]),
		Tolerance:         result.Tolerance,
		Threshold:         result.Threshold,
		OverallMatch:      result.OverallMatch,
		AverageConfidence: result.AverageConfidence,
		TotalFaces:        result.Summary.TotalFaces,
		FacesFound:        result.Summary.FacesFound,
		Matches:           result.Summary.Matches,
		Details:           string(details),
		LatencyMs:         elapsed.Milliseconds(),
		CreatedAt:         time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		return logging.NewOperationError("usecase.save_log", requestID, err)
	}

	// The cache is an accelerator for result lookups, not the system of
	// record; a write failure only costs a database read later.
	serialized, err := json.Marshal(newCachedComparison(log))
	if err != nil {
		opLogger.Warn("failed to serialize comparison for cache", zap.Error(err))
		return nil
	}
	if err := uc.withRetry(ctx, requestID, "cache.set.result", isTransientError, func() error {
		return uc.cache.Set(ctx, cacheKey(requestID), string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Warn("failed to cache comparison result", zap.Error(err))
	}
	return nil
}

func (uc *ComparisonUseCase) withRetry(ctx context.Context, requestID, operation string, isRetryable func(error) bool, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isRetryable(err) || attempt == uc.retryAttempts-1 {
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient error, retrying", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func cacheKey(requestID string) string {
	return "comparison:" + requestID
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
