package usecase

import "context"

// MetricsSummary represents aggregated comparison insights.
type MetricsSummary struct {
	TotalRequests           int64   `json:"total_requests"`
	MatchedRequests         int64   `json:"matched_requests"`
	MatchRate               float64 `json:"match_rate"`
	AverageConfidence       float64 `json:"average_confidence"`
	AverageRequestLatencyMs float64 `json:"average_request_latency_ms"`
}

// GetMetricsSummary aggregates comparison metrics from persisted logs.
func (uc *ComparisonUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:           aggregation.TotalCount,
		MatchedRequests:         aggregation.MatchCount,
		AverageConfidence:       aggregation.AverageConfidence,
		AverageRequestLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
