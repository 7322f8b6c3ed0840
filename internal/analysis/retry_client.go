// Package analysis wraps the external analysis collaborator with the
// resilience decorators the orchestrator depends on, and provides a
// deterministic heuristic analyzer for tests and the console demo.
package analysis

import (
	"context"
	"time"

	lumaerrors "luma/internal/errors"
	"luma/internal/logging"
	"luma/internal/ports"
)

// retryClient wraps an AnalysisService with retry logic and a circuit
// breaker. Failures stay retryable for the orchestrator's pending-retry
// bookkeeping; they are never surfaced to the conversation.
type retryClient struct {
	underlying     ports.AnalysisService
	retryConfig    lumaerrors.RetryConfig
	circuitBreaker *lumaerrors.CircuitBreaker
	logger         logging.Logger
}

var _ ports.AnalysisService = (*retryClient)(nil)

// NewRetryClient wraps an analysis service with retry and circuit breaker
// logic.
func NewRetryClient(service ports.AnalysisService, retryConfig lumaerrors.RetryConfig, circuitBreaker *lumaerrors.CircuitBreaker) ports.AnalysisService {
	return &retryClient{
		underlying:     service,
		retryConfig:    retryConfig,
		circuitBreaker: circuitBreaker,
		logger:         logging.NewComponentLogger("analysis-retry"),
	}
}

// Analyze executes the underlying analysis with retries behind the breaker.
func (c *retryClient) Analyze(ctx context.Context, question ports.Question, answerText string, actx ports.AnalysisContext) (*ports.Insight, error) {
	start := time.Now()

	insight, err := lumaerrors.RetryWithResultAndLog(ctx, c.retryConfig, func(ctx context.Context) (*ports.Insight, error) {
		return lumaerrors.ExecuteFunc(c.circuitBreaker, ctx, func(ctx context.Context) (*ports.Insight, error) {
			return c.underlying.Analyze(ctx, question, answerText, actx)
		})
	}, c.logger)

	if err != nil {
		c.logger.Warn("analysis failed after retries (took %v): %v", time.Since(start), err)
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "analysis service", Err: err}
	}
	return insight, nil
}
