package providers

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go/v3"

	"github.com/gateclaw/gateclaw/pkg/pipeline"
)

// ClassifyError maps a provider failure onto the pipeline error taxonomy.
// Rate limits, overloads, server errors and network failures are
// transient and eligible for failover; everything else (bad API keys,
// malformed requests) is fatal for the endpoint that produced it.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pipeline.ErrDeadlineExceeded, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	if status, ok := statusCode(err); ok {
		if transientStatus(status) {
			return fmt.Errorf("%w: %w", pipeline.ErrProviderTransient, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", pipeline.ErrProviderTransient, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %w", pipeline.ErrProviderTransient, err)
	}

	return err
}

// IsTransient reports whether a classified error permits failover to the
// next endpoint.
func IsTransient(err error) bool {
	return errors.Is(err, pipeline.ErrProviderTransient) ||
		errors.Is(err, pipeline.ErrDeadlineExceeded)
}

func statusCode(err error) (int, bool) {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode, true
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode, true
	}
	return 0, false
}

func transientStatus(status int) bool {
	switch {
	case status == 408: // request timeout
		return true
	case status == 429: // rate limited
		return true
	case status == 529: // anthropic overloaded
		return true
	case status >= 500 && status <= 599:
		return true
	}
	return false
}
