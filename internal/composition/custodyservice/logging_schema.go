package custodyservice

import (
	"context"
	"strings"

	"custody-signer/go-backend/internal/domains/contracts"
)

const componentName = "custodyservice"

func (s *Service) logInfo(ctx context.Context, operation, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", contracts.CorrelationID(ctx),
	}
	s.logger.Info(message, append(base, attrs...)...)
}

func (s *Service) logWarn(ctx context.Context, operation, message string, attrs ...any) {
	base := []any{
		"component", componentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", contracts.CorrelationID(ctx),
	}
	s.logger.Warn(message, append(base, attrs...)...)
}

// recordErrorWithContext counts the error by category and logs it. Caller
// mistakes such as expired credentials log at warn; the rest at error.
func (s *Service) recordErrorWithContext(ctx context.Context, category string, err error, operation string, attrs ...any) {
	if err == nil {
		return
	}
	s.metrics.RecordError(category)
	base := []any{
		"component", componentName,
		"operation", strings.TrimSpace(operation),
		"category", strings.TrimSpace(category),
		"correlation_id", contracts.CorrelationID(ctx),
		"error", err.Error(),
	}
	switch contracts.KindOf(err) {
	case contracts.KindInternal, contracts.KindTransportFailure:
		s.logger.Error("service error", append(base, attrs...)...)
	default:
		s.logger.Warn("service error", append(base, attrs...)...)
	}
}
