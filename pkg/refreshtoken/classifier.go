package refreshtoken

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// ErrorClassifier decides whether an error raised by the backend adapter
// should count toward a breaker's failure budget. Domain errors (bad
// input, a lost NX race, a missing record) never trip the breaker;
// infrastructure errors (timeouts, dropped connections, failed script
// execution) do.
type ErrorClassifier func(err error) bool

// DefaultErrorClassifier classifies connection, timeout, and
// script-execution failures raised by the go-redis driver as
// infrastructure errors. The registry's own domain errors are never
// infrastructure, even when they wrap another error
// (TokenOperationFailedError re-classifies its Cause instead of being
// infrastructure by default).
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	var opFailed *TokenOperationFailedError
	if errors.As(err, &opFailed) {
		return DefaultErrorClassifier(opFailed.Cause)
	}

	var valErr *TokenValidationError
	var existsErr *TokenAlreadyExistsError
	var cfgErr *ConfigurationError
	if errors.As(err, &valErr) || errors.As(err, &existsErr) || errors.As(err, &cfgErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	if errors.Is(err, redis.Nil) {
		// A "not found" style response is a domain outcome, not an
		// infrastructure failure — callers turn it into NotFound/false.
		return false
	}

	// Anything else surfacing from the redis driver (connection refused,
	// pool timeout, broken pipe, script compile error) is infrastructure.
	return true
}
