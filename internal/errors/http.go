package errors

import "fmt"

const maxBodyInError = 512

// NewHTTPError creates a classified error for a non-2xx answer.
func NewHTTPError(operation string, statusCode int, body string) *ClassifiedError {
	if len(body) > maxBodyInError {
		body = body[:maxBodyInError]
	}
	return &ClassifiedError{
		Category:   categoryFor(statusCode),
		Operation:  operation,
		StatusCode: statusCode,
		Body:       body,
		Underlying: fmt.Errorf("unexpected status %d", statusCode),
	}
}

// NewNetworkError creates a classified error for transport-level failures.
// Network errors are always recoverable.
func NewNetworkError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category:   Recoverable,
		Operation:  operation,
		Underlying: fmt.Errorf("network error: %w", err),
	}
}

// NewDecodeError creates a classified error for a malformed JSON body. The
// backend may be mid-restart, so it is treated as recoverable.
func NewDecodeError(operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Category:   Recoverable,
		Operation:  operation,
		Underlying: fmt.Errorf("decode response: %w", err),
	}
}

func categoryFor(statusCode int) ErrorCategory {
	switch {
	case statusCode == 408, statusCode == 429:
		return Recoverable
	case statusCode >= 400 && statusCode < 500:
		return Irrecoverable
	default:
		return Recoverable
	}
}
