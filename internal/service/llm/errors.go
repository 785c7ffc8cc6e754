package llm

import (
	"errors"
	"fmt"
)

// ErrEmptyStream is returned when a streamed completion carried no content.
var ErrEmptyStream = errors.New("streaming API returned no content")

// HTTPStatusError reports a non-2xx upstream response.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// ResponseValidationError means the model reply was not a valid AIResponse.
type ResponseValidationError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ResponseValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("AI response validation failed: %s: %v", e.Reason, e.Err)
	}
	return "AI response validation failed: " + e.Reason
}

func (e *ResponseValidationError) Unwrap() error { return e.Err }

// UpstreamFormatError wraps a malformed non-streaming reply.
type UpstreamFormatError struct {
	Err error
}

func (e *UpstreamFormatError) Error() string {
	return "upstream returned malformed completion: " + e.Err.Error()
}

func (e *UpstreamFormatError) Unwrap() error { return e.Err }

// IsUpstreamError reports whether err originates from the upstream model
// rather than from this service.
func IsUpstreamError(err error) bool {
	var (
		statusErr     *HTTPStatusError
		formatErr     *UpstreamFormatError
		validationErr *ResponseValidationError
	)
	return errors.Is(err, ErrEmptyStream) ||
		errors.As(err, &statusErr) ||
		errors.As(err, &formatErr) ||
		errors.As(err, &validationErr)
}
