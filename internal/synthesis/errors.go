package synthesis

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrEmptyStream is returned when the engine accepted a request but produced
// no audio.
var ErrEmptyStream = errors.New("synthesis: empty audio stream")

// UpstreamError describes a failed call to the synthesis engine.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("synthesis %s: timed out", e.Endpoint)
	case e.StatusCode != 0:
		return fmt.Sprintf("synthesis %s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("synthesis %s: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("synthesis %s: %s", e.Endpoint, e.Message)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Reason is the metric label for the failure.
func (e *UpstreamError) Reason() string {
	switch {
	case e.Timeout:
		return "timeout"
	case errors.Is(e.Err, ErrEmptyStream):
		return "empty_stream"
	case e.StatusCode >= 500:
		return "status_5xx"
	case e.StatusCode >= 400:
		return "status_4xx"
	default:
		return "transport"
	}
}

// AsUpstreamError unwraps an UpstreamError from err.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream, true
	}
	return nil, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func wrapTransport(endpoint string, err error) *UpstreamError {
	return &UpstreamError{Endpoint: endpoint, Timeout: isTimeout(err), Err: err}
}
