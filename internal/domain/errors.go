package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy sentinels. Concrete failures wrap one of these with %w so
// callers can classify via errors.Is while still carrying operation context.
var (
	ErrConfiguration             = errors.New("configuration error")
	ErrService                   = errors.New("service error")
	ErrCommunicationNotFound     = errors.New("communication client not found")
	ErrCommunicationCreate       = errors.New("communication create error")
	ErrCommunicationNotInitialized = errors.New("communication not initialized")
	ErrTimeout                   = errors.New("timeout")
	ErrInvalidInferenceResult    = errors.New("invalid inference result")
	ErrSSEResponse               = errors.New("sse response error")
	ErrNoMetricValue             = errors.New("no metric value")
	ErrCircularDependency        = errors.New("circular dependency")
	ErrFactoryCreation           = errors.New("factory creation error")
	ErrPostProcessorDisabled     = errors.New("post processor disabled")
	ErrNotFound                  = errors.New("not found")
)

// ErrorDetails is the wire-level representation of a failure: a closed
// "type" tag, a human-readable message, and an optional numeric code (e.g.
// an HTTP-like status for SSEResponseError). It is a plain comparable value
// so it can key an errorSummary map directly.
type ErrorDetails struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

func (e ErrorDetails) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code %d)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorDetailsFromError converts a Go error into wire-level ErrorDetails,
// classifying it against the sentinel taxonomy above.
func ErrorDetailsFromError(err error) ErrorDetails {
	if err == nil {
		return ErrorDetails{}
	}
	var ed ErrorDetails
	if errors.As(err, &ed) {
		return ed
	}
	typ := "InternalError"
	code := 0
	switch {
	case errors.Is(err, ErrTimeout):
		typ = "TimeoutError"
	case errors.Is(err, ErrInvalidInferenceResult):
		typ = "InvalidInferenceResultError"
	case errors.Is(err, ErrSSEResponse):
		typ = "SSEResponseError"
		code = 502
	case errors.Is(err, ErrConfiguration):
		typ = "ConfigurationError"
	case errors.Is(err, ErrService):
		typ = "ServiceError"
	}
	return ErrorDetails{Type: typ, Message: err.Error(), Code: code}
}

// ExitError ties a fatal failure to the service and operation that raised
// it, for the end-of-run exit-errors panel.
type ExitError struct {
	ServiceID string
	Operation string
	Err       error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("service=%s op=%s: %v", e.ServiceID, e.Operation, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Operation name constants used by ExitError.Operation.
const (
	OpInitializeServiceManager = "InitializeServiceManager"
	OpStartServiceManager      = "StartServiceManager"
	OpRegisterServices         = "RegisterServices"
	OpConfigureProfiling       = "ConfigureProfiling"
	OpStartProfiling           = "StartProfiling"
)

// LifecycleOperationError wraps a hook panic/error with the lifecycle
// operation and the id of the lifecycle node it occurred on.
type LifecycleOperationError struct {
	Operation   string
	LifecycleID string
	Original    error
}

func (e *LifecycleOperationError) Error() string {
	return fmt.Sprintf("lifecycle op=%s id=%s: %v", e.Operation, e.LifecycleID, e.Original)
}

func (e *LifecycleOperationError) Unwrap() error { return e.Original }
