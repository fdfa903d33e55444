// Package errors provides the structured error type shared by the pool packages.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies where an error came from and how callers should react.
type ErrorType string

const (
	// ErrorTypeNetwork represents socket and dial failures
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTransport represents failures sending to or reading from a miner connection
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeRPC represents failures talking to the blockchain node
	ErrorTypeRPC ErrorType = "rpc"
	// ErrorTypeProtocol represents malformed or out-of-order Stratum messages
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeValidation represents shares or templates rejected by a check
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInput represents arguments a pure function cannot accept
	ErrorTypeInput ErrorType = "input"
	// ErrorTypeMessaging represents event bus and pub/sub failures
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeTimeout represents deadline failures
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is an error annotated with its type, the failing operation and
// free-form context for logging.
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
	if e.Cause == nil {
		return msg
	}
	return fmt.Sprintf("%s (caused by: %v)", msg, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// IsRetryable reports the retry decision taken when the error was built.
func (e *ServiceError) IsRetryable() bool { return e.Retryable }

// WithContext attaches a key/value pair readable with GetContext.
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[key] = value
	return e
}

// WithRetryable overrides the retry classification derived from the type.
func (e *ServiceError) WithRetryable(retryable bool) *ServiceError {
	e.Retryable = retryable
	return e
}

// New returns an error without a cause. Network, timeout and messaging
// errors are retryable.
func New(errorType ErrorType, operation, message string) *ServiceError {
	return build(errorType, operation, message, nil, retryableTypes[errorType])
}

// Wrap annotates err and returns nil when err is nil. Wrapping a
// ServiceError keeps its retry decision; anything else is classified by its
// message.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	var se *ServiceError
	if errors.As(err, &se) {
		return build(errorType, operation, message, err, se.Retryable)
	}
	return build(errorType, operation, message, err, isRetryableByDefault(err))
}

// InvalidInput builds an input error around a sentinel cause so callers can
// match it with errors.Is.
func InvalidInput(cause error, operation, message string) *ServiceError {
	return Wrap(cause, ErrorTypeInput, operation, message).WithRetryable(false)
}

func build(errorType ErrorType, operation, message string, cause error, retryable bool) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

var retryableTypes = map[ErrorType]bool{
	ErrorTypeNetwork:   true,
	ErrorTypeTimeout:   true,
	ErrorTypeMessaging: true,
}

// transientMessages are substrings of errors from the node RPC, Redis, Kafka
// and the miner sockets that usually clear up on their own.
var transientMessages = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"network unreachable",
	"timeout",
	"temporary failure",
	"too many connections",
	"work queue depth exceeded",
	"eof",
}

func isRetryableByDefault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsType checks if any error in the chain is of a specific type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
