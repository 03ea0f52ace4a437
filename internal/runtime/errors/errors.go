package errors

import (
	sterrors "errors"
	"strings"
)

var (
	ErrUnknownAssignmentType = sterrors.New("assignflow: unknown assignment type")
	ErrMalformedEnvelope     = sterrors.New("assignflow: malformed assignment envelope")
	ErrStoreRequired         = sterrors.New("assignflow: channel store is required")
	ErrStatsRequired         = sterrors.New("assignflow: stats store is required")
	ErrTopicRequired         = sterrors.New("assignflow: topic is required")
	ErrGroupRequired         = sterrors.New("assignflow: consumer group is required")
	ErrConsumerRequired      = sterrors.New("assignflow: consumer name is required")
	ErrGroupNotFound         = sterrors.New("assignflow: consumer group does not exist")
	ErrHandlerRequired       = sterrors.New("assignflow: handler function is required")
	ErrConfigRequired        = sterrors.New("assignflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("assignflow: logger is required")
	ErrHandlerTimeout        = sterrors.New("assignflow: handler exceeded its execution timeout")
	ErrStoreClosed           = sterrors.New("assignflow: channel store is closed")
	ErrDepthUnsupported      = sterrors.New("assignflow: channel store cannot report queue depth")
)

// UnknownAssignmentTypeError reports a type outside the registered enumeration.
type UnknownAssignmentTypeError struct {
	Type  string
	Known []string
}

func (e *UnknownAssignmentTypeError) Error() string {
	return ErrUnknownAssignmentType.Error() + " " + `"` + e.Type + `"` + " (known: " + strings.Join(e.Known, ", ") + ")"
}

func (e *UnknownAssignmentTypeError) Unwrap() error { return ErrUnknownAssignmentType }

// ConfigValidationError wraps the joined problems found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "assignflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }
