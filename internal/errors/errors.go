package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the DocAgent Worker
 *
 * Every failure that leaves a pipeline stage is a ProcessingError so the
 * queue layer can persist it with ToMap and the agent layer can turn it
 * into a tool message instead of aborting the session.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Input errors
	ErrorInputInvalid ErrorCode = "INPUT_INVALID"

	// Delegate errors (OCR engine, layout detector, ranking model, VLM, chat model)
	ErrorDelegateUnavailable ErrorCode = "DELEGATE_UNAVAILABLE"
	ErrorRankingMalformed    ErrorCode = "RANKING_MALFORMED"
	ErrorValidationFailed    ErrorCode = "VALIDATION_FAILED"

	// Lookup errors
	ErrorRegionNotFound ErrorCode = "REGION_NOT_FOUND"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"

	// Storage errors
	ErrorStorageFailed ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	RunID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// WithRunID tags the error with the run that produced it.
func (e *ProcessingError) WithRunID(runID string) *ProcessingError {
	e.RunID = runID
	return e
}

// Factory functions for common errors

func NewInputInvalidError(source string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInputInvalid,
		Message:   fmt.Sprintf("Input could not be read: %s", source),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"source": source,
		},
		Cause: cause,
	}
}

func NewDelegateUnavailableError(delegate string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorDelegateUnavailable,
		Message:   fmt.Sprintf("Delegate unavailable: %s", delegate),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"delegate": delegate,
		},
		Cause: cause,
	}
}

func NewRankingMalformedError(reason string, regionCount int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRankingMalformed,
		Message:   fmt.Sprintf("Ranking delegate returned an unusable order: %s", reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region_count": regionCount,
		},
	}
}

func NewValidationFailedError(schema string, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorValidationFailed,
		Message:   fmt.Sprintf("Model output did not match %s after %d attempts", schema, attempts),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"schema":   schema,
			"attempts": attempts,
		},
		Cause: cause,
	}
}

func NewRegionNotFoundError(regionID int, available []int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorRegionNotFound,
		Message:   fmt.Sprintf("Region %d not found. Available regions: %v", regionID, available),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"region_id":         regionID,
			"available_regions": available,
		},
	}
}

func NewProcessingTimeoutError(runID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		RunID:     runID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(runID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store run results",
		RunID:     runID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsDelegateUnavailable reports whether err was caused by an unreachable delegate.
func IsDelegateUnavailable(err error) bool {
	return CodeOf(err) == ErrorDelegateUnavailable
}

// IsInputInvalid reports whether err was caused by unreadable input.
func IsInputInvalid(err error) bool {
	return CodeOf(err) == ErrorInputInvalid
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.RunID != "" {
		result["run_id"] = e.RunID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// ToMap converts any error to the same map shape; plain errors get an empty code.
func ToMap(err error) map[string]interface{} {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.ToMap()
	}
	return map[string]interface{}{
		"error_code": "",
		"message":    err.Error(),
		"timestamp":  time.Now(),
	}
}
