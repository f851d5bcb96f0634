package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Error codes surfaced in scan responses and snapshot rows.
const (
	CodeInvalidURL             = "INVALID_URL"
	CodeUnsupportedScheme      = "UNSUPPORTED_SCHEME"
	CodeLocalhostNotAllowed    = "LOCALHOST_NOT_ALLOWED"
	CodeMetadataServiceBlocked = "METADATA_SERVICE_BLOCKED"
	CodePrivateIPNotAllowed    = "PRIVATE_IP_NOT_ALLOWED"
	CodeLinkLocalNotAllowed    = "LINK_LOCAL_NOT_ALLOWED"
	CodeInvalidName            = "INVALID_NAME"
	CodeGuardViolation         = "GUARD_VIOLATION"
	CodeStorageQuota           = "STORAGE_QUOTA"
	CodeStorageError           = "STORAGE_ERROR"
	CodeTimeout                = "TIMEOUT"
	CodeValidationMismatch     = "VALIDATION_MISMATCH"
	CodeShutdown               = "SHUTDOWN"
	CodeInternal               = "INTERNAL_ERROR"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition is returned when a snapshot status change is not allowed.
	ErrInvalidTransition = errors.New("invalid snapshot status transition")
	// ErrGuardViolation marks a page that must never be persisted.
	ErrGuardViolation = errors.New("guard violation")
	// ErrRenderingDisabled is returned by renderers when no browser is configured.
	ErrRenderingDisabled = errors.New("rendering disabled")
	// ErrQueueClosed is returned by task queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// Error is a coded failure that maps onto a scan response error.
type Error struct {
	Code    string
	Message string
	Err     error
}

// NewError builds a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError attaches a code to an underlying error.
func WrapError(code string, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the code from err, falling back to CodeInternal.
func CodeOf(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	if errors.Is(err, ErrGuardViolation) {
		return CodeGuardViolation
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// IsInputError reports whether err was caused by invalid caller input.
func IsInputError(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidURL, CodeUnsupportedScheme, CodeLocalhostNotAllowed,
		CodeMetadataServiceBlocked, CodePrivateIPNotAllowed,
		CodeLinkLocalNotAllowed, CodeInvalidName:
		return true
	default:
		return false
	}
}

// StorageErrorClass groups storage failures by how a scan reacts to them.
type StorageErrorClass int

// Storage error classes.
const (
	StorageUnknown StorageErrorClass = iota
	StorageRecoverable
	StorageQuota
)

func (c StorageErrorClass) String() string {
	switch c {
	case StorageRecoverable:
		return "recoverable"
	case StorageQuota:
		return "quota"
	default:
		return "unknown"
	}
}

var quotaMarkers = []string{
	"quota", "storage limit", "insufficient storage", "no space left",
	"disk full", "payload too large", "413", "507",
}

var recoverableMarkers = []string{
	"timeout", "timed out", "connection reset", "connection refused",
	"temporarily unavailable", "database is locked", "busy", "503", "502",
}

// ClassifyStorageError decides whether a storage failure is critical.
// Quota errors stop further writes; recoverable errors drop the page.
func ClassifyStorageError(err error) StorageErrorClass {
	if err == nil {
		return StorageUnknown
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return StorageQuota
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StorageRecoverable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StorageRecoverable
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range quotaMarkers {
		if strings.Contains(msg, marker) {
			return StorageQuota
		}
	}
	for _, marker := range recoverableMarkers {
		if strings.Contains(msg, marker) {
			return StorageRecoverable
		}
	}
	return StorageUnknown
}
