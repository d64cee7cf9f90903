package errors

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// Error types for the symdb indexing core
type ErrorType string

const (
	// Pipeline errors
	ErrorTypeParse ErrorType = "parse"
	ErrorTypeQueue ErrorType = "queue"

	// Store errors
	ErrorTypeCacheCorruption ErrorType = "cache_corruption"

	// Merge errors
	ErrorTypeMergeConflict ErrorType = "merge_conflict"

	// File errors
	ErrorTypeFileNotFound ErrorType = "file_not_found"
	ErrorTypePermission   ErrorType = "permission"

	// Configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// Sentinel errors returned by the work queue layer. Callers match these with
// errors.Is after a queue shuts down or a bounded queue rejects an enqueue.
var (
	ErrQueueClosed = errors.New("queue closed")
	ErrQueueFull   = errors.New("queue full")
)

// ParseError records a front-end failure on a single file. The file's
// previous index is retained; the error is surfaced as diagnostics and the
// file is retried on its next edit.
type ParseError struct {
	Type       ErrorType
	Path       string
	Line       int
	Column     int
	Underlying error
	Timestamp  time.Time
}

// NewParseError creates a new parse error for a file position.
func NewParseError(path string, line, column int, err error) *ParseError {
	return &ParseError{
		Type:       ErrorTypeParse,
		Path:       path,
		Line:       line,
		Column:     column,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error at %s:%d:%d: %v", e.Path, e.Line, e.Column, e.Underlying)
	}
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Underlying)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *ParseError) Unwrap() error {
	return e.Underlying
}

// CacheCorruptionError marks a stored cache entry that could not be read
// back. It is never fatal: the store treats the entry as a miss and drops it.
type CacheCorruptionError struct {
	Type       ErrorType
	Path       string
	Underlying error
	Timestamp  time.Time
}

// NewCacheCorruptionError creates a new cache corruption error.
func NewCacheCorruptionError(path string, err error) *CacheCorruptionError {
	return &CacheCorruptionError{
		Type:       ErrorTypeCacheCorruption,
		Path:       path,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry for %s: %v", e.Path, e.Underlying)
}

// Unwrap returns the underlying error
func (e *CacheCorruptionError) Unwrap() error {
	return e.Underlying
}

// MergeConflictError reports a violated merge invariant. With the
// single-writer merge discipline this indicates a programming error: the
// merge engine logs it and skips the file's merge rather than corrupting
// the database.
type MergeConflictError struct {
	Type      ErrorType
	Path      string
	Detail    string
	Timestamp time.Time
}

// NewMergeConflictError creates a new merge conflict error.
func NewMergeConflictError(path, detail string) *MergeConflictError {
	return &MergeConflictError{
		Type:      ErrorTypeMergeConflict,
		Path:      path,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict for %s: %s", e.Path, e.Detail)
}

// FileError represents a file-system error encountered by the pipeline.
type FileError struct {
	Type       ErrorType
	Path       string
	Operation  string
	Underlying error
	Timestamp  time.Time
}

// NewFileError creates a new file error, classifying permission failures.
func NewFileError(op, path string, err error) *FileError {
	errorType := ErrorTypeFileNotFound
	if isPermissionError(err) {
		errorType = ErrorTypePermission
	}

	return &FileError{
		Type:       errorType,
		Path:       path,
		Operation:  op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// isPermissionError checks if the error is a permission error
func isPermissionError(err error) bool {
	return errors.Is(err, os.ErrPermission)
}

// Error implements the error interface
func (e *FileError) Error() string {
	return fmt.Sprintf("file %s failed for %s: %v", e.Operation, e.Path, e.Underlying)
}

// Unwrap returns the underlying error
func (e *FileError) Unwrap() error {
	return e.Underlying
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field      string
	Value      string
	Underlying error
	Timestamp  time.Time
}

// NewConfigError creates a new config error
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{
		Field:      field,
		Value:      value,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field %s (value %s): %v", e.Field, e.Value, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Underlying
}
