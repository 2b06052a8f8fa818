package domain

import "fmt"

// FormatError reports an unparseable or corrupt input file. The affected
// file is skipped; sibling files continue to import.
type FormatError struct {
	File   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("format error: %s", e.Reason)
	}
	return fmt.Sprintf("format error in %s: %s", e.File, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// NewFormatError constructs a FormatError for the named file.
func NewFormatError(file, reason string, cause error) *FormatError {
	return &FormatError{File: file, Reason: reason, Err: cause}
}

// ValidationError reports a record that fails domain constraints. The record
// is skipped and the batch continues.
type ValidationError struct {
	Category   Category
	ExternalID string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record %q: %v", e.Category, e.ExternalID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func newValidationError(category Category, externalID string, cause error) *ValidationError {
	return &ValidationError{Category: category, ExternalID: externalID, Err: cause}
}

// StorageError reports a write or lock failure. The whole batch is aborted
// and rolled back with the high-water mark unchanged; the batch is retryable.
type StorageError struct {
	Operation string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError constructs a StorageError for the named operation.
func NewStorageError(operation string, cause error) *StorageError {
	return &StorageError{Operation: operation, Err: cause}
}

// SchemaError reports a persisted schema version mismatch. Fatal for the
// affected database; recovery requires an explicit rebuild.
type SchemaError struct {
	Source   Source
	Found    int64
	Expected int64
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema version mismatch for %s database: found %d, expected %d (rebuild required)",
		e.Source, e.Found, e.Expected)
}

// NewSchemaError constructs a SchemaError for the named source database.
func NewSchemaError(source Source, found, expected int64) *SchemaError {
	return &SchemaError{Source: source, Found: found, Expected: expected}
}
