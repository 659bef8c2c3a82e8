package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidShardSpec = errors.New("invalid shard spec")
	ErrSchemaValidation = errors.New("schema validation failed")
	ErrWriteFailure     = errors.New("cache write failed")
	ErrQueryTimeout     = errors.New("query timed out")
	ErrSchemaMismatch   = errors.New("stored schema mismatch")
	ErrInvalidState     = errors.New("invalid state")
	ErrRequestConflict  = errors.New("request already registered with different contents")
	ErrRequestNotFound  = errors.New("request not found")
	ErrUnknownModel     = errors.New("unknown model")
)

const (
	IssueMissing    = "missing"
	IssueUnexpected = "unexpected"
	IssueMistyped   = "mistyped"
)

type ColumnIssue struct {
	Column string
	Row    int // -1 when the issue concerns the header
	Kind   string
	Detail string
}

func (i ColumnIssue) String() string {
	if i.Row < 0 {
		return fmt.Sprintf("column %q %s: %s", i.Column, i.Kind, i.Detail)
	}
	return fmt.Sprintf("column %q row %d %s: %s", i.Column, i.Row, i.Kind, i.Detail)
}

type SchemaValidationError struct {
	ModelId string
	Issues  []ColumnIssue
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return fmt.Sprintf("%s for model %s: %s", ErrSchemaValidation, e.ModelId, strings.Join(parts, "; "))
}

func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// Columns returns the distinct column names that failed validation, in order of first failure.
func (e *SchemaValidationError) Columns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, issue := range e.Issues {
		if !seen[issue.Column] {
			seen[issue.Column] = true
			cols = append(cols, issue.Column)
		}
	}
	return cols
}

type WriteFailure struct {
	Keys  []CacheKey
	Cause error
}

func (e *WriteFailure) Error() string {
	keys := make([]string, 0, len(e.Keys))
	for _, k := range e.Keys {
		keys = append(keys, k.String())
	}
	msg := fmt.Sprintf("%s: %d unwritten keys [%s]", ErrWriteFailure, len(e.Keys), strings.Join(keys, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *WriteFailure) Is(target error) bool {
	return target == ErrWriteFailure
}

func (e *WriteFailure) Unwrap() error {
	return e.Cause
}
