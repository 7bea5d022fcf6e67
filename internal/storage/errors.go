package storage

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means ClickHouse could not be reached.
	ErrUnavailable = errors.New("storage: clickhouse unavailable")
	// ErrSchema means the audit table could not be created or altered.
	ErrSchema = errors.New("storage: schema statement failed")
	// ErrInsert means a batch of audit rows was not stored.
	ErrInsert = errors.New("storage: audit insert failed")
	// ErrInvalidData means the configuration or a row was rejected before
	// reaching the server.
	ErrInvalidData = errors.New("storage: invalid data")
	// ErrWriterClosed is returned for records submitted after Close.
	ErrWriterClosed = errors.New("storage: writer closed")
)

// Error describes a failed storage operation. It matches both its kind
// (one of the Err values above) and the underlying cause with errors.Is.
type Error struct {
	Kind     error
	Op       string
	Table    string
	Rows     int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, " [%s", e.Op)
	if e.Table != "" {
		b.WriteString(" " + e.Table)
	}
	if e.Rows > 0 {
		fmt.Fprintf(&b, ", %d rows", e.Rows)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, ", %d attempts", e.Attempts)
	}
	b.WriteString("]")
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Temporary reports whether repeating the operation may succeed.
func (e *Error) Temporary() bool {
	return e.Kind == ErrUnavailable || e.Kind == ErrInsert
}

// IsRetryable reports whether err is a temporary storage failure.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Temporary()
}

func unavailable(op string, err error) error {
	return &Error{Kind: ErrUnavailable, Op: op, Err: err}
}

func schemaFailed(table string, err error) error {
	return &Error{Kind: ErrSchema, Op: "ensure schema", Table: table, Err: err}
}

func insertFailed(table string, rows, attempts int, err error) error {
	return &Error{Kind: ErrInsert, Op: "insert", Table: table, Rows: rows, Attempts: attempts, Err: err}
}
