package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for common document and connection error conditions.
var (
	// ErrDocumentDestroyed is returned when attaching to a document that has
	// already been torn down. Registry.Attach retries with a fresh document.
	ErrDocumentDestroyed = errors.New("server: document destroyed")

	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("server: connection closed")

	// ErrSendQueueFull is returned when a connection's outbound queue is full.
	ErrSendQueueFull = errors.New("server: send queue full")

	// ErrEmptyDocumentID is returned when a request names no document.
	ErrEmptyDocumentID = errors.New("server: empty document id")

	// ErrServerClosed is returned once shutdown has begun.
	ErrServerClosed = errors.New("server: closed")

	// ErrMalformedFrame is returned for a frame that could not be handled.
	ErrMalformedFrame = errors.New("server: malformed frame")
)

// DocumentError wraps an error with document context for debugging.
type DocumentError struct {
	DocID string
	Op    string // Operation that failed
	Err   error  // Underlying error
}

// Error returns the error message with document context.
func (e *DocumentError) Error() string {
	if e.DocID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: document %s: %s: %v", e.DocID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *DocumentError) Unwrap() error {
	return e.Err
}

// NewDocumentError creates a new DocumentError.
func NewDocumentError(docID, op string, err error) *DocumentError {
	return &DocumentError{
		DocID: docID,
		Op:    op,
		Err:   err,
	}
}
