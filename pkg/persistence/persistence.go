package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tinyedit/docsync/pkg/replica"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("persistence: store closed")

	// ErrNotConnected is returned when a gateway is used before Connect.
	ErrNotConnected = errors.New("persistence: not connected")

	// ErrCorruptLog is returned when a stored update cannot be decoded.
	ErrCorruptLog = errors.New("persistence: corrupt update log")
)

// Persistence loads replicas when a document opens and saves them when it
// is released. Implementations must be safe for concurrent use.
type Persistence interface {
	// Connect prepares the backend. It is idempotent; callers retry it.
	Connect(ctx context.Context) error

	// BindState merges stored state for id into doc and stored state with
	// doc's pre-existing content, then tracks doc's later updates.
	BindState(ctx context.Context, id string, doc *replica.Doc) error

	// WriteState durably saves doc's full state. A document is disposed of
	// only after WriteState returns.
	WriteState(ctx context.Context, id string, doc *replica.Doc) error

	// Close releases the backend.
	Close(ctx context.Context) error
}

// ConnectWithRetry calls p.Connect with exponential backoff until it
// succeeds, ctx ends, or maxElapsed passes. A zero maxElapsed keeps the
// backoff package default of 15 minutes.
func ConnectWithRetry(ctx context.Context, p Persistence, maxElapsed time.Duration, notify ...func(err error, next time.Duration)) error {
	op := func() (struct{}, error) {
		if err := ctx.Err(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, p.Connect(ctx)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	}
	if maxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(maxElapsed))
	}
	if len(notify) > 0 && notify[0] != nil {
		opts = append(opts, backoff.WithNotify(notify[0]))
	}

	if _, err := backoff.Retry(ctx, op, opts...); err != nil {
		return fmt.Errorf("persistence: connect: %w", err)
	}
	return nil
}
