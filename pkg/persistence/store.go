package persistence

import "context"

// Record is one stored update. Seq increases with every append to the same
// document and is never reused.
type Record struct {
	Seq    int64
	Update []byte
}

// UpdateStore is a per-document, ordered log of replica updates.
// Implementations must be safe for concurrent use, though the Gateway never
// issues concurrent writes for the same document.
type UpdateStore interface {
	// Connect opens connections and creates schema. It is idempotent.
	Connect(ctx context.Context) error

	// Load returns every record of id in Seq order, or nil if there is none.
	Load(ctx context.Context, id string) ([]Record, error)

	// Append adds update to the end of id's log and returns its Seq.
	Append(ctx context.Context, id string, update []byte) (int64, error)

	// Compact replaces every record of id with Seq <= through by merged,
	// which takes Seq through. Records appended after through are kept. A
	// crash part way through may leave both merged and the records it
	// replaced, never neither.
	Compact(ctx context.Context, id string, merged []byte, through int64) error

	// Close releases the store.
	Close(ctx context.Context) error
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
