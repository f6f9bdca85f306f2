package protocol

import "fmt"

// SyncDoc is the replica surface the sync sub-protocol needs. Payloads are
// opaque here: this layer routes them and never looks inside.
type SyncDoc interface {
	// EncodeStateVector summarizes the replica's history.
	EncodeStateVector() []byte
	// EncodeStateAsUpdate returns everything missing from stateVector.
	// A nil stateVector selects the full state.
	EncodeStateAsUpdate(stateVector []byte) ([]byte, error)
	// ApplyUpdate merges update, recording origin as its source.
	ApplyUpdate(update []byte, origin any) error
}

// WriteSyncStep1 writes a step 1 body (without the frame tag).
func WriteSyncStep1(e *Encoder, stateVector []byte) {
	e.WriteUvarint(uint64(SyncStep1))
	e.WriteVarBytes(stateVector)
}

// WriteSyncStep2 writes a step 2 body (without the frame tag).
func WriteSyncStep2(e *Encoder, update []byte) {
	e.WriteUvarint(uint64(SyncStep2))
	e.WriteVarBytes(update)
}

// WriteUpdate writes an update body (without the frame tag).
func WriteUpdate(e *Encoder, update []byte) {
	e.WriteUvarint(uint64(SyncUpdate))
	e.WriteVarBytes(update)
}

// ReadSyncMessage reads one sync body from d and acts on it.
//
// A step 1 writes the matching step 2 reply into reply; step 2 and update
// bodies are applied to doc with origin. The caller sends reply only if this
// call grew it.
func ReadSyncMessage(d *Decoder, reply *Encoder, doc SyncDoc, origin any) (SyncMessageType, error) {
	v, err := d.ReadUvarint()
	if err != nil {
		return 0, fmt.Errorf("protocol: read sync type: %w", err)
	}
	t := SyncMessageType(v)
	payload, err := d.ReadVarBytes()
	if err != nil {
		return t, fmt.Errorf("protocol: read %s payload: %w", t, err)
	}

	switch t {
	case SyncStep1:
		diff, err := doc.EncodeStateAsUpdate(payload)
		if err != nil {
			return t, fmt.Errorf("protocol: answer step1: %w", err)
		}
		WriteSyncStep2(reply, diff)
	case SyncStep2, SyncUpdate:
		if err := doc.ApplyUpdate(payload, origin); err != nil {
			return t, fmt.Errorf("protocol: apply %s: %w", t, err)
		}
	default:
		return t, fmt.Errorf("%w: %d", ErrUnknownSyncType, v)
	}
	return t, nil
}
