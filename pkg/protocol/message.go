package protocol

import (
	"errors"
	"fmt"
)

// MessageType is the leading varuint of every frame.
type MessageType uint64

const (
	// MessageSync carries replica state vectors and updates.
	MessageSync MessageType = 0
	// MessageAwareness carries presence state for one or more participants.
	MessageAwareness MessageType = 1
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// SyncMessageType is the varuint that follows MessageSync.
type SyncMessageType uint64

const (
	// SyncStep1 announces the sender's state vector.
	SyncStep1 SyncMessageType = 0
	// SyncStep2 answers a step 1 with the updates the peer is missing.
	SyncStep2 SyncMessageType = 1
	// SyncUpdate carries an incremental update.
	SyncUpdate SyncMessageType = 2
)

// String returns the sync message type name.
func (t SyncMessageType) String() string {
	switch t {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

var (
	// ErrUnknownMessageType is returned for a frame whose tag is neither sync nor awareness.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrUnknownSyncType is returned for a sync frame with an unrecognized sub-type.
	ErrUnknownSyncType = errors.New("protocol: unknown sync message type")
)

// ReadMessageType reads the frame tag.
func ReadMessageType(d *Decoder) (MessageType, error) {
	v, err := d.ReadUvarint()
	if err != nil {
		return 0, fmt.Errorf("protocol: read message type: %w", err)
	}
	return MessageType(v), nil
}

// EncodeSyncStep1 returns a complete sync frame announcing stateVector.
func EncodeSyncStep1(stateVector []byte) []byte {
	e := NewEncoderWithCap(frameCap(stateVector))
	e.WriteUvarint(uint64(MessageSync))
	WriteSyncStep1(e, stateVector)
	return e.Bytes()
}

// EncodeSyncStep2 returns a complete sync frame carrying a diff.
func EncodeSyncStep2(update []byte) []byte {
	e := NewEncoderWithCap(frameCap(update))
	e.WriteUvarint(uint64(MessageSync))
	WriteSyncStep2(e, update)
	return e.Bytes()
}

// EncodeSyncUpdate returns a complete sync frame carrying an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	e := NewEncoderWithCap(frameCap(update))
	e.WriteUvarint(uint64(MessageSync))
	WriteUpdate(e, update)
	return e.Bytes()
}

// EncodeAwareness returns a complete awareness frame around an encoded
// awareness update.
func EncodeAwareness(update []byte) []byte {
	e := NewEncoderWithCap(frameCap(update))
	e.WriteUvarint(uint64(MessageAwareness))
	e.WriteVarBytes(update)
	return e.Bytes()
}

// frameCap bounds the size of a frame holding payload behind at most two
// one-byte tags.
func frameCap(payload []byte) int {
	return 2 + UvarintLen(uint64(len(payload))) + len(payload)
}

// ReadAwareness reads the awareness update that follows the frame tag.
func ReadAwareness(d *Decoder) ([]byte, error) {
	update, err := d.ReadVarBytes()
	if err != nil {
		return nil, fmt.Errorf("protocol: read awareness update: %w", err)
	}
	return update, nil
}
