// Package protocol implements the binary wire protocol spoken between
// editors and the docsync server.
//
// Every WebSocket message is one frame. A frame starts with a varuint
// message type followed by a payload that this package routes but never
// interprets:
//
//	┌──────────────────────┬────────────────────────────────────────┐
//	│ messageType (varuint)│ payload                                │
//	└──────────────────────┴────────────────────────────────────────┘
//
// # Message Types
//
//   - MessageSync (0): replica synchronization
//   - MessageAwareness (1): ephemeral presence state
//
// # Sync Messages
//
// A sync payload is a varuint sub-type followed by a length-prefixed byte
// array:
//
//   - SyncStep1 (0): the sender's state vector; the receiver answers with
//     SyncStep2 carrying everything the sender is missing
//   - SyncStep2 (1): a diff answering a step 1
//   - SyncUpdate (2): an incremental update produced by a local edit
//
// # Awareness Messages
//
// An awareness payload is one length-prefixed byte array holding an encoded
// awareness update (see package awareness).
//
// # Encoding
//
//   - Varuint: 7 bits of data per byte, least significant group first, MSB
//     indicates continuation
//   - Length-prefixed: byte arrays and strings carry a varuint length
//
// This layout is compatible with the codec used by browser editors, so
// frames can be forwarded without re-encoding.
//
// Decoders cap single allocations and collection counts by default. A
// caller that already holds a size-checked frame passes WithMaxAllocation
// with the frame length so nothing inside it is rejected for size.
//
// # Usage Example
//
//	d := protocol.NewDecoder(frame, protocol.WithMaxAllocation(len(frame)))
//	mt, err := protocol.ReadMessageType(d)
//	if err != nil {
//	    // drop frame
//	}
//	switch mt {
//	case protocol.MessageSync:
//	    reply := protocol.NewEncoder()
//	    reply.WriteUvarint(uint64(protocol.MessageSync))
//	    _, err = protocol.ReadSyncMessage(d, reply, doc, conn)
//	case protocol.MessageAwareness:
//	    update, err := protocol.ReadAwareness(d)
//	}
package protocol
