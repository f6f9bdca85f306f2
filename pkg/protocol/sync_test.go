package protocol

import (
	"errors"
	"testing"
)

type fakeDoc struct {
	sv      []byte
	diff    []byte
	applied [][]byte
	origins []any
	askedSV []byte
	fail    error
}

func (f *fakeDoc) EncodeStateVector() []byte { return f.sv }

func (f *fakeDoc) EncodeStateAsUpdate(sv []byte) ([]byte, error) {
	f.askedSV = sv
	return f.diff, nil
}

func (f *fakeDoc) ApplyUpdate(update []byte, origin any) error {
	if f.fail != nil {
		return f.fail
	}
	f.applied = append(f.applied, update)
	f.origins = append(f.origins, origin)
	return nil
}

func TestReadSyncMessage_Step1Replies(t *testing.T) {
	doc := &fakeDoc{diff: []byte{9, 9, 9}}
	frame := EncodeSyncStep1([]byte{1, 2})

	d := NewDecoder(frame)
	mt, err := ReadMessageType(d)
	if err != nil || mt != MessageSync {
		t.Fatalf("ReadMessageType() = %v, %v; want sync", mt, err)
	}

	reply := NewEncoder()
	reply.WriteUvarint(uint64(MessageSync))
	st, err := ReadSyncMessage(d, reply, doc, "conn")
	if err != nil {
		t.Fatalf("ReadSyncMessage() error: %v", err)
	}
	if st != SyncStep1 {
		t.Fatalf("sync type = %v, want step1", st)
	}
	if string(doc.askedSV) != "\x01\x02" {
		t.Fatalf("state vector passed = %x, want 0102", doc.askedSV)
	}
	if string(reply.Bytes()) != string(EncodeSyncStep2([]byte{9, 9, 9})) {
		t.Fatalf("reply = %x, want step2 frame", reply.Bytes())
	}
}

func TestReadSyncMessage_UpdateApplies(t *testing.T) {
	for _, frame := range [][]byte{EncodeSyncStep2([]byte{7}), EncodeSyncUpdate([]byte{7})} {
		doc := &fakeDoc{}
		d := NewDecoder(frame)
		if _, err := ReadMessageType(d); err != nil {
			t.Fatal(err)
		}
		reply := NewEncoder()
		reply.WriteUvarint(uint64(MessageSync))
		if _, err := ReadSyncMessage(d, reply, doc, "origin"); err != nil {
			t.Fatalf("ReadSyncMessage() error: %v", err)
		}
		if reply.Len() != 1 {
			t.Errorf("reply grew to %d bytes, want untouched", reply.Len())
		}
		if len(doc.applied) != 1 || doc.applied[0][0] != 7 || doc.origins[0] != "origin" {
			t.Errorf("applied = %v origins = %v", doc.applied, doc.origins)
		}
	}
}

func TestReadSyncMessage_Errors(t *testing.T) {
	applyErr := errors.New("boom")
	tests := []struct {
		name string
		body []byte
		doc  *fakeDoc
		want error
	}{
		{"unknown sub-type", []byte{7, 0}, &fakeDoc{}, ErrUnknownSyncType},
		{"apply failure", []byte{2, 1, 5}, &fakeDoc{fail: applyErr}, applyErr},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadSyncMessage(NewDecoder(tc.body), NewEncoder(), tc.doc, nil)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}

	if _, err := ReadSyncMessage(NewDecoder([]byte{2, 9}), NewEncoder(), &fakeDoc{}, nil); err == nil {
		t.Fatal("truncated payload: err = nil")
	}
}

func TestEncodeAwarenessRoundTrip(t *testing.T) {
	frame := EncodeAwareness([]byte("payload"))
	d := NewDecoder(frame)
	mt, err := ReadMessageType(d)
	if err != nil || mt != MessageAwareness {
		t.Fatalf("ReadMessageType() = %v, %v", mt, err)
	}
	update, err := ReadAwareness(d)
	if err != nil || string(update) != "payload" {
		t.Fatalf("ReadAwareness() = %q, %v", update, err)
	}
}

func TestMessageTypeString(t *testing.T) {
	if MessageSync.String() != "sync" || MessageAwareness.String() != "awareness" {
		t.Fatal("unexpected message type names")
	}
	if MessageType(9).String() != "unknown(9)" {
		t.Fatalf("MessageType(9).String() = %q", MessageType(9).String())
	}
	if SyncUpdate.String() != "update" {
		t.Fatalf("SyncUpdate.String() = %q", SyncUpdate.String())
	}
}
