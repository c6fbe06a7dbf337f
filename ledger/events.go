package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// FinalizedEvent announces that a batch closed and is ready for settlement.
type FinalizedEvent struct {
	BatchID     uuid.UUID `json:"batch_id"`
	IntentCount int       `json:"intent_count"`
	Block       uint64    `json:"block"`
}

// RawLog is an undecoded ledger log entry.
type RawLog struct {
	Topic string `json:"topic"`
	Data  []byte `json:"data"`
	Block uint64 `json:"block"`
}

// TopicBatchFinalized is the log topic for BatchFinalized(bytes16,uint32).
var TopicBatchFinalized = eventTopic("BatchFinalized(bytes16,uint32)")

func eventTopic(signature string) string {
	h := sha3.Sum256([]byte(signature))
	return hex.EncodeToString(h[:])
}

// EncodeFinalizedEvent renders a finalization event as a raw log entry.
func EncodeFinalizedEvent(ev FinalizedEvent) RawLog {
	data := make([]byte, 20)
	copy(data, ev.BatchID[:])
	binary.BigEndian.PutUint32(data[16:], uint32(ev.IntentCount))
	return RawLog{Topic: TopicBatchFinalized, Data: data, Block: ev.Block}
}

// DecodeFinalizedEvent decodes a raw log as a BatchFinalized event.
//
// The result is explicitly tagged: (nil, nil) means the log is some other
// event type, (event, nil) means it matched, and a non-nil error means the
// log claimed to be a BatchFinalized event but is malformed. Callers never
// have to discard an error to tell "wrong event" apart from "broken event".
func DecodeFinalizedEvent(l RawLog) (*FinalizedEvent, error) {
	if l.Topic != TopicBatchFinalized {
		return nil, nil
	}
	if len(l.Data) != 20 {
		return nil, fmt.Errorf("malformed BatchFinalized log: %d data bytes, want 20", len(l.Data))
	}
	var id uuid.UUID
	copy(id[:], l.Data[:16])
	return &FinalizedEvent{
		BatchID:     id,
		IntentCount: int(binary.BigEndian.Uint32(l.Data[16:])),
		Block:       l.Block,
	}, nil
}
