// Package events defines the canonical event schema for the river pipeline.
// All stages MUST use these types when passing changes downstream.
package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind represents the type of change operation.
type Kind string

const (
	KindInsert         Kind = "insert"
	KindUpdate         Kind = "update"
	KindDelete         Kind = "delete"
	KindCollectionDrop Kind = "drop"
)

// IsValid checks if the kind is a known valid kind.
func (k Kind) IsValid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindCollectionDrop:
		return true
	default:
		return false
	}
}

// OperationID is a position in the source operation log.
// This is used as the resume token and for ordering checks.
type OperationID struct {
	T       uint32 `json:"t" bson:"t"`             // Seconds since epoch
	I       uint32 `json:"i" bson:"i"`             // Increment within second
	Ordinal uint32 `json:"ordinal" bson:"ordinal"` // Position inside an applyOps entry
}

// Compare compares two OperationID values.
// Returns -1 if o < other, 0 if equal, 1 if o > other.
func (o OperationID) Compare(other OperationID) int {
	switch {
	case o.T < other.T:
		return -1
	case o.T > other.T:
		return 1
	case o.I < other.I:
		return -1
	case o.I > other.I:
		return 1
	case o.Ordinal < other.Ordinal:
		return -1
	case o.Ordinal > other.Ordinal:
		return 1
	}
	return 0
}

// IsZero returns true if the OperationID is unset.
func (o OperationID) IsZero() bool {
	return o.T == 0 && o.I == 0 && o.Ordinal == 0
}

// String formats the position as T.I.Ordinal.
func (o OperationID) String() string {
	return fmt.Sprintf("%d.%d.%d", o.T, o.I, o.Ordinal)
}

// Time returns the wall-clock second encoded in the position.
func (o OperationID) Time() time.Time {
	return time.Unix(int64(o.T), 0).UTC()
}

// OperationIDFromTimestamp converts a MongoDB oplog timestamp to an OperationID.
func OperationIDFromTimestamp(ts primitive.Timestamp, ordinal uint32) OperationID {
	return OperationID{T: ts.T, I: ts.I, Ordinal: ordinal}
}

// Timestamp converts the position back to a MongoDB oplog timestamp.
func (o OperationID) Timestamp() primitive.Timestamp {
	return primitive.Timestamp{T: o.T, I: o.I}
}

// ParseOperationID parses the T.I.Ordinal form produced by String.
func ParseOperationID(s string) (OperationID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return OperationID{}, fmt.Errorf("invalid operation id %q", s)
	}
	var vals [3]uint32
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return OperationID{}, fmt.Errorf("invalid operation id %q: %w", s, err)
		}
		vals[i] = uint32(v)
	}
	return OperationID{T: vals[0], I: vals[1], Ordinal: vals[2]}, nil
}

// ChangeEvent is a normalized change read from the operation log or produced by a snapshot.
type ChangeEvent struct {
	OperationID OperationID    `json:"opId"`
	Collection  string         `json:"collection"` // db.coll
	DocumentKey string         `json:"docKey"`
	Kind        Kind           `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`

	// Timestamp is the source-assigned event time. Never used for ordering.
	Timestamp time.Time `json:"timestamp"`

	// Snapshot marks synthetic inserts emitted by the initial collection scan.
	Snapshot bool `json:"snapshot,omitempty"`
}

// Iterator provides ordered iteration over change events.
type Iterator interface {
	// Next advances to the next event. Returns false when done or on error.
	Next(ctx context.Context) bool

	// Event returns the current event.
	Event() *ChangeEvent

	// Err returns any error encountered during iteration.
	Err() error

	// Close releases the iterator resources.
	Close() error
}
