// Package normalizer converts MongoDB oplog entries to change events.
package normalizer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/zeebo/blake3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrMalformedEntry marks an entry that cannot be turned into an event.
// The stream continues past it.
var ErrMalformedEntry = errors.New("malformed oplog entry")

// maxOplogVersion is the newest oplog entry format understood here.
const maxOplogVersion = 2

// Entry is one document of local.oplog.rs.
type Entry struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Version   int                 `bson:"v"`
	Op        string              `bson:"op"`
	Namespace string              `bson:"ns"`
	Object    bson.M              `bson:"o"`
	Object2   bson.M              `bson:"o2,omitempty"`
	Wall      time.Time           `bson:"wall,omitempty"`
}

// Change is a normalized event plus what the tailer needs to complete it.
type Change struct {
	Event *events.ChangeEvent

	// ID is the raw _id, used to look up the current document.
	ID any

	// Partial is set for modifier updates whose payload only carries the
	// changed fields. The tailer replaces it with the current document when
	// the lookup finds one.
	Partial bool
}

// Normalizer converts oplog entries for one collection.
type Normalizer struct {
	database   string
	collection string
	namespace  string
	commandNS  string
}

// New creates a Normalizer for database.collection.
func New(database, collection string) *Normalizer {
	return &Normalizer{
		database:   database,
		collection: collection,
		namespace:  database + "." + collection,
		commandNS:  database + ".$cmd",
	}
}

// Namespace returns db.coll.
func (n *Normalizer) Namespace() string {
	return n.namespace
}

// Normalize converts one entry into zero or more changes. Entries for
// other namespaces, no-ops and unrelated commands yield no changes.
// Errors wrap ErrMalformedEntry (skip the entry) or events.ErrProtocol (stop).
func (n *Normalizer) Normalize(entry *Entry) ([]Change, error) {
	if entry.Version > maxOplogVersion {
		return nil, fmt.Errorf("%w: unsupported oplog version %d at %d.%d",
			events.ErrProtocol, entry.Version, entry.Timestamp.T, entry.Timestamp.I)
	}
	return n.normalize(entry, 0, entryTime(entry))
}

func (n *Normalizer) normalize(entry *Entry, ordinal uint32, at time.Time) ([]Change, error) {
	id := events.OperationIDFromTimestamp(entry.Timestamp, ordinal)

	switch entry.Op {
	case "n":
		return nil, nil
	case "c":
		return n.command(entry, id, at)
	case "i", "u", "d":
		if entry.Namespace != n.namespace {
			return nil, nil
		}
	default:
		return nil, fmt.Errorf("%w: unknown op %q at %s", ErrMalformedEntry, entry.Op, id)
	}

	switch entry.Op {
	case "i":
		rawID, ok := entry.Object["_id"]
		if !ok {
			return nil, fmt.Errorf("%w: insert without _id at %s", ErrMalformedEntry, id)
		}
		return []Change{{Event: n.event(id, events.KindInsert, rawID, ConvertDocument(entry.Object), at), ID: rawID}}, nil

	case "d":
		rawID, ok := entry.Object["_id"]
		if !ok {
			return nil, fmt.Errorf("%w: delete without _id at %s", ErrMalformedEntry, id)
		}
		return []Change{{Event: n.event(id, events.KindDelete, rawID, nil, at), ID: rawID}}, nil

	default: // "u"
		rawID, ok := entry.Object2["_id"]
		if !ok {
			rawID, ok = entry.Object["_id"]
		}
		if !ok {
			return nil, fmt.Errorf("%w: update without _id at %s", ErrMalformedEntry, id)
		}
		payload, partial := updatePayload(entry.Object)
		if payload == nil {
			return nil, fmt.Errorf("%w: update with unrecognized body at %s", ErrMalformedEntry, id)
		}
		payload["_id"] = convertValue(rawID)
		return []Change{{
			Event:   n.event(id, events.KindUpdate, rawID, payload, at),
			ID:      rawID,
			Partial: partial,
		}}, nil
	}
}

func (n *Normalizer) command(entry *Entry, id events.OperationID, at time.Time) ([]Change, error) {
	db, _, _ := strings.Cut(entry.Namespace, ".")
	if db == "admin" {
		if ops, ok := entry.Object["applyOps"]; ok {
			return n.applyOps(entry, ops, at)
		}
		return nil, nil
	}
	if db != n.database {
		return nil, nil
	}

	if coll, ok := entry.Object["drop"].(string); ok {
		if coll != n.collection {
			return nil, nil
		}
		return []Change{{Event: n.drop(id, at)}}, nil
	}
	if _, ok := entry.Object["dropDatabase"]; ok {
		return []Change{{Event: n.drop(id, at)}}, nil
	}
	if ops, ok := entry.Object["applyOps"]; ok {
		return n.applyOps(entry, ops, at)
	}
	return nil, nil
}

// applyOps expands a transaction entry; each inner operation gets its
// position in the array as ordinal.
func (n *Normalizer) applyOps(entry *Entry, ops any, at time.Time) ([]Change, error) {
	list, ok := asArray(ops)
	if !ok {
		return nil, fmt.Errorf("%w: applyOps is %T at %d.%d",
			ErrMalformedEntry, ops, entry.Timestamp.T, entry.Timestamp.I)
	}

	var out []Change
	for i, raw := range list {
		doc, ok := asDocument(raw)
		if !ok {
			return nil, fmt.Errorf("%w: applyOps[%d] is %T", ErrMalformedEntry, i, raw)
		}
		inner := &Entry{
			Timestamp: entry.Timestamp,
			Version:   entry.Version,
			Wall:      entry.Wall,
		}
		inner.Op, _ = doc["op"].(string)
		inner.Namespace, _ = doc["ns"].(string)
		inner.Object, _ = asDocument(doc["o"])
		inner.Object2, _ = asDocument(doc["o2"])

		changes, err := n.normalize(inner, uint32(i), at)
		if err != nil {
			return nil, err
		}
		out = append(out, changes...)
	}
	return out, nil
}

func (n *Normalizer) event(id events.OperationID, kind events.Kind, rawID any, payload map[string]any, at time.Time) *events.ChangeEvent {
	return &events.ChangeEvent{
		OperationID: id,
		Collection:  n.namespace,
		DocumentKey: FormatID(rawID),
		Kind:        kind,
		Payload:     payload,
		Timestamp:   at,
	}
}

func (n *Normalizer) drop(id events.OperationID, at time.Time) *events.ChangeEvent {
	return &events.ChangeEvent{
		OperationID: id,
		Collection:  n.namespace,
		Kind:        events.KindCollectionDrop,
		Timestamp:   at,
	}
}

// updatePayload returns the document carried by an update entry and whether
// it is only a partial view. nil means the body was not understood.
func updatePayload(o bson.M) (map[string]any, bool) {
	if o == nil {
		return nil, false
	}
	modifier := false
	for k := range o {
		if strings.HasPrefix(k, "$") {
			modifier = true
			break
		}
	}
	if !modifier {
		return ConvertDocument(o), false
	}

	// $v:2 entries carry a delta under "diff".
	if diff, ok := asDocument(o["diff"]); ok {
		out := map[string]any{}
		applyDiff(out, diff, "")
		return out, true
	}

	out := map[string]any{}
	if set, ok := asDocument(o["$set"]); ok {
		for k, v := range set {
			out[k] = convertValue(v)
		}
		return out, true
	}
	if _, ok := o["$unset"]; ok {
		return out, true
	}
	if _, ok := o["$v"]; ok {
		return out, true
	}
	return nil, false
}

// applyDiff flattens the updated (u) and inserted (i) fields of a v2 delta,
// recursing into sub-diffs ("s<field>") with dotted keys.
func applyDiff(out map[string]any, diff bson.M, prefix string) {
	for _, section := range []string{"u", "i"} {
		if fields, ok := asDocument(diff[section]); ok {
			for k, v := range fields {
				out[prefix+k] = convertValue(v)
			}
		}
	}
	for k, v := range diff {
		if len(k) > 1 && k[0] == 's' {
			if sub, ok := asDocument(v); ok {
				applyDiff(out, sub, prefix+k[1:]+".")
			}
		}
	}
}

// FormatID formats a MongoDB _id value as a document key.
func FormatID(id any) string {
	switch v := id.(type) {
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return formatCompoundKey(id)
	}
}

// formatCompoundKey hashes composite or exotic _id values into a stable key.
func formatCompoundKey(id any) string {
	data, err := bson.Marshal(bson.D{{Key: "_id", Value: id}})
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", id))
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// ConvertDocument converts a BSON document to plain Go values.
func ConvertDocument(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	result := make(map[string]any, len(m))
	for k, v := range m {
		result[k] = convertValue(v)
	}
	return result
}

func convertValue(v any) any {
	switch val := v.(type) {
	case bson.M:
		return ConvertDocument(val)
	case bson.D:
		return ConvertDocument(val.Map())
	case bson.A:
		result := make([]any, len(val))
		for i, item := range val {
			result[i] = convertValue(item)
		}
		return result
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case primitive.Timestamp:
		return map[string]any{"t": val.T, "i": val.I}
	case primitive.Decimal128:
		return val.String()
	case primitive.Binary:
		return val.Data
	case primitive.Regex:
		return val.String()
	case primitive.JavaScript:
		return string(val)
	case primitive.Symbol:
		return string(val)
	case primitive.Null, primitive.Undefined, primitive.MinKey, primitive.MaxKey:
		return nil
	default:
		return v
	}
}

func asDocument(v any) (bson.M, bool) {
	switch d := v.(type) {
	case bson.M:
		return d, true
	case map[string]any:
		return bson.M(d), true
	case bson.D:
		return d.Map(), true
	default:
		return nil, false
	}
}

func asArray(v any) ([]any, bool) {
	switch a := v.(type) {
	case bson.A:
		return a, true
	case []any:
		return a, true
	default:
		return nil, false
	}
}

func entryTime(entry *Entry) time.Time {
	if !entry.Wall.IsZero() {
		return entry.Wall.UTC()
	}
	return time.Unix(int64(entry.Timestamp.T), 0).UTC()
}
