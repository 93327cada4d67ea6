package events

// ActionType is the decision the transform stage made for an event.
type ActionType int

const (
	// ActionApply means the document (possibly mutated) must reach the index.
	ActionApply ActionType = iota
	// ActionSuppress means the event must not mutate the index.
	ActionSuppress
)

func (a ActionType) String() string {
	switch a {
	case ActionApply:
		return "apply"
	case ActionSuppress:
		return "suppress"
	default:
		return "unknown"
	}
}

// IndexAction is the output of the transform stage and the unit the writer batches.
// Suppress actions still travel to the writer so the cursor can move past them.
type IndexAction struct {
	Type        ActionType
	Kind        Kind
	TargetID    string
	Document    map[string]any
	OperationID OperationID

	// Snapshot is copied from the source event.
	Snapshot bool

	// Err is set when the action was suppressed because the evaluator failed.
	Err error
}

// Apply builds an Apply action for the event.
func Apply(evt *ChangeEvent, doc map[string]any) *IndexAction {
	return &IndexAction{
		Type:        ActionApply,
		Kind:        evt.Kind,
		TargetID:    evt.DocumentKey,
		Document:    doc,
		OperationID: evt.OperationID,
		Snapshot:    evt.Snapshot,
	}
}

// Suppress builds a Suppress action for the event. err may be nil.
func Suppress(evt *ChangeEvent, err error) *IndexAction {
	return &IndexAction{
		Type:        ActionSuppress,
		Kind:        evt.Kind,
		TargetID:    evt.DocumentKey,
		OperationID: evt.OperationID,
		Snapshot:    evt.Snapshot,
		Err:         err,
	}
}

// BatchResult reports what the writer did with one batch.
type BatchResult struct {
	// AcknowledgedUpTo is the last position of the contiguous settled prefix.
	// Zero when nothing in the batch settled.
	AcknowledgedUpTo OperationID

	// FailedKeys lists document keys the engine rejected.
	FailedKeys []string

	Applied    int
	Rejected   int
	Suppressed int

	// Snapshot is true when every settled action came from the snapshot phase.
	Snapshot bool

	// Err is ErrIndexUnavailable when the batch could not be fully settled.
	Err error
}

// Progress reports whether the batch settled anything.
func (r BatchResult) Progress() bool {
	return !r.AcknowledgedUpTo.IsZero()
}
