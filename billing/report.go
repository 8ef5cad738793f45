package billing

// Failure is one record a batch could not process.
type Failure struct {
	RecordID string    `json:"record_id"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// NewFailure classifies err for recordID.
func NewFailure(recordID string, err error) Failure {
	return Failure{RecordID: recordID, Kind: Classify(err), Message: err.Error()}
}

// Failures is a batch's failure tally.
type Failures []Failure

// Count returns how many failures are of kind.
func (fs Failures) Count(kind ErrorKind) int {
	n := 0
	for _, f := range fs {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// HasHardErrors reports invariant violations, which callers must surface.
func (fs Failures) HasHardErrors() bool {
	return fs.Count(KindInvariantViolation) > 0
}
