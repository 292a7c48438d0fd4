package keypad

// Reader is the read side of the keypad used by polling consumers.
type Reader interface {
	ReadState() State
	AcknowledgeSubmitIf(seq uint64) bool
	ClearBuffer()
}

// EdgeDetector turns the level-triggered submit flag into rising-edge events.
// Each consumer owns its own detector; the zero value is ready to use.
type EdgeDetector struct {
	lastLevel bool
	lastSeq   uint64
}

// Observe compares a new snapshot against the previous one and reports
// whether it carries a new submit press. A flag that stays true across polls
// fires once; a second press landing between two polls fires again because
// its sequence number differs.
func (e *EdgeDetector) Observe(s State) bool {
	rising := s.SubmitRequested && (!e.lastLevel || s.SubmitSeq != e.lastSeq)
	e.lastLevel = s.SubmitRequested
	e.lastSeq = s.SubmitSeq
	return rising
}

// Reset forgets the previously observed level.
func (e *EdgeDetector) Reset() {
	*e = EdgeDetector{}
}
