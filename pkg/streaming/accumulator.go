package streaming

import "strings"

// Accumulator holds the in-flight state of one chat turn. It is deliberately
// lock-free: only the single goroutine driving the session's stream may call
// its mutators. Cross-goroutine cancellation goes through the session registry
// token, not through this struct.
type Accumulator struct {
	firstTurn      bool
	text           strings.Builder
	citations      []Citation
	conversationID string
	cancelled      bool
}

func NewAccumulator(firstTurn bool) *Accumulator {
	return &Accumulator{firstTurn: firstTurn}
}

func (a *Accumulator) FirstTurn() bool {
	return a.firstTurn
}

// AppendText concatenates a delta onto the assembled response. No size bound
// is enforced here; bounding is a caller policy.
func (a *Accumulator) AppendText(delta string) {
	a.text.WriteString(delta)
}

// SetConversationID captures the upstream conversation id. Only the first
// value of a first turn sticks; everything else is a no-op so a late or
// repeated id can never clobber the captured one.
func (a *Accumulator) SetConversationID(id string) {
	if !a.firstTurn || a.conversationID != "" || id == "" {
		return
	}
	a.conversationID = id
}

// AddCitations appends in arrival order. Duplicates are kept: citations are
// advisory and upstream is trusted not to resend identical metadata.
func (a *Accumulator) AddCitations(citations []Citation) {
	if len(citations) == 0 {
		return
	}
	a.citations = append(a.citations, citations...)
}

// MarkCancelled records that the user stopped this turn. Monotonic: once set
// it is never cleared.
func (a *Accumulator) MarkCancelled() {
	a.cancelled = true
}

func (a *Accumulator) CancelledByUser() bool {
	return a.cancelled
}

// HasContent reports whether anything is worth persisting.
func (a *Accumulator) HasContent() bool {
	return a.text.Len() > 0
}

func (a *Accumulator) Text() string {
	return a.text.String()
}

func (a *Accumulator) ConversationID() string {
	return a.conversationID
}

func (a *Accumulator) Citations() []Citation {
	return a.citations
}
