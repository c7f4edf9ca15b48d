package state

// Partial is the update a node returns. Scalar fields are pointers so that
// "not present" and "set to zero value" stay distinguishable; the reducer
// replaces a field only when its pointer is non-nil. Messages append.
// Partials are serialized as pending writes, so the field tags are part of
// the persisted checkpoint layout.
type Partial struct {
	Record             *Record         `json:"record,omitempty"`
	Contact            *Contact        `json:"contact,omitempty"`
	Messages           []Message       `json:"messages,omitempty"`
	Attempts           *int            `json:"attempts,omitempty"`
	LastChannel        *Channel        `json:"lastChannel,omitempty"`
	WaitingForResponse *bool           `json:"waitingForResponse,omitempty"`
	WorkflowStatus     *WorkflowStatus `json:"workflowStatus,omitempty"`
	CurrentNode        *string         `json:"currentNode,omitempty"`
	NextNode           *string         `json:"nextNode,omitempty"`
}

// WithMessage appends a single message to the partial's message list.
func (p Partial) WithMessage(m Message) Partial {
	p.Messages = append(p.Messages[:len(p.Messages):len(p.Messages)], m)
	return p
}

// Ptr returns a pointer to v. Convenience for building Partial literals.
func Ptr[T any](v T) *T {
	return &v
}

// Merge applies a partial update to prev and returns the next state.
// Last-write-wins for scalars, append for messages, replace for record and
// contact. The result never aliases prev's or p's message slices.
func Merge(prev *ThreadState, p Partial) *ThreadState {
	next := prev.Clone()

	if p.Record != nil {
		rec := *p.Record
		next.Record = &rec
	}
	if p.Contact != nil {
		c := *p.Contact
		next.Contact = &c
	}
	if len(p.Messages) > 0 {
		next.Messages = append(next.Messages, p.Messages...)
	}
	if p.Attempts != nil {
		next.Attempts = *p.Attempts
	}
	if p.LastChannel != nil {
		next.LastChannel = *p.LastChannel
	}
	if p.WaitingForResponse != nil {
		next.WaitingForResponse = *p.WaitingForResponse
	}
	if p.WorkflowStatus != nil {
		next.WorkflowStatus = *p.WorkflowStatus
	}
	if p.CurrentNode != nil {
		next.CurrentNode = *p.CurrentNode
	}
	if p.NextNode != nil {
		next.NextNode = *p.NextNode
	}

	return next
}
