// Package state defines the shared record-thread state carried through an
// outreach workflow, together with the reducer that merges partial node
// outputs into it.
package state

import "time"

// RecordStatus is the lifecycle status of a record.
type RecordStatus string

const (
	RecordOpen     RecordStatus = "OPEN"
	RecordDone     RecordStatus = "DONE"
	RecordBlocked  RecordStatus = "BLOCKED"
	RecordArchived RecordStatus = "ARCHIVED"
)

// Priority is the optional urgency tag on a record.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// Channel identifies an outreach channel. Only action channels count toward
// outreach pacing (see precheck).
type Channel string

const (
	ChannelEmail    Channel = "EMAIL"
	ChannelPhone    Channel = "PHONE"
	ChannelSMS      Channel = "SMS"
	ChannelWhatsApp Channel = "WHATSAPP"
)

// ActionChannels are the channels whose history counts as an outreach action.
var ActionChannels = []Channel{ChannelEmail, ChannelPhone, ChannelSMS, ChannelWhatsApp}

// IsActionChannel reports whether c is one of the outbound action channels.
func IsActionChannel(c Channel) bool {
	for _, a := range ActionChannels {
		if c == a {
			return true
		}
	}
	return false
}

// Role is the conversational role of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// WorkflowStatus is the run-level status of a thread.
type WorkflowStatus string

const (
	WorkflowRunning      WorkflowStatus = "RUNNING"
	WorkflowCompleted    WorkflowStatus = "COMPLETED"
	WorkflowWaitingHuman WorkflowStatus = "WAITING_HUMAN"
)

// Record is the unit of work an outreach workflow operates on, e.g. an
// unpaid invoice. Records are created externally and only mutated through
// tool effects or terminal nodes; the engine never deletes them.
type Record struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Status    RecordStatus   `json:"status"`
	Priority  Priority       `json:"priority,omitempty"`
	Type      string         `json:"type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt,omitzero"`
	UpdatedAt time.Time      `json:"updatedAt,omitzero"`
}

// Contact is the optional person associated with a record. Immutable from
// the engine's perspective.
type Contact struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Email            *string `json:"email,omitempty"`
	Phone            *string `json:"phone,omitempty"`
	PreferredChannel Channel `json:"preferredChannel,omitempty"`
}

// Message is a single entry in a thread's conversation history.
type Message struct {
	Role             Role           `json:"role"`
	Content          string         `json:"content"`
	Channel          Channel        `json:"channel,omitempty"`
	ChannelMessageID string         `json:"channelMessageId,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ThreadState is the live per-record-per-workflow state threaded through
// graph nodes. It is JSON-serializable; that serialization is the checkpoint
// blob for every store backend.
type ThreadState struct {
	Record             *Record        `json:"record,omitempty"`
	Contact            *Contact       `json:"contact,omitempty"`
	Messages           []Message      `json:"messages,omitempty"`
	Attempts           int            `json:"attempts"`
	LastChannel        Channel        `json:"lastChannel,omitempty"`
	WaitingForResponse bool           `json:"waitingForResponse"`
	WorkflowStatus     WorkflowStatus `json:"workflowStatus"`
	CurrentNode        string         `json:"currentNode,omitempty"`
	NextNode           string         `json:"nextNode,omitempty"`
}

// New returns the initial state of a thread over a record.
func New(record *Record, contact *Contact) *ThreadState {
	return &ThreadState{
		Record:         record,
		Contact:        contact,
		WorkflowStatus: WorkflowRunning,
	}
}

// Clone returns a deep copy of the state. Message metadata maps are shared
// because messages are append-only and never mutated in place.
func (s *ThreadState) Clone() *ThreadState {
	out := *s
	if s.Record != nil {
		rec := *s.Record
		out.Record = &rec
	}
	if s.Contact != nil {
		c := *s.Contact
		out.Contact = &c
	}
	if s.Messages != nil {
		out.Messages = make([]Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return &out
}

// LastMessage returns the most recent message, or nil for an empty history.
func (s *ThreadState) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// ResumeValue is the payload delivered to a thread paused at
// waitForResponse: an inbound email, call transcription, or channel timeout.
type ResumeValue struct {
	Channel          Channel        `json:"channel,omitempty"`
	Content          string         `json:"content"`
	ChannelMessageID string         `json:"channelMessageId,omitempty"`
	Timeout          bool           `json:"timeout,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// ReviewAction is the operator's choice on a humanReview interrupt.
type ReviewAction string

const (
	ReviewContinue ReviewAction = "continue"
	ReviewEscalate ReviewAction = "escalate"
	ReviewClose    ReviewAction = "close"
)

// HumanDecision is the payload delivered to a thread paused at humanReview.
type HumanDecision struct {
	Approved   bool         `json:"approved"`
	Notes      string       `json:"notes"`
	NextAction ReviewAction `json:"nextAction"`
}
