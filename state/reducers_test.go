package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeScalarsLastWriteWins(t *testing.T) {
	prev := New(&Record{ID: "r1", Title: "Invoice 1001", Status: RecordOpen}, nil)
	prev.Attempts = 1
	prev.CurrentNode = "analyzeRecord"

	merged := Merge(prev, Partial{
		Attempts:           Ptr(2),
		LastChannel:        Ptr(ChannelEmail),
		WaitingForResponse: Ptr(true),
		CurrentNode:        Ptr("sendEmail"),
		NextNode:           Ptr("waitForResponse"),
	})

	assert.Equal(t, 2, merged.Attempts)
	assert.Equal(t, ChannelEmail, merged.LastChannel)
	assert.True(t, merged.WaitingForResponse)
	assert.Equal(t, "sendEmail", merged.CurrentNode)
	assert.Equal(t, "waitForResponse", merged.NextNode)

	// Fields without an update keep their previous value.
	assert.Equal(t, "Invoice 1001", merged.Record.Title)
}

func TestMergeAbsentFieldsUntouched(t *testing.T) {
	prev := New(&Record{ID: "r1", Status: RecordOpen}, nil)
	prev.Attempts = 3
	prev.WaitingForResponse = true

	merged := Merge(prev, Partial{CurrentNode: Ptr("processResponse")})

	assert.Equal(t, 3, merged.Attempts)
	assert.True(t, merged.WaitingForResponse)
	assert.Equal(t, "processResponse", merged.CurrentNode)
}

func TestMergeAppendsMessages(t *testing.T) {
	prev := New(&Record{ID: "r1"}, nil)
	prev.Messages = []Message{{Role: RoleAssistant, Content: "first"}}

	merged := Merge(prev, Partial{Messages: []Message{
		{Role: RoleTool, Content: "second"},
		{Role: RoleUser, Content: "third"},
	}})

	require.Len(t, merged.Messages, 3)
	assert.Equal(t, "first", merged.Messages[0].Content)
	assert.Equal(t, "second", merged.Messages[1].Content)
	assert.Equal(t, "third", merged.Messages[2].Content)

	// Previous state is untouched.
	assert.Len(t, prev.Messages, 1)
}

func TestMergeReplacesRecordWithoutAliasing(t *testing.T) {
	prev := New(&Record{ID: "r1", Status: RecordOpen}, nil)

	update := &Record{ID: "r1", Status: RecordDone}
	merged := Merge(prev, Partial{Record: update})

	assert.Equal(t, RecordDone, merged.Record.Status)
	assert.Equal(t, RecordOpen, prev.Record.Status)

	// Mutating the input after the merge must not leak into the state.
	update.Status = RecordBlocked
	assert.Equal(t, RecordDone, merged.Record.Status)
}

func TestCloneIsDeep(t *testing.T) {
	email := "ada@example.com"
	st := New(
		&Record{ID: "r1", Title: "Invoice 1001"},
		&Contact{ID: "c1", Name: "Ada", Email: &email},
	)
	st.Messages = []Message{{Role: RoleUser, Content: "hello"}}

	clone := st.Clone()
	clone.Record.Title = "changed"
	clone.Contact.Name = "other"
	clone.Messages[0].Content = "mutated"
	clone.Messages = append(clone.Messages, Message{Role: RoleAssistant, Content: "extra"})

	assert.Equal(t, "Invoice 1001", st.Record.Title)
	assert.Equal(t, "Ada", st.Contact.Name)
	assert.Equal(t, "hello", st.Messages[0].Content)
	assert.Len(t, st.Messages, 1)
}

func TestWithMessage(t *testing.T) {
	p := Partial{CurrentNode: Ptr("analyzeRecord")}
	p = p.WithMessage(Message{Role: RoleAssistant, Content: "a"})
	p = p.WithMessage(Message{Role: RoleTool, Content: "b"})

	require.Len(t, p.Messages, 2)
	assert.Equal(t, "analyzeRecord", *p.CurrentNode)
}

func TestLastMessage(t *testing.T) {
	st := New(&Record{ID: "r1"}, nil)
	assert.Nil(t, st.LastMessage())

	st.Messages = append(st.Messages, Message{Content: "a"}, Message{Content: "b"})
	require.NotNil(t, st.LastMessage())
	assert.Equal(t, "b", st.LastMessage().Content)
}
