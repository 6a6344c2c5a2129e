package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClone(t *testing.T) {
	t.Run("should deep copy tool call arguments", func(t *testing.T) {
		orig := AssistantToolCalls("Triage", "", []ToolCall{
			{ID: "call_1", Name: "search_flights", Arguments: map[string]interface{}{"destination": "Paris"}},
		})

		cp := orig.Clone()
		cp.ToolCalls[0].Arguments["destination"] = "Rome"

		assert.Equal(t, "Paris", orig.ToolCalls[0].Arguments["destination"])
	})

	t.Run("should copy metadata", func(t *testing.T) {
		orig := Rejection("Triage", "I cannot discuss that topic.", "forbid")
		cp := orig.Clone()
		cp.Metadata["guardrail"] = "other"

		assert.Equal(t, "forbid", orig.Metadata["guardrail"])
	})
}

func TestModelVisible(t *testing.T) {
	msgs := []Message{
		User("hello"),
		Rejection("Triage", "I cannot discuss that topic.", "forbid"),
		Assistant("Triage", "hi"),
	}

	visible := ModelVisible(msgs)
	assert.Len(t, visible, 2)
	assert.Equal(t, RoleUser, visible[0].Role)
	assert.Equal(t, RoleAssistant, visible[1].Role)
}

func TestValidateToolCorrelation(t *testing.T) {
	t.Run("should accept correlated tool results", func(t *testing.T) {
		msgs := []Message{
			User("what is 2+2"),
			AssistantToolCalls("Math", "", []ToolCall{{ID: "c1", Name: "calculator"}}),
			Tool("c1", "4"),
		}
		assert.Empty(t, ValidateToolCorrelation(msgs))
	})

	t.Run("should report orphaned tool results", func(t *testing.T) {
		orphan := Tool("missing", "4")
		msgs := []Message{User("hi"), orphan}
		assert.Equal(t, orphan.ID, ValidateToolCorrelation(msgs))
	})
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleTool.Valid())
	assert.False(t, Role("narrator").Valid())
}
