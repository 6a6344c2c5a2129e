package handoff

import (
	"testing"

	"github.com/harun/switchboard/pkg/agent"
	"github.com/harun/switchboard/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func travelCatalog(t *testing.T) *agent.Catalog {
	t.Helper()
	triage, err := agent.New(agent.Config{
		Name:     "Triage",
		Handoffs: []agent.Route{{Tool: "transfer_to_flights", Target: "Flight Booker"}},
	})
	require.NoError(t, err)
	flights, err := agent.New(agent.Config{Name: "Flight Booker"})
	require.NoError(t, err)

	c, err := agent.NewCatalog("Triage", triage, flights)
	require.NoError(t, err)
	return c
}

func TestFromCall(t *testing.T) {
	c := travelCatalog(t)

	t.Run("should map a transfer tool call to a request", func(t *testing.T) {
		req, ok := FromCall(c.Entry(), message.ToolCall{
			ID:        "call_1",
			Name:      "transfer_to_flights",
			Arguments: map[string]interface{}{"context": " wants Paris "},
		})
		require.True(t, ok)
		assert.Equal(t, Request{Target: "Flight Booker", Context: "wants Paris", CallID: "call_1", Tool: "transfer_to_flights"}, req)
	})

	t.Run("should ignore ordinary tool calls", func(t *testing.T) {
		_, ok := FromCall(c.Entry(), message.ToolCall{ID: "call_2", Name: "calculator"})
		assert.False(t, ok)
	})
}

func TestResolver_Resolve(t *testing.T) {
	c := travelCatalog(t)
	triage := c.Entry()

	t.Run("should resolve a known target", func(t *testing.T) {
		out, err := Resolver{}.Resolve(Request{Target: "Flight Booker"}, c, triage)
		require.NoError(t, err)

		assert.Equal(t, "Flight Booker", out.To.Name())
		assert.Same(t, triage, out.From)
		assert.False(t, out.Self)
		assert.Equal(t, "Transferred to Flight Booker.", Acknowledgement(Request{}, out))
		assert.Equal(t, "Transferred to Flight Booker. Context: Paris", Acknowledgement(Request{Context: "Paris"}, out))
	})

	t.Run("should flag self handoff", func(t *testing.T) {
		out, err := Resolver{}.Resolve(Request{Target: "Triage"}, c, triage)
		require.NoError(t, err)
		assert.True(t, out.Self)
		assert.Equal(t, "Already talking to Triage.", Acknowledgement(Request{}, out))
	})

	t.Run("should fail on unknown targets", func(t *testing.T) {
		_, err := Resolver{}.Resolve(Request{Target: "Nobody"}, c, triage)
		assert.ErrorIs(t, err, ErrUnknownTarget)
		assert.Contains(t, Failure(Request{Tool: "transfer_to_nobody"}, err), "unknown_handoff_target")
	})
}
