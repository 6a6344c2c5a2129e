package agent

import (
	"context"
	"testing"

	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoSpec(name string) tools.Spec {
	return tools.Spec{
		Name:        name,
		Description: "Echo the input",
		Parameters:  []tools.Parameter{{Name: "text", Type: "string", Required: true}},
		Tool: tools.Func(func(ctx context.Context, args map[string]interface{}) (string, error) {
			return args["text"].(string), nil
		}),
	}
}

func mustAgent(t *testing.T, cfg Config) *Agent {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func TestNew(t *testing.T) {
	t.Run("should require a name", func(t *testing.T) {
		_, err := New(Config{Name: "  "})
		assert.Error(t, err)
	})

	t.Run("should derive handoff tool names", func(t *testing.T) {
		a := mustAgent(t, Config{
			Name:     "Triage",
			Handoffs: []Route{{Target: "Flight Booker"}, {Tool: "transfer_to_hotels", Target: "Hotel Booker"}},
		})

		routes := a.Handoffs()
		require.Len(t, routes, 2)
		assert.Equal(t, "transfer_to_flight_booker", routes[0].Tool)
		assert.Equal(t, "Transfer the conversation to Flight Booker.", routes[0].Description)

		route, ok := a.Route("transfer_to_hotels")
		require.True(t, ok)
		assert.Equal(t, "Hotel Booker", route.Target)
	})

	t.Run("should list tool schemas before handoff schemas", func(t *testing.T) {
		registry, err := tools.NewRegistry(echoSpec("echo"))
		require.NoError(t, err)

		a := mustAgent(t, Config{
			Name:     "Triage",
			Tools:    registry,
			Handoffs: []Route{{Tool: "transfer_to_flights", Target: "Flight Booker"}},
		})

		schemas := a.Schemas()
		require.Len(t, schemas, 2)
		assert.Equal(t, "echo", schemas[0].Name)
		assert.Equal(t, "transfer_to_flights", schemas[1].Name)
		assert.Contains(t, schemas[1].Properties(), HandoffContextArg)
	})

	t.Run("should reject handoff tools that shadow registered tools", func(t *testing.T) {
		registry, err := tools.NewRegistry(echoSpec("transfer_to_flights"))
		require.NoError(t, err)

		_, err = New(Config{
			Name:     "Triage",
			Tools:    registry,
			Handoffs: []Route{{Tool: "transfer_to_flights", Target: "Flight Booker"}},
		})
		assert.ErrorContains(t, err, "collides")
	})

	t.Run("should reject duplicate handoff tools", func(t *testing.T) {
		_, err := New(Config{
			Name:     "Triage",
			Handoffs: []Route{{Target: "A"}, {Tool: "transfer_to_a", Target: "B"}},
		})
		assert.ErrorContains(t, err, "duplicate handoff tool")
	})

	t.Run("should default to an empty registry and pipeline", func(t *testing.T) {
		a := mustAgent(t, Config{Name: "Plain", Params: llm.Params{Model: "gpt-4o-mini"}})
		assert.Equal(t, 0, a.Tools().Len())
		assert.True(t, a.Guardrails().CheckInput(context.Background(), "anything").Allowed)
		assert.Equal(t, "gpt-4o-mini", a.Params().Model)
	})
}

func TestTransferToolName(t *testing.T) {
	assert.Equal(t, "transfer_to_flight_booker", TransferToolName("Flight Booker"))
	assert.Equal(t, "transfer_to_billing", TransferToolName("Billing!"))
	assert.Equal(t, "transfer_to_a_b", TransferToolName("A -- B"))
}

func TestNewCatalog(t *testing.T) {
	triage := mustAgent(t, Config{Name: "Triage", Handoffs: []Route{{Target: "Flight Booker"}}})
	flights := mustAgent(t, Config{Name: "Flight Booker"})

	t.Run("should default the entry to the first agent", func(t *testing.T) {
		c, err := NewCatalog("", triage, flights)
		require.NoError(t, err)

		assert.Equal(t, "Triage", c.Entry().Name())
		assert.Equal(t, []string{"Triage", "Flight Booker"}, c.Names())
		assert.Equal(t, []string{"Triage -> Flight Booker"}, c.Edges())

		got, ok := c.Get("Flight Booker")
		require.True(t, ok)
		assert.Same(t, flights, got)
	})

	t.Run("should reject unknown handoff targets", func(t *testing.T) {
		_, err := NewCatalog("", triage)
		assert.ErrorContains(t, err, `handoff target "Flight Booker"`)
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		_, err := NewCatalog("", flights, mustAgent(t, Config{Name: "Flight Booker"}))
		assert.ErrorContains(t, err, "duplicate agent name")
	})

	t.Run("should reject an unknown entry", func(t *testing.T) {
		_, err := NewCatalog("Nobody", triage, flights)
		assert.Error(t, err)
	})

	t.Run("should reject an empty catalog", func(t *testing.T) {
		_, err := NewCatalog("")
		assert.Error(t, err)
	})
}
