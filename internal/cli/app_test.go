package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/switchboard/internal/config"
	"github.com/harun/switchboard/pkg/llm"
	"github.com/harun/switchboard/pkg/llm/llmtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `entry: Greeter
defaults:
  model: gpt-4o-mini
agents:
  - name: Greeter
    instructions: Greet the user.
    handoffs:
      - tool: transfer_to_math
        target: Math Tutor
  - name: Math Tutor
    instructions: Solve arithmetic.
    tools: [calculator]
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.ArchivePath = filepath.Join(dir, "conversations.db")
	cfg.Logging.Console = false
	return cfg
}

func stubClient(t *testing.T, client *llmtest.Client) {
	t.Helper()
	previous := newClient
	newClient = func(*config.Config) (llm.Client, error) { return client, nil }
	t.Cleanup(func() { newClient = previous })
}

func TestBuildClient(t *testing.T) {
	t.Run("should build an openai client", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Boundary.APIKey = "sk-test"

		client, err := buildClient(cfg)
		require.NoError(t, err)
		assert.Equal(t, "openai", client.Provider())
	})

	t.Run("should build a rate limited anthropic client", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Boundary.Provider = "anthropic"
		cfg.Boundary.APIKey = "sk-ant-test"
		cfg.RateLimit.Enabled = true

		client, err := buildClient(cfg)
		require.NoError(t, err)
		assert.Equal(t, "anthropic", client.Provider())
	})

	t.Run("should require an api key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Boundary.APIKey = ""

		_, err := buildClient(cfg)
		assert.ErrorContains(t, err, "API key cannot be empty")
	})

	t.Run("should accept any key with a custom base url", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Boundary.APIKey = "local"
		cfg.Boundary.BaseURL = "http://localhost:11434/v1"

		_, err := buildClient(cfg)
		assert.NoError(t, err)
	})

	t.Run("should reject unknown providers", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Boundary.Provider = "gemini"
		cfg.Boundary.APIKey = "key"

		_, err := buildClient(cfg)
		assert.ErrorContains(t, err, "unsupported boundary provider")
	})
}

func TestLoadCatalog(t *testing.T) {
	t.Run("should fall back to the built-in catalog", func(t *testing.T) {
		catalog, err := loadCatalog(testConfig(t))
		require.NoError(t, err)
		assert.Equal(t, "Triage", catalog.Entry().Name())
	})

	t.Run("should load the configured file", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Agents.Entry = ""
		cfg.Agents.File = filepath.Join(cfg.DataDir, "agents.yaml")
		require.NoError(t, os.WriteFile(cfg.Agents.File, []byte(testCatalog), 0644))

		catalog, err := loadCatalog(cfg)
		require.NoError(t, err)
		assert.Equal(t, []string{"Greeter", "Math Tutor"}, catalog.Names())

		tutor, ok := catalog.Get("Math Tutor")
		require.True(t, ok)
		assert.Equal(t, []string{"calculator"}, tutor.Tools().Names())
	})

	t.Run("should let the config override the entry agent", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Agents.Entry = "Math Tutor"
		cfg.Agents.File = filepath.Join(cfg.DataDir, "agents.yaml")
		require.NoError(t, os.WriteFile(cfg.Agents.File, []byte(testCatalog), 0644))

		catalog, err := loadCatalog(cfg)
		require.NoError(t, err)
		assert.Equal(t, "Math Tutor", catalog.Entry().Name())
	})
}

func TestNewApp(t *testing.T) {
	t.Run("should wire the runner with an archive", func(t *testing.T) {
		client := llmtest.New(llmtest.Text("Hello!"))
		stubClient(t, client)
		cfg := testConfig(t)

		a, err := newApp(cfg, true)
		require.NoError(t, err)
		require.NotNil(t, a.archive)
		require.NotNil(t, a.auditor)

		ctx := context.Background()
		id, err := a.runner.Start(ctx, "")
		require.NoError(t, err)
		reply, err := a.runner.Submit(ctx, id, "hi")
		require.NoError(t, err)
		assert.Equal(t, "Hello!", reply.Text)

		require.NoError(t, a.runner.End(ctx, id))
		history, err := a.runner.History(ctx, id)
		require.NoError(t, err)
		assert.Len(t, history, 2)

		require.NoError(t, a.close())
		assert.True(t, client.Closed())
		assert.FileExists(t, filepath.Join(cfg.DataDir, "audit.log"))
	})

	t.Run("should skip the archive for terminal sessions", func(t *testing.T) {
		stubClient(t, llmtest.New())

		a, err := newApp(testConfig(t), false)
		require.NoError(t, err)
		assert.Nil(t, a.archive)
		assert.NoError(t, a.close())
	})
}

func TestAgentsCommand(t *testing.T) {
	t.Run("should list the built-in catalog", func(t *testing.T) {
		cmd := GetRootCmd()
		output := &bytes.Buffer{}
		cmd.SetOut(output)
		cmd.SetArgs([]string{"agents", "--edges", "--config", filepath.Join(t.TempDir(), "missing.json")})

		require.NoError(t, cmd.Execute())

		text := output.String()
		assert.Contains(t, text, "Triage (entry)")
		assert.Contains(t, text, "handoffs: Flight Booker, Hotel Booker")
		assert.Contains(t, text, "tools:    calculator")
		assert.Contains(t, text, "Triage -> Flight Booker")
	})
}
