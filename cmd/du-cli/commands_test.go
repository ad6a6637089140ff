package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencui/structi-sub001/internal/domain"
)

const travelYAML = `
agent: travel
version: 1
lang: en
package: demo
frames:
  - type: BookFlight
    slots:
      - label: destination
        type: City
        prefixes: [to]
  - type: Greeting
entities:
  - type: City
    recognizers: [list]
    instances:
      - label: paris
        expressions: [paris]
      - label: london
        expressions: [london]
exemplars:
  - template: fly to <destination>
    owner: BookFlight
  - template: hello
    owner: Greeting
`

func agentDir(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "travel")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.yaml"), []byte(travelYAML), 0o644))
	return root
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestUnderstandCommand(t *testing.T) {
	root := agentDir(t)
	out, err := run(t, "--agents", root, "--intent-url", "", "--slot-url", "", "--duckling-url", "", "understand", "travel", "fly", "to", "paris")
	require.NoError(t, err)

	var resp domain.UnderstandResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, "BookFlight", resp.Events[0].Type)
	slot, ok := resp.Events[0].Slot("destination")
	require.True(t, ok)
	assert.Equal(t, `"paris"`, slot.Value)
}

func TestUnderstandCommandWithExpectations(t *testing.T) {
	root := agentDir(t)
	exps := `[{"slots":[{"frame":"BookFlight","slot":"destination"}]}]`
	out, err := run(t, "--agents", root, "--intent-url", "", "--slot-url", "", "--duckling-url", "", "understand", "--trace", "-e", exps, "travel", "london")
	require.NoError(t, err)
	assert.Contains(t, out, `"tokens"`)
	assert.Contains(t, out, `"\"london\""`)
}

func TestRecognizeAndIndexCommands(t *testing.T) {
	root := agentDir(t)
	out, err := run(t, "--agents", root, "--duckling-url", "", "recognize", "travel", "to", "london")
	require.NoError(t, err)
	assert.Contains(t, out, `"City"`)

	out, err = run(t, "--agents", root, "--duckling-url", "", "index", "travel")
	require.NoError(t, err)
	assert.Contains(t, out, `"typed": "fly to <City>"`)

	out, err = run(t, "--agents", root, "--duckling-url", "", "index", "travel", "-q", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, `"candidates"`)
}

func TestCommandErrors(t *testing.T) {
	root := agentDir(t)
	_, err := run(t, "--agents", root, "understand", "travel")
	assert.Error(t, err)

	_, err = run(t, "--agents", root, "--duckling-url", "", "recognize", "nobody", "hi")
	assert.Error(t, err)

	_, err = run(t, "--agents", root, "reload", "travel")
	assert.EqualError(t, err, "--mqtt is required")

	_, err = readExpectations("{not json")
	assert.Error(t, err)
}
