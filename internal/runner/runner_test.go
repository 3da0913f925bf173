package runner

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgsMinimal(t *testing.T) {
	args := buildArgs(Request{}, "do the thing", "")
	assert.Equal(t, []string{
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"-p", "do the thing",
	}, args)
}

func TestBuildArgsFull(t *testing.T) {
	req := Request{
		ResumeToken:  "tok-123",
		Model:        "fast",
		MaxTurns:     12,
		SystemPrompt: "be terse",
		AllowedTools: []string{"Bash", "Edit"},
	}
	args := buildArgs(req, "prompt", "/tmp/cfg.json")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--resume tok-123")
	assert.Contains(t, joined, "--model fast")
	assert.Contains(t, joined, "--max-turns 12")
	assert.Contains(t, joined, "--append-system-prompt be terse")
	assert.Contains(t, joined, "--allowed-tools Bash,Edit")
	assert.Contains(t, joined, "--mcp-config /tmp/cfg.json")

	// The prompt is always the trailing pair.
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "-p", args[len(args)-2])
	assert.Equal(t, "prompt", args[len(args)-1])
}

func TestBuildEnvStripsMarkersAndAddsExtras(t *testing.T) {
	t.Setenv("ASSISTANT_ACTIVE", "1")
	t.Setenv("ASSISTANT_FORCE_SETUP", "1")
	t.Setenv("UNRELATED_VAR", "keep")

	env := buildEnv(map[string]string{"AGENTDECK_SESSION_ID": "s1"})

	for _, kv := range env {
		assert.False(t, strings.HasPrefix(kv, "ASSISTANT_ACTIVE="), "marker must be stripped")
		assert.False(t, strings.HasPrefix(kv, "ASSISTANT_FORCE_SETUP="), "marker must be stripped")
	}
	assert.Contains(t, env, "UNRELATED_VAR=keep")
	assert.Contains(t, env, "AGENTDECK_SESSION_ID=s1")
}

func TestFilterStderr(t *testing.T) {
	tail := "Loaded MCP server foo\nreal error: boom\n\nStarting MCP transport\nsecond line"
	assert.Equal(t, "real error: boom\nsecond line", filterStderr(tail))

	assert.Empty(t, filterStderr("Loaded MCP only\n\n"))
}

func TestExitMessage(t *testing.T) {
	err := errors.New("exit status 1")

	msg := exitMessage(err, "something broke")
	assert.Equal(t, "assistant exited: exit status 1: something broke", msg)

	// Pure noise collapses to the bare exit error.
	msg = exitMessage(err, "Loaded MCP server\n")
	assert.Equal(t, "assistant exited: exit status 1", msg)

	// Long tails are capped.
	msg = exitMessage(err, strings.Repeat("x", stderrReportLimit*2))
	assert.LessOrEqual(t, len(msg), stderrReportLimit+len("assistant exited: exit status 1: "))
}

func TestTailBufferKeepsTail(t *testing.T) {
	tb := newTailBuffer(8)
	_, err := tb.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, "89abcdef", tb.String())

	_, err = tb.Write([]byte("ZZ"))
	require.NoError(t, err)
	assert.Equal(t, "abcdefZZ", tb.String())
}

func TestMaterialiseAttachments(t *testing.T) {
	req := Request{
		Prompt: "look at these",
		Attachments: []Attachment{
			{Name: "notes.txt", Data: []byte("hello")},
			{Data: []byte("anonymous")},
		},
	}
	dir, prompt, err := materialiseAttachments(req)
	require.NoError(t, err)
	require.NotEmpty(t, dir)
	defer os.RemoveAll(dir)

	assert.Contains(t, prompt, "look at these")
	assert.Contains(t, prompt, "Attached files:")
	assert.Contains(t, prompt, "notes.txt")
	assert.Contains(t, prompt, "attachment-1")

	data, err := os.ReadFile(dir + "/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestMaterialiseAttachmentsNoop(t *testing.T) {
	dir, prompt, err := materialiseAttachments(Request{Prompt: "plain"})
	require.NoError(t, err)
	assert.Empty(t, dir)
	assert.Equal(t, "plain", prompt)
}

func TestInvokeSwallowsPanics(t *testing.T) {
	assert.NotPanics(t, func() {
		invoke(func() { panic("callback bug") })
	})
}

func TestToolConfigRegistrySharesIdenticalConfigs(t *testing.T) {
	reg := NewToolConfigRegistry(t.TempDir())
	plugins := map[string]PluginConfig{
		"agentdeck": {Command: "agentdeck-tools", Env: map[string]string{"A": "1"}},
	}

	path1, release1, err := reg.Acquire(plugins)
	require.NoError(t, err)
	require.NotEmpty(t, path1)

	path2, release2, err := reg.Acquire(plugins)
	require.NoError(t, err)
	assert.Equal(t, path1, path2, "identical configs share one file")

	var onDisk map[string]json.RawMessage
	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))

	release1()
	_, err = os.Stat(path1)
	assert.NoError(t, err, "file survives while a reference remains")

	release2()
	_, err = os.Stat(path1)
	assert.True(t, os.IsNotExist(err), "file removed at refcount zero")
}

func TestToolConfigRegistryEmptyPlugins(t *testing.T) {
	reg := NewToolConfigRegistry(t.TempDir())
	path, release, err := reg.Acquire(nil)
	require.NoError(t, err)
	assert.Empty(t, path)
	release()
}

func TestToolConfigSweepRemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	reg := NewToolConfigRegistry(dir)
	path, _, err := reg.Acquire(map[string]PluginConfig{"p": {Command: "x"}})
	require.NoError(t, err)

	// A new registry in the same dir simulates a restart: Sweep clears
	// files no live refcount covers.
	fresh := NewToolConfigRegistry(dir)
	fresh.Sweep()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
