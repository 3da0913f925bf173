// Package runner spawns and supervises one assistant subprocess per call,
// streaming its stdout through the event decoder and escalating termination
// when the caller cancels or the global timeout fires.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/codec"
	"github.com/agentdeck/agentdeck/internal/common/logger"
)

const (
	// stderrTailBytes is how much stderr to retain for error reporting.
	stderrTailBytes = 8 * 1024

	// killGracePeriod is the delay between graceful and forced termination.
	killGracePeriod = 3 * time.Second

	// stderrReportLimit truncates surfaced stderr.
	stderrReportLimit = 1000
)

// Attachment is a prompt attachment materialised to a temp file for the
// subprocess.
type Attachment struct {
	Name string
	Data []byte
}

// Request describes one subprocess invocation.
type Request struct {
	Prompt       string
	SystemPrompt string
	ResumeToken  string
	Model        string
	MaxTurns     int
	AllowedTools []string
	ToolPlugins  map[string]PluginConfig
	Attachments  []Attachment
	Workdir      string
	ExtraEnv     map[string]string
}

// Callbacks receive decoded events and lifecycle transitions. Every callback
// is invoked from the runner's goroutine, guarded so a panicking callback
// cannot prevent OnDone from firing. OnDone fires exactly once per Run.
type Callbacks struct {
	OnStart     func(pid int)
	OnText      func(index int, text string)
	OnThinking  func(index int, text string)
	OnTool      func(name string, input json.RawMessage)
	OnSessionID func(token string)
	OnRateLimit func(info json.RawMessage)
	OnResult    func(res codec.Result)
	OnError     func(msg string)
	OnDone      func(resumeToken string)
}

// Config holds runner construction parameters.
type Config struct {
	Bin     string        // assistant binary
	Timeout time.Duration // global per-invocation timeout
}

// Runner launches assistant subprocesses.
type Runner struct {
	cfg        Config
	toolConfig *ToolConfigRegistry
	logger     *logger.Logger
}

// New creates a Runner sharing the given tool-config registry.
func New(cfg Config, toolConfig *ToolConfigRegistry, log *logger.Logger) *Runner {
	return &Runner{
		cfg:        cfg,
		toolConfig: toolConfig,
		logger:     log.WithFields(zap.String("component", "runner")),
	}
}

// Run spawns the subprocess and blocks until it terminates. All outcomes are
// reported through cb; the returned error mirrors OnError for spawn failures
// only.
func (r *Runner) Run(ctx context.Context, req Request, cb Callbacks) error {
	var (
		doneOnce    sync.Once
		resumeToken = req.ResumeToken
	)
	fireDone := func() {
		doneOnce.Do(func() {
			invoke(func() {
				if cb.OnDone != nil {
					cb.OnDone(resumeToken)
				}
			})
		})
	}
	fireError := func(msg string) {
		invoke(func() {
			if cb.OnError != nil {
				cb.OnError(msg)
			}
		})
	}

	configPath, releaseConfig, err := r.toolConfig.Acquire(req.ToolPlugins)
	if err != nil {
		fireError(fmt.Sprintf("tool config: %v", err))
		fireDone()
		return err
	}
	defer releaseConfig()

	attachDir, prompt, err := materialiseAttachments(req)
	if err != nil {
		fireError(fmt.Sprintf("attachments: %v", err))
		fireDone()
		return err
	}
	if attachDir != "" {
		defer os.RemoveAll(attachDir)
	}

	args := buildArgs(req, prompt, configPath)
	cmd := exec.Command(r.cfg.Bin, args...)
	cmd.Dir = req.Workdir
	cmd.Env = buildEnv(req.ExtraEnv)

	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		fireError(fmt.Sprintf("stdin pipe: %v", err))
		fireDone()
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fireError(fmt.Sprintf("stdout pipe: %v", err))
		fireDone()
		return err
	}

	if err := cmd.Start(); err != nil {
		fireError(fmt.Sprintf("failed to start assistant: %v", err))
		fireDone()
		return err
	}
	// The contract is prompt-by-argv; the child must see EOF on stdin.
	_ = stdin.Close()

	pid := cmd.Process.Pid
	r.logger.Debug("assistant spawned", zap.Int("pid", pid), zap.String("workdir", req.Workdir))
	invoke(func() {
		if cb.OnStart != nil {
			cb.OnStart(pid)
		}
	})

	decoder := codec.NewDecoder(func(ev codec.Event) {
		switch e := ev.(type) {
		case codec.SessionAssigned:
			resumeToken = e.Token
			invoke(func() {
				if cb.OnSessionID != nil {
					cb.OnSessionID(e.Token)
				}
			})
		case codec.TextDelta:
			invoke(func() {
				if cb.OnText != nil {
					cb.OnText(e.Index, e.Text)
				}
			})
		case codec.ThinkingDelta:
			invoke(func() {
				if cb.OnThinking != nil {
					cb.OnThinking(e.Index, e.Text)
				}
			})
		case codec.ToolUse:
			invoke(func() {
				if cb.OnTool != nil {
					cb.OnTool(e.Name, e.Input)
				}
			})
		case codec.AssistantMessage:
			for _, block := range e.Blocks {
				text := block.Text
				invoke(func() {
					if cb.OnText != nil {
						cb.OnText(0, text)
					}
				})
			}
		case codec.RateLimit:
			invoke(func() {
				if cb.OnRateLimit != nil {
					cb.OnRateLimit(e.Info)
				}
			})
		case codec.Result:
			invoke(func() {
				if cb.OnResult != nil {
					cb.OnResult(e)
				}
			})
		case codec.Unknown:
			r.logger.Debug("unknown stream line", zap.String("raw", truncate(e.Raw, 200)))
		}
	}, r.logger)

	// Termination watchdog: timeout and caller cancellation escalate
	// identically (graceful signal, then force-kill after the grace period).
	waitDone := make(chan struct{})
	var timedOut, cancelled bool
	var stateMu sync.Mutex

	timeout := r.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	go func() {
		select {
		case <-waitDone:
			return
		case <-ctx.Done():
			stateMu.Lock()
			cancelled = true
			stateMu.Unlock()
		case <-timer.C:
			stateMu.Lock()
			timedOut = true
			stateMu.Unlock()
		}
		terminate(cmd, waitDone)
	}()

	// Consume stdout on this goroutine; it ends when the process closes
	// stdout (normally at exit).
	consumeErr := decoder.Consume(stdout)
	waitErr := cmd.Wait()
	close(waitDone)

	stateMu.Lock()
	wasTimeout, wasCancelled := timedOut, cancelled
	stateMu.Unlock()

	switch {
	case wasTimeout:
		fireError(fmt.Sprintf("assistant timed out after %s", timeout))
	case wasCancelled:
		// Cancellation is not an error; the caller asked for it.
	case waitErr != nil:
		fireError(exitMessage(waitErr, stderr.String()))
	case consumeErr != nil:
		fireError(fmt.Sprintf("stdout read: %v", consumeErr))
	}

	fireDone()
	return nil
}

// terminate sends the graceful signal, then force-kills if the process is
// still alive after the grace period.
func terminate(cmd *exec.Cmd, waitDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-waitDone:
	case <-time.After(killGracePeriod):
		_ = cmd.Process.Kill()
	}
}

// exitMessage formats a non-zero exit with the filtered stderr tail.
func exitMessage(waitErr error, stderrTail string) string {
	filtered := filterStderr(stderrTail)
	if filtered == "" {
		return fmt.Sprintf("assistant exited: %v", waitErr)
	}
	return fmt.Sprintf("assistant exited: %v: %s", waitErr, truncate(filtered, stderrReportLimit))
}

// filterStderr drops known startup noise lines.
func filterStderr(tail string) string {
	lines := strings.Split(tail, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, "Loaded MCP") || strings.Contains(line, "Starting MCP") {
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// buildArgs computes the assistant argument vector.
func buildArgs(req Request, prompt, configPath string) []string {
	args := []string{
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if req.ResumeToken != "" {
		args = append(args, "--resume", req.ResumeToken)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(req.AllowedTools, ","))
	}
	if configPath != "" {
		args = append(args, "--mcp-config", configPath)
	}
	args = append(args, "-p", prompt)
	return args
}

// buildEnv inherits the environment minus markers that make the child refuse
// non-interactive use or force interactive configuration prompts, then layers
// the per-invocation extras on top.
func buildEnv(extra map[string]string) []string {
	stripped := map[string]bool{
		"ASSISTANT_ACTIVE":      true,
		"ASSISTANT_FORCE_SETUP": true,
	}

	env := make([]string, 0, len(os.Environ())+len(extra))
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if stripped[key] {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// materialiseAttachments writes attachments to a per-invocation temp dir and
// returns the prompt with file references appended. The directory is removed
// when the invocation terminates.
func materialiseAttachments(req Request) (dir, prompt string, err error) {
	prompt = req.Prompt
	if len(req.Attachments) == 0 {
		return "", prompt, nil
	}

	dir, err = os.MkdirTemp("", "agentdeck-attach-")
	if err != nil {
		return "", "", err
	}

	var refs []string
	for i, att := range req.Attachments {
		name := att.Name
		if name == "" {
			name = fmt.Sprintf("attachment-%d", i)
		}
		path := filepath.Join(dir, filepath.Base(name))
		if werr := os.WriteFile(path, att.Data, 0o600); werr != nil {
			os.RemoveAll(dir)
			return "", "", werr
		}
		refs = append(refs, path)
	}
	prompt = prompt + "\n\nAttached files:\n" + strings.Join(refs, "\n")
	return dir, prompt, nil
}

// invoke runs a callback, swallowing panics so downstream lifecycle steps
// (OnDone in particular) still run.
func invoke(fn func()) {
	defer func() {
		_ = recover()
	}()
	fn()
}
