package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// PluginConfig is one tool-plugin launch entry written into the generated
// tool-config file.
type PluginConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ToolConfigRegistry manages content-addressed tool-config files in the OS
// temp directory. Identical configurations share one on-disk file; the file
// is removed when its refcount drops to zero. Sweep removes leftovers from a
// previous process.
type ToolConfigRegistry struct {
	mu   sync.Mutex
	dir  string
	refs map[string]int // file path -> refcount
}

// NewToolConfigRegistry creates a registry rooted in dir (defaults to the OS
// temp directory).
func NewToolConfigRegistry(dir string) *ToolConfigRegistry {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "agentdeck-toolcfg")
	}
	return &ToolConfigRegistry{dir: dir, refs: make(map[string]int)}
}

// Acquire writes (or reuses) the config file for plugins and increments its
// refcount. The returned release function decrements it, deleting the file
// at zero.
func (r *ToolConfigRegistry) Acquire(plugins map[string]PluginConfig) (string, func(), error) {
	if len(plugins) == 0 {
		return "", func() {}, nil
	}

	data, err := marshalCanonical(plugins)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode tool config: %w", err)
	}
	sum := sha256.Sum256(data)
	path := filepath.Join(r.dir, hex.EncodeToString(sum[:16])+".json")

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs[path] == 0 {
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return "", nil, err
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return "", nil, fmt.Errorf("failed to write tool config: %w", err)
		}
	}
	r.refs[path]++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.refs[path]--
			if r.refs[path] <= 0 {
				delete(r.refs, path)
				_ = os.Remove(path)
			}
		})
	}
	return path, release, nil
}

// Sweep deletes all unreferenced config files in the registry directory.
// Called once at process start and again at shutdown.
func (r *ToolConfigRegistry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(r.dir, e.Name())
		if r.refs[path] == 0 {
			_ = os.Remove(path)
		}
	}
}

// marshalCanonical encodes plugins with sorted keys so identical
// configurations hash identically.
func marshalCanonical(plugins map[string]PluginConfig) ([]byte, error) {
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	ordered := struct {
		MCPServers map[string]PluginConfig `json:"mcpServers"`
	}{MCPServers: make(map[string]PluginConfig, len(plugins))}
	for _, name := range names {
		ordered.MCPServers[name] = plugins[name]
	}
	// encoding/json sorts map keys, so this is deterministic.
	return json.Marshal(ordered)
}
