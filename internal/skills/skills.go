// Package skills loads the on-disk skills configuration: named skill
// documents injected into prompts plus the tool-plugin launch entries the
// assistant subprocess is given.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/runner"
)

// Skill is one named capability: a markdown document appended to the prompt
// and the tool plugins it requires.
type Skill struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Doc         string   `json:"doc" yaml:"doc"`
	Tools       []string `json:"tools" yaml:"tools"`
}

// configFile is the on-disk shape. JSON and YAML are both accepted, chosen by
// file extension.
type configFile struct {
	Skills  []Skill                        `json:"skills" yaml:"skills"`
	Plugins map[string]runner.PluginConfig `json:"plugins" yaml:"plugins"`
}

// Registry serves skills and plugin configs from a config file, reloading
// when the file's mtime changes.
type Registry struct {
	mu      sync.Mutex
	path    string
	mtime   time.Time
	skills  map[string]Skill
	plugins map[string]runner.PluginConfig
	logger  *logger.Logger
}

// NewRegistry creates a registry for the config file at path. A missing or
// empty path yields an empty registry; load errors are surfaced on first use.
func NewRegistry(path string, log *logger.Logger) *Registry {
	return &Registry{
		path:    path,
		skills:  make(map[string]Skill),
		plugins: make(map[string]runner.PluginConfig),
		logger:  log.WithFields(zap.String("component", "skills")),
	}
}

// Skill returns the named skill, reloading the config first if it changed.
func (r *Registry) Skill(name string) (Skill, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloadLocked()
	s, ok := r.skills[name]
	return s, ok
}

// Names returns all configured skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloadLocked()

	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DocText reads the markdown document for the named skill. Relative doc paths
// resolve against the config file's directory.
func (r *Registry) DocText(name string) (string, error) {
	r.mu.Lock()
	r.reloadLocked()
	s, ok := r.skills[name]
	base := filepath.Dir(r.path)
	r.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("unknown skill %q", name)
	}
	if s.Doc == "" {
		return "", nil
	}
	path := s.Doc
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read skill doc %q: %w", name, err)
	}
	return string(data), nil
}

// Plugins resolves the plugin launch configs needed by the given skills plus
// any explicitly requested plugin names. Unknown names are skipped with a
// warning.
func (r *Registry) Plugins(skillNames, pluginNames []string) map[string]runner.PluginConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloadLocked()

	out := make(map[string]runner.PluginConfig)
	add := func(name string) {
		if _, ok := out[name]; ok {
			return
		}
		cfg, ok := r.plugins[name]
		if !ok {
			r.logger.Warn("unknown tool plugin requested", zap.String("plugin", name))
			return
		}
		out[name] = cfg
	}

	for _, sn := range skillNames {
		s, ok := r.skills[sn]
		if !ok {
			continue
		}
		for _, tool := range s.Tools {
			add(tool)
		}
	}
	for _, pn := range pluginNames {
		add(pn)
	}
	return out
}

// Fingerprint identifies a skill set plus the config generation it was
// resolved against. Prompt caches key on it; a config reload changes it.
func (r *Registry) Fingerprint(skillNames []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloadLocked()

	names := append([]string(nil), skillNames...)
	sort.Strings(names)
	return strings.Join(names, ",") + "@" + r.mtime.UTC().Format(time.RFC3339Nano)
}

// reloadLocked re-reads the config file when its mtime moved. Callers hold
// r.mu.
func (r *Registry) reloadLocked() {
	if r.path == "" {
		return
	}
	info, err := os.Stat(r.path)
	if err != nil {
		if !r.mtime.IsZero() {
			return // keep the last good config
		}
		r.logger.Warn("skills config unavailable", zap.String("path", r.path), zap.Error(err))
		return
	}
	if info.ModTime().Equal(r.mtime) {
		return
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Error("failed to read skills config", zap.Error(err))
		return
	}

	var cfg configFile
	if strings.HasSuffix(r.path, ".yaml") || strings.HasSuffix(r.path, ".yml") {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		r.logger.Error("failed to parse skills config", zap.String("path", r.path), zap.Error(err))
		return
	}

	skills := make(map[string]Skill, len(cfg.Skills))
	for _, s := range cfg.Skills {
		if s.Name == "" {
			continue
		}
		skills[s.Name] = s
	}
	plugins := cfg.Plugins
	if plugins == nil {
		plugins = make(map[string]runner.PluginConfig)
	}

	r.skills = skills
	r.plugins = plugins
	r.mtime = info.ModTime()
	r.logger.Info("skills config loaded",
		zap.Int("skills", len(skills)),
		zap.Int("plugins", len(plugins)))
}
