package session

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// promptCacheMax bounds the assembled-skill-text cache; eviction is FIFO.
const promptCacheMax = 32

const baseDirective = "You are an autonomous coding assistant working inside a managed workspace. " +
	"Make the requested changes directly. Prefer small verifiable steps, run the project's " +
	"checks when they exist, and report what you changed."

const toolDirective = "When you need a decision or missing information from the user, call the " +
	"ask_user tool and wait for its answer. Use notify_user for progress worth surfacing. " +
	"Never invent an answer to a question you could have asked."

const continuationPrompt = "Continue where you left off. Complete the remaining work."

const verificationSuffix = "\n\nWhen the task is complete, end your final reply with a " +
	"VERIFICATION REPORT section: what you changed, how you verified it, and anything left open."

// promptCache memoises the assembled skill-document block per skill-set
// fingerprint.
type promptCache struct {
	mu      sync.Mutex
	entries map[string]string
	order   []string
}

func newPromptCache() *promptCache {
	return &promptCache{entries: make(map[string]string)}
}

func (c *promptCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *promptCache) put(key, val string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		c.entries[key] = val
		return
	}
	if len(c.order) >= promptCacheMax {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.entries[key] = val
	c.order = append(c.order, key)
}

// systemPrompt assembles the per-turn system prompt: base directive, the
// active skills' documents, and the tool-use directive. The skill block is
// cached by fingerprint; a skills-config reload changes the fingerprint and
// bypasses stale entries.
func (e *Engine) systemPrompt(skillNames []string) string {
	parts := []string{baseDirective}

	if len(skillNames) > 0 {
		key := e.skills.Fingerprint(skillNames)
		block, ok := e.prompts.get(key)
		if !ok {
			var docs []string
			for _, name := range skillNames {
				text, err := e.skills.DocText(name)
				if err != nil {
					e.logger.Warn("skill doc unavailable", zap.String("skill", name), zap.Error(err))
					continue
				}
				if text != "" {
					docs = append(docs, "## Skill: "+name+"\n\n"+text)
				}
			}
			block = strings.Join(docs, "\n\n")
			e.prompts.put(key, block)
		}
		if block != "" {
			parts = append(parts, block)
		}
	}

	parts = append(parts, toolDirective)
	return strings.Join(parts, "\n\n")
}
