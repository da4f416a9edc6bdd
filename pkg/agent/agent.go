// Package agent holds the Agent configuration bundle: the persona,
// greeting, end-phrases, and provider selections that define one AI
// caller's behaviour, plus a YAML loader for them.
package agent

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Agent is a configuration bundle for one AI caller persona.
type Agent struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Active           bool     `yaml:"active"`
	SystemPrompt     string   `yaml:"system_prompt"`
	Greeting         string   `yaml:"greeting"`
	GoodbyeLine      string   `yaml:"goodbye_line"`
	EndPhrases       []string `yaml:"end_phrases"`
	VoiceProvider    string   `yaml:"voice_provider"`
	VoiceID          string   `yaml:"voice_id"`
	LLMProvider      string   `yaml:"llm_provider"`
	LLMModel         string   `yaml:"llm_model"`
	Language         string   `yaml:"language"`
	EndpointingMS    int      `yaml:"endpointing_ms"`
	KnowledgeBaseID  string   `yaml:"knowledge_base_id,omitempty"`
}

const defaultGreeting = "Hello, thanks for taking my call."
const defaultGoodbye = "Thanks for your time, goodbye."

// EffectiveGreeting returns the configured greeting or the generic
// fallback when it is empty (§4.4.2).
func (a *Agent) EffectiveGreeting() string {
	if strings.TrimSpace(a.Greeting) == "" {
		return defaultGreeting
	}
	return a.Greeting
}

// EffectiveGoodbye returns the configured goodbye line or a default.
func (a *Agent) EffectiveGoodbye() string {
	if strings.TrimSpace(a.GoodbyeLine) == "" {
		return defaultGoodbye
	}
	return a.GoodbyeLine
}

// MatchesEndPhrase reports whether text (already final, lower-cased by the
// caller) contains any configured end-phrase as a substring (§4.4.6).
func (a *Agent) MatchesEndPhrase(lowerText string) bool {
	for _, phrase := range a.EndPhrases {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p == "" {
			continue
		}
		if strings.Contains(lowerText, p) {
			return true
		}
	}
	return false
}

// HasKnowledgeBase reports whether the agent has a knowledge base to
// consult on the non-speculative LLM path (§4.4.4).
func (a *Agent) HasKnowledgeBase() bool {
	return a.KnowledgeBaseID != ""
}

// Registry loads and looks up Agent bundles by ID.
type Registry struct {
	agents map[string]*Agent
}

// NewRegistry builds an empty registry, useful for tests.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// LoadDir loads every *.yaml file in dir as one Agent bundle.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agent dir: %w", err)
	}
	reg := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := dir + "/" + entry.Name()
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read agent file %s: %w", path, err)
		}
		var a Agent
		if err := yaml.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parse agent file %s: %w", path, err)
		}
		if a.ID == "" {
			return nil, fmt.Errorf("agent file %s missing id", path)
		}
		reg.Put(&a)
	}
	return reg, nil
}

// Put registers or replaces an Agent.
func (r *Registry) Put(a *Agent) {
	r.agents[a.ID] = a
}

// Get returns the Agent by ID and whether it exists and is active.
func (r *Registry) Get(id string) (*Agent, bool) {
	a, ok := r.agents[id]
	if !ok || !a.Active {
		return nil, false
	}
	return a, true
}
