package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveGreetingFallsBackWhenBlank(t *testing.T) {
	a := &Agent{}
	assert.Equal(t, defaultGreeting, a.EffectiveGreeting())

	a.Greeting = "  "
	assert.Equal(t, defaultGreeting, a.EffectiveGreeting())

	a.Greeting = "Hi, this is Sam."
	assert.Equal(t, "Hi, this is Sam.", a.EffectiveGreeting())
}

func TestEffectiveGoodbyeFallsBackWhenBlank(t *testing.T) {
	a := &Agent{}
	assert.Equal(t, defaultGoodbye, a.EffectiveGoodbye())

	a.GoodbyeLine = "Catch you later."
	assert.Equal(t, "Catch you later.", a.EffectiveGoodbye())
}

func TestMatchesEndPhrase(t *testing.T) {
	a := &Agent{EndPhrases: []string{"Goodbye", "  ", "talk soon"}}

	assert.True(t, a.MatchesEndPhrase("ok, goodbye then"))
	assert.True(t, a.MatchesEndPhrase("we'll talk soon"))
	assert.False(t, a.MatchesEndPhrase("see you tomorrow"))
}

func TestHasKnowledgeBase(t *testing.T) {
	a := &Agent{}
	assert.False(t, a.HasKnowledgeBase())

	a.KnowledgeBaseID = "kb-1"
	assert.True(t, a.HasKnowledgeBase())
}

func TestRegistryPutAndGetOnlyReturnsActive(t *testing.T) {
	reg := NewRegistry()
	reg.Put(&Agent{ID: "sales", Active: true})
	reg.Put(&Agent{ID: "support", Active: false})

	a, ok := reg.Get("sales")
	require.True(t, ok)
	assert.Equal(t, "sales", a.ID)

	_, ok = reg.Get("support")
	assert.False(t, ok, "inactive agents must not be returned")

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestLoadDirParsesYAMLBundlesAndSkipsNonYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sales.yaml"), []byte(`
id: sales
name: Sales Agent
active: true
greeting: "Hi, got a minute?"
end_phrases:
  - goodbye
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not an agent"), 0o644))

	reg, err := LoadDir(dir)
	require.NoError(t, err)

	a, ok := reg.Get("sales")
	require.True(t, ok)
	assert.Equal(t, "Sales Agent", a.Name)
	assert.Equal(t, "Hi, got a minute?", a.Greeting)
}

func TestLoadDirRejectsBundleMissingID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: No ID\n"), 0o644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestLoadDirErrorsOnMissingDirectory(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}
