package persona

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveBuiltins(t *testing.T) {
	r := NewResolver("")

	p, err := r.Resolve("claude-dev")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider)
	assert.Equal(t, []string{"ANTHROPIC_API_KEY"}, p.EnvKeys)

	p, err = r.Resolve("codex")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider)
}

func TestResolveUnknown(t *testing.T) {
	r := NewResolver("")

	_, err := r.Resolve("wrangler")
	assert.ErrorIs(t, err, ErrUnknownPersona)

	_, err = r.Resolve("")
	assert.ErrorIs(t, err, ErrUnknownPersona)

	_, err = r.Resolve("   ")
	assert.ErrorIs(t, err, ErrUnknownPersona)
}

func writePersona(t *testing.T, dir, name, yaml string, files map[string]string) {
	t.Helper()
	base := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "persona.yaml"), []byte(yaml), 0o644))
	for rel, content := range files {
		path := filepath.Join(base, "files", rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestResolveFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "reviewer", `
model: claude-sonnet-4-20250514
provider: anthropic
envKeys:
  - ANTHROPIC_API_KEY
publicEnv:
  REVIEW_MODE: strict
`, map[string]string{
		"system.md":       "review carefully",
		"prompts/init.md": "start here",
	})

	r := NewResolver(dir)
	p, err := r.Resolve("reviewer")
	require.NoError(t, err)

	assert.Equal(t, "reviewer", p.Name)
	assert.Equal(t, "strict", p.PublicEnv["REVIEW_MODE"])
	require.Len(t, p.Files, 2)
	// Sorted by destination path, rooted at the default file root.
	assert.Equal(t, "/etc/moltlets/persona/prompts/init.md", p.Files[0].Path)
	assert.Equal(t, "/etc/moltlets/persona/system.md", p.Files[1].Path)
	assert.Equal(t, "review carefully", p.Files[1].Content)
}

func TestResolveDirectoryOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "claude-dev", `
model: claude-opus-4-20250514
provider: anthropic
envKeys:
  - ANTHROPIC_API_KEY
`, nil)

	r := NewResolver(dir)
	p, err := r.Resolve("claude-dev")
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-20250514", p.Model)
}

func TestResolveDirectoryIncludeGlobs(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "scoped", `
model: gpt-5
provider: openai
includeFiles:
  - "*.md"
fileRoot: /opt/persona
`, map[string]string{
		"keep.md":      "kept",
		"skip.txt":     "skipped",
		"nested/no.md": "not matched by top-level glob",
	})

	r := NewResolver(dir)
	p, err := r.Resolve("scoped")
	require.NoError(t, err)

	require.Len(t, p.Files, 1)
	assert.Equal(t, "/opt/persona/keep.md", p.Files[0].Path)
}

func TestResolveDirectoryRequiresModelAndProvider(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "broken", "model: something\n", nil)

	r := NewResolver(dir)
	_, err := r.Resolve("broken")
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	dir := t.TempDir()
	writePersona(t, dir, "reviewer", "model: m\nprovider: p\n", nil)

	names := NewResolver(dir).Names()
	assert.Contains(t, names, "claude-dev")
	assert.Contains(t, names, "claude-max")
	assert.Contains(t, names, "codex")
	assert.Contains(t, names, "reviewer")
	assert.IsIncreasing(t, names)
}
