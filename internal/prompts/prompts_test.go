package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSpec(t *testing.T) {
	out, err := Defaults().RenderSpec(SpecInput{
		Title:        "Add README",
		Description:  "Create README.md",
		UserInput:    "short, with badges",
		ContextFiles: []string{"docs/intro.md"},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Title: Add README")
	assert.Contains(t, out, "Description: Create README.md")
	assert.Contains(t, out, "Request: short, with badges")
	assert.Contains(t, out, "- docs/intro.md")
}

func TestRenderSpec_OmitsEmptySections(t *testing.T) {
	out, err := Defaults().RenderSpec(SpecInput{Title: "Add README"})
	require.NoError(t, err)
	assert.NotContains(t, out, "Description:")
	assert.NotContains(t, out, "Relevant files:")
}

func TestRenderExecute(t *testing.T) {
	out, err := Defaults().RenderExecute(ExecuteInput{
		Title:        "Add README",
		FinalSpec:    "Write README.md with usage examples.",
		Plan:         "1. Draft. 2. Review.",
		BuildCommand: "make test",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "# Add README")
	assert.Contains(t, out, "Write README.md with usage examples.")
	assert.Contains(t, out, "Approved plan:")
	assert.Contains(t, out, "Verify the build with: make test")
}

func TestRenderResumePrefix(t *testing.T) {
	out, err := Defaults().RenderResumePrefix(ResumeInput{
		History:  "assistant: created README.md",
		Feedback: "also handle empty input",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "assistant: created README.md")
	assert.Contains(t, out, "also handle empty input")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	set, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Defaults(), set)
}

func TestLoad_OverridesMerge(t *testing.T) {
	dir := t.TempDir()
	override := "spec_system: custom spec system prompt\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, OverrideFile), []byte(override), 0o644))

	set, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "custom spec system prompt", set.SpecSystem)
	assert.Equal(t, Defaults().ExecuteSystem, set.ExecuteSystem)
}

func TestLoad_MalformedFileErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, OverrideFile), []byte("{not yaml"), 0o644))

	_, err := Load(dir)
	assert.Error(t, err)
}
