// Package prompts holds the built-in prompt templates the agent runner
// renders for spec generation and execution, plus an operator override file
// (<data-dir>/prompts.yaml) merged over the defaults at startup.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// OverrideFile is the file name looked up under the data directory.
const OverrideFile = "prompts.yaml"

// Set is the full template collection. Every field can be overridden
// individually; empty override values keep the built-in text.
type Set struct {
	SpecSystem    string `yaml:"spec_system"`
	SpecUser      string `yaml:"spec_user"`
	ExecuteSystem string `yaml:"execute_system"`
	ExecuteUser   string `yaml:"execute_user"`
	ResumePrefix  string `yaml:"resume_prefix"`
}

// Defaults returns the built-in templates.
func Defaults() Set {
	return Set{
		SpecSystem: "You are a senior software engineer writing an implementation " +
			"specification. Produce a concise, actionable markdown spec: goal, " +
			"approach, files to touch, edge cases, and how to verify. Do not " +
			"write code. Do not run tools.",
		SpecUser: `Write an implementation specification for the following task.

Title: {{.Title}}
{{- if .Description}}
Description: {{.Description}}
{{- end}}
{{- if .UserInput}}
Request: {{.UserInput}}
{{- end}}
{{- if .ContextFiles}}
Relevant files:
{{- range .ContextFiles}}
- {{.}}
{{- end}}
{{- end}}`,
		ExecuteSystem: "You are an autonomous coding agent working inside a git " +
			"worktree. Implement the specification completely, keep changes " +
			"minimal and focused, and verify your work before finishing.",
		ExecuteUser: `Implement the following specification in the current repository.

# {{.Title}}

{{.FinalSpec}}
{{- if .Plan}}

Approved plan:
{{.Plan}}
{{- end}}
{{- if .BuildCommand}}

Verify the build with: {{.BuildCommand}}
{{- end}}
{{- if .ContextFiles}}

Start from these files:
{{- range .ContextFiles}}
- {{.}}
{{- end}}
{{- end}}`,
		ResumePrefix: `You are resuming work on a task. Earlier progress:

{{.History}}

The user has new feedback:
{{.Feedback}}

Continue from where the previous run stopped and address the feedback.

`,
	}
}

// Load returns the defaults merged with the override file under dataDir. A
// missing file is not an error; a malformed one is.
func Load(dataDir string) (Set, error) {
	set := Defaults()
	path := filepath.Join(dataDir, OverrideFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return set, nil
		}
		return set, fmt.Errorf("read %s: %w", path, err)
	}

	var override Set
	if err := yaml.Unmarshal(data, &override); err != nil {
		return set, fmt.Errorf("parse %s: %w", path, err)
	}
	set.merge(override)
	return set, nil
}

func (s *Set) merge(o Set) {
	if o.SpecSystem != "" {
		s.SpecSystem = o.SpecSystem
	}
	if o.SpecUser != "" {
		s.SpecUser = o.SpecUser
	}
	if o.ExecuteSystem != "" {
		s.ExecuteSystem = o.ExecuteSystem
	}
	if o.ExecuteUser != "" {
		s.ExecuteUser = o.ExecuteUser
	}
	if o.ResumePrefix != "" {
		s.ResumePrefix = o.ResumePrefix
	}
}

// SpecInput feeds the spec-generation templates.
type SpecInput struct {
	Title        string
	Description  string
	UserInput    string
	ContextFiles []string
}

// ExecuteInput feeds the execution templates.
type ExecuteInput struct {
	Title        string
	FinalSpec    string
	Plan         string
	BuildCommand string
	ContextFiles []string
}

// ResumeInput feeds the resume prefix prepended to an execution prompt.
type ResumeInput struct {
	History  string
	Feedback string
}

// RenderSpec renders the spec-generation user prompt.
func (s Set) RenderSpec(in SpecInput) (string, error) {
	return render("spec_user", s.SpecUser, in)
}

// RenderExecute renders the execution user prompt.
func (s Set) RenderExecute(in ExecuteInput) (string, error) {
	return render("execute_user", s.ExecuteUser, in)
}

// RenderResumePrefix renders the preamble for a resumed run.
func (s Set) RenderResumePrefix(in ResumeInput) (string, error) {
	return render("resume_prefix", s.ResumePrefix, in)
}

func render(name, text string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template %s: %w", name, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", name, err)
	}
	return b.String(), nil
}
