package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/task"
)

// cliProbe describes how to decide that a CLI backend is installed and
// authenticated: the binary must be on PATH, and at least one credential
// marker (file or env var) must be present when any are listed.
type cliProbe struct {
	binary    string
	authFiles []string
	authEnv   []string
}

var cliProbes = map[task.BackendKind]cliProbe{
	task.BackendClaude: {
		binary:    "claude",
		authFiles: []string{"~/.claude.json", "~/.claude/.credentials.json"},
		authEnv:   []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"},
	},
	task.BackendCodex: {
		binary:    "codex",
		authFiles: []string{"~/.codex/auth.json"},
		authEnv:   []string{"OPENAI_API_KEY"},
	},
	task.BackendCopilot: {
		binary:    "copilot",
		authFiles: []string{"~/.copilot/config.json", "~/.config/github-copilot/hosts.json"},
		authEnv:   []string{"GH_TOKEN", "GITHUB_TOKEN"},
	},
	task.BackendGemini: {
		binary:    "gemini",
		authFiles: []string{"~/.gemini/oauth_creds.json", "~/.gemini/installation_id"},
		authEnv:   []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	},
}

// Detector caches CLI availability. Lookups hit the filesystem once per
// backend until the cache is invalidated (e.g. after an AI key is saved).
type Detector struct {
	mu    sync.Mutex
	cache map[task.BackendKind]bool

	lookPath   func(string) (string, error)
	fileExists func(string) bool
	getenv     func(string) string

	logger *logger.Logger
}

// NewDetector creates a detector backed by the real PATH and filesystem.
func NewDetector(log *logger.Logger) *Detector {
	return &Detector{
		cache:    make(map[task.BackendKind]bool),
		lookPath: exec.LookPath,
		fileExists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		getenv: os.Getenv,
		logger: log.WithFields(zap.String("component", "cli-detector")),
	}
}

// Available reports whether the given CLI backend is installed and
// authenticated. Non-CLI kinds are never available here.
func (d *Detector) Available(kind task.BackendKind) bool {
	probe, ok := cliProbes[kind]
	if !ok {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.cache[kind]; ok {
		return cached
	}

	available := d.probe(probe)
	d.cache[kind] = available
	d.logger.Debug("CLI backend probed",
		zap.String("backend", string(kind)),
		zap.Bool("available", available))
	return available
}

func (d *Detector) probe(p cliProbe) bool {
	if _, err := d.lookPath(p.binary); err != nil {
		return false
	}
	if len(p.authFiles) == 0 && len(p.authEnv) == 0 {
		return true
	}
	for _, f := range p.authFiles {
		if path := expandHome(f); path != "" && d.fileExists(path) {
			return true
		}
	}
	for _, env := range p.authEnv {
		if d.getenv(env) != "" {
			return true
		}
	}
	return false
}

// Invalidate drops the cache so the next lookup re-probes.
func (d *Detector) Invalidate() {
	d.mu.Lock()
	d.cache = make(map[task.BackendKind]bool)
	d.mu.Unlock()
}

// WatchBus invalidates the cache whenever a secret is saved, so new
// credentials take effect without a restart.
func (d *Detector) WatchBus(b bus.EventBus) (bus.Subscription, error) {
	return b.Subscribe(bus.SubjectSecretSaved, func(ctx context.Context, ev *bus.Event) error {
		d.Invalidate()
		return nil
	})
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
