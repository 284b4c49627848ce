// Package orchestrator drives tasks through their lifecycle: it enforces the
// status machine, launches and supervises agent runs, captures diffs, and
// carries approved work to the forge as a pull request. All task mutation
// happens here, inside per-task locked regions.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/events/bus"
	"github.com/taskdeck/taskdeck/internal/events/hub"
	"github.com/taskdeck/taskdeck/internal/forge"
	"github.com/taskdeck/taskdeck/internal/prompts"
	"github.com/taskdeck/taskdeck/internal/runner"
	"github.com/taskdeck/taskdeck/internal/secrets"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/internal/tracing"
	"github.com/taskdeck/taskdeck/internal/worktree"
)

// timeoutWarningLead is how long before the run deadline the hub gets a
// timeout_warning event.
const timeoutWarningLead = time.Minute

// ForgeTokenSource yields the push/PR credential for a repository URL.
// Implemented by the secret service; tests substitute a fixed token.
type ForgeTokenSource interface {
	ForgeTokenFor(repoURL string, envFallback map[secrets.Provider]string) string
}

// ForgeFactory builds the forge client for a repository. Tests swap in a
// fake; production uses forge.NewClient.
type ForgeFactory func(repoURL, token string) (forge.Client, error)

// Service is the task orchestrator.
type Service struct {
	cfg     *config.Config
	store   *task.Store
	trees   *worktree.Manager
	runner  *runner.Runner
	hub     *hub.Hub
	bus     bus.EventBus
	tokens  ForgeTokenSource
	forge   ForgeFactory
	prompts prompts.Set
	logger  *logger.Logger
	tracer  trace.Tracer

	// baseCtx bounds every background goroutine the service launches; it is
	// the server's shutdown context.
	baseCtx context.Context

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	runsMu sync.Mutex
	runs   map[string]*runState
}

// runState tracks one in-flight agent run and what its event stream has
// produced so far.
type runState struct {
	run       *runner.ActiveRun
	mode      runner.Mode
	startedAt time.Time

	mu           sync.Mutex
	completion   *runner.Event
	sawAssistant bool
	warnTimer    *time.Timer
}

// New creates the orchestrator. baseCtx bounds background work (agent
// supervision, async cleanup); cancel it on shutdown. The runner is attached
// afterwards with AttachRunner, because it takes the service as its event
// sink.
func New(baseCtx context.Context, cfg *config.Config, store *task.Store, trees *worktree.Manager,
	h *hub.Hub, eventBus bus.EventBus, tokens ForgeTokenSource,
	prompts prompts.Set, log *logger.Logger) *Service {
	return &Service{
		cfg:     cfg,
		store:   store,
		trees:   trees,
		hub:     h,
		bus:     eventBus,
		tokens:  tokens,
		forge:   forge.NewClient,
		prompts: prompts,
		logger:  log.WithFields(zap.String("component", "orchestrator")),
		tracer:  tracing.Tracer("orchestrator"),
		baseCtx: baseCtx,
		locks:   make(map[string]*sync.Mutex),
		runs:    make(map[string]*runState),
	}
}

// AttachRunner binds the agent runner. Must be called before any task is
// executed.
func (s *Service) AttachRunner(r *runner.Runner) { s.runner = r }

// SetForgeFactory overrides the forge client constructor. Test seam.
func (s *Service) SetForgeFactory(f ForgeFactory) { s.forge = f }

// lock returns the mutex serializing mutations of one task.
func (s *Service) lock(taskID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[taskID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[taskID] = l
	return l
}

// activeRun returns the task's in-flight run state, if any.
func (s *Service) activeRun(taskID string) *runState {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return s.runs[taskID]
}

func (s *Service) registerRun(taskID string, rs *runState) {
	s.runsMu.Lock()
	s.runs[taskID] = rs
	s.runsMu.Unlock()
}

func (s *Service) unregisterRun(taskID string, rs *runState) {
	s.runsMu.Lock()
	if s.runs[taskID] == rs {
		delete(s.runs, taskID)
	}
	s.runsMu.Unlock()

	rs.mu.Lock()
	if rs.warnTimer != nil {
		rs.warnTimer.Stop()
	}
	rs.mu.Unlock()
}

// RunInfo reports whether an agent is running for the task, and since when /
// until when. Consumed by the event-stream transports for the connect replay.
func (s *Service) RunInfo(taskID string) (startedAt, deadline time.Time, running bool) {
	rs := s.activeRun(taskID)
	if rs == nil {
		return time.Time{}, time.Time{}, false
	}
	return rs.startedAt, rs.run.Deadline(), true
}

// guard rejects the action unless the status machine permits it.
func guard(action task.Action, status task.Status) error {
	if !task.CanApply(action, status) {
		return apperr.Newf(apperr.KindInvalidTransition,
			"action %s is not allowed from status %s", action, task.Normalize(status))
	}
	return nil
}

// transition persists the status change and publishes exactly one status
// event: once to the hub stream and once on the bus. Callers hold the task
// lock.
func (s *Service) transition(ctx context.Context, t *task.Task, to task.Status) error {
	from := t.Status
	t.Status = to
	if err := s.store.Update(ctx, t); err != nil {
		t.Status = from
		return err
	}

	s.hub.Status(t.ID, string(task.Normalize(to)))
	s.publish(ctx, bus.SubjectTaskStatus, map[string]any{
		"task_id": t.ID,
		"from":    string(task.Normalize(from)),
		"status":  string(task.Normalize(to)),
	})

	s.logger.Info("task transitioned",
		zap.String("task_id", t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(subject, "orchestrator", data)); err != nil {
		s.logger.Warn("bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// forgeToken resolves the push credential for the repository: secret store
// first, then the configured env fallbacks.
func (s *Service) forgeToken(repoURL string) string {
	if s.tokens == nil {
		return ""
	}
	return s.tokens.ForgeTokenFor(repoURL, map[secrets.Provider]string{
		secrets.ProviderGitHub: s.cfg.Forge.GitHubToken,
		secrets.ProviderGitLab: s.cfg.Forge.GitLabToken,
	})
}

// Event implements runner.Sink: every uniform agent event lands on the hub
// stream, chat turns and tool calls are persisted, and completions are held
// for the supervision goroutine.
func (s *Service) Event(taskID string, ev runner.Event) {
	ctx := s.baseCtx
	switch ev.Type {
	case runner.EventAssistantText:
		if rs := s.activeRun(taskID); rs != nil {
			rs.mu.Lock()
			rs.sawAssistant = true
			rs.mu.Unlock()
		}
		s.hub.Chat(taskID, hub.ChatEvent{Role: hub.RoleAssistant, Text: ev.Text})
		s.appendChat(ctx, taskID, &task.ChatRecord{TaskID: taskID, Role: "assistant", Text: ev.Text})

	case runner.EventToolCall:
		s.hub.Chat(taskID, hub.ChatEvent{Tool: ev.Tool, Summary: ev.Summary})
		s.appendChat(ctx, taskID, &task.ChatRecord{TaskID: taskID, Tool: ev.Tool, Summary: ev.Summary})

	case runner.EventToolResult:
		if ev.Text != "" {
			s.hub.Log(taskID, hub.LevelAgent, ev.Text)
		}

	case runner.EventCompletion:
		if rs := s.activeRun(taskID); rs != nil {
			rs.mu.Lock()
			completion := ev
			rs.completion = &completion
			rs.mu.Unlock()
		}

	case runner.EventBackendError:
		s.hub.Log(taskID, hub.LevelError, ev.Message)
	}
}

// Log implements runner.Sink for raw run log lines (heartbeats, stderr
// tails).
func (s *Service) Log(taskID, level, message string) {
	s.hub.Log(taskID, hub.LogLevel(level), message)
	if err := s.store.AppendLog(s.baseCtx, &task.LogRecord{TaskID: taskID, Level: level, Message: message}); err != nil {
		s.logger.Warn("persist log line failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Service) appendChat(ctx context.Context, taskID string, rec *task.ChatRecord) {
	if err := s.store.AppendChat(ctx, rec); err != nil {
		s.logger.Warn("persist chat record failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// armTimeoutWarning schedules a timeout_warning event shortly before the run
// deadline. Re-armed on extension.
func (s *Service) armTimeoutWarning(taskID string, rs *runState) {
	deadline := rs.run.Deadline()
	lead := time.Until(deadline) - timeoutWarningLead
	if lead <= 0 {
		return
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.warnTimer != nil {
		rs.warnTimer.Stop()
	}
	rs.warnTimer = time.AfterFunc(lead, func() {
		// The deadline may have moved since arming; only warn near the
		// current one.
		current := rs.run.Deadline()
		if time.Until(current) > timeoutWarningLead+time.Second {
			return
		}
		s.hub.Publish(taskID, hub.EventTimeoutWarning, map[string]any{
			"deadline": current.UTC(),
		})
	})
}

// snapshot converts a worktree diff into the persisted snapshot shape.
func snapshotFromDiff(d *worktree.DiffResult) *task.DiffSnapshot {
	snap := &task.DiffSnapshot{Files: make([]task.DiffFile, 0, len(d.Files)), Diff: d.Diff}
	for _, f := range d.Files {
		snap.Files = append(snap.Files, task.DiffFile{Path: f.Path, Status: string(f.Status)})
	}
	return snap
}

// captureSnapshot records the task's current diff: the live worktree when it
// exists, else the previously persisted snapshot, else an empty one. Terminal
// transitions always leave a non-nil snapshot behind.
func (s *Service) captureSnapshot(ctx context.Context, t *task.Task) *task.DiffSnapshot {
	if d, err := s.trees.Diff(ctx, t.ID, t.TargetBranch); err == nil {
		return snapshotFromDiff(d)
	}
	if t.DiffSnapshot != nil {
		return t.DiffSnapshot
	}
	return &task.DiffSnapshot{Files: []task.DiffFile{}}
}
