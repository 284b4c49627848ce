package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/common/config"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/process"
	"github.com/taskdeck/taskdeck/internal/secrets"
	"github.com/taskdeck/taskdeck/internal/task"
)

// ErrFeedbackUnsupported is returned when feedback is sent to a run whose
// backend cannot accept it live.
var ErrFeedbackUnsupported = errors.New("backend does not accept live feedback")

// CredentialSource yields stored credentials. Implemented by the secret
// service; tests substitute a map.
type CredentialSource interface {
	Plaintext(kind secrets.Kind, provider secrets.Provider) (string, error)
}

// Runner owns backend selection and run supervision.
type Runner struct {
	cfg      config.AgentConfig
	creds    CredentialSource
	detector *Detector
	sink     Sink
	logger   *logger.Logger

	backends map[task.BackendKind]Backend
}

// New creates a Runner with the full backend set.
func New(cfg config.AgentConfig, creds CredentialSource, detector *Detector, sup *process.Supervisor, sink Sink, log *logger.Logger) *Runner {
	rt := &cliRuntime{
		supervisor: sup,
		sink:       sink,
		heartbeat:  cfg.HeartbeatDuration(),
		logger:     log.WithFields(zap.String("component", "agent-runner")),
	}
	return &Runner{
		cfg:      cfg,
		creds:    creds,
		detector: detector,
		sink:     sink,
		logger:   rt.logger,
		backends: map[task.BackendKind]Backend{
			task.BackendClaude:     &claudeBackend{rt: rt},
			task.BackendCodex:      &codexBackend{rt: rt},
			task.BackendGemini:     &geminiBackend{rt: rt},
			task.BackendCopilot:    &copilotBackend{supervisor: sup, logger: rt.logger},
			task.BackendAnthropic:  anthropicBackend{},
			task.BackendOpenAI:     openaiBackend{kind: task.BackendOpenAI},
			task.BackendOpenRouter: openaiBackend{kind: task.BackendOpenRouter},
		},
	}
}

// Detector exposes the CLI detection cache for invalidation wiring.
func (r *Runner) Detector() *Detector { return r.detector }

// RegisterBackend replaces the backend registered for b's kind. Tests use it
// to substitute stubs for real agent processes.
func (r *Runner) RegisterBackend(b Backend) { r.backends[b.Kind()] = b }

func hostedProvider(kind task.BackendKind) (secrets.Provider, bool) {
	switch kind {
	case task.BackendAnthropic:
		return secrets.ProviderAnthropic, true
	case task.BackendOpenAI:
		return secrets.ProviderOpenAI, true
	case task.BackendOpenRouter:
		return secrets.ProviderOpenRouter, true
	default:
		return "", false
	}
}

func (r *Runner) aiKey(provider secrets.Provider) string {
	key, err := r.creds.Plaintext(secrets.KindAIKey, provider)
	if err != nil {
		return ""
	}
	return key
}

// Select resolves the backend and API key for a run: the task's own backend
// first, then the global default CLI, then hosted APIs in a fixed order.
// The claude CLI is skipped in spec mode when an Anthropic key exists; spec
// generation needs no tools, and the CLI burns time attempting them.
func (r *Runner) Select(t *task.Task, mode Mode) (Backend, string, error) {
	if t.AgentBackend != "" {
		if b, key, ok := r.resolve(t.AgentBackend, mode); ok {
			return b, key, nil
		}
	}

	if def := task.BackendKind(r.cfg.DefaultCLI); def != "" {
		if b, key, ok := r.resolve(def, mode); ok {
			return b, key, nil
		}
	}

	for _, kind := range []task.BackendKind{task.BackendAnthropic, task.BackendOpenAI, task.BackendOpenRouter} {
		provider, _ := hostedProvider(kind)
		if key := r.aiKey(provider); key != "" {
			return r.backends[kind], key, nil
		}
	}

	return nil, "", apperr.New(apperr.KindNoBackend,
		"no agent backend available: install a supported CLI or save an AI key")
}

// resolve checks one backend kind for usability.
func (r *Runner) resolve(kind task.BackendKind, mode Mode) (Backend, string, bool) {
	if _, isCLI := cliProbes[kind]; isCLI {
		if !r.detector.Available(kind) {
			return nil, "", false
		}
		if kind == task.BackendClaude && mode == ModeSpec {
			if key := r.aiKey(secrets.ProviderAnthropic); key != "" {
				return r.backends[task.BackendAnthropic], key, true
			}
		}
		return r.backends[kind], "", true
	}

	if provider, ok := hostedProvider(kind); ok {
		if key := r.aiKey(provider); key != "" {
			return r.backends[kind], key, true
		}
	}
	return nil, "", false
}

// ActiveRun is the handle for one in-flight agent run: cancel, feedback,
// and deadline extension.
type ActiveRun struct {
	TaskID  string
	Backend task.BackendKind

	liveFeedback bool
	feedback     chan string
	cancel       context.CancelFunc

	mu       sync.Mutex
	deadline time.Time
	timer    *time.Timer
	timedOut bool
	canceled bool

	done chan struct{}
	err  error
}

// Start selects a backend and launches the run in a supervision goroutine.
// The returned handle is live until Done closes; Err reports the outcome.
// Cancellation of ctx tears the run down like Cancel.
func (r *Runner) Start(ctx context.Context, t *task.Task, req Request) (*ActiveRun, error) {
	backend, apiKey, err := r.Select(t, req.Mode)
	if err != nil {
		return nil, err
	}

	req.TaskID = t.ID
	req.APIKey = apiKey
	if req.Model == "" {
		req.Model = t.AgentModel
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &ActiveRun{
		TaskID:       t.ID,
		Backend:      backend.Kind(),
		liveFeedback: backend.SupportsLiveFeedback(),
		feedback:     make(chan string, 16),
		cancel:       cancel,
		deadline:     time.Now().Add(r.cfg.RunTimeoutDuration()),
		done:         make(chan struct{}),
	}
	run.timer = time.AfterFunc(r.cfg.RunTimeoutDuration(), run.onDeadline)
	req.Feedback = run.feedback

	r.logger.Info("agent run starting",
		zap.String("task_id", t.ID),
		zap.String("backend", string(run.Backend)),
		zap.String("mode", string(req.Mode)),
		zap.String("model", req.Model))

	go func() {
		defer cancel()
		defer run.timer.Stop()

		runErr := backend.Run(runCtx, req, func(ev Event) {
			r.sink.Event(t.ID, ev)
		})

		run.mu.Lock()
		timedOut, canceled := run.timedOut, run.canceled
		run.mu.Unlock()

		switch {
		case timedOut:
			runErr = apperr.New(apperr.KindTimeout, "agent run exceeded its deadline")
		case canceled:
			runErr = context.Canceled
		}

		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			r.sink.Event(t.ID, BackendError(string(apperr.KindOf(runErr)), apperr.MessageOf(runErr)))
		}

		run.err = runErr
		close(run.done)

		r.logger.Info("agent run finished",
			zap.String("task_id", t.ID),
			zap.String("backend", string(run.Backend)),
			zap.Bool("timed_out", timedOut),
			zap.Bool("canceled", canceled),
			zap.Error(runErr))
	}()

	return run, nil
}

// onDeadline fires when the timer elapses. An extended deadline re-arms the
// timer for the remaining time instead of killing the run.
func (run *ActiveRun) onDeadline() {
	run.mu.Lock()
	remaining := time.Until(run.deadline)
	if remaining > 0 {
		run.timer.Reset(remaining)
		run.mu.Unlock()
		return
	}
	run.timedOut = true
	run.mu.Unlock()
	run.cancel()
}

// Extend pushes the deadline forward by d and returns the new deadline.
func (run *ActiveRun) Extend(d time.Duration) time.Time {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.deadline = run.deadline.Add(d)
	return run.deadline
}

// Deadline returns the current deadline.
func (run *ActiveRun) Deadline() time.Time {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.deadline
}

// Cancel tears the run down. The supervision goroutine observes the death
// and reports context.Canceled.
func (run *ActiveRun) Cancel() {
	run.mu.Lock()
	run.canceled = true
	run.mu.Unlock()
	run.cancel()
}

// SupportsLiveFeedback reports whether Feedback reaches the running agent.
func (run *ActiveRun) SupportsLiveFeedback() bool { return run.liveFeedback }

// Feedback delivers a user message to the running agent.
func (run *ActiveRun) Feedback(msg string) error {
	if !run.liveFeedback {
		return ErrFeedbackUnsupported
	}
	select {
	case run.feedback <- msg:
		return nil
	case <-run.done:
		return errors.New("agent run already finished")
	}
}

// Done closes when the run has finished.
func (run *ActiveRun) Done() <-chan struct{} { return run.done }

// Err reports the run outcome. Valid after Done closes: nil on success,
// context.Canceled after Cancel, a timeout or backend-failure error
// otherwise.
func (run *ActiveRun) Err() error {
	select {
	case <-run.done:
		return run.err
	default:
		return nil
	}
}
