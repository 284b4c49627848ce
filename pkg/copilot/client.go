// Package copilot drives the GitHub Copilot CLI through the official SDK
// (github.com/github/copilot-sdk/go). When CLIUrl is set the SDK connects to
// an externally spawned CLI server over TCP; otherwise the SDK spawns and
// manages the CLI process itself. One Client wraps one session; session
// events stream to a registered handler.
package copilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/github/copilot-sdk/go"
	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// Re-export SDK types so callers need not import the SDK directly.
type (
	SessionEvent     = copilot.SessionEvent
	SessionEventType = copilot.SessionEventType
	MessageOptions   = copilot.MessageOptions
)

// Re-export the event type constants the runner maps to its uniform stream.
const (
	EventTypeSessionIdle           = copilot.SessionIdle
	EventTypeSessionError          = copilot.SessionError
	EventTypeAssistantMessage      = copilot.AssistantMessage
	EventTypeAssistantMessageDelta = copilot.AssistantMessageDelta
	EventTypeAssistantTurnEnd      = copilot.AssistantTurnEnd
	EventTypeToolStart             = copilot.ToolExecutionStart
	EventTypeToolComplete          = copilot.ToolExecutionComplete
	EventTypeAbort                 = copilot.Abort
)

// Client wraps the Copilot SDK client plus one active session.
type Client struct {
	sdkClient *copilot.Client
	session   *copilot.Session
	logger    *logger.Logger

	cliURL string
	model  string

	eventHandler func(SessionEvent)
	unsubscribe  func()
	handlerMu    sync.RWMutex

	mu      sync.RWMutex
	started bool
}

// Config holds Copilot client configuration.
type Config struct {
	// CLIUrl is the address of an externally spawned Copilot CLI server
	// (e.g. "localhost:12345"). When set, the SDK connects via TCP instead
	// of spawning its own process. Spawning the CLI externally is how the
	// working directory is controlled.
	CLIUrl string
	// Model is the Copilot model id; the SDK default applies when empty.
	Model string
}

// NewClient creates a Copilot client wrapper.
func NewClient(cfg Config, log *logger.Logger) *Client {
	return &Client{
		cliURL: cfg.CLIUrl,
		model:  cfg.Model,
		logger: log.WithFields(zap.String("component", "copilot-client")),
	}
}

// SetEventHandler sets the handler for session events. Must be called before
// StartSession so no events are lost.
func (c *Client) SetEventHandler(handler func(SessionEvent)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.eventHandler = handler
}

// StartSession spins up the SDK client and creates a streaming session.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return "", fmt.Errorf("session already started")
	}

	if c.cliURL != "" {
		c.sdkClient = copilot.NewClient(&copilot.ClientOptions{
			CLIUrl:   c.cliURL,
			LogLevel: "error",
		})
	} else {
		c.sdkClient = copilot.NewClient(nil)
	}

	session, err := c.sdkClient.CreateSession(&copilot.SessionConfig{
		Model:     c.model,
		Streaming: true,
	})
	if err != nil {
		c.sdkClient = nil
		return "", fmt.Errorf("create copilot session: %w", err)
	}

	// Register the handler before publishing the session so no events are
	// lost between creation and registration.
	c.handlerMu.Lock()
	if c.eventHandler != nil {
		c.unsubscribe = session.On(c.eventHandler)
	}
	c.handlerMu.Unlock()

	c.session = session
	c.started = true

	c.logger.Info("copilot session created",
		zap.String("session_id", session.SessionID),
		zap.String("model", c.model))
	return session.SessionID, nil
}

// Send sends a prompt to the session without waiting for completion.
// Completion arrives as a SessionIdle event.
func (c *Client) Send(ctx context.Context, prompt string) (string, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return "", fmt.Errorf("no active session")
	}

	messageID, err := session.Send(copilot.MessageOptions{Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("send to copilot session: %w", err)
	}
	return messageID, nil
}

// SendAndWait sends a prompt and blocks until the session goes idle.
func (c *Client) SendAndWait(ctx context.Context, prompt string, timeout time.Duration) (*SessionEvent, error) {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return nil, fmt.Errorf("no active session")
	}
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	result, err := session.SendAndWait(copilot.MessageOptions{Prompt: prompt}, timeout)
	if err != nil {
		return nil, fmt.Errorf("send to copilot session: %w", err)
	}
	return result, nil
}

// Abort cancels the in-flight operation, if any.
func (c *Client) Abort() error {
	c.mu.RLock()
	session := c.session
	c.mu.RUnlock()

	if session == nil {
		return nil
	}
	return session.Abort()
}

// Stop destroys the session and shuts down the SDK client (and its CLI
// process when the SDK spawned one).
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}

	c.handlerMu.Lock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.handlerMu.Unlock()

	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			c.logger.Warn("error destroying copilot session", zap.Error(err))
		}
		c.session = nil
	}

	if c.sdkClient != nil {
		for _, err := range c.sdkClient.Stop() {
			c.logger.Warn("error stopping copilot sdk client", zap.Error(err))
		}
		c.sdkClient = nil
	}
	c.started = false
}
