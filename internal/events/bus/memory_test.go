package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	var got []*Event
	sub, err := b.Subscribe(SubjectTaskStatus, func(ctx context.Context, e *Event) error {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent("status_changed", "orchestrator", map[string]any{"task_id": "t1"})
	require.NoError(t, b.Publish(context.Background(), SubjectTaskStatus, event))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	assert.Equal(t, event.ID, got[0].ID)
	assert.Equal(t, "status_changed", got[0].Type)
	mu.Unlock()
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	counts := map[string]int{}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		_, err := b.Subscribe("task.created", func(ctx context.Context, e *Event) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(context.Background(), "task.created", NewEvent("created", "test", nil)))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["a"] == 1 && counts["b"] == 1 && counts["c"] == 1
	})
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	delivered := 0
	sub, err := b.Subscribe("task.updated", func(ctx context.Context, e *Event) error {
		mu.Lock()
		delivered++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "task.updated", NewEvent("updated", "test", nil)))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	})

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "task.updated", NewEvent("updated", "test", nil)))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, delivered)
	mu.Unlock()
}

func TestMemoryEventBus_Wildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"single token matches", "task.*.events", "task.abc.events", true},
		{"single token no cross-dot", "task.*.events", "task.a.b.events", false},
		{"tail wildcard", "task.>", "task.abc.events.log", true},
		{"tail wildcard needs token", "task.>", "task", false},
		{"exact", "task.created", "task.created", true},
		{"exact mismatch", "task.created", "task.deleted", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBus(t)
			defer b.Close()

			var mu sync.Mutex
			delivered := 0
			_, err := b.Subscribe(tt.pattern, func(ctx context.Context, e *Event) error {
				mu.Lock()
				delivered++
				mu.Unlock()
				return nil
			})
			require.NoError(t, err)

			require.NoError(t, b.Publish(context.Background(), tt.subject, NewEvent("x", "test", nil)))

			if tt.match {
				waitFor(t, func() bool {
					mu.Lock()
					defer mu.Unlock()
					return delivered == 1
				})
			} else {
				time.Sleep(50 * time.Millisecond)
				mu.Lock()
				assert.Zero(t, delivered)
				mu.Unlock()
			}
		})
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe("task.created", func(ctx context.Context, e *Event) error { return nil })
	require.NoError(t, err)

	assert.True(t, b.IsConnected())
	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "task.created", NewEvent("created", "test", nil))
	assert.Error(t, err)

	_, err = b.Subscribe("task.created", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := b.Subscribe("task.*", func(ctx context.Context, e *Event) error { return nil })
			if err == nil {
				_ = sub.Unsubscribe()
			}
		}()
		go func() {
			defer wg.Done()
			_ = b.Publish(context.Background(), "task.created", NewEvent("created", "test", nil))
		}()
	}
	wg.Wait()
}

func TestNewEvent(t *testing.T) {
	before := time.Now().UTC()
	e := NewEvent("status_changed", "orchestrator", map[string]any{"k": "v"})
	after := time.Now().UTC()

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "status_changed", e.Type)
	assert.Equal(t, "orchestrator", e.Source)
	assert.Equal(t, "v", e.Data["k"])
	assert.False(t, e.Timestamp.Before(before))
	assert.False(t, e.Timestamp.After(after))
}
