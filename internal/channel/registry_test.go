package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younfor/chat-work/internal/domain"
	"github.com/younfor/chat-work/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(nil, "silent")
}

// mockChannel is a test double for domain.Channel.
type mockChannel struct {
	kind     domain.ChannelKind
	mu       sync.Mutex
	started  bool
	stopped  bool
	handler  domain.MessageHandler
	startErr error
	stopErr  error
}

func (m *mockChannel) Kind() domain.ChannelKind { return m.kind }

func (m *mockChannel) Start(_ context.Context) error {
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return m.startErr
}

func (m *mockChannel) Stop(_ context.Context) error {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	return m.stopErr
}

func (m *mockChannel) OnMessage(h domain.MessageHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *mockChannel) Status() domain.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.ChannelStatus{
		Channel: m.kind,
		Running: m.started && !m.stopped,
	}
}

func (m *mockChannel) isStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *mockChannel) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *mockChannel) hasHandler() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(testLogger())
	ch := &mockChannel{kind: domain.ChannelCLI}
	reg.Register(ch)

	got, ok := reg.Get(domain.ChannelCLI)
	require.True(t, ok)
	assert.Equal(t, domain.ChannelCLI, got.Kind())

	_, ok = reg.Get(domain.ChannelFeishu)
	assert.False(t, ok)
}

func TestRegistry_List(t *testing.T) {
	reg := NewRegistry(testLogger())
	reg.Register(&mockChannel{kind: domain.ChannelWebSocket})
	reg.Register(&mockChannel{kind: domain.ChannelFeishu})

	kinds := reg.List()
	assert.Len(t, kinds, 2)
	assert.Contains(t, kinds, domain.ChannelWebSocket)
	assert.Contains(t, kinds, domain.ChannelFeishu)
}

func TestRegistry_Count(t *testing.T) {
	reg := NewRegistry(testLogger())
	assert.Equal(t, 0, reg.Count())

	reg.Register(&mockChannel{kind: domain.ChannelWebSocket})
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_Status(t *testing.T) {
	reg := NewRegistry(testLogger())
	ch := &mockChannel{kind: domain.ChannelFeishu}
	reg.Register(ch)

	statuses := reg.Status()
	require.Len(t, statuses, 1)
	assert.Equal(t, domain.ChannelFeishu, statuses[0].Channel)
	assert.False(t, statuses[0].Running)
}

func TestRegistry_OnMessage(t *testing.T) {
	reg := NewRegistry(testLogger())
	ch1 := &mockChannel{kind: domain.ChannelWebSocket}
	ch2 := &mockChannel{kind: domain.ChannelFeishu}
	reg.Register(ch1)
	reg.Register(ch2)

	reg.OnMessage(func(_ domain.Message, _ domain.ReplySink) {})
	assert.True(t, ch1.hasHandler())
	assert.True(t, ch2.hasHandler())
}

func TestRegistry_StartAll(t *testing.T) {
	reg := NewRegistry(testLogger())
	ch1 := &mockChannel{kind: domain.ChannelWebSocket}
	ch2 := &mockChannel{kind: domain.ChannelFeishu}
	reg.Register(ch1)
	reg.Register(ch2)

	err := reg.StartAll(context.Background())
	require.NoError(t, err)
	// StartAll launches goroutines; wait briefly for them to execute.
	assert.Eventually(t, ch1.isStarted, time.Second, 10*time.Millisecond)
	assert.Eventually(t, ch2.isStarted, time.Second, 10*time.Millisecond)
}

func TestRegistry_StartAll_Error(t *testing.T) {
	reg := NewRegistry(testLogger())
	ch := &mockChannel{kind: domain.ChannelFeishu, startErr: assert.AnError}
	reg.Register(ch)

	// StartAll fires goroutines and always returns nil; errors are logged.
	err := reg.StartAll(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, ch.isStarted, time.Second, 10*time.Millisecond)
}

func TestRegistry_StopAll(t *testing.T) {
	reg := NewRegistry(testLogger())
	ch1 := &mockChannel{kind: domain.ChannelWebSocket}
	ch2 := &mockChannel{kind: domain.ChannelFeishu}
	reg.Register(ch1)
	reg.Register(ch2)

	reg.StopAll(context.Background())
	assert.True(t, ch1.isStopped())
	assert.True(t, ch2.isStopped())
}
