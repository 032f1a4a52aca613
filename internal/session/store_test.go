package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younfor/chat-work/internal/domain"
)

func userTurn(content string) domain.Turn {
	return domain.Turn{Role: domain.RoleUser, Content: content, Timestamp: time.Now()}
}

func TestMemoryStoreGetOrCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, false)

	sess, err := store.GetOrCreate(ctx, "cli:default")
	require.NoError(t, err)
	assert.Equal(t, "cli:default", sess.ConversationID)
	assert.Empty(t, sess.History)
	assert.False(t, sess.AutoExecute)
	assert.False(t, sess.CreatedAt.IsZero())

	again, err := store.GetOrCreate(ctx, "cli:default")
	require.NoError(t, err)
	assert.Equal(t, sess.CreatedAt, again.CreatedAt)
}

func TestMemoryStoreAppendAndHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, false)

	require.NoError(t, store.Append(ctx, "c1", userTurn("hello")))
	require.NoError(t, store.Append(ctx, "c1", domain.Turn{Role: domain.RoleAssistant, Content: "hi there"}))

	history, err := store.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].Role)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, domain.RoleAssistant, history[1].Role)

	// Histories of other conversations stay isolated.
	other, err := store.History(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStoreHistoryCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(5, false)

	for i := 0; i < 12; i++ {
		require.NoError(t, store.Append(ctx, "c1", userTurn(fmt.Sprintf("msg %d", i))))
	}

	history, err := store.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 5)
	// Oldest turns dropped, newest kept.
	assert.Equal(t, "msg 7", history[0].Content)
	assert.Equal(t, "msg 11", history[4].Content)
}

func TestMemoryStoreHistoryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, false)

	require.NoError(t, store.Append(ctx, "c1", userTurn("original")))

	history, err := store.History(ctx, "c1")
	require.NoError(t, err)
	history[0].Content = "mutated"

	fresh, err := store.History(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "original", fresh[0].Content)
}

func TestMemoryStoreClearKeepsAutoExecute(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, false)

	require.NoError(t, store.Append(ctx, "c1", userTurn("hello")))
	require.NoError(t, store.SetAutoExecute(ctx, "c1", true))
	require.NoError(t, store.Clear(ctx, "c1"))

	history, err := store.History(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, history)

	auto, err := store.AutoExecute(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, auto, "clearing history must not reset auto-execute")
}

func TestMemoryStoreClearUnknownConversation(t *testing.T) {
	store := NewMemoryStore(0, false)
	assert.NoError(t, store.Clear(context.Background(), "never-seen"))
}

func TestMemoryStoreAutoExecuteDefault(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore(0, true)
	auto, err := store.AutoExecute(ctx, "unseen")
	require.NoError(t, err)
	assert.True(t, auto)

	sess, err := store.GetOrCreate(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, sess.AutoExecute)
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0, false)

	require.NoError(t, store.Append(ctx, "feishu:oc_1", userTurn("a")))
	require.NoError(t, store.Append(ctx, "cli:default", userTurn("b")))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	ids := []string{sessions[0].ConversationID, sessions[1].ConversationID}
	assert.ElementsMatch(t, []string{"feishu:oc_1", "cli:default"}, ids)
}

func TestMemoryStoreConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(100, false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = store.Append(ctx, "c1", userTurn(fmt.Sprintf("w%d-%d", n, j)))
			}
		}(i)
	}
	wg.Wait()

	history, err := store.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 100)
}
