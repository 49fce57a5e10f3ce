package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codetracer-core/pkg/types"
)

// Every test removes the sessions it adds before returning: Remove stops
// the session's TTL timer, so a still-pending time.AfterFunc callback
// never fires after the test (and, for the four goleak-wrapped tests,
// never races the leak check against a background timer goroutine).

func TestManager_AddGetRemove(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := New(time.Minute, 2)

	sess, err := m.Add("/trace/a", "backend-1", types.TraceMetadata{Language: types.LangGo})
	require.NoError(t, err)
	assert.Equal(t, types.SessionStarting, sess.State)
	assert.True(t, m.Has("/trace/a"))
	assert.Equal(t, 1, m.Count())

	got := m.Get("/trace/a")
	require.NotNil(t, got)
	assert.Equal(t, "backend-1", got.BackendID)

	backendID, ok := m.Remove("/trace/a")
	assert.True(t, ok)
	assert.Equal(t, "backend-1", backendID)
	assert.False(t, m.Has("/trace/a"))
}

func TestManager_MaxSessionsReached(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := New(time.Minute, 1)

	_, err := m.Add("/trace/a", "b1", types.TraceMetadata{})
	require.NoError(t, err)
	defer m.Remove("/trace/a")

	_, err = m.Add("/trace/b", "b2", types.TraceMetadata{})
	require.Error(t, err)
}

func TestManager_AlreadyLoaded(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := New(time.Minute, 5)

	_, err := m.Add("/trace/a", "b1", types.TraceMetadata{})
	require.NoError(t, err)
	defer m.Remove("/trace/a")

	_, err = m.Add("/trace/a", "b2", types.TraceMetadata{})
	assert.Error(t, err)
}

func TestManager_ResetTTLTouchesSession(t *testing.T) {
	m, _ := New(50*time.Millisecond, 5)

	sess, err := m.Add("/trace/a", "b1", types.TraceMetadata{})
	require.NoError(t, err)
	firstActivity := sess.LastActivityAt

	time.Sleep(5 * time.Millisecond)
	m.ResetTTL("/trace/a")
	assert.True(t, m.Get("/trace/a").LastActivityAt.After(firstActivity))

	m.Remove("/trace/a")
}

func TestManager_ExpiryFiresOnTimeout(t *testing.T) {
	m, expiry := New(10*time.Millisecond, 5)

	_, err := m.Add("/trace/a", "b1", types.TraceMetadata{})
	require.NoError(t, err)

	select {
	case path := <-expiry:
		assert.Contains(t, path, "trace/a")
	case <-time.After(time.Second):
		t.Fatal("expected expiry notification")
	}

	m.Remove("/trace/a")
}

func TestManager_PathForBackend(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _ := New(time.Minute, 5)

	_, err := m.Add("/trace/a", "b1", types.TraceMetadata{})
	require.NoError(t, err)
	defer m.Remove("/trace/a")

	path, ok := m.PathForBackend("b1")
	assert.True(t, ok)
	assert.Contains(t, path, "trace/a")

	_, ok = m.PathForBackend("no-such-backend")
	assert.False(t, ok)
}
