package offline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(actions []Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ID)
	}
	return out
}

func mustEnqueue(t *testing.T, q *Queue, id string) {
	t.Helper()
	_, err := q.Enqueue(Action{ID: id, Method: "POST", URL: "/v1/messages"})
	require.NoError(t, err)
}

func TestFlushReplaysInOrder(t *testing.T) {
	q, err := New(nil, Options{})
	require.NoError(t, err)
	mustEnqueue(t, q, "A")
	mustEnqueue(t, q, "B")

	var seen []string
	left, err := q.Flush(context.Background(), func(_ context.Context, a Action) error {
		seen = append(seen, a.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, seen)
	assert.Empty(t, left)
	assert.Equal(t, 0, q.Len())
}

func TestFailedActionIsKeptAndRetried(t *testing.T) {
	q, _ := New(nil, Options{})
	mustEnqueue(t, q, "A")
	mustEnqueue(t, q, "B")
	mustEnqueue(t, q, "C")

	var seen []string
	left, err := q.Flush(context.Background(), func(_ context.Context, a Action) error {
		seen = append(seen, a.ID)
		if a.ID == "B" {
			return errors.New("network down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, seen, "a failure does not stop the flush")
	require.Equal(t, []string{"B"}, ids(left))
	assert.Equal(t, StateAttempted, left[0].State)
	assert.Equal(t, 1, left[0].Attempts)
	assert.Equal(t, "network down", left[0].LastError)

	seen = nil
	left, err = q.Flush(context.Background(), func(_ context.Context, a Action) error {
		seen = append(seen, a.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, seen)
	assert.Empty(t, left)
}

func TestEnqueueFillsDefaults(t *testing.T) {
	q, _ := New(nil, Options{})
	a, err := q.Enqueue(Action{Method: "POST", URL: "/v1/messages", Body: []byte(`{"content":"hi"}`)})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.CreatedAt.IsZero())
	assert.Equal(t, StatePending, a.State)

	_, err = q.Enqueue(Action{URL: "/x"})
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestQueueSurvivesRestart(t *testing.T) {
	fs := FileStorage{Dir: t.TempDir()}
	q, err := New(fs, Options{Key: "u1"})
	require.NoError(t, err)
	mustEnqueue(t, q, "A")
	mustEnqueue(t, q, "B")
	_, err = q.Flush(context.Background(), func(_ context.Context, a Action) error {
		if a.ID == "A" {
			return nil
		}
		return errors.New("offline")
	})
	require.NoError(t, err)

	restarted, err := New(fs, Options{Key: "u1"})
	require.NoError(t, err)
	left := restarted.Pending()
	require.Equal(t, []string{"B"}, ids(left))
	assert.Equal(t, 1, left[0].Attempts)

	other, err := New(fs, Options{Key: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 0, other.Len())
}

func TestSetOnlineTriggersFlush(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	q, _ := New(nil, Options{Replay: func(_ context.Context, a Action) error {
		mu.Lock()
		seen = append(seen, a.ID)
		mu.Unlock()
		return nil
	}})
	mustEnqueue(t, q, "A")

	q.SetOnline(false)
	q.Wait()
	assert.Equal(t, 1, q.Len())

	q.SetOnline(true)
	q.Wait()
	assert.Equal(t, 0, q.Len())
	assert.True(t, q.Online())

	// already online: no second flush
	mustEnqueue(t, q, "B")
	q.SetOnline(true)
	q.Wait()
	assert.Equal(t, 1, q.Len())

	mu.Lock()
	assert.Equal(t, []string{"A"}, seen)
	mu.Unlock()
}

func TestUnreachableReplayGoesOffline(t *testing.T) {
	errDown := errors.New("dial tcp: network is unreachable")
	var down atomic.Bool
	down.Store(true)
	q, _ := New(nil, Options{
		Replay: func(_ context.Context, a Action) error {
			if down.Load() {
				return errDown
			}
			return nil
		},
		Offline: func(err error) bool { return errors.Is(err, errDown) },
	})
	mustEnqueue(t, q, "A")

	q.SetOnline(true)
	q.Wait()
	assert.False(t, q.Online())
	assert.Equal(t, 1, q.Len())

	// the next success is an offline to online edge again
	down.Store(false)
	q.SetOnline(true)
	q.Wait()
	assert.True(t, q.Online())
	assert.Equal(t, 0, q.Len())
}

func TestOtherReplayErrorsStayOnline(t *testing.T) {
	q, _ := New(nil, Options{Offline: func(error) bool { return false }})
	mustEnqueue(t, q, "A")
	q.SetOnline(true)
	q.Wait()

	_, err := q.Flush(context.Background(), func(context.Context, Action) error { return errors.New("409") })
	require.NoError(t, err)
	assert.True(t, q.Online())
	assert.Equal(t, 1, q.Len())
}

func TestFlushesDoNotOverlap(t *testing.T) {
	q, _ := New(nil, Options{})
	for _, id := range []string{"A", "B", "C"} {
		mustEnqueue(t, q, id)
	}

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var replays []string
	replay := func(_ context.Context, a Action) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		replays = append(replays, a.ID)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Flush(context.Background(), replay)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxRunning)
	assert.Equal(t, []string{"A", "B", "C"}, replays, "each action replayed once")
}

func TestRemove(t *testing.T) {
	q, _ := New(nil, Options{})
	mustEnqueue(t, q, "A")
	assert.True(t, q.Remove("A"))
	assert.False(t, q.Remove("A"))
}
