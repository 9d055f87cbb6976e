package tqueue_test

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/tqueue"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func farFuture() time.Time {
	return time.Now().Add(24 * time.Hour)
}

func TestTQueue_PushOrder(t *testing.T) {
	q := tqueue.New(discard())
	now := time.Now()

	var ids []int32
	for i := 0; i < 5; i++ {
		id, err := q.Push(7, []byte(fmt.Sprintf(`{"n":%d}`, i)), farFuture(), 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
	}

	out := make([]tqueue.Event, 10)
	n, total := q.Get(7, 0, false, now, out)
	require.Equal(t, 5, n)
	assert.Equal(t, 5, total)
	for i := 0; i < n; i++ {
		assert.Equal(t, ids[i], out[i].ID)
	}
}

func TestTQueue_GetAfterForget(t *testing.T) {
	q := tqueue.New(discard())
	id1, _ := q.Push(1, []byte("a"), farFuture(), 0)
	id2, _ := q.Push(1, []byte("b"), farFuture(), 0)
	id3, _ := q.Push(1, []byte("c"), farFuture(), 0)

	q.Forget(1, id2)

	out := make([]tqueue.Event, 10)
	n, _ := q.Get(1, 0, false, time.Now(), out)
	require.Equal(t, 2, n)
	assert.Equal(t, id1, out[0].ID)
	assert.Equal(t, id3, out[1].ID)
}

func TestTQueue_HeadAdvances(t *testing.T) {
	q := tqueue.New(discard())
	id1, _ := q.Push(1, []byte("a"), farFuture(), 0)

	assert.Equal(t, id1, q.Head(1))
	q.Forget(1, id1)
	assert.Equal(t, id1+1, q.Head(1))
}

func TestTQueue_ExpiredNeverReturned(t *testing.T) {
	q := tqueue.New(discard())
	now := time.Now()
	_, err := q.Push(1, []byte("dead"), now.Add(-time.Second), 0)
	require.NoError(t, err)
	live, err := q.Push(1, []byte("live"), now.Add(time.Hour), 0)
	require.NoError(t, err)

	out := make([]tqueue.Event, 10)
	n, total := q.Get(1, 0, false, now, out)
	require.Equal(t, 1, n)
	assert.Equal(t, 1, total)
	assert.Equal(t, live, out[0].ID)
}

func TestTQueue_GC(t *testing.T) {
	q := tqueue.New(discard())
	now := time.Now()
	for i := 0; i < 10; i++ {
		_, err := q.Push(int64(i), []byte("x"), now.Add(-time.Minute), 0)
		require.NoError(t, err)
	}
	_, err := q.Push(3, []byte("keep"), now.Add(time.Hour), 0)
	require.NoError(t, err)

	deleted := 0
	for {
		d, finished := q.RunGC(now)
		deleted += d
		if finished {
			break
		}
	}
	assert.Equal(t, 10, deleted)

	out := make([]tqueue.Event, 10)
	n, _ := q.Get(3, 0, false, now, out)
	require.Equal(t, 1, n)
	assert.Equal(t, []byte("keep"), out[0].Payload)
}

func TestTQueue_BacklogCount(t *testing.T) {
	q := tqueue.New(discard())
	for i := 0; i < 8; i++ {
		_, err := q.Push(1, []byte("x"), farFuture(), 0)
		require.NoError(t, err)
	}
	out := make([]tqueue.Event, 3)
	n, total := q.Get(1, 0, false, time.Now(), out)
	assert.Equal(t, 3, n)
	assert.Equal(t, 8, total)
}

func TestTQueue_ForgetBefore(t *testing.T) {
	q := tqueue.New(discard())
	var ids []int32
	for i := 0; i < 4; i++ {
		id, _ := q.Push(1, []byte("x"), farFuture(), 0)
		ids = append(ids, id)
	}

	out := make([]tqueue.Event, 10)
	n, _ := q.Get(1, ids[2], true, time.Now(), out)
	require.Equal(t, 2, n)
	assert.Equal(t, ids[2], q.Head(1))
}

func TestTQueue_FromIDBelowHead(t *testing.T) {
	q := tqueue.New(discard())
	id1, _ := q.Push(1, []byte("a"), farFuture(), 0)
	id2, _ := q.Push(1, []byte("b"), farFuture(), 0)
	q.Forget(1, id1)

	out := make([]tqueue.Event, 10)
	n, _ := q.Get(1, id1-5, false, time.Now(), out)
	require.Equal(t, 1, n)
	assert.Equal(t, id2, out[0].ID)
}

func TestTQueue_PayloadTooLarge(t *testing.T) {
	q := tqueue.New(discard())
	_, err := q.Push(1, make([]byte, tqueue.MaxPayloadSize+1), farFuture(), 0)
	assert.ErrorIs(t, err, tqueue.ErrPayloadTooLarge)
}

func TestTQueue_Listener(t *testing.T) {
	q := tqueue.New(discard())
	notified := 0
	q.SetListener(9, func() { notified++ })

	_, err := q.Push(9, []byte("x"), farFuture(), 0)
	require.NoError(t, err)
	_, err = q.Push(8, []byte("y"), farFuture(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)

	q.SetListener(9, nil)
	_, err = q.Push(9, []byte("z"), farFuture(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
}

func TestTQueue_Durability(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tqueue.binlog")

	q, err := tqueue.OpenLogged(path, discard())
	require.NoError(t, err)
	id1, err := q.Push(5, []byte(`{"a":1}`), farFuture(), 11)
	require.NoError(t, err)
	id2, err := q.Push(5, []byte(`{"b":2}`), farFuture(), 22)
	require.NoError(t, err)
	id3, err := q.Push(6, []byte(`{"c":3}`), farFuture(), 0)
	require.NoError(t, err)
	q.Forget(5, id1)
	require.NoError(t, q.Close())

	q, err = tqueue.OpenLogged(path, discard())
	require.NoError(t, err)
	defer q.Close()

	out := make([]tqueue.Event, 10)
	n, _ := q.Get(5, 0, false, time.Now(), out)
	require.Equal(t, 1, n)
	assert.Equal(t, id2, out[0].ID)
	assert.Equal(t, int64(22), out[0].Extra)
	assert.Equal(t, []byte(`{"b":2}`), out[0].Payload)

	n, _ = q.Get(6, 0, false, time.Now(), out)
	require.Equal(t, 1, n)
	assert.Equal(t, id3, out[0].ID)

	// Ids keep increasing after restart.
	id4, err := q.Push(5, []byte("next"), farFuture(), 0)
	require.NoError(t, err)
	assert.Greater(t, id4, id3)
}
