package inject

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu          sync.Mutex
	quiescent   bool
	subs        []chan bool
	written     []string
	nowMS       func() int64
}

func newFakeTarget(nowMS func() int64) *fakeTarget {
	return &fakeTarget{nowMS: nowMS}
}

func (f *fakeTarget) IsQuiescent() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quiescent
}

func (f *fakeTarget) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch
}

func (f *fakeTarget) Unsubscribe(target <-chan bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.subs {
		if c == target {
			close(c)
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

func (f *fakeTarget) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, string(p))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeTarget) setQuiescent(v bool) {
	f.mu.Lock()
	f.quiescent = v
	subs := append([]chan bool(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- v
	}
}

type fakeProcessing struct {
	mu        sync.Mutex
	processing bool
	history   []bool
}

func (f *fakeProcessing) SetProcessing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processing = v
	f.history = append(f.history, v)
}

func TestDeliversImmediatelyWhenAlreadyQuiescent(t *testing.T) {
	clock := func() int64 { return 1000 }
	target := newFakeTarget(clock)
	target.setQuiescent(true)
	proc := &fakeProcessing{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewSessionQueue(ctx, "alice", target, proc, nil, clock)

	result := make(chan error, 1)
	require.NoError(t, q.Enqueue(Job{Line: "hello\n", DeadlineMS: 5000, Result: result}))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.Equal(t, []string{"hello\n"}, target.written)
}

func TestWaitsForQuiescenceBeforeWriting(t *testing.T) {
	clock := func() int64 { return 1000 }
	target := newFakeTarget(clock)
	proc := &fakeProcessing{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewSessionQueue(ctx, "alice", target, proc, nil, clock)

	result := make(chan error, 1)
	require.NoError(t, q.Enqueue(Job{Line: "hi\n", DeadlineMS: 5000, Result: result}))

	// Give the worker a moment to reach the wait before releasing it.
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, target.written)

	target.setQuiescent(true)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	require.Equal(t, []string{"hi\n"}, target.written)

	proc.mu.Lock()
	defer proc.mu.Unlock()
	require.Equal(t, []bool{true, false}, proc.history)
}

func TestTimesOutWhenDeadlinePasses(t *testing.T) {
	var now int64 = 1000
	clock := func() int64 { return now }
	target := newFakeTarget(clock)
	proc := &fakeProcessing{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewSessionQueue(ctx, "alice", target, proc, nil, clock)

	result := make(chan error, 1)
	// Deadline already in the past relative to nowMS.
	require.NoError(t, q.Enqueue(Job{Line: "hi\n", DeadlineMS: 999, Result: result}))

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inject timeout")
	}
	require.Empty(t, target.written)
}

func TestEnqueueReturnsErrQueueFullWhenSaturated(t *testing.T) {
	clock := func() int64 { return 1000 }
	target := newFakeTarget(clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewSessionQueue(ctx, "alice", target, nil, nil, clock)

	// Park the worker on a job it cannot finish (the target never turns
	// quiescent and the deadline is far off) so it stops draining the queue.
	require.NoError(t, q.Enqueue(Job{Line: "blocker", DeadlineMS: 3_600_000}))
	require.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.subs) == 1
	}, time.Second, time.Millisecond)

	for i := 0; i < queueSize; i++ {
		require.NoError(t, q.Enqueue(Job{Line: "x", DeadlineMS: 999}))
	}
	err := q.Enqueue(Job{Line: "overflow", DeadlineMS: 999})
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestManagerEnqueueUnknownSession(t *testing.T) {
	m := NewManager(nil, func() int64 { return 0 })
	err := m.Enqueue("ghost", Job{})
	require.Error(t, err)
}

func TestManagerAddRemove(t *testing.T) {
	clock := func() int64 { return 1000 }
	target := newFakeTarget(clock)
	target.setQuiescent(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewManager(nil, clock)
	m.Add(ctx, "alice", target, nil)
	require.True(t, m.Has("alice"))

	result := make(chan error, 1)
	require.NoError(t, m.Enqueue("alice", Job{Line: "hi\n", DeadlineMS: 5000, Result: result}))
	require.NoError(t, <-result)

	m.Remove("alice")
	require.False(t, m.Has("alice"))
}
