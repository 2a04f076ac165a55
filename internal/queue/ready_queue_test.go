package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOwner struct {
	depth       int
	outstanding int
	alive       bool
}

func (o *fakeOwner) ReentrantDepth() int { return o.depth }
func (o *fakeOwner) IncOutstanding()     { o.outstanding++ }

func (o *fakeOwner) resolver() Resolver {
	return func() (TaskOwner, bool) {
		if !o.alive {
			return nil, false
		}
		return o, true
	}
}

func TestReadyQueueOrdersByReentrantDepthDescending(t *testing.T) {
	shallow := &fakeOwner{depth: 0, alive: true}
	deep := &fakeOwner{depth: 3, alive: true}

	q := New()
	tShallow := NewNodeTask(nil, shallow, shallow.resolver())
	tDeep := NewNodeTask(nil, deep, deep.resolver())

	q.Push(tShallow, true)
	q.Push(tDeep, true)

	require.Equal(t, 1, shallow.outstanding)
	require.Equal(t, 1, deep.outstanding)

	first := q.Pop()
	second := q.Pop()
	assert.Same(t, tDeep, first, "deeper reentrant task must pop first")
	assert.Same(t, tShallow, second)
}

func TestReadyQueueExpiredOwnerSortsFirst(t *testing.T) {
	dead := &fakeOwner{depth: 0, alive: false}
	live := &fakeOwner{depth: 10, alive: true}

	q := New()
	tLive := NewNodeTask(nil, live, live.resolver())
	tDead := NewNodeTask(nil, dead, dead.resolver())
	dead.alive = false

	q.Push(tLive, true)
	q.Push(tDead, false)

	first := q.Pop()
	assert.Same(t, tDead, first, "expired GraphTask task must sort to the front")
}

func TestReadyQueueShutdownOutranksEverything(t *testing.T) {
	owner := &fakeOwner{depth: 99, alive: true}
	q := New()
	q.Push(NewNodeTask(nil, owner, owner.resolver()), true)
	q.PushShutdown()

	first := q.Pop()
	assert.True(t, first.IsShutdown())
}

func TestReadyQueuePopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan *NodeTask, 1)
	go func() { done <- q.Pop() }()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(20 * time.Millisecond):
	}

	owner := &fakeOwner{depth: 0, alive: true}
	q.Push(NewNodeTask(nil, owner, owner.resolver()), true)

	select {
	case task := <-done:
		assert.NotNil(t, task)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}
