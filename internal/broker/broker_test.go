package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMembers struct {
	groups map[string][]string
	all    []string
}

func (f *fakeMembers) MembersOf(group string) []string { return f.groups[group] }
func (f *fakeMembers) Connections() []string          { return f.all }

type fakeTransport struct {
	mu    sync.Mutex
	sent  map[string][]Event
	gone  map[string]bool
	fail  map[string]bool
	delay time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent: make(map[string][]Event),
		gone: make(map[string]bool),
		fail: make(map[string]bool),
	}
}

func (f *fakeTransport) Send(ctx context.Context, connID string, payload []byte) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connID] {
		return ErrGone
	}
	if f.fail[connID] {
		return errors.New("boom")
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	f.sent[connID] = append(f.sent[connID], ev)
	return nil
}

func (f *fakeTransport) events(connID string) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.sent[connID]...)
}

func TestSendToGroupOnlyReachesMembers(t *testing.T) {
	members := &fakeMembers{
		groups: map[string][]string{"lobby": {"c1", "c2"}},
		all:    []string{"c1", "c2", "c3"},
	}
	tr := newFakeTransport()
	b := New(members, tr, time.Second, nil)

	require.NoError(t, b.SendToGroup(context.Background(), "lobby", Event{Target: "newMessage", Arguments: []any{"hi"}}))

	assert.Len(t, tr.events("c1"), 1)
	assert.Len(t, tr.events("c2"), 1)
	assert.Empty(t, tr.events("c3"))
	assert.Equal(t, "newMessage", tr.events("c1")[0].Target)
	assert.Equal(t, []any{"hi"}, tr.events("c1")[0].Arguments)
}

func TestSendToEmptyGroup(t *testing.T) {
	tr := newFakeTransport()
	b := New(&fakeMembers{}, tr, time.Second, nil)
	require.NoError(t, b.SendToGroup(context.Background(), "nobody", Event{Target: "newMessage"}))
	assert.Zero(t, b.Stats().Deliveries)
}

func TestSendToAll(t *testing.T) {
	members := &fakeMembers{all: []string{"c1", "c2", "c3"}}
	tr := newFakeTransport()
	b := New(members, tr, time.Second, nil)

	require.NoError(t, b.SendToAll(context.Background(), Event{Target: "newRoom"}))
	for _, c := range members.all {
		evs := tr.events(c)
		require.Len(t, evs, 1)
		assert.Equal(t, "newRoom", evs[0].Target)
		assert.NotNil(t, evs[0].Arguments)
	}
}

func TestGoneConnectionsAreSuppressed(t *testing.T) {
	members := &fakeMembers{groups: map[string][]string{"lobby": {"c1", "c2", "c3"}}}
	tr := newFakeTransport()
	tr.gone["c2"] = true
	tr.fail["c3"] = true
	b := New(members, tr, time.Second, nil)

	err := b.SendToGroup(context.Background(), "lobby", Event{Target: "newMessage"})
	require.NoError(t, err)
	require.NoError(t, b.SendToConnection(context.Background(), "c2", Event{Target: "newRoom"}))

	assert.Len(t, tr.events("c1"), 1)
	stats := b.Stats()
	assert.EqualValues(t, 1, stats.Deliveries)
	assert.EqualValues(t, 2, stats.Gone)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 2, stats.Events)
}

func TestSendTimeoutIsBounded(t *testing.T) {
	members := &fakeMembers{groups: map[string][]string{"lobby": {"slow", "fast"}}}
	tr := newFakeTransport()
	tr.delay = time.Second
	b := New(members, tr, 20*time.Millisecond, nil)

	start := time.Now()
	require.NoError(t, b.SendToGroup(context.Background(), "lobby", Event{Target: "newMessage"}))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.EqualValues(t, 2, b.Stats().Failed)
}

func TestSendToGroupPreservesCallOrder(t *testing.T) {
	members := &fakeMembers{groups: map[string][]string{"lobby": {"c1", "c2"}}}
	tr := newFakeTransport()
	b := New(members, tr, time.Second, nil)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, b.SendToGroup(context.Background(), "lobby", Event{Target: "newMessage", Arguments: []any{fmt.Sprint(i)}}))
	}

	for _, c := range []string{"c1", "c2"} {
		evs := tr.events(c)
		require.Len(t, evs, n)
		for i, ev := range evs {
			assert.Equal(t, fmt.Sprint(i), ev.Arguments[0])
		}
	}
}

func TestConcurrentGroupSendsAreConsistentAcrossSubscribers(t *testing.T) {
	members := &fakeMembers{groups: map[string][]string{"lobby": {"c1", "c2", "c3"}}}
	tr := newFakeTransport()
	b := New(members, tr, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.SendToGroup(context.Background(), "lobby", Event{Target: "newMessage", Arguments: []any{fmt.Sprint(i)}})
		}()
	}
	wg.Wait()

	first := tr.events("c1")
	require.Len(t, first, 20)
	assert.Equal(t, first, tr.events("c2"))
	assert.Equal(t, first, tr.events("c3"))
}

func TestEncodeFailure(t *testing.T) {
	b := New(&fakeMembers{}, newFakeTransport(), time.Second, nil)
	err := b.SendToAll(context.Background(), Event{Target: "bad", Arguments: []any{make(chan int)}})
	require.Error(t, err)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := NewKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key should block")
	case <-time.After(30 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
	unlockB()

	require.Eventually(t, func() bool { return k.Len() == 0 }, time.Second, 5*time.Millisecond)
}
