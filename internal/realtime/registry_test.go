package realtime_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-trigger-relay/internal/realtime"
	"github.com/tinywideclouds/go-trigger-relay/internal/test/fakes"
)

type recordingListener struct {
	mu      sync.Mutex
	changes []realtime.MembershipChange
}

func (l *recordingListener) OnMembershipChange(change realtime.MembershipChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *recordingListener) all() []realtime.MembershipChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]realtime.MembershipChange(nil), l.changes...)
}

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	reg := realtime.NewRegistry()
	listener := &recordingListener{}
	reg.AddListener(listener)

	phone := fakes.NewChannel("alice")
	laptop := fakes.NewChannel("alice")

	require.True(t, reg.Register("alice", phone))
	require.True(t, reg.Register("alice", laptop))
	assert.Len(t, reg.Members("alice"), 2)
	assert.Equal(t, 2, reg.ChannelCount())
	assert.Equal(t, []string{"alice"}, reg.Users())

	require.True(t, reg.Unregister(phone))
	assert.Len(t, reg.Members("alice"), 1)

	require.True(t, reg.Unregister(laptop))
	assert.Empty(t, reg.Members("alice"))
	assert.Empty(t, reg.Users())
	assert.Zero(t, reg.ChannelCount())

	changes := listener.all()
	require.Len(t, changes, 4)
	assert.True(t, changes[0].Joined)
	assert.Equal(t, 1, changes[0].Remaining)
	assert.Equal(t, 2, changes[1].Remaining)
	assert.False(t, changes[2].Joined)
	assert.Equal(t, 1, changes[2].Remaining)
	assert.Equal(t, 0, changes[3].Remaining)
	assert.Equal(t, laptop.ID(), changes[3].ChannelID)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	reg := realtime.NewRegistry()
	listener := &recordingListener{}
	reg.AddListener(listener)
	ch := fakes.NewChannel("bob")

	assert.True(t, reg.Register("bob", ch))
	assert.False(t, reg.Register("bob", ch))

	assert.Len(t, reg.Members("bob"), 1)
	assert.Len(t, listener.all(), 1)
}

func TestRegistry_UnregisterUnknownIsNoop(t *testing.T) {
	reg := realtime.NewRegistry()
	listener := &recordingListener{}
	reg.AddListener(listener)
	ch := fakes.NewChannel("carol")

	assert.False(t, reg.Unregister(ch))

	reg.Register("carol", ch)
	assert.True(t, reg.Unregister(ch))
	assert.False(t, reg.Unregister(ch))
	assert.Len(t, listener.all(), 2)
}

func TestRegistry_ConcurrentMembership(t *testing.T) {
	reg := realtime.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := fakes.NewChannel("dave")
			reg.Register("dave", ch)
			_ = reg.Members("dave")
			reg.Unregister(ch)
		}()
	}
	wg.Wait()

	assert.Empty(t, reg.Members("dave"))
	assert.Zero(t, reg.ChannelCount())
}

func TestRegistry_AddListenerWithSnapshot(t *testing.T) {
	t.Run("Success - existing channels are replayed once", func(t *testing.T) {
		reg := realtime.NewRegistry()
		require.True(t, reg.Register("alice", fakes.NewChannel("alice")))
		require.True(t, reg.Register("alice", fakes.NewChannel("alice")))
		require.True(t, reg.Register("bob", fakes.NewChannel("bob")))

		listener := &recordingListener{}
		reg.AddListenerWithSnapshot(listener)
		require.True(t, reg.Register("carol", fakes.NewChannel("carol")))

		joins := map[string]int{}
		for _, c := range listener.all() {
			require.True(t, c.Joined)
			joins[c.UserID]++
		}
		assert.Equal(t, map[string]int{"alice": 2, "bob": 1, "carol": 1}, joins)
	})

	t.Run("Success - attaching during churn keeps counts exact", func(t *testing.T) {
		reg := realtime.NewRegistry()
		listener := &recordingListener{}
		users := []string{"u0", "u1", "u2", "u3"}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 40; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				userID := users[i%len(users)]
				ch := fakes.NewChannel(userID)
				reg.Register(userID, ch)
				if i%3 == 0 {
					reg.Unregister(ch)
				}
			}()
		}
		close(start)
		reg.AddListenerWithSnapshot(listener)
		wg.Wait()

		net := map[string]int{}
		for _, c := range listener.all() {
			if c.Joined {
				net[c.UserID]++
			} else {
				net[c.UserID]--
			}
		}
		for _, userID := range users {
			assert.Equal(t, len(reg.Members(userID)), net[userID], "user %s", userID)
		}
	})
}
