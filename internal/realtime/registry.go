// Package realtime provides components for managing real-time client connections.
package realtime

import (
	"sync"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// MembershipChange describes one channel joining or leaving a user's local
// membership set. Remaining is the number of channels the user still holds on
// this node after the change.
type MembershipChange struct {
	UserID    string
	ChannelID string
	Joined    bool
	Remaining int
}

// MembershipListener is notified after every registry change.
type MembershipListener interface {
	OnMembershipChange(change MembershipChange)
}

// Registry is this node's table of live channels keyed by user id.
type Registry struct {
	mu        sync.RWMutex
	byUser    map[string]map[string]relay.Channel
	byChannel map[string]string
	listeners []MembershipListener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser:    make(map[string]map[string]relay.Channel),
		byChannel: make(map[string]string),
	}
}

// AddListener subscribes l to membership changes. Listeners run synchronously
// on the goroutine that changed the registry, outside the registry lock.
func (r *Registry) AddListener(l MembershipListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// AddListenerWithSnapshot replays every current channel to l as a join and
// subscribes l, both under the registry lock, so each channel is seen exactly
// once. The replay must not call back into the registry.
func (r *Registry) AddListenerWithSnapshot(l MembershipListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, members := range r.byUser {
		n := 0
		for channelID := range members {
			n++
			l.OnMembershipChange(MembershipChange{UserID: userID, ChannelID: channelID, Joined: true, Remaining: n})
		}
	}
	r.listeners = append(r.listeners, l)
}

// Register binds ch to userID. Registering an already-bound channel is a no-op
// and reports false.
func (r *Registry) Register(userID string, ch relay.Channel) bool {
	r.mu.Lock()
	if _, ok := r.byChannel[ch.ID()]; ok {
		r.mu.Unlock()
		return false
	}
	members := r.byUser[userID]
	if members == nil {
		members = make(map[string]relay.Channel)
		r.byUser[userID] = members
	}
	members[ch.ID()] = ch
	r.byChannel[ch.ID()] = userID
	change := MembershipChange{UserID: userID, ChannelID: ch.ID(), Joined: true, Remaining: len(members)}
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, change)
	return true
}

// Unregister removes ch from whichever user it was bound to. Untracked
// channels are ignored, so a double disconnect is harmless.
func (r *Registry) Unregister(ch relay.Channel) bool {
	r.mu.Lock()
	userID, ok := r.byChannel[ch.ID()]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byChannel, ch.ID())
	members := r.byUser[userID]
	delete(members, ch.ID())
	remaining := len(members)
	if remaining == 0 {
		delete(r.byUser, userID)
	}
	change := MembershipChange{UserID: userID, ChannelID: ch.ID(), Joined: false, Remaining: remaining}
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, change)
	return true
}

// Members returns the channels userID holds on this node.
func (r *Registry) Members(userID string) []relay.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.byUser[userID]
	if len(members) == 0 {
		return nil
	}
	out := make([]relay.Channel, 0, len(members))
	for _, ch := range members {
		out = append(out, ch)
	}
	return out
}

// Users returns every user id with at least one local channel.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	return out
}

// ChannelCount is the number of live channels on this node.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel)
}

func notify(listeners []MembershipListener, change MembershipChange) {
	for _, l := range listeners {
		l.OnMembershipChange(change)
	}
}
