// Package presence replicates local connection membership into a cluster-wide
// index and carries per-user deliveries across nodes over a broadcast bus.
//
// The view it gives is eventually consistent: a node that dies without
// cleaning up keeps reading as holding connections until its liveness key
// expires, and every read is bounded by a timeout that resolves to offline.
package presence

import (
	"context"
	"time"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// Index is the replicated membership index shared by all nodes.
type Index interface {
	// Add records one more channel for userID on nodeID.
	Add(ctx context.Context, userID, nodeID string) error
	// Remove records one channel fewer for userID on nodeID.
	Remove(ctx context.Context, userID, nodeID string) error
	// Online reports whether any live node holds a channel for userID.
	Online(ctx context.Context, userID string) (bool, error)
	// Heartbeat marks nodeID alive for ttl. lapsed reports that the node was
	// not alive just before, so readers may already have swept its entries.
	Heartbeat(ctx context.Context, nodeID string, ttl time.Duration) (lapsed bool, err error)
	// ResetNode drops every entry recorded by nodeID.
	ResetNode(ctx context.Context, nodeID string) error
}

// Envelope is one delivery carried on the bus.
type Envelope struct {
	Origin string      `json:"origin"`
	UserID string      `json:"userId"`
	Frame  relay.Frame `json:"frame"`
}

// Bus is the broadcast channel between nodes.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers every envelope on the bus to handler until the
	// returned cancel function is called.
	Subscribe(ctx context.Context, handler func(Envelope)) (func() error, error)
}
