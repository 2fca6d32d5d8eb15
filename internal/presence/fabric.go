package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-trigger-relay/internal/realtime"
	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// Config tunes a Fabric.
type Config struct {
	NodeID string
	// QueryTimeout bounds a single IsOnline index read.
	QueryTimeout time.Duration
	// HeartbeatInterval is how often the node refreshes its liveness key.
	HeartbeatInterval time.Duration
	// NodeTTL is how long a node counts as alive without a heartbeat.
	NodeTTL time.Duration
	// WriteTimeout bounds index writes and bus deliveries to local channels.
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.NodeTTL <= 0 {
		c.NodeTTL = 3 * c.HeartbeatInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Fabric implements relay.PresenceFabric on top of a local Registry, a shared
// Index and a Bus.
type Fabric struct {
	cfg      Config
	registry *realtime.Registry
	index    Index
	bus      Bus
	reporter relay.ErrorReporter
	logger   zerolog.Logger

	mu          sync.Mutex
	unsubscribe func() error
	stop        chan struct{}
	wg          sync.WaitGroup

	// indexMu orders this node's index writes. counts mirrors what the node
	// has written so the entries can be rewritten after a liveness lapse.
	indexMu sync.Mutex
	counts  map[string]int
	writing bool
}

// NewFabric wires a fabric to this node's registry. Call Start before use.
func NewFabric(
	cfg Config,
	registry *realtime.Registry,
	index Index,
	bus Bus,
	reporter relay.ErrorReporter,
	logger zerolog.Logger,
) (*Fabric, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id cannot be empty")
	}
	if registry == nil || index == nil || bus == nil {
		return nil, errors.New("registry, index and bus are required")
	}
	if reporter == nil {
		reporter = relay.ErrorReporterFunc(func(context.Context, *relay.DeliveryError) {})
	}
	cfg.applyDefaults()
	return &Fabric{
		cfg:      cfg,
		registry: registry,
		index:    index,
		bus:      bus,
		reporter: reporter,
		logger:   logger.With().Str("component", "PresenceFabric").Str("node", cfg.NodeID).Logger(),
		counts:   make(map[string]int),
	}, nil
}

// NodeID returns the id this fabric advertises.
func (f *Fabric) NodeID() string { return f.cfg.NodeID }

// Start clears entries a previous incarnation of this node may have left,
// marks the node alive, subscribes to the bus and begins mirroring registry
// changes into the index.
func (f *Fabric) Start(ctx context.Context) error {
	if err := f.index.ResetNode(ctx, f.cfg.NodeID); err != nil {
		return fmt.Errorf("failed to reset stale presence for node: %w", err)
	}
	if _, err := f.index.Heartbeat(ctx, f.cfg.NodeID, f.cfg.NodeTTL); err != nil {
		return fmt.Errorf("failed to publish node heartbeat: %w", err)
	}

	unsubscribe, err := f.bus.Subscribe(ctx, f.onEnvelope)
	if err != nil {
		return fmt.Errorf("failed to subscribe to delivery bus: %w", err)
	}

	f.indexMu.Lock()
	f.writing = true
	f.indexMu.Unlock()

	// Channels registered before Start still need to be counted.
	f.registry.AddListenerWithSnapshot(f)

	f.mu.Lock()
	f.unsubscribe = unsubscribe
	f.stop = make(chan struct{})
	f.mu.Unlock()

	f.wg.Add(1)
	go f.heartbeatLoop()

	f.logger.Info().Dur("node_ttl", f.cfg.NodeTTL).Msg("Presence fabric started.")
	return nil
}

// Stop halts the heartbeat, leaves the bus and withdraws this node's entries
// so other nodes stop seeing its users immediately.
func (f *Fabric) Stop(ctx context.Context) error {
	f.mu.Lock()
	stop, unsubscribe := f.stop, f.unsubscribe
	f.stop, f.unsubscribe = nil, nil
	f.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	f.wg.Wait()

	var errs []error
	if err := unsubscribe(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unsubscribe from delivery bus: %w", err))
	}
	f.indexMu.Lock()
	f.writing = false
	if err := f.index.ResetNode(ctx, f.cfg.NodeID); err != nil {
		errs = append(errs, fmt.Errorf("failed to withdraw node presence: %w", err))
	}
	f.indexMu.Unlock()
	f.logger.Info().Msg("Presence fabric stopped.")
	return errors.Join(errs...)
}

func (f *Fabric) heartbeatLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()

	f.mu.Lock()
	stop := f.stop
	f.mu.Unlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.beat()
		}
	}
}

// beat refreshes the node's liveness. If the key had already expired, readers
// may have swept this node's entries, so they are written again.
func (f *Fabric) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.WriteTimeout)
	defer cancel()
	lapsed, err := f.index.Heartbeat(ctx, f.cfg.NodeID, f.cfg.NodeTTL)
	if err != nil {
		f.logger.Warn().Err(err).Msg("Node heartbeat failed.")
		return
	}
	if lapsed {
		f.logger.Warn().Msg("Node liveness lapsed. Rewriting presence entries.")
		f.resync(ctx)
	}
}

func (f *Fabric) resync(ctx context.Context) {
	f.indexMu.Lock()
	defer f.indexMu.Unlock()
	if !f.writing {
		return
	}
	if err := f.index.ResetNode(ctx, f.cfg.NodeID); err != nil {
		f.logger.Error().Err(err).Msg("Failed to clear presence before rewrite.")
		return
	}
	if _, err := f.index.Heartbeat(ctx, f.cfg.NodeID, f.cfg.NodeTTL); err != nil {
		f.logger.Error().Err(err).Msg("Failed to refresh liveness during rewrite.")
		return
	}
	for userID, n := range f.counts {
		for i := 0; i < n; i++ {
			if err := f.index.Add(ctx, userID, f.cfg.NodeID); err != nil {
				f.logger.Error().Err(err).Str("user", userID).Msg("Failed to rewrite presence entry.")
			}
		}
	}
}

// OnMembershipChange mirrors one registry change into the shared index.
func (f *Fabric) OnMembershipChange(change realtime.MembershipChange) {
	f.indexMu.Lock()
	defer f.indexMu.Unlock()
	if change.Joined {
		f.counts[change.UserID]++
	} else {
		f.counts[change.UserID]--
		if f.counts[change.UserID] <= 0 {
			delete(f.counts, change.UserID)
		}
	}
	if f.writing {
		f.indexWrite(change.UserID, change.Joined)
	}
}

func (f *Fabric) indexWrite(userID string, joined bool) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.WriteTimeout)
	defer cancel()

	var err error
	if joined {
		err = f.index.Add(ctx, userID, f.cfg.NodeID)
	} else {
		err = f.index.Remove(ctx, userID, f.cfg.NodeID)
	}
	if err != nil {
		f.logger.Error().Err(err).Str("user", userID).Bool("joined", joined).Msg("Failed to update presence index.")
	}
}

type onlineResult struct {
	online bool
	err    error
}

// IsOnline answers from the local registry when it can, otherwise from the
// index under QueryTimeout. Any failure reads as offline so the caller falls
// back to push instead of dropping the delivery.
func (f *Fabric) IsOnline(ctx context.Context, userID string) bool {
	if len(f.registry.Members(userID)) > 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.QueryTimeout)
	defer cancel()

	// The index read runs on its own goroutine so a client that ignores
	// cancellation still cannot hold the caller past the timeout.
	result := make(chan onlineResult, 1)
	go func() {
		online, err := f.index.Online(ctx, userID)
		result <- onlineResult{online: online, err: err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			f.reporter.Report(ctx, &relay.DeliveryError{Kind: relay.PresenceQueryFailure, UserID: userID, Err: r.err})
			return false
		}
		return r.online
	case <-ctx.Done():
		f.reporter.Report(context.WithoutCancel(ctx), &relay.DeliveryError{
			Kind:   relay.PresenceQueryFailure,
			UserID: userID,
			Err:    fmt.Errorf("presence query timed out: %w", ctx.Err()),
		})
		return false
	}
}

// Publish delivers frame to the user's local channels and forwards it on the
// bus for every other node.
func (f *Fabric) Publish(ctx context.Context, userID string, frame relay.Frame) error {
	var errs []error
	if err := f.deliverLocal(ctx, userID, frame); err != nil {
		errs = append(errs, err)
	}
	env := Envelope{Origin: f.cfg.NodeID, UserID: userID, Frame: frame}
	if err := f.bus.Publish(ctx, env); err != nil {
		errs = append(errs, fmt.Errorf("failed to publish to delivery bus: %w", err))
	}
	return errors.Join(errs...)
}

func (f *Fabric) onEnvelope(env Envelope) {
	if env.Origin == f.cfg.NodeID {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.WriteTimeout)
	defer cancel()
	if err := f.deliverLocal(ctx, env.UserID, env.Frame); err != nil {
		f.reporter.Report(ctx, &relay.DeliveryError{Kind: relay.PublishFailure, UserID: env.UserID, Err: err})
	}
}

func (f *Fabric) deliverLocal(ctx context.Context, userID string, frame relay.Frame) error {
	var errs []error
	for _, ch := range f.registry.Members(userID) {
		if err := ch.Send(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
