// Package dispatch routes inbound trigger events to their recipients.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-trigger-relay/internal/telemetry"
	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

const defaultMaxConcurrency = 16

// Config tunes the Dispatcher.
type Config struct {
	// AgentRole is the UserRef role that marks a recipient as the agent.
	AgentRole string
	// MaxConcurrency bounds the per-recipient work in flight for one event.
	MaxConcurrency int
	// DedupeRecipients collapses repeated recipient ids to their first
	// occurrence. When false every occurrence is routed independently.
	DedupeRecipients bool
}

// Dependencies are the collaborators the Dispatcher routes through.
type Dependencies struct {
	Fabric      relay.PresenceFabric
	Agent       relay.AgentBridge
	Notifier    relay.Notifier
	Reporter    relay.ErrorReporter
	Instruments *telemetry.Instruments
}

// Dispatcher is the per-event routing state machine. It implements
// relay.TriggerHandler.
type Dispatcher struct {
	cfg        Config
	classifier relay.Classifier
	deps       Dependencies
	logger     zerolog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, deps Dependencies, logger zerolog.Logger) (*Dispatcher, error) {
	if deps.Fabric == nil || deps.Agent == nil || deps.Notifier == nil {
		return nil, errors.New("fabric, agent bridge and notifier are required")
	}
	if deps.Reporter == nil {
		deps.Reporter = relay.ErrorReporterFunc(func(context.Context, *relay.DeliveryError) {})
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return &Dispatcher{
		cfg:        cfg,
		classifier: relay.Classifier{AgentRole: cfg.AgentRole},
		deps:       deps,
		logger:     logger.With().Str("component", "Dispatcher").Logger(),
	}, nil
}

type path int

const (
	pathNone path = iota
	pathDirect
	pathAgent
	pathFallback
)

type outcome struct {
	status relay.Status
	path   path
}

// HandleTrigger routes one trigger event. Every recipient of a non-ping event
// goes through exactly one of direct fan-out, the agent bridge, or the push
// fallback; a ping is answered with an activity list in recipient order.
func (d *Dispatcher) HandleTrigger(ctx context.Context, origin relay.Channel, trigger relay.TriggerEvent) {
	start := time.Now()
	log := d.logger.With().
		Str("sender", trigger.Sender.ID).
		Str("action", string(trigger.Action)).
		Int("recipients", len(trigger.Receivers)).
		Logger()
	log.Debug().Msg("Dispatching trigger")

	recipients := trigger.Receivers
	if d.cfg.DedupeRecipients {
		recipients = dedupe(recipients)
	}

	outcomes, err := d.route(ctx, origin, trigger, recipients)
	if err != nil {
		log.Error().Err(err).Msg("Failed to prepare trigger for fan-out")
		return
	}

	// An agent call can run up to the event deadline. The fallback and the
	// activity reply keep their own budgets: notify.Service and the channel
	// write timeout.
	tail := context.WithoutCancel(ctx)

	activity := make([]relay.ActivityEntry, len(recipients))
	var offline []string
	for i, o := range outcomes {
		activity[i] = relay.ActivityEntry{User: recipients[i], Status: o.status}
		d.deps.Instruments.RecipientClassified(ctx, o.status)
		if o.path == pathFallback {
			offline = append(offline, recipients[i].ID)
		}
	}

	if len(offline) > 0 {
		log.Info().Int("offline", len(offline)).Msg("Recipients offline. Sending push fallback.")
		d.deps.Instruments.FallbackBatch(ctx)
		if err := d.deps.Notifier.Notify(tail, offline, trigger); err != nil {
			log.Warn().Err(err).Msg("Push fallback failed")
		}
	}

	if trigger.Action == relay.ActionPing {
		d.replyActivity(tail, origin, activity, log)
	}

	d.deps.Instruments.TriggerHandled(ctx, trigger.Action, time.Since(start))
}

// route classifies every recipient concurrently, bounded by MaxConcurrency,
// and returns the outcomes in recipient order.
func (d *Dispatcher) route(ctx context.Context, origin relay.Channel, trigger relay.TriggerEvent, recipients []relay.UserRef) ([]outcome, error) {
	sender := trigger.Sender
	frame, err := relay.NewFrame(relay.EventTrigger, relay.OutboundEvent{
		Sender: &sender,
		Action: trigger.Action,
		Data:   trigger.Data,
	})
	if err != nil {
		return nil, err
	}

	outcomes := make([]outcome, len(recipients))
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for i, ref := range recipients {
		g.Go(func() error {
			outcomes[i] = d.routeOne(ctx, origin, trigger, ref, frame)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (d *Dispatcher) routeOne(ctx context.Context, origin relay.Channel, trigger relay.TriggerEvent, ref relay.UserRef, frame relay.Frame) outcome {
	recipient := d.classifier.Classify(ref)
	switch recipient.Kind {
	case relay.KindAgent:
		if trigger.Action != relay.ActionSend {
			return outcome{status: relay.StatusOnline, path: pathNone}
		}
		d.deps.Agent.Converse(ctx, origin, ref, trigger)
		return outcome{status: relay.StatusOnline, path: pathAgent}

	case relay.KindHuman:
		if !d.deps.Fabric.IsOnline(ctx, ref.ID) {
			if trigger.Action == relay.ActionSend {
				return outcome{status: relay.StatusOffline, path: pathFallback}
			}
			return outcome{status: relay.StatusOffline, path: pathNone}
		}
		if trigger.Action == relay.ActionPing {
			return outcome{status: relay.StatusOnline, path: pathNone}
		}
		if err := d.deps.Fabric.Publish(ctx, ref.ID, frame); err != nil {
			d.deps.Reporter.Report(ctx, &relay.DeliveryError{Kind: relay.PublishFailure, UserID: ref.ID, Err: err})
		}
		return outcome{status: relay.StatusOnline, path: pathDirect}

	default:
		d.logger.Error().Str("kind", recipient.Kind.String()).Str("user", ref.ID).Msg("Unroutable recipient kind")
		return outcome{status: relay.StatusOffline, path: pathNone}
	}
}

func (d *Dispatcher) replyActivity(ctx context.Context, origin relay.Channel, activity []relay.ActivityEntry, log zerolog.Logger) {
	data, err := json.Marshal(activity)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal activity list")
		return
	}
	frame, err := relay.NewFrame(relay.EventTrigger, relay.OutboundEvent{
		Action: relay.ActionActivityList,
		Data:   data,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to build activity list")
		return
	}
	if err := origin.Send(ctx, frame); err != nil {
		log.Warn().Err(err).Msg("Failed to deliver activity list to sender")
	}
}

// HandleDisconnected tells each listed friend that the sender went offline.
func (d *Dispatcher) HandleDisconnected(ctx context.Context, _ relay.Channel, notice relay.DisconnectNotice) {
	frame, err := relay.NewFrame(relay.EventDisconnected, relay.PresenceChange{
		User:   notice.PersonalRoomID,
		Status: relay.StatusOffline,
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to build disconnected notice")
		return
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.MaxConcurrency)
	for _, friend := range notice.Friends {
		if friend == "" {
			continue
		}
		friendID := string(friend)
		g.Go(func() error {
			if err := d.deps.Fabric.Publish(ctx, friendID, frame); err != nil {
				d.deps.Reporter.Report(ctx, &relay.DeliveryError{Kind: relay.PublishFailure, UserID: friendID, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()
	d.logger.Debug().Str("user", notice.PersonalRoomID).Int("friends", len(notice.Friends)).Msg("Announced disconnect")
}

func dedupe(refs []relay.UserRef) []relay.UserRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]relay.UserRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref.ID]; ok {
			continue
		}
		seen[ref.ID] = struct{}{}
		out = append(out, ref)
	}
	return out
}
