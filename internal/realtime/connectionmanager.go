package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// Options tunes a ConnectionManager.
type Options struct {
	// AllowedOrigins lists accepted Origin headers; "*" or an empty list accepts any.
	AllowedOrigins []string
	// EventTimeout bounds the processing of one inbound event.
	EventTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
}

// ConnectionManager upgrades client connections, binds them to the registry
// and feeds their inbound frames to a relay.TriggerHandler.
type ConnectionManager struct {
	upgrader     websocket.Upgrader
	registry     *Registry
	handler      relay.TriggerHandler
	connections  sync.Map // channel id -> *wsChannel
	tasksMu      sync.Mutex
	tasks        sync.WaitGroup
	closing      bool // set by Shutdown; no task is added once true
	eventTimeout time.Duration
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewConnectionManager creates a connection manager bound to registry.
func NewConnectionManager(
	registry *Registry,
	handler relay.TriggerHandler,
	opts Options,
	logger zerolog.Logger,
) *ConnectionManager {
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 30 * time.Second
	}
	cm := &ConnectionManager{
		registry:     registry,
		handler:      handler,
		eventTimeout: opts.EventTimeout,
		writeTimeout: opts.WriteTimeout,
		logger:       logger.With().Str("component", "ConnectionManager").Logger(),
	}
	cm.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return cm
}

// ServeHTTP upgrades the request and runs the channel until it disconnects.
// The user is identified by the userId query parameter.
func (cm *ConnectionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId query parameter", http.StatusBadRequest)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	ch := newWSChannel(userID, conn, cm.writeTimeout)
	log := cm.logger.With().Str("user", userID).Str("channel", ch.ID()).Logger()

	cm.connections.Store(ch.ID(), ch)
	cm.registry.Register(userID, ch)
	log.Info().Msg("User connected via WebSocket.")

	defer func() {
		ch.markClosed()
		cm.registry.Unregister(ch)
		cm.connections.Delete(ch.ID())
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("error closing connection")
		}
		log.Info().Msg("User disconnected.")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		cm.handleFrame(ch, data, log)
	}
}

func (cm *ConnectionManager) handleFrame(ch *wsChannel, data []byte, log zerolog.Logger) {
	var frame relay.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().Err(err).Msg("Malformed frame from client.")
		cm.replyError(ch, "malformed frame")
		return
	}

	switch frame.Event {
	case relay.EventTrigger:
		var trigger relay.TriggerEvent
		if err := json.Unmarshal(frame.Data, &trigger); err != nil {
			log.Warn().Err(err).Msg("Malformed trigger event.")
			cm.replyError(ch, "malformed trigger event")
			return
		}
		if trigger.Sender.ID == "" {
			trigger.Sender.ID = ch.UserID()
		}
		cm.spawn(func(ctx context.Context) {
			cm.handler.HandleTrigger(ctx, ch, trigger)
		})

	case relay.EventDisconnected:
		var notice relay.DisconnectNotice
		if err := json.Unmarshal(frame.Data, &notice); err != nil {
			log.Warn().Err(err).Msg("Malformed disconnected notice.")
			cm.replyError(ch, "malformed disconnected notice")
			return
		}
		if notice.PersonalRoomID == "" {
			notice.PersonalRoomID = ch.UserID()
		}
		cm.spawn(func(ctx context.Context) {
			cm.handler.HandleDisconnected(ctx, ch, notice)
		})

	default:
		log.Debug().Str("event", frame.Event).Msg("Ignoring unknown event.")
		cm.replyError(ch, "unknown event "+frame.Event)
	}
}

// spawn runs one inbound event as its own task. The task context is not tied
// to the originating connection: fan-out to other recipients must finish even
// if the sender goes away.
func (cm *ConnectionManager) spawn(task func(ctx context.Context)) bool {
	cm.tasksMu.Lock()
	defer cm.tasksMu.Unlock()
	if cm.closing {
		cm.logger.Debug().Msg("Dropping event received during shutdown.")
		return false
	}
	cm.tasks.Add(1)
	go func() {
		defer cm.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cm.eventTimeout)
		defer cancel()
		task(ctx)
	}()
	return true
}

func (cm *ConnectionManager) replyError(ch *wsChannel, message string) {
	frame, err := relay.NewFrame(relay.EventError, map[string]string{"message": message})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cm.eventTimeout)
	defer cancel()
	if err := ch.Send(ctx, frame); err != nil {
		cm.logger.Debug().Err(err).Str("channel", ch.ID()).Msg("Failed to send error frame.")
	}
}

// Shutdown closes every live connection with a normal close message and waits
// for in-flight events to finish or ctx to expire.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.tasksMu.Lock()
	cm.closing = true
	cm.tasksMu.Unlock()

	cm.logger.Info().Msg("Closing client connections...")
	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	cm.connections.Range(func(_, value any) bool {
		ch := value.(*wsChannel)
		ch.writeMu.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		ch.writeMu.Unlock()
		_ = ch.conn.Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		cm.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		cm.logger.Info().Msg("In-flight events drained.")
		return nil
	case <-ctx.Done():
		cm.logger.Warn().Msg("Timed out waiting for in-flight events.")
		return ctx.Err()
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
