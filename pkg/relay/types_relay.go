// Package relay contains the public domain models and collaborator contracts
// for the trigger relay. It defines the wire shapes exchanged with clients
// and the interfaces the dispatcher routes through.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Action is the verb carried by a trigger event.
type Action string

const (
	ActionPing         Action = "ping"
	ActionSend         Action = "send"
	ActionTyping       Action = "typing"
	ActionActivityList Action = "activityList"
)

// Frame event names used on a client channel.
const (
	EventTrigger      = "trigger"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

// UserRef identifies a user on the wire. Only the id and role are interpreted;
// any other profile fields the client sent are kept and re-emitted untouched.
type UserRef struct {
	ID   string
	Role string
	raw  json.RawMessage
}

// NewUserRef builds a bare reference with no extra profile fields.
func NewUserRef(id, role string) UserRef {
	return UserRef{ID: id, Role: role}
}

type userRefWire struct {
	ID   string `json:"_id"`
	Role string `json:"role,omitempty"`
}

// UnmarshalJSON accepts either a profile object or a plain id string.
func (u *UserRef) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var id string
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return err
		}
		*u = UserRef{ID: id}
		return nil
	}

	var head userRefWire
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return fmt.Errorf("invalid user reference: %w", err)
	}
	u.ID = head.ID
	u.Role = head.Role
	u.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// MarshalJSON re-emits the original profile when one was received.
func (u UserRef) MarshalJSON() ([]byte, error) {
	if len(u.raw) > 0 {
		return u.raw, nil
	}
	return json.Marshal(userRefWire{ID: u.ID, Role: u.Role})
}

// TriggerEvent is one routed action from a client. The wire field keeps the
// misspelled "recievers" clients send; "receivers" is accepted as well.
type TriggerEvent struct {
	Sender    UserRef         `json:"sender"`
	Receivers []UserRef       `json:"recievers"`
	Action    Action          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func (t *TriggerEvent) UnmarshalJSON(b []byte) error {
	type plain TriggerEvent
	var wire struct {
		plain
		Receivers []UserRef `json:"receivers"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	*t = TriggerEvent(wire.plain)
	if len(t.Receivers) == 0 && len(wire.Receivers) > 0 {
		t.Receivers = wire.Receivers
	}
	return nil
}

// OutboundEvent is the trigger payload delivered to recipients. A nil Sender
// is emitted as null (system-originated events such as activityList).
type OutboundEvent struct {
	Sender *UserRef        `json:"sender"`
	Action Action          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Frame is the envelope for every message on a client channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewFrame marshals data into a frame for the named event.
func NewFrame(event string, data any) (Frame, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return Frame{Event: event, Data: payload}, nil
}

// Status is the presence classification reported in an activity list.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ActivityEntry reports one recipient's status in answer to a ping.
type ActivityEntry struct {
	User   UserRef `json:"user"`
	Status Status  `json:"status"`
}

// ConnectionInfo describes one registered channel.
type ConnectionInfo struct {
	NodeID      string `json:"nodeId"`
	ConnectedAt int64  `json:"connectedAt"`
}

// DeviceToken is an opaque push token registered by one of a user's devices.
type DeviceToken string

// DisconnectNotice is sent by a client that is going away so its friends can
// be told it is now offline.
type DisconnectNotice struct {
	PersonalRoomID string      `json:"personalroomid"`
	Friends        []FriendRef `json:"friends"`
}

// FriendRef is a friend's user id. Clients send it as a plain id, as a tuple
// whose first element is the id, or as a profile object.
type FriendRef string

func (f *FriendRef) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuple []json.RawMessage
		if err := json.Unmarshal(trimmed, &tuple); err != nil {
			return err
		}
		if len(tuple) == 0 {
			*f = ""
			return nil
		}
		trimmed = tuple[0]
	}
	var ref UserRef
	if err := ref.UnmarshalJSON(trimmed); err != nil {
		return err
	}
	*f = FriendRef(ref.ID)
	return nil
}

// PresenceChange is the payload announcing a user's new status to a friend.
type PresenceChange struct {
	User   string `json:"user"`
	Status Status `json:"status"`
}
