package relay_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

func TestUserRef_PreservesProfileFields(t *testing.T) {
	raw := `{"_id":"u1","role":"member","name":"Ada","avatar":"a.png"}`

	var ref relay.UserRef
	require.NoError(t, json.Unmarshal([]byte(raw), &ref))
	assert.Equal(t, "u1", ref.ID)
	assert.Equal(t, "member", ref.Role)

	out, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestUserRef_AcceptsPlainID(t *testing.T) {
	var ref relay.UserRef
	require.NoError(t, json.Unmarshal([]byte(`"u2"`), &ref))
	assert.Equal(t, "u2", ref.ID)
	assert.Empty(t, ref.Role)

	out, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"u2"}`, string(out))
}

func TestUserRef_RejectsGarbage(t *testing.T) {
	var ref relay.UserRef
	assert.Error(t, json.Unmarshal([]byte(`42`), &ref))
}

func TestTriggerEvent_Unmarshal(t *testing.T) {
	t.Run("misspelled receivers field", func(t *testing.T) {
		raw := `{"sender":{"_id":"a"},"recievers":[{"_id":"b"},{"_id":"bot","role":"agent"}],"action":"send","data":{"content":"hi"}}`

		var ev relay.TriggerEvent
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))

		assert.Equal(t, "a", ev.Sender.ID)
		require.Len(t, ev.Receivers, 2)
		assert.Equal(t, "b", ev.Receivers[0].ID)
		assert.Equal(t, "agent", ev.Receivers[1].Role)
		assert.Equal(t, relay.ActionSend, ev.Action)
		assert.JSONEq(t, `{"content":"hi"}`, string(ev.Data))
	})

	t.Run("corrected receiver spelling", func(t *testing.T) {
		raw := `{"sender":"a","receivers":["b","c"],"action":"ping"}`

		var ev relay.TriggerEvent
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))

		require.Len(t, ev.Receivers, 2)
		assert.Equal(t, "c", ev.Receivers[1].ID)
		assert.Empty(t, ev.Data)
	})

	t.Run("empty receivers", func(t *testing.T) {
		var ev relay.TriggerEvent
		require.NoError(t, json.Unmarshal([]byte(`{"sender":"a","recievers":[],"action":"typing"}`), &ev))
		assert.Empty(t, ev.Receivers)
	})
}

func TestOutboundEvent_NilSenderIsNull(t *testing.T) {
	frame, err := relay.NewFrame(relay.EventTrigger, relay.OutboundEvent{
		Action: relay.ActionActivityList,
		Data:   json.RawMessage(`[]`),
	})
	require.NoError(t, err)

	assert.Equal(t, relay.EventTrigger, frame.Event)
	assert.JSONEq(t, `{"sender":null,"action":"activityList","data":[]}`, string(frame.Data))
}

func TestDisconnectNotice_FriendShapes(t *testing.T) {
	raw := `{"personalroomid":"me","friends":["f1",["f2",{"nick":"x"}],{"_id":"f3","name":"Bo"},[]]}`

	var notice relay.DisconnectNotice
	require.NoError(t, json.Unmarshal([]byte(raw), &notice))

	assert.Equal(t, "me", notice.PersonalRoomID)
	assert.Equal(t, []relay.FriendRef{"f1", "f2", "f3", ""}, notice.Friends)
}

func TestClassifier(t *testing.T) {
	c := relay.Classifier{AgentRole: "agent"}

	assert.Equal(t, relay.KindAgent, c.Classify(relay.NewUserRef("bot", "agent")).Kind)
	assert.Equal(t, relay.KindHuman, c.Classify(relay.NewUserRef("u", "member")).Kind)
	assert.Equal(t, relay.KindHuman, c.Classify(relay.NewUserRef("u", "")).Kind)

	none := relay.Classifier{}
	assert.Equal(t, relay.KindHuman, none.Classify(relay.NewUserRef("bot", "")).Kind)
	assert.Equal(t, "agent", relay.KindAgent.String())
}

func TestDeliveryError(t *testing.T) {
	cause := assert.AnError
	err := &relay.DeliveryError{Kind: relay.PublishFailure, UserID: "u1", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "publish failure for u1")

	batch := &relay.DeliveryError{Kind: relay.PushGatewayFailure, Err: cause}
	assert.Contains(t, batch.Error(), "push_gateway failure:")
}
