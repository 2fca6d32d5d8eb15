package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-trigger-relay/internal/notify"
	"github.com/tinywideclouds/go-trigger-relay/internal/test/fakes"
	"github.com/tinywideclouds/go-trigger-relay/pkg/relay"
)

// --- Mocks ---

type mockTokenResolver struct {
	mock.Mock
}

func (m *mockTokenResolver) ResolveTokens(ctx context.Context, userIDs []string) ([]relay.DeviceToken, error) {
	args := m.Called(ctx, userIDs)
	tokens, _ := args.Get(0).([]relay.DeviceToken)
	return tokens, args.Error(1)
}

type mockPushGateway struct {
	mock.Mock
}

func (m *mockPushGateway) SendPush(ctx context.Context, tokens []relay.DeviceToken, n notify.Notification) error {
	args := m.Called(ctx, tokens, n)
	return args.Error(0)
}

type recordingReporter struct {
	mu     sync.Mutex
	errors []*relay.DeliveryError
}

func (r *recordingReporter) Report(_ context.Context, err *relay.DeliveryError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func sendEvent(data string) relay.TriggerEvent {
	return relay.TriggerEvent{
		Sender: relay.NewUserRef("alice", "member"),
		Action: relay.ActionSend,
		Data:   json.RawMessage(data),
	}
}

// --- Service ---

func TestService_SendsOneBatch(t *testing.T) {
	tokens := fakes.NewTokenStore()
	tokens.Register("bob", "t-bob-1", "t-bob-2")
	tokens.Register("carol", "t-carol")
	push := fakes.NewPushGateway(zerolog.Nop())
	svc, err := notify.NewService(notify.Config{}, tokens, push, nil, zerolog.Nop())
	require.NoError(t, err)

	err = svc.Notify(context.Background(), []string{"bob", "carol", "dave"}, sendEvent(`"see you at 5"`))
	require.NoError(t, err)

	batches := push.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, []relay.DeviceToken{"t-bob-1", "t-bob-2", "t-carol"}, batches[0].Tokens)
	n := batches[0].Notification
	assert.Equal(t, "New message", n.Title)
	assert.Equal(t, "default", n.Sound)
	assert.Equal(t, "see you at 5", n.Body)

	data, err := json.Marshal(n.Data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sender":{"_id":"alice","role":"member"},"action":"send","data":"see you at 5"}`, string(data))
}

func TestService_ObjectPayloadBecomesJSONBody(t *testing.T) {
	tokens := fakes.NewTokenStore()
	tokens.Register("bob", "t1")
	push := fakes.NewPushGateway(zerolog.Nop())
	svc, err := notify.NewService(notify.Config{Title: "Chat", Sound: "ding"}, tokens, push, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.Notify(context.Background(), []string{"bob"}, sendEvent(`{"content":"hi"}`)))

	n := push.Batches()[0].Notification
	assert.Equal(t, "Chat", n.Title)
	assert.Equal(t, "ding", n.Sound)
	assert.JSONEq(t, `{"content":"hi"}`, n.Body)
}

func TestService_NoTokensSkipsGateway(t *testing.T) {
	resolver := new(mockTokenResolver)
	gateway := new(mockPushGateway)
	resolver.On("ResolveTokens", mock.Anything, []string{"bob"}).Return(nil, nil).Once()
	svc, err := notify.NewService(notify.Config{}, resolver, gateway, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.Notify(context.Background(), []string{"bob"}, sendEvent(`"x"`)))

	resolver.AssertExpectations(t)
	gateway.AssertNotCalled(t, "SendPush", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_EmptyUserListIsNoop(t *testing.T) {
	resolver := new(mockTokenResolver)
	gateway := new(mockPushGateway)
	svc, err := notify.NewService(notify.Config{}, resolver, gateway, nil, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, svc.Notify(context.Background(), nil, sendEvent(`"x"`)))
	resolver.AssertNotCalled(t, "ResolveTokens", mock.Anything, mock.Anything)
}

func TestService_TokenResolutionFailure(t *testing.T) {
	resolver := new(mockTokenResolver)
	gateway := new(mockPushGateway)
	reporter := &recordingReporter{}
	resolver.On("ResolveTokens", mock.Anything, []string{"bob"}).Return(nil, errors.New("redis down")).Once()
	svc, err := notify.NewService(notify.Config{}, resolver, gateway, reporter, zerolog.Nop())
	require.NoError(t, err)

	err = svc.Notify(context.Background(), []string{"bob"}, sendEvent(`"x"`))

	assert.Error(t, err)
	require.Len(t, reporter.errors, 1)
	assert.Equal(t, relay.TokenResolutionFailure, reporter.errors[0].Kind)
	gateway.AssertNotCalled(t, "SendPush", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_GatewayFailure(t *testing.T) {
	resolver := new(mockTokenResolver)
	gateway := new(mockPushGateway)
	reporter := &recordingReporter{}
	resolver.On("ResolveTokens", mock.Anything, []string{"bob"}).Return([]relay.DeviceToken{"t1"}, nil).Once()
	gateway.On("SendPush", mock.Anything, []relay.DeviceToken{"t1"}, mock.AnythingOfType("notify.Notification")).
		Return(errors.New("gateway down")).Once()
	svc, err := notify.NewService(notify.Config{}, resolver, gateway, reporter, zerolog.Nop())
	require.NoError(t, err)

	err = svc.Notify(context.Background(), []string{"bob"}, sendEvent(`"x"`))

	assert.Error(t, err)
	require.Len(t, reporter.errors, 1)
	assert.Equal(t, relay.PushGatewayFailure, reporter.errors[0].Kind)
	gateway.AssertExpectations(t)
}

func TestNewService_Validation(t *testing.T) {
	_, err := notify.NewService(notify.Config{}, nil, fakes.NewPushGateway(zerolog.Nop()), nil, zerolog.Nop())
	assert.Error(t, err)
}

// --- RedisTokenStore ---

func setupTokenStore(t *testing.T) (*miniredis.Miniredis, *notify.RedisTokenStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store, err := notify.NewRedisTokenStore(rdb, zerolog.Nop())
	require.NoError(t, err)
	return mr, store
}

func TestRedisTokenStore_ResolveTokens(t *testing.T) {
	mr, store := setupTokenStore(t)
	require.NoError(t, mr.Set("DeviceToken:bob:phone", "t-bob-phone"))
	require.NoError(t, mr.Set("DeviceToken:carol:tablet", "t-carol"))
	require.NoError(t, mr.Set("DeviceToken:bobby:phone", "t-bobby"))
	require.NoError(t, mr.Set("Unrelated:bob", "nope"))

	tokens, err := store.ResolveTokens(context.Background(), []string{"carol", "bob", "nobody"})

	require.NoError(t, err)
	assert.Equal(t, []relay.DeviceToken{"t-carol", "t-bob-phone"}, tokens)
}

func TestRedisTokenStore_ManyDevices(t *testing.T) {
	mr, store := setupTokenStore(t)
	for i := 0; i < 250; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("DeviceToken:bob:device-%03d", i), fmt.Sprintf("t-%03d", i)))
	}

	tokens, err := store.ResolveTokens(context.Background(), []string{"bob"})

	require.NoError(t, err)
	assert.Len(t, tokens, 250)
}

func TestRedisTokenStore_Error(t *testing.T) {
	mr, store := setupTokenStore(t)
	mr.Close()

	_, err := store.ResolveTokens(context.Background(), []string{"bob"})
	assert.Error(t, err)
}

// --- ExpoGateway ---

func TestExpoGateway_SendPush(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		_, _ = w.Write([]byte(`{"data":[{"status":"ok"}]}`))
	}))
	t.Cleanup(srv.Close)

	gw, err := notify.NewExpoGateway(srv.URL, srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	err = gw.SendPush(context.Background(), []relay.DeviceToken{"t1", "t2"}, notify.Notification{
		Title: "New message",
		Body:  "hi",
		Sound: "default",
		Data:  map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	got := <-bodies
	assert.Equal(t, []any{"t1", "t2"}, got["to"])
	assert.Equal(t, "New message", got["title"])
	assert.Equal(t, "hi", got["body"])
	assert.Equal(t, "default", got["sound"])
	assert.Equal(t, map[string]any{"k": "v"}, got["data"])
}

func TestExpoGateway_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	gw, err := notify.NewExpoGateway(srv.URL, srv.Client(), zerolog.Nop())
	require.NoError(t, err)

	err = gw.SendPush(context.Background(), []relay.DeviceToken{"t1"}, notify.Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestNewExpoGateway_Validation(t *testing.T) {
	_, err := notify.NewExpoGateway("", nil, zerolog.Nop())
	assert.Error(t, err)
}
