package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	if channel != domain.ChannelChallenges {
		return nil, nil
	}
	return b.ch, nil
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func publish(t *testing.T, bus *chanBus, id string, users ...string) {
	t.Helper()
	payload, err := json.Marshal(domain.ChallengeEvent{
		Type:        domain.EventSettled,
		ChallengeID: id,
		UserIDs:     users,
		State:       domain.StateCompleted,
		At:          time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), domain.ChannelChallenges, payload))
}

func TestHub_RoutesEventsToParticipants(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &chanBus{ch: make(chan []byte, 8)}
	hub := NewHub(bus, slog.New(slog.DiscardHandler), Config{Mode: "server"})
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	header.Set("X-User-ID", "alice")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	status := readEnvelope(t, conn)
	assert.Equal(t, "engine_status", status["type"])

	publish(t, bus, "c-bob", "bob", "carol")
	publish(t, bus, "c-alice", "alice", "bob")

	ev := readEnvelope(t, conn)
	assert.Equal(t, string(domain.EventSettled), ev["type"])
	payload, ok := ev["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-alice", payload["challenge_id"], "events for other users are filtered out")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example"})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(r), "no origin header is allowed")

	r.Header.Set("Origin", "https://app.example")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
}
