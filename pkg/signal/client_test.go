package signal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
	"github.com/tomaslejdung/scenesync/pkg/relay"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	s := relay.NewServer()
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(ts.Close)
	return ts
}

func roomURL(ts *httptest.Server, room string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + room
}

func waitRelayMessage(t *testing.T, c *Client) *protocol.RelayMessage {
	t.Helper()
	select {
	case data, ok := <-c.Messages():
		require.True(t, ok, "message channel closed early")
		msg, err := protocol.UnmarshalRelay(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relay message")
		return nil
	}
}

func TestDialUnreachableRelay(t *testing.T) {
	_, err := Dial("ws://127.0.0.1:1/ws/RED-FOX-42")
	require.Error(t, err)
	var connErr *protocol.ConnectionError
	assert.ErrorAs(t, err, &connErr)
}

func TestClientReceivesIdentity(t *testing.T) {
	ts := startRelay(t)

	client, err := Dial(roomURL(ts, "RED-FOX-42"))
	require.NoError(t, err)
	defer client.Close()

	msg := waitRelayMessage(t, client)
	assert.Equal(t, protocol.TypeOpen, msg.Type)
	assert.NotEmpty(t, msg.From)
}

func TestClientsExchangeSignals(t *testing.T) {
	ts := startRelay(t)

	first, err := Dial(roomURL(ts, "RED-FOX-42"))
	require.NoError(t, err)
	defer first.Close()
	firstOpen := waitRelayMessage(t, first)

	second, err := Dial(roomURL(ts, "RED-FOX-42"))
	require.NoError(t, err)
	defer second.Close()
	secondOpen := waitRelayMessage(t, second)

	announce := waitRelayMessage(t, first)
	require.Equal(t, protocol.TypeConnected, announce.Type)
	require.Equal(t, secondOpen.From, announce.From)

	require.NoError(t, first.Send(&protocol.RelayMessage{
		Type:    protocol.TypeSignal,
		To:      secondOpen.From,
		Content: `{"kind":"offer","sdp":"v=0..."}`,
	}))

	got := waitRelayMessage(t, second)
	assert.Equal(t, protocol.TypeSignal, got.Type)
	assert.Equal(t, firstOpen.From, got.From)
	assert.Equal(t, `{"kind":"offer","sdp":"v=0..."}`, got.Content)
}

func TestDisconnectHandlerFiresOnLostConnection(t *testing.T) {
	ts := startRelay(t)

	client, err := Dial(roomURL(ts, "RED-FOX-42"))
	require.NoError(t, err)
	defer client.Close()
	waitRelayMessage(t, client)

	var fired atomic.Bool
	client.SetDisconnectHandler(func() { fired.Store(true) })

	ts.CloseClientConnections()

	require.Eventually(t, fired.Load, 2*time.Second, 10*time.Millisecond)
}

func TestLocalCloseDoesNotFireDisconnectHandler(t *testing.T) {
	ts := startRelay(t)

	client, err := Dial(roomURL(ts, "RED-FOX-42"))
	require.NoError(t, err)
	waitRelayMessage(t, client)

	var fired atomic.Bool
	client.SetDisconnectHandler(func() { fired.Store(true) })

	client.Close()
	client.Close() // idempotent

	// The message channel drains out after close.
	require.Eventually(t, func() bool {
		_, ok := <-client.Messages()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, fired.Load(), "local close is not a lost connection")

	assert.NoError(t, client.Send(&protocol.RelayMessage{Type: protocol.TypeSignal}),
		"sends after close are swallowed")
}
