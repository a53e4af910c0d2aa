package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/scenesync/pkg/protocol"
)

func newTestRelay(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer()
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWebSocket))
	t.Cleanup(ts.Close)
	return s, ts
}

func dialRoom(t *testing.T, ts *httptest.Server, room string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + room
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.RelayMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg protocol.RelayMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestRejectsInvalidRoomCode(t *testing.T) {
	_, ts := newTestRelay(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/notaroomcode"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAssignsIdentityOnJoin(t *testing.T) {
	s, ts := newTestRelay(t)

	conn := dialRoom(t, ts, "RED-FOX-42")

	msg := readMessage(t, conn)
	assert.Equal(t, protocol.TypeOpen, msg.Type)
	assert.True(t, strings.HasPrefix(msg.From, "peer-"), "identity %q", msg.From)
	assert.Equal(t, 1, s.GetPeerCount("red-fox-42"), "room lookup is case-insensitive")
}

func TestAnnouncesNewcomerToExistingPeers(t *testing.T) {
	_, ts := newTestRelay(t)

	first := dialRoom(t, ts, "RED-FOX-42")
	firstOpen := readMessage(t, first)
	require.Equal(t, protocol.TypeOpen, firstOpen.Type)

	second := dialRoom(t, ts, "RED-FOX-42")
	secondOpen := readMessage(t, second)
	require.Equal(t, protocol.TypeOpen, secondOpen.Type)

	// The existing peer learns about the newcomer and becomes the initiator.
	announce := readMessage(t, first)
	assert.Equal(t, protocol.TypeConnected, announce.Type)
	assert.Equal(t, secondOpen.From, announce.From)

	assert.NotEqual(t, firstOpen.From, secondOpen.From)
}

func TestRoomsAreIsolated(t *testing.T) {
	s, ts := newTestRelay(t)

	a := dialRoom(t, ts, "RED-FOX-42")
	readMessage(t, a)
	b := dialRoom(t, ts, "BLUE-OWL-17")
	readMessage(t, b)

	assert.Equal(t, 1, s.GetPeerCount("RED-FOX-42"))
	assert.Equal(t, 1, s.GetPeerCount("BLUE-OWL-17"))

	// No cross-room announcement arrives.
	require.NoError(t, a.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := a.ReadMessage()
	assert.Error(t, err, "peer in another room must not be announced")
}

func TestForwardsSignalWithStampedSender(t *testing.T) {
	_, ts := newTestRelay(t)

	first := dialRoom(t, ts, "RED-FOX-42")
	firstOpen := readMessage(t, first)

	second := dialRoom(t, ts, "RED-FOX-42")
	secondOpen := readMessage(t, second)
	readMessage(t, first) // connected announcement

	// The sender lies about its identity; the relay must overwrite it.
	out := protocol.RelayMessage{
		Type:    protocol.TypeSignal,
		From:    "peer-imposter",
		To:      secondOpen.From,
		Content: `{"kind":"offer","sdp":"v=0..."}`,
	}
	require.NoError(t, first.WriteJSON(out))

	got := readMessage(t, second)
	assert.Equal(t, protocol.TypeSignal, got.Type)
	assert.Equal(t, firstOpen.From, got.From, "sender identity is stamped server-side")
	assert.Equal(t, out.Content, got.Content, "content passes through opaquely")
}

func TestSignalToUnknownPeerIsDropped(t *testing.T) {
	_, ts := newTestRelay(t)

	conn := dialRoom(t, ts, "RED-FOX-42")
	readMessage(t, conn)

	require.NoError(t, conn.WriteJSON(protocol.RelayMessage{
		Type:    protocol.TypeSignal,
		To:      "peer-gone",
		Content: "{}",
	}))

	// The connection stays healthy; nothing bounces back.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestBroadcastsDisconnect(t *testing.T) {
	s, ts := newTestRelay(t)

	first := dialRoom(t, ts, "RED-FOX-42")
	readMessage(t, first)

	second := dialRoom(t, ts, "RED-FOX-42")
	secondOpen := readMessage(t, second)
	readMessage(t, first)

	require.NoError(t, second.Close())

	left := readMessage(t, first)
	assert.Equal(t, protocol.TypeDisconnected, left.Type)
	assert.Equal(t, secondOpen.From, left.From)

	require.Eventually(t, func() bool {
		return s.GetPeerCount("RED-FOX-42") == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyRoomIsRemoved(t *testing.T) {
	s, ts := newTestRelay(t)

	conn := dialRoom(t, ts, "RED-FOX-42")
	readMessage(t, conn)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.rooms) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
