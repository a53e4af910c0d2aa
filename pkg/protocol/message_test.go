package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayMessageRoundTrip(t *testing.T) {
	msg := &RelayMessage{
		Type:    TypeSignal,
		From:    "peer-a1b2c3d4",
		To:      "peer-e5f6a7b8",
		Content: `{"kind":"offer","sdp":"v=0..."}`,
	}

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalRelay(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestRelayMessageOmitsEmptyFields(t *testing.T) {
	msg := &RelayMessage{Type: TypeOpen, To: "peer-a1b2c3d4"}
	data, err := msg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "from")
	assert.NotContains(t, string(data), "content")
}

func TestUnmarshalRelayRejectsGarbage(t *testing.T) {
	_, err := UnmarshalRelay([]byte("not json"))
	assert.Error(t, err)
}

func TestSignalPayloadRoundTrip(t *testing.T) {
	payload := &SignalPayload{Kind: SignalCandidate, Candidate: `{"candidate":"candidate:1 1 udp ..."}`}

	content, err := payload.Encode()
	require.NoError(t, err)

	got, err := DecodeSignalPayload(content)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestSyncMessageRoundTrip(t *testing.T) {
	msg := &SyncMessage{
		Type:        TypeUpdate,
		FirstUpdate: true,
		Object: ObjectMeta{
			ID:         "prop-1",
			Owner:      "peer-a1b2c3d4",
			LastUpdate: 1712345678901,
			Kind:       ByPath,
			Value:      "assets/cube.glb",
			Parent:     "table-1",
		},
		Position:       &[3]float64{1, 2, 3},
		AnimatedValues: map[string]float64{"lid.open": 0.75},
	}

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalSync(data)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestSyncMessageAbsentComponentsStayNil(t *testing.T) {
	// A routine update carrying only a position must not fabricate zeroed
	// rotation or scale on the receiving side.
	msg := &SyncMessage{
		Type:     TypeUpdate,
		Object:   ObjectMeta{ID: "prop-1", Owner: "peer-a1b2c3d4"},
		Position: &[3]float64{0, 0, 0},
	}

	data, err := msg.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalSync(data)
	require.NoError(t, err)
	require.NotNil(t, got.Position, "explicit zero position survives")
	assert.Nil(t, got.Rotation)
	assert.Nil(t, got.Scale)
	assert.Nil(t, got.AnimatedValues)
}

func TestHasDescriptor(t *testing.T) {
	bare := ObjectMeta{ID: "prop-1", Owner: "peer-a1b2c3d4", LastUpdate: 100}
	assert.False(t, bare.HasDescriptor())

	full := bare
	full.Kind = ByName
	full.Value = "lamp"
	assert.True(t, full.HasDescriptor())
}

func TestSourceKindValid(t *testing.T) {
	assert.True(t, ByReference.Valid())
	assert.True(t, ByName.Valid())
	assert.True(t, ByPath.Valid())
	assert.False(t, SourceKind("").Valid())
	assert.False(t, SourceKind("url").Valid())
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")

	connErr := &ConnectionError{Endpoint: "ws://localhost:8080/ws/red-fox-42", Err: cause}
	assert.ErrorIs(t, connErr, cause)
	assert.Contains(t, connErr.Error(), "red-fox-42")

	matErr := &MaterializationError{ObjectID: "prop-1", Err: cause}
	assert.ErrorIs(t, matErr, cause)
	assert.Contains(t, matErr.Error(), "prop-1")

	violation := &ProtocolViolation{PeerID: "peer-a1b2c3d4", Reason: "update for prop-1 claims owner \"peer-x\""}
	assert.Contains(t, violation.Error(), "peer-a1b2c3d4")
}
