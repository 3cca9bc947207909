package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/teamwire/secure"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := secure.GenerateKey()
	require.NoError(t, err)
	enc, err := secure.NewEncryptor(key)
	require.NoError(t, err)
	return NewCodec(enc)
}

type testParams struct {
	NodeID string `json:"node_id"`
	Repo   string `json:"repo"`
}

func TestCodec_RequestRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	data, err := codec.EncodeRequest("req-1", MethodAttach, testParams{NodeID: "n1", Repo: "alpha"})
	require.NoError(t, err)

	frame, err := codec.DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, Version, frame.JSONRPC)
	assert.Equal(t, "req-1", frame.ID)
	assert.False(t, frame.IsResponse())
	assert.False(t, frame.IsNotification())

	msg, err := codec.OpenMessage(frame)
	require.NoError(t, err)
	assert.Equal(t, MethodAttach, msg.Method)

	var p testParams
	require.NoError(t, json.Unmarshal(msg.Params, &p))
	assert.Equal(t, "n1", p.NodeID)
	assert.Equal(t, "alpha", p.Repo)
}

func TestCodec_NotificationHasNoID(t *testing.T) {
	codec := newTestCodec(t)

	data, err := codec.EncodeNotification(MethodHeartbeat, testParams{NodeID: "n1"})
	require.NoError(t, err)

	frame, err := codec.DecodeFrame(data)
	require.NoError(t, err)
	assert.Empty(t, frame.ID)
	assert.True(t, frame.IsNotification())
}

func TestCodec_ResultRoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	data, err := codec.EncodeResult("req-2", map[string]string{"status": "ok"})
	require.NoError(t, err)

	frame, err := codec.DecodeFrame(data)
	require.NoError(t, err)
	assert.True(t, frame.IsResponse())

	var out map[string]string
	require.NoError(t, codec.OpenResult(frame, &out))
	assert.Equal(t, "ok", out["status"])
}

func TestCodec_ErrorTravelsInClear(t *testing.T) {
	codec := newTestCodec(t)

	data, err := codec.EncodeError("req-3", ErrorCodeMethodNotFound, "unknown method nope")
	require.NoError(t, err)

	// A peer without the key can still read the error.
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	require.NotNil(t, frame.Error)
	assert.Equal(t, ErrorCodeMethodNotFound, frame.Error.Code)
	assert.Contains(t, frame.Error.Message, "unknown method")
	assert.True(t, frame.IsResponse())
}

func TestCodec_DecodeFrameRejectsGarbage(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.DecodeFrame([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodec_OpenMessageRejectsWrongKey(t *testing.T) {
	sender := newTestCodec(t)
	receiver := newTestCodec(t)

	data, err := sender.EncodeRequest("req-4", MethodRegister, testParams{NodeID: "n1"})
	require.NoError(t, err)

	frame, err := receiver.DecodeFrame(data)
	require.NoError(t, err)

	_, err = receiver.OpenMessage(frame)
	assert.ErrorIs(t, err, secure.ErrDecryptFailure)
}

func TestCodec_OpenMessageRequiresMethod(t *testing.T) {
	codec := newTestCodec(t)

	data, err := codec.EncodeRequest("req-5", "", nil)
	require.NoError(t, err)
	frame, err := codec.DecodeFrame(data)
	require.NoError(t, err)

	_, err = codec.OpenMessage(frame)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodec_OpenMessageRequiresPayload(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.OpenMessage(&Frame{JSONRPC: Version, ID: "x"})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCodec_RoundTripProperty(t *testing.T) {
	codec := newTestCodec(t)

	rapid.Check(t, func(t *rapid.T) {
		id := rapid.StringMatching(`[a-z0-9-]{1,32}`).Draw(t, "id")
		method := rapid.SampledFrom([]string{
			MethodRegister, MethodBroadcast, MethodLedger, MethodAttach,
			MethodHandoff, MethodMode, MethodHeartbeat, MethodLeave,
		}).Draw(t, "method")
		node := rapid.StringMatching(`[a-zA-Z0-9._-]{1,64}`).Draw(t, "node")

		data, err := codec.EncodeRequest(id, method, testParams{NodeID: node})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		frame, err := codec.DecodeFrame(data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		msg, err := codec.OpenMessage(frame)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if msg.Method != method {
			t.Fatalf("method mismatch: %q != %q", msg.Method, method)
		}
		var p testParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			t.Fatalf("params: %v", err)
		}
		if p.NodeID != node {
			t.Fatalf("node mismatch: %q != %q", p.NodeID, node)
		}
	})
}
