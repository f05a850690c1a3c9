package coap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeGetRoundTrip(t *testing.T) {
	frame := EncodeGet("network-info")
	msg, err := Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, TypeNON, msg.Type)
	assert.Equal(t, "network-info", msg.URIPath)
	assert.Equal(t, "0.01", msg.Code)
	assert.Empty(t, msg.Payload)
}

func TestEncodeDecodePostRoundTrip(t *testing.T) {
	payload := []byte(`{"brightness":80}`)
	frame := EncodePost("led", payload)
	msg, err := Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, "led", msg.URIPath)
	assert.Equal(t, "0.02", msg.Code)
	assert.Equal(t, payload, msg.Payload)
}

func TestEncodeDecodeAckRoundTrip(t *testing.T) {
	frame := EncodeAck(42, 0, []byte(`{"ok":true}`))
	msg, err := Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, TypeACK, msg.Type)
	assert.Equal(t, uint16(42), msg.MessageID)
	assert.Equal(t, "2.05", msg.Code)
	assert.True(t, msg.IsSuccess())
	assert.Equal(t, []byte(`{"ok":true}`), msg.Payload)
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	_, err := Decode([]byte{0x50, 0x01})
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeRejectsTruncatedOption(t *testing.T) {
	frame := EncodeGet("network-info")
	truncated := frame[:len(frame)-3]
	_, err := Decode(truncated)
	assert.ErrorIs(t, err, ErrInvalidFrame)
}

func TestDecodeLongURIPathUsesExtendedForm(t *testing.T) {
	longPath := ""
	for i := 0; i < 40; i++ {
		longPath += "segment/"
	}
	longPath = longPath[:len(longPath)-1]

	frame := EncodePost(longPath, nil)
	msg, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, longPath, msg.URIPath)
}

func TestMessageIDsIncreaseMonotonically(t *testing.T) {
	a := nextMessageID()
	b := nextMessageID()
	assert.Equal(t, a+1, b)
}
