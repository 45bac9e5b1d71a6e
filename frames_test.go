package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFrame(t *testing.T) {
	t.Run("first non-error frame is the ack", func(t *testing.T) {
		f, err := ClassifyFrame([]byte(`{"type":"anything","connection_id":"c1"}`), true)
		require.NoError(t, err)
		assert.Equal(t, FrameAck, f.Kind)
		assert.Equal(t, "c1", f.ConnectionID)
	})

	t.Run("camel case connection id", func(t *testing.T) {
		f, err := ClassifyFrame([]byte(`{"connectionId":"c2"}`), true)
		require.NoError(t, err)
		assert.Equal(t, "c2", f.ConnectionID)
	})

	t.Run("connection id in payload", func(t *testing.T) {
		f, err := ClassifyFrame([]byte(`{"type":"connection.ok","payload":{"connectionId":"c3"}}`), true)
		require.NoError(t, err)
		assert.Equal(t, FrameAck, f.Kind)
		assert.Equal(t, "c3", f.ConnectionID)
	})

	t.Run("event once connected", func(t *testing.T) {
		raw := `{"type":"message.new","connection_id":"c1"}`
		f, err := ClassifyFrame([]byte(raw), false)
		require.NoError(t, err)
		assert.Equal(t, FrameEvent, f.Kind)
		assert.Equal(t, "message.new", f.Type)
		assert.JSONEq(t, raw, string(f.Raw))
	})

	t.Run("error field object", func(t *testing.T) {
		f, err := ClassifyFrame([]byte(`{"error":{"code":40,"message":"token expired"}}`), false)
		require.NoError(t, err)
		assert.Equal(t, FrameError, f.Kind)
		assert.Equal(t, ErrorCodeTokenExpired, f.Code)
		assert.Equal(t, "token expired", f.Message)
	})

	t.Run("error field wins over ack", func(t *testing.T) {
		f, err := ClassifyFrame([]byte(`{"connection_id":"c1","error":"nope"}`), true)
		require.NoError(t, err)
		assert.Equal(t, FrameError, f.Kind)
		assert.Equal(t, "nope", f.Message)
		assert.Empty(t, f.ConnectionID)
	})

	t.Run("type error with code in payload", func(t *testing.T) {
		f, err := ClassifyFrame([]byte(`{"type":"error","payload":{"code":17,"message":"rate limited"}}`), false)
		require.NoError(t, err)
		assert.Equal(t, FrameError, f.Kind)
		assert.Equal(t, 17, f.Code)
		assert.Equal(t, "rate limited", f.Message)
	})

	t.Run("null error is not an error", func(t *testing.T) {
		f, err := ClassifyFrame([]byte(`{"type":"message.new","error":null}`), false)
		require.NoError(t, err)
		assert.Equal(t, FrameEvent, f.Kind)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, raw := range []string{``, `   `, `not json`, `[1,2]`, `"str"`, `{"type":`} {
			_, err := ClassifyFrame([]byte(raw), false)
			require.Error(t, err, "input %q", raw)
			assert.True(t, errors.Is(err, ErrMalformedFrame), "input %q: %v", raw, err)
		}
	})
}

func TestFrameKindString(t *testing.T) {
	assert.Equal(t, "event", FrameEvent.String())
	assert.Equal(t, "ack", FrameAck.String())
	assert.Equal(t, "error", FrameError.String())
}
