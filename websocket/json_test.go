package websocket

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jsonPipe writes v from a server-side connection and returns a client-side
// connection whose read buffer holds the written frames.
func jsonPipe(t *testing.T, v any) *Conn {
	t.Helper()
	sender := newMockConn()
	serverConn := newConn(sender, true, 0, 0)
	require.NoError(t, serverConn.WriteJSON(v))

	receiver := newMockConn()
	receiver.readBuf.Write(sender.writeBuf.Bytes())
	return newConn(receiver, false, 0, 0)
}

func TestJSONReadWrite(t *testing.T) {
	type message struct {
		Kind string `json:"kind"`
		Seq  int    `json:"seq"`
	}

	t.Run("Struct round trip", func(t *testing.T) {
		conn := jsonPipe(t, message{Kind: "greeting", Seq: 7})

		var got message
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, message{Kind: "greeting", Seq: 7}, got)
	})

	t.Run("Map round trip", func(t *testing.T) {
		conn := jsonPipe(t, map[string]any{"a": "b"})

		var got map[string]any
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, map[string]any{"a": "b"}, got)
	})

	t.Run("Array round trip", func(t *testing.T) {
		conn := jsonPipe(t, []int{1, 2, 3})

		var got []int
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, []int{1, 2, 3}, got)
	})

	t.Run("JSON goes out as a text message", func(t *testing.T) {
		sender := newMockConn()
		serverConn := newConn(sender, true, 0, 0)
		require.NoError(t, serverConn.WriteJSON("x"))

		frames := decodeTestFrames(t, sender.writeBuf.Bytes(), false)
		require.Len(t, frames, 1)
		assert.Equal(t, TextMessage, frames[0].opcode)
		assert.Equal(t, `"x"`, string(frames[0].payload))
	})
}

func TestReadJSONErrors(t *testing.T) {
	t.Run("Malformed document", func(t *testing.T) {
		conn, _ := serverConnWithInbound(t, frame{opcode: TextMessage, final: true, payload: []byte("{not json")})

		var got map[string]any
		assert.Error(t, conn.ReadJSON(&got))
	})

	t.Run("Empty message", func(t *testing.T) {
		conn, _ := serverConnWithInbound(t, frame{opcode: TextMessage, final: true})

		var got map[string]any
		assert.ErrorIs(t, conn.ReadJSON(&got), io.ErrUnexpectedEOF)
	})

	t.Run("Read error propagates", func(t *testing.T) {
		conn := newConn(newMockConn(), true, 0, 0)

		var got map[string]any
		assert.Error(t, conn.ReadJSON(&got))
	})
}

func TestWriteJSONErrors(t *testing.T) {
	t.Run("Unencodable value", func(t *testing.T) {
		conn := newConn(newMockConn(), true, 0, 0)
		assert.Error(t, conn.WriteJSON(make(chan int)))
	})

	t.Run("Write while closing", func(t *testing.T) {
		conn := newConn(newMockConn(), true, 0, 0)
		require.NoError(t, conn.CloseWithReason(CloseNormalClosure, ""))

		assert.ErrorIs(t, conn.WriteJSON("late"), ErrNotConnected)
	})
}

func BenchmarkJSON(b *testing.B) {
	type message struct {
		Kind string `json:"kind"`
		Seq  int    `json:"seq"`
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		sender := newMockConn()
		serverConn := newConn(sender, true, 0, 0)
		if err := serverConn.WriteJSON(message{Kind: "bench", Seq: i}); err != nil {
			b.Fatal(err)
		}

		receiver := newMockConn()
		receiver.readBuf.Write(sender.writeBuf.Bytes())
		clientConn := newConn(receiver, false, 0, 0)
		var got message
		if err := clientConn.ReadJSON(&got); err != nil {
			b.Fatal(err)
		}
	}
}
