package websocket

import (
	"sync"
)

// PreparedMessage caches on-the-wire encodings of a message payload so the
// framing (and optional compression) work is done once when broadcasting the
// same payload to many connections. Encodings are built lazily per variant:
// server/client role and compressed/uncompressed.
type PreparedMessage struct {
	messageType int
	data        []byte
	mu          sync.Mutex
	frames      map[prepareKey][]byte
}

type prepareKey struct {
	isServer bool
	compress bool
}

// NewPreparedMessage returns an initialized PreparedMessage.
func NewPreparedMessage(messageType int, data []byte) (*PreparedMessage, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, ErrInvalidMessageType
	}

	return &PreparedMessage{
		messageType: messageType,
		data:        data,
		frames:      make(map[prepareKey][]byte),
	}, nil
}

func (pm *PreparedMessage) frame(key prepareKey) ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if data, ok := pm.frames[key]; ok {
		return data, nil
	}

	payload := pm.data
	if key.compress {
		compressed, err := compressData(payload, defaultCompressionLevel)
		if err != nil {
			return nil, err
		}
		payload = compressed
	}

	frameData, err := encodeFrame(pm.messageType, payload, key.isServer, key.compress)
	if err != nil {
		return nil, err
	}

	pm.frames[key] = frameData
	return frameData, nil
}

// encodeFrame serializes one complete frame into a byte slice using a
// standalone frame codec. Client variants are masked with a fresh key at
// prepare time and the masked bytes are what gets cached.
func encodeFrame(messageType int, data []byte, isServer, compressed bool) ([]byte, error) {
	var buf growBuffer
	fc := &frameCodec{w: &buf, isServer: isServer}
	if err := fc.writeFrame(frame{opcode: messageType, final: true, rsv1: compressed, payload: data}); err != nil {
		return nil, err
	}
	return buf.b, nil
}

// WritePreparedMessage writes pm to the connection, bypassing the
// per-connection encoder. Prepared compression is stateless, so the variant
// sent to connections with context takeover is still a valid deflate stream.
func (c *Conn) WritePreparedMessage(pm *PreparedMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.sendStateLocked(); err != nil {
		return err
	}

	frameData, err := pm.frame(prepareKey{
		isServer: c.isServer,
		compress: c.compressionEnabled && c.writeCompress,
	})
	if err != nil {
		return err
	}

	_, err = c.rwc.Write(frameData)
	return err
}
