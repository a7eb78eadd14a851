package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"slices"
)

var randReader io.Reader = rand.Reader

// BufferPool represents a pool of buffers for reuse.
type BufferPool interface {
	Get() any
	Put(any)
}

// FormatCloseMessage formats closeCode and text as a WebSocket close message
// per RFC 6455, section 5.5.1: a 2-byte status code followed by optional
// UTF-8 reason text. CloseNoStatusReceived yields an empty body.
func FormatCloseMessage(closeCode int, text string) []byte {
	if closeCode == CloseNoStatusReceived {
		return []byte{}
	}
	buf := make([]byte, 2+len(text))
	binary.BigEndian.PutUint16(buf, uint16(closeCode))
	copy(buf[2:], text)
	return buf
}

// isValidReceivedCloseCode reports whether a close code received from the
// peer is in the set RFC 6455 section 7.4 allows on the wire: 1000-1003,
// 1007-1011, and the registered/private ranges 3000-4999. Codes 1005 and
// 1006 are reserved for local use and must never appear in a frame.
func isValidReceivedCloseCode(code int) bool {
	switch {
	case code >= CloseNormalClosure && code <= CloseUnsupportedData:
		return true
	case code >= CloseInvalidFramePayloadData && code <= CloseInternalServerErr:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// sanitizeCloseCode rewrites the reserved local-use codes 1005 and 1006 to
// 1000 before a close frame goes on the wire.
func sanitizeCloseCode(code int) int {
	if code == CloseNoStatusReceived || code == CloseAbnormalClosure {
		return CloseNormalClosure
	}
	return code
}

// IsCloseError returns true if the error is a CloseError with one of the
// specified codes.
func IsCloseError(err error, codes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return slices.Contains(codes, closeErr.Code)
}

// IsUnexpectedCloseError returns true if the error is a CloseError with a
// code not in the expected codes list.
func IsUnexpectedCloseError(err error, expectedCodes ...int) bool {
	var closeErr *CloseError
	if !errors.As(err, &closeErr) {
		return false
	}
	return !slices.Contains(expectedCodes, closeErr.Code)
}
