package websocket

import "unicode/utf8"

// messageAssembler turns the frame stream a frameCodec produces into
// complete messages: it runs the fragmentation state machine, dispatches
// control frames, enforces the reserved-bit policy, feeds compressed
// messages through the negotiated deflate session, and validates text
// messages as UTF-8 at delivery time.
//
// One messageAssembler belongs to exactly one Conn and is driven by that
// Conn's single reader goroutine.
type messageAssembler struct {
	fc     *frameCodec
	config *Config

	compressionEnabled bool
	deflateRead        *deflateSession

	readLimit int64

	pingHandler  func(appData string) error
	pongHandler  func(appData string) error
	closeHandler func(code int, text string) error
}

// fragmentState accumulates a fragmented message across continuation frames:
// the first frame's opcode and reserved bits, the concatenated payload, and
// the frame count checked against the accumulation limits.
type fragmentState struct {
	msgType    int
	compressed bool
	payload    []byte
	frameCount int
}

// nextMessage blocks until a complete text or binary message is available,
// dispatching ping/pong/close control frames to their handlers along the
// way. Framing-order violations (RFC 6455, section 5.4) and reserved-bit
// misuse are fatal; a peer close surfaces as *CloseError after the close
// handler has run.
func (a *messageAssembler) nextMessage() (msgType int, payload []byte, err error) {
	var frag *fragmentState

	for {
		f, err := a.fc.readFrame(a.readLimit)
		if err != nil {
			return 0, nil, err
		}

		if err := a.checkReservedBits(f); err != nil {
			return 0, nil, err
		}

		switch f.opcode {
		case PingMessage:
			if err := a.pingHandler(string(f.payload)); err != nil {
				return 0, nil, err
			}
			continue
		case PongMessage:
			if err := a.pongHandler(string(f.payload)); err != nil {
				return 0, nil, err
			}
			continue
		case CloseMessage:
			code, text, err := parseClosePayload(f.payload)
			if err != nil {
				return 0, nil, err
			}
			if err := a.closeHandler(code, text); err != nil {
				return 0, nil, err
			}
			return 0, nil, &CloseError{Code: code, Text: text}
		case TextMessage, BinaryMessage:
			if frag != nil {
				return 0, nil, ErrNewFrameBeforeFinish
			}
			frag = &fragmentState{msgType: f.opcode, compressed: f.rsv1, payload: f.payload, frameCount: 1}
		case continuationFrame:
			if frag == nil {
				return 0, nil, ErrUnexpectedContinuation
			}
			if !f.final && a.config != nil && a.config.MinNonFinalFragmentSize > 0 &&
				len(f.payload) < a.config.MinNonFinalFragmentSize {
				return 0, nil, ErrNonFinalFragmentTooSmall
			}
			if err := a.checkFragmentLimits(frag, f.payload); err != nil {
				return 0, nil, err
			}
			frag.payload = append(frag.payload, f.payload...)
			frag.frameCount++
		}

		if !f.final {
			continue
		}

		out := frag.payload
		if frag.compressed {
			if a.deflateRead == nil {
				return 0, nil, ErrReservedBits
			}
			out, err = a.deflateRead.decompressMessage(out)
			if err != nil {
				return 0, nil, err
			}
		}

		if frag.msgType == TextMessage && !utf8.Valid(out) {
			return 0, nil, ErrInvalidUTF8String
		}

		return frag.msgType, out, nil
	}
}

// parseClosePayload splits a close frame body into code and reason,
// rejecting the malformed shapes RFC 6455 section 7.1.5 forbids: a one-byte
// body, a code outside the allowed ranges, or a non-UTF-8 reason.
func parseClosePayload(payload []byte) (int, string, error) {
	if len(payload) == 0 {
		return CloseNoStatusReceived, "", nil
	}
	if len(payload) == 1 {
		return 0, "", ErrInvalidControlFrame
	}
	code := int(payload[0])<<8 | int(payload[1])
	if !isValidReceivedCloseCode(code) {
		return 0, "", ErrInvalidCloseCode
	}
	if !utf8.Valid(payload[2:]) {
		return 0, "", ErrInvalidUTF8String
	}
	return code, string(payload[2:]), nil
}

func (a *messageAssembler) checkFragmentLimits(frag *fragmentState, next []byte) error {
	if a.config == nil {
		return nil
	}
	if a.config.MaxAccumulatedFrameCount > 0 && frag.frameCount+1 > a.config.MaxAccumulatedFrameCount {
		return ErrTooManyFragments
	}
	if a.config.MaxAccumulatedFrameSize > 0 && len(frag.payload)+len(next) > a.config.MaxAccumulatedFrameSize {
		return ErrAccumulatedFrameTooLarge
	}
	return nil
}

// checkReservedBits enforces the strict reserved-bit policy: any RSV bit set
// without a matching negotiated extension is fatal, RSV1 belongs to
// permessage-deflate and then only on the first frame of a data message.
func (a *messageAssembler) checkReservedBits(f frame) error {
	if f.rsv2 || f.rsv3 {
		return ErrReservedBits
	}
	if !f.rsv1 {
		return nil
	}
	if !a.compressionEnabled {
		return ErrReservedBits
	}
	if f.opcode == continuationFrame || isControlOpcode(f.opcode) {
		// RSV1 is only meaningful on the first frame of a data message
		// (RFC 7692, sections 5 and 6).
		return ErrReservedBits
	}
	return nil
}
