package websocket

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connState tracks the connection through the closing handshake. A Conn is
// created OPEN (the handshake has already committed by the time one exists),
// moves to CLOSING when either side emits a close frame, and to CLOSED when
// the handshake completes or the transport is lost.
type connState int32

const (
	stateOpen connState = iota
	stateClosing
	stateClosed
)

// defaultControlTimeout bounds the write of automatically generated control
// frames (pong echoes, close echoes).
const defaultControlTimeout = 5 * time.Second

// Conn represents a WebSocket connection: one value per transport
// connection, read by exactly one goroutine and written by exactly one
// goroutine at a time. Close may be called concurrently with everything
// else.
type Conn struct {
	rwc     io.ReadWriteCloser
	netConn net.Conn
	fc      *frameCodec

	isServer    bool
	subprotocol string
	config      *Config

	readMu    sync.Mutex
	readLimit int64
	readErr   error
	assembler *messageAssembler

	writeMu         sync.Mutex
	writeErr        error
	writeFrameType  int
	writeCompress   bool
	writeBufferPool BufferPool
	writeBufSize    int
	buffered        atomic.Int64

	pingHandler  func(appData string) error
	pongHandler  func(appData string) error
	closeHandler func(code int, text string) error

	compressionEnabled bool
	compressionLevel   int
	deflateWrite       *deflateSession
	deflateRead        *deflateSession

	state     atomic.Int32
	abortMu   sync.Mutex
	abortErr  error
	closeOnce sync.Once
	keepalive *pingTracker
}

func newConn(conn net.Conn, isServer bool, readBufferSize, writeBufferSize int) *Conn {
	return newConnWithPool(conn, isServer, readBufferSize, writeBufferSize, nil)
}

func newConnWithPool(conn net.Conn, isServer bool, readBufferSize, writeBufferSize int, writeBufferPool BufferPool) *Conn {
	return newConnFromRWC(conn, conn, isServer, readBufferSize, writeBufferSize, writeBufferPool)
}

func newConnFromRWC(rwc io.ReadWriteCloser, netConn net.Conn, isServer bool, readBufferSize, writeBufferSize int, writeBufferPool BufferPool) *Conn {
	if readBufferSize <= 0 {
		readBufferSize = defaultReadBufferSize
	}
	if writeBufferSize <= 0 {
		writeBufferSize = defaultWriteBufferSize
	}

	c := &Conn{
		rwc:              rwc,
		netConn:          netConn,
		isServer:         isServer,
		writeBufferPool:  writeBufferPool,
		writeBufSize:     writeBufferSize,
		compressionLevel: defaultCompressionLevel,
	}
	c.fc = newFrameCodec(bufio.NewReaderSize(rwc, readBufferSize), rwc, isServer, 0)
	c.assembler = &messageAssembler{fc: c.fc}

	c.pingHandler = func(appData string) error {
		err := c.WriteControl(PongMessage, []byte(appData), time.Now().Add(defaultControlTimeout))
		if err == ErrCloseSent || err == ErrNotConnected {
			// A ping that races our own close frame needs no pong.
			return nil
		}
		return err
	}
	c.pongHandler = func(appData string) error {
		if c.keepalive != nil {
			c.keepalive.onPong(appData)
		}
		return nil
	}
	c.closeHandler = func(code int, text string) error {
		msg := FormatCloseMessage(code, text)
		_ = c.WriteControl(CloseMessage, msg, time.Now().Add(defaultControlTimeout))
		return nil
	}
	c.assembler.pingHandler = func(s string) error { return c.pingHandler(s) }
	c.assembler.pongHandler = func(s string) error { return c.pongHandler(s) }
	c.assembler.closeHandler = func(code int, text string) error { return c.closeHandler(code, text) }

	return c
}

// applyConfig wires a negotiated Config and the connection's negotiated
// deflate sessions (if any) into the codec/assembler, and starts the
// keep-alive subsystem if Config.AutoPing is enabled. Called once by
// Upgrader.Upgrade / Dialer.Dial after the opening handshake commits.
func (c *Conn) applyConfig(cfg *Config, readDeflate, writeDeflate *deflateSession) {
	c.config = cfg
	c.assembler.config = cfg
	if cfg != nil && cfg.MaxFrameSize > 0 {
		c.fc.maxFrameSize = int64(cfg.MaxFrameSize)
	}

	if readDeflate != nil || writeDeflate != nil {
		c.compressionEnabled = true
		c.assembler.compressionEnabled = true
		c.assembler.deflateRead = readDeflate
		c.deflateRead = readDeflate
		c.deflateWrite = writeDeflate
		c.writeCompress = true
	}

	if cfg != nil && cfg.AutoPing.enabled() {
		c.keepalive = newPingTracker(cfg.AutoPing,
			func(appData string) error {
				return c.WriteControl(PingMessage, []byte(appData), time.Now().Add(time.Duration(cfg.AutoPing.Timeout)))
			},
			c.abort,
		)
		c.keepalive.start()
	}
}

// abort records a fatal error and tears the transport down without a closing
// handshake. Used for timeouts and transport-level failures.
func (c *Conn) abort(err error) {
	c.abortMu.Lock()
	if c.abortErr == nil {
		c.abortErr = err
	}
	c.abortMu.Unlock()
	_ = c.Close()
}

// Subprotocol returns the negotiated subprotocol for the connection.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// Close closes the underlying connection without sending a close frame. Use
// CloseWithReason for a clean closing handshake.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		if c.keepalive != nil {
			c.keepalive.stop()
		}
	})
	return c.rwc.Close()
}

// CloseWithReason starts the closing handshake: it validates the reason
// length, rewrites the reserved local-use codes 1005/1006 to 1000, sends the
// close frame, and moves the connection to the CLOSING state. The transport
// stays open until the peer's close frame has been observed.
func (c *Conn) CloseWithReason(code int, reason string) error {
	if len(reason) > maxControlFramePayloadSize-2 {
		return ErrCloseReasonTooLong
	}
	code = sanitizeCloseCode(code)
	return c.WriteControl(CloseMessage, FormatCloseMessage(code, reason), time.Now().Add(defaultControlTimeout))
}

// Ping sends a ping control frame with the given application data.
func (c *Conn) Ping(data []byte) error {
	return c.WriteControl(PingMessage, data, time.Now().Add(defaultControlTimeout))
}

// Pong sends an unsolicited pong control frame with the given application data.
func (c *Conn) Pong(data []byte) error {
	return c.WriteControl(PongMessage, data, time.Now().Add(defaultControlTimeout))
}

// BufferedAmount reports the number of payload bytes accepted by an open
// message writer but not yet flushed to the transport. Uncompressed writers
// flush automatically once this crosses the configured high watermark, so
// for them the value stays below Config.WriteBufferWatermarks.High plus one
// write. Compressed messages are buffered whole until the writer is closed,
// so the watermark does not bound them.
func (c *Conn) BufferedAmount() int64 {
	return c.buffered.Load()
}

// LocalAddr returns the local network address, or nil if not available.
func (c *Conn) LocalAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.LocalAddr()
	}
	return nil
}

// RemoteAddr returns the remote network address, or nil if not available.
func (c *Conn) RemoteAddr() net.Addr {
	if c.netConn != nil {
		return c.netConn.RemoteAddr()
	}
	return nil
}

// UnderlyingConn returns the underlying net.Conn, or nil for HTTP/2 connections.
func (c *Conn) UnderlyingConn() net.Conn {
	return c.netConn
}

// SetReadDeadline sets the read deadline on the underlying network connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if c.netConn != nil {
		return c.netConn.SetReadDeadline(t)
	}
	return nil
}

// SetWriteDeadline sets the write deadline on the underlying network connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	if c.netConn != nil {
		return c.netConn.SetWriteDeadline(t)
	}
	return nil
}

// SetReadLimit sets the maximum size in bytes for a message read from the peer.
func (c *Conn) SetReadLimit(limit int64) {
	c.readLimit = limit
	c.assembler.readLimit = limit
}

// SetPingHandler sets the handler for ping messages received from the peer.
// The default handler sends a pong carrying the ping's payload.
func (c *Conn) SetPingHandler(h func(appData string) error) {
	if h == nil {
		h = func(appData string) error {
			err := c.WriteControl(PongMessage, []byte(appData), time.Now().Add(defaultControlTimeout))
			if err == ErrCloseSent || err == ErrNotConnected {
				return nil
			}
			return err
		}
	}
	c.pingHandler = h
}

// SetPongHandler sets the handler for pong messages received from the peer.
// The default handler feeds the payload to the keep-alive tracker.
func (c *Conn) SetPongHandler(h func(appData string) error) {
	if h == nil {
		h = func(appData string) error {
			if c.keepalive != nil {
				c.keepalive.onPong(appData)
			}
			return nil
		}
	}
	c.pongHandler = h
}

// SetCloseHandler sets the handler for close messages received from the
// peer. The default handler echoes the received code and reason back.
func (c *Conn) SetCloseHandler(h func(code int, text string) error) {
	if h == nil {
		h = func(code int, text string) error {
			msg := FormatCloseMessage(code, text)
			_ = c.WriteControl(CloseMessage, msg, time.Now().Add(defaultControlTimeout))
			return nil
		}
	}
	c.closeHandler = h
}

// EnableWriteCompression enables or disables write compression for the
// connection when permessage-deflate was negotiated.
func (c *Conn) EnableWriteCompression(enable bool) {
	c.writeCompress = enable
}

// SetCompressionLevel sets the DEFLATE compression level (RFC 1951), -2 to 9.
func (c *Conn) SetCompressionLevel(level int) error {
	if level < minCompressionLevel || level > maxCompressionLevel {
		return ErrInvalidParameterValue
	}
	c.compressionLevel = level
	if c.deflateWrite != nil {
		c.deflateWrite.level = level
	}
	return nil
}

// WriteControl writes a control message with the given deadline. Control
// frames are never fragmented and never compressed (RFC 6455, section 5.5).
// A close frame moves the connection to CLOSING and rejects later sends.
func (c *Conn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	if messageType != CloseMessage && messageType != PingMessage && messageType != PongMessage {
		return ErrInvalidControlFrame
	}
	if len(data) > maxControlFramePayloadSize {
		return ErrControlFramePayloadTooBig
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	switch connState(c.state.Load()) {
	case stateClosed:
		return ErrChannelNotActive
	case stateClosing:
		if messageType != CloseMessage {
			return ErrNotConnected
		}
	}
	if c.writeErr != nil {
		return c.writeErr
	}

	if c.netConn != nil {
		_ = c.netConn.SetWriteDeadline(deadline)
	}

	err := c.fc.writeFrame(frame{opcode: messageType, final: true, payload: data})
	if messageType == CloseMessage {
		c.writeErr = ErrCloseSent
		c.state.CompareAndSwap(int32(stateOpen), int32(stateClosing))
	}
	return err
}

// WriteMessage writes a complete message with the given message type and
// payload, compressing and fragmenting it as configured.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	if messageType != TextMessage && messageType != BinaryMessage {
		return ErrInvalidMessageType
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.sendStateLocked(); err != nil {
		return err
	}

	return c.writeMessageLocked(messageType, data)
}

// sendStateLocked rejects data sends on connections that are no longer OPEN.
func (c *Conn) sendStateLocked() error {
	switch connState(c.state.Load()) {
	case stateClosed:
		return ErrChannelNotActive
	case stateClosing:
		return ErrNotConnected
	}
	return c.writeErr
}

func (c *Conn) writeMessageLocked(messageType int, data []byte) error {
	compress := c.writeCompress && c.compressionEnabled && c.deflateWrite != nil
	if compress {
		compressed, err := c.deflateWrite.compressMessage(data)
		if err != nil {
			return err
		}
		return c.writeDataFrames(messageType, compressed, true, true)
	}
	return c.writeDataFrames(messageType, data, false, true)
}

// writeDataFrames writes data as one or more frames, splitting at the
// configured frame-size bound. The first frame carries opcode and the RSV1
// bit when the message is compressed; the rest are continuations. final
// controls the FIN bit of the last frame written, so a message writer can
// stream a fragment prefix and finish later.
func (c *Conn) writeDataFrames(opcode int, data []byte, compressed, final bool) error {
	maxSize := 0
	if c.config != nil {
		maxSize = c.config.MaxFrameSize
	}

	first := true
	for {
		chunk := data
		if maxSize > 0 && len(chunk) > maxSize {
			chunk = data[:maxSize]
		}
		data = data[len(chunk):]

		f := frame{opcode: continuationFrame, payload: chunk, final: final && len(data) == 0}
		if first {
			f.opcode = opcode
			f.rsv1 = compressed
			first = false
		}
		if err := c.fc.writeFrame(f); err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
	}
}

// NextWriter returns a writer for the next message to send. The writer's
// Close method flushes the final frame; the connection's write path is
// reserved until then.
func (c *Conn) NextWriter(messageType int) (io.WriteCloser, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, ErrInvalidMessageType
	}

	c.writeMu.Lock()

	if err := c.sendStateLocked(); err != nil {
		c.writeMu.Unlock()
		return nil, err
	}

	c.writeFrameType = messageType
	w := &messageWriter{c: c, compress: c.writeCompress && c.compressionEnabled && c.deflateWrite != nil}
	if c.writeBufferPool != nil {
		if b, ok := c.writeBufferPool.Get().([]byte); ok {
			w.buf = b[:0]
		}
	}
	if w.buf == nil {
		w.buf = make([]byte, 0, c.writeBufSize)
	}
	return w, nil
}

// ReadMessage reads the next complete message from the connection.
func (c *Conn) ReadMessage() (messageType int, p []byte, err error) {
	var r io.Reader
	messageType, r, err = c.NextReader()
	if err != nil {
		return 0, nil, err
	}
	p, err = io.ReadAll(r)
	return messageType, p, err
}

// NextReader returns the next message reader from the connection. Once an
// error is returned (including the *CloseError that ends a clean closing
// handshake), all subsequent calls return the same error.
func (c *Conn) NextReader() (messageType int, r io.Reader, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readErr != nil {
		return 0, nil, c.readErr
	}

	messageType, payload, err := c.assembler.nextMessage()
	if err != nil {
		c.abortMu.Lock()
		if c.abortErr != nil {
			err = c.abortErr
		}
		c.abortMu.Unlock()

		if _, ok := err.(*CloseError); ok {
			// The peer's close frame has been observed and the echo (if we
			// had not already sent our own close) has been emitted by the
			// close handler: the handshake is complete. The server side
			// closes the transport; clients wait for the server's FIN.
			c.state.Store(int32(stateClosed))
			if c.isServer {
				_ = c.Close()
			}
		}

		c.readErr = err
		return 0, nil, err
	}

	return messageType, &messageReader{buf: payload}, nil
}

// messageWriter streams one outbound message. Uncompressed payloads are
// flushed as non-final fragments whenever the buffered amount crosses the
// high watermark; compressed payloads are buffered whole because the deflate
// session compresses per message.
type messageWriter struct {
	c        *Conn
	compress bool
	closed   bool
	opened   bool // a non-final fragment has been written
	buf      []byte
}

func (w *messageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrWriteToClosedConnection
	}
	w.buf = append(w.buf, p...)
	w.c.buffered.Store(int64(len(w.buf)))

	if !w.compress && w.c.config != nil {
		if high := w.c.config.WriteBufferWatermarks.High; high > 0 && len(w.buf) >= high {
			if err := w.flushFragment(); err != nil {
				return 0, err
			}
		}
	}
	return len(p), nil
}

func (w *messageWriter) flushFragment() error {
	opcode := w.c.writeFrameType
	if w.opened {
		opcode = continuationFrame
	}
	err := w.c.writeDataFrames(opcode, w.buf, false, false)
	w.opened = true
	w.buf = w.buf[:0]
	w.c.buffered.Store(0)
	return err
}

func (w *messageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer func() {
		if w.c.writeBufferPool != nil && w.buf != nil {
			w.c.writeBufferPool.Put(w.buf[:0])
		}
		w.c.writeFrameType = 0
		w.c.buffered.Store(0)
		w.c.writeMu.Unlock()
	}()

	if w.opened {
		return w.c.writeDataFrames(continuationFrame, w.buf, false, true)
	}
	return w.c.writeMessageLocked(w.c.writeFrameType, w.buf)
}

type messageReader struct {
	buf []byte
	pos int
}

func (r *messageReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.buf) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	return n, nil
}
