// Package websocket implements the WebSocket protocol defined in RFC 6455
// and the permessage-deflate extension defined in RFC 7692, with HTTP/2
// bootstrapping per RFC 8441.
//
// Servers accept connections with an Upgrader, clients open them with a
// Dialer. Both produce a Conn that reads and writes complete messages,
// running the frame codec, fragmentation state machine, extension pipeline,
// and closing handshake underneath.
//
// Server example:
//
//	var upgrader = websocket.Upgrader{}
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    conn, err := upgrader.Upgrade(w, r, nil)
//	    if err != nil {
//	        return
//	    }
//	    defer conn.Close()
//
//	    for {
//	        messageType, p, err := conn.ReadMessage()
//	        if err != nil {
//	            return
//	        }
//	        if err := conn.WriteMessage(messageType, p); err != nil {
//	            return
//	        }
//	    }
//	}
//
// Client example:
//
//	conn, _, err := websocket.DefaultDialer.Dial("ws://localhost:8080/ws", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conn.Close()
//
//	err = conn.WriteMessage(websocket.TextMessage, []byte("hello"))
//
// # Configuration
//
// Both Upgrader and Dialer take an optional Config carrying the connection
// tunables: frame and fragment size limits, write-buffer watermarks, the
// handshake timeout, keep-alive pings, socket options, and the
// permessage-deflate parameters. Build one with NewConfig, which applies
// defaults and rejects out-of-bounds values, or load it from YAML with
// LoadConfigFile. A nil Config means NewConfig(nil)'s defaults.
//
// # Closing
//
// CloseWithReason starts a clean closing handshake: the close frame is sent,
// data sends start failing, and the read loop returns a *CloseError once the
// peer's close frame arrives. Close tears the transport down immediately.
// Use IsCloseError and IsUnexpectedCloseError to classify the error returned
// by the read methods.
//
// # Keep-alive
//
// With Config.AutoPing set, the connection pings the peer on the configured
// interval. Each ping carries a unique correlation id; if the matching pong
// does not arrive before the timeout, reads fail with ErrWebSocketTimeout
// and the connection is torn down.
//
// # Concurrency
//
// Connections support one concurrent reader and one concurrent writer.
// Applications must ensure that no more than one goroutine calls the write
// methods (NextWriter, WriteMessage, WriteJSON, WritePreparedMessage,
// WriteControl, CloseWithReason, Ping, Pong) concurrently, and that no more
// than one goroutine calls the read methods (NextReader, ReadMessage,
// ReadJSON) concurrently. Close and BufferedAmount may be called
// concurrently with everything else.
//
// # Origin checking
//
// Web browsers allow any site to open a WebSocket connection to any other
// site, so servers must validate the Origin header. The Upgrader calls
// CheckOrigin to do so; the default rejects cross-origin requests.
//
// # Compression
//
// Setting EnableCompression on the Upgrader or Dialer negotiates
// permessage-deflate. The negotiated parameters (context takeover and window
// bits per direction, from Config.Deflate) decide whether the compression
// dictionary survives across messages. Config.Deflate.MaxDecompressionSize
// bounds decompression amplification; exceeding it fails the connection with
// ErrLimitExceeded.
package websocket
