package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// DefaultDialer is a dialer with all fields set to the default values.
var DefaultDialer = &Dialer{}

// Dialer contains options for connecting to a WebSocket server.
type Dialer struct {
	// HTTPClient specifies the HTTP client to use for WebSocket connections.
	// If nil, http.DefaultClient is used.
	//
	// Configuration is extracted from HTTPClient.Transport (*http.Transport):
	//   - Proxy: proxy function for HTTP CONNECT tunneling
	//   - TLSClientConfig: TLS configuration for wss:// connections
	//   - DialContext: custom dial function for TCP connections
	//
	// For HTTP/2 WebSocket (RFC 8441), use an http.Client with http2.Transport.
	HTTPClient *http.Client

	// HandshakeTimeout specifies the duration for the handshake to complete
	// on the paths this Dialer controls the socket on (custom dial function,
	// socket options, proxy). If zero, Config.ConnectionTimeout applies
	// there. The plain http.Client and HTTP/2 paths apply neither; they are
	// bounded only by the context and the http.Client.
	HandshakeTimeout time.Duration

	// ReadBufferSize and WriteBufferSize specify I/O buffer sizes in bytes.
	ReadBufferSize  int
	WriteBufferSize int

	// WriteBufferPool is a pool of buffers for write operations.
	WriteBufferPool BufferPool

	// Subprotocols specifies the client's requested subprotocols.
	Subprotocols []string

	// EnableCompression specifies if the client should attempt to negotiate
	// per message compression (RFC 7692).
	EnableCompression bool

	// Jar specifies the cookie jar.
	// If nil, cookies are not sent in requests and ignored in responses.
	Jar http.CookieJar

	// Config carries the connection tunables (frame/fragment limits,
	// watermarks, keep-alive, deflate parameters, socket options) applied to
	// the Conn this Dialer produces. A nil Config uses NewConfig(nil)'s
	// defaults.
	Config *Config
}

// config returns d.Config, or NewConfig(nil)'s defaults if unset.
func (d *Dialer) config() *Config {
	if d.Config != nil {
		return d.Config
	}
	cfg, err := NewConfig(nil)
	if err != nil {
		// NewConfig(nil) only fails if the zero-value defaults themselves are
		// invalid, which they are not; this indicates a programming error.
		panic("websocket: default config is invalid: " + err.Error())
	}
	return cfg
}

// Dial creates a new client connection to the WebSocket server.
func (d *Dialer) Dial(urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	return d.DialContext(context.Background(), urlStr, requestHeader)
}

// DialContext creates a new client connection with the provided context.
// This implements the client-side opening handshake per RFC 6455, section
// 4.1, and RFC 8441 for HTTP/2 WebSocket bootstrapping.
func (d *Dialer) DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*Conn, *http.Response, error) {
	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return nil, nil, fmt.Errorf("%w: bad scheme %q", ErrInvalidURL, u.Scheme)
	}

	if u.Host == "" {
		return nil, nil, fmt.Errorf("%w: empty host", ErrInvalidURL)
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	if d.isHTTP2(client) {
		return d.dialHTTP2(ctx, client, u, requestHeader)
	}

	// A proxy needs a CONNECT tunnel before the upgrade can start.
	proxyURL := d.getProxyURL(client, u)
	if proxyURL != nil {
		return d.dialWithProxy(ctx, client, u, proxyURL, requestHeader)
	}

	// Socket-level tunables and custom dial functions both require owning
	// the TCP connection rather than going through http.Client.
	if d.hasCustomDial(client) || d.config().needsRawSocket() {
		return d.dialDirect(ctx, client, u, requestHeader)
	}

	return d.dialHTTP1(ctx, client, u, requestHeader)
}

// needsRawSocket reports whether any configured socket option requires this
// package to own the TCP connection.
func (c *Config) needsRawSocket() bool {
	return c.DeviceName != "" || c.SocketSendBufferSize > 0 || c.SocketRecvBufferSize > 0 || !c.tcpNoDelay()
}

// isHTTP2 checks if the client's transport is HTTP/2.
func (d *Dialer) isHTTP2(client *http.Client) bool {
	if client.Transport == nil {
		return false
	}
	_, ok := client.Transport.(*http2.Transport)
	return ok
}

// getProxyURL returns the proxy URL for the given target URL, or nil if no proxy.
func (d *Dialer) getProxyURL(client *http.Client, u *url.URL) *url.URL {
	transport, ok := client.Transport.(*http.Transport)
	if !ok || transport == nil || transport.Proxy == nil {
		return nil
	}

	proxyURL, err := transport.Proxy(&http.Request{URL: u})
	if err != nil || proxyURL == nil {
		return nil
	}
	return proxyURL
}

// hasCustomDial checks if the transport has custom dial functions.
func (d *Dialer) hasCustomDial(client *http.Client) bool {
	transport, ok := client.Transport.(*http.Transport)
	if !ok || transport == nil {
		return false
	}
	return transport.DialContext != nil || transport.DialTLSContext != nil
}

// prepareRequest builds the upgrade request head per RFC 6455, section 4.1.
// User headers are merged first so they cannot overwrite the handshake
// fields.
func (d *Dialer) prepareRequest(u *url.URL, requestHeader http.Header, challengeKey string) *http.Request {
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}

	for k, vs := range requestHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", challengeKey)
	req.Header.Set("Sec-WebSocket-Version", websocketVersion)

	if len(d.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(d.Subprotocols, ", "))
	}

	if d.EnableCompression {
		req.Header.Set("Sec-WebSocket-Extensions", formatDeflateOffer(d.config().Deflate))
	}

	if d.Jar != nil {
		for _, cookie := range d.Jar.Cookies(u) {
			req.AddCookie(cookie)
		}
	}

	return req
}

// dialHTTP1 performs the upgrade through http.Client, for the simple case
// with no proxy, custom dial function, or socket tunables.
func (d *Dialer) dialHTTP1(ctx context.Context, client *http.Client, u *url.URL, requestHeader http.Header) (*Conn, *http.Response, error) {
	challengeKey, err := generateChallengeKey()
	if err != nil {
		return nil, nil, err
	}

	req := d.prepareRequest(u, requestHeader, challengeKey).WithContext(ctx)

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	d.storeCookies(u, resp)

	if err := d.checkUpgradeResponse(resp, challengeKey); err != nil {
		resp.Body.Close()
		return nil, resp, err
	}

	// For 101 responses, resp.Body is an io.ReadWriteCloser.
	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return nil, resp, errors.New("websocket: response body is not ReadWriteCloser")
	}

	conn, err := d.completeConn(rwc, nil, resp)
	if err != nil {
		resp.Body.Close()
		return nil, resp, err
	}
	return conn, resp, nil
}

// dialDirect owns the TCP connection: it dials (honoring the transport's
// dial functions and the Config's socket options), performs TLS for wss://,
// and writes the upgrade by hand.
func (d *Dialer) dialDirect(ctx context.Context, client *http.Client, u *url.URL, requestHeader http.Header) (*Conn, *http.Response, error) {
	transport, _ := client.Transport.(*http.Transport)
	cfg := d.config()

	deadline := d.handshakeDeadline(cfg)

	netConn, err := d.dialNet(ctx, transport, cfg, u.Scheme == "https", hostPortFromURL(u), u.Hostname())
	if err != nil {
		return nil, nil, err
	}

	if err := applySocketOptions(netConn, cfg); err != nil {
		netConn.Close()
		return nil, nil, err
	}

	if !deadline.IsZero() {
		if err := netConn.SetDeadline(deadline); err != nil {
			netConn.Close()
			return nil, nil, err
		}
	}

	conn, resp, err := d.doHandshake(netConn, u, requestHeader)
	if err != nil {
		netConn.Close()
		return nil, resp, err
	}

	if !deadline.IsZero() {
		if err := netConn.SetDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, resp, err
		}
	}

	return conn, resp, nil
}

// dialWithProxy establishes a WebSocket connection through an HTTP proxy.
func (d *Dialer) dialWithProxy(ctx context.Context, client *http.Client, u *url.URL, proxyURL *url.URL, requestHeader http.Header) (*Conn, *http.Response, error) {
	transport, _ := client.Transport.(*http.Transport)
	cfg := d.config()

	deadline := d.handshakeDeadline(cfg)

	proxyConn, err := d.dialProxy(ctx, transport, proxyURL, u)
	if err != nil {
		return nil, nil, err
	}

	if !deadline.IsZero() {
		if err := proxyConn.SetDeadline(deadline); err != nil {
			proxyConn.Close()
			return nil, nil, err
		}
	}

	conn, resp, err := d.doHandshake(proxyConn, u, requestHeader)
	if err != nil {
		proxyConn.Close()
		return nil, resp, err
	}

	if !deadline.IsZero() {
		if err := proxyConn.SetDeadline(time.Time{}); err != nil {
			conn.Close()
			return nil, resp, err
		}
	}

	return conn, resp, nil
}

func (d *Dialer) handshakeDeadline(cfg *Config) time.Time {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = time.Duration(cfg.ConnectionTimeout)
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// dialProxy connects to the proxy and establishes a CONNECT tunnel per
// RFC 7231, section 4.3.6, then upgrades to TLS for wss:// targets.
func (d *Dialer) dialProxy(ctx context.Context, transport *http.Transport, proxyURL *url.URL, targetURL *url.URL) (net.Conn, error) {
	proxyHost := proxyURL.Host
	if proxyURL.Port() == "" {
		proxyHost = net.JoinHostPort(proxyURL.Hostname(), "80")
	}

	targetHostPort := hostPortFromURL(targetURL)

	var proxyConn net.Conn
	var err error
	if transport != nil && transport.DialContext != nil {
		proxyConn, err = transport.DialContext(ctx, "tcp", proxyHost)
	} else {
		dialer, derr := d.netDialer(d.config())
		if derr != nil {
			return nil, derr
		}
		proxyConn, err = dialer.DialContext(ctx, "tcp", proxyHost)
	}
	if err != nil {
		return nil, err
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetHostPort},
		Host:   targetHostPort,
		Header: make(http.Header),
	}

	if proxyURL.User != nil {
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		auth := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+auth)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		proxyConn.Close()
		return nil, err
	}

	br := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		proxyConn.Close()
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		proxyConn.Close()
		return nil, errors.New("websocket: proxy CONNECT failed: " + resp.Status)
	}

	if targetURL.Scheme == "https" {
		tlsConn, err := d.upgradeTLS(ctx, proxyConn, targetURL.Hostname(), transport)
		if err != nil {
			proxyConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}

	return proxyConn, nil
}

// netDialer builds the net.Dialer used when no custom dial function is
// configured, binding to Config.DeviceName when set.
func (d *Dialer) netDialer(cfg *Config) (*net.Dialer, error) {
	dialer := &net.Dialer{Timeout: time.Duration(cfg.ConnectionTimeout)}
	if cfg.DeviceName != "" {
		addr, err := deviceLocalAddr(cfg.DeviceName)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = addr
	}
	return dialer, nil
}

// deviceLocalAddr resolves a network interface name to a local TCP address
// the dialer can bind to.
func deviceLocalAddr(device string) (net.Addr, error) {
	iface, err := net.InterfaceByName(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidDevice, device, err)
	}
	addrs, err := iface.Addrs()
	if err != nil || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %q has no usable address", ErrInvalidDevice, device)
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			return &net.TCPAddr{IP: ipNet.IP}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q has no usable address", ErrInvalidDevice, device)
}

// applySocketOptions applies the Config's TCP-level tunables to a freshly
// dialed connection. Options on non-TCP transports are ignored.
func applySocketOptions(conn net.Conn, cfg *Config) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(cfg.tcpNoDelay()); err != nil {
		return err
	}
	if cfg.SocketSendBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(cfg.SocketSendBufferSize); err != nil {
			return err
		}
	}
	if cfg.SocketRecvBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(cfg.SocketRecvBufferSize); err != nil {
			return err
		}
	}
	return nil
}

// dialNet dials the target, honoring the transport's dial functions when
// present and falling back to a Config-aware net.Dialer.
func (d *Dialer) dialNet(ctx context.Context, transport *http.Transport, cfg *Config, isTLS bool, hostPort, serverName string) (net.Conn, error) {
	if isTLS && transport != nil && transport.DialTLSContext != nil {
		return transport.DialTLSContext(ctx, "tcp", hostPort)
	}

	var netConn net.Conn
	var err error
	if transport != nil && transport.DialContext != nil {
		netConn, err = transport.DialContext(ctx, "tcp", hostPort)
	} else {
		dialer, derr := d.netDialer(cfg)
		if derr != nil {
			return nil, derr
		}
		netConn, err = dialer.DialContext(ctx, "tcp", hostPort)
	}
	if err != nil {
		return nil, err
	}

	if !isTLS {
		return netConn, nil
	}

	tlsConn, err := d.upgradeTLS(ctx, netConn, serverName, transport)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// upgradeTLS wraps an established connection in a client TLS session, using
// Config.TLSConfig, then the transport's TLS configuration, as the base.
func (d *Dialer) upgradeTLS(ctx context.Context, netConn net.Conn, serverName string, transport *http.Transport) (net.Conn, error) {
	tlsConfig := &tls.Config{}
	if cfg := d.config(); cfg.TLSConfig != nil {
		tlsConfig = cfg.TLSConfig.Clone()
	} else if transport != nil && transport.TLSClientConfig != nil {
		tlsConfig = transport.TLSClientConfig.Clone()
	}
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = serverName
	}

	tlsConn := tls.Client(netConn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSInitFailed, err)
	}
	return tlsConn, nil
}

// doHandshake writes the upgrade request to an established connection and
// validates the response per RFC 6455, section 4.1.
func (d *Dialer) doHandshake(netConn net.Conn, u *url.URL, requestHeader http.Header) (*Conn, *http.Response, error) {
	challengeKey, err := generateChallengeKey()
	if err != nil {
		return nil, nil, err
	}

	req := d.prepareRequest(u, requestHeader, challengeKey)

	if err := req.Write(netConn); err != nil {
		return nil, nil, err
	}

	br := bufio.NewReader(netConn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, nil, err
	}
	d.storeCookies(u, resp)

	if err := d.checkUpgradeResponse(resp, challengeKey); err != nil {
		return nil, resp, err
	}

	// The response reader may have buffered frames the server sent right
	// after the 101; hand the buffered reader to the connection so they are
	// not lost (or drop them, per LeftoverBytesStrategy).
	var rwc io.ReadWriteCloser = netConn
	if br.Buffered() > 0 && d.config().LeftoverBytesStrategy == LeftoverBytesForward {
		rwc = &bufferedReadConn{Conn: netConn, br: br}
	}

	conn, err := d.completeConn(rwc, netConn, resp)
	if err != nil {
		return nil, resp, err
	}
	return conn, resp, nil
}

// bufferedReadConn reads from a bufio.Reader that may hold bytes read past
// the handshake response, writing straight to the connection.
type bufferedReadConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedReadConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

func (d *Dialer) storeCookies(u *url.URL, resp *http.Response) {
	if d.Jar == nil {
		return
	}
	if rc := resp.Cookies(); len(rc) > 0 {
		d.Jar.SetCookies(u, rc)
	}
}

// checkUpgradeResponse validates the server's 101 response per RFC 6455,
// section 4.2.2. An empty challengeKey skips the Sec-WebSocket-Accept check
// (the HTTP/2 bootstrap has no challenge key).
func (d *Dialer) checkUpgradeResponse(resp *http.Response, challengeKey string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return ErrNotUpgraded
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return ErrBadHandshake
	}
	if !strings.EqualFold(resp.Header.Get("Connection"), "upgrade") {
		return ErrBadHandshake
	}
	if challengeKey != "" && resp.Header.Get("Sec-WebSocket-Accept") != computeAcceptKey(challengeKey) {
		return ErrBadHandshake
	}
	return d.checkSubprotocolResponse(resp)
}

// checkSubprotocolResponse verifies that any subprotocol the server selected
// was actually requested.
func (d *Dialer) checkSubprotocolResponse(resp *http.Response) error {
	subprotocol := resp.Header.Get("Sec-WebSocket-Protocol")
	if subprotocol == "" || len(d.Subprotocols) == 0 {
		return nil
	}
	if !slices.Contains(d.Subprotocols, subprotocol) {
		return ErrBadHandshake
	}
	return nil
}

// completeConn builds the client Conn from an upgraded transport: it runs
// the permessage-deflate acceptance against the response headers, builds the
// per-direction deflate sessions, and applies the Config.
func (d *Dialer) completeConn(rwc io.ReadWriteCloser, netConn net.Conn, resp *http.Response) (*Conn, error) {
	cfg := d.config()

	conn := newConnFromRWC(rwc, netConn, false, d.ReadBufferSize, d.WriteBufferSize, d.WriteBufferPool)
	conn.subprotocol = resp.Header.Get("Sec-WebSocket-Protocol")

	var readDeflate, writeDeflate *deflateSession
	if d.EnableCompression {
		negotiated, ok, err := acceptClient(parseExtensions(resp.Header), cfg.Deflate)
		if err != nil {
			return nil, err
		}
		if ok {
			// The client compresses with its own side's parameters and
			// decompresses with the server's.
			writeDeflate = newDeflateWriteSession(negotiated.clientNoContextTakeover, 0, negotiated.clientWindowBits())
			readDeflate = newDeflateReadSession(negotiated.serverNoContextTakeover, cfg.Deflate.MaxDecompressionSize, negotiated.serverWindowBits())
		}
	}

	conn.applyConfig(cfg, readDeflate, writeDeflate)
	return conn, nil
}

// dialHTTP2 bootstraps a WebSocket connection over HTTP/2 per RFC 8441,
// using an extended CONNECT request whose :protocol pseudo-header is
// "websocket".
func (d *Dialer) dialHTTP2(ctx context.Context, client *http.Client, u *url.URL, requestHeader http.Header) (*Conn, *http.Response, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    u,
		Host:   u.Host,
		Proto:  "websocket", // :protocol pseudo-header value
		Header: make(http.Header),
	}
	req = req.WithContext(ctx)

	for k, vs := range requestHeader {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if len(d.Subprotocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(d.Subprotocols, ", "))
	}

	if d.EnableCompression {
		req.Header.Set("Sec-WebSocket-Extensions", formatDeflateOffer(d.config().Deflate))
	}

	if d.Jar != nil {
		for _, cookie := range d.Jar.Cookies(u) {
			req.AddCookie(cookie)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	d.storeCookies(u, resp)

	// RFC 8441, section 5: a successful extended CONNECT answers 200.
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, resp, ErrNotUpgraded
	}

	if err := d.checkSubprotocolResponse(resp); err != nil {
		resp.Body.Close()
		return nil, resp, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return nil, resp, errors.New("websocket: response body is not ReadWriteCloser")
	}

	conn, err := d.completeConn(rwc, nil, resp)
	if err != nil {
		resp.Body.Close()
		return nil, resp, err
	}
	return conn, resp, nil
}

// hostPortFromURL returns host:port from URL, adding the default port if needed.
func hostPortFromURL(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https":
		return net.JoinHostPort(u.Hostname(), "443")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}

// generateChallengeKey generates a 16-byte random key encoded in base64
// per RFC 6455, section 4.1.
func generateChallengeKey() (string, error) {
	key := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
