// Package transport owns the connection-setup glue in front of the proxy's
// message pipeline: a TCP listener that conditionally terminates TLS by
// peeking the first byte of each connection, the WebSocket upgrade of
// inbound client sockets, and the dial of the paired upstream socket.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/apxproxy/apx/internal/v1/logging"
	"go.uber.org/zap"
)

// Conn is the minimal surface the pipeline needs from either side of a
// proxied pair; gorilla's *websocket.Conn satisfies it on both ends.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// tlsHandshakeByte is the first byte of a TLS ClientHello record.
const tlsHandshakeByte = 0x16

// peekedConn restores the byte consumed while peeking so the wrapped reader
// (plain or tls.Server) sees the connection's original byte stream.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Listener wraps a net.Listener and conditionally terminates TLS per
// connection: a leading 0x16 means a TLS ClientHello, anything else is
// treated as a plaintext WebSocket handshake. This lets the same port serve
// both, matching deployments that sit directly behind a load balancer doing
// passthrough rather than TLS termination.
type Listener struct {
	inner     net.Listener
	tlsConfig *tls.Config // nil disables TLS entirely; Accept never peeks
}

// NewListener binds addr and returns a Listener. If certPath/keyPath are both
// empty, TLS termination is disabled and every connection is served plaintext.
func NewListener(addr, certPath, keyPath string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{inner: ln}
	if certPath != "" && keyPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			ln.Close()
			return nil, err
		}
		l.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}
	return l, nil
}

// Accept returns the next connection, already TLS-terminated when the peeked
// leading byte indicates a ClientHello and TLS is configured.
func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.inner.Accept()
	if err != nil {
		return nil, err
	}

	if l.tlsConfig == nil {
		return conn, nil
	}

	r := bufio.NewReader(conn)
	first, err := r.Peek(1)
	if err != nil {
		conn.Close()
		return nil, err
	}

	wrapped := &peekedConn{Conn: conn, r: r}
	if first[0] == tlsHandshakeByte {
		return tls.Server(wrapped, l.tlsConfig), nil
	}
	return wrapped, nil
}

func (l *Listener) Close() error   { return l.inner.Close() }
func (l *Listener) Addr() net.Addr { return l.inner.Addr() }

// LogAccept logs acceptance of a new raw connection, ahead of any WebSocket
// handshake, so a flood of non-WS connections still shows up in the logs.
func LogAccept(ctx context.Context, conn net.Conn) {
	logging.Info(ctx, "accepted connection", zap.String("remote_addr", conn.RemoteAddr().String()))
}
